package database

import (
	"database/sql/driver"
	"encoding/json"
)

// DbJson stores an arbitrary value as a JSON column. Postgres maps it to
// jsonb; sqlite stores the marshaled text. A nil inner value round-trips as
// SQL NULL / JSON null.
type DbJson[V any] struct {
	v *V
}

func NewDbJson[V any]() *DbJson[V] {
	return &DbJson[V]{}
}

func NewDbJsonFromValue[V any](v V) *DbJson[V] {
	return &DbJson[V]{
		v: &v,
	}
}

func (d *DbJson[V]) Scan(value any) error {
	switch value := value.(type) {
	case nil:
		return nil
	case []uint8:
		if err := json.Unmarshal([]byte(value), &d.v); err != nil {
			var zero V
			d.v = &zero
			return nil
		}
		return nil
	case string:
		if err := json.Unmarshal([]byte(value), &d.v); err != nil {
			var zero V
			d.v = &zero
			return nil
		}
		return nil
	}

	return nil
}

func (d *DbJson[V]) Value() (driver.Value, error) {
	// database/sql calls Value on the typed nil pointer when the column was
	// never populated; that round-trips as SQL NULL.
	if d == nil || d.v == nil {
		return nil, nil
	}
	v, err := json.Marshal(d.v)
	return string(v), err
}

func (d *DbJson[V]) Json() *V {
	if d == nil {
		return nil
	}
	return d.v
}

// String implements fmt.Stringer for log-friendly output.
func (d *DbJson[V]) String() string {
	if d == nil || d.v == nil {
		return "{}"
	}
	data, err := json.Marshal(d.v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (d *DbJson[V]) MarshalJSON() ([]byte, error) {
	if d.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(d.v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DbJson[V]) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	v := new(V)
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}

	d.v = v
	return nil
}

// StringList is the column shape used for recipient and cc lists.
type StringList = DbJson[[]string]

func NewStringList(values []string) *StringList {
	return NewDbJsonFromValue(values)
}
