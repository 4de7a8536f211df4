package utils

// ListUpdate maps a slice through fn, preserving order.
func ListUpdate[T1, T2 any](data []T1, fn func(T1) T2) []T2 {
	out := make([]T2, len(data))
	for i, v := range data {
		out[i] = fn(v)
	}

	return out
}

// Dedupe returns the unique values of ids, preserving first-seen order. The
// incremental partitioner uses it before set subtraction.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Subtract returns the members of ids not present in exclude.
func Subtract(ids []string, exclude map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := exclude[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ToSet converts a slice to a membership set.
func ToSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Chunk splits ids into batches of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		return [][]string{ids}
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
