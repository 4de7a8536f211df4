// Package repo contains the persistence layer: one repository per table,
// all backed by the shared gorm wrapper. Repositories never log; callers
// decide what is worth reporting.
package repo

import (
	"errors"
	"strings"

	gormdb "gorm.io/gorm"
)

// isUniqueViolation reports whether err is a unique-constraint failure.
// Postgres and sqlite word it differently and gorm only translates some
// driver errors, so the message is checked as well.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gormdb.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key value"):
		return true
	case strings.Contains(msg, "unique constraint failed"):
		return true
	case strings.Contains(msg, "violates unique constraint"):
		return true
	default:
		return false
	}
}
