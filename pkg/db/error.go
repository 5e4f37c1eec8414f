package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsObjectExistsErr matches "already exists" DDL failures. A losing racer
// in partition creation treats these as success.
func IsObjectExistsErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// PostgreSQL (error code 42P07 / 42710)
	if strings.Contains(msg, "already exists") {
		return true
	}
	// MySQL (error code 1050)
	return strings.Contains(msg, "Error 1050")
}
