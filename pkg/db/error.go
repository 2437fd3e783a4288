package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports unique constraint violations across dialects.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	msg := err.Error()
	// MySQL 1062
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQLite 2067
	return strings.Contains(msg, "UNIQUE constraint failed")
}
