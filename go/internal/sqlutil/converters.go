package sqlutil

import (
	"database/sql"

	"github.com/mcdev12/blindtasting/go/internal/models"
)

// Helpers for converting between domain types and sql.Null* types.

// ToNullString maps "" to NULL.
func ToNullString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val, Valid: true}
}

// FromNullString maps NULL to "".
func FromNullString(val sql.NullString) string {
	if !val.Valid {
		return ""
	}
	return val.String
}

// ToNullInt64 converts an optional int to sql.NullInt64.
func ToNullInt64(val *int) sql.NullInt64 {
	if val == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(*val), Valid: true}
}

// FromNullInt64 converts sql.NullInt64 to an optional int.
func FromNullInt64(val sql.NullInt64) *int {
	if !val.Valid {
		return nil
	}
	i := int(val.Int64)
	return &i
}

// ToNullMillis converts an optional timestamp to sql.NullInt64.
func ToNullMillis(val *models.Millis) sql.NullInt64 {
	if val == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(*val), Valid: true}
}

// FromNullMillis converts sql.NullInt64 to an optional timestamp.
func FromNullMillis(val sql.NullInt64) *models.Millis {
	if !val.Valid {
		return nil
	}
	m := models.Millis(val.Int64)
	return &m
}
