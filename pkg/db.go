package pkg

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	PgCodeUniqueViolation     = "23505"
	PgCodeForeignKeyViolation = "23503"
	PgCodeCheckViolation      = "23514"
)

// PgErrorCode returns the SQLSTATE of a wrapped postgres error, or "" when
// err did not come from the server.
func PgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// PgConstraintName returns the violated constraint, if any.
func PgConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// IsUniqueViolationError reports a duplicate key, e.g. a taken email.
func IsUniqueViolationError(err error) bool {
	return PgErrorCode(err) == PgCodeUniqueViolation
}

// IsForeignKeyViolationError reports a reference to a missing row, e.g. a
// blog whose author is gone.
func IsForeignKeyViolationError(err error) bool {
	return PgErrorCode(err) == PgCodeForeignKeyViolation
}

func IsCheckViolationError(err error) bool {
	return PgErrorCode(err) == PgCodeCheckViolation
}
