package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// postgresDialect serves both lib/pq ("postgres") and pgx's database/sql
// driver ("pgx"); only the driver name differs.
func postgresDialect(driver string) dialect {
	return dialect{
		name:      driver,
		driver:    driver,
		numbered:  true,
		idColumn:  "BIGSERIAL PRIMARY KEY",
		timestamp: "TIMESTAMPTZ",
		like:      "ILIKE",
		lockPair:  `SELECT id FROM users WHERE id IN (?, ?) ORDER BY id FOR UPDATE`,
	}
}

const pgUniqueViolation = "23505"

// postgresUniqueViolation returns the violated constraint name, e.g.
// "users_phone_key"
func postgresUniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint, pqErr.Code == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName, pgErr.Code == pgUniqueViolation
	}
	return "", false
}
