// Package postgres is the PostgreSQL backend of the task store. It opens
// connections through the pgx database/sql driver, owns the embedded
// schema migrations and translates PostgreSQL error codes into the store
// package's errors.
package postgres
