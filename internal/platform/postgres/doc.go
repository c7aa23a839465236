// Package postgres implements the relational stores of the background task
// subsystem on database/sql. PostgreSQL (through the pgx stdlib driver) is
// the production database; SQLite is supported for local runs and tests.
// Queries use $n placeholders and no dialect specific SQL, so one store
// serves both drivers. Schemas live in per-dialect goose migrations.
package postgres
