// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: conditional-UPDATE evaluation locks, compare-and-set step run
// transitions, JSONB payloads, embedded SQL migrations.
package postgres
