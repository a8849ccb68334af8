// Package postgres provides PostgreSQL implementations of the task, progress
// log and résumé stores declared in internal/task. It owns the schema
// (embedded goose migrations), connection setup through the pgx stdlib
// driver, and the mapping of driver errors onto internal/store errors.
package postgres
