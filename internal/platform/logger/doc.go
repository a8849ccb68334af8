// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels, a logger carried in context.Context, and a
// handler that stamps context attributes (trace_id, task_id) onto records.
package logger
