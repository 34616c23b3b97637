// Package logger provides a slog.Logger factory with environment presets,
// static attributes, and context-driven attribute injection so request-scoped
// values (event ids, tenant ids) appear on every record without manual
// plumbing at each call site.
package logger
