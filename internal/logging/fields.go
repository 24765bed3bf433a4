package logging

import "log/slog"

// WithFields returns a logger enriched with key/value pairs scoped to one
// request, the per-call replacement for the original's module-level
// structlog.contextvars.bind_contextvars singleton (spec.md §9): each
// request builds its own enriched logger and passes it down the call chain
// explicitly instead of mutating shared global state.
func WithFields(log *slog.Logger, kv ...any) *slog.Logger {
	return log.With(kv...)
}
