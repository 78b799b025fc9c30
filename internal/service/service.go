// Package service contains the identity business logic.
//
//	Handler (HTTP)  → parses requests, writes responses
//	Service         → validates, enforces the identity rules, orchestrates
//	Repository      → reads/writes the store
//
// Services take repository interfaces, never *sqlite.DB, so tests run them
// against in-memory fakes. They return *apperror.AppError values and know
// nothing about HTTP status codes.
package service

import (
	"context"
	"time"
)

// DefaultStoreTimeout bounds a single repository call when none is configured.
const DefaultStoreTimeout = 3 * time.Second

// bounded derives the per-call context used around repository calls. A store
// that hangs past the deadline surfaces as ErrBackendUnavailable, never as
// "not found".
func bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// maskIdentifier keeps enough of an identifier to correlate log lines
// without writing the whole value.
//
//	0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed → 0x5aae...beaed
//	alice                                      → al...
func maskIdentifier(s string) string {
	switch {
	case len(s) <= 4:
		return "..."
	case len(s) < 12:
		return s[:2] + "..."
	default:
		return s[:6] + "..." + s[len(s)-5:]
	}
}
