package observability

import (
	"context"
	"log/slog"
	"net/http"
)

func Audit(r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-Id"),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}

// AuditEvent logs an audit line for events that do not originate from an
// HTTP request, such as a sign-out forced by a sibling application.
func AuditEvent(ctx context.Context, logger *slog.Logger, event string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit", append([]any{"event", event}, attrs...)...)
}
