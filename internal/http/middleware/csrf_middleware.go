package middleware

import (
	"net/http"
	"strings"

	"github.com/sandeepkv93/unified-auth-sync/internal/http/response"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

// CSRFMiddleware enforces the double-submit token on unsafe methods.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		cookie := security.GetCookie(r, security.CSRFCookie)
		header := r.Header.Get(security.CSRFHeader)
		reason := ""
		switch {
		case cookie == "":
			reason = "missing_cookie"
		case header == "":
			reason = "missing_header"
		case !security.SecureCompare(cookie, header):
			reason = "mismatch"
		}
		if reason != "" {
			observability.RecordCSRFRejection(r.Context(), reason, csrfPathGroup(r.URL.Path))
			response.Error(w, r, http.StatusForbidden, "CSRF_INVALID", "csrf token missing or invalid", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func csrfPathGroup(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "root"
	}
	if parts[0] == "api" && len(parts) >= 3 {
		return "api/" + parts[2]
	}
	return parts[0]
}
