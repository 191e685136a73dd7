package security

import (
	"net/http"
	"time"
)

const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
	CSRFCookie         = "csrf_token"
	CSRFHeader         = "X-CSRF-Token"
	// DeviceFingerprintHeader carries the fingerprint a session was bound to
	// at sign-in.
	DeviceFingerprintHeader = "X-Device-Fingerprint"
)

type CookieOptions struct {
	Domain string
	Secure bool
}

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func SetSessionCookies(w http.ResponseWriter, opts CookieOptions, access string, accessExp time.Time, refresh string, refreshExp time.Time) {
	http.SetCookie(w, sessionCookie(opts, AccessTokenCookie, access, "/", accessExp))
	if refresh != "" {
		http.SetCookie(w, sessionCookie(opts, RefreshTokenCookie, refresh, "/api/v1/auth", refreshExp))
	}
}

// SetCSRFCookie writes the double-submit token. It stays readable by scripts
// so the client can echo it in the CSRF header.
func SetCSRFCookie(w http.ResponseWriter, opts CookieOptions, token string, expires time.Time) {
	c := sessionCookie(opts, CSRFCookie, token, "/", expires)
	c.HttpOnly = false
	http.SetCookie(w, c)
}

func ClearSessionCookies(w http.ResponseWriter, opts CookieOptions) {
	expired := time.Unix(0, 0)
	csrf := sessionCookie(opts, CSRFCookie, "", "/", expired)
	csrf.HttpOnly = false
	for _, c := range []*http.Cookie{
		sessionCookie(opts, AccessTokenCookie, "", "/", expired),
		sessionCookie(opts, RefreshTokenCookie, "", "/api/v1/auth", expired),
		csrf,
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func sessionCookie(opts CookieOptions, name, value, path string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   opts.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}
