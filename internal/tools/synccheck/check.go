// Package synccheck verifies that two deployed applications share session
// state: a sign-in on one is honoured by the other and a sign-out on either
// ends it everywhere.
package synccheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

type Options struct {
	PrimaryURL string
	SiblingURL string
	Identifier string
	Password   string
	Timeout    time.Duration
}

type sessionView struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	TokenVersion int64  `json:"token_version"`
}

type credentials struct {
	access string
	csrf   string
}

// Check runs the sign-in, cross-read and sign-out round trip and returns one
// detail line per passed step.
func Check(ctx context.Context, opts Options) ([]string, error) {
	client := &http.Client{Timeout: opts.Timeout}
	if client.Timeout <= 0 {
		client.Timeout = 10 * time.Second
	}
	primary := strings.TrimRight(opts.PrimaryURL, "/")
	sibling := strings.TrimRight(opts.SiblingURL, "/")
	var details []string

	creds, signedIn, err := signIn(ctx, client, primary, opts.Identifier, opts.Password)
	if err != nil {
		return details, err
	}
	details = append(details, fmt.Sprintf("signin on primary: session=%s user=%s", signedIn.SessionID, signedIn.UserID))

	seen, status, err := session(ctx, client, sibling, creds)
	if err != nil {
		return details, err
	}
	if status != http.StatusOK {
		return details, fmt.Errorf("sibling rejected primary session: status %d", status)
	}
	if seen.SessionID != signedIn.SessionID || seen.UserID != signedIn.UserID {
		return details, fmt.Errorf("sibling reports session %s for user %s", seen.SessionID, seen.UserID)
	}
	details = append(details, "sibling honours primary session: ok")

	if status, err := signOut(ctx, client, sibling, creds); err != nil {
		return details, err
	} else if status != http.StatusOK && status != http.StatusNoContent {
		return details, fmt.Errorf("signout on sibling failed: status %d", status)
	}
	details = append(details, "signout on sibling: ok")

	if _, status, err := session(ctx, client, primary, creds); err != nil {
		return details, err
	} else if status != http.StatusUnauthorized {
		return details, fmt.Errorf("primary still accepts revoked session: status %d", status)
	}
	details = append(details, "primary rejects revoked session: ok")
	return details, nil
}

func signIn(ctx context.Context, client *http.Client, base, identifier, password string) (credentials, sessionView, error) {
	body, _ := json.Marshal(map[string]string{"identifier": identifier, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/auth/signin", bytes.NewReader(body))
	if err != nil {
		return credentials{}, sessionView{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return credentials{}, sessionView{}, fmt.Errorf("signin request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return credentials{}, sessionView{}, fmt.Errorf("signin failed: %s", resp.Status)
	}
	var creds credentials
	for _, c := range resp.Cookies() {
		switch c.Name {
		case security.AccessTokenCookie:
			creds.access = c.Value
		case security.CSRFCookie:
			creds.csrf = c.Value
		}
	}
	if creds.access == "" {
		return creds, sessionView{}, fmt.Errorf("signin response carried no %s cookie", security.AccessTokenCookie)
	}
	view, err := decodeView(resp.Body)
	return creds, view, err
}

func session(ctx context.Context, client *http.Client, base string, creds credentials) (sessionView, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/auth/session", nil)
	if err != nil {
		return sessionView{}, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.access)
	resp, err := client.Do(req)
	if err != nil {
		return sessionView{}, 0, fmt.Errorf("session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return sessionView{}, resp.StatusCode, nil
	}
	view, err := decodeView(resp.Body)
	return view, resp.StatusCode, err
}

func signOut(ctx context.Context, client *http.Client, base string, creds credentials) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/auth/signout", nil)
	if err != nil {
		return 0, err
	}
	req.AddCookie(&http.Cookie{Name: security.AccessTokenCookie, Value: creds.access})
	req.AddCookie(&http.Cookie{Name: security.CSRFCookie, Value: creds.csrf})
	req.Header.Set(security.CSRFHeader, creds.csrf)
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("signout request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func decodeView(r io.Reader) (sessionView, error) {
	var env struct {
		Data sessionView `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return sessionView{}, fmt.Errorf("decode session view: %w", err)
	}
	return env.Data, nil
}
