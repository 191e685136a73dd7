// Package crossapp carries signed auth state announcements between sibling
// applications of one trust domain.
package crossapp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

var (
	ErrMalformedMessage      = errors.New("malformed cross-app message")
	ErrSignatureVerification = errors.New("cross-app message signature verification failed")
	ErrStaleMessage          = errors.New("cross-app message outside freshness window")
	ErrReplayedMessage       = errors.New("cross-app message replayed")
)

// maxMessageBytes bounds a single encoded message.
const maxMessageBytes = 4 << 10

// Canonical returns the bytes covered by the signature: every field except
// the signature, as a JSON object with keys in sorted order.
func Canonical(msg domain.CrossAppMessage) ([]byte, error) {
	fields := map[string]any{
		"type":      string(msg.Type),
		"sessionId": msg.SessionID,
		"userId":    msg.UserID,
		"timestamp": msg.Timestamp,
		"nonce":     msg.Nonce,
	}
	if msg.Origin != "" {
		fields["origin"] = msg.Origin
	}
	// Map keys are written sorted. HTML escaping stays off so the bytes
	// match JSON.stringify in non-Go peers.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func Sign(msg domain.CrossAppMessage, secret []byte) (string, error) {
	payload, err := Canonical(msg)
	if err != nil {
		return "", err
	}
	return security.HMAC(payload, secret), nil
}

func Verify(msg domain.CrossAppMessage, secret []byte) bool {
	if msg.Signature == "" || len(secret) == 0 {
		return false
	}
	payload, err := Canonical(msg)
	if err != nil {
		return false
	}
	return security.VerifyHMAC(payload, msg.Signature, secret)
}

// Decode parses a wire message and checks its shape. It does not verify the
// signature.
func Decode(raw []byte) (domain.CrossAppMessage, error) {
	var msg domain.CrossAppMessage
	if len(raw) == 0 || len(raw) > maxMessageBytes {
		return msg, ErrMalformedMessage
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if dec.More() {
		return msg, fmt.Errorf("%w: trailing data", ErrMalformedMessage)
	}
	switch {
	case !msg.Type.Valid():
		return msg, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	case msg.SessionID == "":
		return msg, fmt.Errorf("%w: missing sessionId", ErrMalformedMessage)
	case msg.Nonce == "":
		return msg, fmt.Errorf("%w: missing nonce", ErrMalformedMessage)
	case msg.Timestamp <= 0:
		return msg, fmt.Errorf("%w: missing timestamp", ErrMalformedMessage)
	case msg.Signature == "":
		return msg, fmt.Errorf("%w: missing signature", ErrMalformedMessage)
	}
	return msg, nil
}

func Encode(msg domain.CrossAppMessage) ([]byte, error) {
	return json.Marshal(msg)
}
