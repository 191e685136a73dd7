package config

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
)

func TestClassifyConfigLoadError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "none", err: nil, want: "none"},
		{name: "validation", err: errors.New("validate config: APP_ID is required"), want: "validation"},
		{name: "parse", err: errors.New("parse config: JWT_ACCESS_TTL: invalid duration"), want: "parse"},
		{name: "parse mentioned later", err: errors.New("open app.env: cannot parse line 3"), want: "load"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyConfigLoadError(tc.err); got != tc.want {
				t.Fatalf("classifyConfigLoadError()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestConfigEventAttributes(t *testing.T) {
	cfg := &Config{AppEnv: " Production ", SyncTransport: "redis", SessionStore: "gorm"}
	got := attributeMap(configEventAttributes(eventSourceReload, cfg, nil))
	want := map[string]string{
		"source":         "reload",
		"profile":        "production",
		"sync_transport": "redis",
		"session_store":  "gorm",
		"outcome":        "success",
		"error_class":    "none",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("attribute %s=%q want %q", k, got[k], v)
		}
	}

	got = attributeMap(configEventAttributes(eventSourceLoad, nil, errors.New("validate config: APP_ID is required")))
	if got["profile"] != "unknown" || got["sync_transport"] != "unknown" || got["outcome"] != "error" || got["error_class"] != "validation" {
		t.Fatalf("unexpected attributes for rejected load: %v", got)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsString()
	}
	return out
}

func FuzzNormalizeConfigLabel(f *testing.F) {
	f.Add("  Redis  ")
	f.Add("   ")
	f.Add("")
	f.Add(strings.Repeat("K", 4096))

	f.Fuzz(func(t *testing.T, raw string) {
		if len(raw) > 8192 {
			raw = raw[:8192]
		}
		got := normalizeConfigLabel(raw)
		if got == "" {
			t.Fatal("normalized label must not be empty")
		}
		if strings.TrimSpace(raw) == "" && got != "unknown" {
			t.Fatalf("expected unknown for blank input, got %q", got)
		}
		if utf8.ValidString(raw) && !utf8.ValidString(got) {
			t.Fatalf("label must stay valid UTF-8: %q", got)
		}
		if got != normalizeConfigLabel(got) {
			t.Fatalf("normalizing twice changed %q", got)
		}
	})
}
