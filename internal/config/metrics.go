package config

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	eventSourceLoad   = "load"
	eventSourceReload = "reload"
)

var (
	configMetricsOnce sync.Once
	configCounter     metric.Int64Counter
)

// recordConfigEvent counts startup loads and hot reloads. Sync transport and
// session store are labelled so a reload that was rejected on one app of a
// trust domain stands out.
func recordConfigEvent(ctx context.Context, source string, cfg *Config, err error) {
	configMetricsOnce.Do(func() {
		counter, err := otel.Meter("unified-auth-sync").Int64Counter("auth_sync.config.events")
		if err == nil {
			configCounter = counter
		}
	})
	if configCounter == nil {
		return
	}
	configCounter.Add(ctx, 1, metric.WithAttributes(configEventAttributes(source, cfg, err)...))
}

func configEventAttributes(source string, cfg *Config, err error) []attribute.KeyValue {
	var profile, transport, store string
	if cfg != nil {
		profile, transport, store = cfg.AppEnv, cfg.SyncTransport, cfg.SessionStore
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	return []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("profile", normalizeConfigLabel(profile)),
		attribute.String("sync_transport", normalizeConfigLabel(transport)),
		attribute.String("session_store", normalizeConfigLabel(store)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", classifyConfigLoadError(err)),
	}
}

func normalizeConfigLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.HasPrefix(msg, "validate config:"):
		return "validation"
	case strings.HasPrefix(msg, "parse config:"):
		return "parse"
	default:
		return "load"
	}
}
