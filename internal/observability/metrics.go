package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandeepkv93/unified-auth-sync/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "unified-auth-sync"

type AppMetrics struct {
	signInCounter        metric.Int64Counter
	signOutCounter       metric.Int64Counter
	refreshCounter       metric.Int64Counter
	rotationCounter      metric.Int64Counter
	tokenValidation      metric.Int64Counter
	crossAppMessages     metric.Int64Counter
	repositoryOperations metric.Int64Counter
	sessionStateChanges  metric.Int64Counter
	rateLimitDecisions   metric.Int64Counter
	csrfRejections       metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := NewAppMetrics(mp)
	if err != nil {
		return nil, err
	}
	SetAppMetrics(m)

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

// NewAppMetrics registers the auth core instruments on provider.
func NewAppMetrics(provider metric.MeterProvider) (*AppMetrics, error) {
	meter := provider.Meter(meterName)
	var (
		m   AppMetrics
		err error
	)
	if m.signInCounter, err = meter.Int64Counter("auth.signin.attempts"); err != nil {
		return nil, err
	}
	if m.signOutCounter, err = meter.Int64Counter("auth.signout.attempts"); err != nil {
		return nil, err
	}
	if m.refreshCounter, err = meter.Int64Counter("auth.refresh.attempts"); err != nil {
		return nil, err
	}
	if m.rotationCounter, err = meter.Int64Counter("auth.token.rotations"); err != nil {
		return nil, err
	}
	if m.tokenValidation, err = meter.Int64Counter("auth.token.validations"); err != nil {
		return nil, err
	}
	if m.crossAppMessages, err = meter.Int64Counter("crossapp.messages"); err != nil {
		return nil, err
	}
	if m.repositoryOperations, err = meter.Int64Counter("repository.operations"); err != nil {
		return nil, err
	}
	if m.sessionStateChanges, err = meter.Int64Counter("auth.session.state_changes"); err != nil {
		return nil, err
	}
	if m.rateLimitDecisions, err = meter.Int64Counter("http.ratelimit.decisions"); err != nil {
		return nil, err
	}
	if m.csrfRejections, err = meter.Int64Counter("http.csrf.rejections"); err != nil {
		return nil, err
	}
	return &m, nil
}

func SetAppMetrics(m *AppMetrics) {
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthSignIn(ctx context.Context, appID, status string) {
	m := current()
	if m == nil {
		return
	}
	m.signInCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("app", appID),
		attribute.String("status", status),
	))
}

func RecordAuthSignOut(ctx context.Context, appID, trigger string) {
	m := current()
	if m == nil {
		return
	}
	m.signOutCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("app", appID),
		attribute.String("trigger", trigger),
	))
}

func RecordAuthRefresh(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordTokenRotation(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.rotationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAccessTokenValidation(ctx context.Context, outcome, source string) {
	m := current()
	if m == nil {
		return
	}
	m.tokenValidation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	))
}

func RecordCrossAppMessage(ctx context.Context, direction, messageType, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.crossAppMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("type", messageType),
		attribute.String("outcome", outcome),
	))
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordSessionStateChange(ctx context.Context, appID, from, to string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionStateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("app", appID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
	))
}

func RecordCSRFRejection(ctx context.Context, reason, pathGroup string) {
	m := current()
	if m == nil {
		return
	}
	m.csrfRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("path_group", pathGroup),
	))
}
