package observability

import (
	"context"

	"github.com/sandeepkv93/unified-auth-sync/internal/config"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
)

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("service.instance.id", cfg.AppID),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}
