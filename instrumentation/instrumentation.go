package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/authgrid/oauth"

// Config holds the providers to instrument with. Nil providers fall back to
// noop implementations.
type Config struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Instrumentation carries the meters and tracer used across the server.
type Instrumentation struct {
	tracer trace.Tracer

	tokensIssued  metric.Int64Counter
	authzOutcomes metric.Int64Counter
	replays       metric.Int64Counter
}

// New creates the server instrumentation.
func New(cfg Config) (*Instrumentation, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = metricnoop.NewMeterProvider()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = tracenoop.NewTracerProvider()
	}

	meter := cfg.MeterProvider.Meter(scopeName)
	tokensIssued, err := meter.Int64Counter("oauth.tokens.issued",
		metric.WithDescription("Tokens issued, by grant type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}
	authzOutcomes, err := meter.Int64Counter("oauth.authorizations",
		metric.WithDescription("Authorization flow outcomes"))
	if err != nil {
		return nil, fmt.Errorf("failed to create authorizations counter: %w", err)
	}
	replays, err := meter.Int64Counter("oauth.replays.detected",
		metric.WithDescription("Replayed single-use artifacts, by kind"))
	if err != nil {
		return nil, fmt.Errorf("failed to create replays counter: %w", err)
	}

	return &Instrumentation{
		tracer:        cfg.TracerProvider.Tracer(scopeName),
		tokensIssued:  tokensIssued,
		authzOutcomes: authzOutcomes,
		replays:       replays,
	}, nil
}

// Noop returns instrumentation backed entirely by noop providers.
func Noop() *Instrumentation {
	inst, err := New(Config{})
	if err != nil {
		// Noop counters cannot fail to construct.
		panic(err)
	}
	return inst
}

// NewSDKProviders builds in-process SDK providers carrying the service
// resource, for deployments without an external OTel setup.
func NewSDKProviders(serviceName string) (metric.MeterProvider, trace.TracerProvider) {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)),
		sdktrace.NewTracerProvider(sdktrace.WithResource(res))
}

// Start opens a span around a server operation.
func (i *Instrumentation) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name)
}

// TokenIssued counts a successful token issuance.
func (i *Instrumentation) TokenIssued(ctx context.Context, grantType string) {
	i.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// AuthorizationCompleted counts an authorization flow outcome such as
// "granted", "login", "consent" or "error".
func (i *Instrumentation) AuthorizationCompleted(ctx context.Context, outcome string) {
	i.authzOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ReplayDetected counts reuse of a single-use artifact.
func (i *Instrumentation) ReplayDetected(ctx context.Context, kind string) {
	i.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
