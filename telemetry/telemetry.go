// Package telemetry configures OpenTelemetry metrics and exposes the counters
// recorded by the reliability components.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"coreflow-backend/config"
)

const meterName = "coreflow-backend"

// Init installs the global meter provider. Without an endpoint a noop provider is used.
func Init(ctx context.Context, cfg config.Telemetry) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = meterName
	}

	if endpoint == "" {
		otel.SetMeterProvider(noop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	return host, parsed.Scheme != "https", nil
}

// Instruments holds the service counters.
type Instruments struct {
	RateLimitRejections metric.Int64Counter
	IdempotencyOutcomes metric.Int64Counter
	SagaOutcomes        metric.Int64Counter
	WebhookOutcomes     metric.Int64Counter
	Alerts              metric.Int64Counter
}

var (
	instruments     *Instruments
	instrumentsOnce sync.Once
)

// Counters returns the lazily created service counters bound to the global meter provider.
func Counters() *Instruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(meterName)
		instruments = &Instruments{
			RateLimitRejections: counter(meter, "coreflow_rate_limit_rejections_total", "Requests rejected by a rate limiter"),
			IdempotencyOutcomes: counter(meter, "coreflow_idempotency_outcomes_total", "Idempotency begin outcomes"),
			SagaOutcomes:        counter(meter, "coreflow_saga_outcomes_total", "Terminal transaction log states"),
			WebhookOutcomes:     counter(meter, "coreflow_webhook_outcomes_total", "Webhook dead-letter queue transitions"),
			Alerts:              counter(meter, "coreflow_alerts_total", "Operator alerts raised"),
		}
	})
	return instruments
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter(name)
	}
	return c
}

// Add increments c by one with string attributes given as key/value pairs.
func Add(ctx context.Context, c metric.Int64Counter, kv ...string) {
	if c == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
