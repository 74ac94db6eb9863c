// Package telemetry installs the process-wide OpenTelemetry providers
// that the scheduler's metrics and tracing instruments (see
// internal/scheduler/telemetry.go) forward to. Every instrument is
// registered against the global delegating provider at package init
// time, so it works as a no-op until Init runs and is fully live the
// moment it does — mirroring the teacher's "no-op until telemetry.Init()
// is called" comment on its own dolt storage instruments.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Init installs an SDK MeterProvider as the global provider. Readers can
// be attached later (e.g. a Prometheus or OTLP exporter); an empty
// provider still serves every instrument's Add/Record calls correctly,
// it just has nowhere to export them yet.
func Init(_ context.Context) (shutdown func(context.Context) error, err error) {
	provider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
