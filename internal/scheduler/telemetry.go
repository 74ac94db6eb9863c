package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// refreshTracer is the OTel tracer for per-ST refresh spans. It uses the
// global provider, which is a no-op until the host process installs a
// real one.
var refreshTracer = otel.Tracer("github.com/pgtrickle/trickled/scheduler")

// refreshMetrics holds the OTel instruments for refresh outcomes,
// registered against the global delegating provider so they forward to
// a real provider once one is installed.
var refreshMetrics struct {
	refreshCount    metric.Int64Counter
	refreshDuration metric.Float64Histogram
	rowsChanged     metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/pgtrickle/trickled/scheduler")
	refreshMetrics.refreshCount, _ = m.Int64Counter("trickled.refresh.count",
		metric.WithDescription("Refresh attempts, labeled by action and outcome"),
		metric.WithUnit("{refresh}"),
	)
	refreshMetrics.refreshDuration, _ = m.Float64Histogram("trickled.refresh.duration_ms",
		metric.WithDescription("Wall-clock duration of a refresh's differential or full execution"),
		metric.WithUnit("ms"),
	)
	refreshMetrics.rowsChanged, _ = m.Int64Counter("trickled.refresh.rows_changed",
		metric.WithDescription("Rows inserted or deleted across completed refreshes"),
		metric.WithUnit("{row}"),
	)
}

func refreshSpanAttrs(schema, name, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("trickled.schema", schema),
		attribute.String("trickled.stream_table", name),
		attribute.String("trickled.action", action),
	}
}

// startRefreshSpan opens the span covering one refresh attempt; the
// caller ends it via endRefreshSpan once the outcome (or error) is known.
func startRefreshSpan(ctx context.Context, schema, name string) (context.Context, trace.Span) {
	return refreshTracer.Start(ctx, "trickled.refresh",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("trickled.schema", schema), attribute.String("trickled.stream_table", name)),
	)
}

func endRefreshSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// recordRefreshOutcome emits the count/duration/rows-changed metrics for
// one completed (successful or failed) refresh attempt.
func recordRefreshOutcome(ctx context.Context, schema, name, action, outcome string, durationMS float64, rowsChanged int64) {
	attrs := append(refreshSpanAttrs(schema, name, action), attribute.String("trickled.outcome", outcome))
	set := attribute.NewSet(attrs...)
	refreshMetrics.refreshCount.Add(ctx, 1, metric.WithAttributeSet(set))
	refreshMetrics.refreshDuration.Record(ctx, durationMS, metric.WithAttributeSet(set))
	if rowsChanged > 0 {
		refreshMetrics.rowsChanged.Add(ctx, rowsChanged, metric.WithAttributeSet(set))
	}
}
