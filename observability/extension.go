package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.InstanceSubmitted  = (*MetricsExtension)(nil)
	_ ext.InstanceSuspended  = (*MetricsExtension)(nil)
	_ ext.InstanceCompleted  = (*MetricsExtension)(nil)
	_ ext.InstanceFailed     = (*MetricsExtension)(nil)
	_ ext.InstanceTerminated = (*MetricsExtension)(nil)
	_ ext.StepRetrying       = (*MetricsExtension)(nil)
	_ ext.EventDelivered     = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope name for the metrics extension.
const meterName = "github.com/loomworks/loom/observability"

// MetricsExtension records system-wide lifecycle counters via OpenTelemetry.
// Register it as a Loom extension to automatically track submission rates,
// completion counts, failure rates, suspensions, step retries, and event
// deliveries. Counters carry a workflow_type attribute.
type MetricsExtension struct {
	submitted   metric.Int64Counter
	suspended   metric.Int64Counter
	completed   metric.Int64Counter
	failed      metric.Int64Counter
	terminated  metric.Int64Counter
	stepRetried metric.Int64Counter
	delivered   metric.Int64Counter

	duration metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider. Without a configured provider all instruments are
// noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this to inject a specific MeterProvider for
// testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On instrument creation errors the OTel API returns noops, so the
	// extension degrades gracefully.
	m.submitted, _ = meter.Int64Counter("loom.instance.submitted",
		metric.WithDescription("Total workflow instances submitted"),
		metric.WithUnit("{instance}"))
	m.suspended, _ = meter.Int64Counter("loom.instance.suspended",
		metric.WithDescription("Total instance suspensions"),
		metric.WithUnit("{suspension}"))
	m.completed, _ = meter.Int64Counter("loom.instance.completed",
		metric.WithDescription("Total workflow instances completed"),
		metric.WithUnit("{instance}"))
	m.failed, _ = meter.Int64Counter("loom.instance.failed",
		metric.WithDescription("Total workflow instances failed terminally"),
		metric.WithUnit("{instance}"))
	m.terminated, _ = meter.Int64Counter("loom.instance.terminated",
		metric.WithDescription("Total workflow instances terminated"),
		metric.WithUnit("{instance}"))
	m.stepRetried, _ = meter.Int64Counter("loom.step.retried",
		metric.WithDescription("Total step retries scheduled"),
		metric.WithUnit("{retry}"))
	m.delivered, _ = meter.Int64Counter("loom.event.delivered",
		metric.WithDescription("Total external events delivered"),
		metric.WithUnit("{event}"))
	m.duration, _ = meter.Float64Histogram("loom.instance.duration",
		metric.WithDescription("Wall-clock time from submission to completion in seconds"),
		metric.WithUnit("s"))

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func typeAttr(inst *workflow.Instance) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow_type", inst.Type))
}

// ── Instance lifecycle hooks ────────────────────────

// OnInstanceSubmitted implements ext.InstanceSubmitted.
func (m *MetricsExtension) OnInstanceSubmitted(ctx context.Context, inst *workflow.Instance) error {
	m.submitted.Add(ctx, 1, typeAttr(inst))
	return nil
}

// OnInstanceSuspended implements ext.InstanceSuspended.
func (m *MetricsExtension) OnInstanceSuspended(ctx context.Context, inst *workflow.Instance, reason workflow.SuspendReason) error {
	m.suspended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_type", inst.Type),
		attribute.String("reason", string(reason)),
	))
	return nil
}

// OnInstanceCompleted implements ext.InstanceCompleted.
func (m *MetricsExtension) OnInstanceCompleted(ctx context.Context, inst *workflow.Instance, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, typeAttr(inst))
	m.duration.Record(ctx, elapsed.Seconds(), typeAttr(inst))
	return nil
}

// OnInstanceFailed implements ext.InstanceFailed.
func (m *MetricsExtension) OnInstanceFailed(ctx context.Context, inst *workflow.Instance, _ error) error {
	m.failed.Add(ctx, 1, typeAttr(inst))
	return nil
}

// OnInstanceTerminated implements ext.InstanceTerminated.
func (m *MetricsExtension) OnInstanceTerminated(ctx context.Context, inst *workflow.Instance, _ string) error {
	m.terminated.Add(ctx, 1, typeAttr(inst))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(ctx context.Context, inst *workflow.Instance, stepName string, _ int, _ time.Time) error {
	m.stepRetried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_type", inst.Type),
		attribute.String("step", stepName),
	))
	return nil
}

// ── External event hooks ────────────────────────────

// OnEventDelivered implements ext.EventDelivered.
func (m *MetricsExtension) OnEventDelivered(ctx context.Context, evt *event.Event) error {
	m.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("event_name", evt.Name)))
	return nil
}
