package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's metric instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Shard metrics
	EventsProcessed metric.Int64Counter
	BatchDuration   metric.Float64Histogram
	BatchSize       metric.Int64Histogram
	ShardPosition   metric.Int64Gauge
	ShardLag        metric.Int64Gauge
	ShardErrors     metric.Int64Counter
	ShardRetries    metric.Int64Counter

	// Event handling outcomes
	DeadLetters      metric.Int64Counter
	UnresolvedEvents metric.Int64Counter

	// High-water metrics
	HighWaterMark     metric.Int64Gauge
	HighestSequence   metric.Int64Gauge
	HighWaterSafeZone metric.Int64Counter

	// Rebuild metrics
	RebuildDuration metric.Float64Histogram

	// NATS metrics
	NATSPublishLatency metric.Float64Histogram
	NATSMessages       metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsProcessed, err = meter.Int64Counter(
		"eventdaemon.shard.events",
		metric.WithDescription("Events applied by a shard"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.events: %w", err)
	}

	m.BatchDuration, err = meter.Float64Histogram(
		"eventdaemon.shard.batch.duration",
		metric.WithDescription("Time to fetch, apply and commit one batch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.batch.duration: %w", err)
	}

	m.BatchSize, err = meter.Int64Histogram(
		"eventdaemon.shard.batch.size",
		metric.WithDescription("Events fetched per batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.batch.size: %w", err)
	}

	m.ShardPosition, err = meter.Int64Gauge(
		"eventdaemon.shard.position",
		metric.WithDescription("Last committed sequence of a shard"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.position: %w", err)
	}

	m.ShardLag, err = meter.Int64Gauge(
		"eventdaemon.shard.lag",
		metric.WithDescription("Sequences between the high-water mark and a shard's position"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.lag: %w", err)
	}

	m.ShardErrors, err = meter.Int64Counter(
		"eventdaemon.shard.errors",
		metric.WithDescription("Shard failures by stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.errors: %w", err)
	}

	m.ShardRetries, err = meter.Int64Counter(
		"eventdaemon.shard.retries",
		metric.WithDescription("Retried shard operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.retries: %w", err)
	}

	m.DeadLetters, err = meter.Int64Counter(
		"eventdaemon.shard.dead_letters",
		metric.WithDescription("Events skipped after a projection failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.dead_letters: %w", err)
	}

	m.UnresolvedEvents, err = meter.Int64Counter(
		"eventdaemon.shard.unresolved",
		metric.WithDescription("Events a grouper could not assign to any document"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shard.unresolved: %w", err)
	}

	m.HighWaterMark, err = meter.Int64Gauge(
		"eventdaemon.highwater.mark",
		metric.WithDescription("Highest sequence below which no gaps remain"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating highwater.mark: %w", err)
	}

	m.HighestSequence, err = meter.Int64Gauge(
		"eventdaemon.highwater.highest",
		metric.WithDescription("Highest sequence assigned by the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating highwater.highest: %w", err)
	}

	m.HighWaterSafeZone, err = meter.Int64Counter(
		"eventdaemon.highwater.safe_zone",
		metric.WithDescription("Detections that skipped a stale gap"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating highwater.safe_zone: %w", err)
	}

	m.RebuildDuration, err = meter.Float64Histogram(
		"eventdaemon.rebuild.duration",
		metric.WithDescription("Projection rebuild duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rebuild.duration: %w", err)
	}

	// NATS metrics
	m.NATSPublishLatency, err = meter.Float64Histogram(
		"eventdaemon.nats.publish.latency",
		metric.WithDescription("NATS publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.publish.latency: %w", err)
	}

	m.NATSMessages, err = meter.Int64Counter(
		"eventdaemon.nats.messages",
		metric.WithDescription("Total NATS messages published/received"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.messages: %w", err)
	}

	return m, nil
}

func shardAttrs(database, shard string) metric.MeasurementOption {
	return metric.WithAttributes(
		AttrDatabase.String(database),
		AttrShard.String(shard),
	)
}

// RecordBatch records a committed batch.
func (m *Metrics) RecordBatch(ctx context.Context, database, shard string, fetched, applied int, duration time.Duration, position, highWater int64) {
	if m == nil {
		return
	}
	attrs := shardAttrs(database, shard)

	m.BatchDuration.Record(ctx, duration.Seconds(), attrs)
	m.BatchSize.Record(ctx, int64(fetched), attrs)
	m.EventsProcessed.Add(ctx, int64(applied), attrs)
	m.ShardPosition.Record(ctx, position, attrs)
	m.ShardLag.Record(ctx, max(highWater-position, 0), attrs)
}

// RecordShardError records a failed shard stage (fetch, slice, apply, commit).
func (m *Metrics) RecordShardError(ctx context.Context, database, shard, stage string, err error) {
	if m == nil {
		return
	}
	m.ShardErrors.Add(ctx, 1, metric.WithAttributes(
		AttrDatabase.String(database),
		AttrShard.String(shard),
		attribute.String("stage", stage),
		AttrErrorType.String(fmt.Sprintf("%T", err)),
	))
}

// RecordRetry records a retried shard stage.
func (m *Metrics) RecordRetry(ctx context.Context, database, shard, stage string) {
	if m == nil {
		return
	}
	m.ShardRetries.Add(ctx, 1, metric.WithAttributes(
		AttrDatabase.String(database),
		AttrShard.String(shard),
		attribute.String("stage", stage),
	))
}

// RecordDeadLetters records events skipped after apply failures.
func (m *Metrics) RecordDeadLetters(ctx context.Context, database, shard string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.DeadLetters.Add(ctx, int64(count), shardAttrs(database, shard))
}

// RecordUnresolved records events no grouper assigned to a document.
func (m *Metrics) RecordUnresolved(ctx context.Context, database, shard string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.UnresolvedEvents.Add(ctx, int64(count), shardAttrs(database, shard))
}

// RecordHighWater records a detected high-water mark.
func (m *Metrics) RecordHighWater(ctx context.Context, database string, mark, highest int64, safeZone bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrDatabase.String(database))
	m.HighWaterMark.Record(ctx, mark, attrs)
	m.HighestSequence.Record(ctx, highest, attrs)
	if safeZone {
		m.HighWaterSafeZone.Add(ctx, 1, attrs)
	}
}

// RecordRebuild records a finished projection rebuild.
func (m *Metrics) RecordRebuild(ctx context.Context, database, shard string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.RebuildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		AttrDatabase.String(database),
		AttrShard.String(shard),
		attribute.Bool("success", err == nil),
	))
}

// RecordNATSPublish records NATS publish metrics
func (m *Metrics) RecordNATSPublish(ctx context.Context, subject string, duration time.Duration, messageCount int) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("subject", subject),
		attribute.String("direction", "publish"),
	}

	m.NATSPublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.NATSMessages.Add(ctx, int64(messageCount), metric.WithAttributes(attrs...))
}

// RecordNATSReceive records received NATS messages.
func (m *Metrics) RecordNATSReceive(ctx context.Context, subject string) {
	if m == nil {
		return
	}
	m.NATSMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("direction", "receive"),
	))
}
