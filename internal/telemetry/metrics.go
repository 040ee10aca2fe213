package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// syncMetrics holds lazily-initialized instruments for the sync engine.
var syncMetrics struct {
	runs            metric.Int64Counter
	issuesPushed    metric.Int64Counter
	activityRetries metric.Int64Counter
	dedupHits       metric.Int64Counter
	runDuration     metric.Float64Histogram
}

var syncMetricsOnce sync.Once

func initSyncMetrics() {
	m := Meter(instrumentationScope + "/sync")
	syncMetrics.runs, _ = m.Int64Counter("vibesync.runs",
		metric.WithDescription("Completed sync passes"),
		metric.WithUnit("{run}"),
	)
	syncMetrics.issuesPushed, _ = m.Int64Counter("vibesync.issues.pushed",
		metric.WithDescription("Issue writes propagated to a foreign system"),
		metric.WithUnit("{issue}"),
	)
	syncMetrics.activityRetries, _ = m.Int64Counter("vibesync.activity.retries",
		metric.WithDescription("Activity retry attempts beyond the first"),
		metric.WithUnit("{attempt}"),
	)
	syncMetrics.dedupHits, _ = m.Int64Counter("vibesync.dedupe.hits",
		metric.WithDescription("Creates avoided by the dedup index"),
		metric.WithUnit("{hit}"),
	)
	syncMetrics.runDuration, _ = m.Float64Histogram("vibesync.run.duration",
		metric.WithDescription("Sync pass duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// RecordRun counts one finished sync pass for a project.
func RecordRun(ctx context.Context, project string, durationMS float64, failed bool) {
	syncMetricsOnce.Do(initSyncMetrics)
	attrs := metric.WithAttributes(
		attribute.String("vibesync.project", project),
		attribute.Bool("vibesync.failed", failed),
	)
	if syncMetrics.runs != nil {
		syncMetrics.runs.Add(ctx, 1, attrs)
		syncMetrics.runDuration.Record(ctx, durationMS, attrs)
	}
}

// RecordPush counts issue writes toward a foreign system.
func RecordPush(ctx context.Context, system string, n int) {
	syncMetricsOnce.Do(initSyncMetrics)
	if syncMetrics.issuesPushed != nil && n > 0 {
		syncMetrics.issuesPushed.Add(ctx, int64(n),
			metric.WithAttributes(attribute.String("vibesync.system", system)))
	}
}

// RecordActivityRetry counts one retry of a sync activity.
func RecordActivityRetry(ctx context.Context, activityID string) {
	syncMetricsOnce.Do(initSyncMetrics)
	if syncMetrics.activityRetries != nil {
		syncMetrics.activityRetries.Add(ctx, 1,
			metric.WithAttributes(attribute.String("vibesync.activity", activityID)))
	}
}

// RecordDedupHit counts a create avoided by an index match.
func RecordDedupHit(ctx context.Context, project string) {
	syncMetricsOnce.Do(initSyncMetrics)
	if syncMetrics.dedupHits != nil {
		syncMetrics.dedupHits.Add(ctx, 1,
			metric.WithAttributes(attribute.String("vibesync.project", project)))
	}
}
