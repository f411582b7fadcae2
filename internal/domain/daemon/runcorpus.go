package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/corpus"
)

// RefreshRunCorpus rebuilds the run-corpus summary over the configured
// window, persists it, and re-derives the adaptation hint. Refreshes are
// single-flight: a refresh requested while one is in progress is dropped.
func (d *Daemon) RefreshRunCorpus(ctx context.Context, reason string) {
	if !d.opts.RunCorpus.Enabled {
		return
	}

	d.corpusMu.Lock()
	if d.corpusRefreshing {
		d.corpusMu.Unlock()
		d.logger.Debug("run-corpus refresh already in flight, skipping", "reason", reason)
		return
	}
	d.corpusRefreshing = true
	d.corpusMu.Unlock()
	defer func() {
		d.corpusMu.Lock()
		d.corpusRefreshing = false
		d.corpusMu.Unlock()
	}()

	ctx, span := d.tracer.Start(ctx, "daemon.refreshRunCorpus", trace.WithAttributes(
		attribute.String("refresh.reason", reason),
	))
	defer span.End()

	summary, err := corpus.Build(ctx, d.timeline, d.approvals, time.Now().UTC(), d.opts.RunCorpus.WindowHours)
	if err == nil {
		err = d.corpusStore.WriteSnapshot(ctx, summary)
	}

	d.corpusMu.Lock()
	defer d.corpusMu.Unlock()
	d.corpusHealth.LastRefresh = time.Now().UTC()
	d.corpusHealth.LastReason = reason
	if err != nil {
		d.corpusHealth.LastError = err.Error()
		d.metrics.RunCorpusRefresh.WithLabelValues("error").Inc()
		d.logger.Warn("run-corpus refresh failed", "reason", reason, "error", err)
		return
	}
	d.corpusHealth.LastError = ""
	d.corpusHealth.Hint = corpus.DeriveHint(summary, d.opts.RunCorpus.Adaptation)
	d.corpusHealth.Explain = corpus.Explain(d.corpusHealth.Hint, summary)
	d.metrics.RunCorpusRefresh.WithLabelValues("ok").Inc()
	d.logger.Info("run-corpus refreshed",
		"reason", reason,
		"assessed_sessions", summary.AssessedSessionCount,
		"escalate_risk", d.corpusHealth.Hint.Policy.EscalateRisk,
	)
}
