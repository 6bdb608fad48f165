package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sushant-115/gojotx/core/profile"
)

// TxnMetrics is a profile collector that turns participant and listener
// details into otel measurements tagged with the type name.
type TxnMetrics struct {
	level profile.Level

	ParticipantCommits  metric.Int64Counter
	ReadOnlyPrepares    metric.Int64Counter
	DirectCommits       metric.Int64Counter
	ParticipantAborts   metric.Int64Counter
	PrepareDuration     metric.Float64Histogram
	CommitDuration      metric.Float64Histogram
	AbortDuration       metric.Float64Histogram
	ListenerFailures    metric.Int64Counter
	ListenerDuration    metric.Float64Histogram
}

var _ profile.Collector = (*TxnMetrics)(nil)

// NewTxnMetrics creates and registers the transaction instruments. level is
// handed to every new transaction as its profiling level.
func NewTxnMetrics(meter metric.Meter, level profile.Level) (*TxnMetrics, error) {
	m := &TxnMetrics{level: level}
	var err error

	if m.ParticipantCommits, err = meter.Int64Counter(
		"gojotx.txn.participant.commits",
		metric.WithDescription("Participants committed, including fused commits."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.ReadOnlyPrepares, err = meter.Int64Counter(
		"gojotx.txn.participant.read_only",
		metric.WithDescription("Participants that prepared read-only."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.DirectCommits, err = meter.Int64Counter(
		"gojotx.txn.participant.direct_commits",
		metric.WithDescription("Participants committed with prepare-and-commit."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.ParticipantAborts, err = meter.Int64Counter(
		"gojotx.txn.participant.aborts",
		metric.WithDescription("Participants aborted."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.PrepareDuration, err = meter.Float64Histogram(
		"gojotx.txn.participant.prepare.duration",
		metric.WithDescription("Time spent in participant prepare."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.CommitDuration, err = meter.Float64Histogram(
		"gojotx.txn.participant.commit.duration",
		metric.WithDescription("Time spent in participant commit or prepare-and-commit."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.AbortDuration, err = meter.Float64Histogram(
		"gojotx.txn.participant.abort.duration",
		metric.WithDescription("Time spent in participant abort."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.ListenerFailures, err = meter.Int64Counter(
		"gojotx.txn.listener.before_completion.failures",
		metric.WithDescription("beforeCompletion calls that failed."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.ListenerDuration, err = meter.Float64Histogram(
		"gojotx.txn.listener.duration",
		metric.WithDescription("Time spent in listener callbacks."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TxnMetrics) DefaultLevel() profile.Level { return m.level }

func (m *TxnMetrics) AddParticipant(d profile.ParticipantDetail) {
	ctx := context.Background()
	tags := metric.WithAttributes(attribute.String("type", d.TypeName))
	if d.Prepared && !d.CommittedDirectly {
		m.PrepareDuration.Record(ctx, millis(d.PrepareTime), tags)
	}
	if d.ReadOnly {
		m.ReadOnlyPrepares.Add(ctx, 1, tags)
	}
	if d.Committed {
		m.ParticipantCommits.Add(ctx, 1, tags)
		m.CommitDuration.Record(ctx, millis(d.CommitTime), tags)
	}
	if d.CommittedDirectly {
		m.DirectCommits.Add(ctx, 1, tags)
	}
	if d.Aborted {
		m.ParticipantAborts.Add(ctx, 1, tags)
		m.AbortDuration.Record(ctx, millis(d.AbortTime), tags)
	}
}

func (m *TxnMetrics) AddListener(d profile.ListenerDetail) {
	ctx := context.Background()
	if d.CalledBefore {
		phase := metric.WithAttributes(attribute.String("type", d.TypeName), attribute.String("phase", "before"))
		m.ListenerDuration.Record(ctx, millis(d.BeforeTime), phase)
		if d.BeforeFailed {
			m.ListenerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", d.TypeName)))
		}
	}
	if d.CalledAfter {
		phase := metric.WithAttributes(attribute.String("type", d.TypeName), attribute.String("phase", "after"))
		m.ListenerDuration.Record(ctx, millis(d.AfterTime), phase)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
