// Package profile holds the timing records a transaction hands to a profile
// collector when it completes, and the collector contract itself.
package profile

import (
	"fmt"
	"strings"
	"time"
)

// Level controls how much detail is gathered for each transaction.
type Level int

const (
	LevelMin Level = iota
	LevelMedium
	LevelMax
)

func (l Level) String() string {
	switch l {
	case LevelMin:
		return "min"
	case LevelMedium:
		return "medium"
	case LevelMax:
		return "max"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel accepts "min", "medium" or "max" in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "min":
		return LevelMin, nil
	case "medium":
		return LevelMedium, nil
	case "max":
		return LevelMax, nil
	}
	return LevelMin, fmt.Errorf("unknown profile level %q", s)
}

// Collector receives participant and listener details as transactions finish.
// Implementations must be safe for concurrent use.
type Collector interface {
	AddParticipant(detail ParticipantDetail)
	AddListener(detail ListenerDetail)
	// DefaultLevel is consulted once per transaction, when it is created.
	DefaultLevel() Level
}

// NopCollector discards everything and reports LevelMin.
type NopCollector struct{}

func (NopCollector) AddParticipant(ParticipantDetail) {}
func (NopCollector) AddListener(ListenerDetail)       {}
func (NopCollector) DefaultLevel() Level              { return LevelMin }

// ParticipantDetail records what happened to one participant type in one transaction.
type ParticipantDetail struct {
	TypeName          string
	Prepared          bool
	ReadOnly          bool
	CommittedDirectly bool
	Committed         bool
	Aborted           bool
	PrepareTime       time.Duration
	CommitTime        time.Duration
	AbortTime         time.Duration
}

func NewParticipantDetail(typeName string) *ParticipantDetail {
	return &ParticipantDetail{TypeName: typeName}
}

func (d *ParticipantDetail) SetPrepared(elapsed time.Duration, readOnly bool) {
	d.Prepared = true
	d.ReadOnly = readOnly
	d.PrepareTime = elapsed
}

// SetCommittedDirectly records a fused prepare-and-commit.
func (d *ParticipantDetail) SetCommittedDirectly(elapsed time.Duration) {
	d.Prepared = true
	d.Committed = true
	d.CommittedDirectly = true
	d.CommitTime = elapsed
}

func (d *ParticipantDetail) SetCommitted(elapsed time.Duration) {
	d.Committed = true
	d.CommitTime = elapsed
}

func (d *ParticipantDetail) SetAborted(elapsed time.Duration) {
	d.Aborted = true
	d.AbortTime = elapsed
}

// ListenerDetail records the completion callbacks made on one listener type.
type ListenerDetail struct {
	TypeName     string
	CalledBefore bool
	BeforeFailed bool
	CalledAfter  bool
	BeforeTime   time.Duration
	AfterTime    time.Duration
}

func NewListenerDetail(typeName string) *ListenerDetail {
	return &ListenerDetail{TypeName: typeName}
}

func (d *ListenerDetail) SetCalledBeforeCompletion(failed bool, elapsed time.Duration) {
	d.CalledBefore = true
	d.BeforeFailed = failed
	d.BeforeTime = elapsed
}

func (d *ListenerDetail) SetCalledAfterCompletion(elapsed time.Duration) {
	d.CalledAfter = true
	d.AfterTime = elapsed
}
