package transaction

import (
	"bytes"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/profile"
	commonutils "github.com/sushant-115/gojotx/internal/common_utils"
)

// State is the position of a transaction in its lifecycle. States only move forward.
type State int

const (
	StateActive State = iota
	StatePreparing
	StateAborting
	StateAborted
	StateCommitting
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePreparing:
		return "PREPARING"
	case StateAborting:
		return "ABORTING"
	case StateAborted:
		return "ABORTED"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// txn is the Transaction implementation handed out by the Coordinator.
type txn struct {
	tid          uint64
	id           []byte
	owner        int64
	creationTime time.Time
	timeout      time.Duration
	disableFused bool
	logger       *zap.Logger

	state State
	// participants holds non-durable participants in join order followed by the
	// durable participant, if any.
	participants []Participant
	hasDurable   bool
	listeners    []Listener

	mu         sync.Mutex
	abortCause error

	collector         profile.Collector
	participantDetail map[string]*profile.ParticipantDetail
	listenerDetail    map[string]*profile.ListenerDetail
}

func newTxn(tid uint64, timeout time.Duration, disableFused bool, collector profile.Collector, logger *zap.Logger) *txn {
	t := &txn{
		tid:          tid,
		id:           commonutils.Uint64ToBytes(tid),
		owner:        commonutils.GoID(),
		creationTime: time.Now(),
		timeout:      timeout,
		disableFused: disableFused,
		logger:       logger.With(zap.Uint64("tid", tid)),
		state:        StateActive,
		collector:    collector,
	}
	if collector.DefaultLevel() >= profile.LevelMedium {
		t.participantDetail = make(map[string]*profile.ParticipantDetail)
		t.listenerDetail = make(map[string]*profile.ListenerDetail)
	}
	t.logger.Debug("create", zap.Duration("timeout", timeout))
	return t
}

func (t *txn) ID() []byte {
	return slices.Clone(t.id)
}

func (t *txn) CreationTime() time.Time { return t.creationTime }

func (t *txn) Timeout() time.Duration { return t.timeout }

// State reports the current state. It is only meaningful on the owner goroutine.
func (t *txn) State() State { return t.state }

func (t *txn) Equal(other Transaction) bool {
	if other == nil {
		return false
	}
	if o, ok := other.(*txn); ok {
		return o.tid == t.tid
	}
	return bytes.Equal(t.id, other.ID())
}

func (t *txn) String() string {
	return fmt.Sprintf("txn[tid:%d, created:%s, timeout:%s, state:%s]",
		t.tid, t.creationTime.Format(time.RFC3339Nano), t.timeout, t.state)
}

func (t *txn) CheckTimeout() error {
	if err := t.checkOwner("CheckTimeout"); err != nil {
		return err
	}
	switch t.state {
	case StateAborted, StateCommitted:
		return NewError(KindNotActive, nil, "transaction is %s", t.state)
	case StateAborting, StateCommitting:
		return nil
	}
	running := time.Since(t.creationTime)
	if running > t.timeout {
		cause := NewError(KindTimeout, nil, "transaction timed out after %s", running)
		if err := t.abort(cause); err != nil {
			return err
		}
		return cause
	}
	return nil
}

func (t *txn) Join(p Participant) error {
	if err := t.checkOwner("Join"); err != nil {
		return err
	}
	if p == nil {
		return NewError(KindInvalidArgument, nil, "participant must not be nil")
	}
	if !reflect.TypeOf(p).Comparable() {
		return NewError(KindInvalidArgument, nil, "participant type %T is not comparable", p)
	}
	if t.logger.Core().Enabled(zap.DebugLevel) {
		t.logger.Debug("join", zap.String("participant", p.TypeName()), zap.Stringer("durability", p.Durability()))
	}
	switch t.state {
	case StateActive:
	case StateAborted:
		return NewError(KindNotActive, t.AbortCause(), "transaction is aborted")
	default:
		return NewError(KindIllegalState, nil, "transaction is %s", t.state)
	}
	if slices.Contains(t.participants, p) {
		return nil
	}
	if p.Durability() == Durable {
		if t.hasDurable {
			return NewError(KindUnsupported, nil, "attempt to add multiple durable participants")
		}
		t.hasDurable = true
		t.participants = append(t.participants, p)
	} else if t.hasDurable {
		t.participants = slices.Insert(t.participants, len(t.participants)-1, p)
	} else {
		t.participants = append(t.participants, p)
	}
	if t.participantDetail != nil {
		t.participantDetail[p.TypeName()] = profile.NewParticipantDetail(p.TypeName())
	}
	return nil
}

func (t *txn) Abort(cause error) error {
	if err := t.checkOwner("Abort"); err != nil {
		return err
	}
	return t.abort(cause)
}

func (t *txn) abort(cause error) error {
	if cause == nil {
		return NewError(KindInvalidArgument, nil, "abort cause must not be nil")
	}
	t.logger.Debug("abort", zap.Stringer("state", t.state), zap.Error(cause))
	switch t.state {
	case StateActive, StatePreparing:
	case StateAborting:
		return nil
	case StateAborted:
		return NewError(KindNotActive, t.AbortCause(), "transaction is aborted")
	default:
		return NewError(KindIllegalState, cause, "transaction is %s", t.state)
	}
	t.state = StateAborting
	t.mu.Lock()
	t.abortCause = cause
	t.mu.Unlock()

	for _, p := range t.participants {
		start := time.Now()
		if err := p.Abort(t); err != nil {
			t.logger.Warn("participant abort failed", zap.String("participant", p.TypeName()), zap.Error(err))
		}
		if d := t.detailFor(p); d != nil {
			d.SetAborted(time.Since(start))
			t.collector.AddParticipant(*d)
		}
	}
	t.state = StateAborted
	t.notifyListenersAfter(false)
	return nil
}

func (t *txn) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortCause != nil
}

func (t *txn) AbortCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortCause
}

func (t *txn) RegisterListener(l Listener) error {
	if err := t.checkOwner("RegisterListener"); err != nil {
		return err
	}
	if l == nil {
		return NewError(KindInvalidArgument, nil, "listener must not be nil")
	}
	if !reflect.TypeOf(l).Comparable() {
		return NewError(KindInvalidArgument, nil, "listener type %T is not comparable", l)
	}
	if t.state != StateActive {
		return NewError(KindNotActive, nil, "transaction is %s", t.state)
	}
	if !slices.Contains(t.listeners, l) {
		t.listeners = append(t.listeners, l)
	}
	if t.listenerDetail != nil {
		t.listenerDetail[l.TypeName()] = profile.NewListenerDetail(l.TypeName())
	}
	return nil
}

// commit runs the two-phase sequence. Only the Handle calls it.
func (t *txn) commit() error {
	if err := t.checkOwner("Commit"); err != nil {
		return err
	}
	t.logger.Debug("commit")
	switch t.state {
	case StateActive:
	case StateAborted:
		return NewError(KindNotActive, t.AbortCause(), "transaction is aborted")
	default:
		return NewError(KindIllegalState, nil, "transaction is %s", t.state)
	}
	if err := t.notifyListenersBefore(); err != nil {
		return err
	}

	t.state = StatePreparing
	for i := 0; i < len(t.participants); {
		p := t.participants[i]
		last := i == len(t.participants)-1
		d := t.detailFor(p)
		start := time.Now()

		var err error
		remove := false
		if !last || t.disableFused {
			var readOnly bool
			readOnly, err = p.Prepare(t)
			if err == nil {
				if d != nil {
					d.SetPrepared(time.Since(start), readOnly)
				}
				if readOnly {
					remove = true
					if d != nil {
						t.collector.AddParticipant(*d)
					}
				}
				t.debugParticipant("prepare", p, zap.Bool("readOnly", readOnly))
			}
		} else {
			err = prepareAndCommit(t, p)
			if err == nil {
				if d != nil {
					d.SetCommittedDirectly(time.Since(start))
					t.collector.AddParticipant(*d)
				}
				remove = true
				t.debugParticipant("prepareAndCommit", p)
			}
		}
		if err != nil {
			t.debugParticipant("prepare failed", p, zap.Error(err))
			if t.state != StateAborted {
				if abortErr := t.abort(err); abortErr != nil {
					t.logger.Warn("abort after failed prepare", zap.Error(abortErr))
				}
			}
			return err
		}
		if t.state == StateAborted {
			cause := t.AbortCause()
			return NewError(KindAborted, cause, "transaction has been aborted")
		}
		if remove {
			t.participants = slices.Delete(t.participants, i, i+1)
		} else {
			i++
		}
	}

	t.state = StateCommitting
	for _, p := range t.participants {
		d := t.detailFor(p)
		start := time.Now()
		if err := p.Commit(t); err != nil {
			t.logger.Warn("participant commit failed", zap.String("participant", p.TypeName()), zap.Error(err))
			continue
		}
		if d != nil {
			d.SetCommitted(time.Since(start))
			t.collector.AddParticipant(*d)
		}
		t.debugParticipant("commit", p)
	}
	t.state = StateCommitted
	t.notifyListenersAfter(true)
	return nil
}

// prepareAndCommit uses the fused call when the participant offers one.
func prepareAndCommit(t *txn, p Participant) error {
	if pc, ok := p.(PrepareAndCommitter); ok {
		return pc.PrepareAndCommit(t)
	}
	readOnly, err := p.Prepare(t)
	if err != nil || readOnly {
		return err
	}
	return p.Commit(t)
}

func (t *txn) notifyListenersBefore() error {
	// Indexed loop: BeforeCompletion may register more listeners.
	for i := 0; i < len(t.listeners); i++ {
		l := t.listeners[i]
		var d *profile.ListenerDetail
		if t.listenerDetail != nil {
			d = t.listenerDetail[l.TypeName()]
		}
		start := time.Now()
		err := l.BeforeCompletion()
		if d != nil {
			d.SetCalledBeforeCompletion(err != nil, time.Since(start))
		}
		if err != nil {
			t.logger.Debug("beforeCompletion failed", zap.String("listener", l.TypeName()), zap.Error(err))
			if t.state != StateAborted {
				if abortErr := t.abort(err); abortErr != nil {
					t.logger.Warn("abort after failed beforeCompletion", zap.Error(abortErr))
				}
			}
			return err
		}
		if t.state == StateAborted {
			return NewError(KindAborted, t.AbortCause(), "transaction has been aborted")
		}
	}
	return nil
}

func (t *txn) notifyListenersAfter(committed bool) {
	for _, l := range t.listeners {
		start := time.Now()
		if err := callAfterCompletion(l, committed); err != nil {
			t.logger.Warn("afterCompletion failed", zap.String("listener", l.TypeName()), zap.Error(err))
			continue
		}
		if t.listenerDetail != nil {
			if d := t.listenerDetail[l.TypeName()]; d != nil {
				d.SetCalledAfterCompletion(time.Since(start))
				t.collector.AddListener(*d)
			}
		}
	}
}

// callAfterCompletion turns a listener panic into an error so the remaining
// listeners are still notified.
func callAfterCompletion(l Listener, committed bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	l.AfterCompletion(committed)
	return nil
}

func (t *txn) detailFor(p Participant) *profile.ParticipantDetail {
	if t.participantDetail == nil {
		return nil
	}
	return t.participantDetail[p.TypeName()]
}

func (t *txn) debugParticipant(msg string, p Participant, fields ...zap.Field) {
	if t.logger.Core().Enabled(zap.DebugLevel) {
		t.logger.Debug(msg, append(fields, zap.String("participant", p.TypeName()))...)
	}
}

func (t *txn) checkOwner(method string) error {
	if commonutils.GoID() != t.owner {
		return NewError(KindIllegalState, nil,
			"%s must be called from the goroutine that created the transaction", method)
	}
	return nil
}
