package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/profile"
)

// --- Test Helpers ---

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type dummyParticipant struct {
	name       string
	durability Durability
	log        *callLog

	readOnly     bool
	prepareErr   error
	abortCause   error // aborts the transaction from inside Prepare
	commitErr    error
	abortErr     error
	prepareCount int
	commitCount  int
	abortCount   int
}

func (p *dummyParticipant) Prepare(txn Transaction) (bool, error) {
	p.prepareCount++
	p.log.add(p.name + ".prepare")
	if p.abortCause != nil {
		if err := txn.Abort(p.abortCause); err != nil {
			return false, err
		}
		return false, nil
	}
	return p.readOnly, p.prepareErr
}

func (p *dummyParticipant) Commit(Transaction) error {
	p.commitCount++
	p.log.add(p.name + ".commit")
	return p.commitErr
}

func (p *dummyParticipant) Abort(Transaction) error {
	p.abortCount++
	p.log.add(p.name + ".abort")
	return p.abortErr
}

func (p *dummyParticipant) TypeName() string       { return p.name }
func (p *dummyParticipant) Durability() Durability { return p.durability }

// fusedParticipant also offers the combined prepare and commit call.
type fusedParticipant struct {
	*dummyParticipant
	fusedCount int
}

func (p *fusedParticipant) PrepareAndCommit(Transaction) error {
	p.fusedCount++
	p.log.add(p.name + ".prepareAndCommit")
	return p.prepareErr
}

func newParticipant(log *callLog, name string, d Durability) *dummyParticipant {
	return &dummyParticipant{name: name, durability: d, log: log}
}

func newFused(log *callLog, name string, d Durability) *fusedParticipant {
	return &fusedParticipant{dummyParticipant: newParticipant(log, name, d)}
}

type dummyListener struct {
	name      string
	log       *callLog
	beforeErr error
	onBefore  func()
	panicOn   bool
	after     []bool
}

func (l *dummyListener) BeforeCompletion() error {
	l.log.add(l.name + ".before")
	if l.onBefore != nil {
		l.onBefore()
	}
	return l.beforeErr
}

func (l *dummyListener) AfterCompletion(committed bool) {
	l.log.add(l.name + ".after")
	l.after = append(l.after, committed)
	if l.panicOn {
		panic("listener exploded")
	}
}

func (l *dummyListener) TypeName() string { return l.name }

type recordingCollector struct {
	mu           sync.Mutex
	level        profile.Level
	participants []profile.ParticipantDetail
	listeners    []profile.ListenerDetail
}

func (c *recordingCollector) AddParticipant(d profile.ParticipantDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants = append(c.participants, d)
}

func (c *recordingCollector) AddListener(d profile.ListenerDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, d)
}

func (c *recordingCollector) DefaultLevel() profile.Level { return c.level }

func setupCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func begin(t *testing.T, c *Coordinator) (*Handle, *txn) {
	t.Helper()
	h, err := c.CreateTransaction(c.DefaultTimeout())
	require.NoError(t, err)
	return h, h.Transaction().(*txn)
}

// runElsewhere runs fn on a different goroutine and waits for it.
func runElsewhere(fn func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
	wg.Wait()
}

// --- Coordinator ---

func TestCoordinator_Defaults(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	require.Equal(t, 100*time.Millisecond, c.DefaultTimeout())

	h, err := c.CreateTransaction(Unbounded)
	require.NoError(t, err)
	require.Equal(t, DefaultUnboundedTimeout, h.Transaction().Timeout())
	require.NoError(t, h.Transaction().CheckTimeout())
}

func TestCoordinator_InvalidTimeouts(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	for _, timeout := range []time.Duration{0, -1, -time.Second} {
		_, err := c.CreateTransaction(timeout)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}

	_, err := NewCoordinator(Config{BoundedTimeout: 0, UnboundedTimeout: time.Second}, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewCoordinator(Config{BoundedTimeout: time.Second, UnboundedTimeout: -1}, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCoordinator_UnboundedUsesConfiguredValue(t *testing.T) {
	c := setupCoordinator(t, Config{BoundedTimeout: time.Second, UnboundedTimeout: time.Hour})
	h, err := c.CreateTransaction(Unbounded)
	require.NoError(t, err)
	require.Equal(t, time.Hour, h.Transaction().Timeout())
}

func TestCoordinator_IDsStrictlyIncrease(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	var prev uint64
	for i := 0; i < 100; i++ {
		_, tx := begin(t, c)
		require.Greater(t, tx.tid, prev)
		require.Len(t, tx.ID(), 8)
		prev = tx.tid
	}
	_, first := begin(t, setupCoordinator(t, DefaultConfig()))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, first.ID())
}

func TestCoordinator_ConcurrentIDsNeverRepeat(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	const workers, perWorker = 8, 200
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				h, err := c.CreateTransaction(time.Second)
				if err != nil {
					t.Error(err)
					return
				}
				tid := h.txn.tid
				mu.Lock()
				if seen[tid] {
					t.Errorf("duplicate transaction id %d", tid)
				}
				seen[tid] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
}

func TestTransaction_Equality(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	_, a := begin(t, c)
	_, b := begin(t, c)
	require.True(t, a.Equal(a))
	require.False(t, a.Equal(b))
	require.False(t, a.Equal(nil))
	require.True(t, a.Equal(&txn{tid: a.tid, id: a.ID()}))
}

// --- Join ---

func TestJoin_SecondDurableIsUnsupported(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)

	first := newParticipant(log, "store", Durable)
	second := newParticipant(log, "other-store", Durable)
	require.NoError(t, tx.Join(first))
	err := tx.Join(second)
	require.ErrorIs(t, err, ErrUnsupported)
	require.Equal(t, []Participant{first}, tx.participants)

	// Non-durable joins in between do not change the outcome.
	require.NoError(t, tx.Join(newParticipant(log, "cache", NonDurable)))
	require.ErrorIs(t, tx.Join(second), ErrUnsupported)
	require.Same(t, first, tx.participants[len(tx.participants)-1])
}

func TestJoin_DurableAlwaysLast(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)

	a := newParticipant(log, "a", NonDurable)
	store := newParticipant(log, "store", Durable)
	b := newParticipant(log, "b", NonDurable)
	cc := newParticipant(log, "c", NonDurable)

	require.NoError(t, tx.Join(a))
	require.NoError(t, tx.Join(store))
	require.NoError(t, tx.Join(b))
	require.NoError(t, tx.Join(a)) // already joined
	require.NoError(t, tx.Join(cc))
	require.Equal(t, []Participant{a, b, cc, store}, tx.participants)
}

func TestJoin_InvalidAndInactive(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)
	require.ErrorIs(t, tx.Join(nil), ErrInvalidArgument)

	cause := errors.New("gave up")
	require.NoError(t, tx.Abort(cause))
	err := tx.Join(newParticipant(log, "late", NonDurable))
	require.ErrorIs(t, err, ErrNotActive)
	require.ErrorIs(t, err, cause)

	h, tx2 := begin(t, c)
	require.NoError(t, h.Commit(context.Background()))
	require.ErrorIs(t, tx2.Join(newParticipant(log, "late", NonDurable)), ErrIllegalState)
}

// sliceParticipant is a value type holding a slice, so == on it panics.
type sliceParticipant struct {
	names []string
}

func (sliceParticipant) Prepare(Transaction) (bool, error) { return true, nil }
func (sliceParticipant) Commit(Transaction) error          { return nil }
func (sliceParticipant) Abort(Transaction) error           { return nil }
func (sliceParticipant) TypeName() string                  { return "slice" }
func (sliceParticipant) Durability() Durability            { return NonDurable }

type mapListener struct {
	seen map[string]bool
}

func (mapListener) BeforeCompletion() error { return nil }
func (mapListener) AfterCompletion(bool)    {}
func (mapListener) TypeName() string        { return "map" }

func TestJoin_RejectsNonComparable(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)
	require.NoError(t, tx.Join(newParticipant(log, "first", NonDurable)))

	p := sliceParticipant{names: []string{"a"}}
	require.NotPanics(t, func() {
		require.ErrorIs(t, tx.Join(p), ErrInvalidArgument)
		require.ErrorIs(t, tx.Join(p), ErrInvalidArgument)
	})
	l := mapListener{seen: map[string]bool{}}
	require.NotPanics(t, func() {
		require.ErrorIs(t, tx.RegisterListener(l), ErrInvalidArgument)
	})

	// Pointers to the same types are fine.
	require.NoError(t, tx.Join(&p))
	require.NoError(t, tx.Join(&p))
	require.NoError(t, tx.RegisterListener(&l))
	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"first.prepare", "first.commit"}, log.all())
}

// --- Commit ---

func TestCommit_FusesLastParticipant(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, Config{BoundedTimeout: 100 * time.Millisecond, UnboundedTimeout: Unbounded})
	h, tx := begin(t, c)

	cache := newParticipant(log, "cache", NonDurable)
	store := newFused(log, "store", Durable)
	require.NoError(t, tx.Join(cache))
	require.NoError(t, tx.Join(store))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"cache.prepare", "store.prepareAndCommit", "cache.commit"}, log.all())
	require.Equal(t, 1, store.fusedCount)
	require.Zero(t, store.prepareCount)
	require.Zero(t, store.commitCount)
	require.Equal(t, StateCommitted, tx.State())
}

func TestCommit_FusionDisabled(t *testing.T) {
	log := &callLog{}
	cfg := DefaultConfig()
	cfg.DisablePrepareAndCommitOpt = true
	c := setupCoordinator(t, cfg)
	h, tx := begin(t, c)

	listener := &dummyListener{name: "l", log: log}
	cache := newParticipant(log, "cache", NonDurable)
	store := newFused(log, "store", Durable)
	require.NoError(t, tx.Join(cache))
	require.NoError(t, tx.Join(store))
	require.NoError(t, tx.RegisterListener(listener))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{
		"l.before",
		"cache.prepare", "store.prepare",
		"cache.commit", "store.commit",
		"l.after",
	}, log.all())
	require.Zero(t, store.fusedCount)
	require.Equal(t, []bool{true}, listener.after)
	require.Equal(t, StateCommitted, tx.State())
}

func TestCommit_LastParticipantWithoutFusedCall(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)
	store := newParticipant(log, "store", Durable)
	require.NoError(t, tx.Join(store))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"store.prepare", "store.commit"}, log.all())
	require.Equal(t, 1, store.commitCount)
}

func TestCommit_ReadOnlyParticipantIsNotCommitted(t *testing.T) {
	log := &callLog{}
	cfg := DefaultConfig()
	cfg.DisablePrepareAndCommitOpt = true
	c := setupCoordinator(t, cfg)
	h, tx := begin(t, c)

	reader := newParticipant(log, "reader", NonDurable)
	reader.readOnly = true
	writer := newParticipant(log, "writer", NonDurable)
	store := newParticipant(log, "store", Durable)
	store.readOnly = true
	for _, p := range []Participant{reader, writer, store} {
		require.NoError(t, tx.Join(p))
	}

	require.NoError(t, h.Commit(context.Background()))
	require.Zero(t, reader.commitCount)
	require.Zero(t, store.commitCount)
	require.Equal(t, 1, writer.commitCount)
	require.Equal(t, []Participant{writer}, tx.participants)
}

func TestCommit_PrepareFailureAbortsEveryone(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)

	boom := errors.New("boom")
	first := newParticipant(log, "first", NonDurable)
	failing := newParticipant(log, "failing", NonDurable)
	failing.prepareErr = boom
	store := newFused(log, "store", Durable)
	listener := &dummyListener{name: "l", log: log}
	for _, p := range []Participant{first, failing, store} {
		require.NoError(t, tx.Join(p))
	}
	require.NoError(t, tx.RegisterListener(listener))

	err := h.Commit(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateAborted, tx.State())
	require.Same(t, boom, tx.AbortCause())
	require.True(t, tx.IsAborted())
	for _, p := range []*dummyParticipant{first, failing, store.dummyParticipant} {
		require.Equal(t, 1, p.abortCount, p.name)
		require.Zero(t, p.commitCount, p.name)
	}
	require.Zero(t, store.fusedCount)
	require.Equal(t, []bool{false}, listener.after)

	// A second commit reports the transaction as no longer active.
	require.ErrorIs(t, h.Commit(context.Background()), ErrNotActive)
}

func TestCommit_NonDurablePrepareFailure(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)

	boom := errors.New("boom")
	cache := newParticipant(log, "cache", NonDurable)
	cache.prepareErr = boom
	store := newFused(log, "store", Durable)
	require.NoError(t, tx.Join(cache))
	require.NoError(t, tx.Join(store))

	err := h.Commit(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, store.abortCount)
	require.Equal(t, StateAborted, tx.State())
	require.Same(t, boom, tx.AbortCause())
}

func TestCommit_ParticipantAbortsDuringPrepare(t *testing.T) {
	log := &callLog{}
	cfg := DefaultConfig()
	cfg.DisablePrepareAndCommitOpt = true
	c := setupCoordinator(t, cfg)
	h, tx := begin(t, c)

	cause := NewError(KindConflict, nil, "lost a race")
	vetoer := newParticipant(log, "vetoer", NonDurable)
	vetoer.abortCause = cause
	store := newParticipant(log, "store", Durable)
	require.NoError(t, tx.Join(vetoer))
	require.NoError(t, tx.Join(store))

	err := h.Commit(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorIs(t, err, ErrConflict)
	require.True(t, IsRetryable(err))
	require.Zero(t, store.prepareCount)
	require.Equal(t, 1, store.abortCount)
}

func TestCommit_CommitFailuresAreSwallowed(t *testing.T) {
	log := &callLog{}
	cfg := DefaultConfig()
	cfg.DisablePrepareAndCommitOpt = true
	c := setupCoordinator(t, cfg)
	h, tx := begin(t, c)

	flaky := newParticipant(log, "flaky", NonDurable)
	flaky.commitErr = errors.New("disk hiccup")
	store := newParticipant(log, "store", Durable)
	require.NoError(t, tx.Join(flaky))
	require.NoError(t, tx.Join(store))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, 1, store.commitCount)
	require.Equal(t, StateCommitted, tx.State())
}

func TestCommit_TwiceIsIllegal(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	h, _ := begin(t, c)
	require.NoError(t, h.Commit(context.Background()))
	require.ErrorIs(t, h.Commit(context.Background()), ErrIllegalState)
}

// --- Abort ---

func TestAbort_FirstCauseWins(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)

	first := errors.New("first")
	second := errors.New("second")
	listener := &dummyListener{name: "l", log: log}
	p := newParticipant(log, "p", NonDurable)
	require.NoError(t, tx.Join(p))
	require.NoError(t, tx.RegisterListener(listener))

	require.NoError(t, tx.Abort(first))
	err := tx.Abort(second)
	require.ErrorIs(t, err, ErrNotActive)
	require.ErrorIs(t, err, first)
	require.Same(t, first, tx.AbortCause())
	require.Equal(t, 1, p.abortCount)
	require.Equal(t, []bool{false}, listener.after)
}

func TestAbort_ReentrantAbortIsNoop(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)

	first := errors.New("first")
	second := errors.New("second")
	var reentrant error
	p := &reentrantParticipant{dummyParticipant: newParticipant(log, "p", NonDurable)}
	p.onAbort = func(txn Transaction) { reentrant = txn.Abort(second) }
	require.NoError(t, tx.Join(p))

	require.NoError(t, tx.Abort(first))
	require.NoError(t, reentrant)
	require.Same(t, first, tx.AbortCause())
	require.Equal(t, 1, p.abortCount)
}

type reentrantParticipant struct {
	*dummyParticipant
	onAbort func(Transaction)
}

func (p *reentrantParticipant) Abort(txn Transaction) error {
	p.onAbort(txn)
	return p.dummyParticipant.Abort(txn)
}

func TestAbort_ParticipantFailuresDoNotStopOthers(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)

	a := newParticipant(log, "a", NonDurable)
	a.abortErr = errors.New("cannot abort")
	store := newParticipant(log, "store", Durable)
	require.NoError(t, tx.Join(a))
	require.NoError(t, tx.Join(store))

	require.NoError(t, tx.Abort(errors.New("stop")))
	require.Equal(t, []string{"a.abort", "store.abort"}, log.all())
	require.Equal(t, StateAborted, tx.State())
}

func TestAbort_Errors(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)
	require.ErrorIs(t, tx.Abort(nil), ErrInvalidArgument)
	require.NoError(t, h.Commit(context.Background()))

	cause := errors.New("too late")
	err := tx.Abort(cause)
	require.ErrorIs(t, err, ErrIllegalState)
	require.ErrorIs(t, err, cause)
	require.False(t, tx.IsAborted())
}

func TestAbortCause_ReadableFromOtherGoroutines(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)
	cause := errors.New("stop")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if got := tx.AbortCause(); got != nil && got != cause {
				t.Errorf("unexpected cause %v", got)
			}
			_ = tx.IsAborted()
		}
	}()
	require.NoError(t, tx.Abort(cause))
	<-done
	require.True(t, tx.IsAborted())
}

// --- Timeout ---

func TestCheckTimeout(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, err := c.CreateTransaction(50 * time.Millisecond)
	require.NoError(t, err)
	tx := h.txn
	p := newParticipant(log, "p", Durable)
	require.NoError(t, tx.Join(p))
	require.NoError(t, tx.CheckTimeout())

	time.Sleep(80 * time.Millisecond)
	err = tx.CheckTimeout()
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, IsRetryable(err))
	require.Equal(t, StateAborted, tx.State())
	require.Equal(t, 1, p.abortCount)
	require.ErrorIs(t, tx.AbortCause(), ErrTimeout)

	require.ErrorIs(t, tx.CheckTimeout(), ErrNotActive)
}

func TestCheckTimeout_IsLazy(t *testing.T) {
	c := setupCoordinator(t, DefaultConfig())
	h, err := c.CreateTransaction(time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	// Nothing checked the timeout, so the transaction is still active.
	require.Equal(t, StateActive, h.txn.State())
	require.NoError(t, h.Commit(context.Background()))
}

// --- Ownership ---

func TestOwnership_OtherGoroutinesAreRejected(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)

	var errs []error
	runElsewhere(func() {
		errs = append(errs,
			tx.Join(newParticipant(log, "p", NonDurable)),
			tx.Abort(errors.New("x")),
			tx.CheckTimeout(),
			tx.RegisterListener(&dummyListener{name: "l", log: log}),
			h.Commit(context.Background()),
		)
	})
	require.Len(t, errs, 5)
	for _, err := range errs {
		require.ErrorIs(t, err, ErrIllegalState)
	}
	require.Equal(t, StateActive, tx.State())
	require.Empty(t, log.all())
}

// --- Listeners ---

func TestListeners_RegisteredDuringBeforeCompletion(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)

	late := &dummyListener{name: "late", log: log}
	early := &dummyListener{name: "early", log: log}
	early.onBefore = func() { require.NoError(t, tx.RegisterListener(late)) }
	require.NoError(t, tx.RegisterListener(early))
	require.NoError(t, tx.RegisterListener(early)) // duplicate ignored

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"early.before", "late.before", "early.after", "late.after"}, log.all())
}

func TestListeners_BeforeCompletionFailureAborts(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)

	veto := errors.New("veto")
	l := &dummyListener{name: "l", log: log, beforeErr: veto}
	store := newFused(log, "store", Durable)
	require.NoError(t, tx.Join(store))
	require.NoError(t, tx.RegisterListener(l))

	require.ErrorIs(t, h.Commit(context.Background()), veto)
	require.Equal(t, StateAborted, tx.State())
	require.Equal(t, 1, store.abortCount)
	require.Zero(t, store.fusedCount)
	require.Equal(t, []bool{false}, l.after)
}

func TestListeners_AbortFromBeforeCompletion(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)

	cause := errors.New("listener abort")
	l := &dummyListener{name: "l", log: log}
	l.onBefore = func() { require.NoError(t, tx.Abort(cause)) }
	require.NoError(t, tx.RegisterListener(l))

	err := h.Commit(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorIs(t, err, cause)
}

func TestListeners_AfterCompletionPanicIsSuppressed(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	h, tx := begin(t, c)

	bad := &dummyListener{name: "bad", log: log, panicOn: true}
	good := &dummyListener{name: "good", log: log}
	require.NoError(t, tx.RegisterListener(bad))
	require.NoError(t, tx.RegisterListener(good))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []bool{true}, good.after)
}

func TestListeners_RegisterRequiresActive(t *testing.T) {
	log := &callLog{}
	c := setupCoordinator(t, DefaultConfig())
	_, tx := begin(t, c)
	require.ErrorIs(t, tx.RegisterListener(nil), ErrInvalidArgument)
	require.NoError(t, tx.Abort(errors.New("stop")))
	require.ErrorIs(t, tx.RegisterListener(&dummyListener{name: "l", log: log}), ErrNotActive)
}

// --- Profiling ---

func TestProfile_DetailsReportedAtMediumLevel(t *testing.T) {
	log := &callLog{}
	collector := &recordingCollector{level: profile.LevelMedium}
	c, err := NewCoordinator(DefaultConfig(), collector, nil, zap.NewNop())
	require.NoError(t, err)
	h, tx := begin(t, c)

	reader := newParticipant(log, "reader", NonDurable)
	reader.readOnly = true
	writer := newParticipant(log, "writer", NonDurable)
	store := newFused(log, "store", Durable)
	for _, p := range []Participant{reader, writer, store} {
		require.NoError(t, tx.Join(p))
	}
	require.NoError(t, tx.RegisterListener(&dummyListener{name: "audit", log: log}))
	require.NoError(t, h.Commit(context.Background()))

	byName := make(map[string]profile.ParticipantDetail)
	for _, d := range collector.participants {
		byName[d.TypeName] = d
	}
	require.Len(t, byName, 3)
	require.True(t, byName["reader"].ReadOnly)
	require.True(t, byName["writer"].Committed)
	require.False(t, byName["writer"].CommittedDirectly)
	require.True(t, byName["store"].CommittedDirectly)
	require.Len(t, collector.listeners, 1)
	require.True(t, collector.listeners[0].CalledBefore)
	require.True(t, collector.listeners[0].CalledAfter)
}

func TestProfile_NoDetailsAtMinLevel(t *testing.T) {
	log := &callLog{}
	collector := &recordingCollector{level: profile.LevelMin}
	c, err := NewCoordinator(DefaultConfig(), collector, nil, zap.NewNop())
	require.NoError(t, err)
	h, tx := begin(t, c)
	require.NoError(t, tx.Join(newParticipant(log, "store", Durable)))
	require.NoError(t, h.Commit(context.Background()))
	require.Nil(t, tx.participantDetail)
	require.Empty(t, collector.participants)
}
