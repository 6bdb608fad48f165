package transaction

import "time"

// Durability tells a transaction where to place a participant in its commit order.
type Durability int

const (
	// NonDurable participants are prepared and committed in join order, ahead
	// of the durable one.
	NonDurable Durability = iota
	// Durable participants own persistent state. A transaction accepts at most
	// one and always completes it last.
	Durable
)

func (d Durability) String() string {
	if d == Durable {
		return "durable"
	}
	return "non-durable"
}

// Participant takes part in the commit protocol of the transactions it joins.
// Joining the same participant twice is a no-op, so implementations must be
// comparable with ==. Pointer types always are.
type Participant interface {
	// Prepare votes on the outcome. readOnly means the participant has nothing
	// to commit and should not be called again for this transaction.
	Prepare(txn Transaction) (readOnly bool, err error)
	Commit(txn Transaction) error
	Abort(txn Transaction) error
	// TypeName is a stable name used to aggregate profile details.
	TypeName() string
	Durability() Durability
}

// PrepareAndCommitter is implemented by participants that can prepare and
// commit in one call when they are the last participant of a transaction.
type PrepareAndCommitter interface {
	PrepareAndCommit(txn Transaction) error
}

// Listener is notified around the completion of a transaction. Like
// participants, listeners must be comparable with ==.
type Listener interface {
	// BeforeCompletion runs before any participant is prepared. An error aborts
	// the transaction.
	BeforeCompletion() error
	AfterCompletion(committed bool)
	TypeName() string
}

// Transaction is the view of a transaction given to application code and participants.
// Join, Abort, CheckTimeout and RegisterListener must be called from the
// goroutine that created the transaction.
type Transaction interface {
	// ID returns the 8 byte big-endian transaction identifier.
	ID() []byte
	CreationTime() time.Time
	Timeout() time.Duration
	// CheckTimeout aborts the transaction and returns a timeout error once it
	// has run longer than Timeout.
	CheckTimeout() error
	Join(p Participant) error
	Abort(cause error) error
	IsAborted() bool
	// AbortCause returns the cause passed to the first Abort call. It is safe
	// to call from any goroutine.
	AbortCause() error
	RegisterListener(l Listener) error
	Equal(other Transaction) bool
}
