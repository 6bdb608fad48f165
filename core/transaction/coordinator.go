// Package transaction implements a single-goroutine, serializable transaction
// with a one-durable-participant commit protocol, and the coordinator that
// creates them.
package transaction

import (
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/profile"
)

// Unbounded asks CreateTransaction for the configured unbounded timeout.
const Unbounded time.Duration = math.MaxInt64

const (
	DefaultBoundedTimeout   = 100 * time.Millisecond
	DefaultUnboundedTimeout = time.Duration(math.MaxInt64)
)

// Config is resolved once, when the coordinator is built.
type Config struct {
	BoundedTimeout             time.Duration
	UnboundedTimeout           time.Duration
	DisablePrepareAndCommitOpt bool
}

func DefaultConfig() Config {
	return Config{
		BoundedTimeout:   DefaultBoundedTimeout,
		UnboundedTimeout: DefaultUnboundedTimeout,
	}
}

// Coordinator creates transactions. It is safe for concurrent use; the
// transactions it returns are not.
type Coordinator struct {
	cfg       Config
	nextTid   atomic.Uint64
	collector profile.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewCoordinator validates cfg and builds a coordinator. collector, tracer and
// logger may be nil.
func NewCoordinator(cfg Config, collector profile.Collector, tracer trace.Tracer, logger *zap.Logger) (*Coordinator, error) {
	if cfg.BoundedTimeout <= 0 {
		return nil, NewError(KindInvalidArgument, nil, "bounded timeout must be greater than 0: %s", cfg.BoundedTimeout)
	}
	if cfg.UnboundedTimeout <= 0 {
		return nil, NewError(KindInvalidArgument, nil, "unbounded timeout must be greater than 0: %s", cfg.UnboundedTimeout)
	}
	if collector == nil {
		collector = profile.NopCollector{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("gojotx/transaction")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:       cfg,
		collector: collector,
		tracer:    tracer,
		logger:    logger.Named("txn"),
	}
	c.logger.Info("transaction coordinator ready",
		zap.Duration("boundedTimeout", cfg.BoundedTimeout),
		zap.Duration("unboundedTimeout", cfg.UnboundedTimeout),
		zap.Bool("disablePrepareAndCommitOpt", cfg.DisablePrepareAndCommitOpt))
	return c, nil
}

// CreateTransaction starts a transaction owned by the calling goroutine.
// Pass Unbounded for the configured unbounded timeout.
func (c *Coordinator) CreateTransaction(timeout time.Duration) (*Handle, error) {
	if timeout == Unbounded {
		timeout = c.cfg.UnboundedTimeout
	} else if timeout <= 0 {
		return nil, NewError(KindInvalidArgument, nil, "timeout must be greater than 0: %s", timeout)
	}
	t := newTxn(c.nextTid.Add(1), timeout, c.cfg.DisablePrepareAndCommitOpt, c.collector, c.logger)
	return &Handle{txn: t, tracer: c.tracer}, nil
}

// DefaultTimeout returns the bounded timeout.
func (c *Coordinator) DefaultTimeout() time.Duration {
	return c.cfg.BoundedTimeout
}
