package transaction

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryInterval paces attempts made by RunWithRetry.
const RetryInterval = 10 * time.Millisecond

// RunWithRetry runs fn in a new transaction and commits it. When fn or the
// commit fails with a retryable error the whole unit of work is run again in
// a fresh transaction, up to maxAttempts times. Everything runs on the calling
// goroutine, which owns each transaction.
func (c *Coordinator) RunWithRetry(ctx context.Context, timeout time.Duration, maxAttempts int, fn func(Transaction) error) error {
	if maxAttempts <= 0 {
		return NewError(KindInvalidArgument, nil, "maxAttempts must be greater than 0: %d", maxAttempts)
	}
	limiter := rate.NewLimiter(rate.Every(RetryInterval), 1)
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			if err != nil {
				return err
			}
			return waitErr
		}
		err = c.runOnce(ctx, timeout, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		c.logger.Debug("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func (c *Coordinator) runOnce(ctx context.Context, timeout time.Duration, fn func(Transaction) error) error {
	h, err := c.CreateTransaction(timeout)
	if err != nil {
		return err
	}
	t := h.txn
	if err := fn(t); err != nil {
		if t.state == StateActive || t.state == StatePreparing {
			if abortErr := t.abort(err); abortErr != nil {
				c.logger.Warn("abort after failed unit of work", zap.Error(abortErr))
			}
		}
		return err
	}
	return h.Commit(ctx)
}
