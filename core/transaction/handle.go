package transaction

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handle gives the creator of a transaction the right to commit it.
type Handle struct {
	txn    *txn
	tracer trace.Tracer
}

func (h *Handle) Transaction() Transaction {
	return h.txn
}

// Commit prepares and commits every participant. If the transaction aborts on
// the way, the returned error is or wraps the abort cause.
func (h *Handle) Commit(ctx context.Context) error {
	_, span := h.tracer.Start(ctx, "transaction.commit",
		trace.WithAttributes(attribute.String("txn.id", strconv.FormatUint(h.txn.tid, 10))))
	defer span.End()

	err := h.txn.commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("txn.outcome", "failed"))
		return err
	}
	span.SetAttributes(attribute.String("txn.outcome", "committed"))
	return nil
}
