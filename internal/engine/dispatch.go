package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/ledgersync/internal/gateway"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/store"
)

// flushBatch caps how many due ops one Flush looks at.
const flushBatch = 500

// DispatchReport summarizes one delivery pass.
type DispatchReport struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Dead    int `json:"dead"`
	Blocked int `json:"blocked"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
	outcomeDead
	outcomeBlocked
)

func (r *DispatchReport) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	case outcomeDead:
		r.Dead++
	case outcomeBlocked:
		r.Blocked++
	}
}

// Run delivers outbox ops until ctx is cancelled. Freshly committed ops are
// attempted as soon as they are queued; retries are picked up every
// RetryPolicy.PollInterval.
//
// Returns ctx.Err() when the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("dispatcher started", zap.Duration("poll_interval", e.retry.PollInterval))
	defer e.logger.Info("dispatcher stopped")

	ticker := time.NewTicker(e.retry.PollInterval)
	defer ticker.Stop()

	if _, err := e.Flush(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("flush failed", zap.Error(err))
	}

	for {
		// Drain everything queued so far before blocking again.
		for {
			id, ok := e.queue.TryDequeue()
			if !ok {
				break
			}
			if err := e.deliverID(ctx, id); err != nil && ctx.Err() == nil {
				e.logger.Warn("delivery failed", zap.Int64("op_id", id), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.queue.Wait():
		case <-ticker.C:
			if _, err := e.Flush(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("flush failed", zap.Error(err))
			}
		}
	}
}

// Flush makes one delivery attempt for every due op, oldest first.
func (e *Engine) Flush(ctx context.Context) (DispatchReport, error) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	var report DispatchReport
	ids, err := e.store.DueOps(ctx, e.clock(), flushBatch)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		op, err := e.store.GetOp(ctx, id)
		if err != nil {
			return report, err
		}
		if !op.Unsent() {
			continue
		}
		o, err := e.deliver(ctx, op)
		if err != nil {
			return report, err
		}
		report.add(o)
	}
	e.refreshOutboxGauge(ctx)

	if report != (DispatchReport{}) {
		e.logger.Debug("outbox flushed",
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("dead", report.Dead),
			zap.Int("blocked", report.Blocked),
		)
	}
	return report, nil
}

// RetryDead gives every DEAD op a fresh attempt budget. It returns the
// number of ops requeued.
func (e *Engine) RetryDead(ctx context.Context) (int64, error) {
	n, err := e.store.RequeueDead(ctx, e.clock())
	if err != nil {
		return 0, err
	}
	e.refreshOutboxGauge(ctx)
	if n > 0 {
		e.logger.Info("dead ops requeued", zap.Int64("count", n))
	}
	return n, nil
}

// deliverID attempts one queued op if it is still due.
func (e *Engine) deliverID(ctx context.Context, id int64) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	op, err := e.store.GetOp(ctx, id)
	if err != nil {
		return err
	}
	if !op.Unsent() || op.NextAttemptAt.After(e.clock()) {
		return nil
	}
	_, err = e.deliver(ctx, op)
	e.refreshOutboxGauge(ctx)
	return err
}

// deliver sends one op and records the result. Errors are local store
// failures; remote failures are recorded on the op.
func (e *Engine) deliver(ctx context.Context, op store.Op) (outcome, error) {
	blocked, orphan, err := e.dependencies(ctx, op)
	if err != nil {
		return outcomeSkipped, err
	}
	if blocked {
		return outcomeBlocked, nil
	}
	if orphan != "" {
		return e.bury(ctx, op, fmt.Sprintf("references %s, which was never delivered", orphan))
	}

	raw, sendErr := e.send(ctx, op)
	if sendErr != nil && op.Kind == store.OpDelete && gateway.IsNotFound(sendErr) {
		sendErr = nil
	}
	if sendErr != nil {
		if ctx.Err() != nil {
			// Shutting down; this attempt does not count.
			return outcomeSkipped, nil
		}
		return e.fail(ctx, op, sendErr)
	}

	switch op.Kind {
	case store.OpCreate:
		err = e.completeCreate(ctx, op, raw)
	case store.OpAction:
		err = e.completeAction(ctx, op, raw)
	default:
		err = e.store.MarkSent(ctx, op.ID, e.clock(), nil)
	}
	var decodeErr *Error
	if errors.As(err, &decodeErr) && decodeErr.Code == ErrCodeDecode {
		return e.bury(ctx, op, decodeErr.Error())
	}
	if err != nil {
		return outcomeSkipped, err
	}

	e.logger.Debug("op delivered",
		zap.Int64("op_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("collection", op.Collection),
		zap.String("target_id", op.TargetID),
	)
	return outcomeSent, nil
}

// dependencies reports whether op must wait for earlier ops, or names a
// temporary identity it references that can never be resolved.
func (e *Engine) dependencies(ctx context.Context, op store.Op) (blocked bool, orphan string, err error) {
	earlier, err := e.store.UnsentBefore(ctx, op)
	if err != nil || earlier {
		return earlier, "", err
	}

	refs := ledger.TempIDsIn(op.Payload)
	if op.Kind != store.OpCreate && ledger.IsTempID(op.TargetID) {
		refs = append(refs, op.TargetID)
	}
	for _, ref := range refs {
		if op.Kind == store.OpCreate && ref == op.TargetID {
			continue
		}
		status, found, err := e.store.CreateStatus(ctx, ref)
		if err != nil {
			return false, "", err
		}
		switch {
		case !found:
			orphan = ref
		case status == store.StatusPending || status == store.StatusFailed:
			return true, "", nil
		case status == store.StatusSent:
		default:
			orphan = ref
		}
	}
	return false, orphan, nil
}

func (e *Engine) send(ctx context.Context, op store.Op) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	path := ledger.Collection(op.Collection).Path()
	switch op.Kind {
	case store.OpCreate:
		return e.gateway.Create(callCtx, path, op.Payload)
	case store.OpAction:
		return e.gateway.Action(callCtx, path, op.TargetID, op.Action, op.Payload)
	case store.OpDelete:
		return nil, e.gateway.Delete(callCtx, path, op.TargetID)
	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// completeCreate swaps the temporary identity for the server's everywhere:
// in the record, in every record referencing it, and in every queued op.
//
// If other ops for the record are still queued, only the identity is taken
// from the server so the optimistic effects of those ops stay visible.
func (e *Engine) completeCreate(ctx context.Context, op store.Op, raw json.RawMessage) error {
	tb, ok := tableFor(ledger.Collection(op.Collection))
	if !ok {
		return &Error{Code: ErrCodeDecode, Message: "unknown collection", Collection: op.Collection}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.store.GetOp(ctx, op.ID)
	if err != nil {
		return err
	}
	if current.Status == store.StatusCancelled {
		return e.retractCreate(ctx, op, tb, raw)
	}

	identityOnly, err := e.store.HasUnsentFor(ctx, op.Collection, op.TargetID, op.ID)
	if err != nil {
		return err
	}

	t := e.beginLocal()
	defer t.end()

	t.touch(tb)
	serverID, found, err := tb.reconcile(e.state, op.TargetID, raw, identityOnly)
	if err != nil {
		return &Error{Code: ErrCodeDecode, Message: "unreadable server record", Collection: op.Collection, ID: op.TargetID, Err: err}
	}
	if serverID != op.TargetID {
		for _, other := range tables {
			before := other.clone(e.state)
			if other.remap(e.state, op.TargetID, serverID) {
				t.keep(other.collection(), before)
			}
		}
	}

	snaps, err := snapshotsOf(e.state, t.order)
	if err != nil {
		return err
	}
	if err := e.store.CompleteCreate(ctx, op.ID, op.TargetID, serverID, t.at, snaps); err != nil {
		return err
	}
	t.committed = true

	e.metrics.Reconcile(op.Collection)
	e.logger.Debug("identity reconciled",
		zap.String("collection", op.Collection),
		zap.String("temp_id", op.TargetID),
		zap.String("server_id", serverID),
		zap.Bool("found", found),
		zap.Bool("identity_only", identityOnly),
	)
	return nil
}

// retractCreate handles a CREATE the server accepted after the record was
// removed locally: the removal cancelled the op while it was in flight, so
// the server's copy is deleted with a follow-up op in the same cascade.
func (e *Engine) retractCreate(ctx context.Context, op store.Op, tb table, raw json.RawMessage) error {
	serverID, err := tb.identity(raw)
	if err != nil {
		return &Error{Code: ErrCodeDecode, Message: "unreadable server record", Collection: op.Collection, ID: op.TargetID, Err: err}
	}
	id, err := e.store.Enqueue(ctx, store.Op{
		CascadeID:  op.CascadeID,
		Kind:       store.OpDelete,
		Collection: op.Collection,
		TargetID:   serverID,
	}, e.clock())
	if err != nil {
		return err
	}
	e.queue.Enqueue(id)

	e.logger.Info("record removed during delivery, deleting server copy",
		zap.String("collection", op.Collection),
		zap.String("temp_id", op.TargetID),
		zap.String("server_id", serverID),
	)
	return nil
}

// completeAction takes the server's copy of the record once no other local
// change to it is in flight.
func (e *Engine) completeAction(ctx context.Context, op store.Op, raw json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.beginLocal()
	defer t.end()

	var snaps map[string][]byte
	pending, err := e.store.HasUnsentFor(ctx, op.Collection, op.TargetID, op.ID)
	if err != nil {
		return err
	}
	tb, ok := tableFor(ledger.Collection(op.Collection))
	if ok && !pending && len(raw) > 0 {
		t.touch(tb)
		changed, err := tb.apply(e.state, raw)
		if err != nil {
			e.logger.Warn("server record unreadable, keeping local copy",
				zap.String("collection", op.Collection),
				zap.String("target_id", op.TargetID),
				zap.Error(err),
			)
		} else if changed {
			if snaps, err = snapshotsOf(e.state, t.order); err != nil {
				return err
			}
		}
	}

	if err := e.store.MarkSent(ctx, op.ID, t.at, snaps); err != nil {
		return err
	}
	t.committed = true
	return nil
}

// fail records an unsuccessful attempt and schedules the next one.
func (e *Engine) fail(ctx context.Context, op store.Op, sendErr error) (outcome, error) {
	attempts := op.Attempts + 1
	dead := attempts >= e.retry.MaxAttempts || gateway.IsPermanent(sendErr)
	now := e.clock()

	err := e.store.MarkFailed(ctx, op.ID, store.Failure{
		Attempts:      attempts,
		NextAttemptAt: now.Add(e.retry.Backoff(attempts)),
		Err:           sendErr.Error(),
		Dead:          dead,
		At:            now,
	})
	if err != nil {
		return outcomeSkipped, err
	}
	e.metrics.RemoteFailure(op.Collection, string(op.Kind))

	e.logger.Warn("remote write failed",
		zap.Int64("op_id", op.ID),
		zap.String("collection", op.Collection),
		zap.String("target_id", op.TargetID),
		zap.Int("attempts", attempts),
		zap.Bool("dead", dead),
		zap.Error(sendErr),
	)

	switch {
	case dead:
		e.notify(op, NoticeError, fmt.Sprintf("Gave up saving %s to the server: %v", op.Collection, sendErr))
		return outcomeDead, nil
	case attempts == 1:
		e.notify(op, NoticeWarning, fmt.Sprintf("Could not save %s to the server; will retry", op.Collection))
	}
	return outcomeFailed, nil
}

// bury marks op DEAD without sending it.
func (e *Engine) bury(ctx context.Context, op store.Op, reason string) (outcome, error) {
	now := e.clock()
	err := e.store.MarkFailed(ctx, op.ID, store.Failure{
		Attempts:      op.Attempts,
		NextAttemptAt: now,
		Err:           reason,
		Dead:          true,
		At:            now,
	})
	if err != nil {
		return outcomeSkipped, err
	}
	e.logger.Warn("op abandoned", zap.Int64("op_id", op.ID), zap.String("reason", reason))
	e.notify(op, NoticeError, fmt.Sprintf("Gave up saving %s to the server: %s", op.Collection, reason))
	return outcomeDead, nil
}

func (e *Engine) notify(op store.Op, level NoticeLevel, msg string) {
	e.notifier.Notify(Notice{
		Level:      level,
		Message:    msg,
		Collection: op.Collection,
		RecordID:   op.TargetID,
		CascadeID:  op.CascadeID,
	})
}
