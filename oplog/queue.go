package oplog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// OperationState is the lifecycle state of a queued operation.
type OperationState int

const (
	// StatePending means the operation awaits server confirmation.
	StatePending OperationState = iota
	// StateFailed means the server rejected the operation terminally.
	StateFailed
)

// QueuedOperation is one outbox entry.
type QueuedOperation struct {
	ID         string
	Operation  Operation
	DocumentID string
	ActorID    string
	State      OperationState
	Retryable  bool

	attempts int
	retry    backoff.BackOff
	timer    *time.Timer
	// held marks an entry waiting behind an earlier entry for the same
	// entity that is still in the retry path. Held entries are emitted, in
	// enqueue order, once the blocker is emitted or removed.
	held bool
}

// Emitter sends an operation over the transport. *transport.WSClient and the
// loopback both satisfy it.
type Emitter interface {
	EmitOperation(op Operation) error
}

// QueueConfig tunes the retry policy. Backoff is not load-bearing for
// correctness; it just keeps a flaky link from being hammered.
type QueueConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnTerminalFailure surfaces a non-retryable (or retries-exhausted)
	// operation. The optimistic local mutation is deliberately left in
	// place; the snapshot in the failed operation's payload is available if
	// the caller wants to roll back.
	OnTerminalFailure func(QueuedOperation)
	Logger            *slog.Logger
}

// Queue is the client-side outbox: operations are applied optimistically to
// the local document, emitted in enqueue order, and removed on server ack.
// For a single entity the queue never reorders: while an operation awaits a
// retry, later operations touching the same entity are held and released
// after it, in enqueue order. Across entities it makes no ordering promise.
type Queue struct {
	mu      sync.Mutex
	cfg     QueueConfig
	emitter Emitter
	pending []*QueuedOperation
	closed  bool
	logger  *slog.Logger
}

// NewQueue creates an outbox emitting through emitter.
func NewQueue(emitter Emitter, cfg QueueConfig) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{cfg: cfg, emitter: emitter, logger: cfg.Logger}
}

func (q *Queue) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}

// Enqueue runs the optimistic localAction, appends the operation to the
// outbox and emits it. localAction may be nil when the mutation has already
// happened (the undo/redo path applies before enqueueing). An emit failure
// is a transient network error and goes through the retry path.
func (q *Queue) Enqueue(op Operation, localAction func() error) error {
	if localAction != nil {
		if err := localAction(); err != nil {
			return fmt.Errorf("optimistic apply %s: %w", op.ID, err)
		}
	}
	qo := &QueuedOperation{
		ID:         op.ID,
		Operation:  op,
		DocumentID: op.DocumentID,
		ActorID:    op.ActorID,
		State:      StatePending,
		Retryable:  true,
		retry:      q.newBackoff(),
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("oplog: queue closed, dropping %s", op.ID)
	}
	q.pending = append(q.pending, qo)
	if q.blockedLocked(len(q.pending) - 1) {
		qo.held = true
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	q.emit(qo)
	return nil
}

func refsOverlap(a, b []string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// blockedLocked reports whether pending[i] must wait behind an earlier entry
// for one of its entities that is held or awaiting a retry timer.
func (q *Queue) blockedLocked(i int) bool {
	refs := q.pending[i].Operation.EntityRefs()
	for _, earlier := range q.pending[:i] {
		if !earlier.held && earlier.timer == nil {
			continue
		}
		if refsOverlap(earlier.Operation.EntityRefs(), refs) {
			return true
		}
	}
	return false
}

// flushHeld emits held entries whose blockers are gone, oldest first. An
// emission that lands back in the retry path re-blocks whatever follows it.
func (q *Queue) flushHeld() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		var next *QueuedOperation
		for i, qo := range q.pending {
			if qo.held && !q.blockedLocked(i) {
				next = qo
				break
			}
		}
		if next == nil {
			q.mu.Unlock()
			return
		}
		next.held = false
		q.mu.Unlock()
		q.emit(next)
	}
}

func (q *Queue) emit(qo *QueuedOperation) {
	qo.attempts++
	if err := q.emitter.EmitOperation(qo.Operation); err != nil {
		q.logger.Warn("emit failed", "operation", qo.ID, "attempt", qo.attempts, "err", err)
		q.Fail(qo.ID, true)
	}
}

// Confirm removes the acked operation from the outbox. Duplicate acks are
// tolerated as no-ops. Removing an entry may unblock held followers.
func (q *Queue) Confirm(operationID string) {
	q.mu.Lock()
	q.removeLocked(operationID)
	q.mu.Unlock()
	q.flushHeld()
}

func (q *Queue) removeLocked(operationID string) *QueuedOperation {
	for i, qo := range q.pending {
		if qo.ID == operationID {
			if qo.timer != nil {
				qo.timer.Stop()
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return qo
		}
	}
	return nil
}

// Fail handles a transport failure signal. Retryable failures re-emit after
// backoff until the retry budget runs out; terminal ones are surfaced via
// OnTerminalFailure without rolling back the optimistic local mutation.
func (q *Queue) Fail(operationID string, retryable bool) {
	q.mu.Lock()
	var qo *QueuedOperation
	for _, cand := range q.pending {
		if cand.ID == operationID {
			qo = cand
			break
		}
	}
	if qo == nil || q.closed {
		q.mu.Unlock()
		return
	}
	if retryable && qo.attempts <= q.cfg.MaxRetries {
		delay := qo.retry.NextBackOff()
		if delay != backoff.Stop {
			qo.timer = time.AfterFunc(delay, func() { q.reemit(operationID) })
			q.mu.Unlock()
			return
		}
	}
	qo.State = StateFailed
	qo.Retryable = false
	q.removeLocked(operationID)
	q.mu.Unlock()

	q.logger.Warn("operation failed terminally",
		"operation", operationID, "kind", qo.Operation.Kind, "attempts", qo.attempts)
	if q.cfg.OnTerminalFailure != nil {
		q.cfg.OnTerminalFailure(*qo)
	}
	q.flushHeld()
}

func (q *Queue) reemit(operationID string) {
	q.mu.Lock()
	var qo *QueuedOperation
	for _, cand := range q.pending {
		if cand.ID == operationID {
			qo = cand
			break
		}
	}
	if qo != nil {
		qo.timer = nil
	}
	closed := q.closed
	q.mu.Unlock()
	if qo == nil || closed {
		return
	}
	q.emit(qo)
	q.flushHeld()
}

// CancelOperationsForEntity drops every pending operation that references
// the entity. Called when an entity is deleted before earlier edits to it
// were confirmed, so we stop sending updates for a dead object.
func (q *Queue) CancelOperationsForEntity(entityID string) int {
	q.mu.Lock()
	kept := q.pending[:0]
	cancelled := 0
	for _, qo := range q.pending {
		hit := false
		for _, id := range qo.Operation.EntityRefs() {
			if id == entityID {
				hit = true
				break
			}
		}
		if hit {
			if qo.timer != nil {
				qo.timer.Stop()
			}
			cancelled++
			continue
		}
		kept = append(kept, qo)
	}
	q.pending = kept
	q.mu.Unlock()
	q.flushHeld()
	return cancelled
}

// PendingCount returns the outbox depth.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops retry timers and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, qo := range q.pending {
		if qo.timer != nil {
			qo.timer.Stop()
		}
	}
	q.pending = nil
}
