package oplog

import (
	"errors"
	"fmt"
	"log/slog"

	"flowgraph/document"
)

// Dispatcher applies inbound remote operations to the document store under
// the applyingRemote guard, so nothing downstream re-records or re-emits
// them. After destructive operations it prunes every actor's history on the
// document.
type Dispatcher struct {
	store  document.Store
	ledger *Ledger
	guard  *Guard
	filter *OrderingFilter
	queue  *Queue
	logger *slog.Logger
}

// NewDispatcher wires a dispatcher. queue may be nil when there is no outbox
// to cancel against (server-side use).
func NewDispatcher(store document.Store, ledger *Ledger, guard *Guard, filter *OrderingFilter, queue *Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, ledger: ledger, guard: guard, filter: filter, queue: queue, logger: logger}
}

// Apply mutates the document with a remote operation. High-frequency kinds
// (moves, config updates) pass through the ordering filter first: a stale
// timestamp means a newer update already landed and the operation is
// discarded, which is not an error. A missing referent degrades to a logged
// warning; remote operations race remote deletions by design.
func (d *Dispatcher) Apply(op Operation) error {
	release := d.guard.BeginRemote()
	defer release()

	switch p := op.Payload.(type) {
	case MovePayload:
		if !d.filter.ShouldApply(p.BlockID, op.Timestamp) {
			d.logger.Debug("discarded stale move", "block", p.BlockID, "timestamp", op.Timestamp)
			return nil
		}
	case ConfigPayload:
		if !d.filter.ShouldApply(p.BlockID, op.Timestamp) {
			d.logger.Debug("discarded stale config update", "block", p.BlockID, "timestamp", op.Timestamp)
			return nil
		}
	}

	if err := applyToStore(d.store, op); err != nil {
		if errors.Is(err, document.ErrNotFound) {
			d.logger.Warn("remote operation referent missing, skipped",
				"operation", op.ID, "kind", op.Kind, "err", err)
			return nil
		}
		return fmt.Errorf("apply remote %s: %w", op.ID, err)
	}

	if op.destructive() {
		for _, id := range op.removedEntities() {
			d.filter.Forget(id)
			if d.queue != nil {
				d.queue.CancelOperationsForEntity(id)
			}
		}
		d.ledger.PruneDocument(op.DocumentID, d.store.Graph())
	}
	return nil
}

// HandleEntityDeleted handles the out-of-band "entity deleted" control
// event: remove the entity if we still have it, cancel pending outbox
// entries for it, and prune all histories.
func (d *Dispatcher) HandleEntityDeleted(documentID, entityID string) {
	release := d.guard.BeginRemote()
	defer release()

	var err error
	if _, ok := d.store.GetBlock(entityID); ok {
		err = d.store.RemoveBlock(entityID)
	} else if _, ok := d.store.GetEdge(entityID); ok {
		err = d.store.RemoveEdge(entityID)
	} else if _, ok := d.store.GetVariable(entityID); ok {
		err = d.store.RemoveVariable(entityID)
	}
	if err != nil && !errors.Is(err, document.ErrNotFound) {
		d.logger.Warn("remote entity delete failed", "entity", entityID, "err", err)
	}
	d.filter.Forget(entityID)
	if d.queue != nil {
		d.queue.CancelOperationsForEntity(entityID)
	}
	d.ledger.PruneDocument(documentID, d.store.Graph())
}

// HandleDocumentReverted handles the "document reverted/deleted" control
// event. History is no longer meaningful, so every actor's stacks for the
// document are dropped, the ordering table is reset, and the guard is
// force-released in case the revert interrupted an in-flight apply.
func (d *Dispatcher) HandleDocumentReverted(documentID string) {
	d.ledger.ClearDocument(documentID)
	d.filter.Reset()
	d.guard.ForceRelease()
}
