package oplog

import (
	"fmt"
	"log/slog"
	"time"

	"flowgraph/document"
	"github.com/google/uuid"
)

// Recorder turns user-visible edit actions into {operation, inverse} pairs,
// pushes them to the ledger and hands them to the outbox. While either guard
// flag is raised the recorder silently skips: the mutation already happened
// through the remote or undo/redo path and must not be re-recorded or
// re-sent.
type Recorder struct {
	documentID string
	actorID    string
	store      document.Store
	ledger     *Ledger
	queue      *Queue
	guard      *Guard
	logger     *slog.Logger

	// Injectable for tests.
	now   func() int64
	newID func() string
}

// NewRecorder wires a recorder for one (document, actor) pair.
func NewRecorder(documentID, actorID string, store document.Store, ledger *Ledger, queue *Queue, guard *Guard, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		documentID: documentID,
		actorID:    actorID,
		store:      store,
		ledger:     ledger,
		queue:      queue,
		guard:      guard,
		logger:     logger,
		now:        func() int64 { return time.Now().UnixMilli() },
		newID:      uuid.NewString,
	}
}

func (r *Recorder) operation(kind Kind, p Payload) Operation {
	return Operation{
		ID:         r.newID(),
		Kind:       kind,
		Timestamp:  r.now(),
		DocumentID: r.documentID,
		ActorID:    r.actorID,
		Payload:    p,
	}
}

// record builds the pair, pushes it and enqueues the forward operation with
// its optimistic local action.
func (r *Recorder) record(kind Kind, p Payload, localAction func() error) error {
	op := r.operation(kind, p)
	inv, err := op.Invert()
	if err != nil {
		return err
	}
	r.ledger.Push(r.documentID, r.actorID, Entry{ID: op.ID, Operation: op, Inverse: inv})
	return r.queue.Enqueue(op, localAction)
}

// RecordAddBlock records the creation of a block.
func (r *Recorder) RecordAddBlock(b document.Block) error {
	if r.guard.Active() {
		return nil
	}
	return r.record(KindAddBlock, BlockPayload{Block: b.Clone()}, func() error {
		return r.store.AddBlock(b)
	})
}

// RecordRemoveBlock records the removal of a block. The snapshot (block with
// live sub-block field values, plus every edge touching it) is captured now:
// by undo time the live state may be gone or changed. Pending outbox entries
// for the block are cancelled, and every actor's history on this document is
// pruned since their entries may reference the removed block.
func (r *Recorder) RecordRemoveBlock(blockID string) error {
	if r.guard.Active() {
		return nil
	}
	snapshot, err := r.store.MergeSubblockState(blockID)
	if err != nil {
		return fmt.Errorf("snapshot block %q: %w", blockID, err)
	}
	edges := r.store.EdgesForBlock(blockID)
	p := BlockPayload{Block: snapshot, AttachedEdges: edges}
	r.queue.CancelOperationsForEntity(blockID)
	op := r.operation(KindRemoveBlock, p)
	inv, err := op.Invert()
	if err != nil {
		return err
	}
	r.ledger.Push(r.documentID, r.actorID, Entry{ID: op.ID, Operation: op, Inverse: inv})
	if err := r.queue.Enqueue(op, func() error { return applyToStore(r.store, op) }); err != nil {
		return err
	}
	r.ledger.PruneDocument(r.documentID, r.store.Graph())
	return nil
}

// RecordMoveBlock records a position change.
func (r *Recorder) RecordMoveBlock(blockID string, before, after document.Position) error {
	if r.guard.Active() {
		return nil
	}
	p := MovePayload{BlockID: blockID, Before: before, After: after}
	return r.record(KindMoveBlock, p, func() error {
		return r.store.SetPosition(blockID, after)
	})
}

// RecordDuplicateBlock records a duplication. dup is the new block (fresh
// id, offset position); dupEdges are edges created alongside it, if any. The
// inverse removes the duplicate, not the source.
func (r *Recorder) RecordDuplicateBlock(dup document.Block, dupEdges []document.Edge) error {
	if r.guard.Active() {
		return nil
	}
	p := BlockPayload{Block: dup.Clone(), AttachedEdges: dupEdges}
	op := r.operation(KindDuplicateBlock, p)
	inv, err := op.Invert()
	if err != nil {
		return err
	}
	r.ledger.Push(r.documentID, r.actorID, Entry{ID: op.ID, Operation: op, Inverse: inv})
	return r.queue.Enqueue(op, func() error { return applyToStore(r.store, op) })
}

// RecordUpdateParent records a reparent. Reparenting detaches the edges that
// crossed the old boundary and may reattach replacements; they all ride in
// one entry so undo restores parent, position and edges atomically.
func (r *Recorder) RecordUpdateParent(blockID, beforeParentID, afterParentID string, beforePos, afterPos document.Position, detached, reattached []document.Edge) error {
	if r.guard.Active() {
		return nil
	}
	p := ParentPayload{
		BlockID:         blockID,
		BeforeParentID:  beforeParentID,
		AfterParentID:   afterParentID,
		BeforePosition:  beforePos,
		AfterPosition:   afterPos,
		DetachedEdges:   detached,
		ReattachedEdges: reattached,
	}
	op := r.operation(KindUpdateParent, p)
	inv, err := op.Invert()
	if err != nil {
		return err
	}
	r.ledger.Push(r.documentID, r.actorID, Entry{ID: op.ID, Operation: op, Inverse: inv})
	return r.queue.Enqueue(op, func() error { return applyToStore(r.store, op) })
}

// RecordAddEdge records an edge creation.
func (r *Recorder) RecordAddEdge(e document.Edge) error {
	if r.guard.Active() {
		return nil
	}
	return r.record(KindAddEdge, EdgePayload{Edge: e}, func() error {
		return r.store.AddEdge(e)
	})
}

// RecordRemoveEdge records an edge removal; the edge snapshot comes from the
// store so the inverse can re-add it.
func (r *Recorder) RecordRemoveEdge(edgeID string) error {
	if r.guard.Active() {
		return nil
	}
	e, ok := r.store.GetEdge(edgeID)
	if !ok {
		return fmt.Errorf("snapshot edge %q: %w", edgeID, document.ErrNotFound)
	}
	if err := r.record(KindRemoveEdge, EdgePayload{Edge: e}, func() error {
		return r.store.RemoveEdge(edgeID)
	}); err != nil {
		return err
	}
	r.ledger.PruneDocument(r.documentID, r.store.Graph())
	return nil
}

// RecordUpdateConfig records a block config change (e.g. subflow input
// mapping). before is captured by the caller prior to the edit.
func (r *Recorder) RecordUpdateConfig(blockID string, before, after map[string]any) error {
	if r.guard.Active() {
		return nil
	}
	p := ConfigPayload{BlockID: blockID, Before: before, After: after}
	return r.record(KindUpdateConfig, p, func() error {
		return r.store.SetConfig(blockID, after)
	})
}

// RecordAddVariable records a variable creation.
func (r *Recorder) RecordAddVariable(v document.Variable) error {
	if r.guard.Active() {
		return nil
	}
	return r.record(KindAddVariable, VariablePayload{Variable: v}, func() error {
		return r.store.AddVariable(v)
	})
}

// RecordUpdateVariable records a variable change.
func (r *Recorder) RecordUpdateVariable(before, after document.Variable) error {
	if r.guard.Active() {
		return nil
	}
	p := VariableUpdatePayload{Before: before, After: after}
	return r.record(KindUpdateVariable, p, func() error {
		return r.store.UpdateVariable(after)
	})
}

// RecordRemoveVariable records a variable removal with its snapshot.
func (r *Recorder) RecordRemoveVariable(variableID string) error {
	if r.guard.Active() {
		return nil
	}
	v, ok := r.store.GetVariable(variableID)
	if !ok {
		return fmt.Errorf("snapshot variable %q: %w", variableID, document.ErrNotFound)
	}
	if err := r.record(KindRemoveVariable, VariablePayload{Variable: v}, func() error {
		return r.store.RemoveVariable(variableID)
	}); err != nil {
		return err
	}
	r.ledger.PruneDocument(r.documentID, r.store.Graph())
	return nil
}
