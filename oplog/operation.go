// Package oplog implements the collaborative operation log: the operation
// model with deterministic inverses, the per-(document, actor) undo/redo
// ledger, the reentrancy guard, the timestamp ordering filter, the outbox
// queue and the recorder/dispatcher pair that tie them to a document store
// and a transport.
package oplog

import (
	"encoding/json"
	"fmt"

	"flowgraph/document"
)

// Kind discriminates the operation union.
type Kind string

const (
	KindAddBlock       Kind = "add_block"
	KindRemoveBlock    Kind = "remove_block"
	KindMoveBlock      Kind = "move_block"
	KindDuplicateBlock Kind = "duplicate_block"
	KindUpdateParent   Kind = "update_parent"
	KindAddEdge        Kind = "add_edge"
	KindRemoveEdge     Kind = "remove_edge"
	KindUpdateConfig   Kind = "update_config"
	KindAddVariable    Kind = "add_variable"
	KindUpdateVariable Kind = "update_variable"
	KindRemoveVariable Kind = "remove_variable"
)

// Payload is the closed union of per-kind operation data. Every variant
// carries exactly what its inverse needs; removal variants carry a full
// snapshot so the inverse can reconstruct the entity without consulting live
// state at undo time.
type Payload interface {
	// EntityRefs lists every entity id the payload touches.
	EntityRefs() []string
	isPayload()
}

// BlockPayload is the payload for AddBlock, RemoveBlock and DuplicateBlock.
// Block is the full snapshot; AttachedEdges are the edges that were connected
// to the block when it was removed (or that accompany a duplicate).
type BlockPayload struct {
	Block         document.Block  `json:"block"`
	AttachedEdges []document.Edge `json:"attachedEdges,omitempty"`
}

func (p BlockPayload) EntityRefs() []string {
	refs := []string{p.Block.ID}
	for _, e := range p.AttachedEdges {
		refs = append(refs, e.ID, e.Source, e.Target)
	}
	return refs
}
func (BlockPayload) isPayload() {}

// MovePayload is the payload for MoveBlock.
type MovePayload struct {
	BlockID string            `json:"blockId"`
	Before  document.Position `json:"before"`
	After   document.Position `json:"after"`
}

func (p MovePayload) EntityRefs() []string { return []string{p.BlockID} }
func (MovePayload) isPayload()             {}

// ParentPayload is the payload for UpdateParent. Reparenting detaches and
// reattaches edges as a side effect; both sets ride in the same payload so a
// single ledger entry restores parent, position and edges together.
type ParentPayload struct {
	BlockID         string            `json:"blockId"`
	BeforeParentID  string            `json:"beforeParentId"`
	AfterParentID   string            `json:"afterParentId"`
	BeforePosition  document.Position `json:"beforePosition"`
	AfterPosition   document.Position `json:"afterPosition"`
	DetachedEdges   []document.Edge   `json:"detachedEdges,omitempty"`
	ReattachedEdges []document.Edge   `json:"reattachedEdges,omitempty"`
}

func (p ParentPayload) EntityRefs() []string {
	refs := []string{p.BlockID}
	for _, e := range p.DetachedEdges {
		refs = append(refs, e.ID, e.Source, e.Target)
	}
	for _, e := range p.ReattachedEdges {
		refs = append(refs, e.ID, e.Source, e.Target)
	}
	return refs
}
func (ParentPayload) isPayload() {}

// EdgePayload is the payload for AddEdge and RemoveEdge. The full edge is the
// snapshot; re-adding after an undo needs nothing else.
type EdgePayload struct {
	Edge document.Edge `json:"edge"`
}

func (p EdgePayload) EntityRefs() []string {
	return []string{p.Edge.ID, p.Edge.Source, p.Edge.Target}
}
func (EdgePayload) isPayload() {}

// ConfigPayload is the payload for UpdateConfig (subflow configuration and
// similar block-level config maps).
type ConfigPayload struct {
	BlockID string         `json:"blockId"`
	Before  map[string]any `json:"before,omitempty"`
	After   map[string]any `json:"after,omitempty"`
}

func (p ConfigPayload) EntityRefs() []string { return []string{p.BlockID} }
func (ConfigPayload) isPayload()             {}

// VariablePayload is the payload for AddVariable and RemoveVariable.
type VariablePayload struct {
	Variable document.Variable `json:"variable"`
}

func (p VariablePayload) EntityRefs() []string { return []string{p.Variable.ID} }
func (VariablePayload) isPayload()             {}

// VariableUpdatePayload is the payload for UpdateVariable.
type VariableUpdatePayload struct {
	Before document.Variable `json:"before"`
	After  document.Variable `json:"after"`
}

func (p VariableUpdatePayload) EntityRefs() []string { return []string{p.After.ID} }
func (VariableUpdatePayload) isPayload()             {}

// Operation is a single forward mutation intent. Timestamp is the sender's
// wall clock in milliseconds; it drives the ordering filter, not causality.
type Operation struct {
	ID         string
	Kind       Kind
	Timestamp  int64
	DocumentID string
	ActorID    string
	Payload    Payload
}

// Invert derives the structural opposite of the operation. It is pure: the
// result depends only on the operation itself, never on live document state.
// The inverse keeps the sender's identity and timestamp; its id is derived
// from the forward id so the pairing stays visible in the ledger. Replays
// re-stamp the id and timestamp before anything reaches the wire.
func (op Operation) Invert() (Operation, error) {
	inv := op
	inv.ID = op.ID + ".inverse"
	switch p := op.Payload.(type) {
	case BlockPayload:
		switch op.Kind {
		case KindAddBlock, KindDuplicateBlock:
			inv.Kind = KindRemoveBlock
		case KindRemoveBlock:
			inv.Kind = KindAddBlock
		default:
			return Operation{}, fmt.Errorf("oplog: block payload on %q", op.Kind)
		}
	case MovePayload:
		if op.Kind != KindMoveBlock {
			return Operation{}, fmt.Errorf("oplog: move payload on %q", op.Kind)
		}
		inv.Payload = MovePayload{BlockID: p.BlockID, Before: p.After, After: p.Before}
	case ParentPayload:
		if op.Kind != KindUpdateParent {
			return Operation{}, fmt.Errorf("oplog: parent payload on %q", op.Kind)
		}
		inv.Payload = ParentPayload{
			BlockID:         p.BlockID,
			BeforeParentID:  p.AfterParentID,
			AfterParentID:   p.BeforeParentID,
			BeforePosition:  p.AfterPosition,
			AfterPosition:   p.BeforePosition,
			DetachedEdges:   p.ReattachedEdges,
			ReattachedEdges: p.DetachedEdges,
		}
	case EdgePayload:
		switch op.Kind {
		case KindAddEdge:
			inv.Kind = KindRemoveEdge
		case KindRemoveEdge:
			inv.Kind = KindAddEdge
		default:
			return Operation{}, fmt.Errorf("oplog: edge payload on %q", op.Kind)
		}
	case ConfigPayload:
		if op.Kind != KindUpdateConfig {
			return Operation{}, fmt.Errorf("oplog: config payload on %q", op.Kind)
		}
		inv.Payload = ConfigPayload{BlockID: p.BlockID, Before: p.After, After: p.Before}
	case VariablePayload:
		switch op.Kind {
		case KindAddVariable:
			inv.Kind = KindRemoveVariable
		case KindRemoveVariable:
			inv.Kind = KindAddVariable
		default:
			return Operation{}, fmt.Errorf("oplog: variable payload on %q", op.Kind)
		}
	case VariableUpdatePayload:
		if op.Kind != KindUpdateVariable {
			return Operation{}, fmt.Errorf("oplog: variable update payload on %q", op.Kind)
		}
		inv.Payload = VariableUpdatePayload{Before: p.After, After: p.Before}
	case nil:
		return Operation{}, fmt.Errorf("oplog: operation %s has no payload", op.ID)
	default:
		return Operation{}, fmt.Errorf("oplog: unknown payload %T", op.Payload)
	}
	return inv, nil
}

// EntityRefs lists every entity id the operation touches, delegating to its
// payload. Nil payloads reference nothing.
func (op Operation) EntityRefs() []string {
	if op.Payload == nil {
		return nil
	}
	return op.Payload.EntityRefs()
}

// createdEntities lists ids the operation brings into existence, from its own
// snapshot. Used by the ledger's prune to decide whether an entry can still
// reconstruct a missing referent.
func (op Operation) createdEntities() []string {
	switch p := op.Payload.(type) {
	case BlockPayload:
		if op.Kind == KindAddBlock || op.Kind == KindDuplicateBlock {
			ids := []string{p.Block.ID}
			for _, e := range p.AttachedEdges {
				ids = append(ids, e.ID)
			}
			return ids
		}
	case EdgePayload:
		if op.Kind == KindAddEdge {
			return []string{p.Edge.ID}
		}
	case VariablePayload:
		if op.Kind == KindAddVariable {
			return []string{p.Variable.ID}
		}
	}
	return nil
}

// removedEntities lists ids the operation deletes.
func (op Operation) removedEntities() []string {
	switch p := op.Payload.(type) {
	case BlockPayload:
		if op.Kind == KindRemoveBlock {
			ids := []string{p.Block.ID}
			for _, e := range p.AttachedEdges {
				ids = append(ids, e.ID)
			}
			return ids
		}
	case EdgePayload:
		if op.Kind == KindRemoveEdge {
			return []string{p.Edge.ID}
		}
	case VariablePayload:
		if op.Kind == KindRemoveVariable {
			return []string{p.Variable.ID}
		}
	}
	return nil
}

// destructive reports whether applying the operation deletes entities, which
// is what forces a ledger prune afterwards.
func (op Operation) destructive() bool {
	switch op.Kind {
	case KindRemoveBlock, KindRemoveEdge, KindRemoveVariable:
		return true
	}
	return false
}

type operationEnvelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Timestamp  int64           `json:"timestamp"`
	DocumentID string          `json:"documentId"`
	ActorID    string          `json:"actorId"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the operation with its payload inline, discriminated by
// kind. The wire format is what the relay server journals and fans out.
func (op Operation) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationEnvelope{
		ID:         op.ID,
		Kind:       op.Kind,
		Timestamp:  op.Timestamp,
		DocumentID: op.DocumentID,
		ActorID:    op.ActorID,
		Payload:    raw,
	})
}

// UnmarshalJSON decodes the envelope and picks the payload variant from the
// kind. Unknown kinds are an error so a newer peer cannot silently feed us
// operations we would misapply.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var env operationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	op.ID = env.ID
	op.Kind = env.Kind
	op.Timestamp = env.Timestamp
	op.DocumentID = env.DocumentID
	op.ActorID = env.ActorID

	decode := func(v Payload) error {
		if len(env.Payload) == 0 {
			return fmt.Errorf("oplog: operation %s missing payload", env.ID)
		}
		return json.Unmarshal(env.Payload, v)
	}
	switch env.Kind {
	case KindAddBlock, KindRemoveBlock, KindDuplicateBlock:
		var p BlockPayload
		if err := decode(&p); err != nil {
			return err
		}
		op.Payload = p
	case KindMoveBlock:
		var p MovePayload
		if err := decode(&p); err != nil {
			return err
		}
		op.Payload = p
	case KindUpdateParent:
		var p ParentPayload
		if err := decode(&p); err != nil {
			return err
		}
		op.Payload = p
	case KindAddEdge, KindRemoveEdge:
		var p EdgePayload
		if err := decode(&p); err != nil {
			return err
		}
		op.Payload = p
	case KindUpdateConfig:
		var p ConfigPayload
		if err := decode(&p); err != nil {
			return err
		}
		op.Payload = p
	case KindAddVariable, KindRemoveVariable:
		var p VariablePayload
		if err := decode(&p); err != nil {
			return err
		}
		op.Payload = p
	case KindUpdateVariable:
		var p VariableUpdatePayload
		if err := decode(&p); err != nil {
			return err
		}
		op.Payload = p
	default:
		return fmt.Errorf("oplog: unknown operation kind %q", env.Kind)
	}
	return nil
}
