package oplog

import (
	"errors"
	"fmt"

	"flowgraph/document"
)

// applyToStore replays an operation's forward semantics against the store.
// Both remote application and undo/redo replay funnel through here, so the
// edge cases (re-removing an already absent entity, re-adding an existing
// one) behave identically on every path. A missing referent surfaces as
// document.ErrNotFound for the caller to downgrade to a skip.
func applyToStore(store document.Store, op Operation) error {
	switch p := op.Payload.(type) {
	case BlockPayload:
		switch op.Kind {
		case KindAddBlock, KindDuplicateBlock:
			if err := store.AddBlock(p.Block); err != nil {
				return err
			}
			for _, e := range p.AttachedEdges {
				if err := store.AddEdge(e); err != nil {
					return fmt.Errorf("restore edge %q: %w", e.ID, err)
				}
			}
			return nil
		case KindRemoveBlock:
			// The store drops touching edges with the block; removing the
			// snapshot edges first keeps the path valid for stores that do
			// not cascade.
			for _, e := range p.AttachedEdges {
				if err := store.RemoveEdge(e.ID); err != nil && !errors.Is(err, document.ErrNotFound) {
					return err
				}
			}
			return store.RemoveBlock(p.Block.ID)
		}
	case MovePayload:
		return store.SetPosition(p.BlockID, p.After)
	case ParentPayload:
		if err := store.SetParent(p.BlockID, p.AfterParentID); err != nil {
			return err
		}
		if err := store.SetPosition(p.BlockID, p.AfterPosition); err != nil {
			return err
		}
		for _, e := range p.DetachedEdges {
			if err := store.RemoveEdge(e.ID); err != nil && !errors.Is(err, document.ErrNotFound) {
				return err
			}
		}
		for _, e := range p.ReattachedEdges {
			if err := store.AddEdge(e); err != nil {
				return err
			}
		}
		return nil
	case EdgePayload:
		switch op.Kind {
		case KindAddEdge:
			return store.AddEdge(p.Edge)
		case KindRemoveEdge:
			return store.RemoveEdge(p.Edge.ID)
		}
	case ConfigPayload:
		return store.SetConfig(p.BlockID, p.After)
	case VariablePayload:
		switch op.Kind {
		case KindAddVariable:
			return store.AddVariable(p.Variable)
		case KindRemoveVariable:
			return store.RemoveVariable(p.Variable.ID)
		}
	case VariableUpdatePayload:
		return store.UpdateVariable(p.After)
	}
	return fmt.Errorf("oplog: cannot apply kind %q with payload %T", op.Kind, op.Payload)
}
