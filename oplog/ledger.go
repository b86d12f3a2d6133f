package oplog

import (
	"log/slog"
	"sync"

	"flowgraph/document"
)

// Entry pairs a forward operation with its inverse. Undo replays Inverse,
// redo replays Operation.
type Entry struct {
	ID        string
	Operation Operation
	Inverse   Operation
}

// DefaultMaxEntries bounds each undo/redo stack; the oldest entries are
// evicted first.
const DefaultMaxEntries = 100

type ledgerKey struct {
	documentID string
	actorID    string
}

type stackPair struct {
	undo []Entry
	redo []Entry
}

// Ledger keeps one undo/redo stack pair per (document, actor). Actors never
// share a pair, so concurrent collaborators do not contend on each other's
// history.
type Ledger struct {
	mu         sync.Mutex
	maxEntries int
	stacks     map[ledgerKey]*stackPair
	logger     *slog.Logger
}

// NewLedger creates a ledger. maxEntries <= 0 selects DefaultMaxEntries;
// logger may be nil.
func NewLedger(maxEntries int, logger *slog.Logger) *Ledger {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		maxEntries: maxEntries,
		stacks:     make(map[ledgerKey]*stackPair),
		logger:     logger,
	}
}

func (l *Ledger) pair(documentID, actorID string) *stackPair {
	key := ledgerKey{documentID, actorID}
	p, ok := l.stacks[key]
	if !ok {
		p = &stackPair{}
		l.stacks[key] = p
	}
	return p
}

// Push appends an entry to the actor's undo stack and clears the redo stack:
// a fresh edit invalidates any redo branch. Evicts the oldest entry beyond
// capacity.
func (l *Ledger) Push(documentID, actorID string, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pair(documentID, actorID)
	p.undo = append(p.undo, e)
	if len(p.undo) > l.maxEntries {
		p.undo = p.undo[len(p.undo)-l.maxEntries:]
	}
	p.redo = nil
}

// Undo pops the newest undo entry and moves it to the redo stack. The second
// return is false when there is nothing to undo.
func (l *Ledger) Undo(documentID, actorID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pair(documentID, actorID)
	if len(p.undo) == 0 {
		return Entry{}, false
	}
	e := p.undo[len(p.undo)-1]
	p.undo = p.undo[:len(p.undo)-1]
	p.redo = append(p.redo, e)
	return e, true
}

// Redo pops the newest redo entry back onto the undo stack; the caller
// replays the entry's forward Operation.
func (l *Ledger) Redo(documentID, actorID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pair(documentID, actorID)
	if len(p.redo) == 0 {
		return Entry{}, false
	}
	e := p.redo[len(p.redo)-1]
	p.redo = p.redo[:len(p.redo)-1]
	p.undo = append(p.undo, e)
	return e, true
}

// StackSizes returns the undo and redo depths for an actor; the UI uses
// these to disable the buttons.
func (l *Ledger) StackSizes(documentID, actorID string) (undoSize, redoSize int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pair(documentID, actorID)
	return len(p.undo), len(p.redo)
}

// Clear drops both stacks for one actor.
func (l *Ledger) Clear(documentID, actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.stacks, ledgerKey{documentID, actorID})
}

// ClearDocument drops every actor's stacks for the document, used on
// document revert/delete control events.
func (l *Ledger) ClearDocument(documentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.stacks {
		if key.documentID == documentID {
			delete(l.stacks, key)
		}
	}
}

// PruneInvalidEntries removes entries from one actor's stacks that can no
// longer be replayed because an entity they reference is gone from the
// graph. An entry survives a missing referent only if it can reconstruct it
// from its own snapshot:
//
//   - removal entries always survive (the inverse carries the full snapshot,
//     and replaying the removal against an absent entity is a no-op);
//   - creation entries survive only when the same stack pair also holds a
//     removal entry for that entity, so replay order can never resurrect an
//     entity a third party deleted (the policy chosen for the ambiguous
//     create-then-remote-delete case);
//   - everything else referencing the missing entity is dropped.
//
// Returns the number of entries removed.
func (l *Ledger) PruneInvalidEntries(documentID, actorID string, g document.Graph) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prunePair(l.pair(documentID, actorID), g)
}

// PruneDocument prunes every actor's stacks on the document. Destructive
// operations invalidate history for all collaborators, not just the actor
// that performed them.
func (l *Ledger) PruneDocument(documentID string, g document.Graph) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, p := range l.stacks {
		if key.documentID == documentID {
			removed += l.prunePair(p, g)
		}
	}
	return removed
}

func (l *Ledger) prunePair(p *stackPair, g document.Graph) int {
	removedInPair := make(map[string]bool)
	for _, stack := range [][]Entry{p.undo, p.redo} {
		for _, e := range stack {
			for _, id := range e.Operation.removedEntities() {
				removedInPair[id] = true
			}
		}
	}

	valid := func(e Entry) bool {
		removes := make(map[string]bool)
		creates := make(map[string]bool)
		for _, id := range e.Operation.removedEntities() {
			removes[id] = true
		}
		for _, id := range e.Operation.createdEntities() {
			creates[id] = true
		}
		for _, refs := range [][]string{e.Operation.EntityRefs(), e.Inverse.EntityRefs()} {
			for _, id := range refs {
				if id == "" || g.Has(id) {
					continue
				}
				switch {
				case removes[id]:
					// Snapshot-carrying removal, replayable either way.
				case creates[id]:
					if !removedInPair[id] {
						return false
					}
				default:
					return false
				}
			}
		}
		return true
	}

	removed := 0
	filter := func(stack []Entry) []Entry {
		kept := stack[:0]
		for _, e := range stack {
			if valid(e) {
				kept = append(kept, e)
			} else {
				removed++
				l.logger.Debug("pruned unreplayable entry", "entry", e.ID, "kind", e.Operation.Kind)
			}
		}
		return kept
	}
	p.undo = filter(p.undo)
	p.redo = filter(p.redo)
	return removed
}
