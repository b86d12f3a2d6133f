package oplog

import (
	"errors"
	"fmt"
	"log/slog"

	"flowgraph/document"
)

// Transport delivers operations between this client and the server. The
// websocket client in flowgraph/transport implements it; tests use the
// in-process loopback.
type Transport interface {
	Emitter
	OnOperation(func(op Operation))
	OnOperationConfirmed(func(operationID string))
	OnOperationFailed(func(operationID string, retryable bool))
	OnRemoteEntityDeleted(func(documentID, entityID string))
	OnDocumentReverted(func(documentID string))
}

// StackSizes is the UI-facing view of one actor's history depth.
type StackSizes struct {
	UndoSize int
	RedoSize int
}

// SessionConfig configures an open document session.
type SessionConfig struct {
	DocumentID string
	ActorID    string
	Store      document.Store
	Transport  Transport
	Queue      QueueConfig
	MaxEntries int
	// OnChange, if set, is invoked after every mutation the session applies
	// (remote, undo, redo). It runs while the relevant guard flag is still
	// raised, so listeners that record edits observe the guard as active.
	OnChange func()
	Logger   *slog.Logger
}

// Session owns the operation log for one active document: ledger, guard,
// ordering filter, outbox, recorder and dispatcher, wired to a store and a
// transport. Create one when a document becomes active and Close it when the
// document is closed or switched.
type Session struct {
	documentID string
	actorID    string
	store      document.Store
	transport  Transport
	ledger     *Ledger
	guard      *Guard
	filter     *OrderingFilter
	queue      *Queue
	recorder   *Recorder
	dispatcher *Dispatcher
	onChange   func()
	logger     *slog.Logger
}

// OpenSession wires the subsystem and registers the transport handlers.
func OpenSession(cfg SessionConfig) (*Session, error) {
	if cfg.DocumentID == "" || cfg.ActorID == "" {
		return nil, fmt.Errorf("oplog: document and actor ids required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("oplog: store required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("oplog: transport required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("document", cfg.DocumentID, "actor", cfg.ActorID)

	s := &Session{
		documentID: cfg.DocumentID,
		actorID:    cfg.ActorID,
		store:      cfg.Store,
		transport:  cfg.Transport,
		ledger:     NewLedger(cfg.MaxEntries, logger),
		guard:      &Guard{},
		filter:     NewOrderingFilter(logger),
		onChange:   cfg.OnChange,
		logger:     logger,
	}
	if cfg.Queue.Logger == nil {
		cfg.Queue.Logger = logger
	}
	s.queue = NewQueue(cfg.Transport, cfg.Queue)
	s.recorder = NewRecorder(cfg.DocumentID, cfg.ActorID, cfg.Store, s.ledger, s.queue, s.guard, logger)
	s.dispatcher = NewDispatcher(cfg.Store, s.ledger, s.guard, s.filter, s.queue, logger)

	cfg.Transport.OnOperation(s.handleRemote)
	cfg.Transport.OnOperationConfirmed(s.queue.Confirm)
	cfg.Transport.OnOperationFailed(s.queue.Fail)
	cfg.Transport.OnRemoteEntityDeleted(func(documentID, entityID string) {
		if documentID != s.documentID {
			return
		}
		release := s.guard.BeginRemote()
		defer release()
		s.dispatcher.HandleEntityDeleted(documentID, entityID)
		s.notify()
	})
	cfg.Transport.OnDocumentReverted(func(documentID string) {
		if documentID != s.documentID {
			return
		}
		s.dispatcher.HandleDocumentReverted(documentID)
		s.notify()
	})
	return s, nil
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Session) handleRemote(op Operation) {
	if op.DocumentID != s.documentID {
		return
	}
	// Echo of our own operation relayed back: the mutation already happened
	// optimistically, recording it again would loop.
	if op.ActorID == s.actorID {
		return
	}
	release := s.guard.BeginRemote()
	defer release()
	if err := s.dispatcher.Apply(op); err != nil {
		s.logger.Warn("remote apply failed", "operation", op.ID, "err", err)
		return
	}
	s.notify()
}

// Recorder exposes the recordX surface for the UI layer.
func (s *Session) Recorder() *Recorder { return s.recorder }

// Undo replays the inverse of the newest history entry and re-emits it so
// other clients converge. A missing referent (the entity was deleted under
// us) downgrades to a logged skip; undo never surfaces an error to the UI
// for that. The guard is released only after the mutation and the change
// notification have both run.
func (s *Session) Undo() {
	entry, ok := s.ledger.Undo(s.documentID, s.actorID)
	if !ok {
		return
	}
	s.replay(entry.Inverse, "undo")
}

// Redo replays the forward operation of the newest redo entry.
func (s *Session) Redo() {
	entry, ok := s.ledger.Redo(s.documentID, s.actorID)
	if !ok {
		return
	}
	s.replay(entry.Operation, "redo")
}

func (s *Session) replay(op Operation, action string) {
	release := s.guard.BeginUndoRedo()
	defer release()

	// The ledger entry keeps its recorded ids, but the wire copy is
	// re-stamped: an emission carrying the old timestamp would look stale to
	// peers' ordering filters, and a reused id would be deduped by the relay
	// journal on the next undo/redo cycle.
	op.ID = s.recorder.newID()
	op.Timestamp = s.recorder.now()

	if err := applyToStore(s.store, op); err != nil {
		if errors.Is(err, document.ErrNotFound) {
			s.logger.Warn("replay target missing, skipped",
				"action", action, "operation", op.ID, "kind", op.Kind)
			s.notify()
			return
		}
		s.logger.Warn("replay failed", "action", action, "operation", op.ID, "err", err)
		return
	}
	// Already applied above; enqueue for emission only.
	if err := s.queue.Enqueue(op, nil); err != nil {
		s.logger.Warn("enqueue replay failed", "action", action, "operation", op.ID, "err", err)
	}
	s.notify()
}

// StackSizes reports the actor's history depth for the UI.
func (s *Session) StackSizes() StackSizes {
	undo, redo := s.ledger.StackSizes(s.documentID, s.actorID)
	return StackSizes{UndoSize: undo, RedoSize: redo}
}

// ClearStacks drops this actor's history.
func (s *Session) ClearStacks() {
	s.ledger.Clear(s.documentID, s.actorID)
}

// PendingOperations returns the outbox depth, for surfacing sync status.
func (s *Session) PendingOperations() int {
	return s.queue.PendingCount()
}

// Close tears the session down: history and ordering state are per-session
// and die with it.
func (s *Session) Close() {
	s.queue.Close()
	s.ledger.ClearDocument(s.documentID)
	s.filter.Reset()
}
