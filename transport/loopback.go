package transport

import (
	"sync"

	"flowgraph/oplog"
)

// Loopback is an in-process relay: every operation emitted by one client is
// acked back to it and delivered synchronously to all the others. It stands
// in for the websocket relay in tests and the offline demo.
type Loopback struct {
	mu      sync.Mutex
	clients []*LoopbackClient
}

// NewLoopback creates an empty in-process relay.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Client registers and returns a transport endpoint for an actor.
func (l *Loopback) Client(actorID string) *LoopbackClient {
	c := &LoopbackClient{hub: l, actorID: actorID}
	l.mu.Lock()
	l.clients = append(l.clients, c)
	l.mu.Unlock()
	return c
}

func (l *Loopback) snapshot() []*LoopbackClient {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*LoopbackClient(nil), l.clients...)
}

func (l *Loopback) relay(from *LoopbackClient, op oplog.Operation) {
	for _, c := range l.snapshot() {
		if c == from {
			c.confirm(op.ID)
			continue
		}
		c.deliver(op)
	}
}

// DeleteEntity broadcasts an entity-deleted control event to every client.
func (l *Loopback) DeleteEntity(documentID, entityID string) {
	for _, c := range l.snapshot() {
		c.entityDeleted(documentID, entityID)
	}
}

// RevertDocument broadcasts a document-reverted control event.
func (l *Loopback) RevertDocument(documentID string) {
	for _, c := range l.snapshot() {
		c.documentReverted(documentID)
	}
}

// LoopbackClient is one endpoint on the in-process relay. It implements
// oplog.Transport.
type LoopbackClient struct {
	hub     *Loopback
	actorID string

	mu       sync.Mutex
	handlers handlers
}

func (c *LoopbackClient) EmitOperation(op oplog.Operation) error {
	c.hub.relay(c, op)
	return nil
}

func (c *LoopbackClient) snapshotHandlers() handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *LoopbackClient) deliver(op oplog.Operation) {
	if h := c.snapshotHandlers().onOperation; h != nil {
		h(op)
	}
}

func (c *LoopbackClient) confirm(operationID string) {
	if h := c.snapshotHandlers().onConfirmed; h != nil {
		h(operationID)
	}
}

func (c *LoopbackClient) entityDeleted(documentID, entityID string) {
	if h := c.snapshotHandlers().onEntityDeleted; h != nil {
		h(documentID, entityID)
	}
}

func (c *LoopbackClient) documentReverted(documentID string) {
	if h := c.snapshotHandlers().onDocReverted; h != nil {
		h(documentID)
	}
}

func (c *LoopbackClient) OnOperation(h func(oplog.Operation)) {
	c.mu.Lock()
	c.handlers.onOperation = h
	c.mu.Unlock()
}

func (c *LoopbackClient) OnOperationConfirmed(h func(string)) {
	c.mu.Lock()
	c.handlers.onConfirmed = h
	c.mu.Unlock()
}

func (c *LoopbackClient) OnOperationFailed(h func(string, bool)) {
	c.mu.Lock()
	c.handlers.onFailed = h
	c.mu.Unlock()
}

func (c *LoopbackClient) OnRemoteEntityDeleted(h func(string, string)) {
	c.mu.Lock()
	c.handlers.onEntityDeleted = h
	c.mu.Unlock()
}

func (c *LoopbackClient) OnDocumentReverted(h func(string)) {
	c.mu.Lock()
	c.handlers.onDocReverted = h
	c.mu.Unlock()
}
