// Package transport carries operations between clients and the relay
// server. The wire format is JSON frames over a websocket; the relay fans
// frames out through Redis so several relay instances can serve the same
// document.
package transport

import "flowgraph/oplog"

// FrameType discriminates wire frames.
type FrameType string

const (
	// FrameOperation carries a document operation.
	FrameOperation FrameType = "operation"
	// FrameAck confirms a client's operation was accepted and journaled.
	FrameAck FrameType = "ack"
	// FrameReject reports that an operation was refused. Retryable rejects
	// are transient (journal unavailable); non-retryable ones are validation
	// failures.
	FrameReject FrameType = "reject"
	// FrameEntityDeleted announces an out-of-band entity deletion.
	FrameEntityDeleted FrameType = "entity_deleted"
	// FrameDocumentReverted announces that the document was reverted or
	// deleted and client histories are void.
	FrameDocumentReverted FrameType = "document_reverted"
)

// Frame is one wire message.
type Frame struct {
	Type        FrameType        `json:"type"`
	Operation   *oplog.Operation `json:"operation,omitempty"`
	OperationID string           `json:"operationId,omitempty"`
	Retryable   bool             `json:"retryable,omitempty"`
	DocumentID  string           `json:"documentId,omitempty"`
	EntityID    string           `json:"entityId,omitempty"`
	ActorID     string           `json:"actorId,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}
