package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"flowgraph/oplog"
)

const sendBuffer = 256

// WSClient is the websocket transport: it dials the relay server for one
// document, pumps frames in both directions and redials with exponential
// backoff when the connection drops. It implements oplog.Transport.
type WSClient struct {
	url    string
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	handlers    handlers
	closed      bool
	closeSignal chan struct{}

	send chan []byte
}

type handlers struct {
	onOperation     func(oplog.Operation)
	onConfirmed     func(string)
	onFailed        func(string, bool)
	onEntityDeleted func(string, string)
	onDocReverted   func(string)
}

// DialWS connects to the relay at addr (host:port) for documentID as
// actorID. The initial dial also retries with backoff, so an agent may start
// before its relay.
func DialWS(addr, documentID, actorID string, logger *slog.Logger) (*WSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/ws/" + documentID,
		RawQuery: url.Values{"actor": {actorID}}.Encode(),
	}
	c := &WSClient{
		url:         u.String(),
		logger:      logger.With("relay", addr, "document", documentID),
		send:        make(chan []byte, sendBuffer),
		closeSignal: make(chan struct{}),
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *WSClient) dial() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(func() error {
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("dial failed, will retry", "err", err)
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}, policy)
}

func (c *WSClient) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *WSClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *WSClient) readPump() {
	for {
		conn := c.current()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("connection lost, reconnecting", "err", err)
			conn.Close()
			if err := c.dial(); err != nil {
				c.logger.Error("reconnect failed, giving up", "err", err)
				return
			}
			continue
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("undecodable frame dropped", "err", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *WSClient) dispatch(f Frame) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	switch f.Type {
	case FrameOperation:
		if f.Operation != nil && h.onOperation != nil {
			h.onOperation(*f.Operation)
		}
	case FrameAck:
		if h.onConfirmed != nil {
			h.onConfirmed(f.OperationID)
		}
	case FrameReject:
		if h.onFailed != nil {
			h.onFailed(f.OperationID, f.Retryable)
		}
	case FrameEntityDeleted:
		if h.onEntityDeleted != nil {
			h.onEntityDeleted(f.DocumentID, f.EntityID)
		}
	case FrameDocumentReverted:
		if h.onDocReverted != nil {
			h.onDocReverted(f.DocumentID)
		}
	default:
		c.logger.Warn("unknown frame type dropped", "type", f.Type)
	}
}

func (c *WSClient) writePump() {
	for {
		select {
		case <-c.closeSignal:
			if conn := c.current(); conn != nil {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				conn.Close()
			}
			return
		case raw := <-c.send:
			conn := c.current()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Warn("write failed", "err", err)
			}
		}
	}
}

// EmitOperation sends an operation frame. A full send buffer counts as a
// transient failure so the queue's retry policy takes over.
func (c *WSClient) EmitOperation(op oplog.Operation) error {
	raw, err := json.Marshal(Frame{Type: FrameOperation, Operation: &op, ActorID: op.ActorID})
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return fmt.Errorf("transport: send buffer full")
	}
}

func (c *WSClient) OnOperation(h func(oplog.Operation)) {
	c.mu.Lock()
	c.handlers.onOperation = h
	c.mu.Unlock()
}

func (c *WSClient) OnOperationConfirmed(h func(string)) {
	c.mu.Lock()
	c.handlers.onConfirmed = h
	c.mu.Unlock()
}

func (c *WSClient) OnOperationFailed(h func(string, bool)) {
	c.mu.Lock()
	c.handlers.onFailed = h
	c.mu.Unlock()
}

func (c *WSClient) OnRemoteEntityDeleted(h func(string, string)) {
	c.mu.Lock()
	c.handlers.onEntityDeleted = h
	c.mu.Unlock()
}

func (c *WSClient) OnDocumentReverted(h func(string)) {
	c.mu.Lock()
	c.handlers.onDocReverted = h
	c.mu.Unlock()
}

// Close shuts the connection down; pending sends are dropped.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeSignal)
	return nil
}
