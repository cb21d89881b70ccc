package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"

	"github.com/darkden-lab/postfeed/internal/gql"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 64 * 1024
	// initTimeout bounds the wait for connection_init after the upgrade.
	initTimeout = 10 * time.Second
	// maxOperations caps concurrent operations on one connection.
	maxOperations = 100
)

// Executor runs GraphQL operations for a client. *gql.Executor satisfies it.
type Executor interface {
	Stream(ctx context.Context, req gql.Request) (<-chan *graphql.Result, error)
}

// operation is one running subscribe request.
type operation struct {
	cancel context.CancelFunc
}

// Client represents a single websocket connection. Operations started on it
// live no longer than the connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	exec Executor
	log  *slog.Logger
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	acked bool
	ops   map[string]*operation
}

// NewClient creates a Client bound to ctx; cancelling ctx ends every
// operation on the connection.
func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, exec Executor, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New().String()
	cctx, cancel := context.WithCancel(ctx)
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		exec:   exec,
		log:    log.With(slog.String("component", "ws"), slog.String("client", id)),
		send:   make(chan []byte, 256),
		ctx:    cctx,
		cancel: cancel,
		ops:    make(map[string]*operation),
	}
}

// Operations returns the number of running operations.
func (c *Client) Operations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// ReadPump reads protocol messages until the connection fails or the client
// is closed. It runs in its own goroutine per client.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	initTimer := time.AfterFunc(initTimeout, func() {
		c.mu.Lock()
		acked := c.acked
		c.mu.Unlock()
		if !acked {
			c.closeWith(closeInitTimeout, "Connection initialisation timeout")
		}
	})
	defer initTimer.Stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", slog.Any("error", err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.closeWith(closeInvalidMessage, "Invalid message received")
			return
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one message and reports whether the connection stays
// open.
func (c *Client) handle(msg message) bool {
	switch msg.Type {
	case msgConnectionInit:
		c.mu.Lock()
		if c.acked {
			c.mu.Unlock()
			c.closeWith(closeTooManyInit, "Too many initialisation requests")
			return false
		}
		c.acked = true
		c.mu.Unlock()
		c.enqueue(message{Type: msgConnectionAck})

	case msgPing:
		c.enqueue(message{Type: msgPong, Payload: msg.Payload})

	case msgPong:
		// Reply to a ping we never send; nothing to do.

	case msgSubscribe:
		c.mu.Lock()
		acked := c.acked
		c.mu.Unlock()
		if !acked {
			c.closeWith(closeUnauthorized, "Unauthorized")
			return false
		}
		if msg.ID == "" {
			c.closeWith(closeInvalidMessage, "Invalid message received")
			return false
		}
		var req gql.Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Query == "" {
			c.closeWith(closeInvalidMessage, "Invalid message received")
			return false
		}
		if err := c.start(msg.ID, req); err != nil {
			if errors.Is(err, errDuplicateID) {
				c.closeWith(closeSubscriberExists, "Subscriber for "+msg.ID+" already exists")
				return false
			}
			c.enqueue(message{ID: msg.ID, Type: msgError, Payload: errorsJSON(err)})
		}

	case msgComplete:
		c.stop(msg.ID)

	default:
		c.closeWith(closeInvalidMessage, fmt.Sprintf("Invalid message type %q", msg.Type))
		return false
	}
	return true
}

var (
	errDuplicateID = errors.New("operation id already in use")
	errTooManyOps  = errors.New("too many concurrent operations")
)

// start runs req as operation id. Results are sent as next messages followed
// by complete, unless the client completes the operation first. A first
// result carrying errors and no data means the operation never began, and is
// reported as a single error message instead.
func (c *Client) start(id string, req gql.Request) error {
	ctx, cancel := context.WithCancel(c.ctx)
	op := &operation{cancel: cancel}

	c.mu.Lock()
	if _, ok := c.ops[id]; ok {
		c.mu.Unlock()
		cancel()
		return errDuplicateID
	}
	if len(c.ops) >= maxOperations {
		c.mu.Unlock()
		cancel()
		return errTooManyOps
	}
	c.ops[id] = op
	c.mu.Unlock()

	results, err := c.exec.Stream(ctx, req)
	if err != nil {
		c.finish(id, op)
		return err
	}

	c.log.Debug("operation started", slog.String("id", id), slog.String("operation", req.OperationName))
	go func() {
		defer c.finish(id, op)
		first := true
		for res := range results {
			if first && res.Data == nil && res.HasErrors() {
				payload, err := json.Marshal(res.Errors)
				if err != nil {
					c.log.Error("encode errors", slog.String("id", id), slog.Any("error", err))
					return
				}
				c.enqueueCtx(ctx, message{ID: id, Type: msgError, Payload: payload})
				c.log.Debug("operation rejected", slog.String("id", id))
				return
			}
			first = false

			payload, err := json.Marshal(res)
			if err != nil {
				c.log.Error("encode result", slog.String("id", id), slog.Any("error", err))
				continue
			}
			c.enqueueCtx(ctx, message{ID: id, Type: msgNext, Payload: payload})
		}
		if ctx.Err() == nil {
			c.enqueue(message{ID: id, Type: msgComplete})
		}
	}()
	return nil
}

// stop cancels operation id. Unknown ids are ignored.
func (c *Client) stop(id string) {
	c.mu.Lock()
	op, ok := c.ops[id]
	if ok {
		delete(c.ops, id)
	}
	c.mu.Unlock()
	if ok {
		op.cancel()
		c.log.Debug("operation completed by client", slog.String("id", id))
	}
}

// finish releases op unless the id has been reused since.
func (c *Client) finish(id string, op *operation) {
	op.cancel()
	c.mu.Lock()
	if c.ops[id] == op {
		delete(c.ops, id)
	}
	c.mu.Unlock()
}

// enqueue queues msg for the write pump, giving up once the client is closed.
func (c *Client) enqueue(msg message) {
	c.enqueueCtx(c.ctx, msg)
}

func (c *Client) enqueueCtx(ctx context.Context, msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode message", slog.String("type", msg.Type), slog.Any("error", err))
		return
	}
	select {
	case c.send <- data:
	case <-ctx.Done():
	}
}

// closeWith sends a close frame with the given code and stops the client.
func (c *Client) closeWith(code int, reason string) {
	if c.conn != nil {
		frame := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait)) //nolint:errcheck
	}
	c.log.Debug("closing connection", slog.Int("code", code), slog.String("reason", reason))
	c.cancel()
}

// WritePump writes queued messages and keepalive pings until the client is
// closed. It runs in its own goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
