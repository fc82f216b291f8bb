package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bmagent/agent/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	pingPeriod       = 10 * time.Second
	pongWait         = 3 * pingPeriod
	maxMessageSize   = 32 * 1024 * 1024
	sendQueueSize    = 256
)

var (
	// ErrNotConnected is returned by Send when no connection is live.
	ErrNotConnected = errors.New("websocket: not connected")
	// ErrSendTimeout is returned by Send when the write queue stays full.
	ErrSendTimeout = errors.New("websocket: send queue full")
)

// StateEvent reports a connection coming up or going down. Every connection
// attempt produces at most one Connected event followed by exactly one
// disconnected event.
type StateEvent struct {
	Connected bool
	ConnID    string
	Err       error
}

// MessageHandler receives inbound text frames in arrival order on the
// connection's read goroutine.
type MessageHandler func(data []byte)

// StateHandler receives connection state transitions.
type StateHandler func(StateEvent)

// Client manages one persistent connection at a time. It never reconnects on
// its own; the owner decides when to call Connect again.
type Client struct {
	onMessage MessageHandler
	onState   StateHandler
	dialer    *websocket.Dialer

	mu     sync.Mutex
	active *conn
}

// conn is one connection attempt: dialling, live, or being torn down.
type conn struct {
	id        string
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	ready     atomic.Bool

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// New creates a client. Either handler may be nil.
func New(onMessage MessageHandler, onState StateHandler) *Client {
	if onMessage == nil {
		onMessage = func([]byte) {}
	}
	if onState == nil {
		onState = func(StateEvent) {}
	}
	return &Client{
		onMessage: onMessage,
		onState:   onState,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Connect starts a connection attempt to target in the background and
// returns its id, which tags the attempt's state events. While another
// attempt is dialling or live it does nothing and returns that attempt's id.
func (c *Client) Connect(target string) string {
	c.mu.Lock()
	if c.active != nil {
		id := c.active.id
		c.mu.Unlock()
		log.Debug("connect ignored, connection already active", logging.KeyConnID, id)
		return id
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	cn := &conn{
		id:     id,
		log:    log.With(logging.KeyConnID, id),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.active = cn
	c.mu.Unlock()

	go c.run(cn, target)
	return id
}

// IsConnected reports whether a connection is live.
func (c *Client) IsConnected() bool {
	cn := c.current()
	return cn != nil && cn.ready.Load()
}

// Send JSON-encodes v and queues it as one text frame. Safe for concurrent use.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	cn := c.current()
	if cn == nil || !cn.ready.Load() {
		return ErrNotConnected
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case cn.send <- data:
		return nil
	case <-cn.done:
		return ErrNotConnected
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Disconnect closes the active connection, or aborts the dial in progress.
// The client is free for a new Connect as soon as it returns; the old
// attempt's disconnected event still arrives through the state handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cn := c.active
	c.active = nil
	c.mu.Unlock()
	if cn == nil {
		return
	}
	cn.cancel()

	cn.wsMu.Lock()
	ws := cn.ws
	cn.wsMu.Unlock()
	if ws != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
	}
	cn.close()
}

func (c *Client) current() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) run(cn *conn, target string) {
	ws, _, err := c.dialer.DialContext(cn.ctx, target, nil)
	if err != nil {
		cn.log.Warn("connection failed", logging.KeyError, err)
		c.finish(cn, fmt.Errorf("dial: %w", err))
		return
	}

	cn.wsMu.Lock()
	cn.ws = ws
	cn.wsMu.Unlock()

	// Disconnect may have raced the dial.
	if cn.ctx.Err() != nil {
		ws.Close()
		c.finish(cn, cn.ctx.Err())
		return
	}

	ws.SetReadLimit(maxMessageSize)
	cn.ready.Store(true)
	cn.log.Info("connected")
	c.onState(StateEvent{Connected: true, ConnID: cn.id})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		cn.writePump()
	}()

	err = c.readPump(cn)
	cn.close()
	<-pumpDone
	c.finish(cn, err)
}

func (c *Client) finish(cn *conn, err error) {
	cn.ready.Store(false)
	cn.cancel()

	c.mu.Lock()
	if c.active == cn {
		c.active = nil
	}
	c.mu.Unlock()

	cn.log.Info("disconnected", logging.KeyError, err)
	c.onState(StateEvent{Connected: false, ConnID: cn.id, Err: err})
}

func (c *Client) readPump(cn *conn) error {
	ws := cn.ws

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cn.log.Warn("read error", logging.KeyError, err)
			}
			return err
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			cn.log.Debug("ignoring non-text frame", "frameType", msgType)
			continue
		}
		c.onMessage(message)
	}
}

func (cn *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ws := cn.ws
	for {
		select {
		case <-cn.done:
			return

		case message := <-cn.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				cn.log.Warn("write error", logging.KeyError, err)
				cn.close()
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.log.Warn("ping failed", logging.KeyError, err)
				cn.close()
				return
			}
		}
	}
}

func (cn *conn) close() {
	cn.closeOnce.Do(func() {
		cn.ready.Store(false)
		close(cn.done)
		cn.wsMu.Lock()
		if cn.ws != nil {
			cn.ws.Close()
		}
		cn.wsMu.Unlock()
	})
}
