// Package websocket adapts gorilla/websocket connections to domain.Conn.
//
// Each Conn owns two goroutines: a write pump that serializes outbound frames
// and pings, and a read pump that feeds inbound messages to Receive.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/chanrelay/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	pollInterval      = 50 * time.Millisecond
	messageBufferSize = 16
	inboundBufferSize = 16
)

// Conn is a domain.Conn over one websocket.
type Conn struct {
	id         string
	connection *websocket.Conn
	clock      clockwork.Clock

	sendChannel chan []byte
	inbound     chan []byte
	doneChannel chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	writerDone  chan struct{}
	readerDone  chan struct{}
}

var _ domain.Conn = (*Conn)(nil)

// NewUpgrader returns an upgrader that accepts origins approved by checkOrigin.
func NewUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// Accept upgrades the request and starts the connection's pumps. readLimit
// caps inbound frame size; zero means unlimited.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, clock clockwork.Clock, readLimit int64) (*Conn, error) {
	connection, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(connection, clock, readLimit), nil
}

// NewConn takes ownership of connection and starts its pumps.
func NewConn(connection *websocket.Conn, clock clockwork.Clock, readLimit int64) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		inbound:     make(chan []byte, inboundBufferSize),
		doneChannel: make(chan struct{}),
		writerDone:  make(chan struct{}),
		readerDone:  make(chan struct{}),
	}
	if readLimit > 0 {
		connection.SetReadLimit(readLimit)
	}
	c.configurePongHandler()

	go c.writePump()
	go c.readPump()
	return c
}

func (c *Conn) ID() string { return c.id }

// Send queues payload for the write pump. A full queue means the client is
// not keeping up and is reported as ErrSlowConsumer.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return domain.ErrConnClosed
	}
	select {
	case <-c.doneChannel:
		return domain.ErrConnClosed
	case c.sendChannel <- payload:
		return nil
	default:
		return domain.ErrSlowConsumer
	}
}

// Receive waits up to pollInterval for an inbound message. It returns
// nil, nil when nothing arrived.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}

	timer := c.clock.NewTimer(pollInterval)
	defer timer.Stop()

	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.doneChannel:
		return nil, domain.ErrConnClosed
	case <-timer.Chan():
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// Close tears the connection down without a close frame and waits for both pumps.
func (c *Conn) Close() error {
	c.terminate()
	<-c.writerDone
	<-c.readerDone
	return nil
}

// CloseGraceful sends a normal-closure frame carrying reason before closing.
func (c *Conn) CloseGraceful(reason string) {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		close(c.doneChannel)

		// The write pump must exit before the close frame is written.
		<-c.writerDone

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.connection.Close()
	})
	<-c.readerDone
}

func (c *Conn) terminate() {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		close(c.doneChannel)
		_ = c.connection.Close()
	})
}

func (c *Conn) writePump() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(c.writerDone)

	for {
		select {
		case msg := <-c.sendChannel:
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("WebSocket write failed", "conn_id", c.id, "error", err)
				c.terminate()
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("WebSocket ping failed", "conn_id", c.id, "error", err)
				c.terminate()
				return
			}
		case <-c.doneChannel:
			return
		}
	}
}

func (c *Conn) readPump() {
	defer close(c.readerDone)
	defer c.terminate()

	for {
		_, data, err := c.connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket closed unexpectedly", "conn_id", c.id, "error", err)
			}
			return
		}
		c.updateReadDeadline()

		select {
		case c.inbound <- data:
		case <-c.doneChannel:
			return
		}
	}
}

func (c *Conn) configurePongHandler() {
	c.updateReadDeadline()
	c.connection.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

func (c *Conn) updateWriteDeadline() {
	_ = c.connection.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *Conn) updateReadDeadline() {
	_ = c.connection.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}
