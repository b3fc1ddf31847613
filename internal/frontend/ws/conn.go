package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/registry"
)

// Conn wraps a WebSocket with a buffered outbound queue drained by a single
// write pump, so Send never blocks the caller.
type Conn struct {
	ws           *websocket.Conn
	id           string
	remoteAddr   string
	writeTimeout time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}
}

// NewConn wraps ws and starts its write pump.
//
// Precondition: ws must be an upgraded connection; sendBuffer must be >= 1.
// Postcondition: Returns a Conn with a unique ID. The caller must eventually call Close.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration, sendBuffer int, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:           ws,
		id:           uuid.NewString(),
		remoteAddr:   ws.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		logger:       logger,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
	}
	go c.writePump()
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Send queues one text frame.
//
// Postcondition: Returns nil if queued. Returns an error wrapping
// registry.ErrPeerClosed if the connection is closed, or if the queue is full,
// in which case the connection is closed.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("conn %s: %w", c.id, registry.ErrPeerClosed)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closeLocked()
		c.logger.Warn("send buffer full, closing connection", zap.String("conn_id", c.id), zap.Int("buffer", cap(c.send)))
		return fmt.Errorf("conn %s: send buffer full: %w", c.id, registry.ErrPeerClosed)
	}
}

// Close stops accepting frames. The write pump flushes what is already queued,
// sends a close frame, and then closes the socket. Close is idempotent and does
// not wait for the flush; use Wait for that.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Wait blocks until the write pump has flushed and the socket is closed.
func (c *Conn) Wait() {
	<-c.done
}

// Done is closed once the socket is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Receive reads the next text frame, skipping any other frame types.
//
// Postcondition: Returns a frame, ctx.Err() if ctx is done, or an error
// wrapping registry.ErrPeerClosed once the peer or server has closed the socket.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !isExpectedCloseError(err) {
				c.logger.Debug("websocket read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return nil, fmt.Errorf("conn %s: %w: %v", c.id, registry.ErrPeerClosed, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *Conn) writePump() {
	defer close(c.done)
	defer func() {
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("closing websocket", zap.String("conn_id", c.id), zap.Error(err))
		}
	}()

	for frame := range c.send {
		if err := c.write(websocket.TextMessage, frame); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Debug("websocket write error", zap.String("conn_id", c.id), zap.Error(err))
			}
			_ = c.Close()
			for range c.send {
			}
			return
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.write(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("writing close frame", zap.String("conn_id", c.id), zap.Error(err))
	}
}

func (c *Conn) write(msgType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(msgType, data)
}

// isExpectedCloseError reports whether err is a normal consequence of either
// side closing the connection.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
