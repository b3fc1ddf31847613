package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// Config holds client settings.
type Config struct {
	// Addr is the server "host:port".
	Addr string
	// Channel is joined by the first login.
	Channel string
	// Colors enables ANSI colour output.
	Colors bool
}

// Client connects one terminal to a chat server.
type Client struct {
	cfg    Config
	logger *zap.Logger
	render *Renderer

	mu    sync.Mutex
	state *State
}

// New creates a Client rendering to out.
//
// Precondition: cfg.Addr and cfg.Channel must be non-empty; logger must be non-nil.
func New(cfg Config, out io.Writer, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		render: NewRenderer(out, cfg.Colors),
		state:  NewState(cfg.Channel),
	}
}

// Run dials the server and relays lines from in until the user quits, in is
// exhausted, the server closes the connection, or ctx is cancelled.
//
// Postcondition: The connection is closed when Run returns.
func (c *Client) Run(ctx context.Context, in io.Reader) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, "ws://"+c.cfg.Addr+"/", nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()
	c.logger.Debug("connected", zap.String("addr", c.cfg.Addr))

	c.mu.Lock()
	c.render.Help()
	c.render.Prompt(c.state)
	c.mu.Unlock()

	received := make(chan struct{})
	go c.receive(conn, received)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-received:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.hangUp(conn, received)
			return ctx.Err()
		case <-received:
			c.mu.Lock()
			c.render.Notice("connection closed by server")
			c.mu.Unlock()
			return nil
		case line, ok := <-lines:
			if !ok {
				line = "quit"
			}
			quit, err := c.input(conn, line)
			if err != nil {
				return err
			}
			if quit {
				c.hangUp(conn, received)
				return nil
			}
		}
	}
}

// input translates and sends one line.
func (c *Client) input(conn *websocket.Conn, line string) (bool, error) {
	c.mu.Lock()
	out := c.state.Input(line)
	for _, n := range out.Notices {
		c.render.Notice(n)
	}
	for _, e := range out.Errors {
		c.render.Error(e)
	}
	if !out.Quit {
		c.render.Prompt(c.state)
	}
	c.mu.Unlock()

	for _, req := range out.Requests {
		data, err := json.Marshal(req)
		if err != nil {
			return false, fmt.Errorf("encoding %s request: %w", req.Action, err)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false, fmt.Errorf("sending %s request: %w", req.Action, err)
		}
	}
	return out.Quit, nil
}

// receive renders envelopes until the connection fails, then closes done.
func (c *Client) receive(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read ended", zap.Error(err))
			}
			return
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("invalid envelope from server", zap.ByteString("frame", data), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.state.Observe(resp)
		c.render.Response(resp)
		c.render.Prompt(c.state)
		c.mu.Unlock()
	}
}

// hangUp sends a close frame and waits briefly for the server to finish.
func (c *Client) hangUp(conn *websocket.Conn, received <-chan struct{}) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	select {
	case <-received:
	case <-time.After(closeTimeout):
	}
}

// Snapshot returns a copy of the client's session view.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}
