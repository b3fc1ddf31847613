package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatserver/internal/auth"
	"github.com/cory-johannsen/chatserver/internal/protocol"
	"github.com/cory-johannsen/chatserver/internal/registry"
)

const (
	adminName     = "administrator"
	adminPassword = "s3cret"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakeConn is an in-memory Conn that records every frame sent to it.
type fakeConn struct {
	id      string
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu          sync.Mutex
	frames      []protocol.Response
	closed      bool
	panicOnSend bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:" + c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("conn %s: %w", c.id, registry.ErrPeerClosed)
	}
	if c.panicOnSend {
		c.panicOnSend = false
		panic("send exploded")
	}
	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return err
	}
	c.frames = append(c.frames, resp)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.done:
		return nil, registry.ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// take returns and clears the recorded frames.
func (c *fakeConn) take() []protocol.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

func (c *fakeConn) snapshot() []protocol.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Response(nil), c.frames...)
}

func messages(frames []protocol.Response) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Message)
	}
	return out
}

type harness struct {
	t   *testing.T
	svc *Service
	reg *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := registry.New([]string{"public", "1", "2", "3"}, "public")
	require.NoError(t, err)
	svc := NewService(reg, auth.NewVerifier(auth.Digest(adminPassword)), adminName, zaptest.NewLogger(t),
		WithClock(func() time.Time { return fixedNow }))
	return &harness{t: t, svc: svc, reg: reg}
}

type client struct {
	t    *testing.T
	conn *fakeConn
	sess *Session
}

func (h *harness) connect(id string) *client {
	conn := newFakeConn(id)
	return &client{t: h.t, conn: conn, sess: newSession(h.svc, conn, zaptest.NewLogger(h.t))}
}

// send encodes req as a frame and runs it through the session.
func (c *client) send(req protocol.Request) bool {
	c.t.Helper()
	b, err := json.Marshal(req)
	require.NoError(c.t, err)
	return c.sess.handle(b)
}

func (c *client) login(username, channel string) {
	c.t.Helper()
	c.send(protocol.Request{Action: protocol.ActionLogin, Username: username, Channel: channel})
}

func (c *client) loginAdmin(channel string) {
	c.t.Helper()
	c.send(protocol.Request{
		Action:       protocol.ActionLogin,
		Username:     adminName,
		Channel:      channel,
		PasswordHash: auth.Digest(adminPassword),
	})
}

func (c *client) say(text string) {
	c.t.Helper()
	c.send(protocol.Request{Action: protocol.ActionMessage, Message: text})
}

func (c *client) admin(line string) {
	c.t.Helper()
	c.send(protocol.Request{Action: protocol.ActionAdmin, Command: line})
}

func (c *client) take() []protocol.Response {
	return c.conn.take()
}
