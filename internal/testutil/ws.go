// Package testutil provides test client utilities for integration tests.
package testutil

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/chatserver/internal/protocol"
)

// WSClient is a simple WebSocket test client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials ws://addr/ and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, addr string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", addr, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes req as one JSON text frame.
//
// Postcondition: The frame is written or the test fails.
func (c *WSClient) Send(req protocol.Request) {
	c.t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("encoding %+v: %v", req, err)
	}
	c.SendRaw(data)
}

// SendRaw writes data as one text frame without encoding it.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// Next reads and decodes the next response, failing the test on timeout.
func (c *WSClient) Next(timeout time.Duration) protocol.Response {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading response: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.t.Fatalf("decoding %q: %v", data, err)
	}
	return resp
}

// ReadUntil reads responses until one has a message containing substr and
// returns it. Earlier responses are discarded.
//
// Precondition: substr must be non-empty.
// Postcondition: Returns the matching response, or fails on timeout.
func (c *WSClient) ReadUntil(substr string, timeout time.Duration) protocol.Response {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("reading until %q: saw %q", substr, seen)
		}
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("reading until %q: saw %q, error: %v", substr, seen, err)
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.t.Fatalf("decoding %q: %v", data, err)
		}
		if strings.Contains(resp.Message, substr) {
			return resp
		}
		seen = append(seen, resp.Message)
	}
}

// ExpectClosed reads until the server closes the connection, failing the test
// if it stays open past timeout.
func (c *WSClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if isTimeout(err) {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	c.conn.Close()
}
