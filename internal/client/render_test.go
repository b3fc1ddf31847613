package client

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/chatserver/internal/protocol"
)

func TestRendererPlain(t *testing.T) {
	cases := []struct {
		name string
		resp protocol.Response
		want string
	}{
		{
			name: "message",
			resp: protocol.Response{Type: protocol.TypeMessage, Channel: "1", Time: "12:00:00", Username: "bob", Message: "hi"},
			want: "[1] [12:00:00] bob: hi\n",
		},
		{
			name: "error",
			resp: protocol.Response{Type: protocol.TypeError, Channel: "unknown", Message: "log in first to set a username"},
			want: "[unknown] error: log in first to set a username\n",
		},
		{
			name: "user list",
			resp: protocol.Response{Type: protocol.TypeUserList, Channel: "1", Time: "12:00:00", Message: "users online in channel 1 (2):", Users: "alice    bob"},
			want: "[1] [12:00:00] users online in channel 1 (2):\n  alice\n  bob\n",
		},
		{
			name: "admin login",
			resp: protocol.Response{Type: protocol.TypeSystem, Channel: "public", Time: "12:00:00", Message: "logged in as administrator", AdminCommands: []string{"list-all (::lists) - list users"}},
			want: "[public] [12:00:00] logged in as administrator\nadministrator commands:\n  list-all (::lists) - list users\n",
		},
		{
			name: "password",
			resp: protocol.Response{Type: protocol.TypeRequirePassword, Channel: "public", Message: "administrator login requires a password"},
			want: "[public] administrator login requires a password\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewRenderer(&buf, false).Response(tc.resp)
			assert.Equal(t, tc.want, buf.String())
		})
	}
}

func TestRendererPrompt(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, false)
	s := NewState("public")

	r.Prompt(s)
	assert.Equal(t, "[public] > ", buf.String())

	buf.Reset()
	s.AwaitingPassword = true
	r.Prompt(s)
	assert.Equal(t, "password: ", buf.String())
}

func TestRendererColorsWrapText(t *testing.T) {
	var buf bytes.Buffer
	NewRenderer(&buf, true).Error("boom")
	assert.Contains(t, buf.String(), "error: boom")
}
