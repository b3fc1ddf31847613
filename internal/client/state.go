// Package client implements the interactive terminal chat client: it turns
// typed lines into request envelopes and renders server envelopes.
package client

import (
	"strings"

	"github.com/google/uuid"

	"github.com/cory-johannsen/chatserver/internal/auth"
	"github.com/cory-johannsen/chatserver/internal/chat"
	"github.com/cory-johannsen/chatserver/internal/protocol"
)

const (
	guestNameLength = 5
	guestAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GuestName returns a random five character alphanumeric username.
func GuestName() string {
	id := uuid.New()
	b := make([]byte, guestNameLength)
	for i := range b {
		b[i] = guestAlphabet[int(id[i])%len(guestAlphabet)]
	}
	return string(b)
}

// Outcome is what one typed line produces.
type Outcome struct {
	// Requests are sent to the server in order.
	Requests []protocol.Request
	// Notices are shown locally as system text.
	Notices []string
	// Errors are shown locally as error text; nothing was sent for them.
	Errors []string
	// Quit ends the client after Requests are sent.
	Quit bool
}

func (o *Outcome) send(req protocol.Request) { o.Requests = append(o.Requests, req) }
func (o *Outcome) notice(s string) { o.Notices = append(o.Notices, s) }
func (o *Outcome) fail(s string) { o.Errors = append(o.Errors, s) }

// State tracks what the client believes about its session. It is not safe for
// concurrent use.
type State struct {
	// Username is the name last sent in a login, or empty.
	Username string
	// Channel is the current channel, used as the login target and prompt.
	Channel string
	// Joined is true once the server has confirmed a login or switch.
	Joined bool
	// Admin is true once the server has granted the administrator capability.
	Admin bool
	// AwaitingPassword is true after a require_password envelope.
	AwaitingPassword bool

	loginSent bool
	commands  *chat.CommandRegistry
	newName   func() string
}

// NewState creates a State targeting channel.
//
// Postcondition: Username is empty and Joined is false.
func NewState(channel string) *State {
	return &State{
		Channel:  channel,
		commands: chat.DefaultCommandRegistry(),
		newName:  GuestName,
	}
}

// Input translates one typed line.
func (s *State) Input(line string) Outcome {
	var out Outcome
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)

	if lower == "exit" || lower == "quit" {
		out.send(protocol.Request{Action: protocol.ActionLeave})
		out.Quit = true
		return out
	}

	if s.AwaitingPassword {
		if trimmed == "" {
			return out
		}
		s.AwaitingPassword = false
		s.loginSent = true
		out.send(protocol.Request{
			Action:       protocol.ActionLogin,
			Username:     s.Username,
			Channel:      s.Channel,
			PasswordHash: auth.Digest(trimmed),
		})
		return out
	}

	parsed := chat.Parse(trimmed)
	word, rest := parsed.Command, parsed.RawArgs
	switch word {
	case "::login":
		s.login(rest, &out)
		return out
	case "::choose":
		s.choose(rest, &out)
		return out
	case "::list":
		if rest == "" {
			out.fail("usage: ::list <channel>")
			return out
		}
		out.send(protocol.Request{Action: protocol.ActionList, ChannelID: parsed.Args[0]})
		return out
	}

	if _, ok := s.commands.Resolve(word); ok {
		switch {
		case s.Admin:
			out.send(protocol.Request{Action: protocol.ActionAdmin, Command: trimmed})
			return out
		case strings.HasPrefix(word, "::"):
			out.fail("you do not have permission to run this command")
			return out
		}
	}

	if trimmed == "" {
		return out
	}
	if s.Username == "" {
		s.Username = s.newName()
		out.notice("no username set, assigned " + s.Username)
	}
	if !s.Joined && !s.loginSent {
		out.notice("no channel chosen, joining " + s.Channel)
		s.loginSent = true
		out.send(protocol.Request{Action: protocol.ActionLogin, Username: s.Username, Channel: s.Channel})
	}
	out.send(protocol.Request{Action: protocol.ActionMessage, Message: trimmed})
	return out
}

func (s *State) login(name string, out *Outcome) {
	if name == "" {
		out.fail("usage: ::login <username>")
		return
	}
	if name == s.Username && s.Joined {
		return
	}
	s.Username = name
	s.loginSent = true
	out.notice("logging in as " + name)
	out.send(protocol.Request{Action: protocol.ActionLogin, Username: name, Channel: s.Channel})
}

func (s *State) choose(channel string, out *Outcome) {
	if channel == "" {
		out.fail("usage: ::choose <channel>")
		return
	}
	if channel == s.Channel && s.Joined {
		return
	}
	if s.Username == "" {
		s.Username = s.newName()
		out.notice("no username set, assigned " + s.Username)
	}
	out.send(protocol.Request{
		Action:     protocol.ActionChoose,
		Username:   s.Username,
		OldChannel: s.Channel,
		NewChannel: channel,
	})
}

// Observe updates the state from one server envelope.
func (s *State) Observe(resp protocol.Response) {
	switch resp.Type {
	case protocol.TypeRequirePassword:
		s.AwaitingPassword = true
	case protocol.TypeError:
		if !s.Joined {
			s.loginSent = false
		}
	case protocol.TypeSystem:
		s.observeSystem(resp)
	}
}

func (s *State) observeSystem(resp protocol.Response) {
	msg := resp.Message
	switch {
	case strings.HasPrefix(msg, "logged in as "):
		s.Username = strings.TrimPrefix(msg, "logged in as ")
		s.Channel = resp.Channel
		s.Joined = true
		s.Admin = len(resp.AdminCommands) > 0
	case strings.HasPrefix(msg, "switched to channel "):
		s.Channel = resp.Channel
		s.Joined = true
	case s.Username != "" && msg == s.Username+" joined the channel":
		s.Channel = resp.Channel
		s.Joined = true
	case strings.HasPrefix(msg, "you were kicked from the channel") && strings.HasSuffix(msg, "(log in again to rejoin)"):
		s.Joined = false
		s.loginSent = false
	}
}
