package chat

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/protocol"
	"github.com/cory-johannsen/chatserver/internal/registry"
)

// State is a session's position in the login state machine.
type State int

// Session states.
const (
	StateUnauthenticated State = iota
	StateAwaitingAdminPassword
	StateActive
	StateClosed
)

// String returns the state name used in logs.
func (st State) String() string {
	switch st {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingAdminPassword:
		return "awaiting_admin_password"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(st))
}

// noChannel is the channel field of replies to a session with no membership.
const noChannel = "unknown"

// Session is the per-connection state machine. It is owned by the goroutine
// running Service.Serve and is never shared.
//
// Channel membership lives in the registry; the session only remembers the
// identity it last claimed and whether it holds the administrator capability.
type Session struct {
	svc    *Service
	conn   Conn
	logger *zap.Logger

	state          State
	username       string
	admin          bool
	loginCompleted bool
	arrived        bool // the last join changed (username, channel)
}

func newSession(svc *Service, conn Conn, logger *zap.Logger) *Session {
	return &Session{svc: svc, conn: conn, logger: logger}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// handle processes one inbound frame.
//
// Postcondition: Returns true when the session has ended and the read loop must stop.
func (s *Session) handle(frame []byte) bool {
	req, err := protocol.Decode(frame)
	switch {
	case errors.Is(err, protocol.ErrMissingField):
		s.replyError(missingFieldError(req.Action, err))
		return false
	case err != nil:
		s.logger.Warn("dropping inbound frame", zap.Error(err), zap.Int("bytes", len(frame)))
		return false
	}

	switch req.Action {
	case protocol.ActionLogin:
		s.login(strings.TrimSpace(req.Username), strings.TrimSpace(req.Channel), strings.TrimSpace(req.PasswordHash))
	case protocol.ActionChoose:
		s.choose(strings.TrimSpace(req.Username), strings.TrimSpace(req.NewChannel))
	case protocol.ActionList:
		s.list(strings.TrimSpace(req.ChannelID))
	case protocol.ActionMessage:
		s.message(req.Message)
	case protocol.ActionAdmin:
		s.moderate(req.Command)
	case protocol.ActionLeave:
		s.close(true)
		return true
	}
	return false
}

func missingFieldError(action protocol.Action, cause error) error {
	switch action {
	case protocol.ActionLogin:
		return userErrorf(ErrBadCommand, "username and channel must not be empty")
	case protocol.ActionChoose:
		return userErrorf(ErrBadCommand, "channel id must not be empty")
	}
	return userErrorf(ErrBadCommand, "%v", cause)
}

// login claims (username, channel), challenging for the administrator password
// when username is the reserved name.
func (s *Session) login(username, channel, passwordHash string) {
	if username == "" || channel == "" {
		s.replyError(userErrorf(ErrBadCommand, "username and channel must not be empty"))
		return
	}
	if !s.svc.reg.Allowed(channel) {
		s.replyError(userErrorf(ErrInvalidChannel, "channel '%s' is not allowed", channel))
		return
	}

	admin := false
	if s.svc.isAdminName(username) {
		if passwordHash == "" {
			if s.state != StateActive {
				s.state = StateAwaitingAdminPassword
			}
			s.reply(protocol.Response{
				Type:    protocol.TypeRequirePassword,
				Message: "administrator login requires a password",
			}, channel)
			return
		}
		if err := s.svc.verifier.Verify(passwordHash); err != nil {
			s.logger.Warn("administrator authentication failed", zap.String("username", username))
			if s.state != StateActive {
				s.state = StateUnauthenticated
			}
			s.replyError(userErrorf(ErrAuthFailed, "wrong password, cannot log in as administrator"))
			return
		}
		admin = true
	}

	if !s.join(username, channel, admin) {
		return
	}
	s.loginCompleted = true

	resp := protocol.Response{
		Type:    protocol.TypeSystem,
		Message: "logged in as " + username,
	}
	if admin {
		resp.AdminCommands = s.svc.commands.Grammar()
		s.logger.Info("administrator logged in", zap.String("username", username), zap.String("channel", channel))
	}
	s.reply(resp, channel)
	s.announceJoin()
}

// choose moves the session to channel, keeping its identity and capability.
func (s *Session) choose(supplied, channel string) {
	username := s.username
	if username == "" {
		username = supplied
	}
	if username == "" {
		s.replyError(userErrorf(ErrBadCommand, "log in first to set a username"))
		return
	}
	if channel == "" {
		s.replyError(userErrorf(ErrBadCommand, "channel id must not be empty"))
		return
	}
	if !s.svc.reg.Allowed(channel) {
		s.replyError(userErrorf(ErrInvalidChannel, "channel '%s' is not allowed", channel))
		return
	}
	if s.username == "" && s.svc.isAdminName(username) {
		s.replyError(userErrorf(ErrPermissionDenied, "the name '%s' is reserved, log in with a password", username))
		return
	}

	if !s.join(username, channel, s.admin) {
		return
	}
	s.reply(protocol.Response{
		Type:    protocol.TypeSystem,
		Message: fmt.Sprintf("switched to channel '%s'", channel),
	}, channel)
	s.announceJoin()
}

// announceJoin broadcasts the arrival notice for the last join, after the
// success reply has been queued.
func (s *Session) announceJoin() {
	m, ok := s.svc.reg.Lookup(s.conn)
	if !ok || !s.arrived {
		return
	}
	s.arrived = false
	s.svc.Broadcast(m.Channel, protocol.Response{
		Type:    protocol.TypeSystem,
		Message: m.Username + " joined the channel",
	})
}

// join atomically replaces this connection's membership and announces the
// departure from the previous channel.
//
// Postcondition: Returns false after replying with the failure.
func (s *Session) join(username, channel string, admin bool) bool {
	prev, had, err := s.svc.reg.Join(registry.Member{
		Peer:     s.conn,
		Username: username,
		Channel:  channel,
		Admin:    admin,
	})
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			err = userErrorf(ErrNameTaken, "username '%s' already exists in channel '%s', choose another", username, channel)
		}
		s.replyError(err)
		return false
	}

	s.username = username
	s.admin = admin
	s.state = StateActive
	unchanged := had && prev.Username == username && prev.Channel == channel
	s.arrived = !unchanged
	if had && !unchanged {
		s.svc.Broadcast(prev.Channel, protocol.Response{
			Type:    protocol.TypeSystem,
			Message: prev.Username + " left the channel",
		})
	}
	s.logger.Info("joined channel",
		zap.String("username", username),
		zap.String("channel", channel),
		zap.Bool("admin", admin),
	)
	return true
}

// message broadcasts text to the session's channel. Messages from sessions
// that have not completed login, or that are no longer registered, are ignored.
func (s *Session) message(text string) {
	if !s.loginCompleted {
		return
	}
	m, ok := s.svc.reg.Lookup(s.conn)
	if !ok {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.svc.Broadcast(m.Channel, protocol.Response{
		Type:     protocol.TypeMessage,
		Username: m.Username,
		Message:  text,
	})
}

// list replies with the members of channel.
func (s *Session) list(channel string) {
	if !s.svc.reg.Allowed(channel) {
		s.replyError(userErrorf(ErrInvalidChannel, "channel '%s' does not exist or is not allowed", channel))
		return
	}
	names := s.svc.reg.Usernames(channel)
	if len(names) == 0 {
		s.reply(protocol.Response{
			Type:    protocol.TypeSystem,
			Message: fmt.Sprintf("no users online in channel %s", channel),
		}, channel)
		return
	}
	s.reply(protocol.Response{
		Type:    protocol.TypeUserList,
		Message: fmt.Sprintf("users online in channel %s (%d):", channel, len(names)),
		Users:   protocol.JoinUsers(names),
	}, channel)
}

// close removes the session from the registry and announces the departure.
// A voluntary close is a leave request; otherwise the transport went away.
// Calling close again, or after the member was removed by moderation, does nothing.
func (s *Session) close(voluntary bool) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	m, ok := s.svc.reg.Leave(s.conn)
	if !ok {
		return
	}
	text := m.Username + " disconnected"
	if voluntary {
		text = m.Username + " left the channel"
	}
	s.svc.Broadcast(m.Channel, protocol.Response{Type: protocol.TypeSystem, Message: text})
	s.logger.Info("left channel",
		zap.String("username", m.Username),
		zap.String("channel", m.Channel),
		zap.Bool("voluntary", voluntary),
	)
}

// currentChannel returns the channel used to stamp replies.
func (s *Session) currentChannel() string {
	if m, ok := s.svc.reg.Lookup(s.conn); ok {
		return m.Channel
	}
	return noChannel
}

func (s *Session) reply(resp protocol.Response, channel string) {
	if err := s.svc.Deliver(s.conn, channel, resp); err != nil {
		s.logger.Debug("reply not delivered", zap.String("type", string(resp.Type)), zap.Error(err))
	}
}

func (s *Session) replyError(err error) {
	s.logger.Debug("request rejected", zap.Error(err), zap.Stringer("state", s.state))
	s.reply(protocol.Response{Type: protocol.TypeError, Message: clientText(err)}, s.currentChannel())
}
