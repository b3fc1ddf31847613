package chat

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/protocol"
	"github.com/cory-johannsen/chatserver/internal/registry"
)

// moderate parses and runs one administrator command line.
func (s *Session) moderate(line string) {
	if !s.admin {
		s.replyError(ErrPermissionDenied)
		return
	}
	inv, err := s.svc.commands.ParseInvocation(line)
	if err != nil {
		s.replyError(err)
		return
	}
	if inv.Command.Name == CmdDirectMessage && !s.svc.reg.Allowed(inv.Channel) {
		s.replyError(userErrorf(ErrNotFound, "user %s is not in channel %s", inv.User, inv.Channel))
		return
	}
	if inv.Command.Name != CmdListAll && !s.svc.reg.Allowed(inv.Channel) {
		s.replyError(userErrorf(ErrInvalidChannel, "channel '%s' does not exist", inv.Channel))
		return
	}

	s.logger.Info("moderation command",
		zap.String("command", inv.Command.Name),
		zap.String("target_channel", inv.Channel),
		zap.String("target_user", inv.User),
	)

	switch inv.Command.Name {
	case CmdListAll:
		s.listAll()
	case CmdDirectMessage:
		s.directMessage(inv)
	case CmdKickUser:
		s.kickUser(inv)
	case CmdKickAll:
		s.kickAll(inv)
	case CmdDisconnectUser:
		s.disconnectUser(inv)
	case CmdDisconnectChannel:
		s.disconnectChannel(inv)
	}
}

func (s *Session) confirm(format string, args ...any) {
	s.reply(protocol.Response{Type: protocol.TypeSystem, Message: fmt.Sprintf(format, args...)}, s.currentChannel())
}

func (s *Session) listAll() {
	members := s.svc.reg.All()
	if len(members) == 0 {
		s.confirm("no users online")
		return
	}
	keys := lo.Map(members, func(m registry.Member, _ int) string { return m.Key() })
	s.reply(protocol.Response{
		Type:    protocol.TypeUserList,
		Message: fmt.Sprintf("users online across all channels (%d):", len(keys)),
		Users:   protocol.JoinUsers(keys),
	}, s.currentChannel())
}

func (s *Session) directMessage(inv Invocation) {
	target, ok := s.svc.reg.Find(inv.Channel, inv.User)
	if !ok {
		s.replyError(userErrorf(ErrNotFound, "user %s is not in channel %s", inv.User, inv.Channel))
		return
	}
	err := s.svc.Deliver(target.Peer, inv.Channel, protocol.Response{
		Type:     protocol.TypeMessage,
		Username: "administrator " + s.username,
		Message:  "[private] " + inv.Text,
	})
	if err != nil {
		s.replyError(userErrorf(ErrTransportClosed, "user %s is no longer connected", inv.User))
		return
	}
	s.confirm("private message sent to user %s in channel %s", inv.User, inv.Channel)
}

func (s *Session) kickUser(inv Invocation) {
	res, err := s.svc.reg.Kick(inv.Channel, inv.User, s.conn)
	if err != nil {
		s.replyError(s.targetError(err, inv))
		return
	}
	s.notifyKicked(res, "you were kicked from the channel: "+inv.Text)
	s.svc.Broadcast(inv.Channel, protocol.Response{
		Type:    protocol.TypeSystem,
		Message: fmt.Sprintf("user %s was kicked from the channel by an administrator: %s", inv.User, inv.Text),
	})
	s.announceReassigned(res)
	s.confirm("kicked user %s from channel %s", inv.User, inv.Channel)
}

func (s *Session) kickAll(inv Invocation) {
	results, err := s.svc.reg.KickAll(inv.Channel, s.conn)
	if err != nil {
		s.replyError(s.targetError(err, inv))
		return
	}
	if len(results) == 0 {
		s.confirm("only you are in channel '%s', nothing to clear", inv.Channel)
		return
	}
	for _, res := range results {
		s.notifyKicked(res, "this channel was cleared: "+inv.Text)
	}
	s.svc.Broadcast(inv.Channel, protocol.Response{
		Type:    protocol.TypeSystem,
		Message: "the channel was cleared by an administrator: " + inv.Text,
	})
	for _, res := range results {
		s.announceReassigned(res)
	}
	s.confirm("cleared %d users from channel '%s'", len(results), inv.Channel)
}

func (s *Session) disconnectUser(inv Invocation) {
	m, err := s.svc.reg.Disconnect(inv.Channel, inv.User, s.conn)
	if err != nil {
		s.replyError(s.targetError(err, inv))
		return
	}
	s.hangUp(m, "your connection was closed by an administrator: "+inv.Text)
	s.svc.Broadcast(inv.Channel, protocol.Response{
		Type:    protocol.TypeSystem,
		Message: fmt.Sprintf("user %s was disconnected by an administrator: %s", inv.User, inv.Text),
	})
	s.confirm("disconnected user %s", inv.User)
}

func (s *Session) disconnectChannel(inv Invocation) {
	removed, err := s.svc.reg.DisconnectAll(inv.Channel, s.conn)
	if err != nil {
		s.replyError(s.targetError(err, inv))
		return
	}
	if len(removed) == 0 {
		s.confirm("only you are in channel '%s', nothing to close", inv.Channel)
		return
	}
	for _, m := range removed {
		s.hangUp(m, "this channel was closed: "+inv.Text)
	}
	s.svc.Broadcast(inv.Channel, protocol.Response{
		Type:    protocol.TypeSystem,
		Message: "the channel was closed by an administrator: " + inv.Text,
	})
	s.confirm("closed channel '%s', disconnected %d users", inv.Channel, len(removed))
}

// notifyKicked tells a kicked member what happened. Members that could not be
// moved to the fallback channel are told to log in again.
func (s *Session) notifyKicked(res registry.KickResult, text string) {
	if !res.Reassigned {
		text += " (log in again to rejoin)"
	}
	_ = s.svc.Deliver(res.Member.Peer, res.Member.Channel, protocol.Response{
		Type:    protocol.TypeSystem,
		Message: text,
	})
}

func (s *Session) announceReassigned(res registry.KickResult) {
	if !res.Reassigned {
		return
	}
	s.svc.Broadcast(s.svc.reg.Fallback(), protocol.Response{
		Type:    protocol.TypeSystem,
		Message: res.Member.Username + " joined the channel",
	})
}

// hangUp notifies a removed member and closes its transport. The transport
// flushes the notice before the close frame.
func (s *Session) hangUp(m registry.Member, text string) {
	_ = s.svc.Deliver(m.Peer, m.Channel, protocol.Response{Type: protocol.TypeSystem, Message: text})
	if err := m.Peer.Close(); err != nil {
		s.logger.Debug("closing disconnected member", zap.String("conn_id", m.Peer.ID()), zap.Error(err))
	}
}

func (s *Session) targetError(err error, inv Invocation) error {
	switch {
	case errors.Is(err, registry.ErrSelfTarget):
		return userErrorf(ErrPermissionDenied, "you cannot target your own session with %s", inv.Command.Name)
	case errors.Is(err, ErrNotFound) && inv.User != "":
		return userErrorf(ErrNotFound, "user '%s' is not in channel '%s'", inv.User, inv.Channel)
	case errors.Is(err, ErrNotFound):
		return userErrorf(ErrNotFound, "channel '%s' has no users", inv.Channel)
	}
	return err
}
