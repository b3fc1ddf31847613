package chat

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/protocol"
	"github.com/cory-johannsen/chatserver/internal/registry"
)

// Broadcast stamps resp with channel and the current time and sends it to
// every member of channel. Members whose transport refuses the frame are
// evicted from the registry. Delivery is best-effort and never retried.
//
// Postcondition: Returns the number of members the frame was queued for.
func (s *Service) Broadcast(channel string, resp protocol.Response) int {
	frame, err := protocol.Encode(protocol.Stamp(resp, channel, s.now()))
	if err != nil {
		s.logger.Error("encoding broadcast", zap.String("channel", channel), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, m := range s.reg.Members(channel) {
		if err := m.Peer.Send(frame); err != nil {
			s.evict(m.Peer, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Deliver stamps resp and sends it to a single peer, evicting the peer if its
// transport refuses the frame.
//
// Postcondition: Returns nil if the frame was queued.
func (s *Service) Deliver(peer registry.Peer, channel string, resp protocol.Response) error {
	frame, err := protocol.Encode(protocol.Stamp(resp, channel, s.now()))
	if err != nil {
		s.logger.Error("encoding reply", zap.String("conn_id", peer.ID()), zap.Error(err))
		return err
	}
	if err := peer.Send(frame); err != nil {
		s.evict(peer, err)
		return err
	}
	return nil
}

// evict removes a peer whose transport is gone from both registry indexes.
func (s *Service) evict(peer registry.Peer, cause error) {
	m, ok := s.reg.Leave(peer)
	if !ok {
		return
	}
	s.logger.Info("evicted unreachable member",
		zap.String("conn_id", peer.ID()),
		zap.String("username", m.Username),
		zap.String("channel", m.Channel),
		zap.Error(cause),
	)
}
