// Package registry tracks channel membership for connected peers.
//
// A Registry holds two indexes behind one mutex: channel -> username -> peer
// (membership) and peer ID -> member (the connection directory). Every exported
// method mutates both indexes inside a single critical section, so the two are
// always exact inverses of each other as observed by any caller.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var (
	// ErrInvalidChannel is returned for channel IDs outside the allow-list.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrNameTaken is returned when a username already occupies a channel under another peer.
	ErrNameTaken = errors.New("name taken")
	// ErrNotFound is returned when a target user or channel has no matching member.
	ErrNotFound = errors.New("not found")
	// ErrSelfTarget is returned when a moderator targets their own session.
	ErrSelfTarget = errors.New("cannot target own session")
	// ErrPeerClosed is returned by Peer.Send once the transport is gone.
	ErrPeerClosed = errors.New("transport closed")
)

// Peer is one live transport stream.
type Peer interface {
	// ID uniquely identifies the peer for the lifetime of the process.
	ID() string
	// Send enqueues one text frame without blocking.
	// It returns an error wrapping ErrPeerClosed once the transport is gone.
	Send(frame []byte) error
	// Close drains queued frames, then closes the transport. Idempotent.
	Close() error
}

// Member is a registered session: the identity and channel bound to one peer.
type Member struct {
	Peer     Peer
	Username string
	Channel  string
	Admin    bool
}

// Key returns the "username@channel" form used in listings.
func (m Member) Key() string {
	return m.Username + "@" + m.Channel
}

// KickResult describes what happened to one kicked member.
type KickResult struct {
	// Member is the membership as it was before the kick.
	Member Member
	// Reassigned is true when the member was re-joined to the fallback channel,
	// false when they were logged out of the registry entirely.
	Reassigned bool
}

// Registry is the channel registry plus connection directory.
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	order     []string                   // allow-list in configured order
	channels  map[string]map[string]Peer // channel → username → peer
	directory map[string]*Member         // peer ID → member
	fallback  string
}

// New creates an empty Registry for the given allow-list.
//
// Precondition: allowed must be non-empty and contain fallback.
// Postcondition: Returns a Registry or an error when the precondition fails.
func New(allowed []string, fallback string) (*Registry, error) {
	if len(allowed) == 0 {
		return nil, errors.New("registry requires at least one channel")
	}
	r := &Registry{
		order:     append([]string(nil), allowed...),
		channels:  make(map[string]map[string]Peer, len(allowed)),
		directory: make(map[string]*Member),
		fallback:  fallback,
	}
	for _, id := range allowed {
		r.channels[id] = make(map[string]Peer)
	}
	if _, ok := r.channels[fallback]; !ok {
		return nil, fmt.Errorf("fallback channel %q is not allowed", fallback)
	}
	return r, nil
}

// Allowed reports whether channel is in the allow-list.
func (r *Registry) Allowed(channel string) bool {
	_, ok := r.channels[channel]
	return ok
}

// Channels returns the allow-list in configured order.
func (r *Registry) Channels() []string {
	return append([]string(nil), r.order...)
}

// Fallback returns the channel kicked users are re-joined to.
func (r *Registry) Fallback() string {
	return r.fallback
}

// Join registers m.Peer as m.Username in m.Channel, first removing any
// membership the peer already holds.
//
// Postcondition: On success both indexes contain exactly the new membership for
// the peer and (prev, true) is returned when an earlier membership was replaced.
// Returns ErrInvalidChannel or ErrNameTaken without mutating anything.
func (r *Registry) Join(m Member) (Member, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[m.Channel]
	if !ok {
		return Member{}, false, fmt.Errorf("%w: %q", ErrInvalidChannel, m.Channel)
	}
	if holder, taken := members[m.Username]; taken && holder.ID() != m.Peer.ID() {
		return Member{}, false, fmt.Errorf("%w: %q in channel %q", ErrNameTaken, m.Username, m.Channel)
	}

	var prev Member
	existing, had := r.directory[m.Peer.ID()]
	if had {
		prev = *existing
		r.removeLocked(prev)
	}
	r.insertLocked(m)
	return prev, had, nil
}

// Leave removes the peer's membership, if any.
//
// Postcondition: Returns (member, true) if a membership was removed, or
// (Member{}, false) when the peer was not registered. Calling Leave twice is safe.
func (r *Registry) Leave(peer Peer) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.directory[peer.ID()]
	if !ok {
		return Member{}, false
	}
	m := *existing
	r.removeLocked(m)
	return m, true
}

// Lookup returns the peer's current membership.
func (r *Registry) Lookup(peer Peer) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.directory[peer.ID()]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Find returns the member registered as username in channel.
func (r *Registry) Find(channel, username string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.channels[channel][username]
	if !ok {
		return Member{}, false
	}
	return *r.directory[peer.ID()], true
}

// Members returns a snapshot of the channel's members sorted by username.
//
// Postcondition: Returns nil for an unknown or empty channel.
func (r *Registry) Members(channel string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(channel)
}

// Usernames returns the sorted member names of channel.
func (r *Registry) Usernames(channel string) []string {
	return lo.Map(r.Members(channel), func(m Member, _ int) string { return m.Username })
}

// All returns every member across all channels, ordered by the allow-list and
// then by username.
func (r *Registry) All() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []Member
	for _, id := range r.order {
		all = append(all, r.membersLocked(id)...)
	}
	return all
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.directory)
}

// Kick removes username from channel and re-joins them to the fallback channel.
// When channel is the fallback itself, or the name is already taken there, the
// member is logged out of the registry instead.
//
// Precondition: by is the moderator's peer.
// Postcondition: Returns the outcome, ErrNotFound, or ErrSelfTarget. Both indexes
// agree on the result before the lock is released.
func (r *Registry) Kick(channel, username string, by Peer) (KickResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.targetLocked(channel, username, by)
	if err != nil {
		return KickResult{}, err
	}
	return r.kickLocked(m), nil
}

// KickAll applies Kick to every member of channel except by.
//
// Postcondition: Returns the per-member outcomes in username order (may be empty),
// or ErrInvalidChannel / ErrNotFound when the channel is unknown or empty.
func (r *Registry) KickAll(channel string, by Peer) ([]KickResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets, err := r.othersLocked(channel, by)
	if err != nil {
		return nil, err
	}
	results := make([]KickResult, 0, len(targets))
	for _, m := range targets {
		results = append(results, r.kickLocked(m))
	}
	return results, nil
}

// Disconnect removes username from channel and from the directory. The caller
// is responsible for notifying and closing the returned member's peer.
//
// Postcondition: Returns the removed member, ErrNotFound, or ErrSelfTarget.
func (r *Registry) Disconnect(channel, username string, by Peer) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.targetLocked(channel, username, by)
	if err != nil {
		return Member{}, err
	}
	r.removeLocked(m)
	return m, nil
}

// DisconnectAll applies Disconnect to every member of channel except by.
//
// Postcondition: Returns the removed members in username order (may be empty),
// or ErrInvalidChannel / ErrNotFound when the channel is unknown or empty.
func (r *Registry) DisconnectAll(channel string, by Peer) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets, err := r.othersLocked(channel, by)
	if err != nil {
		return nil, err
	}
	for _, m := range targets {
		r.removeLocked(m)
	}
	return targets, nil
}

// CheckInvariants verifies that the two indexes are exact inverses and that no
// username occupies a channel twice.
//
// Postcondition: Returns nil when consistent, or an error describing the first violation.
func (r *Registry) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := 0
	for channel, members := range r.channels {
		for username, peer := range members {
			entries++
			m, ok := r.directory[peer.ID()]
			if !ok {
				return fmt.Errorf("member %s@%s has no directory entry", username, channel)
			}
			if m.Username != username || m.Channel != channel {
				return fmt.Errorf("directory has %s for member %s@%s", m.Key(), username, channel)
			}
		}
	}
	if entries != len(r.directory) {
		return fmt.Errorf("channel index has %d entries, directory has %d", entries, len(r.directory))
	}
	return nil
}

func (r *Registry) insertLocked(m Member) {
	r.channels[m.Channel][m.Username] = m.Peer
	stored := m
	r.directory[m.Peer.ID()] = &stored
}

func (r *Registry) removeLocked(m Member) {
	if members, ok := r.channels[m.Channel]; ok {
		if holder, ok := members[m.Username]; ok && holder.ID() == m.Peer.ID() {
			delete(members, m.Username)
		}
	}
	delete(r.directory, m.Peer.ID())
}

func (r *Registry) kickLocked(m Member) KickResult {
	r.removeLocked(m)
	if m.Channel == r.fallback {
		return KickResult{Member: m}
	}
	if _, taken := r.channels[r.fallback][m.Username]; taken {
		return KickResult{Member: m}
	}
	moved := m
	moved.Channel = r.fallback
	r.insertLocked(moved)
	return KickResult{Member: m, Reassigned: true}
}

func (r *Registry) targetLocked(channel, username string, by Peer) (Member, error) {
	members, ok := r.channels[channel]
	if !ok {
		return Member{}, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	peer, ok := members[username]
	if !ok {
		return Member{}, fmt.Errorf("%w: user %q is not in channel %q", ErrNotFound, username, channel)
	}
	if by != nil && peer.ID() == by.ID() {
		return Member{}, ErrSelfTarget
	}
	return *r.directory[peer.ID()], nil
}

func (r *Registry) othersLocked(channel string, by Peer) ([]Member, error) {
	if _, ok := r.channels[channel]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	members := r.membersLocked(channel)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: channel %q has no users", ErrNotFound, channel)
	}
	return lo.Filter(members, func(m Member, _ int) bool {
		return by == nil || m.Peer.ID() != by.ID()
	}), nil
}

func (r *Registry) membersLocked(channel string) []Member {
	members, ok := r.channels[channel]
	if !ok || len(members) == 0 {
		return nil
	}
	out := make([]Member, 0, len(members))
	for _, peer := range members {
		out = append(out, *r.directory[peer.ID()])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
