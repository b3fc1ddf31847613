package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stubPeer struct{ id string }

func (p *stubPeer) ID() string         { return p.id }
func (p *stubPeer) Send(_ []byte) error { return nil }
func (p *stubPeer) Close() error        { return nil }

func peer(id string) *stubPeer { return &stubPeer{id: id} }

func member(p Peer, user, ch string) Member {
	return Member{Peer: p, Username: user, Channel: ch}
}

func newRegistry(t testing.TB) *Registry {
	t.Helper()
	r, err := New([]string{"public", "1", "2", "3"}, "public")
	require.NoError(t, err)
	return r
}

func TestNewRejectsBadAllowList(t *testing.T) {
	_, err := New(nil, "public")
	assert.Error(t, err)

	_, err = New([]string{"1", "2"}, "public")
	assert.Error(t, err)
}

func TestJoinAndLookup(t *testing.T) {
	r := newRegistry(t)
	alice := peer("a")

	_, had, err := r.Join(member(alice, "alice", "1"))
	require.NoError(t, err)
	assert.False(t, had)

	m, ok := r.Lookup(alice)
	require.True(t, ok)
	assert.Equal(t, "alice", m.Username)
	assert.Equal(t, "1", m.Channel)
	assert.Equal(t, "alice@1", m.Key())
	assert.Equal(t, []string{"alice"}, r.Usernames("1"))
	require.NoError(t, r.CheckInvariants())
}

func TestJoinInvalidChannel(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.Join(member(peer("a"), "alice", "9"))
	assert.ErrorIs(t, err, ErrInvalidChannel)
	assert.Equal(t, 0, r.Count())
}

func TestJoinNameTakenLeavesStateUntouched(t *testing.T) {
	r := newRegistry(t)
	alice, bob := peer("a"), peer("b")
	_, _, err := r.Join(member(alice, "alice", "1"))
	require.NoError(t, err)
	_, _, err = r.Join(member(bob, "bob", "2"))
	require.NoError(t, err)

	_, _, err = r.Join(member(bob, "alice", "1"))
	assert.ErrorIs(t, err, ErrNameTaken)

	m, ok := r.Lookup(bob)
	require.True(t, ok)
	assert.Equal(t, "bob@2", m.Key(), "failed join keeps the previous membership")
	require.NoError(t, r.CheckInvariants())
}

func TestSameNameAllowedInDifferentChannels(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.Join(member(peer("a"), "alice", "1"))
	require.NoError(t, err)
	_, _, err = r.Join(member(peer("b"), "alice", "2"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())
}

func TestJoinMovesPeerBetweenChannels(t *testing.T) {
	r := newRegistry(t)
	alice := peer("a")
	_, _, err := r.Join(member(alice, "alice", "1"))
	require.NoError(t, err)

	prev, had, err := r.Join(member(alice, "alice", "2"))
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, "alice@1", prev.Key())
	assert.Empty(t, r.Members("1"))
	assert.Equal(t, []string{"alice"}, r.Usernames("2"))
	require.NoError(t, r.CheckInvariants())
}

func TestRejoinSameChannelSameName(t *testing.T) {
	r := newRegistry(t)
	alice := peer("a")
	_, _, err := r.Join(member(alice, "alice", "1"))
	require.NoError(t, err)

	prev, had, err := r.Join(member(alice, "alice", "1"))
	require.NoError(t, err, "a peer never collides with itself")
	assert.True(t, had)
	assert.Equal(t, "alice@1", prev.Key())
	assert.Equal(t, 1, r.Count())
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := newRegistry(t)
	alice := peer("a")
	_, _, err := r.Join(member(alice, "alice", "1"))
	require.NoError(t, err)

	m, ok := r.Leave(alice)
	assert.True(t, ok)
	assert.Equal(t, "alice@1", m.Key())

	_, ok = r.Leave(alice)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
	require.NoError(t, r.CheckInvariants())
}

func TestFind(t *testing.T) {
	r := newRegistry(t)
	alice := peer("a")
	_, _, err := r.Join(Member{Peer: alice, Username: "alice", Channel: "1", Admin: true})
	require.NoError(t, err)

	m, ok := r.Find("1", "alice")
	require.True(t, ok)
	assert.True(t, m.Admin)
	assert.Equal(t, alice, m.Peer)

	_, ok = r.Find("2", "alice")
	assert.False(t, ok)
	_, ok = r.Find("nope", "alice")
	assert.False(t, ok)
}

func TestAllOrderedByChannelThenName(t *testing.T) {
	r := newRegistry(t)
	joins := []Member{
		member(peer("1"), "zed", "2"),
		member(peer("2"), "amy", "2"),
		member(peer("3"), "bob", "public"),
		member(peer("4"), "cat", "1"),
	}
	for _, m := range joins {
		_, _, err := r.Join(m)
		require.NoError(t, err)
	}

	keys := make([]string, 0, 4)
	for _, m := range r.All() {
		keys = append(keys, m.Key())
	}
	assert.Equal(t, []string{"bob@public", "cat@1", "amy@2", "zed@2"}, keys)
}

func TestKickReassignsToFallback(t *testing.T) {
	r := newRegistry(t)
	admin, bob := peer("adm"), peer("b")
	_, _, err := r.Join(Member{Peer: admin, Username: "administrator", Channel: "1", Admin: true})
	require.NoError(t, err)
	_, _, err = r.Join(member(bob, "bob", "1"))
	require.NoError(t, err)

	res, err := r.Kick("1", "bob", admin)
	require.NoError(t, err)
	assert.True(t, res.Reassigned)
	assert.Equal(t, "bob@1", res.Member.Key())

	m, ok := r.Lookup(bob)
	require.True(t, ok)
	assert.Equal(t, "bob@public", m.Key())
	assert.Equal(t, []string{"administrator"}, r.Usernames("1"))
	require.NoError(t, r.CheckInvariants())
}

func TestKickFromFallbackLogsOut(t *testing.T) {
	r := newRegistry(t)
	admin, bob := peer("adm"), peer("b")
	_, _, err := r.Join(member(admin, "administrator", "public"))
	require.NoError(t, err)
	_, _, err = r.Join(member(bob, "bob", "public"))
	require.NoError(t, err)

	res, err := r.Kick("public", "bob", admin)
	require.NoError(t, err)
	assert.False(t, res.Reassigned)
	_, ok := r.Lookup(bob)
	assert.False(t, ok)
	require.NoError(t, r.CheckInvariants())
}

func TestKickNameTakenInFallbackLogsOut(t *testing.T) {
	r := newRegistry(t)
	admin := peer("adm")
	_, _, err := r.Join(member(admin, "administrator", "1"))
	require.NoError(t, err)
	_, _, err = r.Join(member(peer("b1"), "bob", "public"))
	require.NoError(t, err)
	bob2 := peer("b2")
	_, _, err = r.Join(member(bob2, "bob", "1"))
	require.NoError(t, err)

	res, err := r.Kick("1", "bob", admin)
	require.NoError(t, err)
	assert.False(t, res.Reassigned)
	_, ok := r.Lookup(bob2)
	assert.False(t, ok)
	assert.Equal(t, []string{"bob"}, r.Usernames("public"))
	require.NoError(t, r.CheckInvariants())
}

func TestKickErrors(t *testing.T) {
	r := newRegistry(t)
	admin := peer("adm")
	_, _, err := r.Join(member(admin, "administrator", "1"))
	require.NoError(t, err)

	_, err = r.Kick("1", "ghost", admin)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Kick("1", "administrator", admin)
	assert.ErrorIs(t, err, ErrSelfTarget)

	_, err = r.Kick("9", "bob", admin)
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestKickAllExcludesIssuer(t *testing.T) {
	r := newRegistry(t)
	admin := peer("adm")
	_, _, err := r.Join(member(admin, "administrator", "2"))
	require.NoError(t, err)
	for i, name := range []string{"amy", "bob", "cat"} {
		_, _, err := r.Join(member(peer(fmt.Sprint(i)), name, "2"))
		require.NoError(t, err)
	}

	results, err := r.KickAll("2", admin)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Reassigned)
	}
	assert.Equal(t, []string{"administrator"}, r.Usernames("2"))
	assert.Equal(t, []string{"amy", "bob", "cat"}, r.Usernames("public"))
	require.NoError(t, r.CheckInvariants())
}

func TestKickAllOnlyIssuerPresent(t *testing.T) {
	r := newRegistry(t)
	admin := peer("adm")
	_, _, err := r.Join(member(admin, "administrator", "2"))
	require.NoError(t, err)

	results, err := r.KickAll("2", admin)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestKickAllEmptyChannel(t *testing.T) {
	r := newRegistry(t)
	_, err := r.KickAll("3", peer("adm"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisconnect(t *testing.T) {
	r := newRegistry(t)
	admin, bob := peer("adm"), peer("b")
	_, _, err := r.Join(member(admin, "administrator", "1"))
	require.NoError(t, err)
	_, _, err = r.Join(member(bob, "bob", "1"))
	require.NoError(t, err)

	m, err := r.Disconnect("1", "bob", admin)
	require.NoError(t, err)
	assert.Equal(t, bob, m.Peer)
	_, ok := r.Lookup(bob)
	assert.False(t, ok)

	_, err = r.Disconnect("1", "administrator", admin)
	assert.ErrorIs(t, err, ErrSelfTarget)
	require.NoError(t, r.CheckInvariants())
}

func TestDisconnectAllExcludesIssuerByIdentity(t *testing.T) {
	r := newRegistry(t)
	admin := peer("adm")
	_, _, err := r.Join(member(admin, "administrator", "public"))
	require.NoError(t, err)
	// Same reserved name in another channel held by a different peer is not the issuer.
	other := peer("other")
	_, _, err = r.Join(member(other, "administrator", "1"))
	require.NoError(t, err)
	_, _, err = r.Join(member(peer("b"), "bob", "1"))
	require.NoError(t, err)

	removed, err := r.DisconnectAll("1", admin)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Empty(t, r.Members("1"))
	assert.Equal(t, 1, r.Count())
	require.NoError(t, r.CheckInvariants())
}

func TestConcurrentJoinSameNameOnlyOneWins(t *testing.T) {
	r := newRegistry(t)
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Join(member(peer(fmt.Sprintf("p%d", i)), "alice", "1"))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrNameTaken)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, r.Count())
	require.NoError(t, r.CheckInvariants())
}

func TestConcurrentMixedOperationsKeepIndexesConsistent(t *testing.T) {
	r := newRegistry(t)
	channels := r.Channels()
	admin := peer("adm")
	_, _, err := r.Join(member(admin, "administrator", "public"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := peer(fmt.Sprintf("w%d", w))
			for i := 0; i < 200; i++ {
				ch := channels[(w+i)%len(channels)]
				switch i % 5 {
				case 0, 1:
					_, _, _ = r.Join(member(p, fmt.Sprintf("u%d", i%3), ch))
				case 2:
					r.Leave(p)
				case 3:
					_, _ = r.KickAll(ch, admin)
				case 4:
					_ = r.Members(ch)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.CheckInvariants())
}

// Property-based tests

func TestPropertyIndexesStayInverse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, err := New([]string{"public", "1", "2"}, "public")
		if err != nil {
			t.Fatal(err)
		}
		peers := make([]*stubPeer, 5)
		for i := range peers {
			peers[i] = peer(fmt.Sprintf("p%d", i))
		}
		names := []string{"amy", "bob", "cat"}
		channels := []string{"public", "1", "2", "9"}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			p := rapid.SampledFrom(peers).Draw(t, "peer")
			name := rapid.SampledFrom(names).Draw(t, "name")
			ch := rapid.SampledFrom(channels).Draw(t, "channel")
			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0, 1:
				_, _, _ = r.Join(member(p, name, ch))
			case 2:
				r.Leave(p)
			case 3:
				_, _ = r.Kick(ch, name, p)
			case 4:
				_, _ = r.KickAll(ch, p)
			case 5:
				_, _ = r.DisconnectAll(ch, p)
			}
			if err := r.CheckInvariants(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
	})
}

func TestPropertyNameUniqueWithinChannel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, err := New([]string{"public", "1"}, "public")
		if err != nil {
			t.Fatal(err)
		}
		count := rapid.IntRange(2, 8).Draw(t, "peers")
		for i := 0; i < count; i++ {
			name := rapid.SampledFrom([]string{"amy", "bob"}).Draw(t, "name")
			ch := rapid.SampledFrom([]string{"public", "1"}).Draw(t, "channel")
			_, _, _ = r.Join(member(peer(fmt.Sprintf("p%d", i)), name, ch))
		}
		for _, ch := range r.Channels() {
			seen := map[string]bool{}
			for _, m := range r.Members(ch) {
				if seen[m.Username] {
					t.Fatalf("duplicate %s in %s", m.Username, ch)
				}
				seen[m.Username] = true
			}
		}
		if r.Count() > 4 {
			t.Fatalf("at most 2 names x 2 channels can be registered, got %d", r.Count())
		}
	})
}
