package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firedLog struct {
	mu    sync.Mutex
	fired []countdown.Transition
}

func (f *firedLog) BeginTransition(_ context.Context, t countdown.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, t)
	return nil
}

func (f *firedLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

type peer struct {
	handle *Handle
	member *countdown.Member
	fired  *firedLog
}

type lobby struct {
	t     *testing.T
	hub   *Hub
	clock *clockwork.FakeClock
	cfg   countdown.Config
	peers map[string]*peer
}

func newLobby(t *testing.T, threshold int) *lobby {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := countdown.DefaultConfig()
	cfg.Policy = countdown.Policy{
		ActivationThreshold: threshold,
		Tiers: []countdown.Tier{
			{MinMembers: 2, Duration: 30 * time.Second},
			{MinMembers: 3, Duration: 15 * time.Second},
			{MinMembers: 4, Duration: 5 * time.Second},
		},
	}
	l := &lobby{
		t:     t,
		hub:   NewHub(WithSessionID("lobby-1"), WithClock(clock)),
		clock: clock,
		cfg:   cfg,
		peers: make(map[string]*peer),
	}
	// move the session clock off zero
	clock.Advance(time.Minute)
	return l
}

func (l *lobby) join(id string) *peer {
	l.t.Helper()
	h, err := l.hub.Join(id, nil)
	require.NoError(l.t, err)

	fired := &firedLog{}
	m := countdown.NewMember(h, fired, l.cfg, countdown.WithClock(l.clock))
	h.SetListener(m)
	l.t.Cleanup(m.Machine().Stop)

	require.NoError(l.t, m.Machine().Join(context.Background()))
	l.hub.Settle()

	p := &peer{handle: h, member: m, fired: fired}
	l.peers[id] = p
	return p
}

func (l *lobby) totalFired() int {
	n := 0
	for _, p := range l.peers {
		n += p.fired.count()
	}
	return n
}

// advanceUntil steps the fake clock by the watch interval until cond holds.
func (l *lobby) advanceUntil(cond func() bool) {
	l.t.Helper()
	require.Eventually(l.t, func() bool {
		l.clock.Advance(l.cfg.WatchInterval)
		l.hub.Settle()
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_CountdownStartsAtThreshold(t *testing.T) {
	l := newLobby(t, 4)

	a := l.join("a")
	assert.True(t, a.handle.IsAuthority())
	for _, id := range []string{"b", "c"} {
		l.join(id)
		assert.False(t, l.hub.State().Running(), "members=%d", len(l.hub.Members()))
	}

	l.join("d")
	st := l.hub.State()
	require.True(t, st.Running())
	assert.Equal(t, 5.0, st.Duration)
	assert.Equal(t, []string{"a"}, l.hub.Writers(), "only the authority writes")

	for id, p := range l.peers {
		assert.Equal(t, st, p.handle.ReadState(), id)
		snap := p.member.Display().Refresh(context.Background())
		assert.True(t, snap.Visible, id)
		assert.Equal(t, 5, snap.Seconds, id)
	}
}

func TestHub_JoinBeyondCapacity(t *testing.T) {
	l := newLobby(t, 2)
	for _, id := range []string{"a", "b", "c", "d"} {
		l.join(id)
	}

	_, err := l.hub.Join("e", nil)
	require.ErrorIs(t, err, countdown.ErrSessionFull)

	_, err = l.hub.Join("a", nil)
	require.Error(t, err)
}

func TestHub_ShortenOnJoin(t *testing.T) {
	l := newLobby(t, 2)
	l.join("a")
	l.join("b")
	require.Equal(t, 30.0, l.hub.State().Duration)

	l.clock.Advance(2 * time.Second)
	l.join("c")
	require.Equal(t, 15.0, l.hub.State().Duration)

	l.join("d")
	assert.Equal(t, 5.0, l.hub.State().Duration)
	assert.Equal(t, []string{"a", "a", "a"}, l.hub.Writers())
}

func TestHub_ExpiryTransitionsOnce(t *testing.T) {
	l := newLobby(t, 4)
	for _, id := range []string{"a", "b", "c", "d"} {
		l.join(id)
	}

	l.advanceUntil(func() bool { return l.totalFired() > 0 })
	l.clock.Advance(10 * time.Second)
	l.hub.Settle()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, l.peers["a"].fired.count())
	assert.Equal(t, 1, l.totalFired())
	assert.Equal(t, countdown.IdleState, l.hub.State())
	for id, p := range l.peers {
		assert.False(t, p.member.Display().Refresh(context.Background()).Visible, id)
	}
}

func TestHub_NonAuthorityCancelIsForwarded(t *testing.T) {
	l := newLobby(t, 2)
	for _, id := range []string{"a", "b", "c"} {
		l.join(id)
	}
	require.True(t, l.hub.State().Running())

	require.NoError(t, l.peers["c"].member.RequestCancel(context.Background()))
	l.hub.Settle()

	assert.Equal(t, countdown.IdleState, l.hub.State())
	writers := l.hub.Writers()
	assert.Equal(t, "a", writers[len(writers)-1], "the authority applies the clear")

	l.clock.Advance(time.Minute)
	l.hub.Settle()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, l.totalFired())
}

func TestHub_UnreachableAuthorityDropsCancel(t *testing.T) {
	l := newLobby(t, 2)
	for _, id := range []string{"a", "b", "c"} {
		l.join(id)
	}
	running := l.hub.State()

	l.hub.SetDeliveryFilter(func(from, to string, _ countdown.CancelRequest) bool {
		return to != "a"
	})
	require.NoError(t, l.peers["b"].member.RequestCancel(context.Background()))
	l.hub.Settle()

	assert.Equal(t, running, l.hub.State(), "non-authority never mutates locally")
	assert.True(t, l.peers["b"].member.Display().Refresh(context.Background()).Visible)
}

func TestHub_CancelToFormerAuthorityIsStale(t *testing.T) {
	l := newLobby(t, 2)
	for _, id := range []string{"a", "b", "c"} {
		l.join(id)
	}

	// a handoff races the request: b is authority by the time a receives it
	require.NoError(t, l.hub.TransferAuthority("b"))
	l.hub.Settle()
	running := l.hub.State()
	require.True(t, running.Running())
	req := countdown.CancelRequest{Kind: countdown.CancelRequestKind, SessionID: l.hub.ID(), Sender: "c"}
	l.peers["a"].member.OnCancelRequest(context.Background(), req)
	l.hub.Settle()

	assert.Equal(t, running, l.hub.State())
}

func TestHub_AuthorityDisconnectMidCountdown(t *testing.T) {
	l := newLobby(t, 2)
	for _, id := range []string{"a", "b", "c", "d"} {
		l.join(id)
	}
	inherited := l.hub.State()
	require.Equal(t, 5.0, inherited.Duration)

	require.NoError(t, l.hub.Disconnect("a"))
	l.hub.Settle()

	assert.Equal(t, "b", l.hub.Authority())
	assert.True(t, l.peers["b"].handle.IsAuthority())
	// 3 members want 15s, longer than what is left: the countdown is kept
	assert.Equal(t, inherited, l.hub.State())
	assert.True(t, l.peers["b"].member.Machine().Status().WatcherActive)

	l.advanceUntil(func() bool { return l.peers["b"].fired.count() == 1 })
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, l.peers["a"].fired.count())
	assert.Equal(t, 1, l.totalFired())
	assert.Equal(t, countdown.IdleState, l.hub.State())
}

func TestHub_LeaveBelowThresholdClears(t *testing.T) {
	l := newLobby(t, 3)
	for _, id := range []string{"a", "b", "c"} {
		l.join(id)
	}
	require.True(t, l.hub.State().Running())

	require.NoError(t, l.peers["c"].handle.Leave())
	l.hub.Settle()

	assert.Equal(t, countdown.IdleState, l.hub.State())
	assert.False(t, l.peers["c"].handle.InSession())
	err := l.peers["c"].handle.WriteState(context.Background(), countdown.State{StartedAt: 1, Duration: 1})
	assert.ErrorIs(t, err, countdown.ErrNotInSession)

	require.ErrorIs(t, l.hub.Leave("c"), countdown.ErrUnknownMember)
}

func TestHub_ConcurrentMembershipConverges(t *testing.T) {
	l := newLobby(t, 2)
	l.join("a")

	handles := make([]*Handle, 0, 3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := l.hub.Join(fmt.Sprintf("m%d", i), nil)
			if err != nil {
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	l.hub.Settle()

	require.Len(t, handles, 3)
	st := l.hub.State()
	require.True(t, st.Running())
	assert.Equal(t, 5.0, st.Duration)
	for _, h := range handles {
		assert.Equal(t, st, h.ReadState())
	}
}
