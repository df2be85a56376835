package natsbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/mcdev12/lobby/go/internal/countdown/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)

func TestLiveRoster(t *testing.T) {
	now := epoch
	entries := map[string]rosterEntry{
		"c": {MemberID: "c", JoinSeq: 9, LastSeen: now.Add(-time.Second)},
		"a": {MemberID: "a", JoinSeq: 3, LastSeen: now.Add(-30 * time.Second)},
		"b": {MemberID: "b", JoinSeq: 5, LastSeen: now},
	}

	live := liveRoster(entries, now, 10*time.Second)
	require.Len(t, live, 2)
	assert.Equal(t, "b", live[0].MemberID)
	assert.Equal(t, "c", live[1].MemberID)
	assert.Equal(t, "b", authorityOf(live))
	assert.Equal(t, []string{"a"}, staleMembers(entries, now, 10*time.Second))

	assert.Equal(t, "", authorityOf(nil))
}

func TestDiffRoster(t *testing.T) {
	prev := []rosterEntry{{MemberID: "a"}, {MemberID: "b"}}
	next := []rosterEntry{{MemberID: "b"}, {MemberID: "c"}, {MemberID: "d"}}

	joined, left := diffRoster(prev, next)
	assert.Equal(t, []string{"c", "d"}, joined)
	assert.Equal(t, []string{"a"}, left)

	joined, left = diffRoster(next, next)
	assert.Empty(t, joined)
	assert.Empty(t, left)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "s1.countdown", stateKey("s1"))
	assert.Equal(t, "s1.members.m1", memberKey("s1", "m1"))
	assert.Equal(t, "lobby.s1.member.m1.inbox", inboxSubject("s1", "m1"))

	id, ok := memberFromKey("s1", "s1.members.m1")
	assert.True(t, ok)
	assert.Equal(t, "m1", id)

	_, ok = memberFromKey("s1", "s1.countdown")
	assert.False(t, ok)
	_, ok = memberFromKey("s1", "s2.members.m1")
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.validate())

	cfg.SessionID, cfg.MemberID = "s1", "m1"
	require.NoError(t, cfg.validate())

	cfg.MemberID = "m.1"
	require.Error(t, cfg.validate())

	cfg.MemberID = "m1"
	cfg.MemberTTL = cfg.Heartbeat
	require.Error(t, cfg.validate())
}

type recorder struct {
	mu    sync.Mutex
	fired []countdown.Transition
}

func (r *recorder) BeginTransition(_ context.Context, t countdown.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, t)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

type cluster struct {
	t      *testing.T
	bucket *fakeBucket
	bus    *fakeBus
	clock  *clockwork.FakeClock
	cfg    countdown.Config

	sessions map[string]*Session
	members  map[string]*countdown.Member
	fired    map[string]*recorder
}

func newCluster(t *testing.T) *cluster {
	cfg := countdown.DefaultConfig()
	cfg.Policy = countdown.Policy{
		ActivationThreshold: 2,
		Tiers: []countdown.Tier{
			{MinMembers: 2, Duration: 30 * time.Second},
			{MinMembers: 3, Duration: 15 * time.Second},
			{MinMembers: 4, Duration: 5 * time.Second},
		},
	}
	return &cluster{
		t:        t,
		bucket:   newFakeBucket(),
		bus:      newFakeBus(),
		clock:    clockwork.NewFakeClockAt(epoch),
		cfg:      cfg,
		sessions: make(map[string]*Session),
		members:  make(map[string]*countdown.Member),
		fired:    make(map[string]*recorder),
	}
}

func (c *cluster) substrateConfig(memberID string) Config {
	cfg := DefaultConfig()
	cfg.SessionID = "lobby-1"
	cfg.MemberID = memberID
	return cfg
}

func (c *cluster) join(memberID string) *Session {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := join(ctx, c.substrateConfig(memberID), c.bucket, c.bus, c.clock, nil)
	require.NoError(c.t, err)

	rec := &recorder{}
	m := countdown.NewMember(s, rec, c.cfg, countdown.WithClock(c.clock))
	s.SetListener(m)
	c.t.Cleanup(func() {
		m.Machine().Stop()
		s.cancel()
	})
	require.NoError(c.t, m.Machine().Join(context.Background()))

	c.sessions[memberID] = s
	c.members[memberID] = m
	c.fired[memberID] = rec
	return s
}

func (c *cluster) converged(count int) func() bool {
	return func() bool {
		for _, s := range c.sessions {
			if s.InSession() && s.MemberCount() != count {
				return false
			}
		}
		return true
	}
}

func (c *cluster) storedState() countdown.State {
	data, ok := c.bucket.get(stateKey("lobby-1"))
	if !ok {
		return countdown.IdleState
	}
	var p events.StateUpdatedPayload
	require.NoError(c.t, json.Unmarshal(data, &p))
	return countdown.State{StartedAt: p.StartedAt, Duration: p.Duration}
}

func TestSession_JoinOrderDecidesAuthority(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")
	d := c.join("d")

	require.Eventually(t, c.converged(3), time.Second, 5*time.Millisecond)
	assert.True(t, a.IsAuthority())
	assert.False(t, b.IsAuthority())
	assert.False(t, d.IsAuthority())
	for _, s := range c.sessions {
		assert.Equal(t, "a", s.AuthorityID())
	}

	data, ok := c.bucket.get(memberKey("lobby-1", "b"))
	require.True(t, ok)
	var entry rosterEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Positive(t, entry.JoinSeq)
}

func TestSession_CapacityEnforced(t *testing.T) {
	c := newCluster(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		c.join(id)
	}
	require.Eventually(t, c.converged(4), time.Second, 5*time.Millisecond)

	_, err := join(context.Background(), c.substrateConfig("e"), c.bucket, c.bus, c.clock, nil)
	require.ErrorIs(t, err, countdown.ErrSessionFull)
}

func TestSession_CountdownReplicates(t *testing.T) {
	c := newCluster(t)
	c.join("a")
	c.join("b")
	c.join("c")

	require.Eventually(t, func() bool {
		return c.storedState().Duration == 15
	}, time.Second, 5*time.Millisecond)

	want := c.storedState()
	require.Eventually(t, func() bool {
		for _, s := range c.sessions {
			if s.ReadState() != want {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestSession_CancelForwardedOverInbox(t *testing.T) {
	c := newCluster(t)
	c.join("a")
	c.join("b")
	c.join("c")
	require.Eventually(t, func() bool { return c.storedState().Running() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.sessions["c"].ReadState().Running() }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.members["c"].RequestCancel(context.Background()))

	require.Eventually(t, func() bool { return !c.storedState().Running() }, time.Second, 5*time.Millisecond)
	assert.Contains(t, c.bus.published(), inboxSubject("lobby-1", "a"))
}

func TestSession_DroppedCancelLeavesCountdown(t *testing.T) {
	c := newCluster(t)
	c.join("a")
	c.join("b")
	require.Eventually(t, func() bool { return c.sessions["b"].ReadState().Running() }, time.Second, 5*time.Millisecond)
	running := c.storedState()

	c.bus.drop = func(string) bool { return true }
	require.NoError(t, c.members["b"].RequestCancel(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, running, c.storedState())
}

func TestSession_LeaveHandsOffAuthority(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")
	c.join("c")
	require.Eventually(t, c.converged(3), time.Second, 5*time.Millisecond)

	require.NoError(t, a.Leave(context.Background()))
	assert.False(t, a.InSession())
	assert.False(t, a.IsAuthority())

	require.Eventually(t, b.IsAuthority, time.Second, 5*time.Millisecond)
	require.Eventually(t, c.converged(2), time.Second, 5*time.Millisecond)

	err := a.WriteState(context.Background(), countdown.State{StartedAt: 1, Duration: 1})
	assert.ErrorIs(t, err, countdown.ErrNotInSession)
}

func TestSession_SilentMemberExpires(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")
	c.join("c")
	require.Eventually(t, c.converged(3), time.Second, 5*time.Millisecond)

	// a crashes: no goodbye, no more heartbeats
	a.cancel()
	a.mu.Lock()
	a.joined = false
	a.mu.Unlock()

	require.Eventually(t, func() bool {
		c.clock.Advance(DefaultConfig().Heartbeat)
		return b.IsAuthority() && b.MemberCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := c.bucket.get(memberKey("lobby-1", "a"))
		return !ok
	}, time.Second, 5*time.Millisecond, "new authority removes the stale entry")
}

func TestSession_SendCancelToUnknownMember(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")

	err := a.SendCancel(context.Background(), "ghost", countdown.CancelRequest{Kind: countdown.CancelRequestKind})
	require.ErrorIs(t, err, countdown.ErrUnknownMember)
}

func TestSession_InboxForOtherSessionIgnored(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	c.join("b")
	require.Eventually(t, func() bool { return c.storedState().Running() }, time.Second, 5*time.Millisecond)

	env, err := countdown.CancelEnvelope(countdown.CancelRequest{Kind: countdown.CancelRequestKind, SessionID: "other", Sender: "b"})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	a.handleInbox(data)
	a.handleInbox([]byte("not json"))
	assert.True(t, c.storedState().Running())
}

func TestSession_OutOfOrderStateEchoIgnored(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	c.join("b")
	require.Eventually(t, func() bool { return c.storedState().Running() }, time.Second, 5*time.Millisecond)
	started, ok := c.bucket.get(stateKey("lobby-1"))
	require.True(t, ok)

	require.Eventually(t, func() bool {
		c.clock.Advance(500 * time.Millisecond)
		return c.fired["a"].count() == 1
	}, 5*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return a.ReadState() == countdown.IdleState }, time.Second, 5*time.Millisecond)

	// a late echo of the original start arrives after the clear
	a.apply(context.Background(), kvUpdate{key: stateKey("lobby-1"), value: started, revision: 1}, true)
	assert.Equal(t, countdown.IdleState, a.ReadState())
	assert.Equal(t, c.storedState(), a.ReadState())

	for i := 0; i < 10; i++ {
		c.clock.Advance(500 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.fired["a"].count())
	assert.Zero(t, c.fired["b"].count())
	assert.False(t, c.members["a"].Machine().Status().WatcherActive)
}

// racingBucket registers a rival member just before the first Create, as a
// concurrent joiner that passed the capacity check at the same time would.
type racingBucket struct {
	*fakeBucket
	rival rosterEntry
	once  sync.Once
}

func (b *racingBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	b.once.Do(func() {
		data, _ := json.Marshal(b.rival)
		_, _ = b.fakeBucket.Create(ctx, memberKey("lobby-1", b.rival.MemberID), data)
	})
	return b.fakeBucket.Create(ctx, key, value)
}

func TestSession_ConcurrentJoinCannotOverfill(t *testing.T) {
	c := newCluster(t)
	for _, id := range []string{"a", "b", "c"} {
		c.join(id)
	}
	require.Eventually(t, c.converged(3), time.Second, 5*time.Millisecond)

	racing := &racingBucket{
		fakeBucket: c.bucket,
		rival:      rosterEntry{MemberID: "rival", LastSeen: c.clock.Now().UTC()},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := join(ctx, c.substrateConfig("late"), racing, c.bus, c.clock, nil)
	require.ErrorIs(t, err, countdown.ErrSessionFull)

	_, ok := c.bucket.get(memberKey("lobby-1", "late"))
	assert.False(t, ok, "the late joiner removes its own entry")
	_, ok = c.bucket.get(memberKey("lobby-1", "rival"))
	assert.True(t, ok)
	require.Eventually(t, c.converged(4), time.Second, 5*time.Millisecond)
}
