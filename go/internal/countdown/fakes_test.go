package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type sentCancel struct {
	target string
	req    CancelRequest
}

// fakeSession is a single-member view of a session whose replicated state
// changes only when the test (or the machine under test) writes it.
type fakeSession struct {
	mu        sync.Mutex
	id        string
	local     string
	authority string
	members   int
	inSession bool
	state     State
	writes    []State
	sent      []sentCancel
	writeErr  error

	clock *clockwork.FakeClock
	epoch time.Time
}

func newFakeSession(members int, authority bool) *fakeSession {
	epoch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeSession{
		id:        "session-1",
		local:     "member-a",
		authority: "member-b",
		members:   members,
		inSession: true,
		clock:     clockwork.NewFakeClockAt(epoch),
		epoch:     epoch,
	}
	if authority {
		f.authority = f.local
	}
	// start the session clock away from zero so StartedAt is never "unset"
	f.clock.Advance(100 * time.Second)
	return f
}

func (f *fakeSession) ID() string            { return f.id }
func (f *fakeSession) LocalMemberID() string { return f.local }

func (f *fakeSession) InSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inSession
}

func (f *fakeSession) MemberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members
}

func (f *fakeSession) IsAuthority() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authority == f.local
}

func (f *fakeSession) AuthorityID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authority
}

func (f *fakeSession) Now() float64 {
	return f.clock.Since(f.epoch).Seconds()
}

func (f *fakeSession) ReadState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) WriteState(ctx context.Context, st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.state = st
	f.writes = append(f.writes, st)
	return nil
}

func (f *fakeSession) SendCancel(ctx context.Context, target string, req CancelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCancel{target: target, req: req})
	return nil
}

func (f *fakeSession) setMembers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = n
}

func (f *fakeSession) setAuthority(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authority = id
}

func (f *fakeSession) setInSession(in bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inSession = in
}

func (f *fakeSession) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// setState simulates a tuple replicated from another member.
func (f *fakeSession) setState(st State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
}

func (f *fakeSession) writeLog() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeSession) sentLog() []sentCancel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCancel, len(f.sent))
	copy(out, f.sent)
	return out
}

type recordingTransitioner struct {
	mu    sync.Mutex
	fired []Transition
}

func (r *recordingTransitioner) BeginTransition(ctx context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, t)
	return nil
}

func (r *recordingTransitioner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Policy = Policy{
		ActivationThreshold: 2,
		Tiers: []Tier{
			{MinMembers: 2, Duration: 30 * time.Second},
			{MinMembers: 3, Duration: 15 * time.Second},
			{MinMembers: 4, Duration: 5 * time.Second},
		},
	}
	return cfg
}

func newTestMachine(s *fakeSession, cfg Config) (*Machine, *recordingTransitioner) {
	rec := &recordingTransitioner{}
	return NewMachine(s, rec, cfg, WithClock(s.clock)), rec
}

// currentGen returns the generation of the live watcher.
func currentGen(m *Machine) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watcherGen
}
