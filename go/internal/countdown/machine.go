package countdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// Status is a point-in-time view of the machine for diagnostics.
type Status struct {
	Authority     bool `json:"authority"`
	WatcherActive bool `json:"watcher_active"`
	Writes        int  `json:"writes"`
	Transitions   int  `json:"transitions"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the real clock used for watcher ticks.
func WithClock(clock Clock) Option {
	return func(m *Machine) {
		m.clock = clock
	}
}

// Machine owns the only mutation path of the replicated countdown. Every
// write is guarded by the authority check; a non-authority caller is a no-op.
type Machine struct {
	session    Session
	transition Transitioner
	cfg        Config
	clock      Clock

	mu            sync.Mutex
	lifetime      context.Context
	watcherGen    uint64
	watcherCancel context.CancelFunc
	writes        int
	transitions   int
}

// NewMachine creates the countdown state machine for one member.
func NewMachine(session Session, transition Transitioner, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		session:    session,
		transition: transition,
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		lifetime:   context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// bind ties spawned watchers to ctx instead of the caller's request context.
func (m *Machine) bind(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifetime = ctx
}

// Join re-evaluates after the local member has joined a session that may
// already have members.
func (m *Machine) Join(ctx context.Context) error {
	return m.reevaluate(ctx, "join")
}

// Evaluate re-derives the desired countdown from the replicated state and
// applies the start, shorten-only and clear rules.
func (m *Machine) Evaluate(ctx context.Context) error {
	return m.reevaluate(ctx, "reevaluate")
}

func (m *Machine) reevaluate(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.InSession() {
		m.stopWatcherLocked()
		return nil
	}
	if !m.session.IsAuthority() {
		m.stopWatcherLocked()
		log.Debug().
			Str("session_id", m.session.ID()).
			Str("member_id", m.session.LocalMemberID()).
			Str("reason", reason).
			Msg("not authority - skipping countdown evaluation")
		return nil
	}

	count := m.session.MemberCount()
	desired := m.cfg.Policy.DesiredDuration(count)
	if desired <= 0 {
		return m.clearLocked(ctx, "below activation threshold")
	}

	st := m.session.ReadState()
	remaining := st.Remaining(m.session.Now())

	switch {
	case remaining <= 0:
		return m.startLocked(ctx, desired, reason)
	case desired < remaining:
		return m.startLocked(ctx, desired, "shorten")
	default:
		// The running countdown is already shorter or equal; adopt it.
		log.Debug().
			Str("session_id", m.session.ID()).
			Int("members", count).
			Float64("desired", desired).
			Float64("remaining", remaining).
			Msg("keeping running countdown")
		m.ensureWatcherLocked()
		return nil
	}
}

// RequestStart is the explicit override: the authority writes a fixed
// countdown regardless of policy. A zero StartDuration fires immediately.
func (m *Machine) RequestStart(ctx context.Context) error {
	m.mu.Lock()

	if !m.session.InSession() || !m.session.IsAuthority() {
		m.mu.Unlock()
		log.Debug().
			Str("session_id", m.session.ID()).
			Str("member_id", m.session.LocalMemberID()).
			Msg("start requested by non-authority - ignoring")
		return nil
	}

	if m.cfg.StartDuration > 0 {
		defer m.mu.Unlock()
		return m.startLocked(ctx, m.cfg.StartDuration.Seconds(), "manual start")
	}

	if err := m.clearLocked(ctx, "manual start"); err != nil {
		m.mu.Unlock()
		return err
	}
	t := m.newTransitionLocked("manual start")
	m.mu.Unlock()

	m.fire(t)
	return nil
}

// CanStart reports whether RequestStart would have any effect.
func (m *Machine) CanStart() bool {
	return m.session.InSession() && m.session.IsAuthority()
}

// Status returns counters and flags for diagnostics and tests.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Authority:     m.session.IsAuthority(),
		WatcherActive: m.watcherCancel != nil,
		Writes:        m.writes,
		Transitions:   m.transitions,
	}
}

// Stop cancels any active watcher without touching replicated state.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWatcherLocked()
}

// OnMemberJoined implements Listener.
func (m *Machine) OnMemberJoined(ctx context.Context, memberID string) {
	if err := m.reevaluate(ctx, "member joined"); err != nil {
		log.Error().Err(err).Str("member_id", memberID).Msg("failed to re-evaluate countdown after join")
	}
}

// OnMemberLeft implements Listener.
func (m *Machine) OnMemberLeft(ctx context.Context, memberID string) {
	if err := m.reevaluate(ctx, "member left"); err != nil {
		log.Error().Err(err).Str("member_id", memberID).Msg("failed to re-evaluate countdown after leave")
	}
}

// OnAuthorityChanged implements Listener. The new authority treats the
// replicated tuple as ground truth; the old one drops its watcher.
func (m *Machine) OnAuthorityChanged(ctx context.Context, authorityID string) {
	log.Info().
		Str("session_id", m.session.ID()).
		Str("member_id", m.session.LocalMemberID()).
		Str("authority_id", authorityID).
		Msg("authority changed")

	if err := m.reevaluate(ctx, "authority changed"); err != nil {
		log.Error().Err(err).Str("authority_id", authorityID).Msg("failed to re-evaluate countdown after authority change")
	}
}

// OnStateUpdated implements Listener. An authority that sees a running
// countdown it is not yet watching (written before a handoff) starts watching
// it. An already expired tuple is never adopted here; only re-evaluation may
// restart one.
func (m *Machine) OnStateUpdated(ctx context.Context, st State) {
	if !st.Running() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.InSession() || !m.session.IsAuthority() {
		return
	}
	if st.Expired(m.session.Now()) || st != m.session.ReadState() {
		log.Debug().
			Str("session_id", m.session.ID()).
			Float64("start", st.StartedAt).
			Float64("duration", st.Duration).
			Msg("not adopting stale countdown update")
		return
	}
	m.ensureWatcherLocked()
}

func (m *Machine) startLocked(ctx context.Context, duration float64, reason string) error {
	st := State{StartedAt: m.session.Now(), Duration: duration}
	if err := m.session.WriteState(ctx, st); err != nil {
		return fmt.Errorf("write countdown state: %w", err)
	}
	m.writes++

	log.Info().
		Str("session_id", m.session.ID()).
		Int("members", m.session.MemberCount()).
		Float64("start", st.StartedAt).
		Float64("duration", st.Duration).
		Str("reason", reason).
		Msg("countdown started")

	m.restartWatcherLocked()
	return nil
}

func (m *Machine) clearLocked(ctx context.Context, reason string) error {
	m.stopWatcherLocked()

	if !m.session.ReadState().Running() {
		return nil
	}
	if err := m.session.WriteState(ctx, IdleState); err != nil {
		return fmt.Errorf("clear countdown state: %w", err)
	}
	m.writes++

	log.Info().
		Str("session_id", m.session.ID()).
		Str("reason", reason).
		Msg("countdown cleared")
	return nil
}

func (m *Machine) newTransitionLocked(reason string) Transition {
	m.transitions++
	return Transition{
		SessionID: m.session.ID(),
		Target:    m.cfg.Target,
		FiredBy:   m.session.LocalMemberID(),
		FiredAt:   m.session.Now(),
		Reason:    reason,
	}
}

// fire must be called without the lock held.
func (m *Machine) fire(t Transition) {
	m.mu.Lock()
	ctx := m.lifetime
	m.mu.Unlock()

	log.Info().
		Str("session_id", t.SessionID).
		Str("target", t.Target).
		Str("reason", t.Reason).
		Msg("beginning terminal transition")

	if m.transition == nil {
		return
	}
	if err := m.transition.BeginTransition(ctx, t); err != nil {
		log.Error().Err(err).Str("session_id", t.SessionID).Str("target", t.Target).Msg("terminal transition failed")
	}
}
