package countdown

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Member wires the state machine and the display refresher of one session
// participant and is the Listener the substrate notifies.
type Member struct {
	session Session
	machine *Machine
	display *Display
}

// NewMember builds the countdown components for the local member of session.
func NewMember(session Session, transition Transitioner, cfg Config, opts ...Option) *Member {
	machine := NewMachine(session, transition, cfg, opts...)
	return &Member{
		session: session,
		machine: machine,
		display: NewDisplay(session, cfg.DisplayInterval, machine.clock),
	}
}

// NewMemberWithClock is NewMember with an explicit clock for both loops.
func NewMemberWithClock(session Session, transition Transitioner, cfg Config, clock clockwork.Clock) *Member {
	return NewMember(session, transition, cfg, WithClock(clock))
}

// Machine exposes the state machine, mainly for diagnostics.
func (m *Member) Machine() *Machine { return m.machine }

// Display exposes the display refresher so presentation can subscribe.
func (m *Member) Display() *Display { return m.display }

// Run evaluates the session once (initial join) and then keeps the display
// fresh until ctx is cancelled. Watchers spawned later live no longer than ctx.
func (m *Member) Run(ctx context.Context) error {
	m.machine.bind(ctx)
	defer m.machine.Stop()

	log.Info().
		Str("session_id", m.session.ID()).
		Str("member_id", m.session.LocalMemberID()).
		Bool("authority", m.session.IsAuthority()).
		Msg("countdown member started")

	if err := m.machine.Join(ctx); err != nil {
		log.Error().Err(err).Msg("initial countdown evaluation failed")
	}

	m.display.Run(ctx)
	return nil
}

// SessionID returns the id of the session this member belongs to.
func (m *Member) SessionID() string { return m.session.ID() }

// MemberID returns the local member id.
func (m *Member) MemberID() string { return m.session.LocalMemberID() }

// Snapshot returns the last display snapshot.
func (m *Member) Snapshot() Snapshot { return m.display.Snapshot() }

// Subscribe forwards to the display refresher.
func (m *Member) Subscribe(fn func(Snapshot)) { m.display.Subscribe(fn) }

// Status returns the state machine diagnostics.
func (m *Member) Status() Status { return m.machine.Status() }

// CanStart reports whether the manual start control should be enabled.
func (m *Member) CanStart() bool { return m.machine.CanStart() }

// GetRemainingSeconds returns the presented remaining time, always >= 0.
func (m *Member) GetRemainingSeconds() float64 { return m.display.RemainingSeconds() }

// IsCountdownVisible reports whether a countdown is currently shown.
func (m *Member) IsCountdownVisible() bool { return m.display.Visible() }

// RequestStart is the authority-only override start.
func (m *Member) RequestStart(ctx context.Context) error { return m.machine.RequestStart(ctx) }

// RequestCancel cancels locally or forwards to the authority.
func (m *Member) RequestCancel(ctx context.Context) error { return m.machine.RequestCancel(ctx) }

func (m *Member) OnMemberJoined(ctx context.Context, memberID string) {
	m.machine.OnMemberJoined(ctx, memberID)
}

func (m *Member) OnMemberLeft(ctx context.Context, memberID string) {
	m.machine.OnMemberLeft(ctx, memberID)
}

func (m *Member) OnAuthorityChanged(ctx context.Context, authorityID string) {
	m.machine.OnAuthorityChanged(ctx, authorityID)
	m.display.Refresh(ctx)
}

func (m *Member) OnCancelRequest(ctx context.Context, req CancelRequest) {
	m.machine.OnCancelRequest(ctx, req)
}

// OnStateUpdated refreshes the display immediately instead of waiting for the next tick.
func (m *Member) OnStateUpdated(ctx context.Context, st State) {
	m.machine.OnStateUpdated(ctx, st)
	m.display.Refresh(ctx)
}
