package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Display recomputes the remaining time from the replicated tuple on a fixed
// interval. It is read-only and runs on every member regardless of authority.
type Display struct {
	session  Session
	clock    Clock
	interval time.Duration

	// refreshMu orders refreshes from the poller and from state updates so a
	// stale snapshot is never stored or published after a newer one.
	refreshMu sync.Mutex

	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers []func(Snapshot)
}

// NewDisplay creates a display refresher polling every interval.
func NewDisplay(session Session, interval time.Duration, clock Clock) *Display {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Display{
		session:  session,
		clock:    clock,
		interval: interval,
	}
}

// Subscribe registers fn to be called whenever the snapshot changes.
func (d *Display) Subscribe(fn func(Snapshot)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

// Run polls until ctx is cancelled.
func (d *Display) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("session_id", d.session.ID()).Msg("display refresher stopped")
			return
		case <-ticker.Chan():
			d.Refresh(ctx)
		}
	}
}

// Refresh recomputes the snapshot now and notifies subscribers if it changed.
func (d *Display) Refresh(ctx context.Context) Snapshot {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	var next Snapshot
	if d.session.InSession() {
		next = snapshotOf(d.session.ReadState(), d.session.Now(), d.session.IsAuthority())
	}

	d.mu.Lock()
	changed := next != d.snapshot
	d.snapshot = next
	subscribers := d.subscribers
	d.mu.Unlock()

	if changed {
		for _, fn := range subscribers {
			fn(next)
		}
	}
	return next
}

// Snapshot returns the last computed view.
func (d *Display) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

// RemainingSeconds is always >= 0.
func (d *Display) RemainingSeconds() float64 {
	return d.Snapshot().Remaining
}

// Seconds is the ceiling-rounded whole seconds to show.
func (d *Display) Seconds() int {
	return d.Snapshot().Seconds
}

// Visible toggles exactly at the Idle/Running boundary.
func (d *Display) Visible() bool {
	return d.Snapshot().Visible
}
