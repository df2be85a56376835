package countdown

import (
	"context"

	"github.com/rs/zerolog/log"
)

// restartWatcherLocked invalidates any running watcher before spawning a new
// one, so at most one watcher is live per Running period.
func (m *Machine) restartWatcherLocked() {
	m.stopWatcherLocked()

	ctx, cancel := context.WithCancel(m.lifetime)
	m.watcherCancel = cancel
	gen := m.watcherGen

	go m.watch(ctx, gen)

	log.Debug().
		Str("session_id", m.session.ID()).
		Uint64("generation", gen).
		Msg("authority watcher started")
}

// ensureWatcherLocked starts a watcher for an adopted countdown if none is live.
func (m *Machine) ensureWatcherLocked() {
	if m.watcherCancel != nil {
		return
	}
	m.restartWatcherLocked()
}

// stopWatcherLocked bumps the generation so a watcher that already woke up
// can never pass its check, then cancels its context.
func (m *Machine) stopWatcherLocked() {
	m.watcherGen++
	if m.watcherCancel != nil {
		m.watcherCancel()
		m.watcherCancel = nil
		log.Debug().Str("session_id", m.session.ID()).Msg("authority watcher stopped")
	}
}

func (m *Machine) watch(ctx context.Context, gen uint64) {
	ticker := m.clock.NewTicker(m.cfg.WatchInterval)
	defer ticker.Stop()

	if m.watchTick(ctx, gen) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if m.watchTick(ctx, gen) {
				return
			}
		}
	}
}

// watchTick re-reads the replicated tuple and fires the transition when a
// genuinely running countdown has expired. It returns true when the watcher
// should exit.
func (m *Machine) watchTick(ctx context.Context, gen uint64) bool {
	m.mu.Lock()

	if gen != m.watcherGen || ctx.Err() != nil {
		m.mu.Unlock()
		return true
	}

	if !m.session.InSession() || !m.session.IsAuthority() {
		m.stopWatcherLocked()
		m.mu.Unlock()
		log.Info().
			Str("session_id", m.session.ID()).
			Str("member_id", m.session.LocalMemberID()).
			Msg("lost authority or session - watcher exiting without transition")
		return true
	}

	st := m.session.ReadState()
	if !st.Running() {
		m.stopWatcherLocked()
		m.mu.Unlock()
		return true
	}
	if st.Remaining(m.session.Now()) > 0 {
		m.mu.Unlock()
		return false
	}

	if err := m.session.WriteState(ctx, IdleState); err != nil {
		m.mu.Unlock()
		// keep watching; the next tick retries the clear
		log.Error().Err(err).Str("session_id", m.session.ID()).Msg("failed to clear expired countdown")
		return false
	}
	m.writes++
	m.stopWatcherLocked()
	t := m.newTransitionLocked("countdown expired")
	m.mu.Unlock()

	m.fire(t)
	return true
}
