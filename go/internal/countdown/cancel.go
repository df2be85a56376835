package countdown

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// RequestCancel accepts a cancellation intent from the local member. The
// authority clears directly; anyone else forwards the request to whichever
// member currently holds authority and leaves local state untouched.
func (m *Machine) RequestCancel(ctx context.Context) error {
	m.mu.Lock()

	if !m.session.InSession() {
		m.mu.Unlock()
		return nil
	}

	if m.session.IsAuthority() {
		defer m.mu.Unlock()
		return m.clearLocked(ctx, "cancel requested")
	}

	authorityID := m.session.AuthorityID()
	req := CancelRequest{
		Kind:      CancelRequestKind,
		SessionID: m.session.ID(),
		Sender:    m.session.LocalMemberID(),
		SentAt:    m.session.Now(),
	}
	m.mu.Unlock()

	if authorityID == "" {
		log.Warn().
			Str("session_id", req.SessionID).
			Str("member_id", req.Sender).
			Msg("no authority to forward cancel request to - dropping")
		return nil
	}

	if err := m.session.SendCancel(ctx, authorityID, req); err != nil {
		return fmt.Errorf("forward cancel request to %s: %w", authorityID, err)
	}

	log.Info().
		Str("session_id", req.SessionID).
		Str("member_id", req.Sender).
		Str("authority_id", authorityID).
		Msg("forwarded cancel request to authority")
	return nil
}

// OnCancelRequest implements Listener. The receiving member applies the same
// clear as a local call; if it is no longer authority the request is dropped.
func (m *Machine) OnCancelRequest(ctx context.Context, req CancelRequest) {
	if req.SessionID != "" && req.SessionID != m.session.ID() {
		log.Warn().
			Str("session_id", m.session.ID()).
			Str("request_session_id", req.SessionID).
			Msg("cancel request for another session - ignoring")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.InSession() || !m.session.IsAuthority() {
		log.Debug().
			Str("session_id", m.session.ID()).
			Str("sender", req.Sender).
			Msg("stale cancel request - no longer authority")
		return
	}

	if err := m.clearLocked(ctx, "cancel from "+req.Sender); err != nil {
		log.Error().Err(err).Str("sender", req.Sender).Msg("failed to apply forwarded cancel request")
	}
}
