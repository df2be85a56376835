package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/mcdev12/lobby/go/internal/countdown/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Session is one member's view of a session replicated through a JetStream
// key-value bucket. It implements countdown.Session.
type Session struct {
	cfg   Config
	store store
	msg   messenger
	clock clockwork.Clock

	mu          sync.RWMutex
	listener    countdown.Listener
	entries     map[string]rosterEntry
	live        []rosterEntry
	authority   string
	state       countdown.State
	stateRev    uint64 // bucket revision the local state was taken from
	joined      bool
	self        rosterEntry
	selfRev     uint64 // revision of the stamped roster entry
	appliedRev  uint64 // highest bucket revision folded into the replica
	cancel      context.CancelFunc
	unsubscribe func() error
}

var _ countdown.Session = (*Session)(nil)

// Join connects the local member to cfg.SessionID. The listener may be nil
// and attached later with SetListener.
func Join(ctx context.Context, nc *nats.Conn, cfg Config, listener countdown.Listener) (*Session, error) {
	kv, err := OpenBucket(ctx, nc, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	return join(ctx, cfg, kvStore{kv: kv}, natsMessenger{nc: nc}, clockwork.NewRealClock(), listener)
}

func join(ctx context.Context, cfg Config, st store, msg messenger, clock clockwork.Clock, listener countdown.Listener) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		store:    st,
		msg:      msg,
		clock:    clock,
		listener: listener,
		entries:  make(map[string]rosterEntry),
		cancel:   cancel,
	}

	updates, err := st.Watch(runCtx, cfg.SessionID+".>")
	if err != nil {
		cancel()
		return nil, err
	}

	ready := make(chan struct{})
	go s.watch(runCtx, updates, ready)

	select {
	case <-ready:
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	s.mu.RLock()
	count := len(s.live)
	s.mu.RUnlock()
	if count >= cfg.Capacity && cfg.Capacity > 0 {
		cancel()
		return nil, fmt.Errorf("join %s: %w", cfg.SessionID, countdown.ErrSessionFull)
	}

	if err := s.register(ctx); err != nil {
		cancel()
		return nil, err
	}
	// a concurrent joiner may have passed the check above as well
	if err := s.confirmSeat(ctx); err != nil {
		cancel()
		_ = st.Delete(context.Background(), memberKey(cfg.SessionID, cfg.MemberID))
		return nil, err
	}

	unsubscribe, err := msg.Subscribe(inboxSubject(cfg.SessionID, cfg.MemberID), s.handleInbox)
	if err != nil {
		cancel()
		_ = st.Delete(context.Background(), memberKey(cfg.SessionID, cfg.MemberID))
		return nil, err
	}

	s.mu.Lock()
	s.joined = true
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	go s.heartbeat(runCtx)

	log.Info().
		Str("session_id", cfg.SessionID).
		Str("member_id", cfg.MemberID).
		Uint64("join_seq", s.self.JoinSeq).
		Msg("joined session")
	return s, nil
}

// register creates the roster entry; its create revision becomes the join sequence.
func (s *Session) register(ctx context.Context) error {
	key := memberKey(s.cfg.SessionID, s.cfg.MemberID)
	entry := rosterEntry{
		MemberID: s.cfg.MemberID,
		Name:     s.cfg.MemberName,
		LastSeen: s.clock.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal roster entry: %w", err)
	}
	rev, err := s.store.Create(ctx, key, data)
	if err != nil {
		return fmt.Errorf("register member %s: %w", s.cfg.MemberID, err)
	}

	entry.JoinSeq = rev
	if data, err = json.Marshal(entry); err != nil {
		return fmt.Errorf("marshal roster entry: %w", err)
	}
	stamped, err := s.store.Update(ctx, key, data, rev)
	if err != nil {
		return fmt.Errorf("record join sequence: %w", err)
	}

	s.mu.Lock()
	s.self = entry
	s.selfRev = stamped
	s.mu.Unlock()
	return nil
}

// confirmSeat waits until the replica includes our own entry, then checks
// that fewer than Capacity live members joined before us. Entries ahead of
// ours in the bucket are always delivered before it.
func (s *Session) confirmSeat(ctx context.Context) error {
	if s.cfg.Capacity <= 0 {
		return nil
	}
	s.mu.RLock()
	rev := s.selfRev
	s.mu.RUnlock()
	if err := s.waitApplied(ctx, rev); err != nil {
		return fmt.Errorf("wait for roster: %w", err)
	}

	s.mu.RLock()
	live := liveRoster(s.entries, s.clock.Now(), s.cfg.MemberTTL)
	self := s.self
	s.mu.RUnlock()

	ahead := 0
	for _, e := range live {
		if e.MemberID != self.MemberID && e.JoinSeq < self.JoinSeq {
			ahead++
		}
	}
	if ahead >= s.cfg.Capacity {
		log.Warn().
			Str("session_id", s.cfg.SessionID).
			Str("member_id", s.cfg.MemberID).
			Int("ahead", ahead).
			Msg("session filled during join - backing out")
		return fmt.Errorf("join %s: %w", s.cfg.SessionID, countdown.ErrSessionFull)
	}
	return nil
}

func (s *Session) waitApplied(ctx context.Context, rev uint64) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.RLock()
		applied := s.appliedRev
		s.mu.RUnlock()
		if applied >= rev {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetListener attaches the listener notifications are delivered to.
func (s *Session) SetListener(l countdown.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Leave removes the local member; remaining members see it leave at once.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = false
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		if err := unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe member inbox")
		}
	}
	err := s.store.Delete(ctx, memberKey(s.cfg.SessionID, s.cfg.MemberID))
	s.cancel()

	log.Info().
		Str("session_id", s.cfg.SessionID).
		Str("member_id", s.cfg.MemberID).
		Msg("left session")

	if err != nil {
		return fmt.Errorf("remove roster entry: %w", err)
	}
	return nil
}

func (s *Session) ID() string            { return s.cfg.SessionID }
func (s *Session) LocalMemberID() string { return s.cfg.MemberID }

func (s *Session) InSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

func (s *Session) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

func (s *Session) IsAuthority() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined && s.authority == s.cfg.MemberID
}

func (s *Session) AuthorityID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authority
}

// Now is wall-clock seconds; members are expected to run NTP-synced hosts.
func (s *Session) Now() float64 {
	return float64(s.clock.Now().UnixNano()) / 1e9
}

func (s *Session) ReadState() countdown.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// WriteState stores the tuple in the bucket. The local replica is updated
// right away; other members see it when their watchers deliver it.
func (s *Session) WriteState(ctx context.Context, st countdown.State) error {
	if !s.InSession() {
		return countdown.ErrNotInSession
	}

	data, err := json.Marshal(events.StateUpdatedPayload{StartedAt: st.StartedAt, Duration: st.Duration})
	if err != nil {
		return fmt.Errorf("marshal countdown state: %w", err)
	}
	rev, err := s.store.Put(ctx, stateKey(s.cfg.SessionID), data)
	if err != nil {
		return fmt.Errorf("put countdown state: %w", err)
	}

	s.mu.Lock()
	// the watcher may already have delivered a newer write
	if rev > s.stateRev {
		s.state = st
		s.stateRev = rev
	}
	s.mu.Unlock()
	return nil
}

// SendCancel publishes req to the target member's inbox subject.
func (s *Session) SendCancel(ctx context.Context, target string, req countdown.CancelRequest) error {
	if !s.InSession() {
		return countdown.ErrNotInSession
	}
	if !s.isLive(target) {
		return fmt.Errorf("send to %s: %w", target, countdown.ErrUnknownMember)
	}

	env, err := countdown.CancelEnvelope(req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal cancel envelope: %w", err)
	}
	if err := s.msg.Publish(inboxSubject(s.cfg.SessionID, target), data); err != nil {
		return fmt.Errorf("publish cancel request: %w", err)
	}
	return nil
}

func (s *Session) isLive(memberID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.live {
		if e.MemberID == memberID {
			return true
		}
	}
	return false
}

func (s *Session) handleInbox(data []byte) {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("member_id", s.cfg.MemberID).Msg("failed to unmarshal inbox envelope")
		return
	}
	if env.SessionID != s.cfg.SessionID {
		log.Warn().
			Str("session_id", s.cfg.SessionID).
			Str("envelope_session_id", env.SessionID).
			Msg("inbox message for another session - ignoring")
		return
	}

	l := s.currentListener()
	if l == nil || !s.InSession() {
		return
	}
	if err := countdown.HandleSessionEvent(context.Background(), l, env.EventType, env.Payload); err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("failed to handle inbox event")
	}
}

func (s *Session) currentListener() countdown.Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

func (s *Session) watch(ctx context.Context, updates <-chan kvUpdate, ready chan struct{}) {
	synced := false
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.initDone {
				if !synced {
					synced = true
					s.refreshRoster(ctx)
					close(ready)
				}
				continue
			}
			s.apply(ctx, u, synced)

			s.mu.Lock()
			if u.revision > s.appliedRev {
				s.appliedRev = u.revision
			}
			s.mu.Unlock()
		}
	}
}

// apply folds one bucket change into the local replica. Roster changes are
// only diffed once the initial values have been loaded.
func (s *Session) apply(ctx context.Context, u kvUpdate, synced bool) {
	if u.key == stateKey(s.cfg.SessionID) {
		st := countdown.IdleState
		if !u.deleted {
			var p events.StateUpdatedPayload
			if err := json.Unmarshal(u.value, &p); err != nil {
				log.Error().Err(err).Str("key", u.key).Msg("failed to unmarshal countdown state")
				return
			}
			st = countdown.State{StartedAt: p.StartedAt, Duration: p.Duration}
		}

		s.mu.Lock()
		if u.revision <= s.stateRev {
			s.mu.Unlock()
			log.Debug().
				Str("session_id", s.cfg.SessionID).
				Uint64("revision", u.revision).
				Msg("ignoring out-of-date countdown state")
			return
		}
		s.state = st
		s.stateRev = u.revision
		s.mu.Unlock()

		if l := s.currentListener(); l != nil && synced && s.InSession() {
			l.OnStateUpdated(ctx, st)
		}
		return
	}

	memberID, ok := memberFromKey(s.cfg.SessionID, u.key)
	if !ok {
		return
	}

	s.mu.Lock()
	if u.deleted {
		delete(s.entries, memberID)
	} else {
		var e rosterEntry
		if err := json.Unmarshal(u.value, &e); err != nil {
			s.mu.Unlock()
			log.Error().Err(err).Str("key", u.key).Msg("failed to unmarshal roster entry")
			return
		}
		if e.JoinSeq == 0 {
			// not yet stamped; the create revision is the join sequence
			e.JoinSeq = u.revision
		}
		e.MemberID = memberID
		s.entries[memberID] = e
	}
	s.mu.Unlock()

	if synced {
		s.refreshRoster(ctx)
	}
}

// refreshRoster recomputes the live roster and authority and notifies the
// listener about what changed.
func (s *Session) refreshRoster(ctx context.Context) {
	s.mu.Lock()
	next := liveRoster(s.entries, s.clock.Now(), s.cfg.MemberTTL)
	joined, left := diffRoster(s.live, next)
	previous := s.authority
	s.live = next
	s.authority = authorityOf(next)
	authority := s.authority
	l := s.listener
	notify := s.joined && l != nil
	s.mu.Unlock()

	if authority != previous {
		log.Info().
			Str("session_id", s.cfg.SessionID).
			Str("member_id", s.cfg.MemberID).
			Str("authority_id", authority).
			Str("previous_id", previous).
			Msg("session authority changed")
	}
	if !notify {
		return
	}

	for _, id := range joined {
		if id != s.cfg.MemberID {
			l.OnMemberJoined(ctx, id)
		}
	}
	for _, id := range left {
		if id != s.cfg.MemberID {
			l.OnMemberLeft(ctx, id)
		}
	}
	if authority != previous {
		l.OnAuthorityChanged(ctx, authority)
	}
}

func (s *Session) heartbeat(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.beat(ctx)
		}
	}
}

// beat refreshes the local roster entry, expires silent members and, on the
// authority, removes their entries from the bucket.
func (s *Session) beat(ctx context.Context) {
	if !s.InSession() {
		return
	}

	s.mu.Lock()
	s.self.LastSeen = s.clock.Now().UTC()
	entry := s.self
	s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal heartbeat")
		return
	}
	if _, err := s.store.Put(ctx, memberKey(s.cfg.SessionID, s.cfg.MemberID), data); err != nil {
		log.Error().Err(err).Str("member_id", s.cfg.MemberID).Msg("failed to publish heartbeat")
	}

	s.refreshRoster(ctx)

	if !s.IsAuthority() {
		return
	}
	s.mu.RLock()
	stale := staleMembers(s.entries, s.clock.Now(), s.cfg.MemberTTL)
	s.mu.RUnlock()
	for _, id := range stale {
		if err := s.store.Delete(ctx, memberKey(s.cfg.SessionID, id)); err != nil {
			log.Warn().Err(err).Str("member_id", id).Msg("failed to remove stale roster entry")
			continue
		}
		log.Info().
			Str("session_id", s.cfg.SessionID).
			Str("member_id", id).
			Msg("removed stale member")
	}
}
