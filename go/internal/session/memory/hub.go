package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/rs/zerolog/log"
)

const DefaultCapacity = 4

// DeliveryFilter decides whether a directed message from -> to is delivered.
type DeliveryFilter func(from, to string, req countdown.CancelRequest) bool

// Hub is a single in-process session. Replicated state is last-write-wins
// and every notification is delivered asynchronously, in order, per member.
type Hub struct {
	id       string
	capacity int
	clock    clockwork.Clock
	epoch    time.Time

	mu        sync.Mutex
	members   []*Handle
	authority string
	state     countdown.State
	writers   []string
	filter    DeliveryFilter

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSessionID sets the session id instead of a random one.
func WithSessionID(id string) HubOption {
	return func(h *Hub) { h.id = id }
}

// WithCapacity sets the maximum number of members.
func WithCapacity(n int) HubOption {
	return func(h *Hub) { h.capacity = n }
}

// WithClock sets the clock the session clock is derived from.
func WithClock(clock clockwork.Clock) HubOption {
	return func(h *Hub) { h.clock = clock }
}

// NewHub creates an empty session.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		id:       uuid.New().String(),
		capacity: DefaultCapacity,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.epoch = h.clock.Now()
	h.idle = sync.NewCond(&h.pendingMu)
	return h
}

// ID returns the session id.
func (h *Hub) ID() string { return h.id }

// Clock returns the clock members should tick on.
func (h *Hub) Clock() clockwork.Clock { return h.clock }

// Join adds a member. The first member becomes authority. listener may be
// nil and attached later with Handle.SetListener.
func (h *Hub) Join(memberID string, listener countdown.Listener) (*Handle, error) {
	h.mu.Lock()

	if len(h.members) >= h.capacity {
		h.mu.Unlock()
		return nil, fmt.Errorf("join %s: %w", memberID, countdown.ErrSessionFull)
	}
	if h.lookupLocked(memberID) != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("member %s already joined", memberID)
	}

	handle := &Handle{hub: h, id: memberID, listener: listener, joined: true}
	others := h.snapshotLocked()
	h.members = append(h.members, handle)

	promoted := false
	if h.authority == "" {
		h.authority = memberID
		promoted = true
	}
	count := len(h.members)
	h.mu.Unlock()

	log.Info().
		Str("session_id", h.id).
		Str("member_id", memberID).
		Int("members", count).
		Bool("authority", promoted).
		Msg("member joined session")

	for _, m := range others {
		h.enqueue(m, func(ctx context.Context, l countdown.Listener) {
			l.OnMemberJoined(ctx, memberID)
		})
	}
	if promoted {
		h.enqueue(handle, func(ctx context.Context, l countdown.Listener) {
			l.OnAuthorityChanged(ctx, memberID)
		})
	}
	return handle, nil
}

// Leave removes a member gracefully.
func (h *Hub) Leave(memberID string) error {
	return h.remove(memberID, "leave")
}

// Disconnect removes a member without any goodbye, as a dropped connection would.
func (h *Hub) Disconnect(memberID string) error {
	return h.remove(memberID, "disconnect")
}

func (h *Hub) remove(memberID, reason string) error {
	h.mu.Lock()

	idx := -1
	for i, m := range h.members {
		if m.id == memberID {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("remove %s: %w", memberID, countdown.ErrUnknownMember)
	}

	leaving := h.members[idx]
	leaving.joined = false
	h.members = append(h.members[:idx], h.members[idx+1:]...)

	previous := h.authority
	if previous == memberID {
		// earliest remaining member takes over
		h.authority = ""
		if len(h.members) > 0 {
			h.authority = h.members[0].id
		}
	}
	authority := h.authority
	remaining := h.snapshotLocked()
	h.mu.Unlock()

	log.Info().
		Str("session_id", h.id).
		Str("member_id", memberID).
		Str("reason", reason).
		Int("members", len(remaining)).
		Str("authority_id", authority).
		Msg("member left session")

	for _, m := range remaining {
		h.enqueue(m, func(ctx context.Context, l countdown.Listener) {
			l.OnMemberLeft(ctx, memberID)
		})
	}
	if authority != previous {
		for _, m := range remaining {
			h.enqueue(m, func(ctx context.Context, l countdown.Listener) {
				l.OnAuthorityChanged(ctx, authority)
			})
		}
	}
	return nil
}

// TransferAuthority hands authority to memberID.
func (h *Hub) TransferAuthority(memberID string) error {
	h.mu.Lock()
	if h.lookupLocked(memberID) == nil {
		h.mu.Unlock()
		return fmt.Errorf("transfer authority to %s: %w", memberID, countdown.ErrUnknownMember)
	}
	if h.authority == memberID {
		h.mu.Unlock()
		return nil
	}
	h.authority = memberID
	members := h.snapshotLocked()
	h.mu.Unlock()

	log.Info().
		Str("session_id", h.id).
		Str("authority_id", memberID).
		Msg("authority transferred")

	for _, m := range members {
		h.enqueue(m, func(ctx context.Context, l countdown.Listener) {
			l.OnAuthorityChanged(ctx, memberID)
		})
	}
	return nil
}

// SetDeliveryFilter installs fn for directed messages; nil delivers everything.
func (h *Hub) SetDeliveryFilter(fn DeliveryFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = fn
}

// Members returns member ids in join order.
func (h *Hub) Members() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.members))
	for i, m := range h.members {
		ids[i] = m.id
	}
	return ids
}

// Authority returns the current authority id, empty for an empty session.
func (h *Hub) Authority() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authority
}

// State returns the replicated tuple.
func (h *Hub) State() countdown.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Writers returns which member performed each state write, in order.
func (h *Hub) Writers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.writers))
	copy(out, h.writers)
	return out
}

// Settle blocks until every queued notification has been delivered,
// including notifications enqueued by listeners while settling.
func (h *Hub) Settle() {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for h.pending > 0 {
		h.idle.Wait()
	}
}

func (h *Hub) now() float64 {
	return h.clock.Since(h.epoch).Seconds()
}

func (h *Hub) write(from *Handle, st countdown.State) error {
	h.mu.Lock()
	if !from.joined {
		h.mu.Unlock()
		return countdown.ErrNotInSession
	}
	h.state = st
	h.writers = append(h.writers, from.id)
	members := h.snapshotLocked()
	h.mu.Unlock()

	for _, m := range members {
		h.enqueue(m, func(ctx context.Context, l countdown.Listener) {
			l.OnStateUpdated(ctx, st)
		})
	}
	return nil
}

func (h *Hub) send(from *Handle, target string, req countdown.CancelRequest) error {
	h.mu.Lock()
	if !from.joined {
		h.mu.Unlock()
		return countdown.ErrNotInSession
	}
	to := h.lookupLocked(target)
	if to == nil {
		h.mu.Unlock()
		return fmt.Errorf("send to %s: %w", target, countdown.ErrUnknownMember)
	}
	filter := h.filter
	h.mu.Unlock()

	if filter != nil && !filter(from.id, target, req) {
		log.Debug().
			Str("session_id", h.id).
			Str("from", from.id).
			Str("to", target).
			Msg("directed message dropped by delivery filter")
		return nil
	}

	h.enqueue(to, func(ctx context.Context, l countdown.Listener) {
		l.OnCancelRequest(ctx, req)
	})
	return nil
}

func (h *Hub) lookupLocked(memberID string) *Handle {
	for _, m := range h.members {
		if m.id == memberID {
			return m
		}
	}
	return nil
}

func (h *Hub) snapshotLocked() []*Handle {
	out := make([]*Handle, len(h.members))
	copy(out, h.members)
	return out
}

func (h *Hub) enqueue(to *Handle, fn func(ctx context.Context, l countdown.Listener)) {
	h.pendingMu.Lock()
	h.pending++
	h.pendingMu.Unlock()

	to.push(fn, h.done)
}

func (h *Hub) done() {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	h.pending--
	if h.pending == 0 {
		h.idle.Broadcast()
	}
}
