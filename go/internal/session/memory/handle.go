package memory

import (
	"context"
	"sync"

	"github.com/mcdev12/lobby/go/internal/countdown"
)

type delivery struct {
	fn   func(ctx context.Context, l countdown.Listener)
	done func()
}

// Handle is one member's view of a Hub and implements countdown.Session.
type Handle struct {
	hub *Hub
	id  string

	// guarded by hub.mu
	joined bool

	mu       sync.Mutex
	listener countdown.Listener
	queue    []delivery
	draining bool
}

var _ countdown.Session = (*Handle)(nil)

// SetListener attaches the listener notifications are delivered to.
func (m *Handle) SetListener(l countdown.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *Handle) ID() string            { return m.hub.id }
func (m *Handle) LocalMemberID() string { return m.id }

func (m *Handle) InSession() bool {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return m.joined
}

func (m *Handle) MemberCount() int {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return len(m.hub.members)
}

func (m *Handle) IsAuthority() bool {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return m.joined && m.hub.authority == m.id
}

func (m *Handle) AuthorityID() string {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return m.hub.authority
}

func (m *Handle) Now() float64 { return m.hub.now() }

func (m *Handle) ReadState() countdown.State { return m.hub.State() }

func (m *Handle) WriteState(ctx context.Context, st countdown.State) error {
	return m.hub.write(m, st)
}

func (m *Handle) SendCancel(ctx context.Context, target string, req countdown.CancelRequest) error {
	return m.hub.send(m, target, req)
}

// Leave removes this member from the session.
func (m *Handle) Leave() error { return m.hub.Leave(m.id) }

// push queues a notification; a single goroutine per member drains the queue
// so notifications arrive in the order they were produced.
func (m *Handle) push(fn func(ctx context.Context, l countdown.Listener), done func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, delivery{fn: fn, done: done})
	if !m.draining {
		m.draining = true
		go m.drain()
	}
}

func (m *Handle) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		d := m.queue[0]
		m.queue = m.queue[1:]
		l := m.listener
		m.mu.Unlock()

		if l != nil && m.InSession() {
			d.fn(context.Background(), l)
		}
		d.done()
	}
}
