package natsbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type fakeValue struct {
	value []byte
	rev   uint64
}

type fakeWatch struct {
	prefix string
	ch     chan kvUpdate
	ctx    context.Context
}

// fakeBucket is an in-process key-value bucket with ordered watch delivery.
type fakeBucket struct {
	mu      sync.Mutex
	rev     uint64
	data    map[string]fakeValue
	watches []*fakeWatch
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: make(map[string]fakeValue)}
}

func (b *fakeBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		return 0, fmt.Errorf("key %s exists", key)
	}
	return b.putLocked(key, value), nil
}

func (b *fakeBucket) Update(_ context.Context, key string, value []byte, last uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.data[key]; !ok || cur.rev != last {
		return 0, fmt.Errorf("wrong last sequence for %s", key)
	}
	return b.putLocked(key, value), nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putLocked(key, value), nil
}

func (b *fakeBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rev++
	delete(b.data, key)
	b.broadcastLocked(kvUpdate{key: key, revision: b.rev, deleted: true})
	return nil
}

func (b *fakeBucket) Watch(ctx context.Context, pattern string) (<-chan kvUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := &fakeWatch{
		prefix: strings.TrimSuffix(pattern, ">"),
		ch:     make(chan kvUpdate, 1024),
		ctx:    ctx,
	}
	for key, v := range b.data {
		if strings.HasPrefix(key, w.prefix) {
			w.ch <- kvUpdate{key: key, value: v.value, revision: v.rev}
		}
	}
	w.ch <- kvUpdate{initDone: true}
	b.watches = append(b.watches, w)
	return w.ch, nil
}

func (b *fakeBucket) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v.value, ok
}

func (b *fakeBucket) putLocked(key string, value []byte) uint64 {
	b.rev++
	b.data[key] = fakeValue{value: value, rev: b.rev}
	b.broadcastLocked(kvUpdate{key: key, value: value, revision: b.rev})
	return b.rev
}

func (b *fakeBucket) broadcastLocked(u kvUpdate) {
	for _, w := range b.watches {
		if w.ctx.Err() != nil || !strings.HasPrefix(u.key, w.prefix) {
			continue
		}
		w.ch <- u
	}
}

// fakeBus delivers published messages synchronously to subscribers.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string]func([]byte)
	sent []string
	drop func(subject string) bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]func([]byte))}
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.sent = append(b.sent, subject)
	fn := b.subs[subject]
	drop := b.drop != nil && b.drop(subject)
	b.mu.Unlock()

	if fn != nil && !drop {
		fn(data)
	}
	return nil
}

func (b *fakeBus) Subscribe(subject string, fn func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = fn
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, subject)
		return nil
	}, nil
}

func (b *fakeBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	copy(out, b.sent)
	return out
}
