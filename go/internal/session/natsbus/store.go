package natsbus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// kvUpdate is one change seen by a key watcher. initDone marks the end of
// the initial values.
type kvUpdate struct {
	key      string
	value    []byte
	revision uint64
	deleted  bool
	initDone bool
}

// store is the slice of a JetStream KeyValue bucket the session uses.
type store interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, last uint64) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Watch(ctx context.Context, pattern string) (<-chan kvUpdate, error)
}

// messenger carries directed messages between members.
type messenger interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, fn func(data []byte)) (unsubscribe func() error, err error)
}

// OpenBucket creates or updates the key-value bucket holding session state.
func OpenBucket(ctx context.Context, nc *nats.Conn, bucket string) (jetstream.KeyValue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Replicated lobby countdown state and rosters",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create key-value bucket %s: %w", bucket, err)
	}
	return kv, nil
}

type kvStore struct {
	kv jetstream.KeyValue
}

func (s kvStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

func (s kvStore) Update(ctx context.Context, key string, value []byte, last uint64) (uint64, error) {
	return s.kv.Update(ctx, key, value, last)
}

func (s kvStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, key, value)
}

func (s kvStore) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

func (s kvStore) Watch(ctx context.Context, pattern string) (<-chan kvUpdate, error) {
	w, err := s.kv.Watch(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", pattern, err)
	}

	out := make(chan kvUpdate, 64)
	go func() {
		defer close(out)
		defer w.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				u := kvUpdate{initDone: true}
				if entry != nil {
					u = kvUpdate{
						key:      entry.Key(),
						value:    entry.Value(),
						revision: entry.Revision(),
						deleted:  entry.Operation() != jetstream.KeyValuePut,
					}
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type natsMessenger struct {
	nc *nats.Conn
}

func (m natsMessenger) Publish(subject string, data []byte) error {
	return m.nc.Publish(subject, data)
}

func (m natsMessenger) Subscribe(subject string, fn func(data []byte)) (func() error, error) {
	sub, err := m.nc.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}
