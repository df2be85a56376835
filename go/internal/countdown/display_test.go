package countdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplay_Refresh(t *testing.T) {
	s := newFakeSession(3, false)
	d := NewDisplay(s, 250*time.Millisecond, s.clock)
	ctx := context.Background()

	snap := d.Refresh(ctx)
	assert.False(t, snap.Visible)
	assert.Zero(t, snap.Seconds)
	assert.Equal(t, "", snap.Text())

	s.setState(State{StartedAt: s.Now(), Duration: 5})
	s.clock.Advance(300 * time.Millisecond)
	snap = d.Refresh(ctx)
	assert.True(t, snap.Visible)
	assert.InDelta(t, 4.7, snap.Remaining, 1e-9)
	assert.Equal(t, 5, snap.Seconds)
	assert.False(t, snap.Authority)

	s.clock.Advance(4500 * time.Millisecond)
	d.Refresh(ctx)
	assert.Equal(t, 1, d.Seconds(), "final fraction rounds up")
	assert.True(t, d.Visible())

	s.clock.Advance(time.Second)
	d.Refresh(ctx)
	assert.False(t, d.Visible())
	assert.Zero(t, d.RemainingSeconds())
	assert.Zero(t, d.Seconds())
}

func TestDisplay_NotInSession(t *testing.T) {
	s := newFakeSession(3, true)
	s.setState(State{StartedAt: s.Now(), Duration: 15})
	d := NewDisplay(s, 250*time.Millisecond, s.clock)

	require.True(t, d.Refresh(context.Background()).Visible)

	s.setInSession(false)
	assert.Equal(t, Snapshot{}, d.Refresh(context.Background()))
}

func TestDisplay_ClampsAheadWriter(t *testing.T) {
	s := newFakeSession(3, false)
	// writer's clock a few seconds ahead of ours
	s.setState(State{StartedAt: s.Now() + 3, Duration: 5})
	d := NewDisplay(s, 250*time.Millisecond, s.clock)

	snap := d.Refresh(context.Background())
	assert.Equal(t, 5.0, snap.Remaining)
	assert.Equal(t, 5, snap.Seconds)
}

func TestDisplay_SubscribersOnlyOnChange(t *testing.T) {
	s := newFakeSession(3, false)
	d := NewDisplay(s, 250*time.Millisecond, s.clock)

	var mu sync.Mutex
	var got []Snapshot
	d.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, snap)
	})

	ctx := context.Background()
	d.Refresh(ctx) // zero snapshot, unchanged from initial
	s.setState(State{StartedAt: s.Now(), Duration: 5})
	d.Refresh(ctx)
	d.Refresh(ctx)
	s.setState(IdleState)
	d.Refresh(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.True(t, got[0].Visible)
	assert.Equal(t, 5, got[0].Seconds)
	assert.False(t, got[1].Visible)
}

func TestDisplay_RunPolls(t *testing.T) {
	s := newFakeSession(3, false)
	d := NewDisplay(s, 250*time.Millisecond, s.clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, s.clock.BlockUntilContext(waitCtx, 1))

	s.setState(State{StartedAt: s.Now(), Duration: 2})
	s.clock.Advance(250 * time.Millisecond)
	require.Eventually(t, d.Visible, time.Second, 5*time.Millisecond)

	s.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !d.Visible() }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("display refresher did not stop")
	}
}

func TestDisplay_ConcurrentRefreshPublishesLatest(t *testing.T) {
	s := newFakeSession(3, false)
	d := NewDisplay(s, 250*time.Millisecond, s.clock)
	ctx := context.Background()

	var mu sync.Mutex
	var last Snapshot
	d.Subscribe(func(snap Snapshot) {
		mu.Lock()
		last = snap
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			s.setState(State{StartedAt: s.Now(), Duration: float64(i)})
			d.Refresh(ctx)
		}
	}()
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				d.Refresh(ctx)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, d.Snapshot(), last, "subscribers end on the stored snapshot")
	assert.Equal(t, 200, last.Seconds)
}
