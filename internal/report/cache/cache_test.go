package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	setKeys []string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.setKeys = append(m.setKeys, key)
	return nil
}

func TestGetOrComputeCachesCacheableBodies(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute)
	calls := 0
	compute := func(context.Context) (Report, error) {
		calls++
		return Report{Body: []byte(`{"ok":true}`), Rows: 1}, nil
	}

	rep, hit, err := c.GetOrCompute(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, `{"ok":true}`, string(rep.Body))
	assert.Equal(t, 1, rep.Rows)

	rep, hit, err = c.GetOrCompute(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, `{"ok":true}`, string(rep.Body))
	assert.Equal(t, 1, calls)

	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
}

func TestGetOrComputeSkipsUncacheable(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute)
	rep, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (Report, error) {
		return Report{Body: []byte(`{"errors":[]}`), Failed: []string{"pbx2"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pbx2"}, rep.Failed)
	assert.Empty(t, store.setKeys)
}

func TestGetOrComputeStoreFailureIsMiss(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("redis down")
	c := New(store, time.Minute)
	rep, hit, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (Report, error) {
		return Report{Body: []byte("x")}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "x", string(rep.Body))
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	c := New(newMemStore(), time.Minute)
	_, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (Report, error) {
		return Report{}, errors.New("render failed")
	})
	assert.EqualError(t, err, "render failed")
}

func TestGetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	c := New(newMemStore(), time.Minute)
	var calls atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			rep, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (Report, error) {
				calls.Add(1)
				<-release
				return Report{Body: []byte("v"), Rows: 3, Failed: []string{"pbx2"}}, nil
			})
			assert.NoError(t, err)
			// Every caller sees the accounting of the shared computation.
			assert.Equal(t, 3, rep.Rows)
			assert.Equal(t, []string{"pbx2"}, rep.Failed)
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetOrComputeSurvivesFirstCallerLeaving(t *testing.T) {
	c := New(newMemStore(), time.Minute)
	started := make(chan struct{})
	var once sync.Once
	var calls atomic.Int64
	compute := func(ctx context.Context) (Report, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		select {
		case <-time.After(100 * time.Millisecond):
			return Report{Body: []byte("v"), Rows: 2}, nil
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, "k", compute)
		leaderErr <- err
	}()
	<-started

	type result struct {
		rep Report
		err error
	}
	follower := make(chan result, 1)
	go func() {
		rep, _, err := c.GetOrCompute(context.Background(), "k", compute)
		follower <- result{rep, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, "v", string(got.rep.Body))
	assert.Equal(t, 2, got.rep.Rows)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetOrComputeKeepsTheCallerDeadline(t *testing.T) {
	c := New(newMemStore(), time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	want, _ := ctx.Deadline()

	_, _, err := c.GetOrCompute(ctx, "k", func(ctx context.Context) (Report, error) {
		got, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.Equal(t, want, got)
		return Report{Body: []byte("v")}, nil
	})
	require.NoError(t, err)
}

func TestKeyDistinguishesEndpointAndWindow(t *testing.T) {
	w1 := window.Window{Period: window.PeriodWeek, Start: time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)}
	w2 := window.Window{Period: window.PeriodMonth, Start: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}

	assert.Equal(t, Key("callstat", w1), Key("callstat", w1))
	assert.NotEqual(t, Key("callstat", w1), Key("asrstat", w1))
	assert.NotEqual(t, Key("callstat", w1), Key("callstat", w2))
	assert.Contains(t, Key("callstat", w1), "cdrstat:callstat:")
}
