// Package cache stores rendered report bodies for windows that have
// already closed, so repeated requests for last week or last month do not
// re-query every source.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
)

const keyPrefix = "cdrstat:"

// Store is the backing key-value store; *redis.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Report is a rendered report body and what the caller accounts for it.
// Rows and Failed are only known for freshly computed reports.
type Report struct {
	Body   []byte
	Rows   int
	Failed []string
}

// Cacheable reports whether r may be stored. A report with failed sources
// is incomplete and is never stored.
func (r Report) Cacheable() bool {
	return len(r.Failed) == 0
}

// ComputeFunc renders a report.
type ComputeFunc func(ctx context.Context) (Report, error)

type ReportCache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func New(store Store, ttl time.Duration) *ReportCache {
	return &ReportCache{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "report-cache"),
	}
}

// Key identifies a report for an endpoint and window.
func Key(endpoint string, w window.Window) string {
	hash := sha256.Sum256([]byte(endpoint + "|" + w.Key()))
	return fmt.Sprintf("%s%s:%x", keyPrefix, endpoint, hash[:16])
}

func (c *ReportCache) get(ctx context.Context, key string) ([]byte, bool) {
	body, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Error("cache get failed", "key", key, "error", err)
		return nil, false
	}
	return body, found
}

func (c *ReportCache) set(ctx context.Context, key string, body []byte) {
	if err := c.store.Set(ctx, key, body, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached report for key, or computes it.
// Concurrent misses on the same key share one computation, which runs
// detached from the first caller's cancellation so that caller leaving
// does not fail everyone waiting on it; its deadline still applies. Each
// caller stops waiting when its own ctx ends. Store failures degrade to a
// miss. hit reports whether the body came from the store.
func (c *ReportCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (rep Report, hit bool, err error) {
	if body, ok := c.get(ctx, key); ok {
		c.hits.Add(1)
		c.logger.Debug("cache hit", "key", key)
		return Report{Body: body}, true, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key, func() (any, error) {
		ctx, cancel := detach(ctx)
		defer cancel()
		if body, ok := c.get(ctx, key); ok {
			return Report{Body: body}, nil
		}
		fresh, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if fresh.Cacheable() {
			c.set(ctx, key, fresh.Body)
		}
		return fresh, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Report{}, false, res.Err
		}
		if res.Shared {
			c.logger.Debug("joined in-flight report", "key", key)
		}
		return res.Val.(Report), false, nil
	case <-ctx.Done():
		return Report{}, false, ctx.Err()
	}
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return detached, func() {}
}

func (c *ReportCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
