// Package backgroundrefresher implements a generic TTL cache with
// single-flight refresh and stale-on-error fallback (component C). It is
// parametric over the loader function so the same type backs both the
// token->team_id table and the per-partition broker high-watermark table,
// avoiding an inheritance hierarchy of near-identical caches.
package backgroundrefresher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/singleflight"
)

// Loader produces a fresh value of T, or an error.
type Loader[T any] func(ctx context.Context) (T, error)

// Refresher holds a value of T populated by Loader and kept fresh on
// Interval. The first Get blocks for the initial load; subsequent calls
// return the last good value immediately and trigger a background refresh
// once it is older than Interval. A failed refresh never evicts the
// previous value.
type Refresher[T any] struct {
	loader   Loader[T]
	interval time.Duration
	logger   log.Logger
	name     string

	group singleflight.Group

	mu          sync.RWMutex
	value       T
	hasValue    bool
	updatedAt   time.Time
	lastAttempt time.Time
}

// New builds a Refresher. name is used only in log lines to disambiguate
// multiple refreshers in the same process.
func New[T any](name string, interval time.Duration, loader Loader[T], logger log.Logger) *Refresher[T] {
	return &Refresher[T]{
		loader:   loader,
		interval: interval,
		logger:   logger,
		name:     name,
	}
}

// Get returns the current value, loading it synchronously if this is the
// first call, and kicking off a background refresh (at most one in flight)
// if the cached value has gone stale.
func (r *Refresher[T]) Get(ctx context.Context) (T, error) {
	r.mu.RLock()
	value, has, age := r.value, r.hasValue, time.Since(r.updatedAt)
	r.mu.RUnlock()

	if !has {
		return r.loadSync(ctx)
	}

	if age >= r.interval {
		r.triggerAsyncRefresh()
	}

	return value, nil
}

func (r *Refresher[T]) loadSync(ctx context.Context) (T, error) {
	v, err, _ := r.group.Do("load", func() (interface{}, error) {
		return r.loader(ctx)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: initial load failed: %w", r.name, err)
	}

	value := v.(T)
	r.mu.Lock()
	r.value = value
	r.hasValue = true
	r.updatedAt = time.Now()
	r.mu.Unlock()

	return value, nil
}

func (r *Refresher[T]) triggerAsyncRefresh() {
	r.mu.Lock()
	if time.Since(r.lastAttempt) < r.interval {
		r.mu.Unlock()
		return
	}
	r.lastAttempt = time.Now()
	r.mu.Unlock()

	go func() {
		_, _, _ = r.group.Do("load", func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			defer cancel()

			v, err := r.loader(ctx)
			if err != nil {
				level.Warn(r.logger).Log("msg", "background refresh failed, serving stale value", "refresher", r.name, "err", err)
				return nil, err
			}

			r.mu.Lock()
			r.value = v
			r.hasValue = true
			r.updatedAt = time.Now()
			r.mu.Unlock()

			return v, nil
		})
	}()
}
