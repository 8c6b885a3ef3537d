// Package stock implements Stock, a keyed pool of reusable items
// (upstream connections, child processes, pipes), and MultiStock, a
// variant where a single item can serve several concurrent leases.
//
// The idle-timer plumbing is grounded on the teacher's
// cache-plus-background-task pairing (revproxy.go's mcache/expire
// fields): there the pairing expires cache entries; here it expires
// idle pool items. tailscale.com/syncs.Map stands in for the teacher's
// direct tailscale.com dependency, giving the per-key item table a
// typed, lock-free-read-biased concurrent map instead of a bespoke
// map+mutex.
package stock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/scheddle"
	"tailscale.com/syncs"
)

// Class supplies the lifecycle callbacks for the items a Stock manages.
// Create may block (e.g. dialing a socket or forking a child); Borrow is
// called with the item already idle, to confirm it's still usable before
// handing it to a new caller (e.g. a non-blocking recv probe); Release
// prepares a returning item for the idle list; Destroy tears it down.
type Class[T any] interface {
	Create(ctx context.Context, key string) (T, error)
	Borrow(item T) bool
	Release(item T)
	Destroy(item T)
}

// Config bounds one Stock's behaviour per key.
type Config struct {
	Limit      int           // max simultaneously existing items per key; 0 = unbounded
	MaxIdle    int           // max idle items kept per key
	IdleTimeout time.Duration // default 300s per spec §4.5
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	return c
}

type perKey[T any] struct {
	mu      sync.Mutex
	busy    int
	idle    []idleItem[T]
	waiters []chan struct{}
}

type idleItem[T any] struct {
	value T
	timer *scheddle.Task
}

// Stock is a keyed pool of class-T items. A single scheddle.Queue is
// shared by every key's idle timers, matching the teacher's one
// queue-per-server sizing (revproxy.go's s.expire) rather than one
// timer goroutine per item.
type Stock[T any] struct {
	class  Class[T]
	cfg    Config
	expire *scheddle.Queue
	keys   syncs.Map[string, *perKey[T]]
}

// New creates a Stock managing items of class.
func New[T any](class Class[T], cfg Config) *Stock[T] {
	return &Stock[T]{
		class:  class,
		cfg:    cfg.withDefaults(),
		expire: scheddle.NewQueue(nil),
	}
}

func (s *Stock[T]) keyState(key string) *perKey[T] {
	pk, _ := s.keys.LoadOrStore(key, &perKey[T]{})
	return pk
}

// Get returns an item for key, reusing an idle one when possible and
// creating a new one (subject to Limit) otherwise. It blocks until an
// item is available, the context is cancelled, or Create fails. A
// waiter woken by a release re-runs this same logic rather than being
// handed a value directly, so it always observes the current idle list
// and limit instead of racing with other waiters over one handoff.
func (s *Stock[T]) Get(ctx context.Context, key string) (T, func(reuse bool), error) {
	pk := s.keyState(key)

	for {
		pk.mu.Lock()
		for len(pk.idle) > 0 {
			n := len(pk.idle) - 1
			it := pk.idle[n]
			pk.idle = pk.idle[:n]
			it.timer.Cancel()
			pk.mu.Unlock()

			if s.class.Borrow(it.value) {
				pk.mu.Lock()
				pk.busy++
				pk.mu.Unlock()
				return it.value, s.releaseFunc(key, pk, it.value), nil
			}
			// Borrow probe failed (peer closed, idle-probe tripped
			// between events): destroy and try the next idle item or
			// fall through to creating a fresh one.
			s.class.Destroy(it.value)
			pk.mu.Lock()
		}

		if s.cfg.Limit > 0 && pk.busy+len(pk.idle) >= s.cfg.Limit {
			wake := make(chan struct{}, 1)
			pk.waiters = append(pk.waiters, wake)
			pk.mu.Unlock()
			select {
			case <-wake:
				continue // re-check idle list / limit from the top
			case <-ctx.Done():
				return *new(T), nil, ctx.Err()
			}
		}
		pk.busy++
		pk.mu.Unlock()

		v, err := s.class.Create(ctx, key)
		if err != nil {
			pk.mu.Lock()
			pk.busy--
			pk.mu.Unlock()
			s.wakeOneWaiter(pk)
			return v, nil, err
		}
		return v, s.releaseFunc(key, pk, v), nil
	}
}

// GetNow is the synchronous variant for classes whose Create never
// blocks (e.g. a pre-opened file descriptor pool).
func (s *Stock[T]) GetNow(key string) (T, func(reuse bool), error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return s.Get(ctx, key)
}

// wakeOneWaiter wakes a single blocked Get call, if any, to re-check the
// idle list and limit now that busy or idle has changed.
func (s *Stock[T]) wakeOneWaiter(pk *perKey[T]) bool {
	pk.mu.Lock()
	if len(pk.waiters) == 0 {
		pk.mu.Unlock()
		return false
	}
	w := pk.waiters[0]
	pk.waiters = pk.waiters[1:]
	pk.mu.Unlock()
	select {
	case w <- struct{}{}:
	default:
	}
	return true
}

// releaseFunc returns the Put closure bound to one borrowed item.
func (s *Stock[T]) releaseFunc(key string, pk *perKey[T], v T) func(reuse bool) {
	var once sync.Once
	return func(reuse bool) {
		once.Do(func() {
			s.put(key, pk, v, !reuse)
		})
	}
}

func (s *Stock[T]) put(key string, pk *perKey[T], v T, destroy bool) {
	pk.mu.Lock()
	pk.busy--
	pk.mu.Unlock()

	if destroy {
		s.class.Destroy(v)
		s.wakeOneWaiter(pk)
		return
	}

	s.class.Release(v)

	pk.mu.Lock()
	if len(pk.idle) >= s.cfg.MaxIdle {
		pk.mu.Unlock()
		s.class.Destroy(v)
		s.wakeOneWaiter(pk)
		return
	}
	task := s.expire.After(s.cfg.IdleTimeout, func() {
		s.reapIdle(pk, v)
	})
	pk.idle = append(pk.idle, idleItem[T]{value: v, timer: task})
	pk.mu.Unlock()
	s.wakeOneWaiter(pk)
}

func (s *Stock[T]) reapIdle(pk *perKey[T], v T) {
	pk.mu.Lock()
	for i, it := range pk.idle {
		if any(it.value) == any(v) {
			pk.idle = append(pk.idle[:i], pk.idle[i+1:]...)
			pk.mu.Unlock()
			s.class.Destroy(v)
			return
		}
	}
	pk.mu.Unlock()
}

// FadeAll marks every currently idle item for destruction: it destroys
// them immediately (matching the spec's "no item released to idle
// survives a fade" invariant) so the next Get for any key is forced to
// create a fresh item.
func (s *Stock[T]) FadeAll() {
	s.keys.Range(func(key string, pk *perKey[T]) bool {
		pk.mu.Lock()
		idle := pk.idle
		pk.idle = nil
		pk.mu.Unlock()
		for _, it := range idle {
			it.timer.Cancel()
			s.class.Destroy(it.value)
		}
		return true
	})
}

// Stats reports the (busy, idle) counts for key.
func (s *Stock[T]) Stats(key string) (busy, idle int) {
	pk, ok := s.keys.Load(key)
	if !ok {
		return 0, 0
	}
	pk.mu.Lock()
	defer pk.mu.Unlock()
	return pk.busy, len(pk.idle)
}

// TotalStats sums (busy, idle) across every key, for process-wide stats
// export (spec.md §6 "outgoing connections").
func (s *Stock[T]) TotalStats() (busy, idle int) {
	s.keys.Range(func(_ string, pk *perKey[T]) bool {
		pk.mu.Lock()
		busy += pk.busy
		idle += len(pk.idle)
		pk.mu.Unlock()
		return true
	})
	return busy, idle
}

// ErrLimitReached is returned by a non-blocking Get variant when the
// per-key limit has been reached and no idle item is available.
var ErrLimitReached = errors.New("stock: per-key limit reached")

func (s *Stock[T]) String() string {
	return fmt.Sprintf("stock<%T>", *new(T))
}
