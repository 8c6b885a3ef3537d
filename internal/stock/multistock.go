package stock

import (
	"context"
	"sync"

	"github.com/creachadair/scheddle"
)

// MultiClass extends Class with a per-item lease capacity, used by
// protocols that accept several concurrent requests over one connection
// (WAS, LHTTP workers).
type MultiClass[T any] interface {
	Class[T]
	// MaxLeases reports how many concurrent leases item may serve.
	MaxLeases(item T) int
}

// MultiStock pools items that can serve up to MaxLeases(item) concurrent
// borrowers simultaneously. A lease is released independently; the item
// only returns to the idle set (and starts its idle timer) once every
// lease on it has been released.
type MultiStock[T any] struct {
	class  MultiClass[T]
	cfg    Config
	mu     sync.Mutex
	byKey  map[string][]*multiItem[T]
	expire *scheddle.Queue
}

type multiItem[T any] struct {
	value  T
	max    int
	leases int
	idle   bool
}

// NewMulti creates a MultiStock managing items of class.
func NewMulti[T any](class MultiClass[T], cfg Config) *MultiStock[T] {
	return &MultiStock[T]{
		class:  class,
		cfg:    cfg.withDefaults(),
		byKey:  make(map[string][]*multiItem[T]),
		expire: scheddle.NewQueue(nil),
	}
}

// Get returns a lease on an item for key: an existing item with free
// capacity if one exists, otherwise a newly created one (subject to
// Limit counting items, not leases). The returned func releases exactly
// this one lease; the item is destroyed (not idled) only when the
// caller passes reuse=false on the *last* outstanding lease.
func (s *MultiStock[T]) Get(ctx context.Context, key string) (T, func(reuse bool), error) {
	s.mu.Lock()
	for _, it := range s.byKey[key] {
		if it.leases < it.max {
			it.leases++
			it.idle = false
			s.mu.Unlock()
			return it.value, s.releaseFunc(key, it), nil
		}
	}
	if s.cfg.Limit > 0 && len(s.byKey[key]) >= s.cfg.Limit {
		s.mu.Unlock()
		return *new(T), nil, ErrLimitReached
	}
	s.mu.Unlock()

	v, err := s.class.Create(ctx, key)
	if err != nil {
		var zero T
		return zero, nil, err
	}
	it := &multiItem[T]{value: v, max: max(1, s.class.MaxLeases(v)), leases: 1}
	s.mu.Lock()
	s.byKey[key] = append(s.byKey[key], it)
	s.mu.Unlock()
	return v, s.releaseFunc(key, it), nil
}

func (s *MultiStock[T]) releaseFunc(key string, it *multiItem[T]) func(reuse bool) {
	var once sync.Once
	return func(reuse bool) {
		once.Do(func() { s.release(key, it, reuse) })
	}
}

func (s *MultiStock[T]) release(key string, it *multiItem[T], reuse bool) {
	s.mu.Lock()
	it.leases--
	if !reuse {
		s.removeLocked(key, it)
		s.mu.Unlock()
		s.class.Destroy(it.value)
		return
	}
	if it.leases == 0 {
		it.idle = true
		s.mu.Unlock()
		s.class.Release(it.value)
		s.expire.After(s.cfg.IdleTimeout, func() { s.reapIfStillIdle(key, it) })
		return
	}
	s.mu.Unlock()
}

func (s *MultiStock[T]) reapIfStillIdle(key string, it *multiItem[T]) {
	s.mu.Lock()
	if !it.idle || it.leases != 0 {
		s.mu.Unlock()
		return
	}
	s.removeLocked(key, it)
	s.mu.Unlock()
	s.class.Destroy(it.value)
}

func (s *MultiStock[T]) removeLocked(key string, target *multiItem[T]) {
	list := s.byKey[key]
	for i, it := range list {
		if it == target {
			s.byKey[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// FadeAll destroys every fully-idle item (leases == 0) across all keys,
// forcing subsequent Get calls to create fresh items.
func (s *MultiStock[T]) FadeAll() {
	s.mu.Lock()
	var toDestroy []T
	for key, list := range s.byKey {
		kept := list[:0]
		for _, it := range list {
			if it.leases == 0 {
				toDestroy = append(toDestroy, it.value)
				continue
			}
			kept = append(kept, it)
		}
		s.byKey[key] = kept
	}
	s.mu.Unlock()
	for _, v := range toDestroy {
		s.class.Destroy(v)
	}
}

// Stats reports the number of items and total outstanding leases for
// key.
func (s *MultiStock[T]) Stats(key string) (items, leases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byKey[key]
	items = len(list)
	for _, it := range list {
		leases += it.leases
	}
	return items, leases
}

// TotalStats sums (items, leases) across every key.
func (s *MultiStock[T]) TotalStats() (items, leases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.byKey {
		items += len(list)
		for _, it := range list {
			leases += it.leases
		}
	}
	return items, leases
}
