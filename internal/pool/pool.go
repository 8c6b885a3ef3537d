// Package pool implements the per-request arena: a lifetime root that a
// request's transient objects are attached to, so they can all be torn
// down together when the request completes instead of individually.
//
// Go's garbage collector makes manual allocation unnecessary, but the
// spec's requirement survives in a different shape: many request-scoped
// resources (leases, istreams, child pools) must be released as a group,
// in a defined order, exactly once, even when released early by
// cancellation. Pool provides that group-release discipline.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool is a request-scoped lifetime root. Zero value is usable as a
// top-level pool; child pools are created with NewChild.
type Pool struct {
	name     string
	parent   *Pool
	mu       sync.Mutex
	children []*Pool
	attached []attachment
	released atomic.Bool
	refs     atomic.Int32
}

type attachment struct {
	name  string
	close func()
}

// New creates a top-level pool. name is used only for diagnostics
// (panic messages and Name).
func New(name string) *Pool {
	return &Pool{name: name}
}

// NewChild creates a pool whose Release is automatically called when p
// is released, before p's own attachments are torn down. This
// mirrors the arena's nested-pool semantics from the C original.
func (p *Pool) NewChild(name string) *Pool {
	child := &Pool{name: name, parent: p}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released.Load() {
		panic(fmt.Sprintf("pool: NewChild(%q) on released pool %q", name, p.name))
	}
	p.children = append(p.children, child)
	return child
}

// Attach registers a foreign object to be closed when p is released.
// Attachments run in LIFO order, most-recently-attached first, mirroring
// normal defer/cleanup stacking.
func (p *Pool) Attach(name string, close func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released.Load() {
		panic(fmt.Sprintf("pool: Attach(%q) on released pool %q", name, p.name))
	}
	p.attached = append(p.attached, attachment{name: name, close: close})
}

// Ref increments a scoped reference count, deferring Release's actual
// teardown until the matching Unref brings the count back to zero. This
// lets a callback hold a pool alive past the point its owner would
// otherwise release it.
func (p *Pool) Ref() { p.refs.Add(1) }

// Unref decrements the reference count. When it reaches zero and a
// Release was requested while refs were outstanding, teardown runs now.
func (p *Pool) Unref() {
	if p.refs.Add(-1) == 0 && p.released.Load() {
		p.teardown()
	}
}

// Release tears down all children (recursively, most-recently-created
// first) and attachments (LIFO), then marks p as released. Any pointer
// or handle derived from p must not be used after this call; nothing
// is poisoned on release, so such a use is not detected.
func (p *Pool) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return // already released or releasing
	}
	if p.refs.Load() > 0 {
		return // deferred to the last Unref
	}
	p.teardown()
}

func (p *Pool) teardown() {
	p.mu.Lock()
	children := p.children
	p.children = nil
	attached := p.attached
	p.attached = nil
	p.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Release()
	}
	for i := len(attached) - 1; i >= 0; i-- {
		attached[i].close()
	}
}

// Live reports whether p has not yet been released. Handlers that might
// run after an outward call that could have destroyed p should check
// Live before touching anything derived from it — the Go stand-in for
// the source's DestructObserver re-entrancy guard.
func (p *Pool) Live() bool { return !p.released.Load() }

// Name returns the pool's diagnostic name.
func (p *Pool) Name() string { return p.name }
