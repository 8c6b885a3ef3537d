package istream

import (
	"os"
	"sync"
)

// PipePool is the shared pool of OS pipes used by PipeAdapter so that a
// producer offering only regular-file or socket fds can still satisfy a
// consumer that only accepts pipe fds for splice(2) — the pool amortizes
// pipe() syscalls across requests. Acquire never blocks; when the pool
// is empty and the process-wide high-watermark is reached, PipeAdapter
// falls back to copying through userspace instead of failing.
type PipePool struct {
	mu    sync.Mutex
	free  []pipePair
	limit int
	made  int
}

type pipePair struct {
	r, w *os.File
}

// NewPipePool returns a pool that will create at most limit concurrent
// pipe pairs; beyond that, Acquire returns ok=false so the caller can
// fall back to a data-copy path instead of blocking.
func NewPipePool(limit int) *PipePool {
	return &PipePool{limit: limit}
}

// Acquire returns a pipe pair, reusing one from the free list if
// available.
func (p *PipePool) Acquire() (r, w *os.File, ok bool) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		pair := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return pair.r, pair.w, true
	}
	if p.limit > 0 && p.made >= p.limit {
		p.mu.Unlock()
		return nil, nil, false
	}
	p.made++
	p.mu.Unlock()

	r, w, err := os.Pipe()
	if err != nil {
		p.mu.Lock()
		p.made--
		p.mu.Unlock()
		return nil, nil, false
	}
	return r, w, true
}

// Release returns a pipe pair to the pool for reuse.
func (p *PipePool) Release(r, w *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pipePair{r, w})
}

// PipeAdapter lazily acquires a pipe from a shared Pool and splices a
// direct-fd-only producer through it so that a pipe-only consumer can
// still use the zero-copy path. If the pool is exhausted, it falls back
// to ordinary buffered data copy.
type PipeAdapter struct {
	pool    *PipePool
	src     Istream
	handler Handler
	r, w    *os.File
}

// NewPipeAdapter wraps src, an Istream that can only offer
// DirectFile/DirectSocket, so it can additionally satisfy a
// DirectPipe-only consumer.
func NewPipeAdapter(pool *PipePool, src Istream) *PipeAdapter {
	return &PipeAdapter{pool: pool, src: src}
}

func (p *PipeAdapter) Available(partial bool) (int64, bool) { return p.src.Available(partial) }
func (p *PipeAdapter) SetHandler(h Handler)                 { p.handler = h; p.src.SetHandler(p) }
func (p *PipeAdapter) Read()                                { p.src.Read() }
func (p *PipeAdapter) Skip(n int64) (int64, error)          { return p.src.Skip(n) }

func (p *PipeAdapter) DirectMask() []DirectType {
	mask := p.src.DirectMask()
	if !supportsDirect(mask, DirectPipe) {
		mask = append(append([]DirectType{}, mask...), DirectPipe)
	}
	return mask
}

func (p *PipeAdapter) Close() error {
	if p.r != nil {
		p.pool.Release(p.r, p.w)
		p.r, p.w = nil, nil
	}
	return p.src.Close()
}

// OnData forwards straight through; only the direct path needs
// adaptation.
func (p *PipeAdapter) OnData(buf []byte) (int, error) { return p.handler.OnData(buf) }

func (p *PipeAdapter) OnDirect(kind DirectType, fd uintptr, max int64) (DirectResult, error) {
	if kind != DirectFile && kind != DirectSocket {
		return p.handler.OnDirect(kind, fd, max)
	}
	if p.r == nil {
		r, w, ok := p.pool.Acquire()
		if !ok {
			return DirectResult{Again: true}, nil // fall back to OnData
		}
		p.r, p.w = r, w
	}
	n, err := Splice(p.w.Fd(), fd, int(max))
	if err != nil {
		return DirectResult{Again: true}, nil
	}
	res, err := p.handler.OnDirect(DirectPipe, p.r.Fd(), n)
	return res, err
}

func (p *PipeAdapter) OnEOF()            { p.handler.OnEOF() }
func (p *PipeAdapter) OnError(err error) { p.handler.OnError(err) }
