package stock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeItem struct{ id int }

type fakeClass struct {
	created   atomic.Int32
	destroyed atomic.Int32
	borrowOK  atomic.Bool
}

func newFakeClass() *fakeClass {
	c := &fakeClass{}
	c.borrowOK.Store(true)
	return c
}

func (c *fakeClass) Create(ctx context.Context, key string) (*fakeItem, error) {
	id := int(c.created.Add(1))
	return &fakeItem{id: id}, nil
}
func (c *fakeClass) Borrow(item *fakeItem) bool { return c.borrowOK.Load() }
func (c *fakeClass) Release(item *fakeItem)     {}
func (c *fakeClass) Destroy(item *fakeItem)     { c.destroyed.Add(1) }

func TestGetCreatesAndReuses(t *testing.T) {
	class := newFakeClass()
	s := New[*fakeItem](class, Config{Limit: 2, MaxIdle: 2, IdleTimeout: time.Minute})

	it1, put1, err := s.Get(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	put1(true)

	it2, put2, err := s.Get(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer put2(true)

	if it1 != it2 {
		t.Fatalf("expected idle item reuse, got different items %v %v", it1, it2)
	}
	if class.created.Load() != 1 {
		t.Fatalf("created = %d, want 1", class.created.Load())
	}
}

func TestPutDestroyNotReused(t *testing.T) {
	class := newFakeClass()
	s := New[*fakeItem](class, Config{Limit: 2, MaxIdle: 2, IdleTimeout: time.Minute})

	it1, put1, _ := s.Get(context.Background(), "k")
	put1(false) // reuse=false

	it2, put2, _ := s.Get(context.Background(), "k")
	defer put2(true)

	if it1 == it2 {
		t.Fatal("expected a fresh item after reuse=false release")
	}
	if class.destroyed.Load() != 1 {
		t.Fatalf("destroyed = %d, want 1", class.destroyed.Load())
	}
}

func TestFadeAllDestroysIdle(t *testing.T) {
	class := newFakeClass()
	s := New[*fakeItem](class, Config{Limit: 2, MaxIdle: 2, IdleTimeout: time.Minute})

	_, put1, _ := s.Get(context.Background(), "k")
	put1(true)

	s.FadeAll()

	if class.destroyed.Load() != 1 {
		t.Fatalf("destroyed = %d, want 1 after FadeAll", class.destroyed.Load())
	}
	_, idle := s.Stats("k")
	if idle != 0 {
		t.Fatalf("idle = %d, want 0 after FadeAll", idle)
	}
}

func TestTotalStatsSumsAcrossKeys(t *testing.T) {
	class := newFakeClass()
	s := New[*fakeItem](class, Config{Limit: 2, MaxIdle: 2, IdleTimeout: time.Minute})

	_, putA, _ := s.Get(context.Background(), "a")
	_, putB, _ := s.Get(context.Background(), "b")
	putB(true)

	busy, idle := s.TotalStats()
	if busy != 1 || idle != 1 {
		t.Fatalf("TotalStats = (%d, %d), want (1, 1)", busy, idle)
	}
	putA(true)
}

func TestBorrowProbeFailureDestroysAndRetries(t *testing.T) {
	class := newFakeClass()
	s := New[*fakeItem](class, Config{Limit: 2, MaxIdle: 2, IdleTimeout: time.Minute})

	it1, put1, _ := s.Get(context.Background(), "k")
	put1(true)

	class.borrowOK.Store(false) // simulate peer having closed the idle connection

	it2, put2, err := s.Get(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer put2(true)

	if it1 == it2 {
		t.Fatal("expected a fresh item when borrow probe fails")
	}
	if class.destroyed.Load() != 1 {
		t.Fatalf("destroyed = %d, want 1", class.destroyed.Load())
	}
	if class.created.Load() != 2 {
		t.Fatalf("created = %d, want 2", class.created.Load())
	}
}

func TestLimitBlocksUntilRelease(t *testing.T) {
	class := newFakeClass()
	s := New[*fakeItem](class, Config{Limit: 1, MaxIdle: 1, IdleTimeout: time.Minute})

	_, put1, _ := s.Get(context.Background(), "k")

	done := make(chan struct{})
	go func() {
		_, put2, err := s.Get(context.Background(), "k")
		if err != nil {
			t.Error(err)
			return
		}
		put2(true)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second Get should have blocked while at limit")
	default:
	}

	put1(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Get never unblocked after release")
	}
}
