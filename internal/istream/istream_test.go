package istream

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	src := NewMemory([]byte("hello world"))
	var buf bytes.Buffer
	eof := false
	h := &CopyHandler{W: &buf, onClose: func() { eof = true }}
	src.SetHandler(h)
	src.Read()
	if !eof {
		t.Fatal("expected OnEOF")
	}
	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestMemoryPartialConsume(t *testing.T) {
	src := NewMemory([]byte("abcdef"))
	var got []byte
	calls := 0
	h := &partialHandler{limit: 2, out: &got, calls: &calls}
	src.SetHandler(h)
	src.Read()
	src.Read()
	src.Read()
	if string(got) != "abcdef" {
		t.Fatalf("got %q", got)
	}
}

type partialHandler struct {
	limit int
	out   *[]byte
	calls *int
}

func (h *partialHandler) OnData(buf []byte) (int, error) {
	*h.calls++
	n := len(buf)
	if n > h.limit {
		n = h.limit
	}
	*h.out = append(*h.out, buf[:n]...)
	return n, nil
}
func (h *partialHandler) OnDirect(DirectType, uintptr, int64) (DirectResult, error) {
	return DirectResult{}, errors.New("unsupported")
}
func (h *partialHandler) OnEOF()            {}
func (h *partialHandler) OnError(err error) {}

func TestConcatJoinsSegments(t *testing.T) {
	c := NewConcat(NewMemory([]byte("foo")), NewMemory([]byte("bar")))
	var buf bytes.Buffer
	done := false
	h := &CopyHandler{W: &buf, onClose: func() { done = true }}
	c.SetHandler(h)
	for !done {
		c.Read()
	}
	if buf.String() != "foobar" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestMemoryErrorPropagates(t *testing.T) {
	src := NewMemory([]byte("x"))
	h := &erroringHandler{}
	src.SetHandler(h)
	src.Read()
	if !h.gotErr {
		t.Fatal("expected OnError")
	}
}

type erroringHandler struct{ gotErr bool }

func (h *erroringHandler) OnData(buf []byte) (int, error) { return 0, errors.New("boom") }
func (h *erroringHandler) OnDirect(DirectType, uintptr, int64) (DirectResult, error) {
	return DirectResult{}, nil
}
func (h *erroringHandler) OnEOF()            {}
func (h *erroringHandler) OnError(err error) { h.gotErr = true }
