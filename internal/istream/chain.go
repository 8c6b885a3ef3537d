package istream

// Concat chains a sequence of Istreams so they are delivered to a
// single handler back to back, as one logical stream. Closing a Concat
// at any point closes the remaining unread streams in order.
type Concat struct {
	streams []Istream
	idx     int
	handler Handler
	closed  bool
}

// NewConcat returns an Istream that yields the bytes of each of streams
// in order, calling OnEOF only once the last one is exhausted.
func NewConcat(streams ...Istream) *Concat {
	return &Concat{streams: streams}
}

func (c *Concat) Available(partial bool) (int64, bool) {
	if !partial && c.idx < len(c.streams)-1 {
		return 0, false // only the last segment's length is "complete"
	}
	var total int64
	for i := c.idx; i < len(c.streams); i++ {
		n, ok := c.streams[i].Available(true)
		if !ok {
			return 0, false
		}
		total += n
	}
	return total, true
}

func (c *Concat) SetHandler(h Handler) {
	c.handler = h
	c.advance()
}

func (c *Concat) advance() {
	for c.idx < len(c.streams) {
		c.streams[c.idx].SetHandler(&segmentHandler{c: c})
		return
	}
}

// segmentHandler forwards one segment's callbacks to the Concat's own
// handler, except OnEOF, which advances to the next segment instead of
// terminating the whole chain.
type segmentHandler struct{ c *Concat }

func (s *segmentHandler) OnData(buf []byte) (int, error) { return s.c.handler.OnData(buf) }
func (s *segmentHandler) OnDirect(kind DirectType, fd uintptr, max int64) (DirectResult, error) {
	return s.c.handler.OnDirect(kind, fd, max)
}
func (s *segmentHandler) OnError(err error) {
	s.c.closed = true
	s.c.handler.OnError(err)
}
func (s *segmentHandler) OnEOF() {
	s.c.idx++
	if s.c.idx >= len(s.c.streams) {
		s.c.closed = true
		s.c.handler.OnEOF()
		return
	}
	s.c.streams[s.c.idx].SetHandler(s)
	s.c.streams[s.c.idx].Read()
}

func (c *Concat) Read() {
	if c.closed || c.idx >= len(c.streams) {
		return
	}
	c.streams[c.idx].Read()
}

func (c *Concat) Skip(n int64) (int64, error) {
	var skipped int64
	for n > 0 && c.idx < len(c.streams) {
		k, err := c.streams[c.idx].Skip(n)
		skipped += k
		n -= k
		if err != nil {
			return skipped, err
		}
		if n > 0 {
			c.idx++
		}
	}
	return skipped, nil
}

func (c *Concat) DirectMask() []DirectType {
	if c.idx >= len(c.streams) {
		return nil
	}
	return c.streams[c.idx].DirectMask()
}

func (c *Concat) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	for i := c.idx; i < len(c.streams); i++ {
		if err := c.streams[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
