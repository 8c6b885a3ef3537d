package istream

// Memory is an Istream backed by an in-memory byte slice, used for
// synthetic responses (redirects, error bodies, translation-cache
// expansion results) that never need a direct-fd path.
type Memory struct {
	data    []byte
	pos     int
	handler Handler
	closed  bool
}

// NewMemory returns an Istream that yields data in one or more Read
// calls, then OnEOF.
func NewMemory(data []byte) *Memory {
	return &Memory{data: data}
}

func (m *Memory) Available(partial bool) (int64, bool) {
	return int64(len(m.data) - m.pos), true
}

func (m *Memory) SetHandler(h Handler) { m.handler = h }

func (m *Memory) Read() {
	if m.closed || m.handler == nil {
		return
	}
	for m.pos < len(m.data) {
		n, err := m.handler.OnData(m.data[m.pos:])
		if err != nil {
			m.closed = true
			m.handler.OnError(err)
			return
		}
		if n == 0 {
			return // consumer blocked; retry on next Read
		}
		m.pos += n
	}
	m.closed = true
	m.handler.OnEOF()
}

func (m *Memory) Skip(n int64) (int64, error) {
	remain := int64(len(m.data) - m.pos)
	if n > remain {
		n = remain
	}
	m.pos += int(n)
	return n, nil
}

func (m *Memory) DirectMask() []DirectType { return nil }

func (m *Memory) Close() error {
	m.closed = true
	return nil
}
