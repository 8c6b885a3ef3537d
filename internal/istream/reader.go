package istream

import "io"

// Reader adapts a plain io.Reader (an HTTP response body, a CGI
// child's stdout pipe, …) into the Istream contract. Unlike File it
// advertises no DirectMask: an arbitrary io.Reader has no fd a
// consumer could splice(2) from.
type Reader struct {
	r       io.Reader
	remain  int64 // -1 = unknown
	handler Handler
	buf     []byte
	pending []byte // unconsumed tail of the last OnData chunk
	closed  bool
	onClose func() error
}

// NewReader wraps r, which will deliver size bytes (-1 if unknown).
// onClose, if non-nil, runs exactly once when the stream reaches a
// terminal state (EOF, error, or an explicit Close) — used to Wait()
// a child process or Close() an HTTP response body.
func NewReader(r io.Reader, size int64, onClose func() error) *Reader {
	return &Reader{r: r, remain: size, buf: make([]byte, 32*1024), onClose: onClose}
}

func (rs *Reader) Available(partial bool) (int64, bool) {
	if rs.remain < 0 {
		return 0, false
	}
	return rs.remain, true
}

func (rs *Reader) SetHandler(h Handler) { rs.handler = h }

func (rs *Reader) DirectMask() []DirectType { return nil }

func (rs *Reader) Read() {
	if rs.closed || rs.handler == nil {
		return
	}
	if len(rs.pending) > 0 {
		consumed, werr := rs.handler.OnData(rs.pending)
		if werr != nil {
			rs.fail(werr)
			return
		}
		if rs.remain > 0 {
			rs.remain -= int64(consumed)
		}
		if rs.pending = rs.pending[consumed:]; len(rs.pending) > 0 {
			return
		}
	}
	for rs.remain != 0 {
		max := len(rs.buf)
		if rs.remain > 0 && rs.remain < int64(max) {
			max = int(rs.remain)
		}
		n, err := rs.r.Read(rs.buf[:max])
		if n > 0 {
			consumed, werr := rs.handler.OnData(rs.buf[:n])
			if werr != nil {
				rs.fail(werr)
				return
			}
			if rs.remain > 0 {
				rs.remain -= int64(consumed)
			}
			if consumed < n {
				rs.pending = rs.buf[consumed:n]
				return // handler blocked on a partial chunk
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			rs.fail(err)
			return
		}
		if n == 0 {
			break
		}
	}
	rs.closed = true
	if rs.onClose != nil {
		rs.onClose()
	}
	rs.handler.OnEOF()
}

func (rs *Reader) fail(err error) {
	rs.closed = true
	if rs.onClose != nil {
		rs.onClose()
	}
	rs.handler.OnError(err)
}

func (rs *Reader) Skip(n int64) (int64, error) {
	written, err := io.CopyN(io.Discard, rs.r, n)
	if rs.remain > 0 {
		rs.remain -= written
	}
	return written, err
}

func (rs *Reader) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	if rs.onClose != nil {
		return rs.onClose()
	}
	return nil
}
