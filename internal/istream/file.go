package istream

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is an Istream reading a regular file (or char device) from disk.
// It advertises DirectFile/DirectPipe/DirectSocket so consumers that
// accept a raw descriptor can splice(2)/sendfile(2) the bytes without a
// userspace copy; consumers that only accept data fall back to the
// buffered OnData path.
type File struct {
	f       *os.File
	remain  int64 // -1 = unknown (char device)
	handler Handler
	buf     []byte
	pending []byte // unconsumed tail of the last OnData chunk
	closed  bool
}

// NewFile wraps f, which must already be positioned at the desired
// start offset. size is the number of bytes to deliver, or -1 if
// unknown (e.g. a character device).
func NewFile(f *os.File, size int64) *File {
	return &File{f: f, remain: size, buf: make([]byte, 64*1024)}
}

func (fi *File) Available(partial bool) (int64, bool) {
	if fi.remain < 0 {
		return 0, false
	}
	return fi.remain, true
}

func (fi *File) SetHandler(h Handler) { fi.handler = h }

func (fi *File) DirectMask() []DirectType {
	return []DirectType{DirectFile, DirectPipe, DirectSocket, DirectCharDev}
}

func (fi *File) Read() {
	if fi.closed || fi.handler == nil {
		return
	}
	if len(fi.pending) > 0 {
		consumed, werr := fi.handler.OnData(fi.pending)
		if werr != nil {
			fi.fail(werr)
			return
		}
		if fi.remain > 0 {
			fi.remain -= int64(consumed)
		}
		if fi.pending = fi.pending[consumed:]; len(fi.pending) > 0 {
			return
		}
	}
	for fi.remain != 0 {
		max := int64(len(fi.buf))
		if fi.remain > 0 && fi.remain < max {
			max = fi.remain
		}
		// Offer the raw fd first; callers that can't use it return
		// Again and we fall back to a buffered read for this chunk.
		res, err := fi.handler.OnDirect(DirectFile, fi.f.Fd(), max)
		if err != nil {
			fi.fail(err)
			return
		}
		if res.Consumed > 0 {
			if fi.remain > 0 {
				fi.remain -= res.Consumed
			}
			if res.Consumed < max {
				return // partial consume; wait for next Read
			}
			continue
		}
		if !res.Again {
			return // direct transfer pending asynchronously
		}

		n, err := fi.f.Read(fi.buf[:max])
		if n > 0 {
			consumed, werr := fi.handler.OnData(fi.buf[:n])
			if werr != nil {
				fi.fail(werr)
				return
			}
			if fi.remain > 0 {
				fi.remain -= int64(consumed)
			}
			if consumed < n {
				fi.pending = fi.buf[consumed:n]
				return // handler blocked on a partial chunk
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fi.fail(err)
			return
		}
		if n == 0 {
			break
		}
	}
	fi.closed = true
	fi.f.Close()
	fi.handler.OnEOF()
}

func (fi *File) fail(err error) {
	fi.closed = true
	fi.f.Close()
	fi.handler.OnError(err)
}

func (fi *File) Skip(n int64) (int64, error) {
	off, err := fi.f.Seek(n, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if fi.remain > 0 {
		fi.remain -= n
	}
	_ = off
	return n, nil
}

func (fi *File) Close() error {
	if fi.closed {
		return nil
	}
	fi.closed = true
	return fi.f.Close()
}

// Splice moves up to max bytes from src directly into dst using
// splice(2), falling back to -1,unix.EINVAL-style errors the caller
// should interpret as "use the buffered path instead" when the kernel
// can't splice between these two descriptor types (e.g. two regular
// files).
func Splice(dst, src uintptr, max int) (int64, error) {
	n, err := unix.Splice(int(src), nil, int(dst), nil, max, unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
	if err != nil {
		return 0, fmt.Errorf("istream: splice: %w", err)
	}
	return n, nil
}
