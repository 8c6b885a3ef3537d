// Package control implements the boundary of the control-plane UDP
// protocol spec.md §6 describes: magic-prefixed, length/command-tagged
// records delivered over a UDP socket. The accept loop that feeds
// datagrams to Handle lives at the cmd/beng-proxy boundary (the "TCP
// accept loop"-style transport plumbing spec.md's Non-goals keep out
// of the core); this package owns only decoding the wire format and
// dispatching the one specified command, TCACHE_INVALIDATE, into
// xlatecache.
package control

import (
	"encoding/binary"
	"fmt"

	"github.com/CM4all/beng-proxy/internal/translate"
	"github.com/CM4all/beng-proxy/internal/xlatecache"
)

// Magic precedes every control datagram, per spec.md §6.
const Magic uint32 = 0x63046101

// Command identifies one control record's meaning.
type Command uint16

const (
	CmdNop              Command = 0
	CmdTCacheInvalidate Command = 1
)

// Record is one decoded {length, command, payload} entry.
type Record struct {
	Command Command
	Payload []byte
}

// DecodePacket parses one UDP datagram into its magic-checked sequence
// of records.
func DecodePacket(b []byte) ([]Record, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("control: short packet (%d bytes)", len(b))
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != Magic {
		return nil, fmt.Errorf("control: bad magic %#08x", magic)
	}
	b = b[4:]

	var records []Record
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("control: truncated record header")
		}
		length := binary.BigEndian.Uint16(b[0:2])
		cmd := Command(binary.BigEndian.Uint16(b[2:4]))
		b = b[4:]
		if len(b) < int(length) {
			return nil, fmt.Errorf("control: truncated payload for command %d", cmd)
		}
		records = append(records, Record{Command: cmd, Payload: b[:length:length]})
		b = b[length:]
	}
	return records, nil
}

// EncodePacket is DecodePacket's inverse, for tests and for any future
// control-sending tool.
func EncodePacket(records []Record) []byte {
	buf := make([]byte, 4, 4+len(records)*8)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	for _, r := range records {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(r.Payload)))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(r.Command))
		buf = append(buf, hdr[:]...)
		buf = append(buf, r.Payload...)
	}
	return buf
}

// InvalidateEntry is one field=value constraint carried in a
// TCACHE_INVALIDATE record's payload: "drop every cached entry whose
// Field matches Value."
type InvalidateEntry struct {
	Field translate.Command
	Value string
}

// DecodeInvalidatePayload parses a TCACHE_INVALIDATE record's payload:
// the same length-prefixed, command-tagged shape as the outer packet,
// reused here for the list of field/value constraints.
func DecodeInvalidatePayload(b []byte) ([]InvalidateEntry, error) {
	var entries []InvalidateEntry
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("control: truncated invalidate entry")
		}
		length := binary.BigEndian.Uint16(b[0:2])
		field := translate.Command(binary.BigEndian.Uint16(b[2:4]))
		b = b[4:]
		if len(b) < int(length) {
			return nil, fmt.Errorf("control: truncated invalidate value")
		}
		entries = append(entries, InvalidateEntry{Field: field, Value: string(b[:length])})
		b = b[length:]
	}
	return entries, nil
}

// Handler dispatches decoded control records against a TranslationCache.
type Handler struct {
	Cache *xlatecache.Cache
}

// Handle processes every record in a decoded packet. Unknown commands
// are ignored (a UDP control channel has no caller to report an error
// to); a malformed TCACHE_INVALIDATE payload is returned as an error
// so the caller can log it.
func (h *Handler) Handle(records []Record) error {
	for _, r := range records {
		switch r.Command {
		case CmdTCacheInvalidate:
			entries, err := DecodeInvalidatePayload(r.Payload)
			if err != nil {
				return err
			}
			h.invalidate(entries)
		case CmdNop:
			// no-op, used by health checks (see the original's send-control).
		}
	}
	return nil
}

func (h *Handler) invalidate(entries []InvalidateEntry) {
	if h.Cache == nil || len(entries) == 0 {
		return
	}
	req := &translate.Request{}
	keys := make([]translate.Command, 0, len(entries))
	for _, e := range entries {
		setRequestField(req, e.Field, e.Value)
		keys = append(keys, e.Field)
	}
	h.Cache.Invalidate(req, keys)
}

// setRequestField mirrors xlatecache's own requestFieldValue table in
// reverse, populating the one translate.Request field a given vary
// command reads back out.
func setRequestField(req *translate.Request, field translate.Command, value string) {
	switch field {
	case translate.CmdHost:
		req.Host = value
	case translate.CmdLanguage:
		req.Language = value
	case translate.CmdUserAgent:
		req.UserAgent = value
	case translate.CmdUAClass:
		req.UAClass = value
	case translate.CmdQueryString:
		req.QueryString = value
	case translate.CmdRemoteHost:
		req.RemoteHost = value
	case translate.CmdLocalAddress:
		req.LocalAddress = value
	case translate.CmdSession:
		req.Session = []byte(value)
	}
}
