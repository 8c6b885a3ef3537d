// Package snapshot periodically collects process-wide cache/connection
// counters and exports them as the beng_control_stats-equivalent record
// spec.md §6 ("Stats") describes, optionally pushing a JSON copy to an
// S3-compatible bucket for offline inspection (SPEC_FULL.md §4.14).
// This package is observability-only: nothing elsewhere in the module
// reads back what it writes.
package snapshot

import "encoding/binary"

// Counters is the Go-native form of the beng_control_stats record.
// Field order matches the original's bp_get_stats assignment order
// (incoming/outgoing connections, children, sessions, http_requests,
// then each cache's netto size, then each cache's brutto size, then
// the shared I/O buffer pool's netto/brutto sizes) so EncodeWire
// reproduces the original's byte layout exactly.
type Counters struct {
	IncomingConnections uint32
	OutgoingConnections uint32
	Children            uint32
	Sessions            uint32
	HTTPRequests        uint64

	TranslationCacheSize       uint64
	HTTPCacheSize              uint64
	FilterCacheSize            uint64
	TranslationCacheBruttoSize uint64
	HTTPCacheBruttoSize        uint64
	FilterCacheBruttoSize      uint64

	// NFSCacheSize/NFSCacheBruttoSize are always zero: the NFS client is
	// a handler-contract boundary only (spec.md's Non-goals exclude its
	// concrete implementation), so there is no NFS cache to measure.
	// The fields are kept so the wire record's layout still matches the
	// original's struct, which carries them unconditionally.
	NFSCacheSize       uint64
	NFSCacheBruttoSize uint64

	IOBuffersSize       uint64
	IOBuffersBruttoSize uint64
}

// WireSize is the encoded length of a Counters record: four uint32
// fields followed by eleven uint64 fields.
const WireSize = 4*4 + 11*8

// EncodeWire marshals c into the big-endian beng_control_stats wire
// format, byte-compatible with the original per spec.md §6.
func (c Counters) EncodeWire() []byte {
	buf := make([]byte, WireSize)
	binary.BigEndian.PutUint32(buf[0:4], c.IncomingConnections)
	binary.BigEndian.PutUint32(buf[4:8], c.OutgoingConnections)
	binary.BigEndian.PutUint32(buf[8:12], c.Children)
	binary.BigEndian.PutUint32(buf[12:16], c.Sessions)
	binary.BigEndian.PutUint64(buf[16:24], c.HTTPRequests)
	binary.BigEndian.PutUint64(buf[24:32], c.TranslationCacheSize)
	binary.BigEndian.PutUint64(buf[32:40], c.HTTPCacheSize)
	binary.BigEndian.PutUint64(buf[40:48], c.FilterCacheSize)
	binary.BigEndian.PutUint64(buf[48:56], c.TranslationCacheBruttoSize)
	binary.BigEndian.PutUint64(buf[56:64], c.HTTPCacheBruttoSize)
	binary.BigEndian.PutUint64(buf[64:72], c.FilterCacheBruttoSize)
	binary.BigEndian.PutUint64(buf[72:80], c.NFSCacheSize)
	binary.BigEndian.PutUint64(buf[80:88], c.NFSCacheBruttoSize)
	binary.BigEndian.PutUint64(buf[88:96], c.IOBuffersSize)
	binary.BigEndian.PutUint64(buf[96:104], c.IOBuffersBruttoSize)
	return buf
}

// DecodeWire parses a beng_control_stats record, for tests and for any
// future control-channel consumer that wants to read it back.
func DecodeWire(buf []byte) (Counters, bool) {
	if len(buf) < WireSize {
		return Counters{}, false
	}
	return Counters{
		IncomingConnections:        binary.BigEndian.Uint32(buf[0:4]),
		OutgoingConnections:        binary.BigEndian.Uint32(buf[4:8]),
		Children:                   binary.BigEndian.Uint32(buf[8:12]),
		Sessions:                   binary.BigEndian.Uint32(buf[12:16]),
		HTTPRequests:               binary.BigEndian.Uint64(buf[16:24]),
		TranslationCacheSize:       binary.BigEndian.Uint64(buf[24:32]),
		HTTPCacheSize:              binary.BigEndian.Uint64(buf[32:40]),
		FilterCacheSize:            binary.BigEndian.Uint64(buf[40:48]),
		TranslationCacheBruttoSize: binary.BigEndian.Uint64(buf[48:56]),
		HTTPCacheBruttoSize:        binary.BigEndian.Uint64(buf[56:64]),
		FilterCacheBruttoSize:      binary.BigEndian.Uint64(buf[64:72]),
		NFSCacheSize:               binary.BigEndian.Uint64(buf[72:80]),
		NFSCacheBruttoSize:         binary.BigEndian.Uint64(buf[80:88]),
		IOBuffersSize:              binary.BigEndian.Uint64(buf[88:96]),
		IOBuffersBruttoSize:        binary.BigEndian.Uint64(buf[96:104]),
	}, true
}
