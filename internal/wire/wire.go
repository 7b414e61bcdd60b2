// Package wire frames cache entries for the remote tier. The envelope
// carries the creation time and TTL that define logical expiry, the hit
// counter behind fast-tier promotion, and the entry's tags, so a value
// survives a round trip through any byte store unchanged in meaning.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("backstop: corrupt cache entry")
	magic4     = [...]byte{'B', 'K', 'S', 'E'}
)

// Entry is one remote-tier cache record.
//
// Layout:
//
//	magic(4) | ver(1) | createdAt ms (u64 be) | ttl ms (u64 be) | hits(u32 be)
//	| ntags(u16 be) | { tagLen(u16 be) | tag }* | vlen(u32 be) | payload(vlen)
//
// Framing is strict: Decode rejects truncated buffers and trailing bytes.
type Entry struct {
	CreatedAtMs int64
	TTLMs       int64
	Hits        uint32
	Tags        []string
	Payload     []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func Encode(e Entry) ([]byte, error) {
	total := 4 + 1 + 8 + 8 + 4 + 2
	for _, tag := range e.Tags {
		if l := len(tag); l == 0 || l > 0xFFFF {
			return nil, ErrCorrupt
		}
		total += 2 + len(tag)
	}
	if len(e.Tags) > 0xFFFF {
		return nil, ErrCorrupt
	}
	total += 4 + len(e.Payload)

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.CreatedAtMs))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.TTLMs))
	buf.Write(u8[:])
	binary.BigEndian.PutUint32(u4[:], e.Hits)
	buf.Write(u4[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Tags)))
	buf.Write(u2[:])
	for _, tag := range e.Tags {
		binary.BigEndian.PutUint16(u2[:], uint16(len(tag)))
		buf.Write(u2[:])
		buf.WriteString(tag)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)

	return buf.Bytes(), nil
}

func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 8 + 8 + 4 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}

	var e Entry
	off := 5

	e.CreatedAtMs = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	e.TTLMs = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	e.Hits = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	ntags := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if ntags > 0 {
		e.Tags = make([]string, 0, ntags)
	}
	for i := 0; i < ntags; i++ {
		if off+2 > len(b) {
			return Entry{}, ErrCorrupt
		}
		tlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if tlen <= 0 || tlen > len(b)-off {
			return Entry{}, ErrCorrupt
		}
		e.Tags = append(e.Tags, string(b[off:off+tlen])) // one expected alloc per tag
		off += tlen
	}

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+vlen] // zero-copy into b
	off += vlen

	if off != len(b) { // strict framing: no trailing bytes
		return Entry{}, ErrCorrupt
	}
	return e, nil
}
