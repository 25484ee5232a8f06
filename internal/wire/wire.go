package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version        byte = 1
	kindCollection byte = 1
)

var (
	ErrCorrupt = errors.New("feedcache: corrupt mirror entry")
	magic4     = [...]byte{'F', 'E', 'E', 'D'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// PageFrame is one encoded page: its cursor plus the codec payload of its items.
type PageFrame struct {
	Cursor  string
	Payload []byte
}

// Collection:
//
//	magic(4) | ver(1) | kind(1=collection) | codecLen(u8) | codec(codecLen) | seq(u64 be) | n(u32 be)
//	cursorLen(u16 be) | cursor(cursorLen) | vlen(u32 be) | payload(vlen) * n
//
// The codec name lets a reader refuse frames written with another codec.
func EncodeCollection(codec string, seq uint64, pages []PageFrame) ([]byte, error) {
	if l := len(codec); l == 0 || l > 0xFF {
		return nil, fmt.Errorf("feedcache: invalid codec name length %d", l)
	}
	total := 4 + 1 + 1 + 1 + len(codec) + 8 + 4
	for i, p := range pages {
		if len(p.Cursor) > 0xFFFF {
			return nil, fmt.Errorf("feedcache: cursor of page %d too long (%d bytes)", i, len(p.Cursor))
		}
		total += 2 + len(p.Cursor) + 4 + len(p.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindCollection)
	buf.WriteByte(byte(len(codec)))
	buf.WriteString(codec)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], seq)
	buf.Write(u8[:])
	binary.BigEndian.PutUint32(u4[:], uint32(len(pages)))
	buf.Write(u4[:])

	for _, p := range pages {
		binary.BigEndian.PutUint16(u2[:], uint16(len(p.Cursor)))
		buf.Write(u2[:])
		buf.WriteString(p.Cursor)

		binary.BigEndian.PutUint32(u4[:], uint32(len(p.Payload)))
		buf.Write(u4[:])
		buf.Write(p.Payload)
	}
	return buf.Bytes(), nil
}

// DecodeCollection parses a frame produced by EncodeCollection. Payloads alias b.
// Truncated frames and trailing bytes are rejected.
func DecodeCollection(b []byte) (codec string, seq uint64, pages []PageFrame, err error) {
	const fixed = 4 + 1 + 1 + 1
	if len(b) < fixed || !hasMagic(b) || b[4] != version || b[5] != kindCollection {
		return "", 0, nil, ErrCorrupt
	}
	off := 6

	clen := int(b[off])
	off++
	if clen == 0 || clen > len(b)-off {
		return "", 0, nil, ErrCorrupt
	}
	codec = string(b[off : off+clen])
	off += clen

	if off+8+4 > len(b) {
		return "", 0, nil, ErrCorrupt
	}
	seq = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// every page needs at least 6 bytes; bound n before allocating
	if n < 0 || n > (len(b)-off)/6 {
		return "", 0, nil, ErrCorrupt
	}

	pages = make([]PageFrame, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return "", 0, nil, ErrCorrupt
		}
		cl := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if cl > len(b)-off {
			return "", 0, nil, ErrCorrupt
		}
		cursor := string(b[off : off+cl])
		off += cl

		if off+4 > len(b) {
			return "", 0, nil, ErrCorrupt
		}
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
			return "", 0, nil, ErrCorrupt
		}
		pages = append(pages, PageFrame{Cursor: cursor, Payload: b[off : off+vlen]})
		off += vlen
	}
	if off != len(b) {
		return "", 0, nil, ErrCorrupt
	}
	return codec, seq, pages, nil
}
