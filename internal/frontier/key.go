package frontier

import (
	"bytes"
	"encoding/binary"

	"crawlfrontier/pkg/types"
)

// keySize is the length of the composite ordering key.
const keySize = 10

// urlKey is the binary-sortable composite key under which a URL is stored.
// Byte 0 holds the priority biased into unsigned range so that lexicographic
// comparison matches signed priority order. Byte 1 holds the depth, clamped
// to 255. Bytes 2-9 hold the docid big-endian. Lower keys are crawled
// earlier: lower priority first, then shallower depth, then earlier
// discovery.
type urlKey [keySize]byte

// keyFor computes the composite key for a URL record.
func keyFor(u types.WebURL) urlKey {
	var k urlKey
	k[0] = byte(int16(u.Priority) + 128)
	if u.Depth > 255 {
		k[1] = 255
	} else {
		k[1] = byte(u.Depth)
	}
	binary.BigEndian.PutUint64(k[2:], uint64(u.Docid))
	return k
}

// keyFromBytes copies a raw store key into a urlKey. Returns false when the
// slice has the wrong length.
func keyFromBytes(b []byte) (urlKey, bool) {
	var k urlKey
	if len(b) != keySize {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

// priority recovers the signed priority from the key.
func (k urlKey) priority() int8 {
	return int8(int16(k[0]) - 128)
}

// depth recovers the clamped depth from the key.
func (k urlKey) depth() uint8 {
	return k[1]
}

// docid recovers the docid from the key.
func (k urlKey) docid() int64 {
	return int64(binary.BigEndian.Uint64(k[2:]))
}

// less reports whether k orders before other in crawl order.
func (k urlKey) less(other urlKey) bool {
	return bytes.Compare(k[:], other[:]) < 0
}
