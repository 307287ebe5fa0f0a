package frontier

import (
	"encoding/binary"
	"fmt"

	"crawlfrontier/pkg/types"
)

// encodeRecord serialises a URL record for storage. The layout is fixed-width
// numeric fields followed by length-prefixed strings: docid, seed docid,
// parent docid (8 bytes each, big-endian), priority (1 byte, biased like the
// key), depth (2 bytes), then URL and host as uvarint length + UTF-8 bytes.
func encodeRecord(u types.WebURL) []byte {
	buf := make([]byte, 0, 27+len(u.URL)+len(u.Host)+4)

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(u.Docid))
	buf = append(buf, num[:]...)
	binary.BigEndian.PutUint64(num[:], uint64(u.SeedDocid))
	buf = append(buf, num[:]...)
	binary.BigEndian.PutUint64(num[:], uint64(u.ParentDocid))
	buf = append(buf, num[:]...)

	buf = append(buf, byte(int16(u.Priority)+128))
	buf = append(buf, byte(u.Depth>>8), byte(u.Depth))

	buf = binary.AppendUvarint(buf, uint64(len(u.URL)))
	buf = append(buf, u.URL...)
	buf = binary.AppendUvarint(buf, uint64(len(u.Host)))
	buf = append(buf, u.Host...)
	return buf
}

// decodeRecord deserialises a URL record produced by encodeRecord.
func decodeRecord(data []byte) (types.WebURL, error) {
	var u types.WebURL
	if len(data) < 27 {
		return u, fmt.Errorf("url record truncated: %d bytes", len(data))
	}
	u.Docid = int64(binary.BigEndian.Uint64(data[0:8]))
	u.SeedDocid = int64(binary.BigEndian.Uint64(data[8:16]))
	u.ParentDocid = int64(binary.BigEndian.Uint64(data[16:24]))
	u.Priority = int8(int16(data[24]) - 128)
	u.Depth = uint16(data[25])<<8 | uint16(data[26])

	rest := data[27:]
	urlStr, rest, err := readString(rest)
	if err != nil {
		return u, fmt.Errorf("url record: url field: %w", err)
	}
	host, _, err := readString(rest)
	if err != nil {
		return u, fmt.Errorf("url record: host field: %w", err)
	}
	u.URL = urlStr
	u.Host = host
	return u, nil
}

func readString(data []byte) (string, []byte, error) {
	n, used := binary.Uvarint(data)
	if used <= 0 {
		return "", nil, fmt.Errorf("invalid length prefix")
	}
	data = data[used:]
	if uint64(len(data)) < n {
		return "", nil, fmt.Errorf("string truncated: want %d, have %d", n, len(data))
	}
	return string(data[:n]), data[n:], nil
}
