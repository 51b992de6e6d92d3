package storage

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// Column-family simulation: badger has no column families, so every key
// carries a one-byte family tag. Layout mirrors the metadata/subkey/stream
// split an LSM-backed store like kvrocks keeps as real column families.
const (
	familyMeta   byte = 0x01
	familyRaw    byte = 0x02
	familyStream byte = 0x03
)

func putSlot(dst []byte, slot uint16) {
	binary.BigEndian.PutUint16(dst, slot)
}

func metaKey(slot uint16, userKey []byte) []byte {
	buf := make([]byte, 1+2+len(userKey))
	buf[0] = familyMeta
	putSlot(buf[1:3], slot)
	copy(buf[3:], userKey)
	return buf
}

func metaPrefix(slot uint16) []byte {
	buf := make([]byte, 1+2)
	buf[0] = familyMeta
	putSlot(buf[1:3], slot)
	return buf
}

func userKeyFromMetaKey(slot uint16, k []byte) []byte {
	return k[3:]
}

func subKeyPrefix(slot uint16, userKey []byte, version uint64) []byte {
	buf := make([]byte, 1+2+len(userKey)+8)
	buf[0] = familyRaw
	putSlot(buf[1:3], slot)
	copy(buf[3:3+len(userKey)], userKey)
	binary.BigEndian.PutUint64(buf[3+len(userKey):], version)
	return buf
}

func subKey(slot uint16, userKey []byte, version uint64, sub []byte) []byte {
	prefix := subKeyPrefix(slot, userKey, version)
	return append(prefix, sub...)
}

func subKeySuffix(prefixLen int, k []byte) []byte {
	return k[prefixLen:]
}

func streamKeyPrefix(slot uint16, userKey []byte, version uint64) []byte {
	buf := make([]byte, 1+2+len(userKey)+8)
	buf[0] = familyStream
	putSlot(buf[1:3], slot)
	copy(buf[3:3+len(userKey)], userKey)
	binary.BigEndian.PutUint64(buf[3+len(userKey):], version)
	return buf
}

func streamKey(slot uint16, userKey []byte, version uint64, entryID string) []byte {
	prefix := streamKeyPrefix(slot, userKey, version)
	return append(prefix, encodeStreamID(entryID)...)
}

// encodeStreamID packs a "ms-seq" stream entry ID into a 16-byte
// big-endian pair so badger's byte-order iteration matches numeric ID
// order. Storing the ID as raw ASCII would sort "10-0" before "9-0".
func encodeStreamID(id string) []byte {
	ms, seq := splitStreamID(id)
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], ms)
	binary.BigEndian.PutUint64(buf[8:], seq)
	return buf
}

func decodeStreamID(b []byte) string {
	ms := binary.BigEndian.Uint64(b[:8])
	seq := binary.BigEndian.Uint64(b[8:])
	return strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10)
}

func splitStreamID(id string) (ms, seq uint64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ = strconv.ParseUint(parts[0], 10, 64)
	if len(parts) == 2 {
		seq, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	return ms, seq
}

// encodeUint64 / decodeUint64 give the fixed-width subkey encodings used
// for list ordering indices, sorted-int members, and bitmap fragment
// offsets.
func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeScore(score float64) []byte {
	bits := math.Float64bits(score)
	// Flip the sign bit (and invert the rest for negatives) so the
	// resulting bytes sort, as a big-endian byte string, the same way the
	// floats compare numerically.
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return encodeUint64(bits)
}

func decodeScore(b []byte) float64 {
	bits := decodeUint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
