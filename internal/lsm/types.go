// Package lsm defines the collaborator surface the migration core expects
// from the underlying LSM storage engine: snapshots, column-family-style
// iterators, and a write-ahead log it can tail. The engine implementation
// itself lives in internal/storage; this package only carries the contract
// and the shared value-kind model both sides encode against.
package lsm

// ValueKind identifies which Redis-style value type a key holds.
type ValueKind int

const (
	KindString ValueKind = iota
	KindList
	KindHash
	KindSet
	KindZSet
	KindSortedInt
	KindBitmap
	KindStream
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindHash:
		return "hash"
	case KindSet:
		return "set"
	case KindZSet:
		return "zset"
	case KindSortedInt:
		return "sortedint"
	case KindBitmap:
		return "bitmap"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Complex reports whether the kind stores its payload as subkey records in
// the raw column family rather than inline in the metadata blob.
func (k ValueKind) Complex() bool {
	return k != KindString && k != KindStream
}

// Metadata is the decoded header stored alongside every key in the metadata
// column family. For KindString the full value lives in Value; for every
// other kind the payload is scattered across subkey records that the raw or
// stream iterator enumerates and Size counts.
type Metadata struct {
	Kind       ValueKind
	ExpireAtMs int64 // 0 means no expiry
	Size       uint64
	Version    uint64
	Value      []byte // KindString only

	// Stream-only counters, mirrored into a trailing XSETID restore command.
	StreamLastID       string
	StreamEntriesAdded uint64
	StreamMaxDeletedID string
}

// Expired reports whether the metadata's expiry has passed as of nowMs.
func (m Metadata) Expired(nowMs int64) bool {
	return m.ExpireAtMs != 0 && m.ExpireAtMs <= nowMs
}

// SubRecord is one element of a complex value: a subkey and its payload.
// Interpretation depends on ValueKind: Set uses SubKey as the member; Hash
// uses SubKey as the field and Value as the field's value; List uses Value
// only (subkeys are an ordering index); ZSet uses Value to carry the
// encoded score and SubKey as the member; SortedInt decodes a 64-bit id
// from SubKey; Bitmap treats Value as a byte fragment at the offset encoded
// in SubKey.
type SubRecord struct {
	SubKey []byte
	Value  []byte
}

// StreamEntry is one entry of a stream value.
type StreamEntry struct {
	ID     string
	Fields []string // flat field, value, field, value, ...
}
