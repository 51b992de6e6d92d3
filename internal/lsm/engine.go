package lsm

// Engine is the minimal storage-side contract the migration core depends
// on: a way to take a read-consistent snapshot and a way to tail the
// write-ahead log from a given sequence. Everything else about the engine
// (compaction, caching, the ordinary read/write command path) is out of
// scope here.
type Engine interface {
	Snapshot() Snapshot
	WAL() WAL
}

// Snapshot is a read-consistent view of the keyspace pinned at a sequence
// number. Every iterator it hands out is bound to that same view. Release
// must be called exactly once.
type Snapshot interface {
	Seq() uint64
	MetaIterator(slot uint16) MetaIterator
	RawIterator(slot uint16, userKey []byte, version uint64) RawIterator
	StreamIterator(slot uint16, userKey []byte, version uint64) StreamIterator
	Release()
}

// MetaIterator walks the metadata column family over one slot's key range
// in key order.
type MetaIterator interface {
	Valid() bool
	Next()
	Close()
	Key() []byte
	Metadata() Metadata
}

// RawIterator walks the subkey records of one complex-valued key, in
// subkey order.
type RawIterator interface {
	Valid() bool
	Next()
	Close()
	Record() SubRecord
}

// StreamIterator walks the entries of one stream-valued key, in ID order.
type StreamIterator interface {
	Valid() bool
	Next()
	Close()
	Entry() StreamEntry
}

// WALWrite is one logical write extracted from a WAL batch: either an
// upsert of a subkey/stream-entry record, a metadata-level write (string,
// or a complex/stream key's header), or a deletion of the whole key.
type WALWrite struct {
	Slot     uint16
	Key      []byte
	Kind     ValueKind
	Deleted  bool
	Metadata Metadata
	Sub      *SubRecord
	Stream   *StreamEntry
}

// WALBatch is one write-ahead-log record: a contiguous run of Count
// sequence numbers starting at Seq, carrying the writes committed in that
// span.
type WALBatch struct {
	Seq    uint64
	Count  uint64
	Writes []WALWrite
}

// WAL exposes the engine's write-ahead log for tailing.
type WAL interface {
	// Head returns the sequence number of the most recently committed
	// batch.
	Head() uint64
	// Tail returns an iterator over batches whose starting sequence is >=
	// fromSeq. The iterator must be closed.
	Tail(fromSeq uint64) WALIterator
}

// WALIterator enumerates WAL batches in sequence order.
type WALIterator interface {
	Valid() bool
	Next()
	Batch() WALBatch
	Close()
}
