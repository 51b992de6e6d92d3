package migration

import "github.com/kvshard/kvshard/internal/lsm"

// sliceRawIterator adapts a pre-collected slice of subkey records to the
// lsm.RawIterator interface, so the WAL tailer can feed one batch's
// accumulated writes through the same codec the snapshot transfer uses
// against a live engine iterator.
type sliceRawIterator struct {
	records []lsm.SubRecord
	idx     int
}

func newSliceRawIterator(records []lsm.SubRecord) *sliceRawIterator {
	return &sliceRawIterator{records: records, idx: 0}
}

func (s *sliceRawIterator) Valid() bool         { return s.idx < len(s.records) }
func (s *sliceRawIterator) Next()               { s.idx++ }
func (s *sliceRawIterator) Close()              {}
func (s *sliceRawIterator) Record() lsm.SubRecord { return s.records[s.idx] }

// sliceStreamIterator is the stream-entry equivalent of sliceRawIterator.
type sliceStreamIterator struct {
	entries []lsm.StreamEntry
	idx     int
}

func newSliceStreamIterator(entries []lsm.StreamEntry) *sliceStreamIterator {
	return &sliceStreamIterator{entries: entries, idx: 0}
}

func (s *sliceStreamIterator) Valid() bool          { return s.idx < len(s.entries) }
func (s *sliceStreamIterator) Next()                { s.idx++ }
func (s *sliceStreamIterator) Close()               {}
func (s *sliceStreamIterator) Entry() lsm.StreamEntry { return s.entries[s.idx] }
