package storage

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/kvshard/kvshard/internal/lsm"
)

type snapshot struct {
	engine *Engine
	seq    uint64
	txn    *badger.Txn
}

func (s *snapshot) Seq() uint64 { return s.seq }

func (s *snapshot) Release() { s.txn.Discard() }

func (s *snapshot) MetaIterator(slot uint16) lsm.MetaIterator {
	prefix := metaPrefix(slot)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := s.txn.NewIterator(opts)
	it.Seek(prefix)
	return &metaIterator{it: it, prefix: prefix, slot: slot}
}

func (s *snapshot) RawIterator(slot uint16, userKey []byte, version uint64) lsm.RawIterator {
	prefix := subKeyPrefix(slot, userKey, version)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := s.txn.NewIterator(opts)
	it.Seek(prefix)
	return &rawIterator{it: it, prefix: prefix}
}

func (s *snapshot) StreamIterator(slot uint16, userKey []byte, version uint64) lsm.StreamIterator {
	prefix := streamKeyPrefix(slot, userKey, version)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := s.txn.NewIterator(opts)
	it.Seek(prefix)
	return &streamIterator{it: it, prefix: prefix}
}

type metaIterator struct {
	it     *badger.Iterator
	prefix []byte
	slot   uint16
}

func (m *metaIterator) Valid() bool { return m.it.ValidForPrefix(m.prefix) }
func (m *metaIterator) Next()       { m.it.Next() }
func (m *metaIterator) Close()      { m.it.Close() }

func (m *metaIterator) Key() []byte {
	return userKeyFromMetaKey(m.slot, m.it.Item().KeyCopy(nil))
}

func (m *metaIterator) Metadata() lsm.Metadata {
	var meta lsm.Metadata
	m.it.Item().Value(func(v []byte) error {
		meta = decodeMetadata(v)
		return nil
	})
	return meta
}

type rawIterator struct {
	it     *badger.Iterator
	prefix []byte
}

func (r *rawIterator) Valid() bool { return r.it.ValidForPrefix(r.prefix) }
func (r *rawIterator) Next()       { r.it.Next() }
func (r *rawIterator) Close()      { r.it.Close() }

func (r *rawIterator) Record() lsm.SubRecord {
	item := r.it.Item()
	sub := subKeySuffix(len(r.prefix), item.KeyCopy(nil))
	var val []byte
	item.Value(func(v []byte) error {
		if len(v) > 0 {
			val = append([]byte{}, v...)
		}
		return nil
	})
	return lsm.SubRecord{SubKey: sub, Value: val}
}

type streamIterator struct {
	it     *badger.Iterator
	prefix []byte
}

func (s *streamIterator) Valid() bool { return s.it.ValidForPrefix(s.prefix) }
func (s *streamIterator) Next()       { s.it.Next() }
func (s *streamIterator) Close()      { s.it.Close() }

func (s *streamIterator) Entry() lsm.StreamEntry {
	item := s.it.Item()
	id := decodeStreamID(subKeySuffix(len(s.prefix), item.KeyCopy(nil)))
	var fields []string
	item.Value(func(v []byte) error {
		fields = decodeFields(v)
		return nil
	})
	return lsm.StreamEntry{ID: id, Fields: fields}
}
