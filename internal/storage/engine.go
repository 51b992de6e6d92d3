// Package storage is the concrete LSM-flavored key-value engine the
// migration core reads from: a badger/v4 instance opened in managed mode so
// every write can be stamped with an explicit sequence number, plus an
// in-memory write-ahead log fed alongside every commit. It implements
// internal/lsm's Engine/Snapshot/iterator contract.
package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kvshard/kvshard/internal/lsm"
)

// Engine is a slot-partitioned, multi-type keyspace backed by badger's
// managed-mode API. The sequence counter it maintains doubles as both the
// badger commit timestamp and the WAL sequence number, so a snapshot's Seq
// and the WAL cursor are directly comparable.
type Engine struct {
	db  *badger.DB
	wal *ring

	mu  sync.Mutex // serializes seq allocation with the matching WAL append
	seq atomic.Uint64

	stats Stats
}

// Open creates or opens a badger-managed engine rooted at dir. walCapacity
// bounds the in-memory WAL ring buffer (0 selects a sane default).
func Open(dir string, walCapacity int) (*Engine, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.OpenManaged(opts)
	if err != nil {
		return nil, fmt.Errorf("open managed engine: %w", err)
	}
	return &Engine{db: db, wal: newRing(walCapacity)}, nil
}

func (e *Engine) Close() error { return e.db.Close() }

// nextSeq allocates the next sequence number. Callers hold e.mu for the
// whole commit+WAL-append so the two stay in lockstep.
func (e *Engine) nextSeq() uint64 { return e.seq.Add(1) }

// commit runs fn inside a fresh managed transaction, commits it at a newly
// allocated sequence number, and appends the writes fn reports to the WAL
// at that same sequence — all while holding e.mu, so sequence allocation,
// the badger commit, and the WAL append never interleave with another
// writer.
func (e *Engine) commit(fn func(txn *badger.Txn) ([]lsm.WALWrite, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.nextSeq()
	txn := e.db.NewTransactionAt(ts, true)
	defer txn.Discard()

	writes, err := fn(txn)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	if err := txn.CommitAt(ts, func(err error) { done <- err }); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}

	e.wal.append(writes)
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// PutString stores a string value. ttl <= 0 means no expiry.
func (e *Engine) PutString(slot uint16, key, value []byte, ttl time.Duration) error {
	meta := lsm.Metadata{Kind: lsm.KindString, Value: value}
	if ttl > 0 {
		meta.ExpireAtMs = nowMs() + ttl.Milliseconds()
	}
	return e.commit(func(txn *badger.Txn) ([]lsm.WALWrite, error) {
		if err := txn.Set(metaKey(slot, key), encodeMetadata(meta)); err != nil {
			return nil, err
		}
		return []lsm.WALWrite{{Slot: slot, Key: key, Kind: lsm.KindString, Metadata: meta}}, nil
	})
}

// Del removes a key (metadata and, for complex kinds, its subkey range).
func (e *Engine) Del(slot uint16, key []byte) error {
	existing, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok {
		return nil
	}
	return e.commit(func(txn *badger.Txn) ([]lsm.WALWrite, error) {
		if err := txn.Delete(metaKey(slot, key)); err != nil && err != badger.ErrKeyNotFound {
			return nil, err
		}
		if existing.Kind.Complex() {
			e.deleteRange(txn, subKeyPrefix(slot, key, existing.Version))
		}
		if existing.Kind == lsm.KindStream {
			e.deleteRange(txn, streamKeyPrefix(slot, key, existing.Version))
		}
		return []lsm.WALWrite{{Slot: slot, Key: key, Kind: existing.Kind, Deleted: true}}, nil
	})
}

func (e *Engine) deleteRange(txn *badger.Txn, prefix []byte) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	for _, k := range keys {
		txn.Delete(k)
	}
}

// PutHash replaces a hash key's fields wholesale.
func (e *Engine) PutHash(slot uint16, key []byte, fields map[string][]byte, ttl time.Duration) error {
	return e.putComplex(slot, key, lsm.KindHash, uint64(len(fields)), ttl, func(txn *badger.Txn, version uint64) ([]lsm.WALWrite, error) {
		writes := make([]lsm.WALWrite, 0, len(fields))
		for field, val := range fields {
			sub := lsm.SubRecord{SubKey: []byte(field), Value: val}
			if err := txn.Set(subKey(slot, key, version, sub.SubKey), val); err != nil {
				return nil, err
			}
			writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindHash, Sub: &sub})
		}
		return writes, nil
	})
}

// PutSet replaces a set key's members wholesale.
func (e *Engine) PutSet(slot uint16, key []byte, members [][]byte, ttl time.Duration) error {
	return e.putComplex(slot, key, lsm.KindSet, uint64(len(members)), ttl, func(txn *badger.Txn, version uint64) ([]lsm.WALWrite, error) {
		writes := make([]lsm.WALWrite, 0, len(members))
		for _, m := range members {
			sub := lsm.SubRecord{SubKey: m}
			if err := txn.Set(subKey(slot, key, version, m), nil); err != nil {
				return nil, err
			}
			writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindSet, Sub: &sub})
		}
		return writes, nil
	})
}

// PutList replaces a list key's items wholesale, preserving order.
func (e *Engine) PutList(slot uint16, key []byte, items [][]byte, ttl time.Duration) error {
	return e.putComplex(slot, key, lsm.KindList, uint64(len(items)), ttl, func(txn *badger.Txn, version uint64) ([]lsm.WALWrite, error) {
		writes := make([]lsm.WALWrite, 0, len(items))
		for i, v := range items {
			idx := encodeUint64(uint64(i))
			if err := txn.Set(subKey(slot, key, version, idx), v); err != nil {
				return nil, err
			}
			writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindList, Sub: &lsm.SubRecord{SubKey: idx, Value: v}})
		}
		return writes, nil
	})
}

// PutZSet replaces a zset key's members wholesale.
func (e *Engine) PutZSet(slot uint16, key []byte, members map[string]float64, ttl time.Duration) error {
	return e.putComplex(slot, key, lsm.KindZSet, uint64(len(members)), ttl, func(txn *badger.Txn, version uint64) ([]lsm.WALWrite, error) {
		writes := make([]lsm.WALWrite, 0, len(members))
		for member, score := range members {
			val := encodeScore(score)
			if err := txn.Set(subKey(slot, key, version, []byte(member)), val); err != nil {
				return nil, err
			}
			writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindZSet, Sub: &lsm.SubRecord{SubKey: []byte(member), Value: val}})
		}
		return writes, nil
	})
}

// PutSortedInt replaces a sortedint key's member ids wholesale.
func (e *Engine) PutSortedInt(slot uint16, key []byte, ids []uint64, ttl time.Duration) error {
	return e.putComplex(slot, key, lsm.KindSortedInt, uint64(len(ids)), ttl, func(txn *badger.Txn, version uint64) ([]lsm.WALWrite, error) {
		writes := make([]lsm.WALWrite, 0, len(ids))
		for _, id := range ids {
			sub := encodeUint64(id)
			if err := txn.Set(subKey(slot, key, version, sub), nil); err != nil {
				return nil, err
			}
			writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindSortedInt, Sub: &lsm.SubRecord{SubKey: sub}})
		}
		return writes, nil
	})
}

// PutBitmap replaces a bitmap key, taking the set-bit offsets directly.
// Internally the offsets are grouped by byte index (bit/8) and each group
// is stored as a one-byte fragment record, which
// exercises the raw-iterator codec path exactly as a multi-byte-fragment
// engine would, one fragment at a time.
func (e *Engine) PutBitmap(slot uint16, key []byte, setBits []uint64, ttl time.Duration) error {
	byFragment := make(map[uint64]byte)
	for _, bit := range setBits {
		frag := bit / 8
		byFragment[frag] |= 1 << (bit % 8)
	}
	return e.putComplex(slot, key, lsm.KindBitmap, uint64(len(byFragment)), ttl, func(txn *badger.Txn, version uint64) ([]lsm.WALWrite, error) {
		writes := make([]lsm.WALWrite, 0, len(byFragment))
		for frag, b := range byFragment {
			sub := encodeUint64(frag)
			val := []byte{b}
			if err := txn.Set(subKey(slot, key, version, sub), val); err != nil {
				return nil, err
			}
			writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindBitmap, Sub: &lsm.SubRecord{SubKey: sub, Value: val}})
		}
		return writes, nil
	})
}

// PutStream replaces a stream key's entries and trailing counters.
func (e *Engine) PutStream(slot uint16, key []byte, entries []lsm.StreamEntry, lastID string, entriesAdded uint64, maxDeletedID string, ttl time.Duration) error {
	version := e.nextVersion(slot, key)
	meta := lsm.Metadata{
		Kind: lsm.KindStream, Size: uint64(len(entries)), Version: version,
		StreamLastID: lastID, StreamEntriesAdded: entriesAdded, StreamMaxDeletedID: maxDeletedID,
	}
	if ttl > 0 {
		meta.ExpireAtMs = nowMs() + ttl.Milliseconds()
	}
	return e.commit(func(txn *badger.Txn) ([]lsm.WALWrite, error) {
		writes := make([]lsm.WALWrite, 0, len(entries)+1)
		for i := range entries {
			entry := entries[i]
			fieldsBlob := encodeFields(entry.Fields)
			if err := txn.Set(streamKey(slot, key, version, entry.ID), fieldsBlob); err != nil {
				return nil, err
			}
			writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindStream, Stream: &entry})
		}
		if err := txn.Set(metaKey(slot, key), encodeMetadata(meta)); err != nil {
			return nil, err
		}
		writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: lsm.KindStream, Metadata: meta})
		return writes, nil
	})
}

func (e *Engine) nextVersion(slot uint16, key []byte) uint64 {
	if meta, ok := e.getMetadataAt(slot, key, e.seq.Load()); ok {
		return meta.Version + 1
	}
	return 1
}

func (e *Engine) putComplex(slot uint16, key []byte, kind lsm.ValueKind, size uint64, ttl time.Duration,
	fn func(txn *badger.Txn, version uint64) ([]lsm.WALWrite, error)) error {

	version := e.nextVersion(slot, key)
	meta := lsm.Metadata{Kind: kind, Size: size, Version: version}
	if ttl > 0 {
		meta.ExpireAtMs = nowMs() + ttl.Milliseconds()
	}

	return e.commit(func(txn *badger.Txn) ([]lsm.WALWrite, error) {
		writes, err := fn(txn, version)
		if err != nil {
			return nil, err
		}
		if err := txn.Set(metaKey(slot, key), encodeMetadata(meta)); err != nil {
			return nil, err
		}
		writes = append(writes, lsm.WALWrite{Slot: slot, Key: key, Kind: kind, Metadata: meta})
		return writes, nil
	})
}

func (e *Engine) getMetadataAt(slot uint16, key []byte, ts uint64) (lsm.Metadata, bool) {
	txn := e.db.NewTransactionAt(ts, false)
	defer txn.Discard()
	item, err := txn.Get(metaKey(slot, key))
	if err != nil {
		return lsm.Metadata{}, false
	}
	var meta lsm.Metadata
	err = item.Value(func(v []byte) error {
		meta = decodeMetadata(v)
		return nil
	})
	return meta, err == nil
}

func (e *Engine) Snapshot() lsm.Snapshot {
	ts := e.seq.Load()
	return &snapshot{engine: e, seq: ts, txn: e.db.NewTransactionAt(ts, false)}
}

func (e *Engine) WAL() lsm.WAL { return e.wal }

// Stats exposes the engine's command-level counters.
func (e *Engine) Stats() *Stats { return &e.stats }
