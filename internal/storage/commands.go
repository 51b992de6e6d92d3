package storage

import (
	"encoding/binary"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kvshard/kvshard/internal/lsm"
	pkgerrors "github.com/kvshard/kvshard/pkg/errors"
)

// Stats tracks command-level counters the way the engine's previous
// in-memory cache did: atomic so the hot read/write path never takes a
// lock just to record a hit.
type Stats struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	SetOps      atomic.Int64
	GetOps      atomic.Int64
	DelOps      atomic.Int64
	ExpiredKeys atomic.Int64
}

// Get returns a string key's value. A key of any other Kind, or one whose
// TTL has passed, reads back as missing.
func (e *Engine) Get(slot uint16, key []byte) ([]byte, bool) {
	e.stats.GetOps.Add(1)
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok || meta.Kind != lsm.KindString || meta.Expired(nowMs()) {
		e.stats.Misses.Add(1)
		return nil, false
	}
	e.stats.Hits.Add(1)
	return meta.Value, true
}

// Set stores a string value, recording the write in Stats.
func (e *Engine) Set(slot uint16, key, value []byte, ttl time.Duration) error {
	e.stats.SetOps.Add(1)
	return e.PutString(slot, key, value, ttl)
}

// SetNX stores value only if key is absent (or expired).
func (e *Engine) SetNX(slot uint16, key, value []byte, ttl time.Duration) (bool, error) {
	if meta, ok := e.getMetadataAt(slot, key, e.seq.Load()); ok && !meta.Expired(nowMs()) {
		return false, nil
	}
	if err := e.Set(slot, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// SetXX stores value only if key is already present.
func (e *Engine) SetXX(slot uint16, key, value []byte, ttl time.Duration) (bool, error) {
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok || meta.Expired(nowMs()) {
		return false, nil
	}
	if err := e.Set(slot, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// GetSet stores value and returns the previous one, if any.
func (e *Engine) GetSet(slot uint16, key, value []byte) ([]byte, error) {
	old, _ := e.Get(slot, key)
	if err := e.Set(slot, key, value, 0); err != nil {
		return nil, err
	}
	return old, nil
}

// IncrBy parses the existing string as a base-10 integer, adds delta, and
// stores the result back with no TTL change preserved (matching the
// previous cache's behavior: INCR always clears TTL, since it always
// rewrites the key as a fresh string).
func (e *Engine) IncrBy(slot uint16, key []byte, delta int64) (int64, error) {
	var val int64
	if raw, ok := e.Get(slot, key); ok {
		parsed, err := parseInt(raw)
		if err != nil {
			return 0, pkgerrors.ErrNotInteger
		}
		val = parsed
	}
	val += delta
	if err := e.Set(slot, key, []byte(fmt.Sprintf("%d", val)), 0); err != nil {
		return 0, err
	}
	return val, nil
}

func parseInt(b []byte) (int64, error) {
	var neg bool
	i := 0
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		neg = b[0] == '-'
		i = 1
	}
	if i == len(b) {
		return 0, fmt.Errorf("empty integer")
	}
	var v int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, fmt.Errorf("not an integer: %q", b)
		}
		v = v*10 + int64(b[i]-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

// Append concatenates value onto the existing string (or creates it) and
// returns the resulting length.
func (e *Engine) Append(slot uint16, key, value []byte) (int64, error) {
	current, _ := e.Get(slot, key)
	next := append(append([]byte{}, current...), value...)
	if err := e.Set(slot, key, next, 0); err != nil {
		return 0, err
	}
	return int64(len(next)), nil
}

// Exists reports whether key holds an unexpired value of any kind.
func (e *Engine) Exists(slot uint16, key []byte) bool {
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	return ok && !meta.Expired(nowMs())
}

// DelIfExists deletes key and reports whether it was present beforehand.
func (e *Engine) DelIfExists(slot uint16, key []byte) (bool, error) {
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok || meta.Expired(nowMs()) {
		return false, nil
	}
	if err := e.Del(slot, key); err != nil {
		return false, err
	}
	e.stats.DelOps.Add(1)
	return true, nil
}

// TypeOf reports the Redis-style type name for key, or "none" if it is
// absent or expired.
func (e *Engine) TypeOf(slot uint16, key []byte) string {
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok || meta.Expired(nowMs()) {
		return "none"
	}
	return meta.Kind.String()
}

// Expire sets or clears a key's TTL. ttl <= 0 clears it.
func (e *Engine) Expire(slot uint16, key []byte, ttl time.Duration) (bool, error) {
	at := int64(0)
	if ttl > 0 {
		at = nowMs() + ttl.Milliseconds()
	}
	return e.setExpireAt(slot, key, at)
}

// ExpireAt sets a key's absolute expiry. A point in the past deletes it.
func (e *Engine) ExpireAt(slot uint16, key []byte, at time.Time) (bool, error) {
	if ms := at.UnixMilli(); ms <= nowMs() {
		existed, err := e.DelIfExists(slot, key)
		return existed, err
	}
	return e.setExpireAt(slot, key, at.UnixMilli())
}

// Persist clears a key's TTL, making it never expire.
func (e *Engine) Persist(slot uint16, key []byte) (bool, error) {
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok || meta.Expired(nowMs()) || meta.ExpireAtMs == 0 {
		return false, nil
	}
	return e.setExpireAt(slot, key, 0)
}

func (e *Engine) setExpireAt(slot uint16, key []byte, atMs int64) (bool, error) {
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok || meta.Expired(nowMs()) {
		return false, nil
	}
	meta.ExpireAtMs = atMs
	err := e.commit(func(txn *badger.Txn) ([]lsm.WALWrite, error) {
		if err := txn.Set(metaKey(slot, key), encodeMetadata(meta)); err != nil {
			return nil, err
		}
		return []lsm.WALWrite{{Slot: slot, Key: key, Kind: meta.Kind, Metadata: meta}}, nil
	})
	return err == nil, err
}

// TTL returns the remaining time on key, -1 if it has no expiry, or -2 if
// it does not exist (or has already expired).
func (e *Engine) TTL(slot uint16, key []byte) time.Duration {
	meta, ok := e.getMetadataAt(slot, key, e.seq.Load())
	if !ok || meta.Expired(nowMs()) {
		return -2 * time.Second
	}
	if meta.ExpireAtMs == 0 {
		return -1 * time.Second
	}
	return time.Duration(meta.ExpireAtMs-nowMs()) * time.Millisecond
}

// Rename moves a key (of any Kind) from one slot/key pair to another,
// re-keying its subkey or stream records rather than decoding and
// replaying them, so the move works uniformly regardless of value type.
func (e *Engine) Rename(oldSlot uint16, oldKey []byte, newSlot uint16, newKey []byte) error {
	meta, ok := e.getMetadataAt(oldSlot, oldKey, e.seq.Load())
	if !ok || meta.Expired(nowMs()) {
		return pkgerrors.ErrKeyNotFound
	}

	newVersion := e.nextVersion(newSlot, newKey)
	newMeta := meta
	newMeta.Version = newVersion

	return e.commit(func(txn *badger.Txn) ([]lsm.WALWrite, error) {
		if meta.Kind.Complex() {
			if err := recopyRange(txn, subKeyPrefix(oldSlot, oldKey, meta.Version), subKeyPrefix(newSlot, newKey, newVersion)); err != nil {
				return nil, err
			}
		}
		if meta.Kind == lsm.KindStream {
			if err := recopyRange(txn, streamKeyPrefix(oldSlot, oldKey, meta.Version), streamKeyPrefix(newSlot, newKey, newVersion)); err != nil {
				return nil, err
			}
		}
		if err := txn.Set(metaKey(newSlot, newKey), encodeMetadata(newMeta)); err != nil {
			return nil, err
		}
		if err := txn.Delete(metaKey(oldSlot, oldKey)); err != nil && err != badger.ErrKeyNotFound {
			return nil, err
		}
		if meta.Kind.Complex() {
			e.deleteRange(txn, subKeyPrefix(oldSlot, oldKey, meta.Version))
		}
		if meta.Kind == lsm.KindStream {
			e.deleteRange(txn, streamKeyPrefix(oldSlot, oldKey, meta.Version))
		}
		return []lsm.WALWrite{{Slot: newSlot, Key: newKey, Kind: meta.Kind, Metadata: newMeta}}, nil
	})
}

// recopyRange duplicates every record under oldPrefix to the same suffix
// under newPrefix, leaving oldPrefix's records for the caller to delete.
func recopyRange(txn *badger.Txn, oldPrefix, newPrefix []byte) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	type pair struct{ key, val []byte }
	var pairs []pair
	for it.Seek(oldPrefix); it.ValidForPrefix(oldPrefix); it.Next() {
		item := it.Item()
		suffix := item.KeyCopy(nil)[len(oldPrefix):]
		var val []byte
		if err := item.Value(func(v []byte) error {
			if len(v) > 0 {
				val = append([]byte{}, v...)
			}
			return nil
		}); err != nil {
			return err
		}
		pairs = append(pairs, pair{key: append(append([]byte{}, newPrefix...), suffix...), val: val})
	}
	for _, p := range pairs {
		if err := txn.Set(p.key, p.val); err != nil {
			return err
		}
	}
	return nil
}

// DBSize counts every unexpired key across every slot.
func (e *Engine) DBSize() int64 {
	var n int64
	e.forEachKey(func(uint16, []byte, lsm.Metadata) bool {
		n++
		return true
	})
	return n
}

// FlushDB deletes every key across every slot.
func (e *Engine) FlushDB() error {
	type kv struct {
		slot uint16
		key  []byte
	}
	var all []kv
	e.forEachKey(func(slot uint16, key []byte, _ lsm.Metadata) bool {
		all = append(all, kv{slot: slot, key: append([]byte{}, key...)})
		return true
	})
	for _, v := range all {
		if err := e.Del(v.slot, v.key); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every unexpired key matching a shell glob pattern.
func (e *Engine) Keys(pattern string) []string {
	var result []string
	e.forEachKey(func(_ uint16, key []byte, _ lsm.Metadata) bool {
		k := string(key)
		if pattern == "" || pattern == "*" || matchPattern(pattern, k) {
			result = append(result, k)
		}
		return true
	})
	return result
}

// Scan walks the full keyspace in badger's key order, resuming from an
// opaque position cursor. A returned cursor of 0 means the scan is done.
func (e *Engine) Scan(cursor uint64, pattern string, count int) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}

	var (
		result    []string
		idx, next uint64
		exhausted = true
	)
	e.forEachKey(func(_ uint16, key []byte, _ lsm.Metadata) bool {
		idx++
		if idx <= cursor {
			return true
		}
		k := string(key)
		if pattern == "" || pattern == "*" || matchPattern(pattern, k) {
			result = append(result, k)
		}
		if int64(len(result)) >= int64(count) {
			next = idx
			exhausted = false
			return false
		}
		return true
	})
	if exhausted {
		next = 0
	}
	return result, next, nil
}

func matchPattern(pattern, key string) bool {
	matched, _ := path.Match(pattern, key)
	return matched
}

// forEachKey walks the metadata family across every slot at the engine's
// current sequence, skipping expired entries, until fn returns false.
func (e *Engine) forEachKey(fn func(slot uint16, key []byte, meta lsm.Metadata) bool) {
	txn := e.db.NewTransactionAt(e.seq.Load(), false)
	defer txn.Discard()

	prefix := []byte{familyMeta}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	now := nowMs()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		slot := binary.BigEndian.Uint16(k[1:3])
		key := k[3:]

		var meta lsm.Metadata
		if err := item.Value(func(v []byte) error {
			meta = decodeMetadata(v)
			return nil
		}); err != nil {
			continue
		}
		if meta.Expired(now) {
			continue
		}
		if !fn(slot, key, meta) {
			return
		}
	}
}
