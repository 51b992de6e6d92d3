package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/kvshard/kvshard/internal/cluster/hash"
	"github.com/kvshard/kvshard/internal/engine"
	"github.com/kvshard/kvshard/internal/storage"
	pkgerrors "github.com/kvshard/kvshard/pkg/errors"
)

// StorageAdapter serves the RESP command surface directly off the LSM
// engine, so the keys a node reports through GET/KEYS/DBSIZE are the same
// ones CLUSTER MIGRATE-SLOT reads when a slot moves off this node. Every
// method derives its slot from the key via the same CRC16 hashing the
// cluster layer uses for routing.
type StorageAdapter struct {
	engine *storage.Engine
}

func NewStorageAdapter(e *storage.Engine) *StorageAdapter {
	return &StorageAdapter{engine: e}
}

func slotOf(key string) uint16 { return hash.KeySlot(key) }

func (a *StorageAdapter) GetBytes(_ context.Context, key string) ([]byte, error) {
	val, ok := a.engine.Get(slotOf(key), []byte(key))
	if !ok {
		return nil, pkgerrors.ErrKeyNotFound
	}
	return val, nil
}

func (a *StorageAdapter) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	return a.engine.Set(slotOf(key), []byte(key), []byte(value), ttl)
}

func (a *StorageAdapter) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return a.engine.SetNX(slotOf(key), []byte(key), []byte(value), ttl)
}

func (a *StorageAdapter) SetXX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return a.engine.SetXX(slotOf(key), []byte(key), []byte(value), ttl)
}

func (a *StorageAdapter) GetSet(_ context.Context, key string, value string) (string, error) {
	old, err := a.engine.GetSet(slotOf(key), []byte(key), []byte(value))
	if err != nil {
		return "", err
	}
	return string(old), nil
}

func (a *StorageAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.IncrBy(ctx, key, 1)
}

func (a *StorageAdapter) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	return a.engine.IncrBy(slotOf(key), []byte(key), delta)
}

func (a *StorageAdapter) Decr(ctx context.Context, key string) (int64, error) {
	return a.IncrBy(ctx, key, -1)
}

func (a *StorageAdapter) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return a.IncrBy(ctx, key, -delta)
}

func (a *StorageAdapter) Append(_ context.Context, key string, value string) (int64, error) {
	return a.engine.Append(slotOf(key), []byte(key), []byte(value))
}

func (a *StorageAdapter) Strlen(_ context.Context, key string) (int64, error) {
	val, ok := a.engine.Get(slotOf(key), []byte(key))
	if !ok {
		return 0, nil
	}
	return int64(len(val)), nil
}

func (a *StorageAdapter) MGetBytes(_ context.Context, keys ...string) ([][]byte, error) {
	result := make([][]byte, len(keys))
	for i, key := range keys {
		if val, ok := a.engine.Get(slotOf(key), []byte(key)); ok {
			result[i] = val
		}
	}
	return result, nil
}

func (a *StorageAdapter) MSet(_ context.Context, pairs ...interface{}) error {
	if len(pairs)%2 != 0 {
		return fmt.Errorf("wrong number of arguments")
	}
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return fmt.Errorf("invalid key type")
		}
		value := fmt.Sprint(pairs[i+1])
		if err := a.engine.Set(slotOf(key), []byte(key), []byte(value), 0); err != nil {
			return err
		}
	}
	return nil
}

func (a *StorageAdapter) Del(_ context.Context, keys ...string) (int64, error) {
	var count int64
	for _, key := range keys {
		existed, err := a.engine.DelIfExists(slotOf(key), []byte(key))
		if err != nil {
			return count, err
		}
		if existed {
			count++
		}
	}
	return count, nil
}

func (a *StorageAdapter) Exists(_ context.Context, keys ...string) (int64, error) {
	var count int64
	for _, key := range keys {
		if a.engine.Exists(slotOf(key), []byte(key)) {
			count++
		}
	}
	return count, nil
}

func (a *StorageAdapter) Keys(_ context.Context, pattern string) ([]string, error) {
	return a.engine.Keys(pattern), nil
}

func (a *StorageAdapter) Type(_ context.Context, key string) (string, error) {
	return a.engine.TypeOf(slotOf(key), []byte(key)), nil
}

func (a *StorageAdapter) Rename(_ context.Context, key, newkey string) error {
	return a.engine.Rename(slotOf(key), []byte(key), slotOf(newkey), []byte(newkey))
}

func (a *StorageAdapter) Scan(_ context.Context, cursor uint64, pattern string, count int) ([]string, uint64, error) {
	return a.engine.Scan(cursor, pattern, count)
}

func (a *StorageAdapter) TTL(_ context.Context, key string) (time.Duration, error) {
	return a.engine.TTL(slotOf(key), []byte(key)), nil
}

func (a *StorageAdapter) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return a.engine.Expire(slotOf(key), []byte(key), ttl)
}

func (a *StorageAdapter) ExpireAt(_ context.Context, key string, t time.Time) (bool, error) {
	return a.engine.ExpireAt(slotOf(key), []byte(key), t)
}

func (a *StorageAdapter) Persist(_ context.Context, key string) (bool, error) {
	return a.engine.Persist(slotOf(key), []byte(key))
}

func (a *StorageAdapter) DBSize(_ context.Context) (int64, error) {
	return a.engine.DBSize(), nil
}

func (a *StorageAdapter) FlushDB(_ context.Context) error {
	return a.engine.FlushDB()
}

func (a *StorageAdapter) GetEntry(_ context.Context, key string) (*engine.Entry, error) {
	val, ok := a.engine.Get(slotOf(key), []byte(key))
	if !ok {
		return nil, pkgerrors.ErrKeyNotFound
	}

	entry := &engine.Entry{
		Key:   key,
		Value: val,
		Type:  engine.TypeString,
	}
	if ttl := a.engine.TTL(slotOf(key), []byte(key)); ttl > 0 {
		entry.ExpireAt = time.Now().Add(ttl)
	}
	return entry, nil
}

func (a *StorageAdapter) GetStats() interface{} {
	return a.engine.Stats()
}

func (a *StorageAdapter) Close() error {
	return a.engine.Close()
}

var _ ProtocolEngine = (*StorageAdapter)(nil)
