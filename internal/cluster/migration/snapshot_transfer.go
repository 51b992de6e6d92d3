package migration

import (
	"fmt"

	"github.com/kvshard/kvshard/internal/lsm"
	"github.com/kvshard/kvshard/internal/metrics"
)

// transferCounts tracks the per-job snapshot-scan outcome tally, purely
// for observability (logged at the end of the SNAPSHOT stage).
type transferCounts struct {
	sent, expired, empty int
}

// transferSnapshot scans the metadata column at the slot's key prefix,
// decodes each key's value, and emits restore commands via the per-kind
// codecs, flushing as it goes and forcing a final drain once the
// iteration ends.
func (m *Migrator) transferSnapshot(snap lsm.Snapshot, slot uint16, p *pipeline) (transferCounts, error) {
	var counts transferCounts

	it := snap.MetaIterator(slot)
	defer it.Close()

	now := nowMillis()
	for it.Valid() {
		if m.stopRequested() {
			return counts, errCanceled
		}

		key := append([]byte{}, it.Key()...)
		meta := it.Metadata()

		if meta.Expired(now) {
			counts.expired++
			it.Next()
			continue
		}
		if meta.Kind != lsm.KindString && meta.Kind != lsm.KindStream && meta.Size == 0 {
			counts.empty++
			it.Next()
			continue
		}

		if err := m.transferOneKey(snap, slot, key, meta, p); err != nil {
			return counts, err
		}
		counts.sent++
		metrics.MigrationKeysSentTotal.Inc()
		it.Next()
	}

	if err := p.flushIfNeeded(true); err != nil {
		return counts, err
	}
	return counts, nil
}

func (m *Migrator) transferOneKey(snap lsm.Snapshot, slot uint16, key []byte, meta lsm.Metadata, p *pipeline) error {
	switch meta.Kind {
	case lsm.KindString:
		return emitString(p, key, meta)
	case lsm.KindStream:
		it := snap.StreamIterator(slot, key, meta.Version)
		defer it.Close()
		return emitStream(p, key, meta, it)
	case lsm.KindBitmap:
		it := snap.RawIterator(slot, key, meta.Version)
		defer it.Close()
		return emitBitmap(p, key, meta, it)
	case lsm.KindList, lsm.KindHash, lsm.KindSet, lsm.KindZSet, lsm.KindSortedInt:
		it := snap.RawIterator(slot, key, meta.Version)
		defer it.Close()
		return emitComplex(p, key, meta, it)
	default:
		return fmt.Errorf("%w: kind %v for key %q", errUnkind, meta.Kind, key)
	}
}
