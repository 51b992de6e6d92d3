package migration

import (
	"fmt"
	"time"

	"github.com/kvshard/kvshard/internal/lsm"
	"github.com/kvshard/kvshard/internal/metrics"
)

// tailWAL converges toward the WAL head, takes the forbid barrier, then
// drains whatever arrived after the barrier.
func (m *Migrator) tailWAL(engine SourceEngine, job Job, snapSeq uint64, p *pipeline) error {
	wal := engine.WAL()
	cursor := snapSeq

	for i := 0; i < MaxLoopTimes; i++ {
		head := wal.Head()
		if head <= cursor || head-cursor <= job.SeqGapLimit {
			break
		}
		var err error
		cursor, err = m.replayBatches(wal, cursor, head, job.Slot, p)
		if err != nil {
			return err
		}
	}

	barrierStart := time.Now()
	m.barrier.Lock()
	m.forbiddenSlot.Store(int32(job.Slot))
	m.barrier.Unlock()
	held := time.Since(barrierStart)
	metrics.MigrationBarrierSeconds.Observe(held.Seconds())
	m.Logger.Printf("migration: slot %d forbidden, barrier held %s", job.Slot, held)

	head := wal.Head()
	if head > cursor {
		var err error
		cursor, err = m.replayBatches(wal, cursor, head, job.Slot, p)
		if err != nil {
			return err
		}
	}
	_ = cursor
	return p.flushIfNeeded(true)
}

// replayBatches consumes WAL batches in [cursor+1, head], converting each
// batch's slot-owned writes into restore commands, drains the buffer with a
// forced flush, and returns the new cursor. The first batch read must start
// exactly at cursor+1 — any gap is a hard error.
func (m *Migrator) replayBatches(wal lsm.WAL, cursor, head uint64, slot uint16, p *pipeline) (uint64, error) {
	it := wal.Tail(cursor + 1)
	defer it.Close()

	first := true
	for it.Valid() {
		if m.stopRequested() {
			return cursor, errCanceled
		}
		batch := it.Batch()
		if batch.Seq > head {
			break
		}
		if first {
			if batch.Seq != cursor+1 {
				return cursor, fmt.Errorf("%w: want seq %d, got %d", errSeqGap, cursor+1, batch.Seq)
			}
			first = false
		}

		if err := m.replayBatchWrites(batch, slot, p); err != nil {
			return cursor, err
		}
		if err := p.flushIfNeeded(false); err != nil {
			return cursor, err
		}

		cursor = batch.Seq + batch.Count - 1
		it.Next()
	}
	return cursor, p.flushIfNeeded(true)
}

// replayBatchWrites extracts and emits the writes belonging to slot from
// one WAL batch, grouping the subkey/stream-entry records a single
// mutation produced so they flow through the same batching codecs
// snapshot transfer uses.
func (m *Migrator) replayBatchWrites(batch lsm.WALBatch, slot uint16, p *pipeline) error {
	type group struct {
		kind    lsm.ValueKind
		subs    []lsm.SubRecord
		entries []lsm.StreamEntry
		meta    lsm.Metadata
	}
	groups := map[string]*group{}
	order := []string{}

	flush := func(key string, g *group) error {
		keyBytes := []byte(key)
		switch {
		case g.kind == lsm.KindBitmap:
			return emitBitmap(p, keyBytes, g.meta, newSliceRawIterator(g.subs))
		case g.kind == lsm.KindStream:
			return emitStream(p, keyBytes, g.meta, newSliceStreamIterator(g.entries))
		default:
			return emitComplex(p, keyBytes, g.meta, newSliceRawIterator(g.subs))
		}
	}

	for _, w := range batch.Writes {
		if w.Slot != slot {
			continue
		}
		key := string(w.Key)

		if w.Deleted {
			p.enqueue([][]byte{[]byte("DEL"), w.Key})
			if err := p.flushIfNeeded(false); err != nil {
				return err
			}
			metrics.MigrationKeysSentTotal.Inc()
			continue
		}
		if w.Kind == lsm.KindString {
			if err := emitString(p, w.Key, w.Metadata); err != nil {
				return err
			}
			metrics.MigrationKeysSentTotal.Inc()
			continue
		}

		g, ok := groups[key]
		if !ok {
			g = &group{kind: w.Kind}
			groups[key] = g
			order = append(order, key)
		}
		switch {
		case w.Sub != nil:
			g.subs = append(g.subs, *w.Sub)
		case w.Stream != nil:
			g.entries = append(g.entries, *w.Stream)
		default:
			// trailing metadata-only write closes the group
			g.meta = w.Metadata
		}
	}

	for _, key := range order {
		if err := flush(key, groups[key]); err != nil {
			return err
		}
		metrics.MigrationKeysSentTotal.Inc()
	}
	return nil
}
