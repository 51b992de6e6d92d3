package migration

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/kvshard/kvshard/internal/lsm"
)

func restoreVerb(kind lsm.ValueKind) ([]byte, error) {
	switch kind {
	case lsm.KindList:
		return []byte("RPUSH"), nil
	case lsm.KindHash:
		return []byte("HMSET"), nil
	case lsm.KindSet:
		return []byte("SADD"), nil
	case lsm.KindZSet:
		return []byte("ZADD"), nil
	case lsm.KindSortedInt:
		return []byte("SIADD"), nil
	default:
		return nil, errUnkind
	}
}

// emitComplex synthesizes batched restore commands for List/Hash/Set/ZSet/
// SortedInt keys by walking the raw subkey iterator. Bitmap is handled
// separately by emitBitmap since it does not batch.
func emitComplex(p *pipeline, key []byte, meta lsm.Metadata, it lsm.RawIterator) error {
	verb, err := restoreVerb(meta.Kind)
	if err != nil {
		return err
	}

	var args [][]byte
	tuples := 0

	flushBatch := func(force bool) error {
		if tuples == 0 {
			return nil
		}
		cmd := append([][]byte{verb, key}, args...)
		p.enqueue(cmd)
		args = args[:0]
		tuples = 0
		return p.flushIfNeeded(force)
	}

	for it.Valid() {
		rec := it.Record()
		switch meta.Kind {
		case lsm.KindSet:
			args = append(args, rec.SubKey)
		case lsm.KindSortedInt:
			id := decodeUint64Arg(rec.SubKey)
			args = append(args, []byte(strconv.FormatUint(id, 10)))
		case lsm.KindZSet:
			score := decodeScoreArg(rec.Value)
			args = append(args, []byte(strconv.FormatFloat(score, 'g', -1, 64)), rec.SubKey)
		case lsm.KindHash:
			args = append(args, rec.SubKey, rec.Value)
		case lsm.KindList:
			args = append(args, rec.Value)
		}
		tuples++
		if tuples >= MaxItemsInCommand {
			if err := flushBatch(false); err != nil {
				return err
			}
		}
		it.Next()
	}
	if err := flushBatch(false); err != nil {
		return err
	}

	if meta.ExpireAtMs != 0 {
		p.enqueue([][]byte{[]byte("PEXPIREAT"), key, []byte(strconv.FormatInt(meta.ExpireAtMs, 10))})
		if err := p.flushIfNeeded(false); err != nil {
			return err
		}
	}
	return nil
}

// emitBitmap synthesizes one SETBIT per set bit; bitmaps do not share the
// 16-item batching above.
func emitBitmap(p *pipeline, key []byte, meta lsm.Metadata, it lsm.RawIterator) error {
	for it.Valid() {
		rec := it.Record()
		fragmentIndex := decodeUint64Arg(rec.SubKey)
		for byteIdx, b := range rec.Value {
			for bitIdx := 0; bitIdx < 8; bitIdx++ {
				if b&(1<<bitIdx) == 0 {
					continue
				}
				offset := fragmentIndex*8 + uint64(byteIdx)*8 + uint64(bitIdx)
				p.enqueue([][]byte{[]byte("SETBIT"), key, []byte(strconv.FormatUint(offset, 10)), []byte("1")})
			}
		}
		if err := p.flushIfNeeded(false); err != nil {
			return err
		}
		it.Next()
	}
	if meta.ExpireAtMs != 0 {
		p.enqueue([][]byte{[]byte("PEXPIREAT"), key, []byte(strconv.FormatInt(meta.ExpireAtMs, 10))})
		if err := p.flushIfNeeded(false); err != nil {
			return err
		}
	}
	return nil
}

// decodeUint64Arg decodes the fixed 8-byte big-endian subkey encoding the
// engine uses for sorted-int members, list ordering indices, and bitmap
// fragment offsets.
func decodeUint64Arg(b []byte) uint64 {
	if len(b) != 8 {
		var v uint64
		for _, c := range b {
			v = v<<8 | uint64(c)
		}
		return v
	}
	return binary.BigEndian.Uint64(b)
}

// decodeScoreArg decodes the engine's lexicographically-sortable double
// encoding: the sign bit flipped (and, for negatives, the rest inverted)
// so big-endian byte comparison matches numeric comparison.
func decodeScoreArg(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
