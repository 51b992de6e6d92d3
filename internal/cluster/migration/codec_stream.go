package migration

import (
	"strconv"

	"github.com/kvshard/kvshard/internal/lsm"
)

// emitStream reconstructs XADD per entry plus a trailing XSETID so the
// destination's stream metadata matches the source exactly.
func emitStream(p *pipeline, key []byte, meta lsm.Metadata, it lsm.StreamIterator) error {
	for it.Valid() {
		entry := it.Entry()
		args := append([][]byte{[]byte("XADD"), key, []byte(entry.ID)}, stringsToBytes(entry.Fields)...)
		p.enqueue(args)
		if err := p.flushIfNeeded(false); err != nil {
			return err
		}
		it.Next()
	}

	p.enqueue([][]byte{
		[]byte("XSETID"), key, []byte(meta.StreamLastID),
		[]byte("ENTRIESADDED"), []byte(strconv.FormatUint(meta.StreamEntriesAdded, 10)),
		[]byte("MAXDELETEDID"), []byte(meta.StreamMaxDeletedID),
	})
	if err := p.flushIfNeeded(false); err != nil {
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

func stringsToBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
