package migration

import (
	"strconv"

	"github.com/kvshard/kvshard/internal/lsm"
)

// emitString synthesizes the SET [PXAT] restore command for a string key.
func emitString(p *pipeline, key []byte, meta lsm.Metadata) error {
	args := [][]byte{[]byte("SET"), key, meta.Value}
	if meta.ExpireAtMs != 0 {
		args = append(args, []byte("PXAT"), []byte(strconv.FormatInt(meta.ExpireAtMs, 10)))
	}
	p.enqueue(args)
	return p.flushIfNeeded(false)
}
