package migration

import (
	"fmt"
	"strconv"
)

// importStatus mirrors the CLUSTER IMPORT slot STATUS values the
// destination's acceptor understands.
type importStatus int

const (
	importStart   importStatus = 0
	importSuccess importStatus = 1
	importFailed  importStatus = 2
)

// authenticate sends AUTH if a password is configured, expecting a single
// +OK. Skipped entirely when no password is configured.
func (m *Migrator) authenticate(p *pipeline, password string) error {
	if password == "" {
		return nil
	}
	p.enqueue([][]byte{[]byte("AUTH"), []byte(password)})
	return p.flushIfNeeded(true)
}

// sendImportStatus sends CLUSTER IMPORT slot STATUS and expects a single
// +OK, forcing an immediate flush regardless of pipeline depth.
func (m *Migrator) sendImportStatus(p *pipeline, slot uint16, status importStatus) error {
	p.enqueue([][]byte{
		[]byte("CLUSTER"), []byte("IMPORT"),
		[]byte(strconv.Itoa(int(slot))),
		[]byte(strconv.Itoa(int(status))),
	})
	if err := p.flushIfNeeded(true); err != nil {
		return fmt.Errorf("import status %d: %w", status, err)
	}
	return nil
}
