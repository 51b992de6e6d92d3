package migration

import (
	"sync"

	"github.com/kvshard/kvshard/internal/lsm"
)

// Topology is the slot-ownership collaborator the migrator commits to on
// success and consults on admission. Satisfied structurally by
// *cluster.Cluster; this package never imports the cluster package, which
// is what keeps migrator↔server construction acyclic.
type Topology interface {
	OwnsSlot(slot uint16) bool
	CommitSlotOwnership(slot uint16, newNodeID string) error
}

// Barrier is the server-wide exclusivity lock the migrator takes briefly,
// exclusively, to publish the forbidden-slot marker. Command admission
// takes the same lock for reading. *sync.RWMutex satisfies this directly.
type Barrier interface {
	Lock()
	Unlock()
}

var _ Barrier = (*sync.RWMutex)(nil)

// SourceEngine is the storage collaborator: snapshots and a WAL to tail.
// Satisfied by *storage.Engine.
type SourceEngine interface {
	Snapshot() lsm.Snapshot
	WAL() lsm.WAL
}
