package migration

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kvshard/kvshard/internal/lsm"
)

type fakeMetaIterator struct {
	keys  [][]byte
	metas []lsm.Metadata
	idx   int
}

func (f *fakeMetaIterator) Valid() bool          { return f.idx < len(f.keys) }
func (f *fakeMetaIterator) Next()                { f.idx++ }
func (f *fakeMetaIterator) Close()               {}
func (f *fakeMetaIterator) Key() []byte          { return f.keys[f.idx] }
func (f *fakeMetaIterator) Metadata() lsm.Metadata { return f.metas[f.idx] }

type fakeSnapshot struct {
	seq   uint64
	meta  *fakeMetaIterator
	freed bool
}

func (f *fakeSnapshot) Seq() uint64                    { return f.seq }
func (f *fakeSnapshot) MetaIterator(uint16) lsm.MetaIterator { return f.meta }
func (f *fakeSnapshot) RawIterator(uint16, []byte, uint64) lsm.RawIterator {
	return newSliceRawIterator(nil)
}
func (f *fakeSnapshot) StreamIterator(uint16, []byte, uint64) lsm.StreamIterator {
	return newSliceStreamIterator(nil)
}
func (f *fakeSnapshot) Release() { f.freed = true }

type fakeWALIterator struct{}

func (fakeWALIterator) Valid() bool        { return false }
func (fakeWALIterator) Next()              {}
func (fakeWALIterator) Batch() lsm.WALBatch { return lsm.WALBatch{} }
func (fakeWALIterator) Close()             {}

type fakeWAL struct{ head uint64 }

func (w *fakeWAL) Head() uint64            { return w.head }
func (w *fakeWAL) Tail(uint64) lsm.WALIterator { return fakeWALIterator{} }

type fakeEngine struct {
	snap *fakeSnapshot
	wal  *fakeWAL
}

func (e *fakeEngine) Snapshot() lsm.Snapshot { return e.snap }
func (e *fakeEngine) WAL() lsm.WAL           { return e.wal }

type fakeTopology struct {
	mu        sync.Mutex
	owns      bool
	committed map[uint16]string
}

func newFakeTopology(owns bool) *fakeTopology {
	return &fakeTopology{owns: owns, committed: make(map[uint16]string)}
}

func (f *fakeTopology) OwnsSlot(uint16) bool { return f.owns }

func (f *fakeTopology) CommitSlotOwnership(slot uint16, newNodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[slot] = newNodeID
	return nil
}

func waitForTerminalState(t *testing.T, m *Migrator, timeout time.Duration) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info := m.GetMigrationInfo()
		if info.State == StateSuccess.String() || info.State == StateFailed.String() {
			if info.State == StateSuccess.String() {
				return StateSuccess
			}
			return StateFailed
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("migration did not reach a terminal state within %s", timeout)
	return StateNone
}

func TestMigrator_SubmitRejectsInvalidJob(t *testing.T) {
	m := NewMigrator("self", &fakeEngine{}, newFakeTopology(true), &sync.RWMutex{}, DefaultConfig())
	err := m.Submit(Job{Slot: 1, DstIP: "", DstPort: 0})
	if err == nil {
		t.Fatal("Submit() error = nil, want error for an incomplete job")
	}
}

func TestMigrator_SubmitRejectsWhenSlotNotOwned(t *testing.T) {
	m := NewMigrator("self", &fakeEngine{}, newFakeTopology(false), &sync.RWMutex{}, DefaultConfig())
	err := m.Submit(Job{Slot: 1, DstIP: "127.0.0.1", DstPort: 6380})
	if err == nil {
		t.Fatal("Submit() error = nil, want error when the topology doesn't own the slot")
	}
	if m.IsMigrationInProgress() {
		t.Fatal("IsMigrationInProgress() = true after a rejected submit")
	}
}

func TestMigrator_SubmitRejectsConcurrentJob(t *testing.T) {
	m := NewMigrator("self", &fakeEngine{}, newFakeTopology(true), &sync.RWMutex{}, DefaultConfig())
	m.migratingSlot.Store(5)

	err := m.Submit(Job{Slot: 1, DstIP: "127.0.0.1", DstPort: 6380})
	if err == nil {
		t.Fatal("Submit() error = nil, want error while another slot is migrating")
	}
}

func TestMigrator_EndToEndSuccess(t *testing.T) {
	dest := newFakeDestination(t)
	defer dest.close()

	addr, port, err := splitHostPortForTest(dest.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}

	engine := &fakeEngine{
		snap: &fakeSnapshot{
			seq: 10,
			meta: &fakeMetaIterator{
				keys:  [][]byte{[]byte("foo")},
				metas: []lsm.Metadata{{Kind: lsm.KindString, Value: []byte("bar")}},
			},
		},
		wal: &fakeWAL{head: 10},
	}
	topology := newFakeTopology(true)

	m := NewMigrator("self", engine, topology, &sync.RWMutex{}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	if err := m.Submit(Job{Slot: 42, DstNodeID: "dst-1", DstIP: addr, DstPort: port}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	state := waitForTerminalState(t, m, 2*time.Second)
	if state != StateSuccess {
		t.Fatalf("final state = %v, want success", state)
	}

	if node := topology.committed[42]; node != "dst-1" {
		t.Fatalf("committed owner = %q, want dst-1", node)
	}
	if !engine.snap.freed {
		t.Fatal("snapshot was never released")
	}
	if m.IsMigrationInProgress() {
		t.Fatal("IsMigrationInProgress() = true after completion")
	}
}

func TestMigrator_FailsOnUnsupportedValueKind(t *testing.T) {
	dest := newFakeDestination(t)
	defer dest.close()

	addr, port, err := splitHostPortForTest(dest.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}

	engine := &fakeEngine{
		snap: &fakeSnapshot{
			seq: 10,
			meta: &fakeMetaIterator{
				keys:  [][]byte{[]byte("weird")},
				metas: []lsm.Metadata{{Kind: lsm.ValueKind(99), Size: 1}},
			},
		},
		wal: &fakeWAL{head: 10},
	}
	topology := newFakeTopology(true)

	m := NewMigrator("self", engine, topology, &sync.RWMutex{}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	if err := m.Submit(Job{Slot: 7, DstNodeID: "dst-1", DstIP: addr, DstPort: port}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	state := waitForTerminalState(t, m, 2*time.Second)
	if state != StateFailed {
		t.Fatalf("final state = %v, want failed", state)
	}
	if m.FailedSlot() != 7 {
		t.Fatalf("FailedSlot() = %d, want 7", m.FailedSlot())
	}
}

func splitHostPortForTest(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
