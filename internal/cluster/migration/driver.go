package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvshard/kvshard/internal/lsm"
	"github.com/kvshard/kvshard/internal/metrics"
	kverrors "github.com/kvshard/kvshard/pkg/errors"
)

// Migrator is the single long-lived slot-migration driver. One instance
// serves a node; at most one job runs at a time.
type Migrator struct {
	engine    SourceEngine
	topology  Topology
	barrier   Barrier
	selfNode  string
	dial      func(network, addr string, timeout time.Duration) (net.Conn, error)
	Logger    *log.Logger

	cfgMu sync.RWMutex
	cfg   Config

	jobs chan Job
	wg   sync.WaitGroup

	migratingSlot atomic.Int32
	forbiddenSlot atomic.Int32
	failedSlot    atomic.Int32
	stopFlag      atomic.Bool
	stage         atomic.Int32
	state         atomic.Int32

	curMu  sync.RWMutex
	curJob Job
}

// NewMigrator wires a migrator against its collaborators; these are the
// only coupling points to the enclosing server.
func NewMigrator(selfNodeID string, engine SourceEngine, topology Topology, barrier Barrier, cfg Config) *Migrator {
	m := &Migrator{
		engine:   engine,
		topology: topology,
		barrier:  barrier,
		selfNode: selfNodeID,
		cfg:      cfg,
		jobs:     make(chan Job, 1),
		dial:     defaultDial,
		Logger:   log.Default(),
	}
	m.migratingSlot.Store(-1)
	m.forbiddenSlot.Store(-1)
	m.failedSlot.Store(-1)
	return m
}

func defaultDial(network, addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, addr, timeout)
}

// Run starts the driver goroutine. It returns immediately; cancel ctx to
// shut it down (Stop then waits for the goroutine to exit).
func (m *Migrator) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-m.jobs:
				m.runJob(ctx, job)
			}
		}
	}()
}

// Stop requests the current job (if any) to cancel and waits for the
// driver goroutine to exit once ctx is canceled by the caller.
func (m *Migrator) Stop() {
	m.stopFlag.Store(true)
	m.wg.Wait()
}

// Submit accepts a new migration job. Exactly one job may be in flight;
// CAS on migratingSlot is the single serialization point.
func (m *Migrator) Submit(job Job) error {
	job = job.withDefaults(m.configSnapshot())
	if !job.validate() {
		return kverrors.ErrInvalidMigrationArgs
	}
	if !m.migratingSlot.CompareAndSwap(-1, int32(job.Slot)) {
		return kverrors.ErrMigrationInProgress
	}
	if m.topology != nil && !m.topology.OwnsSlot(job.Slot) {
		m.migratingSlot.Store(-1)
		return kverrors.ErrSlotNotOwned
	}

	m.stopFlag.Store(false)
	m.state.Store(int32(StateStarted))
	m.stage.Store(int32(StageStart))
	m.curMu.Lock()
	m.curJob = job
	m.curMu.Unlock()

	select {
	case m.jobs <- job:
		return nil
	default:
		m.migratingSlot.Store(-1)
		return kverrors.ErrMigrationInProgress
	}
}

// StopCurrent requests cooperative cancellation of the in-flight job, if
// any.
func (m *Migrator) StopCurrent() {
	m.stopFlag.Store(true)
}

func (m *Migrator) stopRequested() bool { return m.stopFlag.Load() }

func (m *Migrator) configSnapshot() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Migrator) SetMaxSpeed(v int64) {
	m.cfgMu.Lock()
	m.cfg.MaxSpeed = v
	m.cfgMu.Unlock()
}

func (m *Migrator) SetMaxPipeline(v int) {
	if v <= 0 {
		return
	}
	m.cfgMu.Lock()
	m.cfg.MaxPipeline = v
	m.cfgMu.Unlock()
}

func (m *Migrator) SetSeqGapLimit(v uint64) {
	if v == 0 {
		return
	}
	m.cfgMu.Lock()
	m.cfg.SeqGapLimit = v
	m.cfgMu.Unlock()
}

func (m *Migrator) SetAuthPassword(pw string) {
	m.cfgMu.Lock()
	m.cfg.AuthPassword = pw
	m.cfgMu.Unlock()
}

// Observation surface.

func (m *Migrator) IsMigrationInProgress() bool { return m.migratingSlot.Load() >= 0 }
func (m *Migrator) MigratingSlot() int32        { return m.migratingSlot.Load() }
func (m *Migrator) ForbiddenSlot() int32        { return m.forbiddenSlot.Load() }
func (m *Migrator) FailedSlot() int32           { return m.failedSlot.Load() }
func (m *Migrator) GetCurrentStage() Stage      { return Stage(m.stage.Load()) }

func (m *Migrator) GetMigrationInfo() Info {
	m.curMu.RLock()
	job := m.curJob
	m.curMu.RUnlock()
	return Info{
		MigratingSlot:   m.migratingSlot.Load(),
		DestinationNode: job.DstNodeID,
		State:           State(m.state.Load()).String(),
	}
}

// ReleaseForbiddenSlot manually clears the forbidden-slot marker.
func (m *Migrator) ReleaseForbiddenSlot() {
	m.forbiddenSlot.Store(-1)
}

// jobState carries the per-attempt resources the stage functions share:
// the snapshot, the connection, and the pipeline sender built on it.
type jobState struct {
	job     Job
	snap    lsm.Snapshot
	conn    net.Conn
	p       *pipeline
	failErr error
}

// runJob drives one job through START -> SNAPSHOT -> WAL -> SUCCESS/FAILED
// -> CLEAN, guaranteeing CLEAN always runs and releases the snapshot and
// socket exactly once.
func (m *Migrator) runJob(ctx context.Context, job Job) {
	js := &jobState{job: job}
	defer m.clean(js)

	stage := StageStart
	for stage != StageClean && stage != StageNone {
		m.stage.Store(int32(stage))
		metrics.MigrationStage.Set(float64(stage))
		var next Stage
		var err error
		switch stage {
		case StageStart:
			next, err = m.stageStart(js)
		case StageSnapshot:
			next, err = m.stageSnapshot(js)
		case StageWAL:
			next, err = m.stageWAL(js)
		case StageSuccess:
			next, err = m.stageSuccess(js)
		case StageFailed:
			next, err = m.stageFailed(js)
		default:
			next, err = StageClean, nil
		}
		if err != nil && stage != StageFailed {
			js.failErr = err
			m.Logger.Printf("migration: slot %d stage %s failed: %v", job.Slot, stage, err)
			next = StageFailed
		}
		stage = next
	}
	m.stage.Store(int32(StageClean))
}

func (m *Migrator) stageStart(js *jobState) (Stage, error) {
	js.snap = m.engine.Snapshot()

	conn, err := m.dial("tcp", fmt.Sprintf("%s:%d", js.job.DstIP, js.job.DstPort), RecvTimeout)
	if err != nil {
		return StageFailed, fmt.Errorf("%w: dial destination: %v", errTransport, err)
	}
	js.conn = conn
	js.p = newPipeline(conn, js.job.MaxPipeline, js.job.MaxSpeed, m.stopRequested)

	if err := m.authenticate(js.p, m.configSnapshot().AuthPassword); err != nil {
		return StageFailed, err
	}
	if err := m.sendImportStatus(js.p, js.job.Slot, importStart); err != nil {
		return StageFailed, err
	}
	return StageSnapshot, nil
}

func (m *Migrator) stageSnapshot(js *jobState) (Stage, error) {
	counts, err := m.transferSnapshot(js.snap, js.job.Slot, js.p)
	if err != nil {
		return StageFailed, err
	}
	m.Logger.Printf("migration: slot %d snapshot done: sent=%d expired=%d empty=%d",
		js.job.Slot, counts.sent, counts.expired, counts.empty)
	return StageWAL, nil
}

func (m *Migrator) stageWAL(js *jobState) (Stage, error) {
	if err := m.tailWAL(m.engine, js.job, js.snap.Seq(), js.p); err != nil {
		return StageFailed, err
	}
	return StageSuccess, nil
}

func (m *Migrator) stageSuccess(js *jobState) (Stage, error) {
	if err := m.sendImportStatus(js.p, js.job.Slot, importSuccess); err != nil {
		return StageFailed, err
	}
	if m.topology != nil {
		if err := m.topology.CommitSlotOwnership(js.job.Slot, js.job.DstNodeID); err != nil {
			return StageFailed, fmt.Errorf("commit slot ownership: %w", err)
		}
	}
	m.state.Store(int32(StateSuccess))
	metrics.MigrationJobsTotal.WithLabelValues("success").Inc()
	return StageClean, nil
}

func (m *Migrator) stageFailed(js *jobState) (Stage, error) {
	if js.p != nil {
		if err := m.sendImportStatus(js.p, js.job.Slot, importFailed); err != nil {
			m.Logger.Printf("migration: slot %d best-effort IMPORT FAILED send failed: %v", js.job.Slot, err)
		}
	}
	m.failedSlot.Store(int32(js.job.Slot))
	m.forbiddenSlot.CompareAndSwap(int32(js.job.Slot), -1)
	m.state.Store(int32(StateFailed))
	if errors.Is(js.failErr, errCanceled) {
		metrics.MigrationJobsTotal.WithLabelValues("canceled").Inc()
	} else {
		metrics.MigrationJobsTotal.WithLabelValues("failed").Inc()
	}
	return StageClean, nil
}

func (m *Migrator) clean(js *jobState) {
	if js.snap != nil {
		js.snap.Release()
	}
	if js.conn != nil {
		js.conn.Close()
	}
	m.stopFlag.Store(false)
	m.migratingSlot.Store(-1)
	m.stage.Store(int32(StageNone))
	metrics.MigrationStage.Set(float64(StageNone))
}

func nowMillis() int64 { return time.Now().UnixMilli() }
