// Package manager is the composition root of the job-execution core: it
// owns the unit registry, the job manager, the transaction builder, the
// run queue and scheduler, the journal, the snapshot store, and the
// metrics collector, and drives them all from one event-loop goroutine
// (single-threaded cooperative; no lock hierarchy).
//
// Everything that is not the loop goroutine — control-plane handlers, job
// timers, the automount pipe reader and expire workers — crosses into the
// loop through Post (fire-and-forget) or call (request-response) before
// touching shared state.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/unitman/internal/automount"
	"github.com/ChuLiYu/unitman/internal/job"
	"github.com/ChuLiYu/unitman/internal/journal"
	"github.com/ChuLiYu/unitman/internal/metrics"
	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/internal/snapshot"
	"github.com/ChuLiYu/unitman/internal/transaction"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// ErrStopped is returned by any public method invoked after Stop.
var ErrStopped = errors.New("manager: stopped")

// Config carries everything the manager needs at construction time.
type Config struct {
	SnapshotPath string
	JournalPath  string

	JournalBufferSize    int
	JournalFlushInterval time.Duration
	SnapshotInterval     time.Duration

	// Kernel is handed to the automount unit kind; a zero value leaves
	// automounts refusing Start with unsupported.
	Kernel automount.Kernel

	// FDSet is the file-descriptor side-channel restored from a reexec;
	// nil means a fresh, empty set.
	FDSet *registry.FDSet

	// Metrics is optional; nil disables metric recording entirely.
	Metrics *metrics.Collector

	// Sync, when set, runs on its own goroutine at shutdown — the one
	// worker thread besides the automount expire loop. The
	// manager never waits for it.
	Sync func()

	Log *slog.Logger
}

// SignalKind identifies a control-plane signal.
type SignalKind int

const (
	SignalUnitNew SignalKind = iota
	SignalUnitRemoved
	SignalUnitChanged
	SignalJobNew
	SignalJobRemoved
)

func (k SignalKind) String() string {
	switch k {
	case SignalUnitNew:
		return "UnitNew"
	case SignalUnitRemoved:
		return "UnitRemoved"
	case SignalUnitChanged:
		return "UnitChanged"
	case SignalJobNew:
		return "JobNew"
	default:
		return "JobRemoved"
	}
}

// Signal is one control-plane event. JobID/JobType/Result are populated
// for the job signals, Active for UnitChanged.
type Signal struct {
	Kind    SignalKind
	Unit    registry.UnitID
	JobID   uint32
	JobType unitapi.JobType
	Result  unitapi.JobResult
	Active  unitapi.ActiveState
}

// UnitStatus is the read-only property surface, flattened into one
// struct the control plane serializes verbatim.
type UnitStatus struct {
	ID          registry.UnitID
	Names       []string
	LoadState   string
	ActiveState string
	SubState    string

	JobID   uint32
	JobType string

	Dependencies map[string][]string

	CanStart   bool
	CanStop    bool
	CanReload  bool
	CanIsolate bool

	StopWhenUnneeded  bool
	RefuseManualStart bool
	RefuseManualStop  bool
	AllowIsolate      bool
	IgnoreOnIsolate   bool
	Transient         bool

	JobTimeoutUSec   int64
	JobTimeoutAction string

	ConditionResult string
	AssertResult    string

	InactiveExit  int64
	ActiveEnter   int64
	ActiveExit    int64
	InactiveEnter int64
}

// Manager wires the core together and owns its event loop.
type Manager struct {
	cfg Config
	log *slog.Logger

	reg     *registry.Registry
	queue   *transaction.Queue
	jobs    *job.Manager
	builder *transaction.Builder
	sched   *transaction.Scheduler
	jrnl    *journal.Journal
	snap    *snapshot.Manager
	met     *metrics.Collector
	fds     *registry.FDSet

	cmds     chan func()
	stopCh   chan struct{}
	loopDone chan struct{}

	stopMu  sync.Mutex
	stopped bool
	started bool

	// replaying suppresses journal writes while the journal itself is
	// being replayed into live state at startup.
	replaying bool
	midReload bool

	sigMu     sync.Mutex
	sigSubs   map[int]func(Signal)
	sigNextID int
}

// New builds a manager. The event loop does not run until Start.
func New(cfg Config) (*Manager, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		log:      log,
		cmds:     make(chan func(), 256),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		fds:      cfg.FDSet,
		met:      cfg.Metrics,
	}
	if m.fds == nil {
		m.fds = registry.NewFDSet()
	}

	m.reg = registry.New(log)
	m.queue = transaction.NewQueue()
	m.jobs = job.NewManager(m.reg, m.queue, m, log)
	m.jobs.Post = m.Post
	m.jobs.OnMerged = m.jobMerged
	m.builder = transaction.NewBuilder(m.reg, m.jobs, log)
	m.sched = transaction.NewScheduler(m.queue, m.jobs, m.reg)
	m.snap = snapshot.NewManager(cfg.SnapshotPath)

	jrnl, err := journal.Open(cfg.JournalPath, cfg.JournalBufferSize, cfg.JournalFlushInterval)
	if err != nil {
		return nil, fmt.Errorf("manager: open journal: %w", err)
	}
	m.jrnl = jrnl

	m.reg.Subscribe(m)

	automount.Configure(automount.Deps{
		Kernel:   cfg.Kernel,
		Registry: m.reg,
		Post:     m.Post,
		Log:      log,
		// These fire on the loop goroutine already (packet dispatch
		// crosses through Post before onPacket runs), so they install
		// directly rather than posting again.
		StartSibling: func(mount registry.UnitID) {
			if _, err := m.addJob(mount, unitapi.JobStart, unitapi.ModeReplace, false); err != nil {
				log.Warn("automount sibling start failed", "unit", string(mount), "err", err)
			}
		},
		StopSibling: func(mount registry.UnitID) {
			if _, err := m.addJob(mount, unitapi.JobStop, unitapi.ModeReplace, false); err != nil {
				log.Warn("automount sibling stop failed", "unit", string(mount), "err", err)
			}
		},
	})

	return m, nil
}

// Registry exposes the unit store for in-process composition (tests, the
// control plane's property reads go through call instead).
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Post crosses fn onto the event-loop goroutine without waiting for it.
func (m *Manager) Post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.stopCh:
	}
}

// call crosses fn onto the loop and waits for its error.
func (m *Manager) call(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case m.cmds <- func() { errCh <- fn() }:
	case <-m.stopCh:
		return ErrStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-m.stopCh:
		return ErrStopped
	}
}

// Start runs the recovery sequence (load snapshot → replay journal →
// coldplug) and then launches the event loop.
func (m *Manager) Start() error {
	start := time.Now()

	if err := m.loadSnapshot(); err != nil {
		return fmt.Errorf("manager: load snapshot: %w", err)
	}
	if err := m.replayJournal(); err != nil {
		return fmt.Errorf("manager: replay journal: %w", err)
	}
	if err := m.coldplug(); err != nil {
		return fmt.Errorf("manager: coldplug: %w", err)
	}

	if m.met != nil {
		m.met.SetRecoveryTime(time.Since(start).Seconds())
	}
	m.log.Info("manager recovery completed", "duration", time.Since(start))

	m.stopMu.Lock()
	m.started = true
	m.stopMu.Unlock()
	go m.loop()
	return nil
}

// Stop shuts the loop down, writes a final snapshot, and closes the
// journal. Idempotent.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	if m.stopped {
		m.stopMu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.stopMu.Unlock()

	close(m.stopCh)
	if started {
		<-m.loopDone
	}

	// The loop is gone; it is safe to touch state from here.
	m.takeSnapshot()
	if err := m.jrnl.Close(); err != nil {
		m.log.Error("journal close failed", "err", err)
	}

	if m.cfg.Sync != nil {
		// Shutdown-time sync runs as a detached worker; the manager never
		// blocks on it.
		go m.cfg.Sync()
	}
	m.log.Info("manager stopped")
}

func (m *Manager) loop() {
	defer close(m.loopDone)

	var snapC <-chan time.Time
	if m.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(m.cfg.SnapshotInterval)
		defer t.Stop()
		snapC = t.C
	}

	for {
		select {
		case <-m.stopCh:
			return
		case fn := <-m.cmds:
			fn()
		case <-m.queue.Wake():
			m.sched.Drain()
			if m.met != nil {
				m.met.SetRunQueueDepth(m.queue.Len())
			}
		case <-snapC:
			m.takeSnapshot()
		}
	}
}

// Subscribe registers a signal sink and returns its cancel function. fn
// is invoked on the loop goroutine and must not block — a slow consumer
// buffers or drops on its own side of the boundary.
func (m *Manager) Subscribe(fn func(Signal)) func() {
	m.sigMu.Lock()
	if m.sigSubs == nil {
		m.sigSubs = make(map[int]func(Signal))
	}
	id := m.sigNextID
	m.sigNextID++
	m.sigSubs[id] = fn
	m.sigMu.Unlock()
	return func() {
		m.sigMu.Lock()
		delete(m.sigSubs, id)
		m.sigMu.Unlock()
	}
}

func (m *Manager) emit(s Signal) {
	m.sigMu.Lock()
	subs := make([]func(Signal), 0, len(m.sigSubs))
	for _, fn := range m.sigSubs {
		subs = append(subs, fn)
	}
	m.sigMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}
