package machinery

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/events"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/metrics"
	"github.com/burrow-sandbox/burrow/pkg/storage"
	"github.com/burrow-sandbox/burrow/pkg/types"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

// Action is a state-changing request on a machine
type Action string

const (
	ActionRestoreStart   Action = "restore_start"
	ActionNoRestoreStart Action = "norestore_start"
	ActionStop           Action = "stop"
	ActionACPIStop       Action = "acpi_stop"
	ActionScreenshot     Action = "screenshot"
	ActionDumpMemory     Action = "dump_memory"
)

// targetState is the machine state the action drives toward, empty for
// actions that leave the state alone
func (a Action) targetState() types.MachineState {
	switch a {
	case ActionRestoreStart, ActionNoRestoreStart:
		return types.MachineStateRunning
	case ActionStop, ActionACPIStop:
		return types.MachineStatePoweroff
	}
	return ""
}

// Per-action wait budgets for the expected state to be observed.
// Variables so tests can shorten them.
var (
	RestoreStartTimeout   = 180 * time.Second
	NoRestoreStartTimeout = 60 * time.Second
	StopTimeout           = 60 * time.Second
	ACPIStopTimeout       = 120 * time.Second
)

// TimeoutDisableReason is recorded on a machine that never reached the
// state an action expected
const TimeoutDisableReason = "Timeout reached while waiting for machine to reach expected state."

// How long an idle worker sleeps before re-checking the queue
const workerIdleSleep = time.Second

// Result is the terminal answer for one enqueued action
type Result struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// workItem is one queued action. The reply channel receives exactly one
// Result; when a timeout triggers a fallback, the fallback inherits the
// channel and answers instead.
type workItem struct {
	action  Action
	machine *types.Machine
	replyCh chan Result

	// Set once the action function has run and a state change is awaited
	expected  types.MachineState
	timeout   time.Duration
	fallback  Action
	cancel    func()
	waitStart time.Time
	timer     *metrics.Timer
}

// Config wires a Manager to its collaborators
type Config struct {
	Pool   *machine.Pool
	Store  storage.Store  // may be nil; state persistence is skipped
	Events *events.Broker // may be nil; no machine_disabled events
	Paths  *workdir.Paths

	// ResultServerAddr (ip:port) is excluded from network captures
	ResultServerAddr string

	// Workers is the number of action workers (default 4)
	Workers int
}

// Manager drives machines through state transitions. A fixed pool of
// workers consumes a shared FIFO queue; per-machine try-locks keep two
// actions for the same machine from ever interleaving while preserving
// per-machine submission order.
type Manager struct {
	pool     *machine.Pool
	store    storage.Store
	events   *events.Broker
	paths    *workdir.Paths
	rsAddr   string
	workers  int
	backends map[string]Backend

	queueMu sync.Mutex
	queue   []*workItem

	waitersMu sync.Mutex
	waiters   []*workItem

	// sweepMu serializes the waiter sweep so only one worker polls
	// machine states at a time
	sweepMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	disabled atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewManager creates a machinery manager
func NewManager(cfg Config) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Manager{
		pool:     cfg.Pool,
		store:    cfg.Store,
		events:   cfg.Events,
		paths:    cfg.Paths,
		rsAddr:   cfg.ResultServerAddr,
		workers:  workers,
		backends: make(map[string]Backend),
		locks:    make(map[string]*sync.Mutex),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("machinery"),
	}
}

// LoadMachineries verifies, initializes and loads every backend,
// populates the pool with their machines and overlays previously
// persisted machine states.
func (m *Manager) LoadMachineries(backends []Backend, previous map[string]storage.StoredMachine) error {
	for _, be := range backends {
		if _, ok := m.backends[be.Name()]; ok {
			return fmt.Errorf("duplicate machinery name: %s", be.Name())
		}
		if err := be.VerifyDependencies(); err != nil {
			return fmt.Errorf("machinery %s dependency check failed: %w", be.Name(), err)
		}
		if err := be.Init(); err != nil {
			return fmt.Errorf("machinery %s failed to initialize: %w", be.Name(), err)
		}

		machines, err := be.LoadMachines()
		if err != nil {
			return fmt.Errorf("machinery %s failed to load machines: %w", be.Name(), err)
		}
		for _, mc := range machines {
			mc.Machinery = be.Name()
			if mc.State == "" {
				mc.State = types.MachineStatePoweroff
			}
			if err := m.pool.Add(mc); err != nil {
				return fmt.Errorf("machinery %s: %w", be.Name(), err)
			}
		}
		m.backends[be.Name()] = be

		m.logger.Info().
			Str("machinery", be.Name()).
			Int("machines", len(machines)).
			Msg("Machinery loaded")
	}

	if previous != nil {
		m.pool.LoadStoredStates(previous)
	}
	return nil
}

// Start launches the action workers
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.workLoop()
	}
	m.logger.Info().Int("workers", m.workers).Msg("Machinery manager started")
}

// Stop terminates the workers after they finish their current action.
// Queued work is abandoned; pending replies receive a failure.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.queueMu.Lock()
	queued := m.queue
	m.queue = nil
	m.queueMu.Unlock()
	for _, it := range queued {
		m.sendReply(it, false, "machinery manager stopped")
	}

	m.waitersMu.Lock()
	waiting := m.waiters
	m.waiters = nil
	m.waitersMu.Unlock()
	for _, it := range waiting {
		m.sendReply(it, false, "machinery manager stopped")
		m.machineLock(it.machine.Name).Unlock()
	}

	metrics.MachineryQueueDepth.Set(0)
	m.logger.Info().Msg("Machinery manager stopped")
}

// Enable allows new work to be enqueued
func (m *Manager) Enable() {
	m.disabled.Store(false)
}

// Disable gates intake; only stop-class actions are accepted. Used
// during shutdown so running machines can still be brought down.
func (m *Manager) Disable() {
	m.disabled.Store(true)
}

// Enqueue appends an action to the work queue and returns the channel
// its Result will arrive on
func (m *Manager) Enqueue(action Action, machineName string) (chan Result, error) {
	switch action {
	case ActionRestoreStart, ActionNoRestoreStart, ActionStop,
		ActionACPIStop, ActionScreenshot, ActionDumpMemory:
	default:
		return nil, fmt.Errorf("unknown action: %q", action)
	}

	if m.disabled.Load() && action != ActionStop && action != ActionACPIStop {
		return nil, fmt.Errorf("machinery manager is disabled, only stop actions are accepted")
	}

	mc, err := m.pool.GetByName(machineName)
	if err != nil {
		return nil, err
	}
	if _, ok := m.backends[mc.Machinery]; !ok {
		return nil, fmt.Errorf("machine %s references unknown machinery %s", mc.Name, mc.Machinery)
	}

	item := &workItem{
		action:  action,
		machine: mc,
		replyCh: make(chan Result, 1),
	}

	m.queueMu.Lock()
	m.queue = append(m.queue, item)
	depth := len(m.queue)
	m.queueMu.Unlock()
	metrics.MachineryQueueDepth.Set(float64(depth))

	m.logger.Debug().
		Str("action", string(action)).
		Str("machine", machineName).
		Int("queue_depth", depth).
		Msg("Action enqueued")
	return item.replyCh, nil
}

// Do enqueues an action and blocks until its Result arrives or wait
// elapses
func (m *Manager) Do(action Action, machineName string, wait time.Duration) Result {
	replyCh, err := m.Enqueue(action, machineName)
	if err != nil {
		return Result{Success: false, Reason: err.Error()}
	}
	select {
	case res := <-replyCh:
		return res
	case <-time.After(wait):
		return Result{Success: false, Reason: "timed out waiting for action result"}
	}
}

// ShutdownAll stops every machine through its backend. Machines that
// fail to stop are marked error. Guaranteed to run last during node
// shutdown so machines started while shutting down still get stopped.
func (m *Manager) ShutdownAll() {
	for name, be := range m.backends {
		failed := be.Shutdown()
		for _, mc := range failed {
			m.logger.Error().
				Str("machinery", name).
				Str("machine", mc.Name).
				Msg("Machine failed to stop at shutdown, marking error")
			_ = m.pool.SetState(mc.Name, types.MachineStateError)
			m.persistMachine(mc.Name)
		}
	}
}

// enqueueFront places an item at the head of the queue. Used for
// fallback actions so they run before anything queued later for the
// same machine.
func (m *Manager) enqueueFront(item *workItem) {
	m.queueMu.Lock()
	m.queue = append([]*workItem{item}, m.queue...)
	depth := len(m.queue)
	m.queueMu.Unlock()
	metrics.MachineryQueueDepth.Set(float64(depth))
}

func (m *Manager) workLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.sweepWaiters()

		item := m.popEligible()
		if item == nil {
			select {
			case <-time.After(workerIdleSleep):
			case <-m.stopCh:
				return
			}
			continue
		}
		m.execute(item)
	}
}

// popEligible removes and returns the first queued item whose machine
// is not being worked on. The per-machine lock is held on return. Items
// for busy machines stay in place so per-machine FIFO order holds; once
// one item for a machine is skipped, every later item for that machine
// is skipped too, even if the lock frees mid-drain.
func (m *Manager) popEligible() *workItem {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	skipped := make(map[string]bool)
	for i, item := range m.queue {
		name := item.machine.Name
		if skipped[name] {
			continue
		}
		if !m.machineLock(name).TryLock() {
			skipped[name] = true
			continue
		}
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		metrics.MachineryQueueDepth.Set(float64(len(m.queue)))
		return item
	}
	return nil
}

func (m *Manager) machineLock(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}

// execute runs the action function while holding the machine lock. If a
// state change is expected, the item moves to the waiter list and the
// lock stays held until the waiter resolves.
func (m *Manager) execute(item *workItem) {
	item.timer = metrics.NewTimer()

	expectsState, err := m.runAction(item)
	if err != nil {
		switch {
		case errors.Is(err, ErrStateReached):
			// No-op action; the machine is already where we want it.
			// The pool can still carry a stale state, e.g. a stored
			// "running" across a node restart while the hypervisor
			// was off, so sync it before replying.
			if target := item.action.targetState(); target != "" {
				_ = m.pool.SetState(item.machine.Name, target)
				m.persistMachine(item.machine.Name)
			}
			m.sendReply(item, true, "")
		case Disables(err):
			m.disableMachine(item.machine, err.Error())
			m.sendReply(item, false, err.Error())
		default:
			// Transient failure; the machine stays in rotation
			m.sendReply(item, false, err.Error())
		}
		m.machineLock(item.machine.Name).Unlock()
		return
	}

	if !expectsState {
		m.sendReply(item, true, "")
		m.machineLock(item.machine.Name).Unlock()
		return
	}

	item.waitStart = time.Now()
	m.waitersMu.Lock()
	m.waiters = append(m.waiters, item)
	m.waitersMu.Unlock()
}

// runAction invokes the backend call for the item's action, composing
// network capture side effects, and fills in the item's expectation
// fields. Returns whether a state change is now awaited.
func (m *Manager) runAction(item *workItem) (bool, error) {
	mc := item.machine
	be := m.backends[mc.Machinery]

	switch item.action {
	case ActionRestoreStart, ActionNoRestoreStart:
		// Capture must be running before the guest gets a chance to
		// produce traffic
		captured := m.startCapture(be, mc)

		var err error
		if item.action == ActionRestoreStart {
			err = be.RestoreStart(mc)
			item.timeout = RestoreStartTimeout
		} else {
			err = be.NoRestoreStart(mc)
			item.timeout = NoRestoreStartTimeout
		}
		if err != nil {
			if captured {
				m.stopCapture(be, mc)
			}
			return false, err
		}
		item.expected = types.MachineStateRunning
		item.cancel = func() {
			if stopErr := be.Stop(mc); stopErr != nil {
				m.logger.Warn().Err(stopErr).
					Str("machine", mc.Name).
					Msg("Cancel stop failed")
			}
			m.stopCapture(be, mc)
		}
		return true, nil

	case ActionStop, ActionACPIStop:
		var err error
		if item.action == ActionStop {
			err = be.Stop(mc)
			item.timeout = StopTimeout
		} else {
			err = be.ACPIStop(mc)
			item.timeout = ACPIStopTimeout
			item.fallback = ActionStop
		}
		// Capture stops whether or not the backend call succeeded
		m.stopCapture(be, mc)
		if err != nil {
			return false, err
		}
		item.expected = types.MachineStatePoweroff
		return true, nil

	case ActionScreenshot:
		taskID := m.pool.LockedBy(mc.Name)
		if taskID == "" {
			return false, &Error{
				Machine: mc.Name, Op: "screenshot",
				Err: fmt.Errorf("machine is not locked by any task"),
			}
		}
		path := filepath.Join(m.paths.ScreenshotDir(taskID),
			fmt.Sprintf("%d.jpg", time.Now().UnixMilli()))
		return false, be.Screenshot(mc, path)

	case ActionDumpMemory:
		taskID := m.pool.LockedBy(mc.Name)
		if taskID == "" {
			return false, &Error{
				Machine: mc.Name, Op: "dump_memory",
				Err: fmt.Errorf("machine is not locked by any task"),
			}
		}
		dir, err := m.paths.UploadDir(taskID, workdir.CategoryMemory)
		if err != nil {
			return false, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%d.dmp", time.Now().UnixMilli()))
		return false, be.DumpMemory(mc, path)
	}

	return false, fmt.Errorf("unknown action: %q", item.action)
}

func (m *Manager) startCapture(be Backend, mc *types.Machine) bool {
	taskID := m.pool.LockedBy(mc.Name)
	if taskID == "" {
		m.logger.Debug().Str("machine", mc.Name).
			Msg("Machine not locked by a task, skipping network capture")
		return false
	}

	var ignore []string
	if m.rsAddr != "" {
		ignore = []string{m.rsAddr}
	}
	if err := be.StartNetCapture(mc, m.paths.Pcap(taskID), ignore); err != nil {
		// Capture failures never fail the enclosing action
		m.logger.Warn().Err(err).Str("machine", mc.Name).
			Msg("Failed to start network capture")
		return false
	}
	return true
}

func (m *Manager) stopCapture(be Backend, mc *types.Machine) {
	if err := be.StopNetCapture(mc); err != nil {
		m.logger.Warn().Err(err).Str("machine", mc.Name).
			Msg("Failed to stop network capture")
	}
}

// sweepWaiters polls each awaited machine state once. Workers call it
// before pulling new work; the try-lock keeps it single-flight.
func (m *Manager) sweepWaiters() {
	if !m.sweepMu.TryLock() {
		return
	}
	defer m.sweepMu.Unlock()

	m.waitersMu.Lock()
	pending := make([]*workItem, len(m.waiters))
	copy(pending, m.waiters)
	m.waitersMu.Unlock()

	var resolved []*workItem
	for _, item := range pending {
		if m.pollWaiter(item) {
			resolved = append(resolved, item)
		}
	}
	if len(resolved) == 0 {
		return
	}

	m.waitersMu.Lock()
	remaining := m.waiters[:0]
	for _, item := range m.waiters {
		keep := true
		for _, done := range resolved {
			if item == done {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, item)
		}
	}
	m.waiters = remaining
	m.waitersMu.Unlock()
}

// pollWaiter checks one waiting item and reports whether it resolved.
// Resolution always releases the machine lock.
func (m *Manager) pollWaiter(item *workItem) bool {
	mc := item.machine
	be := m.backends[mc.Machinery]

	state, err := be.State(mc)
	if err != nil {
		m.disableMachine(mc, err.Error())
		m.sendReply(item, false, err.Error())
		m.machineLock(mc.Name).Unlock()
		return true
	}

	switch {
	case state == item.expected:
		_ = m.pool.SetState(mc.Name, state)
		m.persistMachine(mc.Name)
		m.sendReply(item, true, "")
		item.timer.ObserveDurationVec(metrics.MachineryActionDuration, string(item.action))
		m.machineLock(mc.Name).Unlock()
		return true

	case state == types.MachineStateError:
		reason := fmt.Sprintf("machine entered error state while waiting for %s", item.expected)
		m.disableMachine(mc, reason)
		m.sendReply(item, false, reason)
		m.machineLock(mc.Name).Unlock()
		return true

	case state == types.MachineStatePaused && item.expected != types.MachineStatePaused:
		if err := be.HandlePaused(mc); err != nil {
			m.disableMachine(mc, err.Error())
			m.sendReply(item, false, err.Error())
			m.machineLock(mc.Name).Unlock()
			return true
		}
		return false

	default:
		if time.Since(item.waitStart) < item.timeout {
			return false
		}

		if item.fallback != "" {
			m.logger.Warn().
				Str("machine", mc.Name).
				Str("action", string(item.action)).
				Str("fallback", string(item.fallback)).
				Msg("Action timed out, enqueueing fallback")
			// The fallback inherits the reply channel and answers the
			// original caller
			m.enqueueFront(&workItem{
				action:  item.fallback,
				machine: mc,
				replyCh: item.replyCh,
			})
			m.machineLock(mc.Name).Unlock()
			return true
		}

		m.disableMachine(mc, TimeoutDisableReason)
		m.sendReply(item, false, TimeoutDisableReason)
		if item.cancel != nil {
			// Best effort cleanup of the action's side effects
			item.cancel()
		}
		m.machineLock(mc.Name).Unlock()
		return true
	}
}

func (m *Manager) disableMachine(mc *types.Machine, reason string) {
	m.logger.Error().
		Str("machine", mc.Name).
		Str("reason", reason).
		Msg("Disabling machine")

	_ = m.pool.MarkDisabled(mc.Name, reason)
	m.persistMachine(mc.Name)

	if m.events != nil {
		m.events.Publish(events.Payload{
			Type:        events.EventMachineDisabled,
			MachineName: mc.Name,
			Reason:      reason,
		})
		metrics.EventsEmitted.Inc()
	}
}

func (m *Manager) persistMachine(name string) {
	if m.store == nil {
		return
	}
	stored, err := m.pool.Stored(name)
	if err != nil {
		return
	}
	if err := m.store.SaveMachineState(stored); err != nil {
		m.logger.Error().Err(err).Str("machine", name).
			Msg("Failed to persist machine state")
	}
}

// sendReply delivers the Result without ever blocking a worker. The
// reply channel is buffered for one Result and each item is answered
// exactly once, so a dropped send means the caller went away.
func (m *Manager) sendReply(item *workItem, success bool, reason string) {
	result := "success"
	if !success {
		result = "failure"
	}
	metrics.MachineryActionsTotal.WithLabelValues(string(item.action), result).Inc()

	select {
	case item.replyCh <- Result{Success: success, Reason: reason}:
	default:
	}
}
