// Package mock provides an in-memory machinery for development mode and
// tests. Machines transition states after configurable delays without
// touching any hypervisor.
package mock

import (
	"os"
	"sync"
	"time"

	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Name is the machinery name machines reference
const Name = "mock"

// Machinery is a fake backend. State transitions complete after
// StartDelay/StopDelay; zero delays make transitions immediate, which
// keeps tests fast.
type Machinery struct {
	machines []*types.Machine

	// StartDelay and StopDelay simulate slow hypervisor transitions.
	// ACPIStopDelay, when set, applies to ACPIStop instead of StopDelay
	// so a stalled graceful stop can coexist with a fast hard stop.
	StartDelay    time.Duration
	StopDelay     time.Duration
	ACPIStopDelay time.Duration

	mu     sync.Mutex
	states map[string]types.MachineState
	// pending holds the state a machine is moving to and when it gets there
	pending map[string]pendingState

	// Fail hooks let tests force failures per machine
	FailStart map[string]error
	FailStop  map[string]error
}

type pendingState struct {
	state types.MachineState
	at    time.Time
}

// New creates a mock machinery owning the given machines
func New(machines []*types.Machine) *Machinery {
	return &Machinery{
		machines:  machines,
		states:    make(map[string]types.MachineState),
		pending:   make(map[string]pendingState),
		FailStart: make(map[string]error),
		FailStop:  make(map[string]error),
	}
}

func (m *Machinery) Name() string { return Name }

func (m *Machinery) VerifyDependencies() error { return nil }

func (m *Machinery) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mc := range m.machines {
		m.states[mc.Name] = types.MachineStatePoweroff
	}
	return nil
}

func (m *Machinery) LoadMachines() ([]*types.Machine, error) {
	return m.machines, nil
}

func (m *Machinery) ListMachines() []*types.Machine {
	return m.machines
}

// SetState forces a machine state. Test hook.
func (m *Machinery) SetState(name string, state types.MachineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = state
	delete(m.pending, name)
}

func (m *Machinery) State(mc *types.Machine) (types.MachineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[mc.Name]; ok && time.Now().After(p.at) {
		m.states[mc.Name] = p.state
		delete(m.pending, mc.Name)
	}
	state, ok := m.states[mc.Name]
	if !ok {
		return "", &machinery.UnhandledStateError{Machine: mc.Name, RawState: "unknown"}
	}
	return state, nil
}

func (m *Machinery) RestoreStart(mc *types.Machine) error {
	return m.start(mc)
}

func (m *Machinery) NoRestoreStart(mc *types.Machine) error {
	return m.start(mc)
}

func (m *Machinery) start(mc *types.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailStart[mc.Name]; err != nil {
		return err
	}
	if m.states[mc.Name] == types.MachineStateRunning {
		return machinery.ErrStateReached
	}
	m.transition(mc.Name, types.MachineStateRunning, m.StartDelay)
	return nil
}

func (m *Machinery) Stop(mc *types.Machine) error {
	return m.stop(mc, m.StopDelay)
}

func (m *Machinery) ACPIStop(mc *types.Machine) error {
	delay := m.StopDelay
	if m.ACPIStopDelay > 0 {
		delay = m.ACPIStopDelay
	}
	return m.stop(mc, delay)
}

func (m *Machinery) stop(mc *types.Machine, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailStop[mc.Name]; err != nil {
		return err
	}
	if m.states[mc.Name] == types.MachineStatePoweroff {
		return machinery.ErrStateReached
	}
	m.transition(mc.Name, types.MachineStatePoweroff, delay)
	return nil
}

func (m *Machinery) HandlePaused(mc *types.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(mc.Name, types.MachineStateRunning, 0)
	return nil
}

func (m *Machinery) StartNetCapture(mc *types.Machine, pcapPath string, ignoreIPPorts []string) error {
	return nil
}

func (m *Machinery) StopNetCapture(mc *types.Machine) error {
	return nil
}

func (m *Machinery) DumpMemory(mc *types.Machine, path string) error {
	return os.WriteFile(path, []byte("mock memory dump"), 0o640)
}

func (m *Machinery) Screenshot(mc *types.Machine, path string) error {
	// Minimal JPEG SOI/EOI pair so downstream checks pass
	return os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o640)
}

func (m *Machinery) Shutdown() []*types.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []*types.Machine
	for _, mc := range m.machines {
		if err := m.FailStop[mc.Name]; err != nil {
			failed = append(failed, mc)
			continue
		}
		m.states[mc.Name] = types.MachineStatePoweroff
		delete(m.pending, mc.Name)
	}
	return failed
}

// transition schedules a state change; callers hold m.mu
func (m *Machinery) transition(name string, state types.MachineState, delay time.Duration) {
	if delay <= 0 {
		m.states[name] = state
		delete(m.pending, name)
		return
	}
	m.pending[name] = pendingState{state: state, at: time.Now().Add(delay)}
}

// MachineFor builds a machine descriptor owned by this machinery. Test
// and dev-mode helper.
func MachineFor(name, ip string) *types.Machine {
	return &types.Machine{
		Name:         name,
		Machinery:    Name,
		Label:        name,
		IP:           ip,
		AgentPort:    8000,
		Platform:     "windows",
		Architecture: "amd64",
		State:        types.MachineStatePoweroff,
	}
}

var _ machinery.Backend = (*Machinery)(nil)
