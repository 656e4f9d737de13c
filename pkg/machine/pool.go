package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/burrow-sandbox/burrow/pkg/storage"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Acquisition errors. Callers use errors.Is to distinguish "no such
// machine" from "machine exists but cannot be handed out right now".
var (
	ErrMachineNotFound  = errors.New("machine does not exist")
	ErrMachineDisabled  = errors.New("machine is disabled")
	ErrMachineLocked    = errors.New("machine is locked by another task")
	ErrMachineNotReady  = errors.New("machine state does not permit acquisition")
	ErrMachineNotLocked = errors.New("machine is not locked")
)

// Pool is the in-memory registry of analysis machines. All mutating
// operations serialize on one lock; reads may run concurrently.
type Pool struct {
	mu       sync.RWMutex
	machines map[string]*types.Machine
}

// NewPool creates an empty machine pool
func NewPool() *Pool {
	return &Pool{
		machines: make(map[string]*types.Machine),
	}
}

// Add registers a machine. Machine names must be unique within the node.
func (p *Pool) Add(m *types.Machine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.machines[m.Name]; ok {
		return fmt.Errorf("duplicate machine name: %s", m.Name)
	}
	p.machines[m.Name] = m
	return nil
}

// GetByName returns the machine with the given name
func (p *Pool) GetByName(name string) (*types.Machine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.machines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	return m, nil
}

// GetByIP returns the machine with the given guest IP
func (p *Pool) GetByIP(ip string) (*types.Machine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.machines {
		if m.IP == ip {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: no machine with IP %s", ErrMachineNotFound, ip)
}

// Count returns the number of registered machines
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.machines)
}

// List returns a snapshot copy of all machines
func (p *Pool) List() []types.Machine {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Machine, 0, len(p.machines))
	for _, m := range p.machines {
		out = append(out, *m)
	}
	return out
}

// AcquireAvailable hands the named machine to a task. The machine must
// exist, must not be disabled or locked, and must be powered off.
// On success locked_by is set atomically under the pool lock.
func (p *Pool) AcquireAvailable(taskID, name string) (*types.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.machines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	if m.Disabled {
		return nil, fmt.Errorf("%w: %s (%s)", ErrMachineDisabled, name, m.DisabledReason)
	}
	if m.LockedBy != "" {
		return nil, fmt.Errorf("%w: %s locked by task %s", ErrMachineLocked, name, m.LockedBy)
	}
	if m.State != types.MachineStatePoweroff {
		return nil, fmt.Errorf("%w: %s is %s", ErrMachineNotReady, name, m.State)
	}

	m.LockedBy = taskID
	return m, nil
}

// Release clears the task lock on a machine
func (p *Pool) Release(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.machines[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	if m.LockedBy == "" {
		return fmt.Errorf("%w: %s", ErrMachineNotLocked, name)
	}
	m.LockedBy = ""
	return nil
}

// LockedBy returns the task currently holding the machine, empty when free
func (p *Pool) LockedBy(name string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if m, ok := p.machines[name]; ok {
		return m.LockedBy
	}
	return ""
}

// MarkDisabled takes a machine out of rotation. A disabled machine is
// never acquired again.
func (p *Pool) MarkDisabled(name, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.machines[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	m.Disabled = true
	m.DisabledReason = reason
	return nil
}

// SetState records a verified machine state
func (p *Pool) SetState(name string, state types.MachineState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.machines[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	m.State = state
	return nil
}

// LoadStoredStates overlays previously persisted machine states onto the
// registry. Unknown names are ignored; the config is authoritative for
// which machines exist.
func (p *Pool) LoadStoredStates(previous map[string]storage.StoredMachine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, stored := range previous {
		m, ok := p.machines[name]
		if !ok {
			continue
		}
		if stored.State != "" {
			m.State = stored.State
		}
		if stored.Disabled {
			m.Disabled = true
			m.DisabledReason = stored.DisabledReason
		}
	}
}

// Stored returns the persistable view of one machine
func (p *Pool) Stored(name string) (storage.StoredMachine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.machines[name]
	if !ok {
		return storage.StoredMachine{}, fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	return storage.StoredMachine{
		Name:           m.Name,
		State:          m.State,
		Disabled:       m.Disabled,
		DisabledReason: m.DisabledReason,
	}, nil
}
