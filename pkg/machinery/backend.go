package machinery

import (
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Backend is the capability contract a machinery plug-in implements.
// All calls are synchronous; slow operations are the manager's problem
// and covered by its per-action timeouts. Failures use the typed errors
// in this package.
type Backend interface {
	// Name returns the machinery name machines reference in their
	// Machinery field
	Name() string

	// VerifyDependencies checks host binaries and services this
	// machinery needs. Called once before Init.
	VerifyDependencies() error

	// Init prepares the backend for use
	Init() error

	// LoadMachines returns the machines this backend was configured
	// with. Called once by LoadMachineries to populate the pool.
	LoadMachines() ([]*types.Machine, error)

	// ListMachines returns the machines loaded by LoadMachines
	ListMachines() []*types.Machine

	// State returns the current machine state. Unknown backend states
	// must be reported as an UnhandledStateError.
	State(m *types.Machine) (types.MachineState, error)

	// RestoreStart restores the machine's snapshot and starts it
	RestoreStart(m *types.Machine) error

	// NoRestoreStart starts the machine without touching its snapshot
	NoRestoreStart(m *types.Machine) error

	// Stop forcefully stops the machine
	Stop(m *types.Machine) error

	// ACPIStop requests a guest-cooperative shutdown
	ACPIStop(m *types.Machine) error

	// HandlePaused is invoked when a state poll finds the machine
	// paused while a transition is awaited
	HandlePaused(m *types.Machine) error

	// StartNetCapture begins capturing the machine's network traffic
	// into pcapPath. Traffic to the listed ip:port endpoints is
	// excluded from the capture.
	StartNetCapture(m *types.Machine, pcapPath string, ignoreIPPorts []string) error

	// StopNetCapture stops a running capture. Stopping a capture that
	// was never started is not an error.
	StopNetCapture(m *types.Machine) error

	// DumpMemory writes a full guest memory dump to path
	DumpMemory(m *types.Machine, path string) error

	// Screenshot writes a screenshot of the machine's display to path
	Screenshot(m *types.Machine, path string) error

	// Shutdown stops all machines of this backend and releases backend
	// resources. Returns the machines that failed to stop.
	Shutdown() []*types.Machine
}
