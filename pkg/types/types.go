package types

import (
	"time"
)

// MachineState represents the runtime state of an analysis machine
type MachineState string

const (
	MachineStatePoweroff  MachineState = "poweroff"
	MachineStateRunning   MachineState = "running"
	MachineStatePaused    MachineState = "paused"
	MachineStateSuspended MachineState = "suspended"
	MachineStateError     MachineState = "error"
)

// Machine represents a single analysis virtual machine known to the node
type Machine struct {
	// Name uniquely identifies the machine within the node
	Name string `json:"name"`

	// Machinery is the name of the backend that drives this machine
	Machinery string `json:"machinery"`

	// Label is the machine's identifier inside its backend (VM name,
	// container ID, Lima instance name, ...)
	Label string `json:"label"`

	// IP is the guest IP address; uploads arriving from this address are
	// attributed to the task that holds the machine
	IP string `json:"ip"`

	// AgentPort is the TCP port the in-guest agent listens on
	AgentPort int `json:"agent_port"`

	Platform     string   `json:"platform"`
	OSVersion    string   `json:"os_version,omitempty"`
	Architecture string   `json:"architecture"`
	MACAddress   string   `json:"mac_address,omitempty"`
	Snapshot     string   `json:"snapshot,omitempty"`
	Interface    string   `json:"interface,omitempty"`
	Tags         []string `json:"tags,omitempty"`

	// State is the last known runtime state, updated by the machinery
	// manager after each verified transition
	State MachineState `json:"state"`

	// LockedBy is the ID of the task currently holding the machine,
	// empty when the machine is free
	LockedBy string `json:"locked_by,omitempty"`

	// Disabled machines are never handed out again until operator action
	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

// Available reports whether the machine can be acquired for a new task
func (m *Machine) Available() bool {
	return !m.Disabled && m.LockedBy == "" && m.State == MachineStatePoweroff
}

// TaskState represents the lifecycle state of an analysis task on the node
type TaskState string

const (
	TaskStateQueued  TaskState = "queued"
	TaskStateRunning TaskState = "running"
	TaskStateDone    TaskState = "done"
	TaskStateFailed  TaskState = "failed"
)

// Terminal reports whether the state is a final one
func (s TaskState) Terminal() bool {
	return s == TaskStateDone || s == TaskStateFailed
}

// TaskKind selects the flow that drives a task
type TaskKind string

const (
	// TaskKindStandard is the regular sample-detonation flow
	TaskKindStandard TaskKind = "standard"
)

// Route describes the network route a task wants applied while it runs
type Route struct {
	Type    string            `json:"type"`
	Options map[string]string `json:"options,omitempty"`
}

// TaskSettings carries the per-analysis settings the flow needs
type TaskSettings struct {
	// Timeout is the analysis duration in seconds; the flow keeps the
	// machine running this long after payload delivery
	Timeout int `json:"timeout"`
}

// Task is the on-disk task descriptor (task.json) handed to the node
type Task struct {
	ID           string       `json:"id"`
	AnalysisID   string       `json:"analysis_id"`
	Kind         TaskKind     `json:"kind"`
	Platform     string       `json:"platform"`
	OSVersion    string       `json:"os_version,omitempty"`
	Architecture string       `json:"architecture"`
	Route        *Route       `json:"route,omitempty"`
	Settings     TaskSettings `json:"settings"`
}

// TaskRecord is the node store's view of a task's lifecycle
type TaskRecord struct {
	ID         string    `json:"id"`
	AnalysisID string    `json:"analysis_id"`
	Machine    string    `json:"machine"`
	State      TaskState `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
