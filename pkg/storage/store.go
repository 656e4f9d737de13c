package storage

import (
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// StoredMachine is the persisted last-known state of a machine. The
// dump is loaded at node startup so machines left running by a crash
// can be stopped before new work is accepted.
type StoredMachine struct {
	Name           string             `json:"name"`
	State          types.MachineState `json:"state"`
	Disabled       bool               `json:"disabled"`
	DisabledReason string             `json:"disabled_reason,omitempty"`
}

// Store defines the interface for node state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Machines (last-known state dump)
	SaveMachineState(m StoredMachine) error
	GetMachineState(name string) (*StoredMachine, error)
	ListMachineStates() (map[string]StoredMachine, error)

	// Tasks
	SaveTask(rec *types.TaskRecord) error
	GetTask(id string) (*types.TaskRecord, error)
	ListTasks() ([]*types.TaskRecord, error)
	ListUnfinishedTasks() ([]*types.TaskRecord, error)
	DeleteTask(id string) error

	// Utility
	Close() error
}
