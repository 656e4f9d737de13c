// Package lima drives analysis machines as Lima VM instances. Lima
// keeps instance state on disk, so state queries go through its store
// and lifecycle operations through its instance API; snapshot restore
// shells out to limactl, which owns the snapshot format.
package lima

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/store"

	"github.com/burrow-sandbox/burrow/pkg/config"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Name is the machinery name machines reference
const Name = "lima"

const (
	startTimeout = 3 * time.Minute
	stopTimeout  = 1 * time.Minute
)

// Machinery implements the backend contract on top of Lima instances
type Machinery struct {
	*machinery.NetCapture

	machines []*types.Machine
}

// New creates a Lima machinery from its config section. Machine labels
// name the Lima instances.
func New(cfg config.MachineryConfig) (*Machinery, error) {
	m := &Machinery{
		NetCapture: machinery.NewNetCapture(log.WithComponent("machinery-lima")),
	}
	for _, mc := range cfg.Machines {
		m.machines = append(m.machines, &types.Machine{
			Name:         mc.Name,
			Machinery:    Name,
			Label:        mc.Label,
			IP:           mc.IP,
			AgentPort:    mc.AgentPort,
			Platform:     mc.Platform,
			OSVersion:    mc.OSVersion,
			Architecture: mc.Architecture,
			MACAddress:   mc.MACAddress,
			Snapshot:     mc.Snapshot,
			Interface:    mc.Interface,
			Tags:         mc.Tags,
			State:        types.MachineStatePoweroff,
		})
	}
	return m, nil
}

func (m *Machinery) Name() string { return Name }

// VerifyDependencies checks limactl and tcpdump are present
func (m *Machinery) VerifyDependencies() error {
	if err := m.NetCapture.VerifyDependencies(); err != nil {
		return err
	}
	if _, err := exec.LookPath("limactl"); err != nil {
		return fmt.Errorf("limactl not found on PATH: %w", err)
	}
	return nil
}

// Init verifies every configured instance exists in the Lima store
func (m *Machinery) Init() error {
	for _, mc := range m.machines {
		if _, err := store.Inspect(mc.Label); err != nil {
			return fmt.Errorf("lima instance %s not found: %w", mc.Label, err)
		}
	}
	return nil
}

func (m *Machinery) LoadMachines() ([]*types.Machine, error) {
	return m.machines, nil
}

func (m *Machinery) ListMachines() []*types.Machine {
	return m.machines
}

// State maps the Lima instance status onto the canonical states
func (m *Machinery) State(mc *types.Machine) (types.MachineState, error) {
	inst, err := store.Inspect(mc.Label)
	if err != nil {
		return "", &machinery.Error{Machine: mc.Name, Op: "inspect", Err: err}
	}

	switch inst.Status {
	case store.StatusRunning:
		return types.MachineStateRunning, nil
	case store.StatusStopped:
		return types.MachineStatePoweroff, nil
	case store.StatusBroken:
		return types.MachineStateError, nil
	default:
		return "", &machinery.UnhandledStateError{Machine: mc.Name, RawState: string(inst.Status)}
	}
}

// RestoreStart applies the machine's snapshot and starts the instance
func (m *Machinery) RestoreStart(mc *types.Machine) error {
	inst, err := store.Inspect(mc.Label)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "restore_start", Err: err}
	}
	if inst.Status == store.StatusRunning {
		return machinery.ErrStateReached
	}

	if mc.Snapshot != "" {
		// limactl owns the snapshot format; apply restores disk state
		cmd := exec.Command("limactl", "snapshot", "apply", "--tag", mc.Snapshot, mc.Label)
		if out, err := cmd.CombinedOutput(); err != nil {
			return &machinery.Error{
				Machine: mc.Name, Op: "snapshot apply",
				Err: fmt.Errorf("%w: %s", err, out),
			}
		}
	}
	return m.startInstance(mc, inst)
}

// NoRestoreStart starts the instance without touching the snapshot
func (m *Machinery) NoRestoreStart(mc *types.Machine) error {
	inst, err := store.Inspect(mc.Label)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "norestore_start", Err: err}
	}
	if inst.Status == store.StatusRunning {
		return machinery.ErrStateReached
	}
	return m.startInstance(mc, inst)
}

func (m *Machinery) startInstance(mc *types.Machine, inst *store.Instance) error {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := instance.Start(ctx, inst, "", false); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "start", Err: err}
	}
	return nil
}

// Stop forcefully stops the instance
func (m *Machinery) Stop(mc *types.Machine) error {
	inst, err := store.Inspect(mc.Label)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "stop", Err: err}
	}
	if inst.Status == store.StatusStopped {
		return machinery.ErrStateReached
	}
	instance.StopForcibly(inst)
	return nil
}

// ACPIStop asks the guest to shut down gracefully
func (m *Machinery) ACPIStop(mc *types.Machine) error {
	inst, err := store.Inspect(mc.Label)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "acpi_stop", Err: err}
	}
	if inst.Status == store.StatusStopped {
		return machinery.ErrStateReached
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := instance.StopGracefully(ctx, inst, false); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "acpi_stop", Err: err}
	}
	return nil
}

// HandlePaused is a no-op; Lima never reports a paused state
func (m *Machinery) HandlePaused(mc *types.Machine) error {
	return nil
}

// DumpMemory is not supported by Lima
func (m *Machinery) DumpMemory(mc *types.Machine, path string) error {
	return machinery.ErrNotSupported
}

// Screenshot is not supported by Lima
func (m *Machinery) Screenshot(mc *types.Machine, path string) error {
	return machinery.ErrNotSupported
}

// Shutdown stops every instance, forcing the ones that resist
func (m *Machinery) Shutdown() []*types.Machine {
	m.NetCapture.StopAll()

	var failed []*types.Machine
	for _, mc := range m.machines {
		inst, err := store.Inspect(mc.Label)
		if err != nil {
			failed = append(failed, mc)
			continue
		}
		if inst.Status == store.StatusStopped {
			continue
		}
		instance.StopForcibly(inst)

		inst, err = store.Inspect(mc.Label)
		if err != nil || inst.Status != store.StatusStopped {
			failed = append(failed, mc)
		}
	}
	return failed
}

var _ machinery.Backend = (*Machinery)(nil)
