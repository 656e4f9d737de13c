// Package container drives analysis machines as containerd containers.
// Containers make cheap Linux analysis machines: restore-start creates
// a fresh container from the configured image, which is equivalent to a
// snapshot restore, and stop tears container and task down again.
package container

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/burrow-sandbox/burrow/pkg/config"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Name is the machinery name machines reference
const Name = "container"

const (
	// Namespace is the containerd namespace for analysis containers
	Namespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	callTimeout = 30 * time.Second
)

// Machinery implements the backend contract on top of containerd
type Machinery struct {
	*machinery.NetCapture

	socketPath string
	client     *containerd.Client
	machines   []*types.Machine
	images     map[string]string // machine name -> image ref
}

// New creates a container machinery from its config section
func New(cfg config.MachineryConfig) (*Machinery, error) {
	socketPath := cfg.ContainerdSocket
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	m := &Machinery{
		NetCapture: machinery.NewNetCapture(log.WithComponent("machinery-container")),
		socketPath: socketPath,
		images:     make(map[string]string),
	}
	for _, mc := range cfg.Machines {
		if mc.Image == "" {
			return nil, fmt.Errorf("machine %s: container machinery requires image", mc.Name)
		}
		m.images[mc.Name] = mc.Image
		m.machines = append(m.machines, &types.Machine{
			Name:         mc.Name,
			Machinery:    Name,
			Label:        mc.Label,
			IP:           mc.IP,
			AgentPort:    mc.AgentPort,
			Platform:     mc.Platform,
			OSVersion:    mc.OSVersion,
			Architecture: mc.Architecture,
			Interface:    mc.Interface,
			Tags:         mc.Tags,
			State:        types.MachineStatePoweroff,
		})
	}
	return m, nil
}

func (m *Machinery) Name() string { return Name }

// VerifyDependencies checks tcpdump; the containerd connection itself
// is verified by Init
func (m *Machinery) VerifyDependencies() error {
	return m.NetCapture.VerifyDependencies()
}

// Init connects to containerd and pulls the configured images
func (m *Machinery) Init() error {
	client, err := containerd.New(m.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}
	m.client = client

	ctx := namespaces.WithNamespace(context.Background(), Namespace)
	pulled := map[string]bool{}
	for _, image := range m.images {
		if pulled[image] {
			continue
		}
		pulled[image] = true
		if _, err := client.GetImage(ctx, image); err == nil {
			continue
		}
		if _, err := client.Pull(ctx, image, containerd.WithPullUnpack); err != nil {
			return fmt.Errorf("failed to pull image %s: %w", image, err)
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

// State maps the container task status onto the canonical states. A
// machine with no container or no task is powered off.
func (m *Machinery) State(mc *types.Machine) (types.MachineState, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	container, err := m.client.LoadContainer(ctx, mc.Label)
	if err != nil {
		return types.MachineStatePoweroff, nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.MachineStatePoweroff, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return "", &machinery.Error{Machine: mc.Name, Op: "status", Err: err}
	}

	switch status.Status {
	case containerd.Running, containerd.Created:
		return types.MachineStateRunning, nil
	case containerd.Paused, containerd.Pausing:
		return types.MachineStatePaused, nil
	case containerd.Stopped:
		return types.MachineStatePoweroff, nil
	default:
		return "", &machinery.UnhandledStateError{Machine: mc.Name, RawState: string(status.Status)}
	}
}

// RestoreStart creates a fresh container from the machine's image and
// starts it. The fresh snapshot is the container equivalent of a VM
// snapshot restore.
func (m *Machinery) RestoreStart(mc *types.Machine) error {
	ctx, cancel := m.ctx()
	defer cancel()

	if state, _ := m.State(mc); state == types.MachineStateRunning {
		return machinery.ErrStateReached
	}
	// A leftover container from a previous run must go first
	m.removeContainer(ctx, mc)

	image, err := m.client.GetImage(ctx, m.images[mc.Name])
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "restore_start", Err: err}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		// The in-guest agent serves the stager over this mount
		oci.WithMounts([]specs.Mount{
			{
				Source:      "/tmp",
				Destination: "/payload",
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			},
		}),
	}

	container, err := m.client.NewContainer(
		ctx,
		mc.Label,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(mc.Label+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "restore_start", Err: err}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "restore_start", Err: err}
	}
	if err := task.Start(ctx); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "restore_start", Err: err}
	}
	return nil
}

// NoRestoreStart resumes an existing stopped container's task, or
// creates one when none exists
func (m *Machinery) NoRestoreStart(mc *types.Machine) error {
	ctx, cancel := m.ctx()
	defer cancel()

	container, err := m.client.LoadContainer(ctx, mc.Label)
	if err != nil {
		// Nothing to reuse
		return m.RestoreStart(mc)
	}
	if task, err := container.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil && status.Status == containerd.Running {
			return machinery.ErrStateReached
		}
		if _, err := task.Delete(ctx); err != nil {
			return &machinery.Error{Machine: mc.Name, Op: "norestore_start", Err: err}
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "norestore_start", Err: err}
	}
	if err := task.Start(ctx); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "norestore_start", Err: err}
	}
	return nil
}

// Stop kills the container immediately and removes it
func (m *Machinery) Stop(mc *types.Machine) error {
	return m.stop(mc, syscall.SIGKILL)
}

// ACPIStop asks the container's init to exit on its own
func (m *Machinery) ACPIStop(mc *types.Machine) error {
	return m.stop(mc, syscall.SIGTERM)
}

func (m *Machinery) stop(mc *types.Machine, sig syscall.Signal) error {
	ctx, cancel := m.ctx()
	defer cancel()

	container, err := m.client.LoadContainer(ctx, mc.Label)
	if err != nil {
		return machinery.ErrStateReached
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: the container exists but is not running
		m.removeContainer(ctx, mc)
		return machinery.ErrStateReached
	}

	if err := task.Kill(ctx, sig); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "stop", Err: err}
	}
	if sig == syscall.SIGKILL {
		statusC, err := task.Wait(ctx)
		if err == nil {
			select {
			case <-statusC:
			case <-ctx.Done():
			}
		}
		if _, err := task.Delete(ctx); err != nil {
			return &machinery.Error{Machine: mc.Name, Op: "stop", Err: err}
		}
		m.removeContainer(ctx, mc)
	}
	return nil
}

// HandlePaused resumes a paused container task
func (m *Machinery) HandlePaused(mc *types.Machine) error {
	ctx, cancel := m.ctx()
	defer cancel()

	container, err := m.client.LoadContainer(ctx, mc.Label)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "resume", Err: err}
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "resume", Err: err}
	}
	if err := task.Resume(ctx); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "resume", Err: err}
	}
	return nil
}

// DumpMemory is not supported for containers
func (m *Machinery) DumpMemory(mc *types.Machine, path string) error {
	return machinery.ErrNotSupported
}

// Screenshot is not supported for containers
func (m *Machinery) Screenshot(mc *types.Machine, path string) error {
	return machinery.ErrNotSupported
}

// Shutdown stops and removes every container
func (m *Machinery) Shutdown() []*types.Machine {
	m.NetCapture.StopAll()

	var failed []*types.Machine
	for _, mc := range m.machines {
		if err := m.Stop(mc); err != nil && err != machinery.ErrStateReached {
			failed = append(failed, mc)
		}
	}
	if m.client != nil {
		_ = m.client.Close()
	}
	return failed
}

func (m *Machinery) removeContainer(ctx context.Context, mc *types.Machine) {
	container, err := m.client.LoadContainer(ctx, mc.Label)
	if err != nil {
		return
	}
	_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (m *Machinery) ctx() (context.Context, context.CancelFunc) {
	ctx := namespaces.WithNamespace(context.Background(), Namespace)
	return context.WithTimeout(ctx, callTimeout)
}

var _ machinery.Backend = (*Machinery)(nil)
