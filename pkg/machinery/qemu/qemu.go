// Package qemu drives analysis machines as QEMU/KVM processes. Each
// machine is one qemu-system process started on demand; the running
// process is controlled over its QMP unix socket. A restore-start boots
// the VM directly into its prepared snapshot with -loadvm, which is
// what gives the node a clean machine per task.
package qemu

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"

	"github.com/burrow-sandbox/burrow/pkg/config"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Name is the machinery name machines reference
const Name = "qemu"

const (
	defaultBinary   = "qemu-system-x86_64"
	defaultMemoryMB = 2048
	qmpDialTimeout  = 2 * time.Second
	stopWait        = 30 * time.Second
)

// vmSettings is the per-machine launch configuration
type vmSettings struct {
	binary    string
	disk      string
	memoryMB  int
	qmpSocket string
}

// Machinery implements the backend contract on top of QEMU
type Machinery struct {
	*machinery.NetCapture

	machines []*types.Machine
	settings map[string]vmSettings

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// New creates a QEMU machinery from its config section
func New(cfg config.MachineryConfig) (*Machinery, error) {
	logger := log.WithComponent("machinery-qemu")

	m := &Machinery{
		NetCapture: machinery.NewNetCapture(logger),
		settings:   make(map[string]vmSettings),
		procs:      make(map[string]*exec.Cmd),
	}

	for _, mc := range cfg.Machines {
		if mc.QMPSocket == "" {
			return nil, fmt.Errorf("machine %s: qemu machinery requires qmp_socket", mc.Name)
		}
		if mc.Disk == "" {
			return nil, fmt.Errorf("machine %s: qemu machinery requires disk", mc.Name)
		}
		s := vmSettings{
			binary:    mc.Binary,
			disk:      mc.Disk,
			memoryMB:  mc.MemoryMB,
			qmpSocket: mc.QMPSocket,
		}
		if s.binary == "" {
			s.binary = defaultBinary
		}
		if s.memoryMB == 0 {
			s.memoryMB = defaultMemoryMB
		}
		m.settings[mc.Name] = s

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

// VerifyDependencies checks the qemu binaries and tcpdump are present
func (m *Machinery) VerifyDependencies() error {
	if err := m.NetCapture.VerifyDependencies(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, s := range m.settings {
		if seen[s.binary] {
			continue
		}
		seen[s.binary] = true
		if _, err := exec.LookPath(s.binary); err != nil {
			return fmt.Errorf("qemu binary not found on PATH: %w", err)
		}
	}
	return nil
}

func (m *Machinery) Init() error { return nil }

func (m *Machinery) LoadMachines() ([]*types.Machine, error) {
	return m.machines, nil
}

func (m *Machinery) ListMachines() []*types.Machine {
	return m.machines
}

// State maps the QMP status onto the canonical machine states. A
// machine with no live qemu process is powered off.
func (m *Machinery) State(mc *types.Machine) (types.MachineState, error) {
	if !m.processAlive(mc.Name) {
		return types.MachineStatePoweroff, nil
	}

	var status struct {
		Return struct {
			Status string `json:"status"`
		} `json:"return"`
	}
	raw, err := m.runQMP(mc, `{"execute":"query-status"}`)
	if err != nil {
		// The process may have exited between the liveness check and
		// the QMP dial
		if !m.processAlive(mc.Name) {
			return types.MachineStatePoweroff, nil
		}
		return "", &machinery.Error{Machine: mc.Name, Op: "query-status", Err: err}
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", &machinery.Error{Machine: mc.Name, Op: "query-status", Err: err}
	}

	switch status.Return.Status {
	case "running", "finish-migrate", "restore-vm":
		return types.MachineStateRunning, nil
	case "paused", "prelaunch", "inmigrate":
		return types.MachineStatePaused, nil
	case "suspended":
		return types.MachineStateSuspended, nil
	case "shutdown":
		return types.MachineStatePoweroff, nil
	case "guest-panicked", "internal-error", "io-error":
		return types.MachineStateError, nil
	default:
		return "", &machinery.UnhandledStateError{Machine: mc.Name, RawState: status.Return.Status}
	}
}

// RestoreStart launches the VM loading its prepared snapshot
func (m *Machinery) RestoreStart(mc *types.Machine) error {
	return m.launch(mc, true)
}

// NoRestoreStart launches the VM without touching the snapshot
func (m *Machinery) NoRestoreStart(mc *types.Machine) error {
	return m.launch(mc, false)
}

func (m *Machinery) launch(mc *types.Machine, restore bool) error {
	if m.processAlive(mc.Name) {
		return machinery.ErrStateReached
	}
	s := m.settings[mc.Name]

	args := []string{
		"-enable-kvm",
		"-m", fmt.Sprintf("%d", s.memoryMB),
		"-drive", fmt.Sprintf("file=%s,format=qcow2", s.disk),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", s.qmpSocket),
		"-display", "none",
		"-no-shutdown",
	}
	if mc.Interface != "" {
		netdev := fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", mc.Interface)
		device := "virtio-net-pci,netdev=net0"
		if mc.MACAddress != "" {
			device += ",mac=" + mc.MACAddress
		}
		args = append(args, "-netdev", netdev, "-device", device)
	}
	if restore && mc.Snapshot != "" {
		args = append(args, "-loadvm", mc.Snapshot)
	}

	cmd := exec.Command(s.binary, args...)
	if err := cmd.Start(); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "start", Err: err}
	}

	m.mu.Lock()
	m.procs[mc.Name] = cmd
	m.mu.Unlock()

	// Reap the process when it exits so processAlive stays accurate
	go func() {
		_ = cmd.Wait()
		m.mu.Lock()
		if m.procs[mc.Name] == cmd {
			delete(m.procs, mc.Name)
		}
		m.mu.Unlock()
	}()
	return nil
}

// Stop kills the qemu process
func (m *Machinery) Stop(mc *types.Machine) error {
	m.mu.Lock()
	cmd := m.procs[mc.Name]
	m.mu.Unlock()

	if cmd == nil {
		return machinery.ErrStateReached
	}
	if err := cmd.Process.Signal(syscall.SIGKILL); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "stop", Err: err}
	}
	return nil
}

// ACPIStop asks the guest to power down via ACPI. With working guest
// ACPI the qemu process exits on its own; the manager's fallback covers
// guests that ignore the button.
func (m *Machinery) ACPIStop(mc *types.Machine) error {
	if !m.processAlive(mc.Name) {
		return machinery.ErrStateReached
	}
	if _, err := m.runQMP(mc, `{"execute":"system_powerdown"}`); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "acpi_stop", Err: err}
	}
	// -no-shutdown keeps the process around in "shutdown" status;
	// finish it off once the guest has halted
	go func() {
		time.Sleep(stopWait)
		_ = m.Stop(mc)
	}()
	return nil
}

// HandlePaused resumes a paused VM
func (m *Machinery) HandlePaused(mc *types.Machine) error {
	if _, err := m.runQMP(mc, `{"execute":"cont"}`); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "cont", Err: err}
	}
	return nil
}

// DumpMemory writes a full guest memory dump through QMP
func (m *Machinery) DumpMemory(mc *types.Machine, path string) error {
	cmd := fmt.Sprintf(
		`{"execute":"dump-guest-memory","arguments":{"paging":false,"protocol":"file:%s"}}`, path)
	if _, err := m.runQMP(mc, cmd); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "dump_memory", Err: err}
	}
	return nil
}

// Screenshot captures the VM display through QMP
func (m *Machinery) Screenshot(mc *types.Machine, path string) error {
	cmd := fmt.Sprintf(`{"execute":"screendump","arguments":{"filename":"%s"}}`, path)
	if _, err := m.runQMP(mc, cmd); err != nil {
		return &machinery.Error{Machine: mc.Name, Op: "screenshot", Err: err}
	}
	return nil
}

// Shutdown kills every remaining qemu process
func (m *Machinery) Shutdown() []*types.Machine {
	m.NetCapture.StopAll()

	var failed []*types.Machine
	for _, mc := range m.machines {
		if !m.processAlive(mc.Name) {
			continue
		}
		if err := m.Stop(mc); err != nil {
			failed = append(failed, mc)
			continue
		}
		// Give the kill a moment to land
		deadline := time.Now().Add(stopWait)
		for m.processAlive(mc.Name) {
			if time.Now().After(deadline) {
				failed = append(failed, mc)
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return failed
}

func (m *Machinery) processAlive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[name] != nil
}

// runQMP performs one QMP exchange on the machine's monitor socket
func (m *Machinery) runQMP(mc *types.Machine, command string) ([]byte, error) {
	s := m.settings[mc.Name]
	mon, err := qmp.NewSocketMonitor("unix", s.qmpSocket, qmpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create QMP monitor: %w", err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to QMP socket: %w", err)
	}
	defer mon.Disconnect()

	raw, err := mon.Run([]byte(command))
	if err != nil {
		return nil, fmt.Errorf("QMP command failed: %w", err)
	}
	return raw, nil
}

var _ machinery.Backend = (*Machinery)(nil)
