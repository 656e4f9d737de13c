package machinery

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/types"
)

// NetCapture runs one tcpdump child process per machine, writing the
// capture to the owning task's pcap file. Backends embed it to satisfy
// the StartNetCapture/StopNetCapture part of the contract.
type NetCapture struct {
	mu     sync.Mutex
	caps   map[string]*exec.Cmd // machine name -> running tcpdump
	binary string
	logger zerolog.Logger
}

// NewNetCapture creates a capture helper using the tcpdump binary found
// on PATH
func NewNetCapture(logger zerolog.Logger) *NetCapture {
	return &NetCapture{
		caps:   make(map[string]*exec.Cmd),
		binary: "tcpdump",
		logger: logger,
	}
}

// VerifyDependencies checks that tcpdump is available
func (nc *NetCapture) VerifyDependencies() error {
	if _, err := exec.LookPath(nc.binary); err != nil {
		return fmt.Errorf("tcpdump not found on PATH: %w", err)
	}
	return nil
}

// StartNetCapture starts capturing traffic from the machine's host
// interface. Traffic to ignoreIPPorts (ip:port pairs, typically the
// result server endpoint) is filtered out of the capture.
func (nc *NetCapture) StartNetCapture(m *types.Machine, pcapPath string, ignoreIPPorts []string) error {
	if m.Interface == "" {
		return &NetCaptureError{
			Machine: m.Name,
			Err:     fmt.Errorf("machine has no capture interface configured"),
		}
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	if _, ok := nc.caps[m.Name]; ok {
		return &NetCaptureError{
			Machine: m.Name,
			Err:     fmt.Errorf("capture already running"),
		}
	}

	args := []string{
		"-U", "-i", m.Interface,
		"-w", pcapPath,
	}
	if filter := captureFilter(m.IP, ignoreIPPorts); filter != "" {
		args = append(args, filter)
	}

	cmd := exec.Command(nc.binary, args...)
	if err := cmd.Start(); err != nil {
		return &NetCaptureError{
			Machine: m.Name,
			Err:     fmt.Errorf("failed to start tcpdump: %w", err),
		}
	}
	nc.caps[m.Name] = cmd

	nc.logger.Debug().
		Str("machine", m.Name).
		Str("interface", m.Interface).
		Str("pcap", pcapPath).
		Msg("Network capture started")
	return nil
}

// StopNetCapture terminates the machine's tcpdump process. Stopping a
// machine with no running capture is a no-op.
func (nc *NetCapture) StopNetCapture(m *types.Machine) error {
	nc.mu.Lock()
	cmd, ok := nc.caps[m.Name]
	delete(nc.caps, m.Name)
	nc.mu.Unlock()

	if !ok {
		return nil
	}

	// SIGTERM lets tcpdump flush its buffers before exiting
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}

	nc.logger.Debug().Str("machine", m.Name).Msg("Network capture stopped")
	return nil
}

// StopAll stops every running capture. Used during backend shutdown.
func (nc *NetCapture) StopAll() {
	nc.mu.Lock()
	names := make([]string, 0, len(nc.caps))
	for name := range nc.caps {
		names = append(names, name)
	}
	nc.mu.Unlock()

	for _, name := range names {
		_ = nc.StopNetCapture(&types.Machine{Name: name})
	}
}

// captureFilter builds a pcap filter that keeps the guest's traffic and
// drops the result server upload stream
func captureFilter(guestIP string, ignoreIPPorts []string) string {
	var parts []string
	if guestIP != "" {
		parts = append(parts, fmt.Sprintf("host %s", guestIP))
	}
	for _, ipport := range ignoreIPPorts {
		host, port, ok := strings.Cut(ipport, ":")
		if !ok || host == "" || port == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("not (host %s and tcp port %s)", host, port))
	}
	return strings.Join(parts, " and ")
}
