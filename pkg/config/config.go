package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultMachineryWorkers    = 4
	DefaultTaskFlowWorkers     = 2
	DefaultStateControlWorkers = 4
	DefaultResultServerPort    = 2042
	DefaultAgentPort           = 8000
)

// ResultServerConfig configures the TCP sink guest VMs upload to
type ResultServerConfig struct {
	ListenIP   string `yaml:"listen_ip"`
	ListenPort int    `yaml:"listen_port"`
}

// Addr returns the listen address in host:port form
func (c ResultServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

// SocketsConfig holds the unix control socket paths. Empty paths default
// to well-known names under the data directory.
type SocketsConfig struct {
	ResultServer string `yaml:"resultserver"`
	Machinery    string `yaml:"machinery"`
	TaskRunner   string `yaml:"taskrunner"`
	NodeState    string `yaml:"nodestate"`
}

// WorkersConfig sizes the node's worker pools
type WorkersConfig struct {
	Machinery    int `yaml:"machinery"`
	TaskFlow     int `yaml:"taskflow"`
	StateControl int `yaml:"statecontrol"`
}

// RooterConfig points at the external rooter helper
type RooterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

// MachineConfig describes one analysis machine inside a machinery section
type MachineConfig struct {
	Name         string   `yaml:"name"`
	Label        string   `yaml:"label"`
	IP           string   `yaml:"ip"`
	AgentPort    int      `yaml:"agent_port"`
	Platform     string   `yaml:"platform"`
	OSVersion    string   `yaml:"os_version"`
	Architecture string   `yaml:"architecture"`
	MACAddress   string   `yaml:"mac_address"`
	Snapshot     string   `yaml:"snapshot"`
	Interface    string   `yaml:"interface"`
	Tags         []string `yaml:"tags"`

	// Backend specific settings
	QMPSocket string `yaml:"qmp_socket"` // qemu
	Binary    string `yaml:"binary"`     // qemu
	Disk      string `yaml:"disk"`       // qemu
	MemoryMB  int    `yaml:"memory_mb"`  // qemu
	Image     string `yaml:"image"`      // container
}

// MachineryConfig is one backend section with its machine list
type MachineryConfig struct {
	Name     string          `yaml:"name"`
	Machines []MachineConfig `yaml:"machines"`

	// ContainerdSocket is used by the container machinery
	ContainerdSocket string `yaml:"containerd_socket"`
}

// APIConfig configures the read-only status server (event stream,
// machine and task lookups, health, Prometheus metrics)
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the node configuration loaded from burrow.yaml
type Config struct {
	// DataDir is the node working directory: store, task directories,
	// control sockets
	DataDir string `yaml:"data_dir"`

	// Remote marks this node as a remote worker: finished task
	// directories are zipped for collection by the main controller
	Remote bool `yaml:"remote"`

	ResultServer ResultServerConfig `yaml:"resultserver"`
	Sockets      SocketsConfig      `yaml:"sockets"`
	Workers      WorkersConfig      `yaml:"workers"`
	Rooter       RooterConfig       `yaml:"rooter"`
	API          APIConfig          `yaml:"api"`
	Log          LogConfig          `yaml:"log"`

	Machineries []MachineryConfig `yaml:"machineries"`
}

// Load reads and validates a node configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero values with their defaults
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/burrow"
	}
	if c.ResultServer.ListenIP == "" {
		c.ResultServer.ListenIP = "192.168.30.1"
	}
	if c.ResultServer.ListenPort == 0 {
		c.ResultServer.ListenPort = DefaultResultServerPort
	}
	if c.Sockets.ResultServer == "" {
		c.Sockets.ResultServer = filepath.Join(c.DataDir, "resultserver.sock")
	}
	if c.Sockets.Machinery == "" {
		c.Sockets.Machinery = filepath.Join(c.DataDir, "machinery.sock")
	}
	if c.Sockets.TaskRunner == "" {
		c.Sockets.TaskRunner = filepath.Join(c.DataDir, "taskrunner.sock")
	}
	if c.Sockets.NodeState == "" {
		c.Sockets.NodeState = filepath.Join(c.DataDir, "nodestate.sock")
	}
	if c.Workers.Machinery == 0 {
		c.Workers.Machinery = DefaultMachineryWorkers
	}
	if c.Workers.TaskFlow == 0 {
		c.Workers.TaskFlow = DefaultTaskFlowWorkers
	}
	if c.Workers.StateControl == 0 {
		c.Workers.StateControl = DefaultStateControlWorkers
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:9099"
	}
	for i := range c.Machineries {
		for j := range c.Machineries[i].Machines {
			m := &c.Machineries[i].Machines[j]
			if m.AgentPort == 0 {
				m.AgentPort = DefaultAgentPort
			}
			if m.Label == "" {
				m.Label = m.Name
			}
		}
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if len(c.Machineries) == 0 {
		return fmt.Errorf("no machineries configured")
	}
	seenMachinery := map[string]bool{}
	seenMachine := map[string]bool{}
	seenIP := map[string]string{}
	for _, mc := range c.Machineries {
		if mc.Name == "" {
			return fmt.Errorf("machinery section without a name")
		}
		if seenMachinery[mc.Name] {
			return fmt.Errorf("duplicate machinery name: %s", mc.Name)
		}
		seenMachinery[mc.Name] = true
		for _, m := range mc.Machines {
			if m.Name == "" {
				return fmt.Errorf("machinery %s: machine without a name", mc.Name)
			}
			if seenMachine[m.Name] {
				return fmt.Errorf("duplicate machine name: %s", m.Name)
			}
			seenMachine[m.Name] = true
			if m.IP == "" {
				return fmt.Errorf("machine %s: no guest IP configured", m.Name)
			}
			if owner, ok := seenIP[m.IP]; ok {
				return fmt.Errorf("machine %s: IP %s already used by %s", m.Name, m.IP, owner)
			}
			seenIP[m.IP] = m.Name
			if m.Platform == "" {
				return fmt.Errorf("machine %s: no platform configured", m.Name)
			}
		}
	}
	return nil
}
