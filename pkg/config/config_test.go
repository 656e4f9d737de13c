package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

const validConfig = `
data_dir: /tmp/burrow-test
resultserver:
  listen_ip: 192.168.30.1
  listen_port: 2042
machineries:
  - name: mock
    machines:
      - name: vm1
        ip: 192.168.30.10
        platform: windows
        architecture: amd64
      - name: vm2
        ip: 192.168.30.11
        platform: linux
        architecture: amd64
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/burrow-test", cfg.DataDir)
	assert.Equal(t, "192.168.30.1:2042", cfg.ResultServer.Addr())
	require.Len(t, cfg.Machineries, 1)
	assert.Len(t, cfg.Machineries[0].Machines, 2)
}

func TestDefaultsAreApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultMachineryWorkers, cfg.Workers.Machinery)
	assert.Equal(t, DefaultTaskFlowWorkers, cfg.Workers.TaskFlow)
	assert.Equal(t, DefaultStateControlWorkers, cfg.Workers.StateControl)
	assert.Equal(t, "info", cfg.Log.Level)

	// Socket paths default under the data dir
	assert.Equal(t, filepath.Join(cfg.DataDir, "machinery.sock"), cfg.Sockets.Machinery)
	assert.Equal(t, filepath.Join(cfg.DataDir, "taskrunner.sock"), cfg.Sockets.TaskRunner)
	assert.Equal(t, filepath.Join(cfg.DataDir, "nodestate.sock"), cfg.Sockets.NodeState)
	assert.Equal(t, filepath.Join(cfg.DataDir, "resultserver.sock"), cfg.Sockets.ResultServer)

	// Machine defaults
	m := cfg.Machineries[0].Machines[0]
	assert.Equal(t, DefaultAgentPort, m.AgentPort)
	assert.Equal(t, "vm1", m.Label)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{
			name:   "no machineries",
			config: "data_dir: /tmp/x\n",
		},
		{
			name: "duplicate machine names",
			config: `
machineries:
  - name: mock
    machines:
      - {name: vm1, ip: 192.168.30.10, platform: linux}
      - {name: vm1, ip: 192.168.30.11, platform: linux}
`,
		},
		{
			name: "duplicate guest IPs",
			config: `
machineries:
  - name: mock
    machines:
      - {name: vm1, ip: 192.168.30.10, platform: linux}
      - {name: vm2, ip: 192.168.30.10, platform: linux}
`,
		},
		{
			name: "machine without IP",
			config: `
machineries:
  - name: mock
    machines:
      - {name: vm1, platform: linux}
`,
		},
		{
			name: "machine without platform",
			config: `
machineries:
  - name: mock
    machines:
      - {name: vm1, ip: 192.168.30.10}
`,
		},
		{
			name: "duplicate machinery sections",
			config: `
machineries:
  - name: mock
    machines:
      - {name: vm1, ip: 192.168.30.10, platform: linux}
  - name: mock
    machines:
      - {name: vm2, ip: 192.168.30.11, platform: linux}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
