package resultserver_test

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrow-sandbox/burrow/pkg/resultserver"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

func newControlServer(t *testing.T) (string, *resultserver.Server) {
	t.Helper()

	paths := workdir.New(t.TempDir())
	backend := resultserver.New("127.0.0.1:0", paths)
	require.NoError(t, backend.Start())
	t.Cleanup(backend.Stop)

	sock := filepath.Join(t.TempDir(), "rs.sock")
	ctrl := resultserver.NewControlServer(sock, backend)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)
	return sock, backend
}

func TestControlAddRemoveRoundTrip(t *testing.T) {
	sock, backend := newControlServer(t)
	client := resultserver.NewClient(sock)

	require.NoError(t, client.Add("127.0.0.1", "task-1"))
	assert.Equal(t, "task-1", backend.MappedTask("127.0.0.1"))

	// A second add for the same IP is refused
	err := client.Add("127.0.0.1", "task-2")
	require.Error(t, err)

	require.NoError(t, client.Remove("127.0.0.1"))
	require.NoError(t, client.Remove("127.0.0.1"))
	assert.Empty(t, backend.MappedTask("127.0.0.1"))
}

func TestControlMalformedLineAnswersInProtocolShape(t *testing.T) {
	sock, _ := newControlServer(t)

	conn, err := net.DialTimeout("unix", sock, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	// The failure reply speaks this socket's status dialect, not a
	// generic error shape
	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &reply))
	assert.Equal(t, "fail", reply["status"])
	assert.NotContains(t, reply, "success")
	assert.NotEmpty(t, reply["reason"])
}
