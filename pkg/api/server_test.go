package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrow-sandbox/burrow/pkg/api"
	"github.com/burrow-sandbox/burrow/pkg/events"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/storage"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func newTestServer(t *testing.T) (*api.Server, *machine.Pool, *storage.BoltStore, *events.Broker) {
	t.Helper()

	pool := machine.NewPool()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	t.Cleanup(broker.Stop)

	srv := api.NewServer(api.Config{
		Addr:   "127.0.0.1:0",
		Pool:   pool,
		Store:  store,
		Events: broker,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv, pool, store, broker
}

func TestMachinesEndpoint(t *testing.T) {
	srv, pool, _, _ := newTestServer(t)
	require.NoError(t, pool.Add(&types.Machine{
		Name:     "vm1",
		IP:       "192.168.30.10",
		Platform: "windows",
		State:    types.MachineStatePoweroff,
	}))

	resp, err := http.Get(fmt.Sprintf("http://%s/v1/machines", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var machines []types.Machine
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "vm1", machines[0].Name)
}

func TestTaskEndpoint(t *testing.T) {
	srv, _, store, _ := newTestServer(t)
	require.NoError(t, store.SaveTask(&types.TaskRecord{
		ID:      "task-1",
		Machine: "vm1",
		State:   types.TaskStateDone,
	}))

	resp, err := http.Get(fmt.Sprintf("http://%s/v1/tasks/task-1", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec types.TaskRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, types.TaskStateDone, rec.State)

	missing, err := http.Get(fmt.Sprintf("http://%s/v1/tasks/ghost", srv.Addr()))
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// readSSE collects n events from an open event-stream body
func readSSE(t *testing.T, body *bufio.Reader, n int) []events.Payload {
	t.Helper()

	var out []events.Payload
	for len(out) < n {
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload events.Payload
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
		out = append(out, payload)
	}
	return out
}

func TestEventStreamReplay(t *testing.T) {
	srv, _, _, broker := newTestServer(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		broker.Publish(events.Payload{
			Type:   events.EventTaskState,
			TaskID: id,
			State:  events.TaskStateRunning,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/v1/events", srv.Addr()), nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-Id", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Events after id 1 are replayed, then the stream goes live
	body := bufio.NewReader(resp.Body)
	replayed := readSSE(t, body, 2)
	assert.Equal(t, "t2", replayed[0].TaskID)
	assert.Equal(t, "t3", replayed[1].TaskID)

	broker.Publish(events.Payload{
		Type:   events.EventTaskState,
		TaskID: "t4",
		State:  events.TaskStateDone,
	})
	live := readSSE(t, body, 1)
	assert.Equal(t, "t4", live[0].TaskID)
	assert.Equal(t, events.TaskStateDone, live[0].State)
}

func TestEventStreamRejectsBadLastEventID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("http://%s/v1/events", srv.Addr()), nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-Id", "not-a-number")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
