package machinery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/burrow-sandbox/burrow/pkg/ipc"
)

// Control socket wire format: newline-delimited JSON requests
// {"action": ..., "machine": ...} answered by {"success": ..., "reason": ...}.
// Served by the node process and used by the task runner process.

// request is one machinery control socket message
type request struct {
	Action  Action `json:"action"`
	Machine string `json:"machine"`
}

// replyWait is how long the socket blocks for an action to resolve. It
// covers the longest per-action budget plus one fallback round.
var replyWait = RestoreStartTimeout + ACPIStopTimeout + 30*time.Second

// SocketServer exposes a Manager over a unix control socket
type SocketServer struct {
	manager *Manager
	server  *ipc.Server
}

// NewSocketServer creates the control socket server for a manager
func NewSocketServer(path string, manager *Manager) *SocketServer {
	s := &SocketServer{manager: manager}
	s.server = ipc.NewServer(path, s.handle)
	return s
}

// Start binds the control socket
func (s *SocketServer) Start() error {
	return s.server.Start()
}

// Stop closes the control socket
func (s *SocketServer) Stop() {
	s.server.Stop()
}

func (s *SocketServer) handle(raw json.RawMessage) (interface{}, error) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid machinery request: %w", err)
	}
	if req.Machine == "" {
		return nil, fmt.Errorf("missing machine name")
	}

	// Screenshots and memory dumps are the only actions allowed over
	// the socket besides lifecycle transitions
	switch req.Action {
	case ActionRestoreStart, ActionNoRestoreStart, ActionStop,
		ActionACPIStop, ActionScreenshot, ActionDumpMemory:
	default:
		return nil, fmt.Errorf("unknown action: %q", req.Action)
	}

	return s.manager.Do(req.Action, req.Machine, replyWait), nil
}

// Client talks to a machinery control socket from another process
type Client struct {
	client *ipc.Client
}

// NewClient creates a machinery control socket client
func NewClient(path string) *Client {
	return &Client{
		client: ipc.NewClient(path).WithTimeout(replyWait + 30*time.Second),
	}
}

// Do submits an action and waits up to wait for its Result. The wait is
// the caller's reply budget, not the manager's action timeout.
func (c *Client) Do(action Action, machineName string, wait time.Duration) Result {
	type resultCh struct {
		res Result
		err error
	}
	ch := make(chan resultCh, 1)
	go func() {
		var res Result
		err := c.client.Request(request{Action: action, Machine: machineName}, &res)
		ch <- resultCh{res: res, err: err}
	}()

	select {
	case rc := <-ch:
		if rc.err != nil {
			return Result{Success: false, Reason: rc.err.Error()}
		}
		return rc.res
	case <-time.After(wait):
		return Result{Success: false, Reason: "timed out waiting for machinery reply"}
	}
}
