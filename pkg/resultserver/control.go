package resultserver

import (
	"encoding/json"
	"fmt"

	"github.com/burrow-sandbox/burrow/pkg/ipc"
)

// Control socket wire format: newline-delimited JSON requests
// {"action": "add"|"remove", "ip": ..., "task_id": ...} answered by
// {"status": "ok"} or {"status": "fail", "reason": ...}.

type controlRequest struct {
	Action string `json:"action"`
	IP     string `json:"ip"`
	TaskID string `json:"task_id"`
}

type controlReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func replyOK() controlReply {
	return controlReply{Status: "ok"}
}

func replyFail(reason string) controlReply {
	return controlReply{Status: "fail", Reason: reason}
}

// ControlServer exposes the mapping table over a unix control socket
type ControlServer struct {
	server  *ipc.Server
	backend *Server
}

// NewControlServer creates the control socket for a result server
func NewControlServer(path string, backend *Server) *ControlServer {
	c := &ControlServer{backend: backend}
	c.server = ipc.NewServer(path, c.handle)
	c.server.SetErrorReply(func(reason string) interface{} {
		return replyFail(reason)
	})
	return c
}

// Start binds the control socket
func (c *ControlServer) Start() error {
	return c.server.Start()
}

// Stop closes the control socket
func (c *ControlServer) Stop() {
	c.server.Stop()
}

func (c *ControlServer) handle(raw json.RawMessage) (interface{}, error) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return replyFail("invalid control message"), nil
	}

	switch req.Action {
	case "add":
		if err := c.backend.AddMapping(req.IP, req.TaskID); err != nil {
			return replyFail(err.Error()), nil
		}
		return replyOK(), nil
	case "remove":
		// Removing an unmapped IP is a no-op
		c.backend.RemoveMapping(req.IP)
		return replyOK(), nil
	default:
		return replyFail(fmt.Sprintf("unknown action: %q", req.Action)), nil
	}
}

// Client talks to a result server control socket from another process
type Client struct {
	client *ipc.Client
}

// NewClient creates a result server control client
func NewClient(path string) *Client {
	return &Client{client: ipc.NewClient(path)}
}

// Add reserves a guest IP for a task
func (c *Client) Add(ip, taskID string) error {
	var reply controlReply
	err := c.client.Request(controlRequest{Action: "add", IP: ip, TaskID: taskID}, &reply)
	if err != nil {
		return err
	}
	if reply.Status != "ok" {
		return fmt.Errorf("resultserver add refused: %s", reply.Reason)
	}
	return nil
}

// Remove releases a guest IP reservation
func (c *Client) Remove(ip string) error {
	var reply controlReply
	err := c.client.Request(controlRequest{Action: "remove", IP: ip}, &reply)
	if err != nil {
		return err
	}
	if reply.Status != "ok" {
		return fmt.Errorf("resultserver remove refused: %s", reply.Reason)
	}
	return nil
}
