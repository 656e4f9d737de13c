// Package rooter is the client for the external rooter helper, the
// privileged process that rewrites host routing and firewall rules so a
// task's guest traffic leaves through the route the task asked for. The
// helper listens on a unix socket and speaks newline-delimited JSON;
// this package only issues enable and disable requests.
package rooter

import (
	"fmt"
	"time"

	"github.com/burrow-sandbox/burrow/pkg/ipc"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

const requestTimeout = 30 * time.Second

type request struct {
	Action  string            `json:"action"`
	IP      string            `json:"ip"`
	Route   string            `json:"route"`
	Options map[string]string `json:"options,omitempty"`
}

type reply struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Client talks to the rooter helper socket
type Client struct {
	client *ipc.Client
}

// New creates a rooter client for the helper at the given socket path
func New(socketPath string) *Client {
	return &Client{
		client: ipc.NewClient(socketPath).WithTimeout(requestTimeout),
	}
}

// EnableRoute applies a route for a guest IP. The returned Handle tears
// the same route down again.
func (c *Client) EnableRoute(ip string, route *types.Route) (*Handle, error) {
	var resp reply
	err := c.client.Request(request{
		Action:  "enable",
		IP:      ip,
		Route:   route.Type,
		Options: route.Options,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("rooter request failed: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("rooter refused route %s for %s: %s", route.Type, ip, resp.Reason)
	}

	return &Handle{client: c, ip: ip, route: route}, nil
}

// Handle is an applied route. Disable undoes it.
type Handle struct {
	client *Client
	ip     string
	route  *types.Route
}

// Disable tears the route down. Safe to call once per handle.
func (h *Handle) Disable() error {
	var resp reply
	err := h.client.client.Request(request{
		Action:  "disable",
		IP:      h.ip,
		Route:   h.route.Type,
		Options: h.route.Options,
	}, &resp)
	if err != nil {
		return fmt.Errorf("rooter request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("rooter failed to remove route %s for %s: %s", h.route.Type, h.ip, resp.Reason)
	}
	return nil
}
