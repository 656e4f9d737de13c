// Package agent is the HTTP client for the in-guest analysis agent. The
// agent is a small HTTP server inside every analysis machine; the node
// talks to it over the guest IP to check readiness, stage the payload
// and kick off execution. The agent itself is a separate project; this
// package only speaks its wire protocol.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/burrow-sandbox/burrow/pkg/log"
)

const (
	// requestTimeout bounds a single agent HTTP exchange
	requestTimeout = 15 * time.Second

	// probeInterval is how often WaitReachable re-tries the agent
	probeInterval = time.Second
)

// Client talks to one machine's guest agent
type Client struct {
	addr   string
	client *http.Client
}

// New creates an agent client for a guest at ip:port
func New(ip string, port int) *Client {
	return &Client{
		addr: net.JoinHostPort(ip, fmt.Sprintf("%d", port)),
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Addr returns the agent endpoint this client targets
func (c *Client) Addr() string {
	return c.addr
}

// Ping checks the agent answers on its ping endpoint
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/ping"), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent ping returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// WaitReachable blocks until the agent answers a ping or the wait budget
// runs out. Probing starts immediately and repeats every second; the
// machine is booting, so connection refusals are expected for a while.
func (c *Client) WaitReachable(ctx context.Context, wait time.Duration) error {
	logger := log.WithComponent("agent")
	deadline := time.Now().Add(wait)

	for {
		probeCtx, cancel := context.WithTimeout(ctx, probeInterval*3)
		err := c.Ping(probeCtx)
		cancel()
		if err == nil {
			logger.Debug().Str("addr", c.addr).Msg("Agent reachable")
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("agent at %s not reachable within %s: %w", c.addr, wait, err)
		}
		select {
		case <-time.After(probeInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StagePayload uploads the stager payload into the guest. The agent
// writes it to its staging area and reports the in-guest path back.
func (c *Client) StagePayload(ctx context.Context, name string, payload io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/stage"), payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", name)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to stage payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent stage returned HTTP %d", resp.StatusCode)
	}

	var reply struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("failed to decode stage reply: %w", err)
	}
	return reply.Path, nil
}

// Execute asks the agent to run a staged command inside the guest
func (c *Client) Execute(ctx context.Context, command string, args []string) error {
	body, err := json.Marshal(map[string]interface{}{
		"command": command,
		"args":    args,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/execute"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute in guest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent execute returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) url(path string) string {
	return "http://" + c.addr + path
}
