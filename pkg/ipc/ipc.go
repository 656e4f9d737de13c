package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/log"
)

const (
	// MaxLineSize bounds a single newline-delimited JSON message.
	// Control messages are small; anything larger is hostile or broken.
	MaxLineSize = 64 * 1024

	// DefaultRequestTimeout bounds a client round-trip when the caller
	// does not pick its own deadline
	DefaultRequestTimeout = 60 * time.Second
)

// Handler processes one decoded request and returns the reply value.
// A nil reply with a nil error means no reply line is written (one-way
// messages).
type Handler func(raw json.RawMessage) (interface{}, error)

// ErrorReplyFunc renders a failure reason in the serving surface's own
// wire shape, so an unparseable line gets answered in the same dialect
// as a handled request
type ErrorReplyFunc func(reason string) interface{}

func defaultErrorReply(reason string) interface{} {
	return map[string]interface{}{
		"success": false,
		"reason":  reason,
	}
}

// Server serves newline-delimited JSON requests on a unix domain socket
type Server struct {
	path     string
	handler  Handler
	errReply ErrorReplyFunc
	logger   zerolog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a server for the given socket path. The socket is
// not created until Start is called.
func NewServer(path string, handler Handler) *Server {
	return &Server{
		path:     path,
		handler:  handler,
		errReply: defaultErrorReply,
		logger:   log.WithComponent("ipc").With().Str("socket", path).Logger(),
	}
}

// SetErrorReply overrides the failure reply shape. The default is
// {"success": false, "reason": ...}.
func (s *Server) SetErrorReply(fn ErrorReplyFunc) {
	s.errReply = fn
}

// Start removes any stale socket file, binds the listener and begins
// accepting connections in the background
func (s *Server) Start() error {
	// A previous unclean shutdown leaves the socket file behind
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o660); err != nil {
		ln.Close()
		return fmt.Errorf("failed to chmod socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener, waits for in-flight connections and removes
// the socket file
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during shutdown
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed control message, closing connection")
			s.writeReply(conn, s.errReply("invalid JSON message"))
			return
		}

		reply, err := s.handler(raw)
		if err != nil {
			s.writeReply(conn, s.errReply(err.Error()))
			return
		}
		if reply == nil {
			continue
		}
		if !s.writeReply(conn, reply) {
			return
		}
	}
}

func (s *Server) writeReply(conn net.Conn, reply interface{}) bool {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal control reply")
		return false
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write control reply")
		return false
	}
	return true
}

// Client performs newline-delimited JSON exchanges with a unix socket
// server. Each call dials a fresh connection, so a Client is safe for
// concurrent use.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient creates a client for the given socket path
func NewClient(path string) *Client {
	return &Client{path: path, timeout: DefaultRequestTimeout}
}

// WithTimeout sets the per-exchange deadline
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Request sends one message and decodes one reply line into out
func (c *Client) Request(msg interface{}, out interface{}) error {
	return c.exchange(msg, out)
}

// Send sends one message without waiting for a reply
func (c *Client) Send(msg interface{}) error {
	return c.exchange(msg, nil)
}

func (c *Client) exchange(msg interface{}, out interface{}) error {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.path, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if out == nil {
		return nil
	}

	reader := bufio.NewReaderSize(conn, MaxLineSize)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	if err := json.Unmarshal(line, out); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	return nil
}
