package resultserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/metrics"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

// mapping is one guest IP reservation. All connections from the IP are
// attributed to the task; unmapping closes them.
type mapping struct {
	taskID string
	start  time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	gone  bool
}

func (m *mapping) register(conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return false
	}
	m.conns[conn] = struct{}{}
	return true
}

func (m *mapping) unregister(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn)
}

// cancel closes every in-flight connection for this mapping. Handlers
// observe the closed connection, abort their transfer and clean up.
func (m *mapping) cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone = true
	for conn := range m.conns {
		conn.Close()
	}
	m.conns = map[net.Conn]struct{}{}
}

// Server is the TCP sink guest VMs upload analysis results to.
// Connections are demultiplexed by source IP: an IP must be mapped to a
// task before its uploads are accepted, and every accepted byte lands
// under that task's directory.
type Server struct {
	addr  string
	paths *workdir.Paths

	mu       sync.Mutex
	mappings map[string]*mapping

	ln     net.Listener
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a result server listening on addr (ip:port) writing into
// the task layout rooted at paths
func New(addr string, paths *workdir.Paths) *Server {
	return &Server{
		addr:     addr,
		paths:    paths,
		mappings: make(map[string]*mapping),
		logger:   log.WithComponent("resultserver"),
	}
}

// Start binds the TCP listener and begins accepting guest connections
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", s.addr).Msg("Result server started")
	return nil
}

// Addr returns the bound listen address, useful when the configured
// port was 0
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop closes the listener and every mapped connection
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	for ip, m := range s.mappings {
		m.cancel()
		delete(s.mappings, ip)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Result server stopped")
}

// AddMapping reserves a guest IP for a task. IP reservations are
// exclusive; mapping an already mapped IP fails and leaves the existing
// reservation intact.
func (s *Server) AddMapping(ip, taskID string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address: %q", ip)
	}
	if taskID == "" {
		return fmt.Errorf("missing task ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.mappings[ip]; ok {
		return fmt.Errorf("IP %s is already mapped to task %s", ip, existing.taskID)
	}
	s.mappings[ip] = &mapping{
		taskID: taskID,
		start:  time.Now(),
		logger: s.logger.With().Str("task_id", taskID).Str("ip", ip).Logger(),
		conns:  make(map[net.Conn]struct{}),
	}

	s.logger.Debug().Str("ip", ip).Str("task_id", taskID).Msg("IP mapped")
	return nil
}

// RemoveMapping releases a guest IP and cancels its in-flight
// transfers. Removing an unmapped IP is a no-op.
func (s *Server) RemoveMapping(ip string) {
	s.mu.Lock()
	m, ok := s.mappings[ip]
	delete(s.mappings, ip)
	s.mu.Unlock()

	if ok {
		m.cancel()
		s.logger.Debug().Str("ip", ip).Str("task_id", m.taskID).Msg("IP unmapped")
	}
}

// MappedTask returns the task an IP is reserved for, empty when unmapped
func (s *Server) MappedTask(ip string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[ip]; ok {
		return m.taskID
	}
	return ""
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	metrics.ResultConnectionsTotal.Inc()

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}

	s.mu.Lock()
	m, ok := s.mappings[ip]
	s.mu.Unlock()
	if !ok {
		// Guests are hostile; an unknown IP gets no explanation
		s.logger.Debug().Str("ip", ip).Msg("Connection from unmapped IP dropped")
		return
	}
	if !m.register(conn) {
		return
	}
	defer m.unregister(conn)

	reader := bufio.NewReaderSize(conn, readChunkSize)
	header, err := readLine(reader)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Failed to read protocol header")
		return
	}

	proto, _, _ := strings.Cut(header, " ")
	switch proto {
	case protoFile:
		err = s.handleFile(m, reader)
	case protoScreenshot:
		err = s.handleScreenshot(m, reader)
	default:
		m.logger.Debug().Str("proto", proto).Msg("Unknown protocol token")
		return
	}
	if err != nil {
		m.logger.Debug().Err(err).Str("proto", proto).Msg("Upload aborted")
	}
}

// readLine reads one newline-terminated ASCII header line, bounded to
// keep a hostile guest from growing the buffer
func readLine(reader *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := reader.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > maxHeaderLine {
			return "", fmt.Errorf("header line too long")
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(sb.String(), "\r\n"), nil
	}
}
