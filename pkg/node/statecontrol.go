package node

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/ipc"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/taskflow"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

// stateMessage is the one-way notification the task runner sends when
// a flow reaches a terminal state
type stateMessage struct {
	Subject    string `json:"subject"`
	TaskID     string `json:"task_id"`
	AnalysisID string `json:"analysis_id"`
}

// StateControlConfig wires a state control server
type StateControlConfig struct {
	// Socket is the unix socket the task runner notifies on
	Socket string

	// Workers sizes the handler pool (default 4)
	Workers int

	// Remote marks this node as a remote worker: finished task
	// directories are zipped so the main controller can collect them
	Remote bool

	Paths      *workdir.Paths
	Controller *Controller
}

// StateControl receives terminal task notifications from the runner
// process and applies them through the controller. Handling runs on a
// bounded worker pool because remote-mode zipping can take a while.
type StateControl struct {
	server     *ipc.Server
	controller *Controller
	paths      *workdir.Paths
	remote     bool

	jobs   chan stateMessage
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewStateControl creates the state control server
func NewStateControl(cfg StateControlConfig) *StateControl {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	s := &StateControl{
		controller: cfg.Controller,
		paths:      cfg.Paths,
		remote:     cfg.Remote,
		jobs:       make(chan stateMessage, workers*16),
		logger:     log.WithComponent("statecontrol"),
	}
	s.server = ipc.NewServer(cfg.Socket, s.handle)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.workLoop()
	}
	return s
}

// Start binds the notification socket
func (s *StateControl) Start() error {
	return s.server.Start()
}

// Stop closes the socket and drains the pending notifications
func (s *StateControl) Stop() {
	s.server.Stop()
	close(s.jobs)
	s.wg.Wait()
}

func (s *StateControl) handle(raw json.RawMessage) (interface{}, error) {
	var msg stateMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid state message: %w", err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("state message without a task id")
	}

	switch msg.Subject {
	case taskflow.SubjectTaskRunDone, taskflow.SubjectTaskRunFailed:
	default:
		return nil, fmt.Errorf("unknown subject: %q", msg.Subject)
	}

	// One-way message; queue and reply nothing
	s.jobs <- msg
	return nil, nil
}

func (s *StateControl) workLoop() {
	defer s.wg.Done()
	for msg := range s.jobs {
		s.apply(msg)
	}
}

// apply turns a runner notification into a terminal task state. On a
// remote node the task directory is zipped first; a zip failure forces
// the task to failed because its results cannot be collected.
func (s *StateControl) apply(msg stateMessage) {
	success := msg.Subject == taskflow.SubjectTaskRunDone

	if s.remote {
		if err := s.paths.ZipTaskDir(msg.TaskID); err != nil {
			s.logger.Error().Err(err).Str("task_id", msg.TaskID).
				Msg("Failed to zip task results")
			success = false
		}
	}

	if success {
		s.controller.SetTaskSuccess(msg.TaskID)
	} else {
		s.controller.SetTaskFailed(msg.TaskID)
	}
}
