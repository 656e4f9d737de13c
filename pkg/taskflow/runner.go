package taskflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/ipc"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/metrics"
	"github.com/burrow-sandbox/burrow/pkg/resultserver"
	"github.com/burrow-sandbox/burrow/pkg/rooter"
	"github.com/burrow-sandbox/burrow/pkg/types"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

// Terminal notification subjects sent to the node state socket
const (
	SubjectTaskRunDone   = "taskrundone"
	SubjectTaskRunFailed = "taskrunfailed"
)

// How long an idle flow worker sleeps before re-checking the queue
const runnerIdleSleep = time.Second

// Config wires a Runner to the node's sockets and layout
type Config struct {
	// Socket is the runner's own control socket path
	Socket string

	// Workers is the number of concurrent task flows (default 2)
	Workers int

	Paths *workdir.Paths

	// MachinerySocket and ResultServerSocket are the node-side control
	// sockets the flows drive machines and IP mappings through
	MachinerySocket    string
	ResultServerSocket string

	// NodeStateSocket receives the one-way terminal notifications
	NodeStateSocket string

	// RooterSocket enables route handling when non-empty
	RooterSocket string
}

// job is one queued task start
type job struct {
	taskID     string
	analysisID string
	kind       types.TaskKind
	machine    types.Machine

	// ctx is set when a worker picks the job up; stopall cancels it
	ctx context.Context
}

// Runner consumes task-start jobs from its control socket and drives
// each through a Flow on a small worker pool
type Runner struct {
	deps     FlowDeps
	server   *ipc.Server
	notifier *ipc.Client
	workers  int

	mu     sync.Mutex
	queue  []*job
	active map[string]context.CancelFunc

	disabled atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewRunner creates a task flow runner
func NewRunner(cfg Config) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	deps := FlowDeps{
		Paths:     cfg.Paths,
		Machinery: machinery.NewClient(cfg.MachinerySocket),
		Results:   resultserver.NewClient(cfg.ResultServerSocket),
	}
	if cfg.RooterSocket != "" {
		deps.Rooter = rooter.New(cfg.RooterSocket)
	}

	r := &Runner{
		deps:     deps,
		notifier: ipc.NewClient(cfg.NodeStateSocket),
		workers:  workers,
		active:   make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("taskflow"),
	}
	r.server = ipc.NewServer(cfg.Socket, r.handle)
	return r
}

// Start binds the control socket and launches the flow workers
func (r *Runner) Start() error {
	if err := r.server.Start(); err != nil {
		return err
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.workLoop()
	}
	r.logger.Info().Int("workers", r.workers).Msg("Task flow runner started")
	return nil
}

// Stop cancels running flows, drops queued work and joins the workers
func (r *Runner) Stop() {
	r.server.Stop()
	r.stopAll()
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info().Msg("Task flow runner stopped")
}

// FlowCount returns the number of queued plus running flows
func (r *Runner) FlowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) + len(r.active)
}

// stopAll cancels every running flow and fails every queued job. The
// running flows still do their own cleanup before reporting.
func (r *Runner) stopAll() {
	r.mu.Lock()
	dropped := r.queue
	r.queue = nil
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, cancel := range r.active {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, j := range dropped {
		r.logger.Warn().Str("task_id", j.taskID).Msg("Dropping queued task")
		r.notify(SubjectTaskRunFailed, j)
	}
}

func (r *Runner) workLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		j := r.pop()
		if j == nil {
			select {
			case <-time.After(runnerIdleSleep):
			case <-r.stopCh:
				return
			}
			continue
		}
		r.runJob(j)
	}
}

func (r *Runner) pop() *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	j := r.queue[0]
	r.queue = r.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	j.ctx = ctx
	r.active[j.taskID] = cancel
	return j
}

func (r *Runner) runJob(j *job) {
	metrics.TaskFlowsActive.Inc()
	defer metrics.TaskFlowsActive.Dec()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.active[j.taskID]; ok {
			cancel()
			delete(r.active, j.taskID)
		}
		r.mu.Unlock()
	}()

	logger := r.logger.With().Str("task_id", j.taskID).Logger()
	logger.Info().Str("machine", j.machine.Name).Msg("Task flow starting")

	flow := NewFlow(j.taskID, j.machine, r.deps)
	if err := flow.Run(j.ctx); err != nil {
		logger.Error().Err(err).Msg("Task flow failed")
		r.notify(SubjectTaskRunFailed, j)
		return
	}

	logger.Info().Msg("Task flow done")
	r.notify(SubjectTaskRunDone, j)
}

// notify sends the one-way terminal message to the node state socket
func (r *Runner) notify(subject string, j *job) {
	msg := map[string]string{
		"subject":     subject,
		"task_id":     j.taskID,
		"analysis_id": j.analysisID,
	}
	if err := r.notifier.Send(msg); err != nil {
		r.logger.Error().Err(err).Str("task_id", j.taskID).
			Msg("Failed to notify node of task result")
	}
}

// Control socket wire format: {"action": ..., "args": {...}} answered
// by {"success": ..., "reason"?: ..., "count"?: ...}.

type controlRequest struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// StartTaskArgs carries everything a flow needs that is not already in
// the task directory
type StartTaskArgs struct {
	TaskID     string         `json:"task_id"`
	AnalysisID string         `json:"analysis_id"`
	Kind       types.TaskKind `json:"kind"`
	Machine    types.Machine  `json:"machine"`
}

type controlReply struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Count   *int   `json:"count,omitempty"`
}

func (r *Runner) handle(raw json.RawMessage) (interface{}, error) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid runner request: %w", err)
	}

	switch req.Action {
	case "starttask":
		var args StartTaskArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, fmt.Errorf("invalid starttask args: %w", err)
		}
		if err := r.startTask(args); err != nil {
			return controlReply{Success: false, Reason: err.Error()}, nil
		}
		return controlReply{Success: true}, nil

	case "stopall":
		r.stopAll()
		return controlReply{Success: true}, nil

	case "enable":
		r.disabled.Store(false)
		return controlReply{Success: true}, nil

	case "disable":
		r.disabled.Store(true)
		return controlReply{Success: true}, nil

	case "getflowcount":
		count := r.FlowCount()
		return controlReply{Success: true, Count: &count}, nil

	default:
		return nil, fmt.Errorf("unknown action: %q", req.Action)
	}
}

func (r *Runner) startTask(args StartTaskArgs) error {
	if r.disabled.Load() {
		return fmt.Errorf("task flow runner is disabled")
	}
	if args.TaskID == "" || args.Machine.Name == "" {
		return fmt.Errorf("starttask requires a task id and a machine")
	}
	if args.Kind != types.TaskKindStandard {
		return fmt.Errorf("unknown task kind: %q", args.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.active[args.TaskID]; running {
		return fmt.Errorf("task %s is already running", args.TaskID)
	}
	for _, queued := range r.queue {
		if queued.taskID == args.TaskID {
			return fmt.Errorf("task %s is already queued", args.TaskID)
		}
	}

	r.queue = append(r.queue, &job{
		taskID:     args.TaskID,
		analysisID: args.AnalysisID,
		kind:       args.Kind,
		machine:    args.Machine,
	})
	return nil
}

// Client drives a task flow runner from another process
type Client struct {
	client *ipc.Client
}

// NewRunnerClient creates a runner control socket client
func NewRunnerClient(path string) *Client {
	return &Client{client: ipc.NewClient(path)}
}

// StartTask submits a task to the runner's queue
func (c *Client) StartTask(args StartTaskArgs) error {
	return c.do(controlRequest{Action: "starttask", Args: mustMarshal(args)})
}

// StopAll cancels every queued and running flow
func (c *Client) StopAll() error {
	return c.do(controlRequest{Action: "stopall"})
}

// Enable lets the runner accept new tasks
func (c *Client) Enable() error {
	return c.do(controlRequest{Action: "enable"})
}

// Disable makes the runner refuse new tasks
func (c *Client) Disable() error {
	return c.do(controlRequest{Action: "disable"})
}

// FlowCount returns the number of queued plus running flows
func (c *Client) FlowCount() (int, error) {
	var reply controlReply
	if err := c.client.Request(controlRequest{Action: "getflowcount"}, &reply); err != nil {
		return 0, err
	}
	if !reply.Success {
		return 0, fmt.Errorf("runner refused getflowcount: %s", reply.Reason)
	}
	if reply.Count == nil {
		return 0, fmt.Errorf("runner reply is missing the flow count")
	}
	return *reply.Count, nil
}

func (c *Client) do(req controlRequest) error {
	var reply controlReply
	if err := c.client.Request(req, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("runner refused %s: %s", req.Action, reply.Reason)
	}
	return nil
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
