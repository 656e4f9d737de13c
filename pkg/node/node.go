package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/events"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/metrics"
	"github.com/burrow-sandbox/burrow/pkg/storage"
	"github.com/burrow-sandbox/burrow/pkg/taskflow"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

const (
	// drainPollInterval is how often shutdown re-checks the runner's
	// flow count
	drainPollInterval = 2 * time.Second

	// defaultDrainTimeout bounds how long shutdown waits for running
	// flows before giving up and stopping machines anyway
	defaultDrainTimeout = 5 * time.Minute
)

// Config wires a Controller to its collaborators
type Config struct {
	Pool    *machine.Pool
	Store   storage.Store
	Events  *events.Broker
	Manager *machinery.Manager
	Runner  *taskflow.Client

	// DrainTimeout bounds the shutdown drain (default 5 minutes)
	DrainTimeout time.Duration
}

// work is one in-flight task
type work struct {
	taskID     string
	analysisID string
	machine    string
	released   bool
}

// Controller is the node façade: it accepts task-run requests, hands
// them to the task runner, tracks which machine each task holds and
// turns runner notifications into terminal task states and events.
type Controller struct {
	pool    *machine.Pool
	store   storage.Store
	events  *events.Broker
	manager *machinery.Manager
	runner  *taskflow.Client
	drain   time.Duration

	mu   sync.Mutex
	work map[string]*work

	logger zerolog.Logger
}

// NewController creates a node controller
func NewController(cfg Config) *Controller {
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	return &Controller{
		pool:    cfg.Pool,
		store:   cfg.Store,
		events:  cfg.Events,
		manager: cfg.Manager,
		runner:  cfg.Runner,
		drain:   drain,
		work:    make(map[string]*work),
		logger:  log.WithComponent("node"),
	}
}

// Start runs crash recovery: tasks the store still shows as unfinished
// failed with the previous process, and machines last seen running or
// paused get a stop enqueued so the pool starts from powered-off state.
func (c *Controller) Start() error {
	unfinished, err := c.store.ListUnfinishedTasks()
	if err != nil {
		return fmt.Errorf("failed to list unfinished tasks: %w", err)
	}
	for _, rec := range unfinished {
		c.logger.Warn().Str("task_id", rec.ID).
			Msg("Task was unfinished at startup, marking failed")
		rec.State = types.TaskStateFailed
		rec.UpdatedAt = time.Now()
		if err := c.store.SaveTask(rec); err != nil {
			c.logger.Error().Err(err).Str("task_id", rec.ID).
				Msg("Failed to persist recovered task state")
		}
		c.emitTaskState(rec.ID, events.TaskStateFailed)
	}

	for _, m := range c.pool.List() {
		if m.State != types.MachineStateRunning && m.State != types.MachineStatePaused {
			continue
		}
		c.logger.Warn().Str("machine", m.Name).Str("state", string(m.State)).
			Msg("Machine was left on, enqueueing stop")
		if _, err := c.manager.Enqueue(machinery.ActionStop, m.Name); err != nil {
			c.logger.Error().Err(err).Str("machine", m.Name).
				Msg("Failed to enqueue recovery stop")
		}
	}
	return nil
}

// AddWork accepts a task-run request. The machine is acquired first; an
// unavailable machine is a typed error with no side effects. On success
// the task is recorded, dispatched to the runner and announced as
// running on the event stream.
func (c *Controller) AddWork(task *types.Task, machineName string) error {
	mc, err := c.pool.AcquireAvailable(task.ID, machineName)
	if err != nil {
		return err
	}

	now := time.Now()
	rec := &types.TaskRecord{
		ID:         task.ID,
		AnalysisID: task.AnalysisID,
		Machine:    machineName,
		State:      types.TaskStateQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.SaveTask(rec); err != nil {
		c.releaseMachine(machineName, task.ID)
		return fmt.Errorf("failed to record task: %w", err)
	}

	err = c.runner.StartTask(taskflow.StartTaskArgs{
		TaskID:     task.ID,
		AnalysisID: task.AnalysisID,
		Kind:       task.Kind,
		Machine:    *mc,
	})
	if err != nil {
		c.releaseMachine(machineName, task.ID)
		rec.State = types.TaskStateFailed
		rec.UpdatedAt = time.Now()
		if saveErr := c.store.SaveTask(rec); saveErr != nil {
			c.logger.Error().Err(saveErr).Str("task_id", task.ID).
				Msg("Failed to persist task state")
		}
		return fmt.Errorf("failed to dispatch task to runner: %w", err)
	}

	c.mu.Lock()
	c.work[task.ID] = &work{
		taskID:     task.ID,
		analysisID: task.AnalysisID,
		machine:    machineName,
	}
	c.mu.Unlock()

	rec.State = types.TaskStateRunning
	rec.UpdatedAt = time.Now()
	if err := c.store.SaveTask(rec); err != nil {
		c.logger.Error().Err(err).Str("task_id", task.ID).
			Msg("Failed to persist task state")
	}
	c.emitTaskState(task.ID, events.TaskStateRunning)

	c.logger.Info().Str("task_id", task.ID).Str("machine", machineName).
		Msg("Task dispatched")
	return nil
}

// SetTaskSuccess marks a task done. The machine is released exactly
// once and the terminal state is announced on the event stream.
func (c *Controller) SetTaskSuccess(taskID string) {
	c.finish(taskID, types.TaskStateDone, events.TaskStateDone)
}

// SetTaskFailed marks a task failed
func (c *Controller) SetTaskFailed(taskID string) {
	c.finish(taskID, types.TaskStateFailed, events.TaskStateFailed)
}

func (c *Controller) finish(taskID string, state types.TaskState, eventState string) {
	c.mu.Lock()
	w, ok := c.work[taskID]
	if ok {
		delete(c.work, taskID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().Str("task_id", taskID).
			Msg("Terminal notification for unknown task")
		return
	}

	c.releaseMachine(w.machine, taskID)

	rec, err := c.store.GetTask(taskID)
	if err != nil {
		c.logger.Error().Err(err).Str("task_id", taskID).
			Msg("Failed to load task record")
	} else if !rec.State.Terminal() {
		rec.State = state
		rec.UpdatedAt = time.Now()
		if err := c.store.SaveTask(rec); err != nil {
			c.logger.Error().Err(err).Str("task_id", taskID).
				Msg("Failed to persist task state")
		}
	}

	c.emitTaskState(taskID, eventState)
	metrics.TasksTotal.WithLabelValues(string(state)).Inc()

	c.logger.Info().Str("task_id", taskID).Str("state", string(state)).
		Msg("Task finished")
}

// InFlight returns the number of tasks the node is tracking
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.work)
}

// Drain disables new work and waits for running flows to finish. Only
// stop-class machinery actions are accepted while draining, so flows in
// their cleanup phase can still bring machines down.
func (c *Controller) Drain() {
	c.manager.Disable()

	if err := c.runner.StopAll(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to reach runner for stopall")
	}
	c.drainRunner()
}

// Stop terminates the manager's workers and then stops every machine
// through its backend. Stopping machines runs last so machines started
// mid-shutdown are still brought down. Call after Drain, once the
// collaborating processes are gone.
func (c *Controller) Stop() {
	c.manager.Stop()
	c.manager.ShutdownAll()
	c.logger.Info().Msg("Node controller stopped")
}

func (c *Controller) drainRunner() {
	deadline := time.Now().Add(c.drain)
	for {
		count, err := c.runner.FlowCount()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to read runner flow count")
			return
		}
		if count == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn().Int("flows", count).
				Msg("Drain timeout reached with flows still running")
			return
		}
		c.logger.Info().Int("flows", count).Msg("Waiting for task flows to finish")
		time.Sleep(drainPollInterval)
	}
}

func (c *Controller) releaseMachine(name, taskID string) {
	if err := c.pool.Release(name); err != nil {
		c.logger.Error().Err(err).
			Str("machine", name).Str("task_id", taskID).
			Msg("Failed to release machine")
	}
}

func (c *Controller) emitTaskState(taskID, state string) {
	c.events.Publish(events.Payload{
		Type:   events.EventTaskState,
		TaskID: taskID,
		State:  state,
	})
	metrics.EventsEmitted.Inc()
}
