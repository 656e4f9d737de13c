package taskflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/agent"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/resultserver"
	"github.com/burrow-sandbox/burrow/pkg/rooter"
	"github.com/burrow-sandbox/burrow/pkg/types"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

const (
	// startReplyWait bounds the wait for the machinery restore_start
	// reply. The manager enforces its own per-action budget; this is the
	// flow's patience on top of the socket round-trip.
	startReplyWait = 120 * time.Second

	// agentWait is how long a started machine gets to bring its agent up
	agentWait = 120 * time.Second

	// intervalTick is the cadence of in-analysis stager calls
	intervalTick = time.Second

	// defaultAnalysisTimeout applies when the task carries no timeout
	defaultAnalysisTimeout = 120 * time.Second
)

// stopReplyWait bounds the wait for the stop reply during cleanup
var stopReplyWait = machinery.StopTimeout + 30*time.Second

// Flow drives one standard task run from machine restore to cleanup.
// A Flow is built per task and never reused.
type Flow struct {
	taskID    string
	machine   types.Machine
	paths     *workdir.Paths
	machinery *machinery.Client
	results   *resultserver.Client
	rooter    *rooter.Client

	errors *ErrorTracker
	logger zerolog.Logger

	task        *types.Task
	stager      Stager
	routeHandle *rooter.Handle
	mapped      bool
	started     bool
}

// FlowDeps are the external collaborators a flow talks to
type FlowDeps struct {
	Paths     *workdir.Paths
	Machinery *machinery.Client
	Results   *resultserver.Client

	// Rooter may be nil when routing is disabled on the node
	Rooter *rooter.Client
}

// NewFlow creates a flow for one task on its assigned machine
func NewFlow(taskID string, machine types.Machine, deps FlowDeps) *Flow {
	return &Flow{
		taskID:    taskID,
		machine:   machine,
		paths:     deps.Paths,
		machinery: deps.Machinery,
		results:   deps.Results,
		rooter:    deps.Rooter,
		errors:    NewErrorTracker(),
		logger:    log.WithTaskID(taskID),
	}
}

// Errors exposes the run's error tracker
func (f *Flow) Errors() *ErrorTracker {
	return f.errors
}

// Run executes the standard flow. The returned error is the run's fatal
// error; cleanup has already happened by the time Run returns. A
// cancelled context ends the analysis window early but still cleans up.
func (f *Flow) Run(ctx context.Context) error {
	defer f.cleanup()

	if err := f.setup(); err != nil {
		f.errors.SetFatal(err)
		return err
	}
	if err := f.startMachine(); err != nil {
		f.errors.SetFatal(err)
		return err
	}
	if err := f.machineOnline(ctx); err != nil {
		// Stopall and node shutdown cancel the context mid-flow; a run
		// cut short there is a shortened analysis, not a failure
		if errors.Is(err, context.Canceled) {
			f.logger.Warn().Msg("Analysis cancelled")
			f.errors.Add(fmt.Errorf("analysis cancelled before its window elapsed"))
			return nil
		}
		f.errors.SetFatal(err)
		return err
	}

	f.analysisLoop(ctx)

	if f.errors.IsFatal() {
		return fmt.Errorf("%s", f.errors.Fatal())
	}
	return nil
}

// setup loads the task descriptor, writes the machine snapshot into the
// task directory and reserves the guest IP at the result server
func (f *Flow) setup() error {
	if err := f.paths.EnsureTaskDirs(f.taskID); err != nil {
		return err
	}

	task := &types.Task{}
	if err := workdir.ReadJSON(f.paths.TaskJSON(f.taskID), task); err != nil {
		return fmt.Errorf("failed to load task descriptor: %w", err)
	}
	f.task = task

	// The machine snapshot documents which machine produced the results
	if err := workdir.WriteJSON(f.paths.MachineJSON(f.taskID), f.machine); err != nil {
		return err
	}

	if err := f.results.Add(f.machine.IP, f.taskID); err != nil {
		return fmt.Errorf("failed to map IP at result server: %w", err)
	}
	f.mapped = true
	return nil
}

// startMachine restores and starts the assigned machine and waits for
// its guest agent
func (f *Flow) startMachine() error {
	f.started = true
	res := f.machinery.Do(machinery.ActionRestoreStart, f.machine.Name, startReplyWait)
	if !res.Success {
		return fmt.Errorf("failed to start machine %s: %s", f.machine.Name, res.Reason)
	}
	f.logger.Info().Str("machine", f.machine.Name).Msg("Machine started")
	return nil
}

// machineOnline applies the task route and stages the payload once the
// guest is reachable
func (f *Flow) machineOnline(ctx context.Context) error {
	ac := agent.New(f.machine.IP, f.machine.AgentPort)
	if err := ac.WaitReachable(ctx, agentWait); err != nil {
		return err
	}

	if f.task.Route != nil && f.rooter != nil {
		handle, err := f.rooter.EnableRoute(f.machine.IP, f.task.Route)
		if err != nil {
			return err
		}
		f.routeHandle = handle
		f.logger.Debug().Str("route", f.task.Route.Type).Msg("Route applied")
	}

	stager, err := ResolveStager(f.machine.Platform, f.machine.Architecture)
	if err != nil {
		return err
	}
	defer stager.Cleanup()

	if err := stager.Prepare(ctx, ac, f.task, f.paths.TaskDir(f.taskID)); err != nil {
		return fmt.Errorf("stager prepare failed: %w", err)
	}
	if err := stager.DeliverPayload(ctx); err != nil {
		return fmt.Errorf("payload delivery failed: %w", err)
	}

	// The stager keeps running through the analysis window
	f.stager = stager
	return nil
}

// analysisLoop holds the machine in the running state for the analysis
// window, ticking the stager once per second. The guest produces its
// results over the network while this loop sleeps.
func (f *Flow) analysisLoop(ctx context.Context) {
	if f.stager == nil {
		return
	}

	timeout := defaultAnalysisTimeout
	if f.task.Settings.Timeout > 0 {
		timeout = time.Duration(f.task.Settings.Timeout) * time.Second
	}
	deadline := time.Now().Add(timeout)
	f.logger.Info().Dur("timeout", timeout).Msg("Analysis started")

	ticker := time.NewTicker(intervalTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				f.logger.Info().Msg("Analysis window elapsed")
				return
			}
			if err := f.stager.CallAtInterval(ctx); err != nil {
				f.errors.Add(err)
			}
		case <-ctx.Done():
			f.logger.Warn().Msg("Analysis cancelled")
			f.errors.Add(fmt.Errorf("analysis cancelled before its window elapsed"))
			return
		}
	}
}

// cleanup runs regardless of how far the flow got: the machine is
// stopped, the IP reservation and route are released and the collected
// errors are written out. Cleanup errors are recorded, never raised.
func (f *Flow) cleanup() {
	if f.started {
		res := f.machinery.Do(machinery.ActionStop, f.machine.Name, stopReplyWait)
		if !res.Success {
			f.errors.Add(fmt.Errorf("failed to stop machine %s: %s", f.machine.Name, res.Reason))
		}
	}

	if f.mapped {
		if err := f.results.Remove(f.machine.IP); err != nil {
			f.errors.Add(fmt.Errorf("failed to unmap IP: %w", err))
		}
	}

	if f.routeHandle != nil {
		if err := f.routeHandle.Disable(); err != nil {
			f.errors.Add(fmt.Errorf("failed to remove route: %w", err))
		}
	}

	if err := f.errors.WriteFile(f.paths.RunErrorsJSON(f.taskID)); err != nil {
		f.logger.Error().Err(err).Msg("Failed to write run errors")
	}
}
