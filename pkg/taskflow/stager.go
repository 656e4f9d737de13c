package taskflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/burrow-sandbox/burrow/pkg/agent"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// PayloadName is the file the controller drops into a task directory
// when the task carries a sample to detonate. A task without a payload
// file is a bare monitoring run; the stager then only keeps the agent
// warm.
const PayloadName = "payload"

// Stager prepares a freshly started guest for analysis and hands it the
// payload. One stager instance serves one task run and is never reused.
type Stager interface {
	// Prepare runs once when the machine comes online, before the
	// analysis clock starts
	Prepare(ctx context.Context, agent *agent.Client, task *types.Task, taskDir string) error

	// DeliverPayload stages and launches the sample inside the guest
	DeliverPayload(ctx context.Context) error

	// CallAtInterval is invoked roughly once per second for the whole
	// analysis window. Errors are recorded but never end the run.
	CallAtInterval(ctx context.Context) error

	// Cleanup always runs, whether or not the earlier steps succeeded
	Cleanup()
}

// Factory builds a fresh stager for one task run
type Factory func() Stager

var (
	stagersMu sync.RWMutex
	stagers   = map[string]Factory{}
)

func stagerKey(platform, architecture string) string {
	return platform + "/" + architecture
}

// RegisterStager installs a stager factory for a platform/architecture
// pair. An empty architecture registers the platform-wide default.
func RegisterStager(platform, architecture string, f Factory) {
	stagersMu.Lock()
	defer stagersMu.Unlock()
	stagers[stagerKey(platform, architecture)] = f
}

// ResolveStager finds the stager for a platform/architecture pair,
// falling back to the platform-wide default
func ResolveStager(platform, architecture string) (Stager, error) {
	stagersMu.RLock()
	defer stagersMu.RUnlock()

	if f, ok := stagers[stagerKey(platform, architecture)]; ok {
		return f(), nil
	}
	if f, ok := stagers[stagerKey(platform, "")]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("no stager for platform %q architecture %q", platform, architecture)
}

func init() {
	RegisterStager("linux", "", func() Stager { return &execStager{} })
	RegisterStager("windows", "", func() Stager { return &execStager{} })
}

// execStager is the generic stager: it uploads the task's payload file
// through the agent and asks the agent to execute it. Platforms with
// special launch requirements register their own stager instead.
type execStager struct {
	agent     *agent.Client
	task      *types.Task
	taskDir   string
	guestPath string
}

func (s *execStager) Prepare(ctx context.Context, ac *agent.Client, task *types.Task, taskDir string) error {
	s.agent = ac
	s.task = task
	s.taskDir = taskDir
	return s.agent.Ping(ctx)
}

func (s *execStager) DeliverPayload(ctx context.Context) error {
	payload := filepath.Join(s.taskDir, PayloadName)
	f, err := os.Open(payload)
	if err != nil {
		if os.IsNotExist(err) {
			// Monitoring run without a sample
			return nil
		}
		return fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	guestPath, err := s.agent.StagePayload(ctx, PayloadName, f)
	if err != nil {
		return err
	}
	s.guestPath = guestPath
	return s.agent.Execute(ctx, guestPath, nil)
}

func (s *execStager) CallAtInterval(ctx context.Context) error {
	// A dead agent mid-analysis is worth recording but not fatal; the
	// capture and uploads so far are still valid results
	return s.agent.Ping(ctx)
}

func (s *execStager) Cleanup() {}
