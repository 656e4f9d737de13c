package taskflow

import (
	"sync"

	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

// ErrorTracker accumulates the errors a task run produces. Non-fatal
// errors are collected and reported but do not fail the task; a single
// fatal error flips the run to failed. The collected set is written to
// run_errors.json so the controller can show what went wrong.
type ErrorTracker struct {
	mu     sync.Mutex
	errors []string
	fatal  string
}

// NewErrorTracker creates an empty tracker
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{}
}

// Add records a non-fatal error
func (t *ErrorTracker) Add(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, err.Error())
}

// SetFatal records the fatal error. Only the first fatal error is kept;
// later ones are demoted to the non-fatal list.
func (t *ErrorTracker) SetFatal(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fatal != "" {
		t.errors = append(t.errors, err.Error())
		return
	}
	t.fatal = err.Error()
}

// IsFatal reports whether a fatal error was recorded
func (t *ErrorTracker) IsFatal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal != ""
}

// Fatal returns the fatal error message, empty when none was recorded
func (t *ErrorTracker) Fatal() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

// Errors returns a copy of the non-fatal error list
func (t *ErrorTracker) Errors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.errors))
	copy(out, t.errors)
	return out
}

// Empty reports whether nothing was recorded at all
func (t *ErrorTracker) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal == "" && len(t.errors) == 0
}

// runErrors is the run_errors.json document
type runErrors struct {
	Errors []string `json:"errors,omitempty"`
	Fatal  string   `json:"fatal,omitempty"`
}

// WriteFile dumps the tracker to path. Nothing is written when the
// tracker is empty.
func (t *ErrorTracker) WriteFile(path string) error {
	if t.Empty() {
		return nil
	}
	t.mu.Lock()
	doc := runErrors{
		Errors: append([]string(nil), t.errors...),
		Fatal:  t.fatal,
	}
	t.mu.Unlock()
	return workdir.WriteJSON(path, doc)
}
