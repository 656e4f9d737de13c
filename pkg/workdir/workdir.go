package workdir

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Upload categories accepted by the result server. Every category maps
// to a fixed directory inside the task directory; anything else is
// rejected before a path is ever built.
const (
	CategoryLogs   = "logs"
	CategoryMemory = "memory"
	CategoryFiles  = "files"
)

// Well-known file names inside a task directory
const (
	TaskJSONName      = "task.json"
	MachineJSONName   = "machine.json"
	RunErrorsJSONName = "run_errors.json"
	PcapName          = "pcap"
	ZippedResultsName = "zipped_results.zip"
	ScreenshotDirName = "screenshots"
)

// Paths resolves the node's on-disk layout. All task data lives under
// <root>/tasks/<task_id>/.
type Paths struct {
	root string
}

// New creates a Paths resolver rooted at the node data directory
func New(root string) *Paths {
	return &Paths{root: root}
}

// Root returns the node data directory
func (p *Paths) Root() string {
	return p.root
}

// TaskDir returns the directory owned by one task
func (p *Paths) TaskDir(taskID string) string {
	return filepath.Join(p.root, "tasks", taskID)
}

// TaskJSON returns the path of the task descriptor
func (p *Paths) TaskJSON(taskID string) string {
	return filepath.Join(p.TaskDir(taskID), TaskJSONName)
}

// MachineJSON returns the path of the machine snapshot written at flow start
func (p *Paths) MachineJSON(taskID string) string {
	return filepath.Join(p.TaskDir(taskID), MachineJSONName)
}

// RunErrorsJSON returns the path of the error container
func (p *Paths) RunErrorsJSON(taskID string) string {
	return filepath.Join(p.TaskDir(taskID), RunErrorsJSONName)
}

// Pcap returns the path the network capture is written to
func (p *Paths) Pcap(taskID string) string {
	return filepath.Join(p.TaskDir(taskID), PcapName)
}

// ZippedResults returns the path of the collected result archive
func (p *Paths) ZippedResults(taskID string) string {
	return filepath.Join(p.TaskDir(taskID), ZippedResultsName)
}

// ScreenshotDir returns the directory screenshot uploads land in
func (p *Paths) ScreenshotDir(taskID string) string {
	return filepath.Join(p.TaskDir(taskID), ScreenshotDirName)
}

// UploadDir resolves an upload category to its directory, rejecting
// anything outside the safelist
func (p *Paths) UploadDir(taskID, category string) (string, error) {
	switch category {
	case CategoryLogs, CategoryMemory, CategoryFiles:
		return filepath.Join(p.TaskDir(taskID), category), nil
	default:
		return "", fmt.Errorf("unknown upload category: %q", category)
	}
}

// EnsureTaskDirs creates the task directory tree
func (p *Paths) EnsureTaskDirs(taskID string) error {
	dirs := []string{
		p.TaskDir(taskID),
		p.ScreenshotDir(taskID),
	}
	for _, category := range []string{CategoryLogs, CategoryMemory, CategoryFiles} {
		dir, _ := p.UploadDir(taskID, category)
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create task directory: %w", err)
		}
	}
	return nil
}

// WriteJSON marshals v and writes it to path with an indent, replacing
// any previous content
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadJSON reads path and unmarshals it into v
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ZipTaskDir archives the task directory into its zipped_results.zip.
// The archive itself and a possible previous archive are excluded.
func (p *Paths) ZipTaskDir(taskID string) error {
	taskDir := p.TaskDir(taskID)
	dest := p.ZippedResults(taskID)

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create result archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.Walk(taskDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(taskDir, path)
		if err != nil {
			return err
		}
		if rel == ZippedResultsName {
			return nil
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to archive task directory: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize result archive: %w", err)
	}
	return nil
}
