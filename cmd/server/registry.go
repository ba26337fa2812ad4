package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flowforge/dagcore"
)

// WorkflowRegistry holds the workflow definitions cmd/server can start
// executions against. The Store persists executions, not definitions
// (spec.md §3) — something upstream of the engine owns the definitions, the
// way the teacher's example/simple_math hardcodes its one workflow. This
// registry generalizes that to "load every *.json file in a directory".
type WorkflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*dagcore.Workflow
}

// NewWorkflowRegistry returns an empty registry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{workflows: make(map[string]*dagcore.Workflow)}
}

// LoadDir reads every *.json file in dir, validates it as a dagcore.Workflow
// (unique step names, resolvable DAG, well-formed actions), and registers it
// under its own ID. A missing directory is not an error — the registry is
// simply left empty.
func (r *WorkflowRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read workflow dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var wf dagcore.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := dagcore.ValidateWorkflow(&wf); err != nil {
			return fmt.Errorf("validate %s: %w", path, err)
		}
		if _, err := dagcore.NewDAGAnalyzer().Analyze(&wf); err != nil {
			return fmt.Errorf("analyze %s: %w", path, err)
		}
		r.workflows[wf.ID] = &wf
	}
	return nil
}

// Get returns the workflow registered under id, or false.
func (r *WorkflowRegistry) Get(id string) (*dagcore.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	return wf, ok
}
