// Package agent provides a read-only view of agent definition files.
// Definitions are YAML task suites describing what each task does, its
// declared input/output schema, and whether it is currently implemented
// neurally (LLM-driven) or symbolically (checked-in code).
package agent

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// TaskDefinition describes a single task within an agent definition.
type TaskDefinition struct {
	Name         string            `yaml:"name,omitempty"`
	Instructions string            `yaml:"instructions"`
	Inputs       map[string]string `yaml:"inputs,omitempty"`
	Outputs      map[string]string `yaml:"outputs,omitempty"`
	Neural       bool              `yaml:"neural,omitempty"`
	Code         string            `yaml:"code,omitempty"` // existing symbolic source, empty for neural tasks
}

// IsNeural reports whether the task is LLM-driven. A task with no
// symbolic code is neural regardless of the declared flag.
func (t *TaskDefinition) IsNeural() bool {
	return t.Neural || t.Code == ""
}

// CurrentCode returns the canonical serialized form of the task
// definition. Proposals diff against this normalized view rather than
// the original file text, so formatting noise never shows up in review.
func (t *TaskDefinition) CurrentCode() string {
	data, err := yaml.Marshal(t)
	if err != nil {
		return ""
	}
	return string(data)
}

// Definition is a complete agent definition: a named collection of
// tasks plus the tool names the runtime binds for them.
type Definition struct {
	Name  string                     `yaml:"name"`
	Tasks map[string]*TaskDefinition `yaml:"tasks"`
	Tools []string                   `yaml:"tools,omitempty"`
}

// Load reads an agent definition YAML file from disk.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent definition: %w", err)
	}
	return Parse(data)
}

// Parse parses an agent definition from YAML bytes. Task map keys
// become task names.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse agent definition: %w", err)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("agent definition has no tasks")
	}
	for name, task := range def.Tasks {
		if task == nil {
			return nil, fmt.Errorf("task %q has no body", name)
		}
		task.Name = name
	}
	return &def, nil
}

// Task looks up a task by name.
func (d *Definition) Task(name string) (*TaskDefinition, bool) {
	t, ok := d.Tasks[name]
	return t, ok
}

// TaskNames returns all task names in sorted order.
func (d *Definition) TaskNames() []string {
	names := make([]string, 0, len(d.Tasks))
	for name := range d.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NeuralTasks returns the neural tasks in sorted name order. These are
// the optimization candidates.
func (d *Definition) NeuralTasks() []*TaskDefinition {
	tasks := make([]*TaskDefinition, 0, len(d.Tasks))
	for _, name := range d.TaskNames() {
		if t := d.Tasks[name]; t.IsNeural() {
			tasks = append(tasks, t)
		}
	}
	return tasks
}
