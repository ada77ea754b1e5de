package optimize

import "fmt"

// TaskNotFoundError reports a task name absent from the agent definition.
type TaskNotFoundError struct {
	TaskName string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found in agent definition", e.TaskName)
}

// NoExecutionDataError reports that the tracing backend has no recorded
// executions for the task, so there is nothing to learn from.
type NoExecutionDataError struct {
	TaskName string
}

func (e *NoExecutionDataError) Error() string {
	return fmt.Sprintf("no execution data recorded for task %q", e.TaskName)
}

// OptimizationNotPossibleError reports that no generator could produce
// candidate code for the task. Reason carries the detector's rejection
// or the synthesizer's explanation.
type OptimizationNotPossibleError struct {
	TaskName string
	Reason   string
}

func (e *OptimizationNotPossibleError) Error() string {
	return fmt.Sprintf("cannot optimize task %q: %s", e.TaskName, e.Reason)
}
