package synthesis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"tasksmith/internal/agent"
	"tasksmith/internal/trace"
)

// promptRecordLimit caps how many executions the model sees. Adapters
// return records newest first, so a prefix slice is the most recent.
const promptRecordLimit = 10

// buildPrompt assembles the single structured synthesis prompt: the
// task contract, recent execution evidence, and the response contract
// the model must honor.
func buildPrompt(task *agent.TaskDefinition, records []trace.ExecutionRecord, analysis *trace.PatternAnalysis, tools []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are analyzing execution history for the agent task %q.\n\n", task.Name)
	if task.Instructions != "" {
		fmt.Fprintf(&b, "Instructions given to the agent:\n%s\n\n", task.Instructions)
	}

	fmt.Fprintf(&b, "Declared input schema: %s\n", schemaJSON(task.Inputs))
	fmt.Fprintf(&b, "Declared output schema: %s\n\n", schemaJSON(task.Outputs))

	recent := records
	if len(recent) > promptRecordLimit {
		recent = recent[:promptRecordLimit]
	}
	fmt.Fprintf(&b, "Recent executions (%d of %d):\n", len(recent), len(records))
	for i, r := range recent {
		fmt.Fprintf(&b, "%d. tools: %s (%.0fms), input keys: [%s]\n",
			i+1, r.ToolSequence(), r.DurationMS, strings.Join(inputKeys(r), ", "))
		for _, call := range r.ToolCalls {
			fmt.Fprintf(&b, "   %s args=%s result=%s\n",
				call.ToolName, compactJSON(call.Arguments), compactJSON(call.Result))
		}
	}
	b.WriteString("\n")

	if analysis != nil {
		if analysis.CommonPattern != "" {
			fmt.Fprintf(&b, "Detected common pattern: %s\n", analysis.CommonPattern)
		}
		fmt.Fprintf(&b, "Consistency score: %.2f\n", analysis.ConsistencyScore)
	}
	fmt.Fprintf(&b, "Distinct tool sequences observed: %d\n", distinctSequences(records))
	fmt.Fprintf(&b, "Available tools: %s\n\n", strings.Join(tools, ", "))

	b.WriteString(`Decide whether this task is deterministic enough to replace with code.
If it is, write the replacement as a complete Go file that starts with
"package task" and declares exactly one function:

    func run(inputs map[string]any) map[string]any

Only the pre-bound helpers executeTool, executeTask, executeLLM,
executeParallel and logger may be called. No imports beyond the safe
standard library set, no goroutines, no panics.

Respond with a single JSON object and nothing else:
{"is_deterministic": <bool>, "confidence": <0.0-1.0>, "explanation": <string>, "code": <string or null>}
`)
	return b.String()
}

func schemaJSON(schema map[string]string) string {
	if len(schema) == 0 {
		return "{}"
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func inputKeys(r trace.ExecutionRecord) []string {
	keys := make([]string, 0, len(r.Inputs))
	for k := range r.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func distinctSequences(records []trace.ExecutionRecord) int {
	seen := map[string]struct{}{}
	for _, r := range records {
		seen[r.ToolSequence()] = struct{}{}
	}
	return len(seen)
}

func compactJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
