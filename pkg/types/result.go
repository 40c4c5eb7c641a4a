package types

import "encoding/json"

// Result is the tagged union every task run produces: exactly one of Value
// (success) or Err (failure description) is populated.
type Result struct {
	Ok    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Err   string          `json:"err,omitempty"`
}

// OkResult wraps v as a successful result. Non-tagged returns from a task
// are lifted into Ok at the executor boundary exactly this way.
func OkResult(v json.RawMessage) Result {
	return Result{Ok: true, Value: v}
}

// ErrResult wraps a failure description. Any uncaught failure during task
// execution is captured this way.
func ErrResult(description string) Result {
	return Result{Ok: false, Err: description}
}

// TaskRun is one entry in a task's result history within a single pipeline
// execution: a task name may appear more than once if the same name is
// reused across stages (the executor accumulates history, it never
// overwrites).
type TaskRun struct {
	Stage  int    `json:"stage"`
	Result Result `json:"result"`
}

// PipelineResult is the composite result an executor posts to the gateway:
// a mapping from task name to the ordered history of that task's results
// across the run, plus the agent's log lines (one per task that returned
// an error); task process stdout/stderr is not captured.
type PipelineResult struct {
	Tasks map[string][]TaskRun `json:"tasks"`
	Log   []string             `json:"log,omitempty"`
}

// Passing reports whether every task recorded in the result ended Ok. An
// empty result (no tasks ran) is considered passing.
func (r PipelineResult) Passing() bool {
	for _, runs := range r.Tasks {
		for _, run := range runs {
			if !run.Result.Ok {
				return false
			}
		}
	}
	return true
}
