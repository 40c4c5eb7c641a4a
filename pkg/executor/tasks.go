package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// TaskFunc is the capability a registered entrypoint exposes: given the
// task's init payload and an immutable snapshot of every prior task's
// result history (keyed by task name), produce either a JSON-marshalable
// value or an error. Design note 9 calls the original a "duck-typed task
// class"; here the same {init, run} capability is a plain function type,
// and prerequisites (the other half of the duck type) are declared
// statically on the wire Task rather than queried at run time, since the
// executor never builds its own environment — the compiler already has.
type TaskFunc func(ctx context.Context, init map[string]string, prior map[string][]TaskResultEntry) (interface{}, error)

// TaskResultEntry is the subset of a prior task run the executor exposes
// to later tasks: the stage it ran in and whether it succeeded, plus its
// raw value for tasks that want to inspect results upstream.
type TaskResultEntry struct {
	Stage int
	Ok    bool
	Value json.RawMessage
	Err   string
}

// Registry maps an Entrypoint name (spec §3 Task.Entrypoint) to the
// TaskFunc that runs it. The platform's real task library is an external
// collaborator (spec §1 non-goal); Registry is the interface boundary it
// plugs into, and DefaultRegistry below ships a handful of illustrative
// tasks — the kind named in spec §8's scenario 1 — so a self-contained
// experiment can run without that external library present.
type Registry struct {
	funcs map[string]TaskFunc
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

// Register adds fn under name, overwriting any previous registration.
func (r *Registry) Register(name string, fn TaskFunc) {
	r.funcs[name] = fn
}

// Lookup returns the TaskFunc registered for name, or an error if none
// is registered — an unrecognized entrypoint is a task-level failure,
// not a transport or load error.
func (r *Registry) Lookup(name string) (TaskFunc, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("executor: no task registered for entrypoint %q", name)
	}
	return fn, nil
}

// DefaultRegistry returns a Registry preloaded with the illustrative
// tasks named in spec §8 scenario 1 (capture/speed-test/upload) plus a
// generic shell-command runner, standing in for the external task
// library until one is wired in by the deployment.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("shell_command", shellCommandTask)
	r.Register("start_capture", startCaptureTask)
	r.Register("stop_capture", stopCaptureTask)
	r.Register("speed_test", speedTestTask)
	r.Register("upload_results", uploadResultsTask)
	return r
}

// shellCommandTask runs init["command"] via the shell and returns its
// combined stdout+stderr, failing the task on a non-zero exit.
func shellCommandTask(ctx context.Context, init map[string]string, _ map[string][]TaskResultEntry) (interface{}, error) {
	command := init["command"]
	if command == "" {
		return nil, fmt.Errorf("shell_command: init[\"command\"] is required")
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell_command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// startCaptureTask and stopCaptureTask are no-op placeholders for a
// packet-capture task pair; a real task library implementation would
// shell out to tcpdump/tshark here. They exist so scenario 1's six-task
// pipeline runs end to end without that external dependency.
func startCaptureTask(ctx context.Context, init map[string]string, _ map[string][]TaskResultEntry) (interface{}, error) {
	return map[string]string{"status": "capture_started", "interface": init["interface"]}, nil
}

func stopCaptureTask(ctx context.Context, init map[string]string, _ map[string][]TaskResultEntry) (interface{}, error) {
	return map[string]string{"status": "capture_stopped"}, nil
}

// speedTestTask is a deterministic placeholder result; a real task
// library implementation would run an actual network measurement.
func speedTestTask(ctx context.Context, init map[string]string, _ map[string][]TaskResultEntry) (interface{}, error) {
	return map[string]interface{}{"download_mbps": 0, "upload_mbps": 0, "target": init["target"]}, nil
}

// uploadResultsTask inspects prior results purely to demonstrate the
// "immutable snapshot of all prior results" contract of spec §4.6 step 3;
// it does not actually transmit anything off-node.
func uploadResultsTask(ctx context.Context, init map[string]string, prior map[string][]TaskResultEntry) (interface{}, error) {
	return map[string]interface{}{"uploaded_task_count": len(prior)}, nil
}
