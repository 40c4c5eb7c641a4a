// Package types defines the shared data model of the experiment
// orchestration platform: tasks, pipelines, nodes, deployments,
// experiments, compilations, executor records, locks, and flags.
package types

import "time"

// Task is the smallest unit of work carried by a pipeline stage. Two
// instances of the same task class contribute their Prerequisites
// independently — the platform never deduplicates commands across tasks.
type Task struct {
	Name          string            `json:"name"`
	Entrypoint    string            `json:"entrypoint"`
	Init          map[string]string `json:"init,omitempty"`
	Prerequisites []string          `json:"prerequisites,omitempty"`
}

// Stage is an unordered bag of tasks. All tasks in a stage run
// concurrently and must settle before the next stage begins.
type Stage struct {
	Tasks []Task `json:"tasks"`
}

// EnvironmentKind distinguishes the two ways a pipeline's environment may
// be described.
type EnvironmentKind string

const (
	// EnvironmentImage starts from a pre-built image reference; the
	// pipeline is mounted into it directly.
	EnvironmentImage EnvironmentKind = "image"
	// EnvironmentCommands starts from a base image and layers a set of
	// shell commands on top of it.
	EnvironmentCommands EnvironmentKind = "commands"
)

// EnvironmentDefinition describes how to produce the environment a
// pipeline runs in.
type EnvironmentDefinition struct {
	Kind      EnvironmentKind `json:"kind"`
	Image     string          `json:"image,omitempty"`
	BaseImage string          `json:"base_image,omitempty"`
	Commands  []string        `json:"commands,omitempty"`
}

// Pipeline is an ordered sequence of stages bound to a single environment
// definition.
type Pipeline struct {
	ID                      string                `json:"id"`
	Stages                  []Stage               `json:"stages"`
	Environment             EnvironmentDefinition `json:"environment"`
	ReportResults           bool                  `json:"report_results"`
	KeepAliveTimeoutMinutes int                   `json:"keep_alive_timeout_minutes,omitempty"`
}

// Node is a handle returned by a connector.
type Node struct {
	Name       string            `json:"name"`
	Connector  string            `json:"connector"`
	Properties map[string]string `json:"properties"`
}

// AccessTags returns the comma-separated "access_tags" property split into
// individual tags, or nil if the node carries none (globally visible).
func (n Node) AccessTags() []string {
	return splitCSV(n.Properties["access_tags"])
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// DeploymentStatus tracks where a single node/pipeline binding sits in its
// own preparation lifecycle, independent of the owning experiment's status.
type DeploymentStatus string

const (
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentPrepared DeploymentStatus = "prepared"
	DeploymentFailed   DeploymentStatus = "failed"
)

// Deployment binds one pipeline to one node.
type Deployment struct {
	ID                      string           `json:"id"`
	ExperimentID            string           `json:"experiment_id"`
	NodeName                string           `json:"node_name"`
	Connector               string           `json:"connector"`
	PipelineBlob            []byte           `json:"pipeline_blob"`
	Environment             EnvironmentDefinition `json:"environment"`
	CompilationID           string           `json:"compilation_id,omitempty"`
	Status                  DeploymentStatus `json:"status"`
	ExecutorID              string           `json:"executor_id,omitempty"`
	Error                   string           `json:"error,omitempty"`
	KeepAliveTimeoutMinutes int              `json:"keep_alive_timeout_minutes,omitempty"`
}

// ExperimentStatus is the central lifecycle invariant of an experiment. It
// is monotonic: CREATED -> PREPARING -> READY -> RUNNING -> FINISHED,
// with FINISHED absorbing.
type ExperimentStatus string

const (
	ExperimentCreated   ExperimentStatus = "CREATED"
	ExperimentPreparing ExperimentStatus = "PREPARING"
	ExperimentReady     ExperimentStatus = "READY"
	ExperimentRunning   ExperimentStatus = "RUNNING"
	ExperimentFinished  ExperimentStatus = "FINISHED"
)

// statusOrder gives each status its position in the monotonic lifecycle,
// used to reject backward transitions.
var statusOrder = map[ExperimentStatus]int{
	ExperimentCreated:   0,
	ExperimentPreparing: 1,
	ExperimentReady:     2,
	ExperimentRunning:   3,
	ExperimentFinished:  4,
}

// CanTransition reports whether moving from s to next is a legal forward
// step or a no-op repeat of the same status.
func (s ExperimentStatus) CanTransition(next ExperimentStatus) bool {
	if s == ExperimentFinished {
		return next == ExperimentFinished
	}
	return statusOrder[next] >= statusOrder[s]
}

// Experiment is a user-named bundle of deployments.
type Experiment struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Username         string           `json:"username"`
	Status           ExperimentStatus `json:"status"`
	Deployments      []Deployment     `json:"deployments"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        time.Time        `json:"started_at,omitempty"`
	FinishedAt       time.Time        `json:"finished_at,omitempty"`
	ExecutionResults map[string][]byte `json:"execution_results,omitempty"`
	Error            string           `json:"error,omitempty"`
	Cancelled        bool             `json:"cancelled,omitempty"`
	CleanedUp        bool             `json:"cleaned_up,omitempty"`
}

// CompilationStatus tracks the progress of a build.
type CompilationStatus string

const (
	CompilationPending CompilationStatus = ""
	CompilationRunning CompilationStatus = "running"
	CompilationSuccess CompilationStatus = "success"
	CompilationFailed  CompilationStatus = "failed"
)

// Compilation is a work record shared by every deployment whose
// environment + pipeline + architecture fingerprint match.
type Compilation struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experiment_id"`
	Status       CompilationStatus `json:"status"`
	ResultLog    string            `json:"result_log,omitempty"`
	Architecture string            `json:"architecture"`
	PipelineBlob []byte            `json:"pipeline_blob"`
	Environment  EnvironmentDefinition `json:"environment"`
	ImageTag     string            `json:"image_tag,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ExecutorState is the state stored on an executor record. Heartbeats carry
// no state: the record starts as LOADING, the gateway sets TERMINATED when
// a result arrives and the processor sets FAILED on a missed liveness
// deadline. EXECUTING and REPORTING are held only in the agent's memory
// (executor.Agent.State) and never reach the record.
type ExecutorState string

const (
	ExecutorLoading   ExecutorState = "LOADING"
	ExecutorExecuting ExecutorState = "EXECUTING"
	ExecutorReporting ExecutorState = "REPORTING"
	ExecutorTerminated ExecutorState = "TERMINATED"
	ExecutorFailed    ExecutorState = "FAILED"
)

// ExecutorRecord is created at experiment start and updated by the gateway
// and the processor as the node-side agent runs.
type ExecutorRecord struct {
	ExperimentID  string        `json:"experiment_id"`
	ExecutorID    string        `json:"executor_id"`
	NodeName      string        `json:"node_name"`
	Connector     string        `json:"connector"`
	PipelineBlob  []byte        `json:"pipeline_blob"`
	ResultBlob    []byte        `json:"result_blob,omitempty"`
	KeepaliveTime time.Time     `json:"keepalive_time"`
	Error         string        `json:"error,omitempty"`
	Finished      bool          `json:"finished"`
	State         ExecutorState `json:"state"`
	DeploymentID  string        `json:"deployment_id"`
}

// Lock represents exclusive ownership of a (node, connector) pair by a
// single experiment's username.
type Lock struct {
	NodeName  string `json:"node_name"`
	Connector string `json:"connector"`
	Username  string `json:"username"`
}

// Flag is an atomically updatable (text, int) pair scoped to an
// experiment, used for cross-node synchronization.
type Flag struct {
	ExperimentID string `json:"experiment_id"`
	Key          string `json:"key"`
	TextValue    string `json:"text_value"`
	IntValue     int64  `json:"int_value"`
}

// FlagOp is the set of mutations the store's atomic flag primitive
// supports.
type FlagOp string

const (
	FlagOpSet FlagOp = "set"
	FlagOpInc FlagOp = "inc"
	FlagOpDec FlagOp = "dec"
	FlagOpGet FlagOp = "get"
)

// FlagMutation carries the operands for FlagOpSet; either field may be
// nil meaning "leave unchanged".
type FlagMutation struct {
	Text *string
	Int  *int64
}
