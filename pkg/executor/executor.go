package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/metricsx"
	"github.com/netunicorn/director/pkg/types"
	"github.com/netunicorn/director/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// HeartbeatInterval is H in spec §4.6 step 2: the executor posts a
// heartbeat this often until the pipeline terminates.
const HeartbeatInterval = 30 * time.Second

// StageWorkerPoolSize bounds how many tasks within one stage run
// concurrently, per spec §4.6 step 3 ("bounded by a small worker pool").
const StageWorkerPoolSize = 8

// Agent drives one pipeline run locally: load, heartbeat, interpret,
// report. It implements the state machine of spec §4.6:
// LOADING -> EXECUTING -> REPORTING -> TERMINATED, with FAILED as a
// terminal reached only from LOADING on a transport/load error.
type Agent struct {
	cfg      Config
	registry *Registry
	client   *gatewayClient

	mu    sync.Mutex
	state types.ExecutorState
	log   []string
}

// NewAgent builds an Agent for cfg, dispatching entrypoints through
// registry.
func NewAgent(cfg Config, registry *Registry) *Agent {
	return &Agent{
		cfg:      cfg,
		registry: registry,
		client:   newGatewayClient(cfg.GatewayEndpoint, cfg.ExecutorID),
		state:    types.ExecutorLoading,
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() types.ExecutorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s types.ExecutorState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) appendLog(line string) {
	a.mu.Lock()
	a.log = append(a.log, line)
	a.mu.Unlock()
}

func (a *Agent) snapshotLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.log))
	copy(out, a.log)
	return out
}

// Run executes the full lifecycle: load the pipeline, start heartbeats,
// interpret every stage in order, and report the final result. It
// returns a non-nil error only for a LOADING-stage failure (FAILED
// terminal); task-level failures are captured in the reported result,
// never returned here, per spec §7's "user-supplied task failure is
// never recovered [into an error]".
func (a *Agent) Run(ctx context.Context) error {
	log := logx.WithComponent("executor").With().
		Str("experiment_id", a.cfg.ExperimentID).
		Str("executor_id", a.cfg.ExecutorID).
		Logger()

	pipeline, err := a.load(ctx)
	if err != nil {
		a.setState(types.ExecutorFailed)
		log.Error().Err(err).Msg("load pipeline")
		return err
	}
	log.Info().Int("stages", len(pipeline.Stages)).Msg("pipeline loaded")

	heartbeatDone := make(chan struct{})
	if a.cfg.Heartbeat {
		go a.runHeartbeat(ctx, heartbeatDone)
	} else {
		close(heartbeatDone)
	}

	a.setState(types.ExecutorExecuting)
	result := a.interpret(ctx, pipeline)

	a.setState(types.ExecutorReporting)
	if pipeline.ReportResults {
		if err := a.report(ctx, result); err != nil {
			// A failed report is logged but does not re-enter FAILED:
			// the processor's liveness deadline is the backstop per the
			// design-note resolution of Open Question (a).
			log.Warn().Err(err).Msg("post result")
		}
	} else {
		log.Info().Msg("report_results is false, skipping result POST")
	}

	close(heartbeatDone)
	<-time.After(10 * time.Millisecond) // let the last heartbeat tick settle
	a.setState(types.ExecutorTerminated)
	log.Info().Bool("passing", result.Passing()).Msg("pipeline finished")
	return nil
}

// load resolves the pipeline from a local file, when configured, or
// from the gateway otherwise.
func (a *Agent) load(ctx context.Context) (types.Pipeline, error) {
	var blob []byte
	var err error
	if a.cfg.PipelineFile != "" {
		blob, err = os.ReadFile(a.cfg.PipelineFile)
		if err != nil {
			return types.Pipeline{}, fmt.Errorf("executor: read pipeline file: %w", err)
		}
	} else {
		blob, err = a.client.fetchPipeline(ctx)
		if err != nil {
			return types.Pipeline{}, err
		}
	}
	return wire.DecodePipeline(blob)
}

// runHeartbeat posts a heartbeat every HeartbeatInterval until done is
// closed; failures are logged and ignored per spec §4.6 step 2.
func (a *Agent) runHeartbeat(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	log := logx.WithComponent("executor.heartbeat")

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.postHeartbeat(ctx); err != nil {
				metricsx.ExecutorHeartbeatsTotal.WithLabelValues("error").Inc()
				log.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			metricsx.ExecutorHeartbeatsTotal.WithLabelValues("ok").Inc()
		}
	}
}

// interpret runs every stage in order, stopping at the first stage that
// does not pass (spec §4.6 step 4), and accumulates the composite result
// described in step 5.
func (a *Agent) interpret(ctx context.Context, pipeline types.Pipeline) types.PipelineResult {
	result := types.PipelineResult{Tasks: make(map[string][]types.TaskRun)}

	for stageIdx, stage := range pipeline.Stages {
		timer := metricsx.NewTimer()
		prior := priorResultsSnapshot(result)
		runs := a.runStage(ctx, stageIdx, stage, prior)
		timer.ObserveDuration(metricsx.ExecutorStageDuration)

		passing := true
		for _, run := range runs {
			result.Tasks[run.name] = append(result.Tasks[run.name], types.TaskRun{Stage: stageIdx, Result: run.result})
			if !run.result.Ok {
				passing = false
			}
		}
		if !passing {
			break
		}
	}

	result.Log = a.snapshotLog()
	return result
}

type taskRunOutcome struct {
	name   string
	result types.Result
}

// runStage runs every task in stage concurrently, bounded by
// StageWorkerPoolSize, and waits for all to settle before returning.
func (a *Agent) runStage(ctx context.Context, stageIdx int, stage types.Stage, prior map[string][]TaskResultEntry) []taskRunOutcome {
	outcomes := make([]taskRunOutcome, len(stage.Tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(StageWorkerPoolSize)

	for i, task := range stage.Tasks {
		i, task := i, task
		g.Go(func() error {
			outcomes[i] = taskRunOutcome{name: task.Name, result: a.runTask(gctx, stageIdx, task, prior)}
			return nil
		})
	}
	_ = g.Wait() // per-task errors are carried in outcomes, never escalated
	return outcomes
}

// runTask runs a single task's entrypoint (its prerequisites are not run
// here; they were part of the compiled environment),
// recovering a panic into an Err result the way spec design note 9 lifts
// "exceptions into Err(describing_string)".
func (a *Agent) runTask(ctx context.Context, stageIdx int, task types.Task, prior map[string][]TaskResultEntry) (result types.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = types.ErrResult(fmt.Sprintf("panic: %v", r))
			metricsx.ExecutorTasksTotal.WithLabelValues("err").Inc()
		}
	}()

	fn, err := a.registry.Lookup(task.Entrypoint)
	if err != nil {
		metricsx.ExecutorTasksTotal.WithLabelValues("err").Inc()
		return types.ErrResult(err.Error())
	}

	value, err := fn(ctx, task.Init, prior)
	if err != nil {
		a.appendLog(fmt.Sprintf("stage %d task %s: %v", stageIdx, task.Name, err))
		metricsx.ExecutorTasksTotal.WithLabelValues("err").Inc()
		return types.ErrResult(err.Error())
	}

	raw, err := json.Marshal(value)
	if err != nil {
		metricsx.ExecutorTasksTotal.WithLabelValues("err").Inc()
		return types.ErrResult(fmt.Sprintf("marshal result: %v", err))
	}
	metricsx.ExecutorTasksTotal.WithLabelValues("ok").Inc()
	return types.OkResult(raw)
}

// priorResultsSnapshot flattens the result accumulated so far into the
// immutable view each task receives, per spec §4.6 step 3.
func priorResultsSnapshot(result types.PipelineResult) map[string][]TaskResultEntry {
	snapshot := make(map[string][]TaskResultEntry, len(result.Tasks))
	for name, runs := range result.Tasks {
		entries := make([]TaskResultEntry, len(runs))
		for i, run := range runs {
			entries[i] = TaskResultEntry{Stage: run.Stage, Ok: run.Result.Ok, Value: run.Result.Value, Err: run.Result.Err}
		}
		snapshot[name] = entries
	}
	return snapshot
}

// report encodes result and POSTs it to the gateway.
func (a *Agent) report(ctx context.Context, result types.PipelineResult) error {
	blob, err := wire.EncodeResult(result)
	if err != nil {
		return fmt.Errorf("executor: encode result: %w", err)
	}
	return a.client.postResult(ctx, blob)
}
