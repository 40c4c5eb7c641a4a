// Package processor runs the supervisor loop that advances experiments
// through their lifecycle (spec §4.7), the director-side analogue of the
// teacher's reconciler control loop, generalized from container
// placement reconciliation to experiment state transitions.
package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/netunicorn/director/pkg/apierr"
	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/metricsx"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
	"github.com/rs/zerolog"
)

// TickInterval is how often the supervisor loop scans non-terminal
// experiments.
const TickInterval = 3 * time.Second

// DefaultHeartbeatInterval is H in spec §4.6's "posts every H seconds".
const DefaultHeartbeatInterval = 30 * time.Second

// MinLivenessDeadline is the floor of max(2*heartbeat_interval, 60s).
const MinLivenessDeadline = 60 * time.Second

// LeaderChecker reports whether this replica currently holds Raft
// leadership; only the leader runs the supervisor tick, resolving spec
// §4.7's "multiple processor replicas require an advisory lock per
// experiment id" with a single global lock instead.
type LeaderChecker interface {
	IsLeader() bool
}

// Applier proposes a command through the replicated log. *cluster.Cluster
// satisfies this directly; tests use an FSM-backed loopback instead of
// standing up real Raft.
type Applier interface {
	Apply(cmd cluster.Command) (cluster.ApplyResult, error)
}

// Cleaner tears down whatever a connector created for an experiment once
// it reaches FINISHED.
type Cleaner interface {
	Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error
}

// Service is the experiment-processor supervisor.
type Service struct {
	store   store.Store
	cluster Applier
	leader  LeaderChecker
	cleaner Cleaner
	cancel  context.CancelFunc
}

// New constructs a processor Service. leader and cluster are accepted
// separately since a single *cluster.Cluster satisfies both, but tests
// stub leadership without standing up real Raft.
func New(s store.Store, c Applier, leader LeaderChecker, cleaner Cleaner) *Service {
	return &Service{store: s, cluster: c, leader: leader, cleaner: cleaner}
}

// Run ticks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	svc.cancel = cancel

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !svc.leader.IsLeader() {
				metricsx.RaftLeader.Set(0)
				continue
			}
			metricsx.RaftLeader.Set(1)
			svc.tick(ctx)
		}
	}
}

// Stop cancels Run.
func (svc *Service) Stop() {
	if svc.cancel != nil {
		svc.cancel()
	}
}

func (svc *Service) tick(ctx context.Context) {
	timer := metricsx.NewTimer()
	defer timer.ObserveDuration(metricsx.ProcessorTickDuration)

	experiments, err := svc.store.ListExperiments()
	if err != nil {
		logx.WithComponent("processor").Error().Err(err).Msg("list experiments")
		return
	}
	for _, exp := range experiments {
		if exp.Status == types.ExperimentFinished {
			continue
		}
		svc.advance(ctx, exp)
	}
}

func (svc *Service) advance(ctx context.Context, exp *types.Experiment) {
	log := logx.WithComponent("processor").With().Str("experiment_id", exp.ID).Logger()

	switch exp.Status {
	case types.ExperimentPreparing:
		svc.advancePreparing(ctx, exp, log)
	case types.ExperimentRunning:
		svc.advanceRunning(ctx, exp, log)
	}
}

// advancePreparing moves PREPARING -> READY once every deployment is
// either prepared or terminally failed to compile; if all failed, it
// skips straight to FINISHED with an aggregate error.
func (svc *Service) advancePreparing(ctx context.Context, exp *types.Experiment, log zerolog.Logger) {
	allFailed := true
	anyPending := false
	for i := range exp.Deployments {
		d := &exp.Deployments[i]
		if d.Status == types.DeploymentPrepared || d.Status == types.DeploymentFailed {
			if d.Status == types.DeploymentPrepared {
				allFailed = false
			}
			continue
		}
		c, err := svc.store.GetCompilation(exp.ID, d.CompilationID)
		if err != nil {
			anyPending = true
			continue
		}
		switch c.Status {
		case types.CompilationSuccess:
			d.Status = types.DeploymentPrepared
			allFailed = false
		case types.CompilationFailed:
			d.Status = types.DeploymentFailed
			d.Error = c.ResultLog
		default:
			anyPending = true
		}
	}

	if anyPending {
		_ = svc.apply(cluster.OpUpdateExperiment, exp)
		return
	}

	if allFailed && len(exp.Deployments) > 0 {
		if svc.cleaner != nil {
			if err := svc.cleaner.Cleanup(ctx, exp.ID, exp.Deployments); err != nil {
				log.Warn().Err(err).Msg("cleanup")
			}
		}
		_ = svc.releaseLocks(locksFor(exp.Deployments))
		exp.Status = types.ExperimentFinished
		exp.Error = "all deployments failed to compile"
		exp.FinishedAt = time.Now()
		exp.CleanedUp = true
		_ = svc.apply(cluster.OpUpdateExperiment, exp)
		metricsx.ExperimentsTotal.WithLabelValues(string(types.ExperimentFinished)).Inc()
		metricsx.LocksHeld.Set(float64(locksHeldCount(svc.store)))
		return
	}

	exp.Status = types.ExperimentReady
	_ = svc.apply(cluster.OpUpdateExperiment, exp)
	metricsx.ExperimentsTotal.WithLabelValues(string(types.ExperimentReady)).Inc()
}

// advanceRunning moves RUNNING -> FINISHED once every executor row has
// either reported finished or missed its liveness deadline.
func (svc *Service) advanceRunning(ctx context.Context, exp *types.Experiment, log zerolog.Logger) {
	executors, err := svc.store.ListExecutorsByExperiment(exp.ID)
	if err != nil {
		return
	}
	if len(executors) == 0 {
		return // start() has not yet created executor rows
	}

	now := time.Now()
	allTerminal := true
	for _, e := range executors {
		if e.Finished {
			continue
		}
		deadline := livenessDeadline(exp, e)
		if now.Sub(e.KeepaliveTime) > deadline {
			e.Finished = true
			e.State = types.ExecutorFailed
			e.Error = apierr.ErrLiveness.Error()
			_ = svc.updateExecutor(e)
			continue
		}
		allTerminal = false
	}

	if !allTerminal {
		return
	}

	if svc.cleaner != nil {
		if err := svc.cleaner.Cleanup(ctx, exp.ID, exp.Deployments); err != nil {
			logx.WithComponent("processor").Warn().Err(err).Str("experiment_id", exp.ID).Msg("cleanup")
		}
	}
	locks := locksFor(exp.Deployments)
	_ = svc.releaseLocks(locks)

	results := make(map[string][]byte, len(executors))
	for _, e := range executors {
		results[e.ExecutorID] = e.ResultBlob
	}
	exp.ExecutionResults = results
	exp.Status = types.ExperimentFinished
	exp.FinishedAt = time.Now()
	exp.CleanedUp = true
	_ = svc.apply(cluster.OpUpdateExperiment, exp)
	metricsx.ExperimentsTotal.WithLabelValues(string(types.ExperimentFinished)).Inc()
	metricsx.LocksHeld.Set(float64(locksHeldCount(svc.store)))
}

// livenessDeadline is max(2*heartbeat_interval, 60s), or the
// deployment's keep_alive_timeout_minutes when set. Either way it is
// measured from the executor's last heartbeat, so an executor that keeps
// posting heartbeats is not timed out by it.
func livenessDeadline(exp *types.Experiment, e *types.ExecutorRecord) time.Duration {
	deadline := 2 * DefaultHeartbeatInterval
	if deadline < MinLivenessDeadline {
		deadline = MinLivenessDeadline
	}
	for _, d := range exp.Deployments {
		if d.ID == e.DeploymentID && d.KeepAliveTimeoutMinutes > 0 {
			deadline = time.Duration(d.KeepAliveTimeoutMinutes) * time.Minute
		}
	}
	return deadline
}

func locksFor(deployments []types.Deployment) []types.Lock {
	locks := make([]types.Lock, 0, len(deployments))
	for _, d := range deployments {
		locks = append(locks, types.Lock{NodeName: d.NodeName, Connector: d.Connector})
	}
	return locks
}

func locksHeldCount(s store.Store) int {
	locks, err := s.ListLocks()
	if err != nil {
		return 0
	}
	return len(locks)
}

func (svc *Service) apply(op cluster.Op, exp *types.Experiment) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	_, err = svc.cluster.Apply(cluster.Command{Op: op, Data: data})
	return err
}

func (svc *Service) updateExecutor(e *types.ExecutorRecord) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = svc.cluster.Apply(cluster.Command{Op: cluster.OpUpdateExecutor, Data: data})
	return err
}

func (svc *Service) releaseLocks(locks []types.Lock) error {
	data, err := json.Marshal(locks)
	if err != nil {
		return err
	}
	_, err = svc.cluster.Apply(cluster.Command{Op: cluster.OpReleaseLocks, Data: data})
	return err
}
