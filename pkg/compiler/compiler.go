package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/metricsx"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
	"github.com/netunicorn/director/pkg/wire"
	"github.com/rs/zerolog"
)

// LeaderChecker reports whether this replica currently holds Raft
// leadership; only the leader polls for pending compilations, since a
// follower's claim attempts would just be rejected by Raft anyway.
type LeaderChecker interface {
	IsLeader() bool
}

// Applier proposes a command through the replicated log. *cluster.Cluster
// satisfies this directly; tests use an FSM-backed loopback instead of
// standing up real Raft.
type Applier interface {
	Apply(cmd cluster.Command) (cluster.ApplyResult, error)
}

// MaxConcurrentBuilds bounds how many compilations run at once, per spec
// §5's "compilation service caps concurrent builds" backpressure rule.
const MaxConcurrentBuilds = 4

// PollInterval is how often the service checks for new pending
// compilations when it has spare build capacity.
const PollInterval = 2 * time.Second

// Service polls the store for pending compilations, builds each with a
// Builder, and records success or failure, fingerprint-deduplicating
// shared builds via the store's claim-before-build compare-and-set.
type Service struct {
	store   store.Store
	cluster Applier
	leader  LeaderChecker
	builder Builder
	sem     chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a compilation service. builder performs the actual
// image build; store is the shared entity store it polls; writes are
// proposed through c so every replica's builds are replicated the same
// way experiment and executor writes are.
func New(s store.Store, c Applier, leader LeaderChecker, builder Builder) *Service {
	return &Service{
		store:   s,
		cluster: c,
		leader:  leader,
		builder: builder,
		sem:     make(chan struct{}, MaxConcurrentBuilds),
	}
}

// Run polls for pending compilations until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	svc.cancel = cancel

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	log := logx.WithComponent("compiler")
	for {
		select {
		case <-ctx.Done():
			svc.wg.Wait()
			return
		case <-ticker.C:
			if !svc.leader.IsLeader() {
				continue
			}
			pending, err := svc.store.ListPendingCompilations()
			if err != nil {
				log.Error().Err(err).Msg("list pending compilations")
				continue
			}
			for _, c := range pending {
				c := c
				select {
				case svc.sem <- struct{}{}:
				default:
					continue // at capacity, try again next tick
				}
				svc.wg.Add(1)
				go func() {
					defer svc.wg.Done()
					defer func() { <-svc.sem }()
					svc.build(ctx, c)
				}()
			}
		}
	}
}

// Stop cancels Run and waits for in-flight builds to finish.
func (svc *Service) Stop() {
	if svc.cancel != nil {
		svc.cancel()
	}
	svc.wg.Wait()
}

func (svc *Service) build(ctx context.Context, c *types.Compilation) {
	log := logx.WithComponent("compiler").With().Str("compilation_id", c.ID).Logger()

	claimed, err := svc.claimCompilation(c.ExperimentID, c.ID)
	if err != nil {
		log.Error().Err(err).Msg("claim compilation")
		return
	}
	if !claimed {
		return // another replica already took it
	}

	timer := metricsx.NewTimer()
	defer timer.ObserveDuration(metricsx.CompilationDuration)

	pipeline, err := wire.DecodePipeline(c.PipelineBlob)
	if err != nil {
		svc.fail(c, fmt.Errorf("decode pipeline: %w", err), log)
		return
	}

	// Every task's prerequisites are appended to the environment's
	// commands, task by task, without deduplication.
	env := pipeline.Environment
	env.Commands = append([]string(nil), env.Commands...)
	for _, stage := range pipeline.Stages {
		for _, task := range stage.Tasks {
			env.Commands = append(env.Commands, task.Prerequisites...)
		}
	}
	spec := renderBuildSpec(env, c)
	outcome, err := svc.builder.Build(ctx, spec)
	if err != nil {
		c.ResultLog = strings.Join(outcome.Log, "\n")
		svc.fail(c, err, log)
		return
	}

	c.Status = types.CompilationSuccess
	c.ImageTag = outcome.ImageTag
	c.ResultLog = strings.Join(outcome.Log, "\n")
	if err := svc.updateCompilation(c); err != nil {
		log.Error().Err(err).Msg("persist successful compilation")
		return
	}
	metricsx.CompilationsTotal.WithLabelValues(string(types.CompilationSuccess)).Inc()
	log.Info().Str("image_tag", outcome.ImageTag).Msg("compilation succeeded")
}

func (svc *Service) fail(c *types.Compilation, buildErr error, log zerolog.Logger) {
	c.Status = types.CompilationFailed
	if err := svc.updateCompilation(c); err != nil {
		log.Error().Err(err).Msg("persist failed compilation")
		return
	}
	metricsx.CompilationsTotal.WithLabelValues(string(types.CompilationFailed)).Inc()
	log.Warn().Err(buildErr).Msg("compilation failed")
}

func (svc *Service) claimCompilation(experimentID, compilationID string) (bool, error) {
	data, err := json.Marshal(cluster.ClaimCompilationPayload{ExperimentID: experimentID, CompilationID: compilationID})
	if err != nil {
		return false, err
	}
	result, err := svc.cluster.Apply(cluster.Command{Op: cluster.OpClaimCompilation, Data: data})
	if err != nil {
		return false, err
	}
	return result.Claimed, nil
}

func (svc *Service) updateCompilation(c *types.Compilation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = svc.cluster.Apply(cluster.Command{Op: cluster.OpUpdateCompilation, Data: data})
	return err
}

// renderBuildSpec turns an environment definition into the recipe a
// Builder consumes. Commands-kind environments run verbatim against
// base_image; image-kind environments are treated as already-built and
// simply re-tagged per compilation; their commands, task prerequisites
// included, are not run.
// The tag carries the compilation's architecture per spec §4.3
// (`registry/experiment_id-compilation_id:architecture`) so two builds of
// the same pipeline for different node architectures never collide.
func renderBuildSpec(env types.EnvironmentDefinition, c *types.Compilation) BuildSpec {
	arch := c.Architecture
	if arch == "" {
		arch = "unknown"
	}
	tag := fmt.Sprintf("director-build/%s-%s:%s", c.ExperimentID, c.ID, arch)
	switch env.Kind {
	case types.EnvironmentImage:
		return BuildSpec{BaseImage: env.Image, Architecture: c.Architecture, Tag: tag}
	default:
		return BuildSpec{BaseImage: env.BaseImage, Commands: env.Commands, Architecture: c.Architecture, Tag: tag}
	}
}
