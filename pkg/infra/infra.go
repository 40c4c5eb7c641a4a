// Package infra fronts the connector registry with node-visibility
// filtering and all-or-nothing locking, the way the teacher's
// reconciler/scheduler pair fronts the worker pool with admission
// control, generalized from container placement to node reservation.
package infra

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/netunicorn/director/pkg/apierr"
	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/connector"
	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/metricsx"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
)

// Applier proposes a command through the replicated log. *cluster.Cluster
// satisfies this directly; tests use an FSM-backed loopback instead of
// standing up real Raft.
type Applier interface {
	Apply(cmd cluster.Command) (cluster.ApplyResult, error)
}

// Service is the infrastructure layer: node enumeration, reservation, and
// connector fan-out for deploy/start/stop.
type Service struct {
	registry *connector.Registry
	store    store.Store
	cluster  Applier
}

// New constructs an infrastructure Service over registry and store; lock
// claims and releases are proposed through c so reservations are visible
// to every replica the same way experiment writes are.
func New(registry *connector.Registry, s store.Store, c Applier) *Service {
	return &Service{registry: registry, store: s, cluster: c}
}

// ListNodes enumerates nodes visible to username: an untagged node is
// globally visible; a tagged node is visible iff its tag set intersects
// username's access tags; a user with no access tags sees every node.
func (svc *Service) ListNodes(ctx context.Context, username string, userAccessTags []string) ([]types.Node, error) {
	nodes, err := svc.registry.ListNodes(ctx, userAccessTags)
	if err != nil {
		return nil, fmt.Errorf("infra: list nodes: %w", err)
	}
	if len(userAccessTags) == 0 {
		return nodes, nil
	}
	userTags := make(map[string]bool, len(userAccessTags))
	for _, t := range userAccessTags {
		userTags[t] = true
	}

	visible := nodes[:0:0]
	for _, n := range nodes {
		tags := n.AccessTags()
		if len(tags) == 0 {
			visible = append(visible, n)
			continue
		}
		for _, t := range tags {
			if userTags[t] {
				visible = append(visible, n)
				break
			}
		}
	}
	return visible, nil
}

// NodeArchitectures returns the "architecture" property of every node
// known to the registry, keyed by node name, unfiltered by access tags
// since it backs internal build dispatch (spec §4.3) rather than a
// user-facing listing. A node that never reports the property is simply
// absent from the map; callers decide the fallback.
func (svc *Service) NodeArchitectures(ctx context.Context) (map[string]string, error) {
	nodes, err := svc.registry.ListNodes(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("infra: list nodes: %w", err)
	}
	out := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if arch := n.Properties["architecture"]; arch != "" {
			out[n.Name] = arch
		}
	}
	return out, nil
}

// Deploy claims a lock on every node referenced by deployments, then asks
// each owning connector to deploy in parallel. On partial lock failure
// the call fails wholesale and releases any locks it took, so a caller
// never ends up with a half-deployed experiment.
func (svc *Service) Deploy(ctx context.Context, username, experimentID string, deployments []types.Deployment) ([]connector.ItemResult, error) {
	log := logx.WithComponent("infra").With().Str("experiment_id", experimentID).Logger()

	wanted := make([]types.Lock, 0, len(deployments))
	for _, d := range deployments {
		wanted = append(wanted, types.Lock{NodeName: d.NodeName, Connector: d.Connector, Username: username})
	}

	conflicts, err := svc.claimLocks(username, wanted)
	if err != nil {
		return nil, fmt.Errorf("infra: claim locks: %w", err)
	}
	if len(conflicts) > 0 {
		nodes := make([]string, len(conflicts))
		for i, c := range conflicts {
			nodes[i] = c.NodeName
		}
		return nil, &apierr.ConflictingNodes{Nodes: nodes}
	}

	results, err := svc.registry.Deploy(ctx, experimentID, deployments)
	if err != nil {
		// Deploy never returns a top-level error (per-item only), but
		// guard it anyway and release everything we just claimed.
		_ = svc.releaseLocks(wanted)
		return nil, err
	}

	failed := itemsWithError(results)
	if len(failed) == len(deployments) && len(deployments) > 0 {
		// Total failure: release every lock, nothing to keep running.
		_ = svc.releaseLocks(wanted)
		log.Warn().Msg("deploy failed for all deployments, released locks")
	}

	metricsx.LocksHeld.Set(float64(locksHeldCount(svc.store)))
	return results, nil
}

// Start requires every deployment be DeploymentPrepared and instructs the
// owning connectors to instantiate executors.
func (svc *Service) Start(ctx context.Context, experimentID string, deployments []types.Deployment) ([]connector.ItemResult, error) {
	for _, d := range deployments {
		if d.Status != types.DeploymentPrepared {
			return nil, fmt.Errorf("infra: deployment %s is not prepared (status=%s): %w", d.ID, d.Status, apierr.ErrValidation)
		}
	}
	return svc.registry.StartExecutors(ctx, experimentID, deployments)
}

// Stop fans out to connectors asking them to stop an experiment's
// executors. Locks are released later by the processor once it observes
// terminal state, not here.
func (svc *Service) Stop(ctx context.Context, experimentID string, connectorNames []string) error {
	return svc.registry.StopExperiment(ctx, experimentID, connectorNames)
}

func itemsWithError(results []connector.ItemResult) []connector.ItemResult {
	var out []connector.ItemResult
	for _, r := range results {
		if r.Error != nil {
			out = append(out, r)
		}
	}
	return out
}

func (svc *Service) claimLocks(username string, locks []types.Lock) ([]types.Lock, error) {
	data, err := json.Marshal(cluster.ClaimLocksPayload{Username: username, Locks: locks})
	if err != nil {
		return nil, err
	}
	result, err := svc.cluster.Apply(cluster.Command{Op: cluster.OpClaimLocks, Data: data})
	if err != nil {
		return nil, err
	}
	return result.Conflicts, nil
}

func (svc *Service) releaseLocks(locks []types.Lock) error {
	data, err := json.Marshal(locks)
	if err != nil {
		return err
	}
	_, err = svc.cluster.Apply(cluster.Command{Op: cluster.OpReleaseLocks, Data: data})
	return err
}

func locksHeldCount(s store.Store) int {
	locks, err := s.ListLocks()
	if err != nil {
		return 0
	}
	return len(locks)
}
