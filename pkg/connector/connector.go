// Package connector defines the pluggable fleet-manager protocol (spec
// §4.2) and a static registry of named instances built at boot, mirroring
// the teacher's approach of enumerating a fixed set of subsystems from
// config and constructing one long-lived instance each.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netunicorn/director/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ItemResult is a per-deployment or per-executor outcome; Error is nil on
// success. Connectors report only whether their own action succeeded —
// they never observe executor lifecycle.
type ItemResult struct {
	ID    string
	Error error
}

// Connector is the protocol every fleet-manager backend must satisfy.
// Implementations are expected to honor ctx's deadline; a call that
// exceeds it is the registry's problem to report as a timeout, not the
// connector's to enforce internally.
type Connector interface {
	// ListNodes enumerates nodes this connector manages. userFilter, when
	// non-empty, restricts to nodes visible to that user's access tags;
	// implementations may ignore it and let the infrastructure service
	// filter (the default behavior of ProcessConnector).
	ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error)
	// Deploy instantiates the environment for each deployment (without
	// starting the executor yet).
	Deploy(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error)
	// StartExecutors instantiates and starts the executor agent for each
	// deployment, returning the executor id it assigned per deployment in
	// ItemResult.ID on success.
	StartExecutors(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error)
	StopExecutors(ctx context.Context, executorIDs []string) ([]ItemResult, error)
	StopExperiment(ctx context.Context, experimentID string) error
	// Cleanup tears down whatever Deploy/StartExecutors created. Must be
	// idempotent.
	Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error
}

// CallDeadline bounds every registry call to a connector, per spec §5
// ("connector calls carry a hard deadline").
const CallDeadline = 30 * time.Second

// Registry routes per-node operations to the connector that owns the
// node, aggregating by connector name and returning a flat per-item
// result vector in the caller's original order.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry builds a registry from a name->Connector map, the shape
// produced once at boot from the YAML connector config.
func NewRegistry(connectors map[string]Connector) *Registry {
	return &Registry{connectors: connectors}
}

func (r *Registry) get(name string) (Connector, error) {
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("connector: unknown connector %q", name)
	}
	return c, nil
}

// Names returns the registered connector names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.connectors))
	for n := range r.connectors {
		names = append(names, n)
	}
	return names
}

// ListNodes enumerates nodes across every registered connector.
func (r *Registry) ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error) {
	var (
		mu  sync.Mutex
		all []types.Node
	)
	g, ctx := errgroup.WithContext(ctx)
	for name, c := range r.connectors {
		name, c := name, c
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CallDeadline)
			defer cancel()
			nodes, err := c.ListNodes(cctx, userFilter)
			if err != nil {
				return fmt.Errorf("connector %s: list_nodes: %w", name, err)
			}
			mu.Lock()
			all = append(all, nodes...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// groupByConnector buckets deployments by their owning connector name,
// remembering each deployment's original index so per-item results can
// be reassembled in caller order.
func groupByConnector(deployments []types.Deployment) map[string][]int {
	groups := make(map[string][]int)
	for i, d := range deployments {
		groups[d.Connector] = append(groups[d.Connector], i)
	}
	return groups
}

// Deploy fans out to each connector owning a deployment, in parallel, one
// errgroup goroutine per connector with no concurrency limit; a connector
// failure produces per-item errors for
// only its own deployments, not the whole batch.
func (r *Registry) Deploy(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	results := make([]ItemResult, len(deployments))
	groups := groupByConnector(deployments)

	g, ctx := errgroup.WithContext(ctx)
	for name, idxs := range groups {
		name, idxs := name, idxs
		g.Go(func() error {
			c, err := r.get(name)
			if err != nil {
				for _, i := range idxs {
					results[i] = ItemResult{ID: deployments[i].ID, Error: err}
				}
				return nil
			}
			subset := make([]types.Deployment, len(idxs))
			for j, i := range idxs {
				subset[j] = deployments[i]
			}
			cctx, cancel := context.WithTimeout(ctx, CallDeadline)
			defer cancel()
			itemResults, err := c.Deploy(cctx, experimentID, subset)
			if err != nil {
				for _, i := range idxs {
					results[i] = ItemResult{ID: deployments[i].ID, Error: err}
				}
				return nil
			}
			for j, i := range idxs {
				if j < len(itemResults) {
					results[i] = itemResults[j]
				}
			}
			return nil
		})
	}
	_ = g.Wait() // per-item errors are carried in results, not returned
	return results, nil
}

// StartExecutors mirrors Deploy's fan-out shape for the start phase.
func (r *Registry) StartExecutors(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	results := make([]ItemResult, len(deployments))
	groups := groupByConnector(deployments)

	g, ctx := errgroup.WithContext(ctx)
	for name, idxs := range groups {
		name, idxs := name, idxs
		g.Go(func() error {
			c, err := r.get(name)
			if err != nil {
				for _, i := range idxs {
					results[i] = ItemResult{ID: deployments[i].ID, Error: err}
				}
				return nil
			}
			subset := make([]types.Deployment, len(idxs))
			for j, i := range idxs {
				subset[j] = deployments[i]
			}
			cctx, cancel := context.WithTimeout(ctx, CallDeadline)
			defer cancel()
			itemResults, err := c.StartExecutors(cctx, experimentID, subset)
			if err != nil {
				for _, i := range idxs {
					results[i] = ItemResult{ID: deployments[i].ID, Error: err}
				}
				return nil
			}
			for j, i := range idxs {
				if j < len(itemResults) {
					results[i] = itemResults[j]
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// StopExecutors routes executor ids to connectors via the supplied
// owner lookup (executorID -> connector name), since the registry itself
// has no notion of which connector owns an already-running executor.
func (r *Registry) StopExecutors(ctx context.Context, executorIDs []string, ownerOf func(string) string) ([]ItemResult, error) {
	results := make([]ItemResult, len(executorIDs))
	byConnector := make(map[string][]int)
	for i, id := range executorIDs {
		byConnector[ownerOf(id)] = append(byConnector[ownerOf(id)], i)
	}

	g, ctx := errgroup.WithContext(ctx)
	for name, idxs := range byConnector {
		name, idxs := name, idxs
		g.Go(func() error {
			c, err := r.get(name)
			if err != nil {
				for _, i := range idxs {
					results[i] = ItemResult{ID: executorIDs[i], Error: err}
				}
				return nil
			}
			subset := make([]string, len(idxs))
			for j, i := range idxs {
				subset[j] = executorIDs[i]
			}
			cctx, cancel := context.WithTimeout(ctx, CallDeadline)
			defer cancel()
			itemResults, err := c.StopExecutors(cctx, subset)
			if err != nil {
				for _, i := range idxs {
					results[i] = ItemResult{ID: executorIDs[i], Error: err}
				}
				return nil
			}
			for j, i := range idxs {
				if j < len(itemResults) {
					results[i] = itemResults[j]
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// StopExperiment fans out to every connector that owns at least one
// deployment in connectors.
func (r *Registry) StopExperiment(ctx context.Context, experimentID string, connectors []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range dedupe(connectors) {
		name := name
		g.Go(func() error {
			c, err := r.get(name)
			if err != nil {
				return err
			}
			cctx, cancel := context.WithTimeout(ctx, CallDeadline)
			defer cancel()
			return c.StopExperiment(cctx, experimentID)
		})
	}
	return g.Wait()
}

// Cleanup calls each connector's cleanup in turn and attempts every
// connector even if earlier ones error; the first error is returned for
// logging, never blocking the experiment's terminal transition (spec §7).
func (r *Registry) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	groups := groupByConnector(deployments)
	var firstErr error
	for name, idxs := range groups {
		c, err := r.get(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		subset := make([]types.Deployment, len(idxs))
		for j, i := range idxs {
			subset[j] = deployments[i]
		}
		cctx, cancel := context.WithTimeout(ctx, CallDeadline)
		err = c.Cleanup(cctx, experimentID, subset)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func dedupe(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
