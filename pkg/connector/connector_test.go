package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/netunicorn/director/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeConnector is an in-memory Connector for registry fan-out tests.
type fakeConnector struct {
	name    string
	failIDs map[string]bool
}

func (f *fakeConnector) ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error) {
	return []types.Node{{Name: f.name + "-node", Connector: f.name}}, nil
}

func (f *fakeConnector) Deploy(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	results := make([]ItemResult, len(deployments))
	for i, d := range deployments {
		if f.failIDs[d.ID] {
			results[i] = ItemResult{ID: d.ID, Error: errors.New("boom")}
			continue
		}
		results[i] = ItemResult{ID: d.ID}
	}
	return results, nil
}

func (f *fakeConnector) StartExecutors(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	results := make([]ItemResult, len(deployments))
	for i, d := range deployments {
		results[i] = ItemResult{ID: "executor-" + d.ID}
	}
	return results, nil
}

func (f *fakeConnector) StopExecutors(ctx context.Context, executorIDs []string) ([]ItemResult, error) {
	results := make([]ItemResult, len(executorIDs))
	for i, id := range executorIDs {
		results[i] = ItemResult{ID: id}
	}
	return results, nil
}

func (f *fakeConnector) StopExperiment(ctx context.Context, experimentID string) error { return nil }

func (f *fakeConnector) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	return nil
}

func TestRegistryDeployPartialFailureIsolatedPerConnector(t *testing.T) {
	a := &fakeConnector{name: "a", failIDs: map[string]bool{"d1": true}}
	b := &fakeConnector{name: "b"}
	reg := NewRegistry(map[string]Connector{"a": a, "b": b})

	deployments := []types.Deployment{
		{ID: "d1", Connector: "a"},
		{ID: "d2", Connector: "a"},
		{ID: "d3", Connector: "b"},
	}
	results, err := reg.Deploy(context.Background(), "exp-1", deployments)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Error(t, results[0].Error)
	require.NoError(t, results[1].Error)
	require.NoError(t, results[2].Error)
}

func TestRegistryListNodesUnion(t *testing.T) {
	a := &fakeConnector{name: "a"}
	b := &fakeConnector{name: "b"}
	reg := NewRegistry(map[string]Connector{"a": a, "b": b})

	nodes, err := reg.ListNodes(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestRegistryUnknownConnectorProducesPerItemError(t *testing.T) {
	reg := NewRegistry(map[string]Connector{})
	results, err := reg.Deploy(context.Background(), "exp-1", []types.Deployment{{ID: "d1", Connector: "missing"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Error)
}

func TestRegistryStopExperimentDedupesConnectors(t *testing.T) {
	calls := 0
	a := &countingConnector{fakeConnector: fakeConnector{name: "a"}, calls: &calls}
	reg := NewRegistry(map[string]Connector{"a": a})
	err := reg.StopExperiment(context.Background(), "exp-1", []string{"a", "a", "a"})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

type countingConnector struct {
	fakeConnector
	calls *int
}

func (c *countingConnector) StopExperiment(ctx context.Context, experimentID string) error {
	*c.calls++
	return nil
}
