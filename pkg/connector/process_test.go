package connector

import (
	"context"
	"testing"

	"github.com/netunicorn/director/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestProcessConnectorListNodes(t *testing.T) {
	c := NewProcessConnector(ProcessConnectorConfig{
		Name:      "local",
		NodeNames: []string{"worker-1", "worker-2"},
	})
	nodes, err := c.ListNodes(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "local", nodes[0].Connector)
}

func TestProcessConnectorDeployIsNoopSuccess(t *testing.T) {
	c := NewProcessConnector(ProcessConnectorConfig{Name: "local", NodeNames: []string{"worker-1"}})
	results, err := c.Deploy(context.Background(), "exp-1", []types.Deployment{{ID: "d1", NodeName: "worker-1"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Error)
}

func TestProcessConnectorStopExecutorsUnknownIDIsHarmless(t *testing.T) {
	c := NewProcessConnector(ProcessConnectorConfig{Name: "local"})
	results, err := c.StopExecutors(context.Background(), []string{"nonexistent"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Error)
}

func TestProcessConnectorCleanupIsIdempotent(t *testing.T) {
	c := NewProcessConnector(ProcessConnectorConfig{Name: "local"})
	deployments := []types.Deployment{{NodeName: "worker-1"}}
	require.NoError(t, c.Cleanup(context.Background(), "exp-1", deployments))
	require.NoError(t, c.Cleanup(context.Background(), "exp-1", deployments))
}
