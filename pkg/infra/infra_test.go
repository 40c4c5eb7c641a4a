package infra

import (
	"context"
	"testing"

	"github.com/netunicorn/director/pkg/apierr"
	"github.com/netunicorn/director/pkg/connector"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
	"github.com/stretchr/testify/require"
)

type stubConnector struct {
	nodes []types.Node
}

func (s *stubConnector) ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error) {
	return s.nodes, nil
}
func (s *stubConnector) Deploy(ctx context.Context, experimentID string, deployments []types.Deployment) ([]connector.ItemResult, error) {
	results := make([]connector.ItemResult, len(deployments))
	for i, d := range deployments {
		results[i] = connector.ItemResult{ID: d.ID}
	}
	return results, nil
}
func (s *stubConnector) StartExecutors(ctx context.Context, experimentID string, deployments []types.Deployment) ([]connector.ItemResult, error) {
	results := make([]connector.ItemResult, len(deployments))
	for i, d := range deployments {
		results[i] = connector.ItemResult{ID: "executor-" + d.ID}
	}
	return results, nil
}
func (s *stubConnector) StopExecutors(ctx context.Context, executorIDs []string) ([]connector.ItemResult, error) {
	return nil, nil
}
func (s *stubConnector) StopExperiment(ctx context.Context, experimentID string) error { return nil }
func (s *stubConnector) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	return nil
}

func newTestService(t *testing.T, nodes []types.Node) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	reg := connector.NewRegistry(map[string]connector.Connector{"c1": &stubConnector{nodes: nodes}})
	return New(reg, s, newLoopbackCluster(s)), s
}

func TestListNodesFiltersByAccessTags(t *testing.T) {
	nodes := []types.Node{
		{Name: "public", Connector: "c1", Properties: map[string]string{}},
		{Name: "team-a-only", Connector: "c1", Properties: map[string]string{"access_tags": "team-a"}},
		{Name: "team-b-only", Connector: "c1", Properties: map[string]string{"access_tags": "team-b"}},
	}
	svc, _ := newTestService(t, nodes)

	visible, err := svc.ListNodes(context.Background(), "alice", []string{"team-a"})
	require.NoError(t, err)
	names := make([]string, len(visible))
	for i, n := range visible {
		names[i] = n.Name
	}
	require.ElementsMatch(t, []string{"public", "team-a-only"}, names)
}

func TestListNodesNoTagsSeesEverything(t *testing.T) {
	nodes := []types.Node{
		{Name: "public", Connector: "c1"},
		{Name: "tagged", Connector: "c1", Properties: map[string]string{"access_tags": "team-a"}},
	}
	svc, _ := newTestService(t, nodes)

	visible, err := svc.ListNodes(context.Background(), "admin", nil)
	require.NoError(t, err)
	require.Len(t, visible, 2)
}

func TestDeployFailsWholesaleOnLockConflict(t *testing.T) {
	svc, s := newTestService(t, nil)
	_, err := s.ClaimLocks("bob", []types.Lock{{NodeName: "n1", Connector: "c1"}})
	require.NoError(t, err)

	_, err = svc.Deploy(context.Background(), "alice", "exp-1", []types.Deployment{{ID: "d1", NodeName: "n1", Connector: "c1"}})
	require.Error(t, err)
	var conflict *apierr.ConflictingNodes
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []string{"n1"}, conflict.Nodes)

	locks, err := s.ListLocks()
	require.NoError(t, err)
	require.Len(t, locks, 1) // bob's original lock untouched
}

func TestStartRejectsUnpreparedDeployments(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Start(context.Background(), "exp-1", []types.Deployment{{ID: "d1", Status: types.DeploymentPending}})
	require.Error(t, err)
	require.ErrorIs(t, err, apierr.ErrValidation)
}

func TestStartSucceedsWhenAllPrepared(t *testing.T) {
	svc, _ := newTestService(t, nil)
	results, err := svc.Start(context.Background(), "exp-1", []types.Deployment{
		{ID: "d1", Connector: "c1", Status: types.DeploymentPrepared},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Error)
}
