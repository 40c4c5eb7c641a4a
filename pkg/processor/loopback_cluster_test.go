package processor

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/raft"
	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
)

// loopbackCluster applies commands straight to an FSM, exercising the
// processor's write path without a real Raft cluster.
type loopbackCluster struct {
	fsm *cluster.FSM
}

func newLoopbackCluster(s store.Store) *loopbackCluster {
	return &loopbackCluster{fsm: cluster.NewFSM(s)}
}

func (l *loopbackCluster) Apply(cmd cluster.Command) (cluster.ApplyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return cluster.ApplyResult{}, err
	}
	resp := l.fsm.Apply(&raft.Log{Data: data})
	result := resp.(cluster.ApplyResult)
	return result, result.Err
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

type fakeCleaner struct {
	calls []string
}

func (c *fakeCleaner) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	c.calls = append(c.calls, experimentID)
	return nil
}
