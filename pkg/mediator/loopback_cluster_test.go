package mediator

import (
	"encoding/json"

	"github.com/hashicorp/raft"
	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/store"
)

// loopbackCluster applies commands straight to an FSM without standing up
// a real Raft cluster, for exercising the mediator's HTTP layer in
// isolation from Raft networking.
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
