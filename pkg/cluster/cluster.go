package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/netunicorn/director/pkg/store"
)

// Cluster wraps a Raft instance over a store.Store-backed FSM, giving the
// director a single elected leader whose processor tick and write APIs
// are authoritative.
type Cluster struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *FSM
}

// Config configures a new Cluster.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New creates a Cluster wired to s but does not yet start Raft.
func New(cfg Config, s store.Store) *Cluster {
	return &Cluster{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(s),
	}
}

func (c *Cluster) raftConfig() (*raft.Config, *raft.TCPTransport, *raft.FileSnapshotStore, *raftboltdb.BoltStore, *raftboltdb.BoltStore, error) {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("cluster: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("cluster: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("cluster: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("cluster: create stable store: %w", err)
	}
	return cfg, transport, snapshotStore, logStore, stableStore, nil
}

// Bootstrap starts a new single-replica Raft cluster with this node as
// its only member.
func (c *Cluster) Bootstrap() error {
	cfg, transport, snapshotStore, logStore, stableStore, err := c.raftConfig()
	if err != nil {
		return err
	}
	r, err := raft.NewRaft(cfg, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("cluster: create raft: %w", err)
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: bootstrap: %w", err)
	}
	return nil
}

// Join starts Raft for this node without bootstrapping; the node is
// expected to be added as a voter by the current leader out of band
// (AddVoter), mirroring the teacher's join-token flow minus the mTLS
// certificate exchange, which is out of this core's scope.
func (c *Cluster) Join() error {
	cfg, transport, snapshotStore, logStore, stableStore, err := c.raftConfig()
	if err != nil {
		return err
	}
	r, err := raft.NewRaft(cfg, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("cluster: create raft: %w", err)
	}
	c.raft = r
	return nil
}

// AddVoter adds nodeID at address as a voting member. Only the leader may
// call this successfully.
func (c *Cluster) AddVoter(nodeID, address string) error {
	if !c.IsLeader() {
		return fmt.Errorf("cluster: not the leader")
	}
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// IsLeader reports whether this replica currently holds Raft leadership.
func (c *Cluster) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's bind address, or "" if unknown.
func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// Apply proposes cmd through the Raft log and blocks until it is
// committed and applied, returning the FSM's ApplyResult. Raft rejects
// the call with raft.ErrNotLeader when this replica isn't the leader, so
// callers get write-rejection on followers for free without a separate
// IsLeader check.
func (c *Cluster) Apply(cmd Command) (ApplyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("cluster: marshal command: %w", err)
	}
	future := c.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return ApplyResult{}, fmt.Errorf("cluster: apply: %w", err)
	}
	resp := future.Response()
	result, ok := resp.(ApplyResult)
	if !ok {
		return ApplyResult{}, fmt.Errorf("cluster: unexpected FSM response type %T", resp)
	}
	return result, result.Err
}

// Shutdown gracefully stops the Raft transport.
func (c *Cluster) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}
