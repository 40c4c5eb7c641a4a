package connector

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/types"
)

// ProcessConnector is a reference fleet-manager backend for development
// and integration testing: every "node" is the local machine, and
// "deploying" an executor means spawning the executor binary as a plain
// OS process with its environment variables set per spec §4.5, instead of
// the teacher's container/VM lifecycle.
type ProcessConnector struct {
	name         string
	executorPath string
	gatewayAddr  string
	nodes        []types.Node

	mu        sync.Mutex
	processes map[string]*exec.Cmd // executorID -> running process
}

// ProcessConnectorConfig configures a ProcessConnector.
type ProcessConnectorConfig struct {
	Name         string
	ExecutorPath string
	GatewayAddr  string
	NodeNames    []string
}

// NewProcessConnector constructs a connector whose nodes are fixed names
// all bound to the local machine, useful for running an entire experiment
// on a developer workstation or CI runner.
func NewProcessConnector(cfg ProcessConnectorConfig) *ProcessConnector {
	nodes := make([]types.Node, 0, len(cfg.NodeNames))
	for _, n := range cfg.NodeNames {
		nodes = append(nodes, types.Node{Name: n, Connector: cfg.Name, Properties: map[string]string{
			"os_family":    "local",
			"architecture": runtime.GOARCH,
		}})
	}
	return &ProcessConnector{
		name:         cfg.Name,
		executorPath: cfg.ExecutorPath,
		gatewayAddr:  cfg.GatewayAddr,
		nodes:        nodes,
		processes:    make(map[string]*exec.Cmd),
	}
}

func (p *ProcessConnector) ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error) {
	return p.nodes, nil
}

// Deploy is a no-op for the process connector: there is no separate
// environment instantiation step when the "environment" is the host
// machine's own filesystem, so every item trivially succeeds.
func (p *ProcessConnector) Deploy(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	results := make([]ItemResult, len(deployments))
	for i, d := range deployments {
		results[i] = ItemResult{ID: d.ID}
	}
	return results, nil
}

// StartExecutors spawns one executor process per deployment, injecting
// the environment variables the executor agent reads at startup.
func (p *ProcessConnector) StartExecutors(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	results := make([]ItemResult, len(deployments))
	for i, d := range deployments {
		executorID := fmt.Sprintf("%s-%s", experimentID, d.NodeName)
		cmd := exec.Command(p.executorPath)
		cmd.Env = append(os.Environ(),
			"NETUNICORN_GATEWAY_ENDPOINT="+p.gatewayAddr,
			"NETUNICORN_EXPERIMENT_ID="+experimentID,
			"NETUNICORN_EXECUTOR_ID="+executorID,
			"NETUNICORN_HEARTBEAT=true",
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			results[i] = ItemResult{ID: d.ID, Error: fmt.Errorf("spawn executor: %w", err)}
			continue
		}
		p.mu.Lock()
		p.processes[executorID] = cmd
		p.mu.Unlock()
		logx.WithComponent("connector.process").Info().
			Str("experiment_id", experimentID).
			Str("executor_id", executorID).
			Int("pid", cmd.Process.Pid).
			Msg("executor process started")
		results[i] = ItemResult{ID: executorID}
	}
	return results, nil
}

func (p *ProcessConnector) StopExecutors(ctx context.Context, executorIDs []string) ([]ItemResult, error) {
	results := make([]ItemResult, len(executorIDs))
	for i, id := range executorIDs {
		p.mu.Lock()
		cmd, ok := p.processes[id]
		p.mu.Unlock()
		if !ok {
			results[i] = ItemResult{ID: id}
			continue
		}
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		results[i] = ItemResult{ID: id}
	}
	return results, nil
}

func (p *ProcessConnector) StopExperiment(ctx context.Context, experimentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cmd := range p.processes {
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Kill()
		delete(p.processes, id)
	}
	return nil
}

// Cleanup reaps any process entries left over for executors belonging to
// the given deployments; it never errors since killing an already-exited
// process is harmless.
func (p *ProcessConnector) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range deployments {
		executorID := fmt.Sprintf("%s-%s", experimentID, d.NodeName)
		if cmd, ok := p.processes[executorID]; ok {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			delete(p.processes, executorID)
		}
	}
	return nil
}
