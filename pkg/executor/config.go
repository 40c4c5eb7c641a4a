// Package executor implements the in-environment agent (spec §4.6) that
// loads a pipeline, interprets its stage DAG locally, and reports
// heartbeats and a final result back to the gateway. It is the
// node-side counterpart to pkg/gateway, structured the way the
// teacher's pkg/worker drives a local reconcile loop against a manager
// it never needs to trust blindly — except the loop here replays one
// pipeline once instead of reconciling forever.
package executor

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names the connector injects into the executor's
// process per spec §6.
const (
	EnvGatewayEndpoint = "NETUNICORN_GATEWAY_ENDPOINT"
	EnvExperimentID    = "NETUNICORN_EXPERIMENT_ID"
	EnvExecutorID      = "NETUNICORN_EXECUTOR_ID"
	EnvHeartbeat       = "NETUNICORN_HEARTBEAT"
	// EnvPipelineFile, if set, makes the executor load its pipeline from
	// a local file instead of GET /pipeline/{executor_id}; the connector
	// sets this when it has already mounted the pipeline into the
	// environment at deploy time.
	EnvPipelineFile = "NETUNICORN_PIPELINE_FILE"
)

// Config is the executor's startup configuration, assembled entirely
// from environment variables per spec §4.6 and §6. Missing required
// variables cause immediate termination with a descriptive error.
type Config struct {
	GatewayEndpoint string
	ExperimentID    string
	ExecutorID      string
	Heartbeat       bool
	PipelineFile    string
}

// LoadConfig reads Config from the process environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		GatewayEndpoint: os.Getenv(EnvGatewayEndpoint),
		ExperimentID:    os.Getenv(EnvExperimentID),
		ExecutorID:      os.Getenv(EnvExecutorID),
		Heartbeat:       true,
		PipelineFile:    os.Getenv(EnvPipelineFile),
	}

	if cfg.GatewayEndpoint == "" {
		return Config{}, fmt.Errorf("executor: missing required environment variable %s", EnvGatewayEndpoint)
	}
	if cfg.ExperimentID == "" {
		return Config{}, fmt.Errorf("executor: missing required environment variable %s", EnvExperimentID)
	}
	if cfg.ExecutorID == "" {
		return Config{}, fmt.Errorf("executor: missing required environment variable %s", EnvExecutorID)
	}

	if raw, ok := os.LookupEnv(EnvHeartbeat); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("executor: invalid %s value %q: %w", EnvHeartbeat, raw, err)
		}
		cfg.Heartbeat = v
	}

	return cfg, nil
}
