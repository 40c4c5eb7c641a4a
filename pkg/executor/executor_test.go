package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/netunicorn/director/pkg/types"
	"github.com/netunicorn/director/pkg/wire"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a minimal in-memory stand-in for pkg/gateway good
// enough to drive the Agent end to end without a real store.
type fakeGateway struct {
	mu          sync.Mutex
	pipelineRaw []byte
	heartbeats  int
	resultBlob  []byte
}

func (f *fakeGateway) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/pipeline/ex-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Write(f.pipelineRaw)
	})
	mux.HandleFunc("/heartbeat/ex-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.heartbeats++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/result/ex-1", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.resultBlob = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func buildPipeline(t *testing.T, reportResults bool) []byte {
	t.Helper()
	p := types.Pipeline{
		ID: "p-1",
		Stages: []types.Stage{
			{Tasks: []types.Task{{Name: "t1", Entrypoint: "shell_command", Init: map[string]string{"command": "echo hi"}}}},
			{Tasks: []types.Task{{Name: "t2", Entrypoint: "speed_test"}}},
		},
		ReportResults: reportResults,
	}
	blob, err := wire.EncodePipeline(p)
	require.NoError(t, err)
	return blob
}

func TestAgentRunsPipelineAndReportsResult(t *testing.T) {
	fg := &fakeGateway{pipelineRaw: buildPipeline(t, true)}
	srv := fg.server()
	defer srv.Close()

	cfg := Config{GatewayEndpoint: srv.URL, ExperimentID: "exp-1", ExecutorID: "ex-1", Heartbeat: false}
	agent := NewAgent(cfg, DefaultRegistry())

	err := agent.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ExecutorTerminated, agent.State())

	fg.mu.Lock()
	blob := fg.resultBlob
	fg.mu.Unlock()
	require.NotEmpty(t, blob)

	result, err := wire.DecodeResult(blob)
	require.NoError(t, err)
	require.True(t, result.Passing())
	require.Len(t, result.Tasks["t1"], 1)
	require.Len(t, result.Tasks["t2"], 1)
}

func TestAgentSkipsReportWhenReportResultsFalse(t *testing.T) {
	fg := &fakeGateway{pipelineRaw: buildPipeline(t, false)}
	srv := fg.server()
	defer srv.Close()

	cfg := Config{GatewayEndpoint: srv.URL, ExperimentID: "exp-1", ExecutorID: "ex-1", Heartbeat: false}
	agent := NewAgent(cfg, DefaultRegistry())

	err := agent.Run(context.Background())
	require.NoError(t, err)

	fg.mu.Lock()
	defer fg.mu.Unlock()
	require.Empty(t, fg.resultBlob)
}

func TestAgentStopsAtFirstFailingStage(t *testing.T) {
	p := types.Pipeline{
		ID: "p-2",
		Stages: []types.Stage{
			{Tasks: []types.Task{{Name: "bad", Entrypoint: "unregistered_entrypoint"}}},
			{Tasks: []types.Task{{Name: "never_runs", Entrypoint: "shell_command", Init: map[string]string{"command": "echo no"}}}},
		},
		ReportResults: true,
	}
	blob, err := wire.EncodePipeline(p)
	require.NoError(t, err)

	fg := &fakeGateway{pipelineRaw: blob}
	srv := fg.server()
	defer srv.Close()

	cfg := Config{GatewayEndpoint: srv.URL, ExperimentID: "exp-1", ExecutorID: "ex-1", Heartbeat: false}
	agent := NewAgent(cfg, DefaultRegistry())

	require.NoError(t, agent.Run(context.Background()))

	fg.mu.Lock()
	blobOut := fg.resultBlob
	fg.mu.Unlock()

	result, err := wire.DecodeResult(blobOut)
	require.NoError(t, err)
	require.False(t, result.Passing())
	require.Contains(t, result.Tasks, "bad")
	require.NotContains(t, result.Tasks, "never_runs")
}

func TestAgentFailsLoadAfterRetryCeilingOn404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pipeline/ex-1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := Config{GatewayEndpoint: srv.URL, ExperimentID: "exp-1", ExecutorID: "ex-1", Heartbeat: false}
	agent := NewAgent(cfg, DefaultRegistry())

	err := agent.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, types.ExecutorFailed, agent.State())
}

func TestLoadConfigRequiresEnvVars(t *testing.T) {
	t.Setenv(EnvGatewayEndpoint, "")
	t.Setenv(EnvExperimentID, "")
	t.Setenv(EnvExecutorID, "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv(EnvGatewayEndpoint, "http://localhost:9000")
	t.Setenv(EnvExperimentID, "exp-1")
	t.Setenv(EnvExecutorID, "ex-1")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.Heartbeat)
}
