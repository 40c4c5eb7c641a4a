package mediator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/netunicorn/director/pkg/connector"
	"github.com/netunicorn/director/pkg/infra"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
	"github.com/stretchr/testify/require"
)

type stubAuth struct{}

func (stubAuth) Authenticate(ctx context.Context, username, password string) (Verdict, error) {
	if username == "" {
		return Verdict{}, nil
	}
	return Verdict{Authenticated: true, Username: username, Sudo: username == "admin"}, nil
}

type noopConnector struct{}

func (noopConnector) ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error) {
	return nil, nil
}
func (noopConnector) Deploy(ctx context.Context, experimentID string, deployments []types.Deployment) ([]connector.ItemResult, error) {
	results := make([]connector.ItemResult, len(deployments))
	for i, d := range deployments {
		results[i] = connector.ItemResult{ID: d.ID}
	}
	return results, nil
}
func (noopConnector) StartExecutors(ctx context.Context, experimentID string, deployments []types.Deployment) ([]connector.ItemResult, error) {
	results := make([]connector.ItemResult, len(deployments))
	for i, d := range deployments {
		results[i] = connector.ItemResult{ID: "executor-" + d.ID}
	}
	return results, nil
}
func (noopConnector) StopExecutors(ctx context.Context, executorIDs []string) ([]connector.ItemResult, error) {
	return nil, nil
}
func (noopConnector) StopExperiment(ctx context.Context, experimentID string) error { return nil }
func (noopConnector) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	return nil
}

// archConnector reuses noopConnector's deploy/start/stop stubs but
// reports a fixed set of nodes, for exercising architecture-aware
// compilation fingerprinting.
type archConnector struct {
	noopConnector
	nodes []types.Node
}

func (a archConnector) ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error) {
	return a.nodes, nil
}

// newTestServer wires a mediator directly against a local store, bypassing
// Raft entirely by using a loopback cluster whose Apply runs each command
// through cluster.FSM against the store — equivalent to a single-node
// cluster that always wins its own election.
func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := connector.NewRegistry(map[string]connector.Connector{"c1": noopConnector{}})
	c := newLoopbackCluster(s)
	infraSvc := infra.New(reg, s, c)
	return New(s, c, infraSvc, stubAuth{}), s
}

func basicAuthHeader(username string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":x"))
}

func TestSubmitRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/experiment", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitThenStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"name":"speedtest","deployments":[{"node_name":"n1","connector":"c1"}]}`
	req := httptest.NewRequest(http.MethodPost, "/experiment", strings.NewReader(body))
	req.Header.Set("Authorization", basicAuthHeader("alice"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/experiment/speedtest", nil)
	statusReq.Header.Set("Authorization", basicAuthHeader("alice"))
	statusRec := httptest.NewRecorder()
	srv.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var exp types.Experiment
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &exp))
	require.Equal(t, types.ExperimentCreated, exp.Status)
}

func TestStatusForbiddenForNonOwner(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"name":"speedtest","deployments":[{"node_name":"n1","connector":"c1"}]}`
	submitReq := httptest.NewRequest(http.MethodPost, "/experiment", strings.NewReader(body))
	submitReq.Header.Set("Authorization", basicAuthHeader("alice"))
	srv.ServeHTTP(httptest.NewRecorder(), submitReq)

	req := httptest.NewRequest(http.MethodGet, "/experiment/speedtest", nil)
	req.Header.Set("Authorization", basicAuthHeader("bob"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrepareTransitionsToPreparing(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"name":"speedtest","deployments":[{"node_name":"n1","connector":"c1"}]}`
	submitReq := httptest.NewRequest(http.MethodPost, "/experiment", strings.NewReader(body))
	submitReq.Header.Set("Authorization", basicAuthHeader("alice"))
	srv.ServeHTTP(httptest.NewRecorder(), submitReq)

	prepReq := httptest.NewRequest(http.MethodPost, "/experiment/speedtest/prepare", nil)
	prepReq.Header.Set("Authorization", basicAuthHeader("alice"))
	prepRec := httptest.NewRecorder()
	srv.ServeHTTP(prepRec, prepReq)
	require.Equal(t, http.StatusAccepted, prepRec.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/experiment/speedtest", nil)
	statusReq.Header.Set("Authorization", basicAuthHeader("alice"))
	statusRec := httptest.NewRecorder()
	srv.ServeHTTP(statusRec, statusReq)
	var exp types.Experiment
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &exp))
	require.Equal(t, types.ExperimentPreparing, exp.Status)
}

func TestPrepareFingerprintsByArchitecture(t *testing.T) {
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	nodes := []types.Node{
		{Name: "n1", Connector: "c1", Properties: map[string]string{"architecture": "amd64"}},
		{Name: "n2", Connector: "c1", Properties: map[string]string{"architecture": "arm64"}},
	}
	reg := connector.NewRegistry(map[string]connector.Connector{"c1": archConnector{nodes: nodes}})
	c := newLoopbackCluster(s)
	infraSvc := infra.New(reg, s, c)
	srv := New(s, c, infraSvc, stubAuth{})

	body := `{"name":"speedtest","deployments":[{"node_name":"n1","connector":"c1"},{"node_name":"n2","connector":"c1"}]}`
	submitReq := httptest.NewRequest(http.MethodPost, "/experiment", strings.NewReader(body))
	submitReq.Header.Set("Authorization", basicAuthHeader("alice"))
	srv.ServeHTTP(httptest.NewRecorder(), submitReq)

	prepReq := httptest.NewRequest(http.MethodPost, "/experiment/speedtest/prepare", nil)
	prepReq.Header.Set("Authorization", basicAuthHeader("alice"))
	prepRec := httptest.NewRecorder()
	srv.ServeHTTP(prepRec, prepReq)
	require.Equal(t, http.StatusAccepted, prepRec.Code)

	exp, err := s.GetExperimentByName("alice", "speedtest")
	require.NoError(t, err)
	require.NotEqual(t, exp.Deployments[0].CompilationID, exp.Deployments[1].CompilationID,
		"different node architectures must not share a compilation")

	c1, err := s.GetCompilation(exp.ID, exp.Deployments[0].CompilationID)
	require.NoError(t, err)
	require.Equal(t, "amd64", c1.Architecture)

	c2, err := s.GetCompilation(exp.ID, exp.Deployments[1].CompilationID)
	require.NoError(t, err)
	require.Equal(t, "arm64", c2.Architecture)
}

func TestStartCreatesExecutorRecords(t *testing.T) {
	srv, s := newTestServer(t)

	body := `{"name":"speedtest","deployments":[{"node_name":"n1","connector":"c1"}]}`
	submitReq := httptest.NewRequest(http.MethodPost, "/experiment", strings.NewReader(body))
	submitReq.Header.Set("Authorization", basicAuthHeader("alice"))
	srv.ServeHTTP(httptest.NewRecorder(), submitReq)

	exp, err := s.GetExperimentByName("alice", "speedtest")
	require.NoError(t, err)
	exp.Status = types.ExperimentReady
	exp.Deployments[0].Status = types.DeploymentPrepared
	require.NoError(t, s.UpdateExperiment(exp))

	startReq := httptest.NewRequest(http.MethodPost, "/experiment/speedtest/start", nil)
	startReq.Header.Set("Authorization", basicAuthHeader("alice"))
	startRec := httptest.NewRecorder()
	srv.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusAccepted, startRec.Code)

	updated, err := s.GetExperiment(exp.ID)
	require.NoError(t, err)
	require.Equal(t, types.ExperimentRunning, updated.Status)
	executorID := updated.Deployments[0].ExecutorID
	require.NotEmpty(t, executorID)

	record, err := s.GetExecutorByID(executorID)
	require.NoError(t, err)
	require.Equal(t, exp.ID, record.ExperimentID)
	require.Equal(t, updated.Deployments[0].ID, record.DeploymentID)
	require.False(t, record.Finished)
}

func TestFlagRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"name":"speedtest","deployments":[{"node_name":"n1","connector":"c1"}]}`
	submitReq := httptest.NewRequest(http.MethodPost, "/experiment", strings.NewReader(body))
	submitReq.Header.Set("Authorization", basicAuthHeader("alice"))
	srv.ServeHTTP(httptest.NewRecorder(), submitReq)

	setReq := httptest.NewRequest(http.MethodPost, "/experiment/speedtest/flag/barrier", strings.NewReader(`{"text":"stage_1","int":0}`))
	setReq.Header.Set("Authorization", basicAuthHeader("alice"))
	setRec := httptest.NewRecorder()
	srv.ServeHTTP(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)

	incReq := httptest.NewRequest(http.MethodPost, "/experiment/speedtest/flag/barrier/increment", nil)
	incReq.Header.Set("Authorization", basicAuthHeader("alice"))
	incRec := httptest.NewRecorder()
	srv.ServeHTTP(incRec, incReq)
	require.Equal(t, http.StatusOK, incRec.Code)
	require.Contains(t, incRec.Body.String(), `"int_value":1`)
}
