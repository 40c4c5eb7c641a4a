package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, newLoopbackCluster(s)), s
}

func TestGetPipelineReturnsBlobForNonFinishedExecutor(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.CreateExecutor(&types.ExecutorRecord{
		ExperimentID: "exp-1", ExecutorID: "ex-1", PipelineBlob: []byte("pipeline-bytes"),
	}))

	req := httptest.NewRequest(http.MethodGet, "/pipeline/ex-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pipeline-bytes", rec.Body.String())
}

func TestGetPipelineNotFoundForUnknownExecutor(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/pipeline/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatUpdatesKeepaliveTime(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.CreateExecutor(&types.ExecutorRecord{ExperimentID: "exp-1", ExecutorID: "ex-1"}))

	req := httptest.NewRequest(http.MethodPost, "/heartbeat/ex-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := s.GetExecutor("exp-1", "ex-1")
	require.NoError(t, err)
	require.False(t, got.KeepaliveTime.IsZero())
}

func TestResultIsIdempotentFirstWins(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.CreateExecutor(&types.ExecutorRecord{ExperimentID: "exp-1", ExecutorID: "ex-1"}))

	req1 := httptest.NewRequest(http.MethodPost, "/result/ex-1", bytes.NewBufferString("first"))
	rec1 := httptest.NewRecorder()
	srv.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusNoContent, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/result/ex-1", bytes.NewBufferString("second"))
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusNoContent, rec2.Code)

	got, err := s.GetExecutor("exp-1", "ex-1")
	require.NoError(t, err)
	require.Equal(t, "first", string(got.ResultBlob))
}

func TestFlagSetThenIncrementThenGet(t *testing.T) {
	srv, _ := newTestServer(t)

	setReq := httptest.NewRequest(http.MethodPost, "/experiment/exp-1/flag/barrier", bytes.NewBufferString(`{"text":"stage_1","int":0}`))
	setRec := httptest.NewRecorder()
	srv.ServeHTTP(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)

	incReq := httptest.NewRequest(http.MethodPost, "/experiment/exp-1/flag/barrier/increment", nil)
	incRec := httptest.NewRecorder()
	srv.ServeHTTP(incRec, incReq)
	require.Equal(t, http.StatusOK, incRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/experiment/exp-1/flag/barrier", nil)
	getRec := httptest.NewRecorder()
	srv.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Contains(t, getRec.Body.String(), `"int_value":1`)
}
