// Package gateway implements the stateless HTTP adapter executors talk
// to: pipeline fetch, heartbeat, result submission, and flag operations,
// laid out with go-chi the way the non-teacher pack repos front their
// services, since the teacher speaks only mTLS-gRPC to its own agents.
package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/netunicorn/director/pkg/apierr"
	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/metricsx"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
)

// Applier proposes a command through the replicated log. *cluster.Cluster
// satisfies this directly; tests use an FSM-backed loopback instead of
// standing up real Raft.
type Applier interface {
	Apply(cmd cluster.Command) (cluster.ApplyResult, error)
}

// Server is the gateway's HTTP server.
type Server struct {
	store   store.Store
	cluster Applier
	mux     *chi.Mux
}

// New builds a gateway Server over s. Every heartbeat, result, and flag
// write is proposed through c rather than touching s directly, so a
// heartbeat posted to a follower still reaches the leader's processor.
func New(s store.Store, c Applier) *Server {
	srv := &Server{store: s, cluster: c, mux: chi.NewRouter()}
	srv.mux.Use(middleware.Recoverer)
	srv.routes()
	return srv
}

// ServeHTTP makes Server an http.Handler.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.mux.ServeHTTP(w, r)
}

func (srv *Server) routes() {
	srv.mux.Get("/pipeline/{executor_id}", srv.handleGetPipeline)
	srv.mux.Post("/heartbeat/{executor_id}", srv.handleHeartbeat)
	srv.mux.Post("/result/{executor_id}", srv.handleResult)
	srv.mux.Post("/experiment/{id}/flag/{key}", srv.handleFlagSet)
	srv.mux.Get("/experiment/{id}/flag/{key}", srv.handleFlagGet)
	srv.mux.Post("/experiment/{id}/flag/{key}/increment", srv.handleFlagInc)
	srv.mux.Post("/experiment/{id}/flag/{key}/decrement", srv.handleFlagDec)
	srv.mux.Get("/healthcheck", srv.handleHealthcheck)
	srv.mux.Handle("/metrics", metricsx.Handler())
}

func (srv *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	executorID := chi.URLParam(r, "executor_id")
	record, err := srv.store.GetExecutorByID(executorID)
	if err != nil || record.Finished {
		observe("get_pipeline", "not_found")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	observe("get_pipeline", "ok")
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(record.PipelineBlob)
}

func (srv *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	executorID := chi.URLParam(r, "executor_id")
	record, err := srv.store.GetExecutorByID(executorID)
	if err != nil {
		observe("heartbeat", "not_found")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	record.KeepaliveTime = time.Now()
	if err := srv.updateExecutor(record); err != nil {
		observe("heartbeat", "error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	observe("heartbeat", "ok")
	w.WriteHeader(http.StatusNoContent)
}

// handleResult writes the serialized final result and marks the executor
// terminal; repeated submissions are ignored by UpdateExecutor's
// first-wins semantics, so the handler itself stays oblivious to replay.
func (srv *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	executorID := chi.URLParam(r, "executor_id")
	record, err := srv.store.GetExecutorByID(executorID)
	if err != nil {
		observe("result", "not_found")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		observe("result", "bad_request")
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	record.ResultBlob = body
	record.Finished = true
	record.State = types.ExecutorTerminated
	if err := srv.updateExecutor(record); err != nil {
		observe("result", "error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logx.WithComponent("gateway").Info().Str("executor_id", executorID).Msg("result received")
	observe("result", "ok")
	w.WriteHeader(http.StatusNoContent)
}

type flagSetRequest struct {
	Text *string `json:"text,omitempty"`
	Int  *int64  `json:"int,omitempty"`
}

func (srv *Server) handleFlagSet(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	var req flagSetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			observe("flag_set", "bad_request")
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	flag, err := srv.updateFlag(experimentID, key, types.FlagOpSet, types.FlagMutation{Text: req.Text, Int: req.Int})
	writeFlagResult(w, "flag_set", flag, err)
}

func (srv *Server) handleFlagGet(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	flag, err := srv.updateFlag(experimentID, key, types.FlagOpGet, types.FlagMutation{})
	writeFlagResult(w, "flag_get", flag, err)
}

func (srv *Server) handleFlagInc(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	flag, err := srv.updateFlag(experimentID, key, types.FlagOpInc, types.FlagMutation{})
	writeFlagResult(w, "flag_increment", flag, err)
}

func (srv *Server) handleFlagDec(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	flag, err := srv.updateFlag(experimentID, key, types.FlagOpDec, types.FlagMutation{})
	writeFlagResult(w, "flag_decrement", flag, err)
}

func writeFlagResult(w http.ResponseWriter, endpoint string, flag types.Flag, err error) {
	if err != nil {
		observe(endpoint, "error")
		status := http.StatusInternalServerError
		if apierr.Classify(err) == apierr.KindValidation {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	observe(endpoint, "ok")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(flag)
}

func (srv *Server) updateExecutor(record *types.ExecutorRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = srv.cluster.Apply(cluster.Command{Op: cluster.OpUpdateExecutor, Data: data})
	return err
}

func (srv *Server) updateFlag(experimentID, key string, op types.FlagOp, mutation types.FlagMutation) (types.Flag, error) {
	data, err := json.Marshal(cluster.UpdateFlagPayload{ExperimentID: experimentID, Key: key, Op: op, Mutation: mutation})
	if err != nil {
		return types.Flag{}, err
	}
	result, err := srv.cluster.Apply(cluster.Command{Op: cluster.OpUpdateFlag, Data: data})
	if err != nil {
		return types.Flag{}, err
	}
	return result.Flag, nil
}

func (srv *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func observe(endpoint, outcome string) {
	metricsx.GatewayRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

