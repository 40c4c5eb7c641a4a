// Package mediator implements the user-facing authoritative entrypoint
// (spec §4.8): submit, prepare, start, cancel, status, delete, and flag
// operations, laid out with go-chi the same way pkg/gateway is.
package mediator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/netunicorn/director/pkg/apierr"
	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/infra"
	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/metricsx"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
)

// Applier is the subset of *cluster.Cluster the mediator needs: propose a
// command and wait for it to be applied. Depending on the interface
// rather than the concrete type lets tests exercise the mediator against
// a single-node in-memory applier instead of standing up real Raft.
type Applier interface {
	Apply(cmd cluster.Command) (cluster.ApplyResult, error)
}

// Server is the mediator's HTTP server.
type Server struct {
	store   store.Store
	cluster Applier
	infra   *infra.Service
	auth    Authenticator
	mux     *chi.Mux
}

// New builds a mediator Server.
func New(s store.Store, c Applier, i *infra.Service, auth Authenticator) *Server {
	srv := &Server{store: s, cluster: c, infra: i, auth: auth, mux: chi.NewRouter()}
	srv.mux.Use(middleware.Recoverer)
	srv.routes()
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.mux.ServeHTTP(w, r)
}

func (srv *Server) routes() {
	srv.mux.Get("/healthcheck", srv.handleHealthcheck)
	srv.mux.Handle("/metrics", metricsx.Handler())

	srv.mux.Group(func(r chi.Router) {
		r.Use(requireAuth(srv.auth))
		r.Get("/nodes", srv.handleListNodes)
		r.Post("/experiment", srv.handleSubmit)
		r.Get("/experiment/{name}", srv.handleStatus)
		r.Post("/experiment/{name}/prepare", srv.handlePrepare)
		r.Post("/experiment/{name}/start", srv.handleStart)
		r.Post("/experiment/{name}/cancel", srv.handleCancel)
		r.Delete("/experiment/{name}", srv.handleDelete)
		r.Get("/experiment/{name}/flag/{key}", srv.handleFlagGet)
		r.Post("/experiment/{name}/flag/{key}", srv.handleFlagSet)
		r.Post("/experiment/{name}/flag/{key}/increment", srv.handleFlagInc)
		r.Post("/experiment/{name}/flag/{key}/decrement", srv.handleFlagDec)
	})
}

func (srv *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (srv *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	verdict, _ := verdictFromContext(r)
	nodes, err := srv.infra.ListNodes(r.Context(), verdict.Username, verdict.AccessTags)
	if err != nil {
		writeError(w, "nodes", err)
		return
	}
	observe("nodes", "ok")
	writeJSON(w, http.StatusOK, nodes)
}

type submitRequest struct {
	Name        string            `json:"name"`
	Deployments []types.Deployment `json:"deployments"`
}

func (srv *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	verdict, _ := verdictFromContext(r)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "submit", fmt.Errorf("decode request: %w: %w", apierr.ErrValidation, err))
		return
	}
	if req.Name == "" || len(req.Deployments) == 0 {
		writeError(w, "submit", fmt.Errorf("name and at least one deployment are required: %w", apierr.ErrValidation))
		return
	}

	exp := types.Experiment{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Username:    verdict.Username,
		Status:      types.ExperimentCreated,
		Deployments: req.Deployments,
		CreatedAt:   time.Now(),
	}
	for i := range exp.Deployments {
		if exp.Deployments[i].ID == "" {
			exp.Deployments[i].ID = uuid.NewString()
		}
		exp.Deployments[i].ExperimentID = exp.ID
		exp.Deployments[i].Status = types.DeploymentPending
	}

	if _, err := srv.applyCreateExperiment(exp); err != nil {
		writeError(w, "submit", err)
		return
	}
	metricsx.ExperimentsTotal.WithLabelValues(string(types.ExperimentCreated)).Inc()
	observe("submit", "ok")
	writeJSON(w, http.StatusCreated, map[string]string{"experiment_id": exp.ID})
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	verdict, _ := verdictFromContext(r)
	name := chi.URLParam(r, "name")

	exp, err := srv.lookupOwned(verdict, name)
	if err != nil {
		writeError(w, "status", err)
		return
	}
	observe("status", "ok")
	writeJSON(w, http.StatusOK, exp)
}

// handlePrepare validates the experiment is CREATED, fingerprints each
// deployment's build into a shared compilation row, claims node locks and
// asks connectors to deploy, then transitions PREPARING.
func (srv *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	verdict, _ := verdictFromContext(r)
	name := chi.URLParam(r, "name")

	exp, err := srv.lookupOwned(verdict, name)
	if err != nil {
		writeError(w, "prepare", err)
		return
	}
	if exp.Status != types.ExperimentCreated {
		writeError(w, "prepare", fmt.Errorf("experiment %s is not CREATED: %w", name, apierr.ErrValidation))
		return
	}

	archByNode, err := srv.infra.NodeArchitectures(r.Context())
	if err != nil {
		writeError(w, "prepare", err)
		return
	}

	for i := range exp.Deployments {
		arch := archByNode[exp.Deployments[i].NodeName]
		if arch == "" {
			arch = "unknown"
		}
		compID := fingerprint(exp.Deployments[i].Environment, exp.Deployments[i].PipelineBlob, arch)
		if _, err := srv.store.GetCompilation(exp.ID, compID); err != nil {
			c := &types.Compilation{
				ID:           compID,
				ExperimentID: exp.ID,
				Status:       types.CompilationPending,
				Architecture: arch,
				PipelineBlob: exp.Deployments[i].PipelineBlob,
				Environment:  exp.Deployments[i].Environment,
				CreatedAt:    time.Now(),
			}
			if err := srv.createCompilation(c); err != nil {
				writeError(w, "prepare", err)
				return
			}
		}
		exp.Deployments[i].CompilationID = compID
	}

	if _, err := srv.infra.Deploy(r.Context(), exp.Username, exp.ID, exp.Deployments); err != nil {
		writeError(w, "prepare", err)
		return
	}

	exp.Status = types.ExperimentPreparing
	if _, err := srv.applyUpdateExperiment(*exp); err != nil {
		writeError(w, "prepare", err)
		return
	}
	metricsx.ExperimentsTotal.WithLabelValues(string(types.ExperimentPreparing)).Inc()
	observe("prepare", "ok")
	w.WriteHeader(http.StatusAccepted)
}

func (srv *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	verdict, _ := verdictFromContext(r)
	name := chi.URLParam(r, "name")

	exp, err := srv.lookupOwned(verdict, name)
	if err != nil {
		writeError(w, "start", err)
		return
	}
	if exp.Status != types.ExperimentReady {
		writeError(w, "start", fmt.Errorf("experiment %s is not READY: %w", name, apierr.ErrValidation))
		return
	}

	results, err := srv.infra.Start(r.Context(), exp.ID, exp.Deployments)
	if err != nil {
		writeError(w, "start", err)
		return
	}
	for i, res := range results {
		if res.Error != nil {
			exp.Deployments[i].Error = res.Error.Error()
			continue
		}
		exp.Deployments[i].ExecutorID = res.ID
		record := &types.ExecutorRecord{
			ExperimentID:  exp.ID,
			ExecutorID:    res.ID,
			DeploymentID:  exp.Deployments[i].ID,
			NodeName:      exp.Deployments[i].NodeName,
			Connector:     exp.Deployments[i].Connector,
			PipelineBlob:  exp.Deployments[i].PipelineBlob,
			KeepaliveTime: time.Now(),
			State:         types.ExecutorLoading,
		}
		if err := srv.createExecutor(record); err != nil {
			writeError(w, "start", fmt.Errorf("create executor record: %w", err))
			return
		}
	}

	exp.Status = types.ExperimentRunning
	exp.StartedAt = time.Now()
	if _, err := srv.applyUpdateExperiment(*exp); err != nil {
		writeError(w, "start", err)
		return
	}
	metricsx.ExperimentsTotal.WithLabelValues(string(types.ExperimentRunning)).Inc()
	observe("start", "ok")
	w.WriteHeader(http.StatusAccepted)
}

func (srv *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	verdict, _ := verdictFromContext(r)
	name := chi.URLParam(r, "name")

	exp, err := srv.lookupOwned(verdict, name)
	if err != nil {
		writeError(w, "cancel", err)
		return
	}

	connectorNames := connectorsOf(exp.Deployments)
	if err := srv.infra.Stop(r.Context(), exp.ID, connectorNames); err != nil {
		logx.WithComponent("mediator").Warn().Err(err).Str("experiment_id", exp.ID).Msg("stop experiment")
	}

	exp.Cancelled = true
	exp.Status = types.ExperimentFinished
	exp.FinishedAt = time.Now()
	if _, err := srv.applyUpdateExperiment(*exp); err != nil {
		writeError(w, "cancel", err)
		return
	}
	observe("cancel", "ok")
	w.WriteHeader(http.StatusAccepted)
}

// handleDelete soft-deletes by rewriting username, forbidden unless the
// experiment has already reached a terminal state.
func (srv *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	verdict, _ := verdictFromContext(r)
	name := chi.URLParam(r, "name")

	exp, err := srv.lookupOwned(verdict, name)
	if err != nil {
		writeError(w, "delete", err)
		return
	}
	if exp.Status != types.ExperimentFinished {
		writeError(w, "delete", fmt.Errorf("experiment %s is not terminal: %w", name, apierr.ErrValidation))
		return
	}

	exp.Username = "deleted_" + uuid.NewString()
	if _, err := srv.applyUpdateExperiment(*exp); err != nil {
		writeError(w, "delete", err)
		return
	}
	observe("delete", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleFlagGet(w http.ResponseWriter, r *http.Request) {
	srv.flagOp(w, r, types.FlagOpGet, "flag_get")
}
func (srv *Server) handleFlagInc(w http.ResponseWriter, r *http.Request) {
	srv.flagOp(w, r, types.FlagOpInc, "flag_increment")
}
func (srv *Server) handleFlagDec(w http.ResponseWriter, r *http.Request) {
	srv.flagOp(w, r, types.FlagOpDec, "flag_decrement")
}

func (srv *Server) handleFlagSet(w http.ResponseWriter, r *http.Request) {
	var req flagSetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "flag_set", fmt.Errorf("decode request: %w: %w", apierr.ErrValidation, err))
			return
		}
	}
	srv.applyFlag(w, r, types.FlagOpSet, types.FlagMutation{Text: req.Text, Int: req.Int}, "flag_set")
}

type flagSetRequest struct {
	Text *string `json:"text,omitempty"`
	Int  *int64  `json:"int,omitempty"`
}

func (srv *Server) flagOp(w http.ResponseWriter, r *http.Request, op types.FlagOp, endpoint string) {
	srv.applyFlag(w, r, op, types.FlagMutation{}, endpoint)
}

func (srv *Server) applyFlag(w http.ResponseWriter, r *http.Request, op types.FlagOp, mutation types.FlagMutation, endpoint string) {
	verdict, _ := verdictFromContext(r)
	name := chi.URLParam(r, "name")
	key := chi.URLParam(r, "key")

	exp, err := srv.lookupOwned(verdict, name)
	if err != nil {
		writeError(w, endpoint, err)
		return
	}
	flag, err := srv.updateFlag(exp.ID, key, op, mutation)
	if err != nil {
		writeError(w, endpoint, err)
		return
	}
	observe(endpoint, "ok")
	writeJSON(w, http.StatusOK, flag)
}

// lookupOwned fetches an experiment by name and enforces owner-or-sudo
// authorization; a not-found and a not-owned experiment both surface as
// ErrUnauthorized so existence never leaks to an unauthorized caller.
func (srv *Server) lookupOwned(verdict Verdict, name string) (*types.Experiment, error) {
	exp, err := srv.store.GetExperimentByName(verdict.Username, name)
	if err == nil {
		return exp, nil
	}
	if verdict.Sudo {
		all, listErr := srv.store.ListExperiments()
		if listErr == nil {
			for _, e := range all {
				if e.Name == name {
					return e, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("experiment %s: %w", name, apierr.ErrUnauthorized)
}

func (srv *Server) applyCreateExperiment(exp types.Experiment) (cluster.ApplyResult, error) {
	data, err := json.Marshal(exp)
	if err != nil {
		return cluster.ApplyResult{}, err
	}
	return srv.cluster.Apply(cluster.Command{Op: cluster.OpCreateExperiment, Data: data})
}

func (srv *Server) applyUpdateExperiment(exp types.Experiment) (cluster.ApplyResult, error) {
	data, err := json.Marshal(exp)
	if err != nil {
		return cluster.ApplyResult{}, err
	}
	return srv.cluster.Apply(cluster.Command{Op: cluster.OpUpdateExperiment, Data: data})
}

func (srv *Server) createCompilation(c *types.Compilation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = srv.cluster.Apply(cluster.Command{Op: cluster.OpCreateCompilation, Data: data})
	return err
}

func (srv *Server) createExecutor(record *types.ExecutorRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = srv.cluster.Apply(cluster.Command{Op: cluster.OpCreateExecutor, Data: data})
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

func connectorsOf(deployments []types.Deployment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range deployments {
		if !seen[d.Connector] {
			seen[d.Connector] = true
			out = append(out, d.Connector)
		}
	}
	return out
}

// fingerprint identifies the shared build a deployment needs: deployments
// with the same environment, pipeline bytes, and architecture share one
// compilation row instead of building once per node (spec §3's
// "compilation_id is a hash of environment + pipeline + architecture").
func fingerprint(env types.EnvironmentDefinition, pipelineBlob []byte, architecture string) string {
	h := sha256.New()
	h.Write([]byte(env.Kind))
	h.Write([]byte(env.Image))
	h.Write([]byte(env.BaseImage))
	for _, c := range env.Commands {
		h.Write([]byte(c))
	}
	h.Write(pipelineBlob)
	h.Write([]byte(architecture))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func observe(endpoint, outcome string) {
	metricsx.MediatorRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func writeError(w http.ResponseWriter, endpoint string, err error) {
	observe(endpoint, "error")
	status := http.StatusInternalServerError
	switch apierr.Classify(err) {
	case apierr.KindValidation:
		status = http.StatusBadRequest
	case apierr.KindAuthorization:
		status = http.StatusNotFound // never leak existence
	case apierr.KindContention:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
