// Package jobs exposes the engine operations over HTTP under /api/.
package jobs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/kilianp07/fleetjobs/core/assign"
	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/core/cluster"
	"github.com/kilianp07/fleetjobs/core/ids"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/pipeline"
	"github.com/kilianp07/fleetjobs/core/redistribute"
	"github.com/kilianp07/fleetjobs/core/sequence"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/sheet"
)

// Operations is the service surface the handler drives.
type Operations interface {
	SuggestClusters(ctx context.Context) (cluster.Suggestions, error)
	ApproveCluster(ctx context.Context, clusterID string, refs []string) (cluster.Approval, error)
	AssignDriverToJob(ctx context.Context, ref, driver string, override bool) (assign.Result, error)
	AutoAssign(ctx context.Context, ref string) (assign.Result, error)
	BatchAssignDriver(ctx context.Context, refs []string, driver string, override bool) (assign.BatchReport, error)
	UnassignJob(ctx context.Context, ref string) (model.Job, error)
	CompleteJob(ctx context.Context, ref, driver string) (model.Job, error)
	EnforceSequencing(ctx context.Context) (sequence.Report, error)
	RecomputeDriver(ctx context.Context, driver string) (sequence.Result, error)
	RedistributeJobs(ctx context.Context) (redistribute.Report, error)
	AutoAssignIDs(ctx context.Context) (ids.Report, error)
	CreateBatchPlan(ctx context.Context, name string, clusterIDs, refs []string) (batch.Plan, error)
	CloseBatch(ctx context.Context, id string) (model.BatchPlan, error)
	ListBatches(ctx context.Context, openOnly bool) ([]model.BatchPlan, error)
	GetBatch(ctx context.Context, id string) (batch.Plan, error)
	ExportPlans(ctx context.Context, batchIDs []string, openOnly bool) ([]batch.Plan, error)
	RunPipeline(ctx context.Context, trigger string) (pipeline.Report, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error)
	GetJob(ctx context.Context, ref string) (model.Job, error)
	Import(ctx context.Context, r io.Reader) (sheet.Report, error)
}

// AssignRequest is the body of POST /api/jobs/{ref}/assign. An empty
// driver picks the best eligible one.
type AssignRequest struct {
	Driver         string `json:"driver"`
	ManualOverride bool   `json:"manual_override"`
}

// BatchAssignRequest is the body of POST /api/jobs/batch-assign.
type BatchAssignRequest struct {
	JobRefs        []string `json:"job_refs"`
	Driver         string   `json:"driver"`
	ManualOverride bool     `json:"manual_override"`
}

// CompleteRequest is the body of POST /api/jobs/{ref}/complete.
type CompleteRequest struct {
	Driver string `json:"driver"`
}

// ApproveRequest is the body of POST /api/clusters/{id}/approve.
type ApproveRequest struct {
	JobRefs []string `json:"job_refs"`
}

// SequenceRequest is the body of POST /api/sequence. Without a driver
// every queue is enforced.
type SequenceRequest struct {
	Driver string `json:"driver"`
}

// BatchRequest is the body of POST /api/batches.
type BatchRequest struct {
	Name       string   `json:"name"`
	ClusterIDs []string `json:"cluster_ids"`
	JobRefs    []string `json:"job_refs"`
}

// Handler routes /api/ requests to ops.
type Handler struct {
	ops       Operations
	maxUpload int64
	mux       *http.ServeMux
}

// NewHandler returns the API handler. maxUploadBytes bounds import bodies.
func NewHandler(ops Operations, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	h := &Handler{ops: ops, maxUpload: maxUploadBytes, mux: http.NewServeMux()}
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /api/jobs", h.listJobs)
	h.mux.HandleFunc("GET /api/jobs/{ref}", h.getJob)
	h.mux.HandleFunc("POST /api/jobs/{ref}/assign", h.assign)
	h.mux.HandleFunc("POST /api/jobs/{ref}/unassign", h.unassign)
	h.mux.HandleFunc("POST /api/jobs/{ref}/complete", h.complete)
	h.mux.HandleFunc("POST /api/jobs/batch-assign", h.batchAssign)
	h.mux.HandleFunc("POST /api/jobs/ids", h.assignIDs)
	h.mux.HandleFunc("GET /api/clusters/suggestions", h.suggest)
	h.mux.HandleFunc("POST /api/clusters/{id}/approve", h.approve)
	h.mux.HandleFunc("POST /api/sequence", h.sequence)
	h.mux.HandleFunc("POST /api/redistribute", h.redistribute)
	h.mux.HandleFunc("GET /api/batches", h.listBatches)
	h.mux.HandleFunc("POST /api/batches", h.createBatch)
	h.mux.HandleFunc("GET /api/batches/export", h.exportBatches)
	h.mux.HandleFunc("GET /api/batches/{id}", h.getBatch)
	h.mux.HandleFunc("POST /api/batches/{id}/close", h.closeBatch)
	h.mux.HandleFunc("POST /api/pipeline/run", h.runPipeline)
	h.mux.HandleFunc("POST /api/import", h.importSheet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		badRequest(w, "invalid body: "+err.Error())
		return false
	}
	return true
}

func respond[T any](w http.ResponseWriter, v T, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func boolParam(r *http.Request, name string) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return ok
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Driver:     q.Get("driver"),
		ClusterID:  q.Get("cluster_id"),
		OpenOnly:   boolParam(r, "open"),
		Unassigned: boolParam(r, "unassigned"),
	}
	jobs, err := h.ops.ListJobs(r.Context(), f)
	if jobs == nil {
		jobs = []model.Job{}
	}
	respond(w, jobs, err)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.ops.GetJob(r.Context(), r.PathValue("ref"))
	respond(w, j, err)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !decode(w, r, &req) {
		return
	}
	ref := r.PathValue("ref")
	if strings.TrimSpace(req.Driver) == "" {
		res, err := h.ops.AutoAssign(r.Context(), ref)
		respond(w, res, err)
		return
	}
	res, err := h.ops.AssignDriverToJob(r.Context(), ref, req.Driver, req.ManualOverride)
	respond(w, res, err)
}

func (h *Handler) unassign(w http.ResponseWriter, r *http.Request) {
	j, err := h.ops.UnassignJob(r.Context(), r.PathValue("ref"))
	respond(w, j, err)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	j, err := h.ops.CompleteJob(r.Context(), r.PathValue("ref"), req.Driver)
	respond(w, j, err)
}

func (h *Handler) batchAssign(w http.ResponseWriter, r *http.Request) {
	var req BatchAssignRequest
	if !decode(w, r, &req) {
		return
	}
	rep, err := h.ops.BatchAssignDriver(r.Context(), req.JobRefs, req.Driver, req.ManualOverride)
	respond(w, rep, err)
}

func (h *Handler) assignIDs(w http.ResponseWriter, r *http.Request) {
	rep, err := h.ops.AutoAssignIDs(r.Context())
	respond(w, rep, err)
}

func (h *Handler) suggest(w http.ResponseWriter, r *http.Request) {
	sug, err := h.ops.SuggestClusters(r.Context())
	respond(w, sug, err)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.ops.ApproveCluster(r.Context(), r.PathValue("id"), req.JobRefs)
	respond(w, a, err)
}

func (h *Handler) sequence(w http.ResponseWriter, r *http.Request) {
	var req SequenceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Driver != "" {
		res, err := h.ops.RecomputeDriver(r.Context(), req.Driver)
		respond(w, res, err)
		return
	}
	rep, err := h.ops.EnforceSequencing(r.Context())
	respond(w, rep, err)
}

func (h *Handler) redistribute(w http.ResponseWriter, r *http.Request) {
	rep, err := h.ops.RedistributeJobs(r.Context())
	respond(w, rep, err)
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	list, err := h.ops.ListBatches(r.Context(), boolParam(r, "open"))
	if list == nil {
		list = []model.BatchPlan{}
	}
	respond(w, list, err)
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.ops.CreateBatchPlan(r.Context(), req.Name, req.ClusterIDs, req.JobRefs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	p, err := h.ops.GetBatch(r.Context(), r.PathValue("id"))
	respond(w, p, err)
}

func (h *Handler) closeBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.ops.CloseBatch(r.Context(), r.PathValue("id"))
	respond(w, b, err)
}

func (h *Handler) runPipeline(w http.ResponseWriter, r *http.Request) {
	trigger := r.URL.Query().Get("trigger")
	if trigger == "" {
		trigger = "api"
	}
	rep, err := h.ops.RunPipeline(r.Context(), trigger)
	if err != nil && rep.RunID != "" {
		// the report still lists the stages that completed
		writeJSON(w, StatusOf(err), struct {
			ErrorBody
			Report pipeline.Report `json:"report"`
		}{errorBody(err), rep})
		return
	}
	respond(w, rep, err)
}

func (h *Handler) importSheet(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			badRequest(w, "invalid upload: "+err.Error())
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			badRequest(w, "missing file field")
			return
		}
		defer func() { _ = f.Close() }()
		src = f
	}
	rep, err := h.ops.Import(r.Context(), src)
	if rep.Rejected == nil {
		rep.Rejected = []sheet.RowError{}
	}
	respond(w, rep, err)
}
