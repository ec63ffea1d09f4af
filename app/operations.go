package app

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/fleetjobs/core/assign"
	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/core/cluster"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/ids"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/pipeline"
	"github.com/kilianp07/fleetjobs/core/redistribute"
	"github.com/kilianp07/fleetjobs/core/runlog"
	"github.com/kilianp07/fleetjobs/core/sequence"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/sheet"
)

// SuggestClusters ranks candidate clusters without writing anything.
func (s *Service) SuggestClusters(ctx context.Context) (cluster.Suggestions, error) {
	return s.Clusters.Suggest(ctx)
}

// ApproveCluster commits a suggestion's membership and flags.
func (s *Service) ApproveCluster(ctx context.Context, clusterID string, refs []string) (cluster.Approval, error) {
	return s.Clusters.Approve(ctx, clusterID, refs)
}

// AssignDriverToJob places a job in a named driver's queue.
func (s *Service) AssignDriverToJob(ctx context.Context, ref, driver string, override bool) (assign.Result, error) {
	return s.Assign.Assign(ctx, ref, model.NormalizeName(driver), assign.Options{ManualOverride: override})
}

// AutoAssign picks the best eligible driver for a job.
func (s *Service) AutoAssign(ctx context.Context, ref string) (assign.Result, error) {
	return s.Assign.AutoAssign(ctx, ref)
}

// BatchAssignDriver assigns several jobs to one driver and logs the run.
func (s *Service) BatchAssignDriver(ctx context.Context, refs []string, driver string, override bool) (assign.BatchReport, error) {
	start := s.now()
	driver = model.NormalizeName(driver)
	rep, err := s.Assign.BatchAssign(ctx, refs, driver, assign.Options{ManualOverride: override})
	rec := runlog.Record{
		Kind:    runlog.KindBatchAssign,
		Trigger: "manual",
		Counts:  map[string]int{"assigned": rep.SuccessCount, "failed": rep.ErrorCount},
		Drivers: []string{driver},
	}
	s.appendRun(ctx, start, rec, err)
	return rep, err
}

// UnassignJob removes a job from its driver's queue.
func (s *Service) UnassignJob(ctx context.Context, ref string) (model.Job, error) {
	return s.Assign.Unassign(ctx, ref)
}

// CompleteJob marks a job done and promotes the driver's next job.
func (s *Service) CompleteJob(ctx context.Context, ref, driver string) (model.Job, error) {
	return s.Sequencer.Complete(ctx, ref, model.NormalizeName(driver))
}

// EnforceSequencing renumbers every driver queue.
func (s *Service) EnforceSequencing(ctx context.Context) (sequence.Report, error) {
	return s.Sequencer.EnforceAll(ctx)
}

// RecomputeDriver renumbers a single driver queue.
func (s *Service) RecomputeDriver(ctx context.Context, driver string) (sequence.Result, error) {
	driver = model.NormalizeName(driver)
	if _, err := s.Store.GetDriver(ctx, driver); err != nil {
		return sequence.Result{}, store.AsUnknown(err, fleeterr.ReasonUnknownDriver, "driver "+driver)
	}
	return s.Sequencer.Recompute(ctx, driver)
}

// RedistributeJobs runs one rebalance pass and logs it.
func (s *Service) RedistributeJobs(ctx context.Context) (redistribute.Report, error) {
	start := s.now()
	rep, err := s.Redistribute.Run(s.Assign.WithIndex(ctx))
	drivers := map[string]bool{}
	for _, m := range rep.Moves {
		drivers[m.From] = true
		drivers[m.To] = true
	}
	rec := runlog.Record{
		Kind:    runlog.KindRedistribute,
		Trigger: "manual",
		Counts:  map[string]int{"moves": len(rep.Moves), "improvement": rep.Improvement},
		Drivers: sortedKeys(drivers),
	}
	s.appendRun(ctx, start, rec, err)
	return rep, err
}

// AutoAssignIDs fills missing job ids, order numbers and cluster ids.
func (s *Service) AutoAssignIDs(ctx context.Context) (ids.Report, error) {
	return s.IDs.Run(ctx)
}

// CreateBatchPlan groups clusters and jobs into a named plan.
func (s *Service) CreateBatchPlan(ctx context.Context, name string, clusterIDs, refs []string) (batch.Plan, error) {
	return s.Batches.Create(ctx, name, clusterIDs, refs)
}

// CloseBatch releases a plan's jobs.
func (s *Service) CloseBatch(ctx context.Context, id string) (model.BatchPlan, error) {
	return s.Batches.Close(ctx, id)
}

// ListBatches returns stored plans.
func (s *Service) ListBatches(ctx context.Context, openOnly bool) ([]model.BatchPlan, error) {
	return s.Batches.List(ctx, openOnly)
}

// GetBatch returns one plan with its jobs.
func (s *Service) GetBatch(ctx context.Context, id string) (batch.Plan, error) {
	return s.Batches.Get(ctx, id)
}

// ExportPlans resolves the named plans, or every plan when batchIDs is empty.
func (s *Service) ExportPlans(ctx context.Context, batchIDs []string, openOnly bool) ([]batch.Plan, error) {
	if len(batchIDs) == 0 {
		list, err := s.Batches.List(ctx, openOnly)
		if err != nil {
			return nil, err
		}
		for _, b := range list {
			batchIDs = append(batchIDs, b.ID)
		}
	}
	plans := make([]batch.Plan, 0, len(batchIDs))
	for _, id := range batchIDs {
		p, err := s.Batches.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// RunPipeline executes one pipeline pass.
func (s *Service) RunPipeline(ctx context.Context, trigger string) (pipeline.Report, error) {
	return s.Pipeline.Run(ctx, trigger)
}

// PipelineRunning reports whether this process is executing a run.
func (s *Service) PipelineRunning() bool { return s.guard.Running() }

// QueryRuns searches the run log. It returns nothing when the run log is
// disabled.
func (s *Service) QueryRuns(ctx context.Context, q runlog.Query) ([]runlog.Record, error) {
	if s.RunLog == nil {
		return []runlog.Record{}, nil
	}
	return s.RunLog.Query(ctx, q)
}

// ListJobs returns jobs matching f.
func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	return s.Store.ListJobs(ctx, f)
}

// GetJob returns one job.
func (s *Service) GetJob(ctx context.Context, ref string) (model.Job, error) {
	j, err := s.Store.GetJob(ctx, ref)
	if err != nil {
		return model.Job{}, store.AsUnknown(err, fleeterr.ReasonUnknownJob, "job "+ref)
	}
	return j, nil
}

// ListDrivers returns every driver.
func (s *Service) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	return s.Store.ListDrivers(ctx)
}

// Import reads a workbook into the store.
func (s *Service) Import(ctx context.Context, r io.Reader) (sheet.Report, error) {
	return s.Importer.Import(ctx, r)
}

// Ready checks the record store.
func (s *Service) Ready(ctx context.Context) error {
	st := s.Store
	if r, ok := st.(*store.Retrying); ok {
		st = r.Unwrap()
	}
	if p, ok := st.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := s.Store.ListDrivers(ctx)
	return err
}

// appendRun completes rec and writes it to the run log. Failures are
// logged only.
func (s *Service) appendRun(ctx context.Context, start time.Time, rec runlog.Record, runErr error) {
	if s.RunLog == nil {
		return
	}
	rec.Timestamp = start.UTC()
	rec.RunID = uuid.NewString()
	rec.DurationMS = s.now().Sub(start).Milliseconds()
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := s.RunLog.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Errorf("run log append failed: %v", err)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
