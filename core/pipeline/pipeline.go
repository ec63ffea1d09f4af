// Package pipeline runs the engine stages in order: suggest clusters,
// approve them, assign drivers, allocate identifiers, enforce queue
// sequencing and optionally redistribute. Overlapping triggers are dropped.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kilianp07/fleetjobs/core/assign"
	"github.com/kilianp07/fleetjobs/core/cluster"
	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/ids"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/monitoring"
	"github.com/kilianp07/fleetjobs/core/redistribute"
	"github.com/kilianp07/fleetjobs/core/runlog"
	"github.com/kilianp07/fleetjobs/core/sequence"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

// Stage names.
const (
	StageSuggest      = "suggest"
	StageApprove      = "approve"
	StageAssign       = "assign"
	StageIDs          = "allocate_ids"
	StageSequence     = "sequence"
	StageRedistribute = "redistribute"
)

// ErrRunInProgress is returned when a trigger arrives while a run holds
// the guard.
var ErrRunInProgress = fleeterr.Conflict(fleeterr.ReasonRunInProgress, "a pipeline run is already executing")

// Config selects optional stages.
type Config struct {
	// AutoApprove approves suggestions scoring at least MinScore. Without
	// it suggestions are only reported.
	AutoApprove  bool    `json:"auto_approve"`
	MinScore     float64 `json:"min_score"`
	Redistribute bool    `json:"redistribute"`
}

// StageResult records one executed stage.
type StageResult struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Report summarizes one run.
type Report struct {
	RunID          string        `json:"run_id"`
	Trigger        string        `json:"trigger"`
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Suggested      int           `json:"suggested"`
	Approved       int           `json:"approved"`
	Assigned       int           `json:"assigned"`
	AssignFailures int           `json:"assign_failures"`
	IDsIssued      int           `json:"ids_issued"`
	Renumbered     int           `json:"renumbered"`
	Moves          int           `json:"moves"`
	Stages         []StageResult `json:"stages"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	Error          string        `json:"error,omitempty"`

	drivers map[string]bool
}

// Deps groups the collaborators of a Pipeline. Redistribute, Guard,
// RunLog, Bus and Metrics are optional.
type Deps struct {
	Clusters     *cluster.Engine
	Assign       *assign.Engine
	IDs          *ids.Allocator
	Sequencer    *sequence.Engine
	Redistribute *redistribute.Engine
	Guard        Guard
	RunLog       runlog.Store
	Log          logger.Logger
	Bus          eventbus.EventBus
	Metrics      metrics.MetricsSink
}

// Pipeline executes the stages in sequence.
type Pipeline struct {
	cfg Config
	d   Deps
	now func() time.Time
}

// New validates d. A LocalGuard is used when none is given.
func New(cfg Config, d Deps) (*Pipeline, error) {
	if d.Clusters == nil || d.Assign == nil || d.IDs == nil || d.Sequencer == nil || d.Log == nil {
		return nil, errors.New("pipeline: nil parameter provided to New")
	}
	if cfg.Redistribute && d.Redistribute == nil {
		return nil, errors.New("pipeline: redistribution enabled without an engine")
	}
	if d.Guard == nil {
		d.Guard = &LocalGuard{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NopSink{}
	}
	return &Pipeline{cfg: cfg, d: d, now: time.Now}, nil
}

// Trigger runs the pipeline and discards the report. It satisfies the
// scheduler's runner interface.
func (p *Pipeline) Trigger(ctx context.Context, source string) error {
	_, err := p.Run(ctx, source)
	return err
}

// Run executes one pipeline pass. It returns ErrRunInProgress without
// doing anything when another run holds the guard. A failing stage stops
// the run; the report lists what completed before it.
func (p *Pipeline) Run(ctx context.Context, trigger string) (Report, error) {
	release, ok, err := p.d.Guard.TryAcquire(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "acquire pipeline guard")
	}
	if !ok {
		p.d.Log.Debugf("pipeline trigger %q dropped: run in progress", trigger)
		p.recordRun(metrics.PipelineRunEvent{Trigger: trigger, Skipped: true, Time: p.now()})
		return Report{}, ErrRunInProgress
	}
	defer release()

	rep := Report{RunID: uuid.NewString(), Trigger: trigger, Started: p.now().UTC(), Stages: []StageResult{}, drivers: map[string]bool{}}
	// One geocode cache for every stage of this run.
	ctx = p.d.Assign.WithIndex(ctx)
	log := logger.With(p.d.Log, map[string]any{"run_id": rep.RunID, "trigger": trigger})
	log.Infof("pipeline run %s started (%s)", rep.RunID, trigger)

	runErr := p.stages(ctx, &rep)
	rep.Duration = p.now().Sub(rep.Started)
	if runErr != nil {
		rep.Error = runErr.Error()
		log.Errorf("pipeline run %s failed at %s: %v", rep.RunID, rep.FailedStage, runErr)
		if !fleeterr.IsKind(runErr, fleeterr.KindConflict) {
			monitoring.CaptureException(runErr, map[string]string{"component": "pipeline", "stage": rep.FailedStage})
		}
	} else {
		log.Infof("pipeline run %s done in %s: %d approved, %d assigned, %d ids", rep.RunID, rep.Duration, rep.Approved, rep.Assigned, rep.IDsIssued)
	}
	p.finish(ctx, rep, runErr)
	return rep, runErr
}

func (p *Pipeline) stages(ctx context.Context, rep *Report) error {
	var sug cluster.Suggestions
	steps := []struct {
		name string
		skip bool
		fn   func() error
	}{
		{StageSuggest, false, func() error {
			var err error
			sug, err = p.d.Clusters.Suggest(ctx)
			rep.Suggested = len(sug.Clusters)
			return err
		}},
		{StageApprove, !p.cfg.AutoApprove, func() error {
			n, failures := p.d.Clusters.ApproveAll(ctx, sug, p.cfg.MinScore)
			rep.Approved = n
			if len(failures) > 0 {
				p.d.Log.Warnf("%d cluster approvals failed", len(failures))
			}
			return ctx.Err()
		}},
		{StageAssign, false, func() error {
			br, err := p.d.Assign.AssignPending(ctx)
			rep.Assigned = br.SuccessCount
			rep.AssignFailures = br.ErrorCount
			for _, a := range br.Assigned {
				rep.drivers[a.Driver] = true
			}
			return err
		}},
		{StageIDs, false, func() error {
			ir, err := p.d.IDs.Run(ctx)
			rep.IDsIssued = ir.Total()
			return err
		}},
		{StageSequence, false, func() error {
			sr, err := p.d.Sequencer.EnforceAll(ctx)
			rep.Renumbered = sr.Renumbered
			return err
		}},
		{StageRedistribute, !p.cfg.Redistribute, func() error {
			rr, err := p.d.Redistribute.Run(ctx)
			rep.Moves = len(rr.Moves)
			for _, m := range rr.Moves {
				rep.drivers[m.From] = true
				rep.drivers[m.To] = true
			}
			return err
		}},
	}
	for _, s := range steps {
		if s.skip {
			continue
		}
		start := p.now()
		err := s.fn()
		res := StageResult{Name: s.name, DurationMS: p.now().Sub(start).Milliseconds()}
		if err != nil {
			res.Error = err.Error()
			rep.Stages = append(rep.Stages, res)
			rep.FailedStage = s.name
			return errors.Wrapf(err, "stage %s", s.name)
		}
		rep.Stages = append(rep.Stages, res)
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, rep Report, runErr error) {
	drivers := make([]string, 0, len(rep.drivers))
	for d := range rep.drivers {
		drivers = append(drivers, d)
	}
	sort.Strings(drivers)

	if p.d.RunLog != nil {
		rec := runlog.Record{
			Timestamp:  rep.Started,
			RunID:      rep.RunID,
			Kind:       runlog.KindPipeline,
			Trigger:    rep.Trigger,
			DurationMS: rep.Duration.Milliseconds(),
			Counts: map[string]int{
				"suggested":  rep.Suggested,
				"approved":   rep.Approved,
				"assigned":   rep.Assigned,
				"failed":     rep.AssignFailures,
				"ids":        rep.IDsIssued,
				"renumbered": rep.Renumbered,
				"moves":      rep.Moves,
			},
			Drivers:     drivers,
			FailedStage: rep.FailedStage,
			Error:       rep.Error,
		}
		if err := p.d.RunLog.Append(context.WithoutCancel(ctx), rec); err != nil {
			p.d.Log.Errorf("run log append failed: %v", err)
		}
	}
	p.recordRun(metrics.PipelineRunEvent{
		RunID:       rep.RunID,
		Trigger:     rep.Trigger,
		Duration:    rep.Duration,
		Assigned:    rep.Assigned,
		Approved:    rep.Approved,
		IDsIssued:   rep.IDsIssued,
		Renumbered:  rep.Renumbered,
		FailedStage: rep.FailedStage,
		Time:        p.now(),
	})
	if p.d.Bus != nil {
		p.d.Bus.Publish(events.PipelineFinished{
			RunID:       rep.RunID,
			Trigger:     rep.Trigger,
			Duration:    rep.Duration,
			Assigned:    rep.Assigned,
			Approved:    rep.Approved,
			IDsIssued:   rep.IDsIssued,
			FailedStage: rep.FailedStage,
			Err:         runErr,
		})
	}
}

func (p *Pipeline) recordRun(ev metrics.PipelineRunEvent) {
	if rec, ok := p.d.Metrics.(metrics.PipelineRecorder); ok {
		if err := rec.RecordPipelineRun(ev); err != nil {
			p.d.Log.Errorf("metrics error: %v", err)
		}
	}
}
