package cluster

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

// Member is the flag written on one approved job.
type Member struct {
	JobRef string    `json:"job_ref"`
	Leg    model.Leg `json:"forward_return_flag"`
}

// Approval describes the outcome of Approve.
type Approval struct {
	ClusterID string   `json:"cluster_id"`
	Members   []Member `json:"members"`
	Updated   int      `json:"updated"`
}

type flagWrite struct{ before, after model.Job }

// Approve writes clusterID and the positional flags onto refs. The member
// sorting first by ref receives Forward, the others Return. Approving the
// same membership again writes nothing. Jobs already in another cluster are
// rejected before any write happens.
func (e *Engine) Approve(ctx context.Context, clusterID string, refs []string) (Approval, error) {
	clusterID = strings.TrimSpace(clusterID)
	if clusterID == "" {
		return Approval{}, fleeterr.Validation(fleeterr.ReasonInvalidInput, "cluster id is required")
	}
	members := append([]string(nil), refs...)
	model.SortRefs(members)
	if len(members) < 2 {
		return Approval{}, fleeterr.Validation(fleeterr.ReasonInvalidInput, "cluster %s needs at least two jobs", clusterID)
	}
	for i := 1; i < len(members); i++ {
		if members[i] == members[i-1] {
			return Approval{}, fleeterr.Validation(fleeterr.ReasonInvalidInput, "job %s listed twice in cluster %s", members[i], clusterID)
		}
	}

	jobs := make([]model.Job, len(members))
	for i, ref := range members {
		j, err := e.jobs.GetJob(ctx, ref)
		if err != nil {
			return Approval{}, store.AsUnknown(err, fleeterr.ReasonUnknownJob, ref)
		}
		if j.Completed() {
			return Approval{}, fleeterr.Validation(fleeterr.ReasonJobCompleted, "job %s is completed", ref)
		}
		if j.Clustered() && j.ClusterID != clusterID {
			return Approval{}, fleeterr.Conflict(fleeterr.ReasonAlreadyClustered, "job %s already belongs to cluster %s", ref, j.ClusterID)
		}
		jobs[i] = j
	}

	res := Approval{ClusterID: clusterID, Members: make([]Member, 0, len(jobs))}
	var written []flagWrite
	for i, j := range jobs {
		leg := model.LegFor(i)
		res.Members = append(res.Members, Member{JobRef: j.Ref, Leg: leg})
		if j.ClusterID == clusterID && j.Leg == leg {
			continue
		}
		next := j
		next.ClusterID = clusterID
		next.Leg = leg
		saved, err := e.jobs.SaveJob(ctx, next)
		if err != nil {
			e.rollback(ctx, clusterID, written)
			return Approval{}, errors.Wrapf(store.AsConflict(err, "job %s changed during approval", j.Ref), "approve %s", clusterID)
		}
		written = append(written, flagWrite{before: j, after: saved})
	}
	res.Updated = len(written)

	if res.Updated == 0 {
		e.log.Debugf("cluster %s already approved with %d members", clusterID, len(members))
		return res, nil
	}
	e.log.Infof("cluster %s approved: %v", clusterID, members)
	if e.bus != nil {
		e.bus.Publish(events.ClusterApproved{ClusterID: clusterID, Members: members, Updated: res.Updated})
	}
	e.recordMetrics(metrics.ClusterEvent{Action: "approve", Clusters: 1, Jobs: len(members), ClusterID: clusterID, Time: e.now()})
	return res, nil
}

// rollback restores the cluster fields of already written members.
func (e *Engine) rollback(ctx context.Context, clusterID string, written []flagWrite) {
	ctx = context.WithoutCancel(ctx)
	for k := len(written) - 1; k >= 0; k-- {
		w := written[k]
		restore := w.after
		restore.ClusterID = w.before.ClusterID
		restore.Leg = w.before.Leg
		if _, err := e.jobs.SaveJob(ctx, restore); err != nil {
			e.log.Errorf("restore %s after failed approval of %s: %v", w.before.Ref, clusterID, err)
		}
	}
}

// ApproveAll approves every suggestion scoring at least minScore. Failures
// are logged and counted; the pass continues with the next cluster.
func (e *Engine) ApproveAll(ctx context.Context, sug Suggestions, minScore float64) (approved int, failures map[string]string) {
	for _, c := range sug.Clusters {
		if c.Score < minScore {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		if _, err := e.Approve(ctx, c.ID, c.Members); err != nil {
			if failures == nil {
				failures = map[string]string{}
			}
			failures[c.ID] = err.Error()
			e.log.Warnf("auto approval of %s failed: %v", c.ID, err)
			continue
		}
		approved++
	}
	return approved, failures
}
