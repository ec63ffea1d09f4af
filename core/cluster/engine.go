// Package cluster proposes and approves round-trip groupings of jobs.
//
// Two jobs link when the delivery point of one lies within the proximity
// threshold of the collection point of the other and their date windows
// are at most MaxDateGapDays apart. Suggestions are a pure read; only
// Approve writes cluster_id and forward_return_flag on the members.
package cluster

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/ids"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

const (
	proximityWeight = 0.7
	dateWeight      = 0.3
)

// Config tunes grouping.
type Config struct {
	ProximityMiles float64 `json:"proximity_miles"`
	// MaxDateGapDays bounds the gap between member date windows. A
	// negative value disables the date check.
	MaxDateGapDays int `json:"max_date_gap_days"`
	// MaxClusterSize caps group membership. Zero lets groups grow as long
	// as every member links to every other.
	MaxClusterSize int `json:"max_cluster_size"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.ProximityMiles <= 0 {
		c.ProximityMiles = 10
	}
	if c.MaxDateGapDays == 0 {
		c.MaxDateGapDays = 1
	}
	if c.MaxClusterSize < 0 {
		c.MaxClusterSize = 0
	}
}

// Skip reports a job left out of a suggestion pass.
type Skip struct {
	JobRef string `json:"job_ref"`
	Reason string `json:"reason"`
}

// Suggestions is the ranked output of Suggest.
type Suggestions struct {
	Clusters []model.Cluster `json:"clusters"`
	Skipped  []Skip          `json:"skipped"`
}

// Engine groups jobs into clusters.
type Engine struct {
	jobs     store.JobStore
	geocoder geo.Geocoder
	cfg      Config
	log      logger.Logger
	bus      eventbus.EventBus
	metrics  metrics.MetricsSink
	now      func() time.Time
}

// NewEngine validates its dependencies. bus and sink may be nil.
func NewEngine(cfg Config, jobs store.JobStore, g geo.Geocoder, log logger.Logger, bus eventbus.EventBus, sink metrics.MetricsSink) (*Engine, error) {
	if jobs == nil || g == nil || log == nil {
		return nil, errors.New("cluster: nil parameter provided to NewEngine")
	}
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Engine{jobs: jobs, geocoder: g, cfg: cfg, log: log, bus: bus, metrics: sink, now: time.Now}, nil
}

type node struct {
	job         model.Job
	coll, deliv geo.Point
}

type pair struct {
	a, b   int
	score  float64
	detour float64
}

// Suggest ranks candidate clusters among open, unclustered jobs. Jobs whose
// postcodes cannot be resolved are reported in Skipped. Nothing is written.
func (e *Engine) Suggest(ctx context.Context) (Suggestions, error) {
	all, err := e.jobs.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return Suggestions{}, err
	}
	model.SortJobs(all)
	idx := geo.IndexFrom(ctx, e.geocoder)

	out := Suggestions{Clusters: []model.Cluster{}, Skipped: []Skip{}}
	var nodes []node
	for _, j := range all {
		if j.Clustered() || j.Completed() || j.Leg != model.LegNone {
			continue
		}
		n, err := resolve(ctx, idx, j)
		if err != nil {
			if ctx.Err() != nil {
				return Suggestions{}, ctx.Err()
			}
			e.log.Warnf("job %s skipped for clustering: %v", j.Ref, err)
			out.Skipped = append(out.Skipped, Skip{JobRef: j.Ref, Reason: err.Error()})
			continue
		}
		nodes = append(nodes, n)
	}

	var pairs []pair
	for i := range nodes {
		for k := i + 1; k < len(nodes); k++ {
			if p, ok := e.link(nodes, i, k); ok {
				pairs = append(pairs, p)
			}
		}
	}
	sort.SliceStable(pairs, func(x, y int) bool {
		if pairs[x].score != pairs[y].score {
			return pairs[x].score > pairs[y].score
		}
		return pairs[x].detour < pairs[y].detour
	})

	used := make([]bool, len(nodes))
	for _, p := range pairs {
		if used[p.a] || used[p.b] {
			continue
		}
		group := []int{p.a, p.b}
		for c := range nodes {
			if e.cfg.MaxClusterSize > 0 && len(group) >= e.cfg.MaxClusterSize {
				break
			}
			if used[c] || c == p.a || c == p.b {
				continue
			}
			if e.linksAll(nodes, group, c) {
				group = append(group, c)
			}
		}
		for _, g := range group {
			used[g] = true
		}
		out.Clusters = append(out.Clusters, e.build(nodes, group))
	}

	sort.SliceStable(out.Clusters, func(x, y int) bool {
		a, b := out.Clusters[x], out.Clusters[y]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DetourMiles != b.DetourMiles {
			return a.DetourMiles < b.DetourMiles
		}
		return model.CompareRefs(a.Members[0], b.Members[0]) < 0
	})
	plans, err := ids.RecordedPlans(ctx, e.jobs)
	if err != nil {
		return Suggestions{}, err
	}
	next := ids.NextClusterSeq(all, plans)
	jobs := 0
	for i := range out.Clusters {
		out.Clusters[i].ID = ids.Format(ids.ClusterPrefix, next+i)
		jobs += len(out.Clusters[i].Members)
	}

	e.log.Infof("suggested %d clusters over %d jobs (%d skipped)", len(out.Clusters), jobs, len(out.Skipped))
	e.recordMetrics(metrics.ClusterEvent{Action: "suggest", Clusters: len(out.Clusters), Jobs: jobs, Skipped: len(out.Skipped), Time: e.now()})
	return out, nil
}

func resolve(ctx context.Context, idx *geo.Index, j model.Job) (node, error) {
	coll, err := idx.Resolve(ctx, j.CollectionPostcode)
	if err != nil {
		return node{}, err
	}
	deliv, err := idx.Resolve(ctx, j.DeliveryPostcode)
	if err != nil {
		return node{}, err
	}
	return node{job: j, coll: coll, deliv: deliv}, nil
}

// link reports whether nodes i and k can share a cluster and scores them.
func (e *Engine) link(nodes []node, i, k int) (pair, bool) {
	a, b := nodes[i], nodes[k]
	gap, known := DateGapDays(a.job, b.job)
	if known && e.cfg.MaxDateGapDays >= 0 && gap > e.cfg.MaxDateGapDays {
		return pair{}, false
	}
	ab := geo.DistanceMiles(a.deliv, b.coll)
	ba := geo.DistanceMiles(b.deliv, a.coll)
	if math.Min(ab, ba) > e.cfg.ProximityMiles {
		return pair{}, false
	}
	return pair{a: i, b: k, score: e.score(ab, ba, gap, known), detour: ab + ba}, true
}

func (e *Engine) linksAll(nodes []node, group []int, c int) bool {
	for _, g := range group {
		if _, ok := e.link(nodes, g, c); !ok {
			return false
		}
	}
	return true
}

// score blends proximity and date alignment into 0..1.
func (e *Engine) score(ab, ba float64, gap int, known bool) float64 {
	closeness := func(d float64) float64 {
		return math.Max(0, 1-d/e.cfg.ProximityMiles)
	}
	prox := (closeness(ab) + closeness(ba)) / 2
	date := 0.5
	if known {
		date = 1 / float64(1+gap)
	}
	return round3(proximityWeight*prox + dateWeight*date)
}

// build materializes a suggestion for group. Members are listed in ref
// order, which is the order Approve assigns flags in.
func (e *Engine) build(nodes []node, group []int) model.Cluster {
	sort.Slice(group, func(x, y int) bool {
		return model.CompareRefs(nodes[group[x]].job.Ref, nodes[group[y]].job.Ref) < 0
	})
	c := model.Cluster{Members: make([]string, 0, len(group))}
	var total float64
	var links int
	for x := range group {
		c.Members = append(c.Members, nodes[group[x]].job.Ref)
		for y := x + 1; y < len(group); y++ {
			p, _ := e.link(nodes, group[x], group[y])
			total += p.score
			links++
			if gap, known := DateGapDays(nodes[group[x]].job, nodes[group[y]].job); known && gap > c.DateGapDays {
				c.DateGapDays = gap
			}
		}
		next := nodes[group[(x+1)%len(group)]]
		c.DetourMiles += geo.DistanceMiles(nodes[group[x]].deliv, next.coll)
	}
	if links > 0 {
		c.Score = round3(total / float64(links))
	}
	c.DetourMiles = round3(c.DetourMiles)
	return c
}

// DateGapDays returns the whole days separating the date windows of a and
// b, 0 when they overlap. known is false when either job has no dates.
func DateGapDays(a, b model.Job) (gap int, known bool) {
	as, ae := a.Window()
	bs, be := b.Window()
	if as.IsZero() || bs.IsZero() {
		return 0, false
	}
	var d time.Duration
	switch {
	case bs.After(ae):
		d = bs.Sub(ae)
	case as.After(be):
		d = as.Sub(be)
	}
	return int(d.Hours() / 24), true
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func (e *Engine) recordMetrics(ev metrics.ClusterEvent) {
	if rec, ok := e.metrics.(metrics.ClusterRecorder); ok {
		if err := rec.RecordCluster(ev); err != nil {
			e.log.Errorf("metrics error: %v", err)
		}
	}
}
