package model

import (
	"fmt"
	"time"
)

// JobStatus tracks where a job sits in its lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
)

// Leg is the position a job holds inside an approved cluster.
type Leg string

const (
	LegNone    Leg = ""
	LegForward Leg = "Forward"
	LegReturn  Leg = "Return"
)

// Valid reports whether l is one of the known leg values.
func (l Leg) Valid() bool {
	return l == LegNone || l == LegForward || l == LegReturn
}

// Job is a single collection/delivery work item.
//
// Ref is the immutable store key given at ingestion. ID is the business
// job_id allocated once by the ID allocator and may be empty until then.
type Job struct {
	Ref                string    `json:"ref"`
	ID                 string    `json:"job_id,omitempty"`
	CollectionPostcode string    `json:"collection_postcode"`
	DeliveryPostcode   string    `json:"delivery_postcode"`
	CollectionDate     time.Time `json:"collection_date,omitempty"`
	DeliveryDate       time.Time `json:"delivery_date,omitempty"`
	SelectedDriver     string    `json:"selected_driver,omitempty"`
	Sequence           int       `json:"driver_order_sequence,omitempty"`
	Leg                Leg       `json:"forward_return_flag,omitempty"`
	ClusterID          string    `json:"cluster_id,omitempty"`
	OrderNo            string    `json:"order_no,omitempty"`
	Status             JobStatus `json:"status"`
	Active             bool      `json:"is_active"`
	AssignedAt         time.Time `json:"assigned_at,omitempty"`
	CompletedAt        time.Time `json:"completed_at,omitempty"`
	Version            int64     `json:"version"`
}

// Assigned reports whether the job has a driver.
func (j Job) Assigned() bool { return j.SelectedDriver != "" }

// Completed reports whether the job has finished.
func (j Job) Completed() bool { return j.Status == JobCompleted }

// Clustered reports whether the job belongs to an approved cluster.
func (j Job) Clustered() bool { return j.ClusterID != "" }

// Open reports whether the job still counts against driver capacity.
func (j Job) Open() bool { return !j.Completed() }

// Window returns the date window spanned by the job. A missing delivery
// date collapses the window to the collection date.
func (j Job) Window() (start, end time.Time) {
	start, end = j.CollectionDate, j.DeliveryDate
	if end.IsZero() || end.Before(start) {
		end = start
	}
	return start, end
}

// Validate checks the fields the engines rely on.
func (j Job) Validate() error {
	if j.Ref == "" {
		return fmt.Errorf("job ref is required")
	}
	if !j.Leg.Valid() {
		return fmt.Errorf("job %s: unknown forward_return_flag %q", j.Ref, j.Leg)
	}
	if (j.Leg == LegNone) != (j.ClusterID == "") {
		return fmt.Errorf("job %s: cluster_id and forward_return_flag must be set together", j.Ref)
	}
	if j.Sequence < 0 {
		return fmt.Errorf("job %s: negative sequence", j.Ref)
	}
	switch j.Status {
	case JobPending, JobActive, JobCompleted:
	default:
		return fmt.Errorf("job %s: unknown status %q", j.Ref, j.Status)
	}
	return nil
}
