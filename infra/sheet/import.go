package sheet

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

// Report counts what an import did.
type Report struct {
	Inserted  int        `json:"inserted"`
	Updated   int        `json:"updated"`
	Unchanged int        `json:"unchanged"`
	Rejected  []RowError `json:"rejected"`
}

// Importer writes parsed rows to the store.
type Importer struct {
	jobs    store.JobStore
	drivers store.DriverStore
	log     logger.Logger
}

// NewImporter validates its dependencies.
func NewImporter(jobs store.JobStore, drivers store.DriverStore, log logger.Logger) (*Importer, error) {
	if jobs == nil || drivers == nil || log == nil {
		return nil, errors.New("sheet: nil parameter provided to NewImporter")
	}
	return &Importer{jobs: jobs, drivers: drivers, log: log}, nil
}

// Import reads a workbook and upserts its drivers and jobs.
//
// A new job is inserted as pending. For a known job only the source
// columns (postcodes and dates) are refreshed, and an empty job_id is
// filled from the sheet; assignment state is kept. Completed jobs are
// left alone. Drivers are replaced field by field.
func (im *Importer) Import(ctx context.Context, r io.Reader) (Report, error) {
	wb, err := Read(r)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Rejected: append([]RowError{}, wb.Rejected...)}
	for i, d := range wb.Drivers {
		if err := im.upsertDriver(ctx, d, &rep); err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Rejected = append(rep.Rejected, RowError{Sheet: DriversSheet, Row: wb.driverRows[i], Key: d.Name, Err: err.Error()})
		}
	}
	for i, j := range wb.Jobs {
		if err := im.upsertJob(ctx, j, &rep); err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Rejected = append(rep.Rejected, RowError{Sheet: JobsSheet, Row: wb.jobRows[i], Key: j.Ref, Err: err.Error()})
		}
	}
	im.log.Infof("import: %d inserted, %d updated, %d unchanged, %d rejected", rep.Inserted, rep.Updated, rep.Unchanged, len(rep.Rejected))
	return rep, nil
}

func (im *Importer) upsertDriver(ctx context.Context, d model.Driver, rep *Report) error {
	cur, err := im.drivers.GetDriver(ctx, d.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := im.drivers.SaveDriver(ctx, d); err != nil {
			return err
		}
		rep.Inserted++
		return nil
	case err != nil:
		return err
	}
	d.Version = cur.Version
	if d == cur {
		rep.Unchanged++
		return nil
	}
	if _, err := im.drivers.SaveDriver(ctx, d); err != nil {
		return store.AsConflict(err, "driver %s changed during import", d.Name)
	}
	rep.Updated++
	return nil
}

func (im *Importer) upsertJob(ctx context.Context, j model.Job, rep *Report) error {
	cur, err := im.jobs.GetJob(ctx, j.Ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := im.jobs.SaveJob(ctx, j); err != nil {
			return err
		}
		rep.Inserted++
		return nil
	case err != nil:
		return err
	}
	if cur.Completed() {
		rep.Unchanged++
		return nil
	}
	next := cur
	next.CollectionPostcode = j.CollectionPostcode
	next.DeliveryPostcode = j.DeliveryPostcode
	next.CollectionDate = j.CollectionDate
	next.DeliveryDate = j.DeliveryDate
	if next.ID == "" {
		next.ID = j.ID
	}
	if next == cur {
		rep.Unchanged++
		return nil
	}
	if _, err := im.jobs.SaveJob(ctx, next); err != nil {
		return store.AsConflict(err, "job %s changed during import", j.Ref)
	}
	rep.Updated++
	return nil
}
