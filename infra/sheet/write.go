package sheet

import (
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"

	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/pkg/export"
)

// Sheets written by WriteBatches.
const (
	BatchesSheet   = "Batches"
	BatchJobsSheet = "Batch Jobs"
)

// WriteBatches writes a summary sheet with one row per plan and a detail
// sheet with one row per job.
func WriteBatches(w io.Writer, plans []batch.Plan) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// Rename the default sheet instead of leaving an empty "Sheet1".
	if err := f.SetSheetName(f.GetSheetName(0), BatchesSheet); err != nil {
		return errors.Wrap(err, "name summary sheet")
	}
	if _, err := f.NewSheet(BatchJobsSheet); err != nil {
		return errors.Wrap(err, "add jobs sheet")
	}

	summary := [][]any{{"batch_id", "name", "status", "created_at", "clusters", "jobs"}}
	for _, p := range plans {
		created := ""
		if !p.Batch.CreatedAt.IsZero() {
			created = p.Batch.CreatedAt.UTC().Format("2006-01-02 15:04")
		}
		summary = append(summary, []any{
			p.Batch.ID, p.Batch.Name, string(p.Batch.Status), created,
			len(p.Batch.ClusterIDs), len(p.Jobs),
		})
	}
	if err := writeRows(f, BatchesSheet, summary); err != nil {
		return err
	}

	detail := [][]any{toAny(export.Header)}
	for _, p := range plans {
		for _, j := range p.Jobs {
			row := toAny(export.Row(p.Batch, j))
			// keep the sequence numeric so the sheet sorts it properly
			if j.Sequence > 0 {
				row[6] = j.Sequence
			}
			detail = append(detail, row)
		}
	}
	if err := writeRows(f, BatchJobsSheet, detail); err != nil {
		return err
	}

	_ = f.SetColWidth(BatchesSheet, "A", "A", 10)
	_ = f.SetColWidth(BatchesSheet, "B", "B", 28)
	_ = f.SetColWidth(BatchesSheet, "D", "D", 18)
	_ = f.SetColWidth(BatchJobsSheet, "A", "O", 16)
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return errors.Wrap(err, "xlsx write")
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return errors.Wrapf(err, "write %s row %s", sheet, strconv.Itoa(i+1))
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
