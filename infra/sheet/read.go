// Package sheet moves jobs and drivers between XLSX workbooks and the
// record store. Rows are validated one by one; a bad row is reported and
// skipped without failing the whole import.
package sheet

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"

	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/model"
)

// Sheet names looked up case-insensitively.
const (
	JobsSheet    = "Jobs"
	DriversSheet = "Drivers"
)

// RowError describes a rejected row. Row is 1-based as shown in a
// spreadsheet application.
type RowError struct {
	Sheet string `json:"sheet"`
	Row   int    `json:"row"`
	Key   string `json:"key,omitempty"`
	Err   string `json:"error"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s row %d: %s", e.Sheet, e.Row, e.Err)
}

// Workbook holds the parsed rows.
type Workbook struct {
	Jobs     []model.Job
	Drivers  []model.Driver
	Rejected []RowError

	// sheet row of each parsed record
	jobRows, driverRows []int
}

var jobColumns = map[string]string{
	"ref":                 "ref",
	"job_ref":             "ref",
	"job_id":              "job_id",
	"collection_postcode": "collection_postcode",
	"pickup_postcode":     "collection_postcode",
	"delivery_postcode":   "delivery_postcode",
	"dropoff_postcode":    "delivery_postcode",
	"collection_date":     "collection_date",
	"delivery_date":       "delivery_date",
}

var driverColumns = map[string]string{
	"name":        "name",
	"driver":      "name",
	"driver_name": "name",
	"postcode":    "postcode",
	"region":      "region",
	"available":   "available",
	"max_per_day": "max_per_day",
	"capacity":    "max_per_day",
}

// Read parses a workbook. Jobs come from the "Jobs" sheet, or the first
// sheet when neither known sheet exists; drivers from "Drivers".
func Read(r io.Reader) (Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Workbook{}, errors.Wrap(err, "open workbook")
	}
	defer func() { _ = f.Close() }()

	var wb Workbook
	sheets := f.GetSheetList()
	jobsName, driversName := find(sheets, JobsSheet), find(sheets, DriversSheet)
	if jobsName == "" && driversName == "" && len(sheets) > 0 {
		jobsName = sheets[0]
	}
	if jobsName != "" {
		rows, err := f.GetRows(jobsName, excelize.Options{RawCellValue: true})
		if err != nil {
			return Workbook{}, errors.Wrapf(err, "read sheet %s", jobsName)
		}
		wb.Jobs, wb.jobRows, wb.Rejected = parseJobs(f, jobsName, rows)
	}
	if driversName != "" {
		rows, err := f.GetRows(driversName, excelize.Options{RawCellValue: true})
		if err != nil {
			return Workbook{}, errors.Wrapf(err, "read sheet %s", driversName)
		}
		var rej []RowError
		wb.Drivers, wb.driverRows, rej = parseDrivers(driversName, rows)
		wb.Rejected = append(wb.Rejected, rej...)
	}
	return wb, nil
}

func find(sheets []string, name string) string {
	for _, s := range sheets {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return s
		}
	}
	return ""
}

// header maps canonical column names to indexes.
func header(row []string, known map[string]string) map[string]int {
	idx := map[string]int{}
	for i, h := range row {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
		if c, ok := known[key]; ok {
			if _, dup := idx[c]; !dup {
				idx[c] = i
			}
		}
	}
	return idx
}

func cell(row []string, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseJobs(f *excelize.File, sheet string, rows [][]string) ([]model.Job, []int, []RowError) {
	if len(rows) == 0 {
		return nil, nil, nil
	}
	idx := header(rows[0], jobColumns)
	if _, ok := idx["ref"]; !ok {
		return nil, nil, []RowError{{Sheet: sheet, Row: 1, Err: "missing ref column"}}
	}
	var (
		jobs []model.Job
		at   []int
		rej  []RowError
		seen = map[string]int{}
	)
	for i, row := range rows[1:] {
		n := i + 2
		if blank(row) {
			continue
		}
		ref := cell(row, idx, "ref")
		reject := func(format string, args ...any) {
			rej = append(rej, RowError{Sheet: sheet, Row: n, Key: ref, Err: fmt.Sprintf(format, args...)})
		}
		if ref == "" {
			reject("ref is required")
			continue
		}
		if first, dup := seen[ref]; dup {
			reject("duplicate ref, first seen on row %d", first)
			continue
		}
		j := model.Job{
			Ref:                ref,
			ID:                 cell(row, idx, "job_id"),
			CollectionPostcode: geo.NormalizePostcode(cell(row, idx, "collection_postcode")),
			DeliveryPostcode:   geo.NormalizePostcode(cell(row, idx, "delivery_postcode")),
			Status:             model.JobPending,
		}
		var err error
		if j.CollectionDate, err = parseDate(f, cell(row, idx, "collection_date")); err != nil {
			reject("collection_date: %v", err)
			continue
		}
		if j.DeliveryDate, err = parseDate(f, cell(row, idx, "delivery_date")); err != nil {
			reject("delivery_date: %v", err)
			continue
		}
		if !j.DeliveryDate.IsZero() && j.DeliveryDate.Before(j.CollectionDate) {
			reject("delivery_date before collection_date")
			continue
		}
		if err := j.Validate(); err != nil {
			reject("%v", err)
			continue
		}
		seen[ref] = n
		jobs = append(jobs, j)
		at = append(at, n)
	}
	return jobs, at, rej
}

func parseDrivers(sheet string, rows [][]string) ([]model.Driver, []int, []RowError) {
	if len(rows) == 0 {
		return nil, nil, nil
	}
	idx := header(rows[0], driverColumns)
	if _, ok := idx["name"]; !ok {
		return nil, nil, []RowError{{Sheet: sheet, Row: 1, Err: "missing name column"}}
	}
	var (
		drivers []model.Driver
		at      []int
		rej     []RowError
		seen    = map[string]bool{}
	)
	for i, row := range rows[1:] {
		n := i + 2
		if blank(row) {
			continue
		}
		name := model.NormalizeName(cell(row, idx, "name"))
		reject := func(format string, args ...any) {
			rej = append(rej, RowError{Sheet: sheet, Row: n, Key: name, Err: fmt.Sprintf(format, args...)})
		}
		if seen[name] {
			reject("duplicate driver")
			continue
		}
		d := model.Driver{
			Name:      name,
			Postcode:  geo.NormalizePostcode(cell(row, idx, "postcode")),
			Region:    cell(row, idx, "region"),
			Available: true,
		}
		if v := cell(row, idx, "available"); v != "" {
			ok, err := parseBool(v)
			if err != nil {
				reject("available: %v", err)
				continue
			}
			d.Available = ok
		}
		if v := cell(row, idx, "max_per_day"); v != "" {
			m, err := strconv.Atoi(v)
			if err != nil {
				reject("max_per_day: %q is not a whole number", v)
				continue
			}
			d.MaxPerDay = m
		}
		if err := d.Validate(); err != nil {
			reject("%v", err)
			continue
		}
		seen[name] = true
		drivers = append(drivers, d)
		at = append(at, n)
	}
	return drivers, at, rej
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "2/1/2006", time.RFC3339, "2006-01-02 15:04:05"}

// parseDate accepts ISO and day-first dates as well as Excel serial
// numbers. The time of day is dropped.
func parseDate(f *excelize.File, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, v); err == nil {
			return day(t), nil
		}
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		date1904 := false
		if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil && *props.Date1904 {
			date1904 = true
		}
		t, err := excelize.ExcelDateToTime(serial, date1904)
		if err == nil {
			return day(t), nil
		}
	}
	return time.Time{}, errors.Newf("unrecognised date %q", v)
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "y", "yes", "true", "1", "available":
		return true, nil
	case "n", "no", "false", "0", "unavailable":
		return false, nil
	}
	return false, errors.Newf("%q is not yes or no", v)
}
