// Package sqlstore implements the record store on a SQL database. SQLite
// (modernc.org/sqlite) and Postgres (pgx) are supported. Records are kept
// as JSON documents next to the key, the version and the columns used for
// filtering; every save is a compare-and-set on the version column.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

// Config selects the database.
type Config struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// Store is a store.Store backed by database/sql.
type Store struct {
	db *sql.DB
	d  dialect
}

var _ store.Store = (*Store)(nil)

type table struct {
	name  string
	key   string
	extra []string
}

var (
	jobsTable    = table{name: "jobs", key: "ref", extra: []string{"driver", "cluster_id", "status"}}
	driversTable = table{name: "drivers", key: "name"}
	batchesTable = table{name: "batches", key: "id"}
)

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, ok := dialects[strings.ToLower(cfg.Driver)]
	if !ok {
		return nil, errors.Newf("sqlstore: unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}
	db, err := sql.Open(d.sqlDriver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d.name)
	}
	if d.serialize {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", d.name)
	}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, errors.CombineErrors(errors.Wrap(err, "create schema"), cerr)
			}
			return nil, errors.Wrap(err, "create schema")
		}
	}
	return &Store{db: db, d: d}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	var (
		conds []string
		args  []any
	)
	if f.Driver != "" {
		conds = append(conds, "driver = ?")
		args = append(args, f.Driver)
	}
	if f.ClusterID != "" {
		conds = append(conds, "cluster_id = ?")
		args = append(args, f.ClusterID)
	}
	if f.OpenOnly {
		conds = append(conds, "status <> ?")
		args = append(args, string(model.JobCompleted))
	}
	if f.Unassigned {
		conds = append(conds, "driver = ''")
	}
	res := []model.Job{}
	err := s.list(ctx, jobsTable, conds, args, func(version int64, doc []byte) error {
		var j model.Job
		if err := json.Unmarshal(doc, &j); err != nil {
			return err
		}
		j.Version = version
		if f.Match(j) {
			res = append(res, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	model.SortJobs(res)
	return res, nil
}

func (s *Store) GetJob(ctx context.Context, ref string) (model.Job, error) {
	var j model.Job
	v, err := s.get(ctx, jobsTable, ref, &j)
	if err != nil {
		return model.Job{}, err
	}
	j.Version = v
	return j, nil
}

func (s *Store) SaveJob(ctx context.Context, job model.Job) (model.Job, error) {
	prev := job.Version
	job.Version++
	doc, err := json.Marshal(job)
	if err != nil {
		return model.Job{}, errors.Wrapf(err, "encode job %s", job.Ref)
	}
	extra := []any{job.SelectedDriver, job.ClusterID, string(job.Status)}
	if err := s.cas(ctx, jobsTable, job.Ref, prev, extra, doc); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func (s *Store) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	res := []model.Driver{}
	err := s.list(ctx, driversTable, nil, nil, func(version int64, doc []byte) error {
		var d model.Driver
		if err := json.Unmarshal(doc, &d); err != nil {
			return err
		}
		d.Version = version
		res = append(res, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *Store) GetDriver(ctx context.Context, name string) (model.Driver, error) {
	var d model.Driver
	v, err := s.get(ctx, driversTable, name, &d)
	if err != nil {
		return model.Driver{}, err
	}
	d.Version = v
	return d, nil
}

func (s *Store) SaveDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	prev := d.Version
	d.Version++
	doc, err := json.Marshal(d)
	if err != nil {
		return model.Driver{}, errors.Wrapf(err, "encode driver %s", d.Name)
	}
	if err := s.cas(ctx, driversTable, d.Name, prev, nil, doc); err != nil {
		return model.Driver{}, err
	}
	return d, nil
}

func (s *Store) ListBatches(ctx context.Context) ([]model.BatchPlan, error) {
	res := []model.BatchPlan{}
	err := s.list(ctx, batchesTable, nil, nil, func(version int64, doc []byte) error {
		var b model.BatchPlan
		if err := json.Unmarshal(doc, &b); err != nil {
			return err
		}
		b.Version = version
		res = append(res, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return model.CompareRefs(res[i].ID, res[j].ID) < 0 })
	return res, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (model.BatchPlan, error) {
	var b model.BatchPlan
	v, err := s.get(ctx, batchesTable, id, &b)
	if err != nil {
		return model.BatchPlan{}, err
	}
	b.Version = v
	return b, nil
}

func (s *Store) SaveBatch(ctx context.Context, b model.BatchPlan) (model.BatchPlan, error) {
	prev := b.Version
	b.Version++
	doc, err := json.Marshal(b)
	if err != nil {
		return model.BatchPlan{}, errors.Wrapf(err, "encode batch %s", b.ID)
	}
	if err := s.cas(ctx, batchesTable, b.ID, prev, nil, doc); err != nil {
		return model.BatchPlan{}, err
	}
	return b, nil
}

func (s *Store) get(ctx context.Context, t table, key string, out any) (int64, error) {
	q := s.d.rebind("SELECT version, doc FROM " + t.name + " WHERE " + t.key + " = ?")
	var (
		version int64
		doc     string
	)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get %s %s", t.name, key)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return 0, errors.Wrapf(err, "decode %s %s", t.name, key)
	}
	return version, nil
}

func (s *Store) list(ctx context.Context, t table, conds []string, args []any, each func(int64, []byte) error) error {
	q := "SELECT version, doc FROM " + t.name
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return errors.Wrapf(err, "list %s", t.name)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			version int64
			doc     string
		)
		if err := rows.Scan(&version, &doc); err != nil {
			return errors.Wrapf(err, "scan %s", t.name)
		}
		if err := each(version, []byte(doc)); err != nil {
			return errors.Wrapf(err, "decode %s", t.name)
		}
	}
	return rows.Err()
}

// cas inserts when prev is zero and otherwise updates the row only if its
// version still equals prev.
func (s *Store) cas(ctx context.Context, t table, key string, prev int64, extra []any, doc []byte) error {
	cols := append([]string{t.key, "version"}, t.extra...)
	cols = append(cols, "doc")
	if prev == 0 {
		args := append([]any{key, int64(1)}, extra...)
		args = append(args, string(doc))
		q := "INSERT INTO " + t.name + " (" + strings.Join(cols, ", ") + ") VALUES (" +
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ") ON CONFLICT (" + t.key + ") DO NOTHING"
		n, err := s.exec(ctx, q, args...)
		if err != nil {
			return errors.Wrapf(err, "insert %s %s", t.name, key)
		}
		if n == 0 {
			return store.ErrVersionConflict
		}
		return nil
	}

	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = ?")
	}
	args := append([]any{prev + 1}, extra...)
	args = append(args, string(doc), key, prev)
	q := "UPDATE " + t.name + " SET " + strings.Join(sets, ", ") + " WHERE " + t.key + " = ? AND version = ?"
	n, err := s.exec(ctx, q, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s %s", t.name, key)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.d.rebind("SELECT 1 FROM "+t.name+" WHERE "+t.key+" = ?"), key).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case err != nil:
		return errors.Wrapf(err, "check %s %s", t.name, key)
	}
	return store.ErrVersionConflict
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
