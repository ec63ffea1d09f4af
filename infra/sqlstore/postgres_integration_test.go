//go:build integration

package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fleet",
			"POSTGRES_PASSWORD": "fleet",
			"POSTGRES_DB":       "fleet",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("container start: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(ctx) })
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return fmt.Sprintf("postgres://fleet:fleet@%s:%s/fleet?sslmode=disable", host, port.Port())
}

func TestPostgres_RoundTripAndCAS(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverPostgres, DSN: startPostgres(ctx, t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := s.SaveDriver(ctx, model.Driver{Name: "Dana Lee", Postcode: "AB1 2CD", Available: true, MaxPerDay: 3}); err != nil {
		t.Fatalf("driver: %v", err)
	}
	j, err := s.SaveJob(ctx, model.Job{Ref: "r1", CollectionPostcode: "AB1 2CD", Status: model.JobPending})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	stale := j
	j.SelectedDriver = "Dana Lee"
	j.Sequence = 1
	if _, err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.SaveJob(ctx, stale); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	jobs, err := s.ListJobs(ctx, store.JobFilter{Driver: "Dana Lee"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Version != 2 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}
