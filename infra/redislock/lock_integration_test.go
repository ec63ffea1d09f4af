//go:build integration

package redislock

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilianp07/fleetjobs/infra/logger"
)

func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
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
	port, err := cont.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestLock_ExclusiveAcrossHolders(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	ctx := context.Background()
	url := startRedis(ctx, t)

	a, err := New(Config{URL: url, Key: "test:lock", TTLSeconds: 3}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, err := New(Config{URL: url, Key: "test:lock", TTLSeconds: 3}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	defer func() { _ = b.Close() }()

	release, ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("second holder must lose: ok=%v err=%v", ok, err)
	}

	// The holder keeps the key alive past its TTL.
	time.Sleep(4 * time.Second)
	if _, ok, _ := b.TryAcquire(ctx); ok {
		t.Fatalf("lock expired while held")
	}

	release()
	release()
	rel2, ok, err := b.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	rel2()

	opt, _ := redis.ParseURL(url)
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()
	if n, _ := rdb.Exists(ctx, "test:lock").Result(); n != 0 {
		t.Fatalf("key left behind after release")
	}
}
