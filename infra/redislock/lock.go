// Package redislock provides a pipeline guard shared by several processes
// through a Redis key.
package redislock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/kilianp07/fleetjobs/core/logger"
)

// Config configures the lock.
type Config struct {
	URL string `json:"url" yaml:"url"`
	Key string `json:"key" yaml:"key"`
	// TTLSeconds bounds how long a crashed holder blocks other runs. The
	// holder refreshes the key while it runs.
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Key == "" {
		c.Key = "fleetjobs:pipeline"
	}
	if c.TTLSeconds <= 0 {
		c.TTLSeconds = 60
	}
}

// Only the holder's token may delete or extend the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a pipeline.Guard backed by SET NX PX.
type Lock struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
	log logger.Logger
}

// New parses cfg.URL and returns a lock using its own client.
func New(cfg Config, log logger.Logger) (*Lock, error) {
	cfg.SetDefaults()
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return NewWithClient(redis.NewClient(opt), cfg, log), nil
}

// NewWithClient uses an existing client.
func NewWithClient(rdb redis.UniversalClient, cfg Config, log logger.Logger) *Lock {
	cfg.SetDefaults()
	return &Lock{rdb: rdb, key: cfg.Key, ttl: time.Duration(cfg.TTLSeconds) * time.Second, log: log}
}

// TryAcquire sets the key if absent. While held, the TTL is refreshed at a
// third of its length until release is called.
func (l *Lock) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire %s", l.key)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(l.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := extendScript.Run(context.Background(), l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Err(); err != nil {
					l.log.Warnf("refresh lock %s: %v", l.key, err)
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
				l.log.Errorf("release lock %s: %v", l.key, err)
			}
		})
	}
	return release, true, nil
}

// Close closes the client.
func (l *Lock) Close() error { return l.rdb.Close() }
