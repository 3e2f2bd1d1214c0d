package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// DefaultKey is the redis list tasks are pushed onto
const DefaultKey = "dfs:tasks"

// pollTimeout bounds one BRPOP so workers notice shutdown
const pollTimeout = time.Second

// RedisDispatcher pushes tasks onto a redis list for Worker processes
type RedisDispatcher struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

// OpenRedisDispatcher connects to addr and checks the connection
func OpenRedisDispatcher(addr, key string, logger zerolog.Logger) (*RedisDispatcher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", common.ErrIO, addr, err)
	}
	return NewRedisDispatcher(client, key, logger), nil
}

// NewRedisDispatcher wraps an existing client
func NewRedisDispatcher(client *redis.Client, key string, logger zerolog.Logger) *RedisDispatcher {
	if key == "" {
		key = DefaultKey
	}
	return &RedisDispatcher{
		client: client,
		key:    key,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Submit implements Dispatcher
func (d *RedisDispatcher) Submit(ctx context.Context, name string, args []string) (string, error) {
	t := NewTask(name, args)
	payload, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	if err := d.client.LPush(ctx, d.key, payload).Err(); err != nil {
		return "", fmt.Errorf("%w: enqueue %s: %v", common.ErrIO, name, err)
	}
	d.logger.Debug().Str("task_id", t.ID).Str("task", name).Strs("args", args).Msg("task queued")
	return t.ID, nil
}

// Close closes the redis client
func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}

// Worker pops tasks pushed by a RedisDispatcher and runs them through a Registry.
// Failed tasks are logged and dropped.
type Worker struct {
	client      *redis.Client
	key         string
	registry    *Registry
	concurrency int
	logger      zerolog.Logger
}

// NewWorker creates a new worker running concurrency goroutines
func NewWorker(client *redis.Client, key string, registry *Registry, concurrency int, logger zerolog.Logger) *Worker {
	if key == "" {
		key = DefaultKey
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		client:      client,
		key:         key,
		registry:    registry,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "worker").Logger(),
	}
}

// Run consumes tasks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range w.concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With().Int("worker", id).Logger()
	for ctx.Err() == nil {
		res, err := w.client.BRPop(ctx, pollTimeout, w.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("pop failed")
			select {
			case <-time.After(pollTimeout):
			case <-ctx.Done():
				return
			}
			continue
		}

		// res is [key, value]
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			logger.Error().Err(err).Str("payload", res[1]).Msg("dropping malformed task")
			continue
		}
		started := time.Now()
		logResult(logger, t, started, w.registry.Run(ctx, t))
	}
}
