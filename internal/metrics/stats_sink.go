package metrics

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/state-gateway/internal/models"
)

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = time.Second
	flushTimeout         = 2 * time.Second
)

// PopularityIncrements maps domain -> identifier -> count to add
type PopularityIncrements map[models.DomainKind]map[string]int64

// PopularityStore persists popularity increments outside the process
type PopularityStore interface {
	IncrementPopularity(ctx context.Context, increments PopularityIncrements) error
}

// RedisPopularityStore keeps one hash per domain under <prefix>:popular:<kind>
type RedisPopularityStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a go-redis client from connection settings
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func NewRedisPopularityStore(client *redis.Client, prefix string) *RedisPopularityStore {
	return &RedisPopularityStore{client: client, prefix: prefix}
}

// Key returns the hash key of a domain
func (store *RedisPopularityStore) Key(kind models.DomainKind) string {
	return fmt.Sprintf("%s:popular:%s", store.prefix, kind)
}

// IncrementPopularity applies all increments in one pipeline
func (store *RedisPopularityStore) IncrementPopularity(ctx context.Context, increments PopularityIncrements) error {
	pipeline := store.client.Pipeline()
	queued := 0
	for kind, counts := range increments {
		for identifier, count := range counts {
			pipeline.HIncrBy(ctx, store.Key(kind), identifier, count)
			queued++
		}
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment popularity: %w", err)
	}
	return nil
}

// Popularity reads the stored counts of one domain
func (store *RedisPopularityStore) Popularity(ctx context.Context, kind models.DomainKind) (map[string]int64, error) {
	values, err := store.client.HGetAll(ctx, store.Key(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read popularity: %w", err)
	}

	counts := make(map[string]int64, len(values))
	for identifier, value := range values {
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid count %q for %s: %w", value, identifier, err)
		}
		counts[identifier] = count
	}
	return counts, nil
}

type popularityEvent struct {
	kind       models.DomainKind
	identifier string
}

// StatsWorker is a StatsSink that batches events and flushes them to a store in the background.
// Events are dropped when the buffer is full.
type StatsWorker struct {
	store         PopularityStore
	logger        *logrus.Logger
	flushInterval time.Duration

	events  chan popularityEvent
	dropped atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewStatsWorker creates a worker with a buffer of bufferSize events
func NewStatsWorker(store PopularityStore, bufferSize int, logger *logrus.Logger) *StatsWorker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &StatsWorker{
		store:         store,
		logger:        logger,
		flushInterval: defaultFlushInterval,
		events:        make(chan popularityEvent, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// RecordPopularity implements StatsSink
func (worker *StatsWorker) RecordPopularity(kind models.DomainKind, identifier string) {
	select {
	case worker.events <- popularityEvent{kind: kind, identifier: identifier}:
	default:
		worker.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full
func (worker *StatsWorker) Dropped() int64 {
	return worker.dropped.Load()
}

// Start launches the flush loop
func (worker *StatsWorker) Start() {
	worker.startOnce.Do(func() {
		go worker.run()
	})
}

// Stop flushes buffered events and waits for the loop to exit or ctx to end
func (worker *StatsWorker) Stop(ctx context.Context) error {
	worker.stopOnce.Do(func() {
		close(worker.stop)
	})

	select {
	case <-worker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (worker *StatsWorker) run() {
	defer close(worker.done)

	ticker := time.NewTicker(worker.flushInterval)
	defer ticker.Stop()

	pending := make(PopularityIncrements)
	for {
		select {
		case event := <-worker.events:
			pending.add(event)
		case <-ticker.C:
			pending = worker.flush(pending)
		case <-worker.stop:
			for {
				select {
				case event := <-worker.events:
					pending.add(event)
				default:
					worker.flush(pending)
					return
				}
			}
		}
	}
}

// flush writes pending to the store and returns an empty batch
func (worker *StatsWorker) flush(pending PopularityIncrements) PopularityIncrements {
	if len(pending) == 0 {
		return pending
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := worker.store.IncrementPopularity(ctx, pending); err != nil {
		worker.logger.WithError(err).Warn("Failed to flush popularity stats")
	}
	return make(PopularityIncrements)
}

func (increments PopularityIncrements) add(event popularityEvent) {
	counts, ok := increments[event.kind]
	if !ok {
		counts = make(map[string]int64)
		increments[event.kind] = counts
	}
	counts[event.identifier]++
}
