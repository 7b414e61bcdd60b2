// Package queue implements named priority job queues on a kv.Store.
//
// Each queue keeps job records in a hash and job ids in two sorted sets:
// pending, scored by priority, and processing, scored by claim time. A
// polling worker claims the highest-priority pending id by removing it;
// the store's removed-count arbitrates racing workers without locks or
// scripting. Claimed jobs run through registered processors with bounded
// retry: a processor error requeues the job until MaxAttempts is spent.
//
// Delivery is at-least-once. A worker that dies between claim and
// completion leaves the job in the processing set until ReclaimStuck (or
// the ReclaimAfter option) returns it to pending. Nothing here is
// exactly-once; processors must tolerate replays.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/unkn0wn-root/backstop"
	"github.com/unkn0wn-root/backstop/kv"
)

const (
	defaultPoll        = time.Second
	defaultJobTimeout  = time.Minute
	defaultMaxAttempts = 3

	indexKey = "queue:index"
)

// ErrUnknownType marks a job whose type has no registered processor. Such
// jobs fail permanently regardless of remaining attempts.
var ErrUnknownType = errors.New("queue: no processor registered for job type")

// Options configure a queue service. Only Store is required.
type Options struct {
	// Required
	Store kv.Store

	Logger  backstop.Logger // if nil, logging is disabled
	Metrics Metrics         // if nil, metrics are discarded
	Clock   backstop.Clock  // if nil, wall clock

	PollInterval time.Duration // worker poll period; 0 => 1s
	// JobTimeout is the deadline handed to processors through ctx;
	// 0 => 1m, negative => none. The deadline is cooperative: a
	// processor that ignores its ctx keeps its queue slot busy until it
	// returns on its own.
	JobTimeout   time.Duration
	ReclaimAfter time.Duration // each tick, reclaim processing entries older than this; 0 => disabled
	MaxAttempts  int           // attempt budget when Enqueue gets none; 0 => 3
}

// Service enqueues jobs and, once started, polls every known queue and
// runs claimed jobs through registered processors. Multiple Services on
// one store cooperate: each job is claimed by exactly one of them.
type Service struct {
	store   kv.Store
	log     backstop.Logger
	metrics Metrics
	clock   backstop.Clock

	pollEvery          time.Duration
	jobTimeout         time.Duration
	reclaimAfter       time.Duration
	defaultMaxAttempts int

	mu      sync.RWMutex
	procs   map[string]Processor
	running bool
	stopped bool
	ticker  *time.Ticker

	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	stopOnce sync.Once
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("queue: store is required")
	}

	s := &Service{
		store:  opts.Store,
		procs:  make(map[string]Processor),
		stopCh: make(chan struct{}),
	}

	s.log = coalesce[backstop.Logger](opts.Logger, backstop.NopLogger{})
	s.metrics = coalesce[Metrics](opts.Metrics, NopMetrics{})
	s.clock = coalesce[backstop.Clock](opts.Clock, backstop.SystemClock())
	s.pollEvery = coalesce[time.Duration](opts.PollInterval, defaultPoll)
	s.defaultMaxAttempts = coalesce[int](opts.MaxAttempts, defaultMaxAttempts)
	s.reclaimAfter = opts.ReclaimAfter

	switch {
	case opts.JobTimeout < 0:
		s.jobTimeout = 0 // no deadline
	case opts.JobTimeout == 0:
		s.jobTimeout = defaultJobTimeout
	default:
		s.jobTimeout = opts.JobTimeout
	}

	return s, nil
}

// EnqueueOptions tune one job. The zero value is a priority-0 job with the
// service's default attempt budget.
type EnqueueOptions struct {
	Priority    int // higher claims first
	MaxAttempts int // 0 => service default
}

// Enqueue stores a job and makes it claimable. Unlike the worker paths,
// Enqueue surfaces store errors: durability is its whole contract, and a
// job that could not be recorded must not look accepted.
func (s *Service) Enqueue(ctx context.Context, queueName, jobType string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	if queueName == "" {
		return "", fmt.Errorf("queue: queue name is required")
	}
	if jobType == "" {
		return "", fmt.Errorf("queue: job type is required")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	now := s.clock.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Register the queue name first so a half-finished enqueue is still
	// visible to stats and pollers. Constant score keeps the index ordered
	// by name.
	if err := s.store.ZAdd(ctx, indexKey, 0, queueName); err != nil {
		return "", fmt.Errorf("queue: register queue %q: %w", queueName, err)
	}
	if err := s.writeJob(ctx, job); err != nil {
		return "", err
	}
	if err := s.store.ZAdd(ctx, pendingKey(queueName), float64(job.Priority), job.ID); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}

	s.metrics.Enqueued(queueName)
	s.log.Debug("job enqueued", backstop.Fields{
		"queue": queueName, "job": job.ID, "type": jobType, "priority": job.Priority,
	})
	return job.ID, nil
}

// Register installs the processor for a job type, replacing any previous
// one. Register everything before Start; a job claimed while its type is
// unregistered fails permanently.
func (s *Service) Register(jobType string, p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[jobType] = p
}

// Job returns the stored record for one job id, or ok=false when the
// queue holds no such job.
func (s *Service) Job(ctx context.Context, queueName, id string) (*Job, bool, error) {
	return s.readJob(ctx, queueName, id)
}

// Stats reports the backlog of one queue.
type Stats struct {
	Queue      string
	Pending    int64
	Processing int64
}

func (s *Service) Stats(ctx context.Context, queueName string) (Stats, error) {
	pending, err := s.store.ZCard(ctx, pendingKey(queueName))
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats %q: %w", queueName, err)
	}
	processing, err := s.store.ZCard(ctx, processingKey(queueName))
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats %q: %w", queueName, err)
	}
	return Stats{Queue: queueName, Pending: pending, Processing: processing}, nil
}

// AllStats reports every queue ever seen by this store, in name order.
func (s *Service) AllStats(ctx context.Context) ([]Stats, error) {
	names, err := s.store.ZRange(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("queue: list queues: %w", err)
	}
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		st, err := s.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ReclaimStuck moves jobs that have sat in the processing set longer than
// olderThan back to pending and reports how many it moved. This recovers
// claims orphaned by a crashed worker. The attempt counter is not
// advanced: a crash is not a processor failure. A stale claim whose
// record is already terminal is only dropped from the set; completed and
// failed jobs never run again.
func (s *Service) ReclaimStuck(ctx context.Context, queueName string, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("queue: olderThan must be positive")
	}

	cutoff := float64(s.clock.Now().Add(-olderThan).UnixMilli())
	members, err := s.store.ZRangeWithScores(ctx, processingKey(queueName), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim %q: %w", queueName, err)
	}

	reclaimed := 0
	for _, m := range members {
		if m.Score > cutoff {
			break // scores ascend: the rest are younger
		}
		removed, err := s.store.ZRem(ctx, processingKey(queueName), m.Member)
		if err != nil {
			return reclaimed, fmt.Errorf("queue: reclaim %q: %w", queueName, err)
		}
		if removed == 0 {
			continue // another reclaimer or the worker itself won
		}

		job, ok, err := s.readJob(ctx, queueName, m.Member)
		if err != nil || !ok {
			s.log.Warn("reclaimed job has no readable record", backstop.Fields{
				"queue": queueName, "job": m.Member, "err": err,
			})
			continue
		}

		// A terminal record can sit in processing when its worker died
		// after the final write but before dropping the claim. The ZRem
		// above already repaired the set; rewriting the record would
		// revive a finished job.
		if job.Status.Terminal() {
			continue
		}

		job.Status = StatusPending
		job.UpdatedAt = s.clock.Now()
		if err := s.writeJob(ctx, job); err != nil {
			s.log.Warn("reclaimed job record not updated", backstop.Fields{"job": job.ID, "err": err})
		}
		if err := s.store.ZAdd(ctx, pendingKey(queueName), float64(job.Priority), job.ID); err != nil {
			return reclaimed, fmt.Errorf("queue: requeue %s: %w", job.ID, err)
		}
		reclaimed++
		s.metrics.Reclaimed(queueName)
	}

	if reclaimed > 0 {
		s.log.Info("reclaimed stuck jobs", backstop.Fields{"queue": queueName, "count": reclaimed})
	}
	return reclaimed, nil
}

func (s *Service) writeJob(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", j.ID, err)
	}
	if err := s.store.HSet(ctx, jobsKey(j.Queue), j.ID, string(b)); err != nil {
		return fmt.Errorf("queue: store job %s: %w", j.ID, err)
	}
	return nil
}

func (s *Service) readJob(ctx context.Context, queueName, id string) (*Job, bool, error) {
	raw, ok, err := s.store.HGet(ctx, jobsKey(queueName), id)
	if err != nil {
		return nil, false, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, false, fmt.Errorf("queue: unmarshal job %s: %w", id, err)
	}
	return &j, true, nil
}

func jobsKey(q string) string       { return "queue:" + q + ":jobs" }
func pendingKey(q string) string    { return "queue:" + q + ":pending" }
func processingKey(q string) string { return "queue:" + q + ":processing" }

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
