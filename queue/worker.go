package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/unkn0wn-root/backstop"
)

// Start launches the polling loop. Each tick claims and runs at most one
// job per known queue, highest priority first. Register processors before
// calling Start. Start is a no-op while the loop is already running; the
// loop ends when Stop is called or ctx is done. The lifecycle is one-shot:
// once Stop has run, Start is ignored.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	if s.stopped {
		s.mu.Unlock()
		s.log.Warn("service stopped; Start ignored", nil)
		return
	}
	s.running = true
	s.ticker = time.NewTicker(s.pollEvery)
	s.mu.Unlock()

	s.loopWg.Add(1)
	go s.run(ctx)
}

// Stop halts the polling loop and waits for an in-flight job to finish.
// Safe to call more than once, and without a prior Start. Stop is
// terminal: a stopped service cannot be started again.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopWg.Wait()

	s.mu.Lock()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()
}

func (s *Service) run(ctx context.Context) {
	defer s.loopWg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one poll cycle: discover queues, reclaim stragglers when
// configured, then claim and process at most one job from each queue.
// A store outage skips the cycle; jobs stay durable in the store.
func (s *Service) tick(ctx context.Context) {
	queues, err := s.store.ZRange(ctx, indexKey, 0, -1)
	if err != nil {
		s.log.Warn("poll skipped; store unavailable", backstop.Fields{"err": err})
		s.metrics.PollError()
		return
	}
	for _, q := range queues {
		if s.reclaimAfter > 0 {
			if _, err := s.ReclaimStuck(ctx, q, s.reclaimAfter); err != nil {
				s.log.Warn("reclaim failed", backstop.Fields{"queue": q, "err": err})
			}
		}
		s.pollQueue(ctx, q)
	}
}

// pollQueue claims the highest-priority pending job and runs it. The
// claim is arbitrated by ZRem's removed count: of all workers that peeked
// the same head, only the one whose removal reports 1 proceeds.
func (s *Service) pollQueue(ctx context.Context, queueName string) {
	ids, err := s.store.ZRevRange(ctx, pendingKey(queueName), 0, 0)
	if err != nil {
		s.log.Warn("pending peek failed", backstop.Fields{"queue": queueName, "err": err})
		s.metrics.PollError()
		return
	}
	if len(ids) == 0 {
		return
	}
	id := ids[0]

	removed, err := s.store.ZRem(ctx, pendingKey(queueName), id)
	if err != nil {
		s.log.Warn("claim failed", backstop.Fields{"queue": queueName, "job": id, "err": err})
		s.metrics.PollError()
		return
	}
	if removed == 0 {
		return // lost the claim race
	}

	job, ok, err := s.readJob(ctx, queueName, id)
	if err != nil {
		// one retry: a single read blip should not cost the claim
		job, ok, err = s.readJob(ctx, queueName, id)
	}
	if err != nil {
		// claimed, then lost the store; put the claim back so the job
		// is not stranded outside both sets. The priority lives in the
		// unreadable record, so the claim re-enters at score 0 and waits
		// behind the existing backlog.
		_ = s.store.ZAdd(ctx, pendingKey(queueName), 0, id)
		s.log.Warn("claimed job unreadable; claim returned", backstop.Fields{
			"queue": queueName, "job": id, "err": err,
		})
		return
	}
	if !ok {
		// membership without a record: nothing to run, drop the id
		s.log.Error("claimed job has no record", backstop.Fields{"queue": queueName, "job": id})
		return
	}

	s.process(ctx, job)
}

// process marks the claim, runs the processor and writes the outcome back.
func (s *Service) process(ctx context.Context, job *Job) {
	now := s.clock.Now()
	if err := s.store.ZAdd(ctx, processingKey(job.Queue), float64(now.UnixMilli()), job.ID); err != nil {
		// refuse to run outside the visible processing set; put it back
		if rerr := s.store.ZAdd(ctx, pendingKey(job.Queue), float64(job.Priority), job.ID); rerr != nil {
			s.log.Error("claim not marked and not returned; job unreachable until re-enqueued", backstop.Fields{
				"queue": job.Queue, "job": job.ID, "err": rerr,
			})
			return
		}
		s.log.Warn("claim not marked; job requeued", backstop.Fields{
			"queue": job.Queue, "job": job.ID, "err": err,
		})
		return
	}

	job.Status = StatusProcessing
	job.Attempts++
	job.UpdatedAt = now
	if err := s.writeJob(ctx, job); err != nil {
		s.log.Warn("job status write failed", backstop.Fields{"job": job.ID, "err": err})
	}

	s.log.Debug("job started", backstop.Fields{
		"queue": job.Queue, "job": job.ID, "type": job.Type, "attempt": job.Attempts,
	})

	result, perr := s.invoke(ctx, job)
	if perr == nil {
		s.complete(ctx, job, result)
		return
	}
	s.fail(ctx, job, perr)
}

// invoke runs the processor with panic containment and the configured
// per-job deadline.
func (s *Service) invoke(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	s.mu.RLock()
	p, ok := s.procs[job.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, job.Type)
	}

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: processor panic: %v", r)
		}
	}()
	return p(ctx, job)
}

func (s *Service) complete(ctx context.Context, job *Job, result json.RawMessage) {
	job.Status = StatusCompleted
	job.Result = result
	job.Error = ""
	job.UpdatedAt = s.clock.Now()
	if err := s.writeJob(ctx, job); err != nil {
		s.log.Warn("completed job record not updated", backstop.Fields{"job": job.ID, "err": err})
	}
	if _, err := s.store.ZRem(ctx, processingKey(job.Queue), job.ID); err != nil {
		s.log.Warn("processing entry not removed", backstop.Fields{"job": job.ID, "err": err})
	}
	s.metrics.Completed(job.Queue)
	s.log.Info("job completed", backstop.Fields{
		"queue": job.Queue, "job": job.ID, "type": job.Type, "attempts": job.Attempts,
	})
}

// fail requeues the job while attempts remain; otherwise it is terminal.
// Unregistered types never retry.
func (s *Service) fail(ctx context.Context, job *Job, perr error) {
	job.Error = perr.Error()
	job.UpdatedAt = s.clock.Now()

	if job.Attempts < job.MaxAttempts && !errors.Is(perr, ErrUnknownType) {
		job.Status = StatusPending
		if err := s.writeJob(ctx, job); err != nil {
			s.log.Warn("retrying job record not updated", backstop.Fields{"job": job.ID, "err": err})
		}
		// Pending first, processing second. If the add blips the id is
		// still in the processing set where ReclaimStuck finds it;
		// removing first could strand the id outside both sets.
		if err := s.store.ZAdd(ctx, pendingKey(job.Queue), float64(job.Priority), job.ID); err != nil {
			s.log.Error("retry requeue failed; claim left for reclaim", backstop.Fields{"job": job.ID, "err": err})
			return
		}
		if _, err := s.store.ZRem(ctx, processingKey(job.Queue), job.ID); err != nil {
			s.log.Warn("processing entry not removed", backstop.Fields{"job": job.ID, "err": err})
		}
		s.metrics.Retried(job.Queue)
		s.log.Warn("job failed; requeued", backstop.Fields{
			"queue": job.Queue, "job": job.ID, "attempt": job.Attempts, "max": job.MaxAttempts, "err": perr,
		})
		return
	}

	job.Status = StatusFailed
	if err := s.writeJob(ctx, job); err != nil {
		s.log.Warn("failed job record not updated", backstop.Fields{"job": job.ID, "err": err})
	}
	if _, err := s.store.ZRem(ctx, processingKey(job.Queue), job.ID); err != nil {
		s.log.Warn("processing entry not removed", backstop.Fields{"job": job.ID, "err": err})
	}
	s.metrics.Failed(job.Queue)
	s.log.Error("job failed permanently", backstop.Fields{
		"queue": job.Queue, "job": job.ID, "type": job.Type, "attempts": job.Attempts, "err": perr,
	})
}
