// Package worker runs the dispatch loop: lease, execute the parse
// pipeline, renew the lease while it runs, and commit the terminal
// state through the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-logr/logr"

	"nutriparse/src/core/blob"
	"nutriparse/src/core/job"
	"nutriparse/src/core/parse"
	"nutriparse/src/infrastructure/callback"
	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/log"
)

type Config struct {
	Concurrency   int
	LeaseDuration time.Duration
	MaxAttempts   int
}

type Pool struct {
	store    job.Store
	queue    job.Queue
	blobs    blob.Store
	pipeline *parse.Pipeline
	notifier *callback.Notifier
	metrics  *metrics.Service
	cfg      Config
	workerID string
}

func NewPool(store job.Store, queue job.Queue, blobs blob.Store, pipeline *parse.Pipeline, notifier *callback.Notifier, m *metrics.Service, cfg Config) (*Pool, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}
	host, _ := os.Hostname()

	return &Pool{
		store:    store,
		queue:    queue,
		blobs:    blobs,
		pipeline: pipeline,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		workerID: fmt.Sprintf("%s-%s", host, node.Generate().Base36()),
	}, nil
}

// WorkerID returns the pool's identity; each slot leases as this id
// plus a -s<n> suffix, which is what lease_owner shows.
func (p *Pool) WorkerID() string { return p.workerID }

// Run blocks until ctx is cancelled, running one loop per slot.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		slot := fmt.Sprintf("%s-s%d", p.workerID, i)
		go func() {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}()
	}
	wg.Wait()
}

const (
	idleBackoffMin = 100 * time.Millisecond
	idleBackoffMax = 2 * time.Second
)

func (p *Pool) runSlot(ctx context.Context, slot string) {
	logger := log.WithValues("worker", slot)
	backoff := idleBackoffMin

	for {
		if ctx.Err() != nil {
			return
		}

		j, err := p.queue.Lease(ctx, slot, p.cfg.LeaseDuration)
		if err != nil {
			logger.Error(err, "lease failed")
			j = nil
		}
		if j == nil {
			// jittered exponential idle backoff, bounded to stay
			// responsive
			sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
			if sleep > idleBackoffMax {
				sleep = idleBackoffMax
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			if backoff *= 2; backoff > idleBackoffMax {
				backoff = idleBackoffMax
			}
			continue
		}
		backoff = idleBackoffMin

		p.execute(ctx, slot, j)
	}
}

func (p *Pool) execute(ctx context.Context, slot string, j *job.Job) {
	logger := log.WithValues("worker", slot, "job_id", j.ID)

	started := time.Now()
	running, err := p.store.Transition(ctx, j.ID, []job.State{job.StateLeased}, job.StateRunning, job.Patch{
		StartedAt: &started,
	})
	if err != nil {
		// somebody moved it (cancel or sweep); let the lease lapse
		logger.Error(err, "could not start job")
		return
	}
	j = running

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	var cancelledByUser bool
	go func() {
		defer close(renewDone)
		cancelledByUser = p.renewLoop(runCtx, cancel, slot, j.ID)
	}()

	result, runErr := p.runPipeline(runCtx, slot, j)

	cancel()
	<-renewDone

	p.finish(ctx, slot, j, result, runErr, cancelledByUser, started, logger)
}

// renewLoop extends the lease every third of its duration and watches
// for a cooperative cancel. Returns true when the job was cancelled
// through the store.
func (p *Pool) renewLoop(ctx context.Context, cancel context.CancelFunc, slot, jobID string) bool {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := p.queue.Renew(ctx, jobID, slot, p.cfg.LeaseDuration); err != nil {
				current, getErr := p.store.Get(ctx, jobID)
				if getErr == nil && current.State == job.StateCancelled {
					cancel()
					return true
				}
				log.Error(err, "lease renewal failed", "job_id", jobID)
				cancel()
				return false
			}

			current, err := p.store.Get(ctx, jobID)
			if err == nil && current.State == job.StateCancelled {
				cancel()
				return true
			}
		}
	}
}

func (p *Pool) runPipeline(ctx context.Context, slot string, j *job.Job) (*parse.Result, error) {
	data, err := p.blobs.Get(ctx, j.BlobHandle)
	if err != nil {
		return nil, &job.Error{Kind: job.KindBlobIO, Message: err.Error()}
	}

	sink := newProgressWriter(p.store, j.ID)
	return p.pipeline.Run(ctx, parse.Request{
		JobID:    j.ID,
		Filename: j.Filename,
		Type:     j.ParsingType,
		Data:     data,
	}, sink.write)
}

func (p *Pool) finish(ctx context.Context, slot string, j *job.Job, result *parse.Result, runErr error, cancelledByUser bool, started time.Time, logger logr.Logger) {
	duration := time.Since(started)

	switch {
	case runErr == nil:
		if err := p.queue.Ack(ctx, j.ID, slot, job.StateCompleted, result, nil); err != nil {
			logger.Error(err, "ack completed failed")
			return
		}
		logger.Info("job completed", "duration", duration.String(), "quality", result.QualityScore)
		p.metrics.JobFinished("completed", duration)
		p.notify(j, job.StateCompleted, result, nil)

	case cancelledByUser || errors.Is(runErr, context.Canceled):
		if err := p.queue.Ack(ctx, j.ID, slot, job.StateCancelled, nil, nil); err != nil && !errors.Is(err, job.ErrLeaseLost) {
			logger.Error(err, "ack cancelled failed")
		}
		logger.Info("job cancelled")
		p.metrics.JobFinished("cancelled", duration)

	default:
		jerr := classify(runErr)
		if jerr.Kind.Transient() && j.Attempts < p.cfg.MaxAttempts {
			delay := RetryDelay(j.Attempts)
			if err := p.queue.Nack(ctx, j.ID, slot, delay); err != nil {
				logger.Error(err, "nack failed")
				return
			}
			logger.Info("job nacked for retry", "kind", string(jerr.Kind), "delay", delay.String())
			return
		}
		if jerr.Kind.Transient() {
			jerr = &job.Error{
				Kind:    job.KindExhaustedRetries,
				Message: fmt.Sprintf("gave up after %d attempts: %s", j.Attempts, jerr.Message),
				Stage:   jerr.Stage,
			}
		}
		if err := p.queue.Ack(ctx, j.ID, slot, job.StateFailed, nil, jerr); err != nil {
			logger.Error(err, "ack failed failed")
			return
		}
		logger.Info("job failed", "kind", string(jerr.Kind))
		p.metrics.JobFinished("failed", duration)
		p.notify(j, job.StateFailed, nil, jerr)
	}
}

func (p *Pool) notify(j *job.Job, state job.State, result *parse.Result, jerr *job.Error) {
	if p.notifier == nil || j.CallbackURL == "" {
		return
	}
	err := p.notifier.Publish(j.CallbackURL, callback.Event{
		JobID:  j.ID,
		State:  state,
		Result: result,
		Error:  jerr,
	})
	if err != nil {
		log.Error(err, "failed to publish callback", "job_id", j.ID)
	}
}

// classify maps pipeline errors onto the job error taxonomy.
func classify(err error) *job.Error {
	var je *job.Error
	if errors.As(err, &je) {
		return je
	}
	var se *parse.StageError
	if errors.As(err, &se) {
		return &job.Error{
			Kind:    job.ErrorKind(se.Kind),
			Message: se.Message,
			Stage:   se.Stage,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &job.Error{Kind: job.KindDeadlineExceeded, Message: "processing deadline exceeded"}
	}
	return &job.Error{Kind: job.KindServerError, Message: err.Error()}
}

// RetryDelay is the failure backoff: min(30s * 2^(attempts-1), 10m).
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := 30 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

// progressWriter coalesces progress notifications to at most one store
// write per 500 ms per job; a notification inside the interval is
// dropped, not deferred, and the terminal ack sets the final progress.
type progressWriter struct {
	store     job.Store
	jobID     string
	mu        sync.Mutex
	lastWrite time.Time
}

const progressInterval = 500 * time.Millisecond

func newProgressWriter(store job.Store, jobID string) *progressWriter {
	return &progressWriter{store: store, jobID: jobID}
}

func (w *progressWriter) write(stage string, percent int) {
	w.mu.Lock()
	now := time.Now()
	if now.Sub(w.lastWrite) < progressInterval {
		w.mu.Unlock()
		return
	}
	w.lastWrite = now
	w.mu.Unlock()

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := w.store.UpdateProgress(ctx, w.jobID, stage, percent); err != nil && !errors.Is(err, job.ErrConflict) {
		log.Error(err, "progress write failed", "job_id", w.jobID)
	}
}
