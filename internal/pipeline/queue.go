// Package pipeline runs lot computations in the background: a bounded job
// queue, a consumer for catalog change events, and a cron-scheduled full
// recompute.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/metrics"
)

// JobKind distinguishes a full recompute from an incremental update.
type JobKind string

const (
	JobFull        JobKind = "full"
	JobIncremental JobKind = "incremental"
)

// EventJobFailed is the notification event raised when a job fails.
const EventJobFailed = "job_failed"

// LotRunner performs the lot computations a job asks for.
type LotRunner interface {
	GenerateLots(ctx context.Context, cat *domain.Catalog) ([]domain.LotSuggestion, error)
	UpdateLotsForISBN(ctx context.Context, isbn string, cat *domain.Catalog) ([]domain.LotSuggestion, error)
}

// Notifier receives job failure alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Job is a submitted unit of work. Its Done channel is closed once the job
// has finished, after which Err and Result are stable.
type Job struct {
	ID          string
	Kind        JobKind
	ISBN        string
	SubmittedAt time.Time

	done chan struct{}

	mu         sync.Mutex
	startedAt  time.Time
	finishedAt time.Time
	result     []domain.LotSuggestion
	err        error
}

func newJob(kind JobKind, isbn string) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		ISBN:        isbn,
		SubmittedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the job's error, or nil while it is still running.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Result returns the lots the job computed.
func (j *Job) Result() []domain.LotSuggestion {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Finished reports whether the job has completed.
func (j *Job) Finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Timing returns when the job started and finished. Either may be zero.
func (j *Job) Timing() (started, finished time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt, j.finishedAt
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) start() {
	j.mu.Lock()
	j.startedAt = time.Now().UTC()
	j.mu.Unlock()
}

func (j *Job) finish(result []domain.LotSuggestion, err error) {
	j.mu.Lock()
	j.result = result
	j.err = err
	j.finishedAt = time.Now().UTC()
	j.mu.Unlock()
	close(j.done)
}

// QueueConfig sizes the queue.
type QueueConfig struct {
	Workers int
	Size    int
	// Retain is how many finished jobs stay visible through Get.
	Retain int
}

// Queue runs submitted jobs on a fixed pool of workers. A full recompute
// excludes every other job while it runs; incremental updates run side by
// side.
type Queue struct {
	runner   LotRunner
	catalog  domain.CatalogSnapshotter
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	workers int
	retain  int
	jobs    chan *Job
	gate    sync.RWMutex

	mu     sync.Mutex
	closed bool
	byID   map[string]*Job
	order  []string
}

// NewQueue creates a Queue. notifier may be nil.
func NewQueue(runner LotRunner, catalog domain.CatalogSnapshotter, cfg QueueConfig, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Size < 1 {
		cfg.Size = 64
	}
	if cfg.Retain < 1 {
		cfg.Retain = 256
	}
	return &Queue{
		runner:   runner,
		catalog:  catalog,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(slog.String("component", "job_queue")),
		workers:  cfg.Workers,
		retain:   cfg.Retain,
		jobs:     make(chan *Job, cfg.Size),
		byID:     make(map[string]*Job),
	}
}

// SubmitFull enqueues a full recompute.
func (q *Queue) SubmitFull() (*Job, error) {
	return q.submit(newJob(JobFull, ""))
}

// SubmitUpdate enqueues an incremental update for isbn.
func (q *Queue) SubmitUpdate(isbn string) (*Job, error) {
	if isbn == "" {
		return nil, errors.New("pipeline: submit update: empty isbn")
	}
	return q.submit(newJob(JobIncremental, isbn))
}

func (q *Queue) submit(job *Job) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, domain.ErrQueueClosed
	}
	select {
	case q.jobs <- job:
	default:
		return nil, domain.ErrQueueFull
	}
	q.byID[job.ID] = job
	q.order = append(q.order, job.ID)
	q.trimLocked()
	return job, nil
}

// trimLocked forgets the oldest finished jobs beyond the retention limit.
func (q *Queue) trimLocked() {
	for len(q.order) > q.retain {
		oldest := q.byID[q.order[0]]
		if oldest != nil && !oldest.Finished() {
			return
		}
		delete(q.byID, q.order[0])
		q.order = q.order[1:]
	}
}

// Get returns a recently submitted job by ID.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	return j, ok
}

// Pending returns the number of jobs waiting for a worker.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still
// queued at shutdown finish with ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("job queue started", slog.Int("workers", q.workers))

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	for {
		select {
		case job := <-q.jobs:
			job.finish(nil, domain.ErrQueueClosed)
		default:
			q.logger.Info("job queue stopped")
			return ctx.Err()
		}
	}
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.execute(ctx, job)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	if job.Kind == JobFull {
		q.gate.Lock()
		defer q.gate.Unlock()
	} else {
		q.gate.RLock()
		defer q.gate.RUnlock()
	}

	job.start()
	started := time.Now()
	result, err := q.run(ctx, job)
	job.finish(result, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	q.metrics.JobDone(string(job.Kind), outcome)

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("lots", len(result)),
		slog.Duration("elapsed", time.Since(started)),
	}
	if job.ISBN != "" {
		attrs = append(attrs, slog.String("isbn", job.ISBN))
	}
	if err != nil {
		q.logger.Error("job failed", append(attrs, slog.String("error", err.Error()))...)
		q.reportFailure(ctx, job, err)
		return
	}
	q.logger.Info("job finished", attrs...)
}

func (q *Queue) run(ctx context.Context, job *Job) ([]domain.LotSuggestion, error) {
	cat, err := q.catalog.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load catalog: %w", err)
	}
	switch job.Kind {
	case JobFull:
		return q.runner.GenerateLots(ctx, cat)
	case JobIncremental:
		return q.runner.UpdateLotsForISBN(ctx, job.ISBN, cat)
	default:
		return nil, fmt.Errorf("pipeline: unknown job kind %q", job.Kind)
	}
}

func (q *Queue) reportFailure(ctx context.Context, job *Job, err error) {
	if q.notifier == nil {
		return
	}
	title := fmt.Sprintf("Lot job failed (%s)", job.Kind)
	msg := fmt.Sprintf("job %s", job.ID)
	if job.ISBN != "" {
		msg += " for ISBN " + job.ISBN
	}
	msg += ": " + err.Error()
	if nerr := q.notifier.Notify(context.WithoutCancel(ctx), EventJobFailed, title, msg); nerr != nil {
		q.logger.Warn("failed to send job failure notification", slog.String("error", nerr.Error()))
	}
}
