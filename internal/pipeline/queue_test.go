package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/booklots/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticCatalog struct {
	cat *domain.Catalog
	err error
}

func (s staticCatalog) Snapshot(context.Context) (*domain.Catalog, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.cat == nil {
		return domain.NewCatalog(nil, nil), nil
	}
	return s.cat, nil
}

// fakeRunner tracks overlap between full and incremental runs.
type fakeRunner struct {
	fullActive atomic.Int32
	incrActive atomic.Int32
	overlaps   atomic.Int32
	updates    atomic.Int32
	delay      time.Duration
	err        error
}

func (r *fakeRunner) GenerateLots(ctx context.Context, _ *domain.Catalog) ([]domain.LotSuggestion, error) {
	if r.fullActive.Add(1) > 1 {
		r.overlaps.Add(1)
	}
	defer r.fullActive.Add(-1)
	if r.incrActive.Load() > 0 {
		r.overlaps.Add(1)
	}
	time.Sleep(r.delay)
	if r.incrActive.Load() > 0 {
		r.overlaps.Add(1)
	}
	if r.err != nil {
		return nil, r.err
	}
	return []domain.LotSuggestion{{LotSkeleton: domain.LotSkeleton{Name: "All", Strategy: domain.StrategyValue, Members: []string{"A"}}}}, nil
}

func (r *fakeRunner) UpdateLotsForISBN(_ context.Context, isbn string, _ *domain.Catalog) ([]domain.LotSuggestion, error) {
	r.incrActive.Add(1)
	defer r.incrActive.Add(-1)
	r.updates.Add(1)
	if r.fullActive.Load() > 0 {
		r.overlaps.Add(1)
	}
	time.Sleep(r.delay / 5)
	if r.err != nil {
		return nil, r.err
	}
	return []domain.LotSuggestion{{LotSkeleton: domain.LotSkeleton{Name: isbn, Strategy: domain.StrategyAuthor, Members: []string{isbn}}}}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	msgs   []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.msgs = append(n.msgs, message)
	return nil
}

func startQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitJob(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", j.ID)
	}
}

func TestQueueRunsJobs(t *testing.T) {
	runner := &fakeRunner{}
	q := NewQueue(runner, staticCatalog{}, QueueConfig{Workers: 2, Size: 8}, nil, nil, discard())
	startQueue(t, q)

	full, err := q.SubmitFull()
	require.NoError(t, err)
	upd, err := q.SubmitUpdate("978")
	require.NoError(t, err)

	waitJob(t, full)
	waitJob(t, upd)

	require.NoError(t, full.Err())
	require.NoError(t, upd.Err())
	assert.Equal(t, "All", full.Result()[0].Name)
	assert.Equal(t, "978", upd.Result()[0].Name)

	got, ok := q.Get(upd.ID)
	require.True(t, ok)
	assert.Same(t, upd, got)

	started, finished := upd.Timing()
	assert.False(t, started.IsZero())
	assert.False(t, finished.Before(started))
}

func TestQueueFullJobExcludesIncremental(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	q := NewQueue(runner, staticCatalog{}, QueueConfig{Workers: 4, Size: 32}, nil, nil, discard())
	startQueue(t, q)

	var jobs []*Job
	for i := 0; i < 3; i++ {
		j, err := q.SubmitFull()
		require.NoError(t, err)
		jobs = append(jobs, j)
		for _, isbn := range []string{"a", "b", "c"} {
			j, err := q.SubmitUpdate(isbn)
			require.NoError(t, err)
			jobs = append(jobs, j)
		}
	}
	for _, j := range jobs {
		waitJob(t, j)
	}

	assert.Zero(t, runner.overlaps.Load())
	assert.EqualValues(t, 9, runner.updates.Load())
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(&fakeRunner{}, staticCatalog{}, QueueConfig{Workers: 1, Size: 1}, nil, nil, discard())

	_, err := q.SubmitUpdate("a")
	require.NoError(t, err)
	_, err = q.SubmitUpdate("b")
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, 1, q.Pending())

	_, err = q.SubmitUpdate("")
	assert.Error(t, err)
}

func TestQueueClosedAfterShutdown(t *testing.T) {
	q := NewQueue(&fakeRunner{}, staticCatalog{}, QueueConfig{Workers: 1, Size: 4}, nil, nil, discard())
	pending, err := q.SubmitUpdate("a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Run(ctx), context.Canceled)

	waitJob(t, pending)
	_, err = q.SubmitFull()
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestQueueReportsFailures(t *testing.T) {
	boom := errors.New("store down")
	notifier := &recordingNotifier{}
	q := NewQueue(&fakeRunner{err: boom}, staticCatalog{}, QueueConfig{Workers: 1, Size: 4}, notifier, nil, discard())
	startQueue(t, q)

	j, err := q.SubmitUpdate("978")
	require.NoError(t, err)
	waitJob(t, j)

	assert.ErrorIs(t, j.Err(), boom)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{EventJobFailed}, notifier.events)
	assert.Contains(t, notifier.msgs[0], "978")
	assert.Contains(t, notifier.msgs[0], "store down")
}

func TestQueueSnapshotFailure(t *testing.T) {
	boom := errors.New("catalog unavailable")
	q := NewQueue(&fakeRunner{}, staticCatalog{err: boom}, QueueConfig{Workers: 1, Size: 4}, nil, nil, discard())
	startQueue(t, q)

	j, err := q.SubmitFull()
	require.NoError(t, err)
	waitJob(t, j)

	assert.ErrorIs(t, j.Err(), boom)
	assert.Nil(t, j.Result())
}

func TestJobWaitHonoursContext(t *testing.T) {
	j := newJob(JobFull, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, j.Wait(ctx), context.DeadlineExceeded)
	assert.False(t, j.Finished())

	j.finish(nil, nil)
	assert.True(t, j.Finished())
	assert.NoError(t, j.Wait(context.Background()))
}
