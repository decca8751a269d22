// Package watch drives one job at a time from upload to a terminal outcome. It
// owns the poll scheduler, keeps the latest snapshot and fans updates out to
// listeners and an optional publisher.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/visionwatch/internal/poll"
	"github.com/kiranshivaraju/visionwatch/internal/reconcile"
	"github.com/kiranshivaraju/visionwatch/internal/vision"
	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

var (
	ErrNoJob    = errors.New("no job is being watched")
	ErrNotReady = errors.New("job result not ready")

	// ErrSuperseded is returned by a Submit or Attach whose network call was
	// abandoned by a later Submit, Attach or Reset.
	ErrSuperseded = errors.New("superseded by a newer request")
)

const defaultPublishTimeout = 2 * time.Second

// Publisher receives every snapshot the watcher records.
type Publisher interface {
	PublishJobUpdate(ctx context.Context, job models.Job) error
}

type nopPublisher struct{}

func (nopPublisher) PublishJobUpdate(context.Context, models.Job) error { return nil }

// Listener is called with each recorded snapshot, on the goroutine that
// produced it. It must not call back into the Watcher synchronously.
type Listener func(job models.Job)

// View is a point-in-time picture of the watcher for display.
type View struct {
	Job       *models.Job  `json:"job,omitempty"`
	Phase     models.Phase `json:"phase,omitempty"`
	Terminal  bool         `json:"terminal"`
	Uploading bool         `json:"uploading"`
	Error     string       `json:"error,omitempty"`
}

// Watcher is safe for concurrent use.
type Watcher struct {
	client         vision.Client
	scheduler      *poll.Scheduler
	publisher      Publisher
	logger         *slog.Logger
	interval       time.Duration
	publishTimeout time.Duration

	// op serializes state changes and scheduler calls. It is never held
	// across a network call.
	op sync.Mutex

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	current   *models.Job
	uploading bool
	lastErr   error
	nextID    int
	listeners map[int]Listener
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithPublisher(p Publisher) Option {
	return func(w *Watcher) {
		if p != nil {
			w.publisher = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithInterval sets the poll interval. Zero selects poll.DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithScheduler replaces the scheduler built from the client.
func WithScheduler(s *poll.Scheduler) Option {
	return func(w *Watcher) { w.scheduler = s }
}

// New creates a Watcher backed by client.
func New(client vision.Client, opts ...Option) *Watcher {
	w := &Watcher{
		client:         client,
		publisher:      nopPublisher{},
		logger:         slog.Default(),
		publishTimeout: defaultPublishTimeout,
		listeners:      make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.scheduler == nil {
		w.scheduler = poll.NewScheduler(client, poll.WithLogger(w.logger))
	}
	return w
}

// Submit uploads artifact and starts polling the resulting job. Any previous
// job is abandoned first. On failure no session is started and the error is
// kept for View. A Reset during the upload cancels it and Submit returns
// ErrSuperseded.
func (w *Watcher) Submit(ctx context.Context, artifact models.Artifact) (models.Job, error) {
	ctx, gen := w.begin(ctx, true)
	job, err := w.client.Submit(ctx, artifact)

	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	if !w.claimLocked(gen) {
		w.mu.Unlock()
		w.logger.Info("upload abandoned", "artifact", artifact.Name)
		return models.Job{}, fmt.Errorf("upload of %s: %w", artifact.Name, ErrSuperseded)
	}
	w.uploading = false
	if err != nil {
		w.lastErr = err
		w.mu.Unlock()
		w.logger.Warn("submission failed", "artifact", artifact.Name, "error", err)
		return models.Job{}, err
	}
	w.current = &job
	w.mu.Unlock()

	w.logger.Info("job submitted", "job_id", job.ID, "status", job.Status.String())
	w.notify(job)

	if err := w.follow(job); err != nil {
		return job, err
	}
	return job, nil
}

// Attach starts watching a job that was submitted elsewhere.
func (w *Watcher) Attach(ctx context.Context, jobID string) (models.Job, error) {
	if jobID == "" {
		return models.Job{}, poll.ErrInvalidJobID
	}

	ctx, gen := w.begin(ctx, false)
	raw, err := w.client.FetchStatus(ctx, jobID)

	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	if !w.claimLocked(gen) {
		w.mu.Unlock()
		return models.Job{}, fmt.Errorf("attach to %s: %w", jobID, ErrSuperseded)
	}
	w.mu.Unlock()

	if err == nil {
		var job models.Job
		job, err = reconcile.Initial(raw)
		if err == nil {
			if job.ID != jobID {
				err = fmt.Errorf("%w: asked for %s, server returned %s", reconcile.ErrMalformedPayload, jobID, job.ID)
			} else {
				return w.adopt(job)
			}
		}
	}

	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.logger.Warn("attach failed", "job_id", jobID, "error", err)
	return models.Job{}, err
}

// begin abandons whatever the watcher was doing and opens a new generation
// for a Submit or Attach. The returned context is cancelled when a later
// call supersedes this one.
func (w *Watcher) begin(ctx context.Context, uploading bool) (context.Context, uint64) {
	w.op.Lock()
	defer w.op.Unlock()

	w.scheduler.Stop()
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandonLocked()
	w.cancel = cancel
	w.uploading = uploading
	return ctx, w.gen
}

// claimLocked reports whether gen is still the newest generation and, if so,
// releases its context. Caller holds mu.
func (w *Watcher) claimLocked(gen uint64) bool {
	if w.gen != gen {
		return false
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	return true
}

// abandonLocked cancels any in-flight call and clears the state. Caller
// holds mu.
func (w *Watcher) abandonLocked() {
	w.gen++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.current = nil
	w.uploading = false
	w.lastErr = nil
}

// adopt records job and follows it. Caller holds op.
func (w *Watcher) adopt(job models.Job) (models.Job, error) {
	w.mu.Lock()
	w.current = &job
	w.mu.Unlock()

	w.logger.Info("attached to job", "job_id", job.ID, "status", job.Status.String())
	w.notify(job)

	if err := w.follow(job); err != nil {
		return job, err
	}
	return job, nil
}

// follow starts a poll session for job unless it is already terminal.
func (w *Watcher) follow(job models.Job) error {
	if job.Status.Terminal() {
		return nil
	}
	if err := w.scheduler.Start(job, w.apply, w.interval); err != nil {
		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()
		return fmt.Errorf("start polling %s: %w", job.ID, err)
	}
	return nil
}

// apply is the scheduler's update callback.
func (w *Watcher) apply(job models.Job) {
	w.mu.Lock()
	if w.current == nil || w.current.ID != job.ID {
		w.mu.Unlock()
		return
	}
	w.current = &job
	w.mu.Unlock()

	w.notify(job)
}

// notify publishes job and hands it to every listener.
func (w *Watcher) notify(job models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.publishTimeout)
	if err := w.publisher.PublishJobUpdate(ctx, job); err != nil {
		w.logger.Warn("publishing job update failed", "job_id", job.ID, "error", err)
	}
	cancel()

	w.mu.Lock()
	listeners := make([]Listener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	for _, l := range listeners {
		l(job)
	}
}

// Subscribe registers l for future snapshots and returns a function that
// removes it.
func (w *Watcher) Subscribe(l Listener) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = l
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// Reset stops polling, cancels an upload or attach in flight and forgets the
// current job. It does not wait for the network.
func (w *Watcher) Reset() {
	w.op.Lock()
	defer w.op.Unlock()

	w.scheduler.Stop()
	w.mu.Lock()
	w.abandonLocked()
	w.mu.Unlock()
}

// Close releases the watcher. It is equivalent to Reset.
func (w *Watcher) Close() {
	w.Reset()
}

// View returns the current state. It never blocks on network activity.
func (w *Watcher) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := View{Uploading: w.uploading}
	if w.lastErr != nil {
		v.Error = w.lastErr.Error()
	}
	switch {
	case w.uploading:
		v.Phase = models.PhaseUploading
	case w.current != nil:
		job := *w.current
		v.Job = &job
		v.Phase = reconcile.PhaseOf(job.Status)
		v.Terminal = job.Status.Terminal()
	}
	return v
}

// Result downloads the processed file of the current job.
func (w *Watcher) Result(ctx context.Context) (models.Job, []byte, error) {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()

	if current == nil {
		return models.Job{}, nil, ErrNoJob
	}
	job := *current
	if job.Status != models.JobStatusCompleted {
		return job, nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, job.ID, job.Status)
	}

	data, err := w.client.FetchResult(ctx, job.ID)
	if err != nil {
		return job, nil, fmt.Errorf("fetch result for %s: %w", job.ID, err)
	}
	return job, data, nil
}
