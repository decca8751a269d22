// Package poll runs the repeating status query for one job at a time.
//
// A Scheduler owns at most one live session. Each session carries a token from
// a generation counter; a tick only proceeds, and a fetched status is only
// delivered, while the scheduler's current token still equals the session's.
// Stopping or restarting bumps the token, so a fetch still in flight from a
// retired session completes normally and its result is dropped.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/visionwatch/internal/clock"
	"github.com/kiranshivaraju/visionwatch/internal/reconcile"
	"github.com/kiranshivaraju/visionwatch/internal/vision"
	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

const (
	DefaultInterval     = 2 * time.Second
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxNotFound  = 5
)

// NotFoundDetail is the error detail of the Failed snapshot synthesized when a
// job stays unknown to the server for too many consecutive ticks.
const NotFoundDetail = "job not found on server"

// RejectedDetail is used instead when the last reply was a permanent
// client error such as a malformed job id.
const RejectedDetail = "job rejected by server"

var (
	ErrInvalidJobID    = errors.New("job id is required")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// UpdateFunc receives every reconciled snapshot of the polled job. It runs on
// the tick goroutine and must not call Start or Stop synchronously.
type UpdateFunc func(job models.Job)

// ErrorFunc receives per-tick failures. The session keeps polling unless the
// NotFound limit is reached.
type ErrorFunc func(jobID string, err error)

// Scheduler polls a StatusSource for a single job until the job reaches a
// terminal status or the caller stops it. Safe for concurrent use.
type Scheduler struct {
	source       vision.StatusSource
	clock        clock.Clock
	logger       *slog.Logger
	onError      ErrorFunc
	fetchTimeout time.Duration
	maxNotFound  int

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu      sync.Mutex
	token   uint64
	current *session
}

type session struct {
	token    uint64
	jobID    string
	interval time.Duration
	onUpdate UpdateFunc
	timer    clock.Timer

	// deliver is held while a tick applies its result. Retiring a session
	// takes it once so that no delivery outlives Stop.
	deliver  sync.Mutex
	snapshot models.Job
	notFound int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithErrorHandler(f ErrorFunc) Option {
	return func(s *Scheduler) { s.onError = f }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithMaxNotFound sets how many consecutive NotFound or rejected responses
// end a session with a Failed snapshot. Zero keeps polling indefinitely.
func WithMaxNotFound(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxNotFound = n
		}
	}
}

// NewScheduler creates a Scheduler reading from source.
func NewScheduler(source vision.StatusSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:       source,
		clock:        clock.New(),
		logger:       slog.Default(),
		fetchTimeout: DefaultFetchTimeout,
		maxNotFound:  DefaultMaxNotFound,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling for initial.ID, retiring any live session first. The
// first fetch happens after interval; initial is the snapshot the caller
// already holds. An interval of zero selects DefaultInterval.
func (s *Scheduler) Start(initial models.Job, onUpdate UpdateFunc, interval time.Duration) error {
	if initial.ID == "" {
		return ErrInvalidJobID
	}
	if interval < 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, interval)
	}
	if interval == 0 {
		interval = DefaultInterval
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.retire(s.detach())

	s.mu.Lock()
	s.token++
	sess := &session{
		token:    s.token,
		jobID:    initial.ID,
		interval: interval,
		onUpdate: onUpdate,
		snapshot: initial,
	}
	s.current = sess
	s.armLocked(sess)
	s.mu.Unlock()

	s.logger.Debug("poll session started", "job_id", initial.ID, "interval", interval, "token", sess.token)
	return nil
}

// Stop retires the live session, if any. It is idempotent. After it returns no
// update from the retired session will be delivered.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if sess := s.detach(); sess != nil {
		s.retire(sess)
		s.logger.Debug("poll session stopped", "job_id", sess.jobID, "token", sess.token)
	}
}

// Active reports the job id of the live session.
func (s *Scheduler) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.jobID, true
}

// detach removes the current session and cancels its timer.
func (s *Scheduler) detach() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.current
	if sess == nil {
		return nil
	}
	s.current = nil
	s.token++
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	return sess
}

// retire waits for an in-progress delivery of a detached session to finish.
func (s *Scheduler) retire(sess *session) {
	if sess == nil {
		return
	}
	sess.deliver.Lock()
	sess.deliver.Unlock()
}

// isCurrent reports whether sess still owns the scheduler.
func (s *Scheduler) isCurrent(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.token == sess.token
}

// armLocked schedules the next tick of sess. Caller holds mu.
func (s *Scheduler) armLocked(sess *session) {
	sess.timer = s.clock.AfterFunc(sess.interval, func() { s.tick(sess) })
}

func (s *Scheduler) rearm(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.token == sess.token {
		s.armLocked(sess)
	}
}

// finish ends sess from inside its own tick.
func (s *Scheduler) finish(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.token == sess.token {
		s.current = nil
		s.token++
		sess.timer = nil
	}
}

func (s *Scheduler) tick(sess *session) {
	if !s.isCurrent(sess) {
		return
	}
	jobID := sess.jobID

	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	raw, fetchErr := s.source.FetchStatus(ctx, jobID)
	cancel()

	sess.deliver.Lock()
	defer sess.deliver.Unlock()

	if !s.isCurrent(sess) {
		s.logger.Debug("discarding status from retired session", "job_id", jobID, "token", sess.token)
		return
	}

	if fetchErr != nil {
		if s.handleFetchError(sess, fetchErr) {
			return
		}
		s.rearm(sess)
		return
	}
	sess.notFound = 0

	job, err := reconcile.Reconcile(sess.snapshot, raw)
	if err != nil {
		s.report(jobID, err)
		s.rearm(sess)
		return
	}

	s.deliverLocked(sess, job)
}

// deliverLocked records job, hands it to the caller and either re-arms or
// finishes the session. Caller holds sess.deliver.
func (s *Scheduler) deliverLocked(sess *session, job models.Job) {
	sess.snapshot = job
	if sess.onUpdate != nil {
		sess.onUpdate(job)
	}

	if job.Status.Terminal() {
		s.finish(sess)
		s.logger.Info("poll session finished", "job_id", job.ID, "status", job.Status.String())
		return
	}
	s.rearm(sess)
}

// handleFetchError applies the NotFound policy. Permanent rejections count
// toward the same limit. It reports whether the session was ended.
func (s *Scheduler) handleFetchError(sess *session, err error) bool {
	jobID := sess.jobID
	s.report(jobID, err)

	detail := NotFoundDetail
	switch {
	case errors.Is(err, vision.ErrNotFound):
	case errors.Is(err, vision.ErrRejected):
		detail = RejectedDetail
	default:
		sess.notFound = 0
		return false
	}
	sess.notFound++
	if s.maxNotFound == 0 || sess.notFound < s.maxNotFound {
		return false
	}

	s.logger.Warn("server keeps refusing job, giving up", "job_id", jobID, "attempts", sess.notFound, "error", err)
	failed := sess.snapshot
	failed.Status = models.JobStatusFailed
	failed.Result = nil
	failed.Error = &detail
	s.deliverLocked(sess, failed)
	return true
}

func (s *Scheduler) report(jobID string, err error) {
	s.logger.Warn("poll tick failed", "job_id", jobID, "error", err)
	if s.onError != nil {
		s.onError(jobID, err)
	}
}
