// Package jobs runs long simulations asynchronously. A queue accepts one
// job at a time: enqueueing validates the config synchronously and hands
// back a run ID immediately, while the engine work happens on a background
// goroutine observable through Status, Progress updates, and heartbeats.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// ProgressFunc receives progress updates from a running handler.
type ProgressFunc func(progress types.JobProgress)

// Handler executes one kind of job. Estimate must be fast and purely
// synchronous: it validates the config and predicts the unit count without
// touching market data. Execute may run for minutes and must honor ctx.
// A non-nil result returned alongside an error is kept as partial output.
type Handler interface {
	Kind() types.JobKind
	Estimate(config any) (int, error)
	Execute(ctx context.Context, runID string, config any, progress ProgressFunc) (any, error)
}

// BusyError is returned by Enqueue while another job is running.
type BusyError struct {
	RunningID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("queue busy: run %s still active", e.RunningID)
}

// ErrUnknownRun is returned for IDs the queue has never issued.
var ErrUnknownRun = errors.New("unknown run ID")

// ErrNotFinished is returned by Results while the run is still in flight.
var ErrNotFinished = errors.New("run has not finished")

// Ticket is the immediate response to a successful Enqueue.
type Ticket struct {
	RunID         string `json:"runId"`
	EstimatedWork int    `json:"estimatedWork"`
}

// Snapshot is a point-in-time copy of a job's observable state.
type Snapshot struct {
	RunID          string            `json:"runId"`
	Kind           types.JobKind     `json:"kind"`
	Status         types.RunStatus   `json:"status"`
	EstimatedWork  int               `json:"estimatedWork"`
	Progress       types.JobProgress `json:"progress"`
	SubmittedAt    time.Time         `json:"submittedAt"`
	StartedAt      time.Time         `json:"startedAt,omitempty"`
	FinishedAt     time.Time         `json:"finishedAt,omitempty"`
	LastProgressAt time.Time         `json:"lastProgressAt"`
	Error          string            `json:"error,omitempty"`
}

type job struct {
	id            string
	kind          types.JobKind
	status        types.RunStatus
	estimatedWork int
	progress      types.JobProgress
	submittedAt   time.Time
	startedAt     time.Time
	finishedAt    time.Time
	lastProgress  time.Time
	err           string
	result        any
	cancel        context.CancelFunc
	aborted       bool
}

// ProgressListener observes every progress update the queue applies, for
// streaming transports layered on top of polling.
type ProgressListener func(runID string, kind types.JobKind, progress types.JobProgress)

// Queue admits at most one running job and retains every finished job's
// state and results for later retrieval.
type Queue struct {
	logger   *zap.Logger
	guard    types.GuardRails
	metrics  *Metrics
	handlers map[types.JobKind]Handler

	mu       sync.RWMutex
	jobs     map[string]*job
	running  string
	listener ProgressListener

	wg sync.WaitGroup
}

// NewQueue creates a queue bounded by the given guard rails.
func NewQueue(guard types.GuardRails, metrics *Metrics, logger *zap.Logger) *Queue {
	return &Queue{
		logger:   logger,
		guard:    guard,
		metrics:  metrics,
		handlers: make(map[types.JobKind]Handler),
		jobs:     make(map[string]*job),
	}
}

// RegisterHandler wires the executor for a job kind.
func (q *Queue) RegisterHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[h.Kind()] = h
}

// SetProgressListener installs the streaming observer. Must be called
// before jobs are enqueued.
func (q *Queue) SetProgressListener(l ProgressListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = l
}

// GuardRails returns the ceilings the queue enforces.
func (q *Queue) GuardRails() types.GuardRails { return q.guard }

// Enqueue validates the config through the kind's handler and, when the
// queue is idle, starts the job on a background goroutine. The returned
// ticket is available before any engine work begins.
func (q *Queue) Enqueue(kind types.JobKind, config any) (*Ticket, error) {
	q.mu.RLock()
	handler, ok := q.handlers[kind]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}

	estimated, err := handler.Estimate(config)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.running != "" {
		runningID := q.running
		q.mu.Unlock()
		q.metrics.JobsRejected.Inc()
		return nil, &BusyError{RunningID: runningID}
	}

	now := time.Now()
	j := &job{
		id:            uuid.New().String(),
		kind:          kind,
		status:        types.RunStatusQueued,
		estimatedWork: estimated,
		submittedAt:   now,
		lastProgress:  now,
	}
	q.jobs[j.id] = j
	q.running = j.id
	q.mu.Unlock()

	q.metrics.JobsEnqueued.WithLabelValues(string(kind)).Inc()
	q.metrics.QueueBusy.Set(1)

	q.logger.Info("job enqueued",
		zap.String("run_id", j.id),
		zap.String("kind", string(kind)),
		zap.Int("estimated_work", estimated),
	)

	q.wg.Add(1)
	go q.run(j.id, handler, config)

	return &Ticket{RunID: j.id, EstimatedWork: estimated}, nil
}

// Status returns the observable state of a run.
func (q *Queue) Status(runID string) (*Snapshot, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	j, ok := q.jobs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	snap := snapshotOf(j)
	return &snap, nil
}

// Results returns the run's output once it has reached a terminal status.
// Failed and aborted runs may still carry partial output.
func (q *Queue) Results(runID string) (any, *Snapshot, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	j, ok := q.jobs[runID]
	if !ok {
		return nil, nil, ErrUnknownRun
	}
	if !j.status.Terminal() {
		return nil, nil, ErrNotFinished
	}
	snap := snapshotOf(j)
	return j.result, &snap, nil
}

// Abort requests cancellation of a run. It returns immediately; the job
// transitions to ABORTED once the engine unwinds.
func (q *Queue) Abort(runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[runID]
	if !ok {
		return ErrUnknownRun
	}
	if j.status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, j.status)
	}

	j.aborted = true
	if j.cancel != nil {
		j.cancel()
	}
	q.logger.Info("abort requested", zap.String("run_id", runID))
	return nil
}

// Wait blocks until all started jobs have unwound. Used during shutdown.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) run(runID string, handler Handler, config any) {
	defer q.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.mu.Lock()
	j := q.jobs[runID]
	j.cancel = cancel
	if j.aborted {
		// Abort landed between Enqueue and the goroutine starting.
		q.finishLocked(j, nil, context.Canceled)
		q.mu.Unlock()
		return
	}
	j.status = types.RunStatusRunning
	j.startedAt = time.Now()
	j.lastProgress = j.startedAt
	q.mu.Unlock()

	stopHeartbeat := q.startHeartbeat(ctx, runID)
	defer stopHeartbeat()

	result, err := handler.Execute(ctx, runID, config, func(p types.JobProgress) {
		q.applyProgress(runID, p)
	})

	q.mu.Lock()
	q.finishLocked(j, result, err)
	q.mu.Unlock()
}

// finishLocked applies the terminal transition. Callers hold q.mu.
func (q *Queue) finishLocked(j *job, result any, err error) {
	next := types.RunStatusCompleted
	switch {
	case j.aborted || errors.Is(err, context.Canceled):
		next = types.RunStatusAborted
	case err != nil:
		next = types.RunStatusFailed
	}
	if !j.status.CanTransitionTo(next) {
		q.logger.Error("illegal status transition",
			zap.String("run_id", j.id),
			zap.String("from", string(j.status)),
			zap.String("to", string(next)),
		)
		return
	}

	j.status = next
	j.finishedAt = time.Now()
	j.result = result
	if err != nil {
		j.err = err.Error()
	}
	if next == types.RunStatusCompleted {
		j.progress = types.JobProgress{Percent: 100, Phase: "done"}
	}
	if q.running == j.id {
		q.running = ""
	}

	kind := string(j.kind)
	switch next {
	case types.RunStatusCompleted:
		q.metrics.JobsCompleted.WithLabelValues(kind).Inc()
	case types.RunStatusFailed:
		q.metrics.JobsFailed.WithLabelValues(kind).Inc()
	case types.RunStatusAborted:
		q.metrics.JobsAborted.WithLabelValues(kind).Inc()
	}
	if !j.startedAt.IsZero() {
		q.metrics.JobDuration.WithLabelValues(kind).Observe(j.finishedAt.Sub(j.startedAt).Seconds())
	}
	q.metrics.QueueBusy.Set(0)

	q.logger.Info("job finished",
		zap.String("run_id", j.id),
		zap.String("status", string(next)),
		zap.String("error", j.err),
	)
}

func (q *Queue) applyProgress(runID string, p types.JobProgress) {
	q.mu.Lock()
	j, ok := q.jobs[runID]
	if !ok {
		q.mu.Unlock()
		return
	}
	// Progress never regresses even if unit completions arrive out of order.
	if p.Percent >= j.progress.Percent {
		j.progress = p
	}
	j.lastProgress = time.Now()
	kind := j.kind
	listener := q.listener
	q.mu.Unlock()

	if listener != nil {
		listener(runID, kind, p)
	}
}

// startHeartbeat refreshes the run's liveness timestamp at the guard-rail
// interval so a stalled engine is distinguishable from a slow one.
func (q *Queue) startHeartbeat(ctx context.Context, runID string) func() {
	interval := q.guard.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				q.mu.Lock()
				if j, ok := q.jobs[runID]; ok && !j.status.Terminal() {
					j.lastProgress = time.Now()
				}
				q.mu.Unlock()
				q.metrics.LastHeartbeat.Set(float64(time.Now().Unix()))
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func snapshotOf(j *job) Snapshot {
	return Snapshot{
		RunID:          j.id,
		Kind:           j.kind,
		Status:         j.status,
		EstimatedWork:  j.estimatedWork,
		Progress:       j.progress,
		SubmittedAt:    j.submittedAt,
		StartedAt:      j.startedAt,
		FinishedAt:     j.finishedAt,
		LastProgressAt: j.lastProgress,
		Error:          j.err,
	}
}
