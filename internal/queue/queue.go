// Package queue is a small in-process job queue: named handlers, a fixed
// worker pool, and the introspection surface the coordination layer relies on
// (live job ids, liveness probe, revocation). Job state here is ephemeral;
// the durable record of an operation lives in the task registry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownHandler = errors.New("no handler registered for job name")
	ErrNotRunning     = errors.New("queue is not running")
	ErrJobNotFound    = errors.New("job not found")
)

// Handler executes one job. The context is cancelled when the job is revoked
// or the queue shuts down.
type Handler func(ctx context.Context, jobID string, payload any) error

type jobState int

const (
	statePending jobState = iota
	stateScheduled
	stateActive
	stateDone
)

type job struct {
	id      string
	name    string
	payload any

	state   jobState
	revoked bool
	err     error
	cancel  context.CancelFunc
	timer   *time.Timer
}

// Snapshot lists the ids of jobs the queue currently knows to be live.
type Snapshot struct {
	Active    []string
	Reserved  []string
	Scheduled []string
}

// Has reports whether the id appears in any of the live sets.
func (s Snapshot) Has(id string) bool {
	for _, set := range [][]string{s.Active, s.Reserved, s.Scheduled} {
		for _, v := range set {
			if v == id {
				return true
			}
		}
	}
	return false
}

type Options struct {
	Workers int
	Backlog int
}

const (
	defaultWorkers = 2
	defaultBacklog = 64
)

type Queue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*job
	pending  chan *job

	baseCtx   context.Context
	stop      context.CancelFunc
	workersWG sync.WaitGroup
	jobsWG    sync.WaitGroup
	running   bool
	workers   int
}

func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	return &Queue{
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*job),
		pending:  make(chan *job, opts.Backlog),
		workers:  opts.Workers,
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

// Start launches the worker pool. The provided context is the base context of
// every job; cancelling it begins a drain.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.baseCtx, q.stop = context.WithCancel(ctx)
	q.running = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.workersWG.Add(1)
		go q.worker(i)
	}
}

func (q *Queue) worker(n int) {
	defer q.workersWG.Done()
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case j := <-q.pending:
			q.run(n, j)
		}
	}
}

func (q *Queue) run(worker int, j *job) {
	q.mu.Lock()
	if j.revoked {
		j.state = stateDone
		j.err = errors.New("revoked before execution")
		q.mu.Unlock()
		q.jobsWG.Done()
		return
	}
	handler, ok := q.handlers[j.name]
	jobCtx, cancel := context.WithCancel(q.baseCtx)
	j.state = stateActive
	j.cancel = cancel
	q.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownHandler, j.name)
	} else {
		log.Debug().Int("worker", worker).Str("job_id", j.id).Str("job", j.name).Msg("job dequeued")
		err = handler(jobCtx, j.id, j.payload)
	}
	cancel()

	q.mu.Lock()
	j.state = stateDone
	j.err = err
	j.cancel = nil
	q.mu.Unlock()
	q.jobsWG.Done()

	if err != nil {
		log.Warn().Str("job_id", j.id).Str("job", j.name).Err(err).Msg("job finished with error")
	}
}

// Submit enqueues a job and returns its id, minted before the job is visible
// to any worker so callers can record it first.
func (q *Queue) Submit(name string, payload any) (string, error) {
	return q.SubmitAfter(name, payload, 0)
}

// SubmitAfter enqueues a job that becomes runnable after the delay. Delayed
// jobs show up in the Scheduled set until they move to the backlog.
func (q *Queue) SubmitAfter(name string, payload any, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return "", ErrNotRunning
	}
	if _, ok := q.handlers[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	j := &job{id: uuid.NewString(), name: name, payload: payload}
	q.jobs[j.id] = j
	q.jobsWG.Add(1)

	if delay <= 0 {
		j.state = statePending
		select {
		case q.pending <- j:
		default:
			delete(q.jobs, j.id)
			q.jobsWG.Done()
			return "", errors.New("job backlog is full")
		}
		return j.id, nil
	}

	j.state = stateScheduled
	j.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if j.revoked || j.state != stateScheduled {
			return
		}
		j.state = statePending
		j.timer = nil
		q.pending <- j
	})
	return j.id, nil
}

// Get reports whether the job reached a terminal state and its error, if any.
func (q *Queue) Get(id string) (ready bool, jobErr error, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return false, nil, ErrJobNotFound
	}
	return j.state == stateDone, j.err, nil
}

// Revoke cancels a job: pending and scheduled jobs never run, active jobs get
// their context cancelled.
func (q *Queue) Revoke(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.state == stateDone {
		return nil
	}
	j.revoked = true
	switch j.state {
	case stateScheduled:
		if j.timer != nil && j.timer.Stop() {
			j.timer = nil
			j.state = stateDone
			j.err = errors.New("revoked before execution")
			q.jobsWG.Done()
		}
	case stateActive:
		if j.cancel != nil {
			j.cancel()
		}
	case statePending, stateDone:
	}
	log.Info().Str("job_id", id).Msg("job revoked")
	return nil
}

// Inspect snapshots the ids of live jobs, bucketed the way the reaper and
// the conflict resolver consume them.
func (q *Queue) Inspect() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	var snap Snapshot
	for _, j := range q.jobs {
		if j.revoked {
			continue
		}
		switch j.state {
		case stateActive:
			snap.Active = append(snap.Active, j.id)
		case statePending:
			snap.Reserved = append(snap.Reserved, j.id)
		case stateScheduled:
			snap.Scheduled = append(snap.Scheduled, j.id)
		case stateDone:
		}
	}
	return snap
}

// Ping reports whether the pool is accepting work. The request layer checks
// this before creating a task row so submissions are refused up front rather
// than queued forever.
func (q *Queue) Ping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running && (q.baseCtx == nil || q.baseCtx.Err() == nil)
}

// Forget drops a terminal job from the in-memory table.
func (q *Queue) Forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok && j.state == stateDone {
		delete(q.jobs, id)
	}
}

// Wait blocks until all submitted jobs finish or the context is done.
// Returns true if everything drained.
func (q *Queue) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		q.jobsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown cancels the base context and waits for workers to exit.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stop := q.stop
	q.mu.Unlock()
	stop()
	q.workersWG.Wait()
}
