// Package dispatch serializes outbound provider calls per session. Every
// send for a session flows through one FIFO queue drained by at most one
// loop, with a fixed pause between sends to respect provider abuse limits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/servisia/wa-engine/pkg/log"
)

// DefaultDelay is the pause between consecutive sends on one session.
const DefaultDelay = 2 * time.Second

// ErrSessionClosed fails jobs still queued when their session is removed.
var ErrSessionClosed = errors.New("dispatch: session closed")

// Operation is one deferred provider call.
type Operation func(ctx context.Context) (interface{}, error)

// Pending is the caller's handle on a scheduled operation's outcome.
type Pending struct {
	done   chan struct{}
	result interface{}
	err    error
}

// Wait blocks until the operation ran (or the session was closed under
// it) or ctx expires. The operation itself is not cancelled by ctx: an
// in-flight network call cannot be recalled.
func (p *Pending) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.result, p.err
	}
}

func (p *Pending) resolve(result interface{}, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

type job struct {
	op      Operation
	pending *Pending
}

type sessionQueue struct {
	jobs     []*job
	draining bool
}

type Scheduler struct {
	delay time.Duration

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

func New(delay time.Duration) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Scheduler{
		delay:  delay,
		queues: make(map[string]*sessionQueue),
	}
}

// Schedule enqueues op on the session's queue and returns immediately.
// Submissions run in FIFO order, never concurrently within a session.
func (s *Scheduler) Schedule(sessionID string, op Operation) *Pending {
	j := &job{op: op, pending: &Pending{done: make(chan struct{})}}

	s.mu.Lock()
	q, ok := s.queues[sessionID]
	if !ok {
		q = &sessionQueue{}
		s.queues[sessionID] = q
	}
	q.jobs = append(q.jobs, j)
	start := !q.draining
	if start {
		q.draining = true
	}
	s.mu.Unlock()

	if start {
		go s.drain(sessionID, q)
	}
	return j.pending
}

// Flush starts draining the session's queue if jobs are waiting without a
// drainer. A no-op for empty or unknown sessions.
func (s *Scheduler) Flush(sessionID string) {
	s.mu.Lock()
	q, ok := s.queues[sessionID]
	start := ok && len(q.jobs) > 0 && !q.draining
	if start {
		q.draining = true
	}
	s.mu.Unlock()

	if start {
		go s.drain(sessionID, q)
	}
}

// drain pops and runs jobs until its queue empties. The identity check
// against the registered queue makes a drainer orphaned by Close step
// aside instead of racing a successor started after re-creation.
func (s *Scheduler) drain(sessionID string, q *sessionQueue) {
	for {
		s.mu.Lock()
		if s.queues[sessionID] != q || len(q.jobs) == 0 {
			q.draining = false
			s.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		s.mu.Unlock()

		result, err := runJob(sessionID, j.op)
		j.pending.resolve(result, err)

		time.Sleep(s.delay)
	}
}

// runJob executes one operation, converting a panic into a per-job error
// so one bad send never kills the drain loop.
func runJob(sessionID string, op Operation) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: operation panicked: %v", r)
			log.Session(sessionID).Error(err.Error())
		}
	}()
	return op(context.Background())
}

// Close drops the session's queue. Jobs still waiting fail with
// ErrSessionClosed; the in-flight operation, if any, completes on its own.
func (s *Scheduler) Close(sessionID string) {
	s.mu.Lock()
	q, ok := s.queues[sessionID]
	var orphaned []*job
	if ok {
		orphaned = q.jobs
		delete(s.queues, sessionID)
	}
	s.mu.Unlock()

	for _, j := range orphaned {
		j.pending.resolve(nil, ErrSessionClosed)
	}
}

// Len reports how many jobs are still queued for a session.
func (s *Scheduler) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[sessionID]; ok {
		return len(q.jobs)
	}
	return 0
}
