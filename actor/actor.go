// Package actor implements the single-consumer mailbox runtime (spec
// §4.J): each Mailbox processes its queued Tasks strictly in order on at
// most one goroutine at a time, while a Pool bounds how many Mailboxes may
// be actively draining concurrently across the whole process.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enqueue once the Mailbox has been Closed.
var ErrClosed = errors.New("actor: mailbox closed")

// Task is one unit of work run on a Mailbox's consumer goroutine.
type Task func()

// Pool bounds the number of Mailboxes concurrently draining their queues,
// the way LiteCore's Actor scheduler shares one small thread pool across
// many actors instead of a goroutine-per-actor model.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool that allows at most maxConcurrent Mailboxes to be
// actively running a Task at once.
func NewPool(maxConcurrent int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Mailbox is a FIFO task queue with a single logical consumer.
type Mailbox struct {
	pool    *Pool
	mu      sync.Mutex
	queue   []Task
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// NewMailbox creates a Mailbox that draws its consumer goroutine from p.
func (p *Pool) NewMailbox() *Mailbox {
	return &Mailbox{pool: p}
}

// Enqueue appends t to the mailbox's queue, starting a drain goroutine if
// none is currently running. Enqueue never blocks on the Pool's
// concurrency limit — the drain goroutine it spawns does.
func (m *Mailbox) Enqueue(t Task) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.wg.Add(1)
	m.queue = append(m.queue, t)
	start := !m.running
	if start {
		m.running = true
	}
	m.mu.Unlock()
	if start {
		go m.drain()
	}
	return nil
}

// EnqueueAfter schedules t to be enqueued after delay elapses.
func (m *Mailbox) EnqueueAfter(delay time.Duration, t Task) {
	time.AfterFunc(delay, func() { _ = m.Enqueue(t) })
}

func (m *Mailbox) drain() {
	if err := m.pool.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer m.pool.sem.Release(1)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.runOne(t)
	}
}

func (m *Mailbox) runOne(t Task) {
	defer m.wg.Done()
	t()
}

// Close prevents further Enqueue calls; tasks already queued still run.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Wait blocks until every Task enqueued so far (including ones scheduled
// by EnqueueAfter that have already fired) has run.
func (m *Mailbox) Wait() {
	m.wg.Wait()
}
