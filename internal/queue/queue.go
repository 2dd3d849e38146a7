package queue

import (
	"errors"
	"sync"

	"agentflow/internal/domain"
)

var ErrQueueFull = errors.New("job queue is at maximum depth")

// Queue is the ordered waiting list of submitted jobs. Higher numeric
// priority dequeues first; equal priorities keep submission order.
// Ordering is maintained by inserting each job at its position, so
// equal-priority jobs are never reshuffled by later enqueues.
type Queue struct {
	mu       sync.Mutex
	maxDepth int
	items    []*domain.Job
}

func New(maxDepth int) *Queue {
	if maxDepth <= 0 {
		maxDepth = 256
	}
	return &Queue{maxDepth: maxDepth}
}

func (q *Queue) Enqueue(job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxDepth {
		return ErrQueueFull
	}
	pos := len(q.items)
	for i, existing := range q.items {
		if job.Request.Priority > existing.Request.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = job
	return nil
}

// DequeueNext removes and returns the head of the queue, or nil when
// the queue is empty.
func (q *Queue) DequeueNext() *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	job := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return job
}

// Peek returns the queued job with the given id without removing it.
func (q *Queue) Peek(jobID string) (*domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.items {
		if job.ID == jobID {
			return job, true
		}
	}
	return nil, false
}

// Remove takes a job out of the waiting list permanently. It reports
// whether the job was present.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.items {
		if job.ID != jobID {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
		return true
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
