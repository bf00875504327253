package queue

import (
	"context"
	"sync"
	"time"
)

type memorySlot struct {
	owner   string
	expires time.Time
}

// MemoryQueue is a single-process JobQueue used when no Redis URL is
// configured and in tests.
type MemoryQueue struct {
	mu     sync.Mutex
	lists  map[JobType][]*Job
	notify map[JobType]chan struct{}
	slots  map[string]memorySlot
	now    func() time.Time
}

var _ JobQueue = (*MemoryQueue)(nil)

func NewMemory() *MemoryQueue {
	return &MemoryQueue{
		lists:  make(map[JobType][]*Job),
		notify: make(map[JobType]chan struct{}),
		slots:  make(map[string]memorySlot),
		now:    time.Now,
	}
}

// signal must be called with mu held.
func (q *MemoryQueue) signal(t JobType) chan struct{} {
	ch, ok := q.notify[t]
	if !ok {
		ch = make(chan struct{}, 1)
		q.notify[t] = ch
	}
	return ch
}

func (q *MemoryQueue) wake(t JobType) {
	select {
	case q.signal(t) <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	prepare(job)
	copied := *job

	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists[job.Type] = append(q.lists[job.Type], &copied)
	q.wake(job.Type)
	return nil
}

func (q *MemoryQueue) pop(t JobType) (*Job, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.lists[t]
	if len(list) == 0 {
		return nil, q.signal(t)
	}
	job := list[0]
	q.lists[t] = list[1:]
	if len(q.lists[t]) > 0 {
		q.wake(t)
	}
	return job, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, t JobType, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		job, wait := q.pop(t)
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (q *MemoryQueue) Length(ctx context.Context, t JobType) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[t])), nil
}

func (q *MemoryQueue) AcquireSlot(ctx context.Context, slot, owner string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if held, ok := q.slots[slot]; ok && now.Before(held.expires) {
		return false, nil
	}
	q.slots[slot] = memorySlot{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (q *MemoryQueue) ReleaseSlot(ctx context.Context, slot, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if held, ok := q.slots[slot]; ok && held.owner == owner {
		delete(q.slots, slot)
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}
