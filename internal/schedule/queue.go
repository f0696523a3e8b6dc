// queue.go — Priority queue of outstanding crawl jobs.
// Ordering: priority descending, then scheduled instant ascending. Push and
// Pop are O(log n) via container/heap; Remove is an O(n) scan keyed by URL
// and is idempotent. The queue is safe for concurrent use: the driver's
// workers pop while the tick loop pushes.
//
// A popped job stays visible to Contains until the worker calls Finish for
// its URL. Without the lease, a slow crawl spanning a tick would be
// re-enqueued from its stale row and two workers would process the same
// page at once.
package schedule

import (
	"container/heap"
	"sync"
	"time"

	"github.com/forecourt/oemwatch/internal/types"
)

// Job is one queued crawl.
type Job struct {
	Tenant      types.Tenant
	Page        types.SourcePage
	Priority    int       // higher runs first
	ScheduledAt time.Time // tie-break, earlier first
	index       int       // heap bookkeeping
}

// Queue is the crawl job priority queue.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   jobHeap
	leased map[string]struct{} // popped but not yet finished, by page URL
	done   bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{leased: make(map[string]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a job.
func (q *Queue) Push(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}
	heap.Push(&q.jobs, j)
	q.cond.Signal()
}

// Pop blocks until a job is available or the queue is closed; returns nil
// after Close.
func (q *Queue) Pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 && !q.done {
		q.cond.Wait()
	}
	if len(q.jobs) == 0 {
		return nil
	}
	j := heap.Pop(&q.jobs).(*Job)
	q.leased[j.Page.URL] = struct{}{}
	return j
}

// TryPop returns the head without blocking, or nil when empty.
func (q *Queue) TryPop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := heap.Pop(&q.jobs).(*Job)
	q.leased[j.Page.URL] = struct{}{}
	return j
}

// Finish releases the lease for url once its job has fully completed. Until
// then Contains keeps reporting the page, so the tick loop cannot start an
// overlapping crawl for it.
func (q *Queue) Finish(url string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, url)
}

// Remove drops the queued job for url, reporting whether one was found.
// Safe to call for absent URLs.
func (q *Queue) Remove(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.Page.URL == url {
			heap.Remove(&q.jobs, i)
			return true
		}
	}
	return false
}

// Contains reports whether a job for url is queued or in flight.
func (q *Queue) Contains(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leased[url]; ok {
		return true
	}
	for _, j := range q.jobs {
		if j.Page.URL == url {
			return true
		}
	}
	return false
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close wakes all blocked Pop callers; subsequent pushes are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = true
	q.cond.Broadcast()
}

// jobHeap implements heap.Interface.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
