// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distributed

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// QueuedTask is a task waiting in, or leased from, the queue.
type QueuedTask struct {
	ID         string        `json:"id"`
	Task       pipeline.Task `json:"task"`
	Requeues   int           `json:"requeues"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// Lease is a worker's claim on a task until Deadline.
type Lease struct {
	ID       string     `json:"id"`
	WorkerID string     `json:"workerId"`
	Task     QueuedTask `json:"task"`
	LeasedAt time.Time  `json:"leasedAt"`
	Deadline time.Time  `json:"deadline"`
}

// Queue is the FIFO of ready tasks plus the table of active leases.
//
// Description:
//
//	Lease hands out pending tasks oldest first, skipping tasks the worker
//	cannot run. A lease lives until its deadline; ExtendLeases pushes the
//	deadline forward on every heartbeat of its worker. Expired leases go
//	back to the head of the queue with their requeue counter incremented;
//	a task requeued more than maxRequeues times is returned as exhausted
//	instead.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Queue struct {
	leaseTimeout time.Duration
	maxRequeues  int
	now          func() time.Time

	mu      sync.Mutex
	pending []QueuedTask
	leases  map[string]*Lease
	paused  bool
}

// NewQueue creates an empty queue.
func NewQueue(leaseTimeout time.Duration, maxRequeues int) *Queue {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	if maxRequeues < 0 {
		maxRequeues = 0
	}
	return &Queue{
		leaseTimeout: leaseTimeout,
		maxRequeues:  maxRequeues,
		now:          time.Now,
		leases:       make(map[string]*Lease),
	}
}

// Enqueue appends a task and returns its queue id.
func (q *Queue) Enqueue(t pipeline.Task) string {
	qt := QueuedTask{ID: uuid.NewString(), Task: t, EnqueuedAt: q.now().UTC()}
	q.mu.Lock()
	q.pending = append(q.pending, qt)
	q.mu.Unlock()
	return qt.ID
}

// Lease claims up to max tasks the worker supports. A paused queue hands
// out nothing.
func (q *Queue) Lease(workerID string, supports func(jobType string) bool, max int) []Lease {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return nil
	}

	now := q.now().UTC()
	var out []Lease
	remaining := q.pending[:0]
	for _, qt := range q.pending {
		if len(out) < max && (supports == nil || supports(qt.Task.Job.Type)) {
			l := &Lease{
				ID:       uuid.NewString(),
				WorkerID: workerID,
				Task:     qt,
				LeasedAt: now,
				Deadline: now.Add(q.leaseTimeout),
			}
			q.leases[l.ID] = l
			out = append(out, *l)
			continue
		}
		remaining = append(remaining, qt)
	}
	// Clear the tail so dropped tasks can be collected.
	for i := len(remaining); i < len(q.pending); i++ {
		q.pending[i] = QueuedTask{}
	}
	q.pending = remaining
	return out
}

// ExtendLeases moves the deadline of every lease held by workerID.
func (q *Queue) ExtendLeases(workerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	deadline := q.now().UTC().Add(q.leaseTimeout)
	n := 0
	for _, l := range q.leases {
		if l.WorkerID == workerID {
			l.Deadline = deadline
			n++
		}
	}
	return n
}

// Complete removes a lease and returns it.
func (q *Queue) Complete(leaseID string) (Lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leases[leaseID]
	if !ok {
		return Lease{}, false
	}
	delete(q.leases, leaseID)
	return *l, true
}

// Remove drops a task whether pending or leased. It reports whether the
// task was found.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, qt := range q.pending {
		if qt.ID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	for id, l := range q.leases {
		if l.Task.ID == taskID {
			delete(q.leases, id)
			return true
		}
	}
	return false
}

// RequeueExpired returns expired leases to the queue.
//
// Outputs:
//
//	requeued  - Tasks put back at the head of the queue.
//	exhausted - Tasks dropped because they exceeded the requeue budget.
func (q *Queue) RequeueExpired() (requeued, exhausted []QueuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	return q.reclaim(func(l *Lease) bool { return now.After(l.Deadline) })
}

// RequeueWorker returns every lease of workerID to the queue.
func (q *Queue) RequeueWorker(workerID string) (requeued, exhausted []QueuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaim(func(l *Lease) bool { return l.WorkerID == workerID })
}

// reclaim must be called with q.mu held.
func (q *Queue) reclaim(match func(*Lease) bool) (requeued, exhausted []QueuedTask) {
	for id, l := range q.leases {
		if !match(l) {
			continue
		}
		delete(q.leases, id)
		qt := l.Task
		qt.Requeues++
		if qt.Requeues > q.maxRequeues {
			exhausted = append(exhausted, qt)
			continue
		}
		requeued = append(requeued, qt)
	}
	if len(requeued) > 0 {
		// Oldest first, ahead of tasks that never ran.
		sortByEnqueued(requeued)
		q.pending = append(append([]QueuedTask(nil), requeued...), q.pending...)
	}
	return requeued, exhausted
}

// ActiveLeases counts the leases held by workerID.
func (q *Queue) ActiveLeases(workerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.leases {
		if l.WorkerID == workerID {
			n++
		}
	}
	return n
}

// Pause stops Lease from handing out tasks.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables leasing.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Paused reports whether leasing is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Depth returns the number of pending tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of active leases.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leases)
}

func sortByEnqueued(ts []QueuedTask) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].EnqueuedAt.Before(ts[j].EnqueuedAt) })
}
