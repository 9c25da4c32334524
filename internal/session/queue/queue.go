// Package queue holds the in-memory pending-session queue and the
// session-selection policies that rank it for the scheduler loop.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/lablup/baisched/internal/domain"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("session queue is full")
	// ErrSessionExists is returned when a session is already queued.
	ErrSessionExists = errors.New("session already exists in queue")
)

// QueuedSession is a pending session plus the bookkeeping a selection
// policy needs: priority, starts-at, enqueue time, HoL retry counter, and
// heap position.
type QueuedSession struct {
	SessionID     string
	Priority      int
	StartsAt      *time.Time
	EnqueuedAt    time.Time
	RetriesToSkip int
	Session       *domain.Session
	index         int // heap position, maintained by container/heap
}

// effectiveStartsAt treats a past starts-at as no constraint, per the
// "starts-at is a lower bound, not an exact time" convention.
func (q *QueuedSession) effectiveStartsAt() time.Time {
	if q.StartsAt == nil || q.StartsAt.Before(q.EnqueuedAt) {
		return q.EnqueuedAt
	}
	return *q.StartsAt
}

// sessionHeap implements heap.Interface ordered oldest-effective-time-first,
// with ties broken by higher priority first, then enqueue time.
type sessionHeap []*QueuedSession

func (h sessionHeap) Len() int { return len(h) }

func (h sessionHeap) Less(i, j int) bool {
	si, sj := h[i].effectiveStartsAt(), h[j].effectiveStartsAt()
	if !si.Equal(sj) {
		return si.Before(sj)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h sessionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *sessionHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedSession)
	item.index = n
	*h = append(*h, item)
}

func (h *sessionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// SessionQueue holds every pending session for a resource group, ordered by
// a binary heap exactly as the teacher's task queue, generalized to
// sessions and to the three selection policies in SPEC_FULL.md §4.3.
type SessionQueue struct {
	mu         sync.RWMutex
	heap       sessionHeap
	sessionMap map[string]*QueuedSession
	maxSize    int
}

// NewSessionQueue creates an empty queue. maxSize <= 0 means unbounded.
func NewSessionQueue(maxSize int) *SessionQueue {
	q := &SessionQueue{
		heap:       make(sessionHeap, 0),
		sessionMap: make(map[string]*QueuedSession),
		maxSize:    maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a pending session. Returns ErrSessionExists or ErrQueueFull.
func (q *SessionQueue) Enqueue(session *domain.Session) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.sessionMap[session.ID]; exists {
		return ErrSessionExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qs := &QueuedSession{
		SessionID:     session.ID,
		Priority:      session.Priority,
		StartsAt:      session.StartsAt,
		EnqueuedAt:    session.EnqueuedAt,
		RetriesToSkip: session.RetriesToSkip,
		Session:       session,
	}
	heap.Push(&q.heap, qs)
	q.sessionMap[session.ID] = qs
	return nil
}

// Remove takes a session out of the queue, e.g. after it is scheduled or
// cancelled. Returns false if it was not present.
func (q *SessionQueue) Remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs, exists := q.sessionMap[sessionID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qs.index)
	delete(q.sessionMap, sessionID)
	return true
}

// UpdatePriority changes a queued session's priority and re-heapifies.
func (q *SessionQueue) UpdatePriority(sessionID string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs, exists := q.sessionMap[sessionID]
	if !exists {
		return false
	}
	qs.Priority = priority
	heap.Fix(&q.heap, qs.index)
	return true
}

// IncrementRetriesToSkip bumps the HoL retry counter for a session that
// could not be placed this cycle.
func (q *SessionQueue) IncrementRetriesToSkip(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qs, ok := q.sessionMap[sessionID]; ok {
		qs.RetriesToSkip++
	}
}

// ResetRetriesToSkip clears the HoL retry counter after a successful
// placement.
func (q *SessionQueue) ResetRetriesToSkip(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qs, ok := q.sessionMap[sessionID]; ok {
		qs.RetriesToSkip = 0
	}
}

// Contains reports whether sessionID is currently queued.
func (q *SessionQueue) Contains(sessionID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.sessionMap[sessionID]
	return exists
}

// Len returns the number of queued sessions.
func (q *SessionQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull reports whether the queue is at max capacity.
func (q *SessionQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns a snapshot of every queued session, heap order (not
// necessarily selection-policy order — callers should run List through a
// SelectionPolicy to get a ranked prefix).
func (q *SessionQueue) List() []*QueuedSession {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]*QueuedSession, len(q.heap))
	copy(result, q.heap)
	return result
}

// Clear empties the queue.
func (q *SessionQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = make(sessionHeap, 0)
	q.sessionMap = make(map[string]*QueuedSession)
	heap.Init(&q.heap)
}
