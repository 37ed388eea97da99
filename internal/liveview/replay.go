package liveview

import (
	"container/list"
	"sync"
)

const defaultReplaySize = 100

// ReplayQueue keeps the most recent frames per user so a reconnecting SSE
// client can resume from its Last-Event-ID. Each user has its own bounded
// list, so one user's burst cannot evict another's frames.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*userQueue
	maxSize int
}

type userQueue struct {
	frames  *list.List
	evicted int64 // highest frame id no longer retained
}

// NewReplayQueue creates a queue holding up to maxSize frames per user.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	return &ReplayQueue{
		queues:  make(map[string]*userQueue),
		maxSize: maxSize,
	}
}

// Enqueue appends f to its user's queue, evicting the oldest frames.
func (q *ReplayQueue) Enqueue(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	uq, ok := q.queues[f.UserID]
	if !ok {
		uq = &userQueue{frames: list.New()}
		q.queues[f.UserID] = uq
	}
	uq.frames.PushBack(f)
	for uq.frames.Len() > q.maxSize {
		uq.evicted = uq.frames.Remove(uq.frames.Front()).(Frame).ID
	}
}

// After returns the user's frames with an id greater than afterID, oldest
// first. ok is false when frames after afterID were already evicted, in which
// case the caller must resynchronize from a full view.
func (q *ReplayQueue) After(userID string, afterID int64) (missed []Frame, ok bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	uq, found := q.queues[userID]
	if !found || uq.evicted > afterID {
		return nil, false
	}
	for e := uq.frames.Front(); e != nil; e = e.Next() {
		if f := e.Value.(Frame); f.ID > afterID {
			missed = append(missed, f)
		}
	}
	return missed, true
}

// Len returns the number of frames retained for userID.
func (q *ReplayQueue) Len(userID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if uq, ok := q.queues[userID]; ok {
		return uq.frames.Len()
	}
	return 0
}

// Prune drops the user's queue.
func (q *ReplayQueue) Prune(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}
