// Package fanout delivers document ops to live subscribers and keeps
// replicated documents fed from their host server.
package fanout

import (
	"sync"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

const defaultBufferSize = 64

// Event is one delivery to a subscriber: a batch of ops or an upstream
// connection state change.
type Event struct {
	Ops   []model.FederatedOp
	State ConnState
}

type subscription struct {
	ch     chan Event
	closed bool
}

// Registry maps documents to their live subscribers.
type Registry struct {
	bufferSize int
	logger     *logger.Logger

	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]*subscription
}

// NewRegistry creates a Registry. Each subscriber may lag bufferSize events
// behind before it is dropped.
func NewRegistry(bufferSize int, logger *logger.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Registry{
		bufferSize: bufferSize,
		logger:     logger,
		subs:       make(map[string]map[uint64]*subscription),
	}
}

// Subscribe registers a subscriber of docID. The channel is closed after
// unsubscribe is called or when the subscriber falls too far behind; the
// caller then resumes from its last seen lamport timestamp.
func (r *Registry) Subscribe(docID string) (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	sub := &subscription{ch: make(chan Event, r.bufferSize)}

	if r.subs[docID] == nil {
		r.subs[docID] = make(map[uint64]*subscription)
	}
	r.subs[docID][id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removeLocked(docID, id)
		})
	}
}

// Publish delivers ops to every subscriber of docID without blocking.
func (r *Registry) Publish(docID string, ops []model.FederatedOp) {
	if len(ops) == 0 {
		return
	}
	r.broadcast(docID, Event{Ops: ops})
}

// PublishState tells subscribers of docID about an upstream connection change.
func (r *Registry) PublishState(docID string, state ConnState) {
	r.broadcast(docID, Event{State: state})
}

// SubscriberCount returns the number of live subscribers of docID.
func (r *Registry) SubscriberCount(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs[docID])
}

func (r *Registry) broadcast(docID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sub := range r.subs[docID] {
		select {
		case sub.ch <- ev:
		default:
			r.logger.Warn("dropping slow subscriber", "doc_id", docID)
			r.removeLocked(docID, id)
		}
	}
}

func (r *Registry) removeLocked(docID string, id uint64) {
	subs := r.subs[docID]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.subs, docID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
