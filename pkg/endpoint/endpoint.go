// Package endpoint tracks the live message channels to the control panel and
// to the agents embedded in browser tabs.
package endpoint

import (
	"sync"

	"github.com/google/uuid"
)

// Kind identifies which side of the extension an endpoint talks to.
type Kind string

const (
	KindPanel   Kind = "panel"
	KindContent Kind = "content"
)

// Endpoint is a one-way push channel to a panel or content agent.
//
// Send never blocks and gives no delivery guarantee: a message to a full or
// closed channel is dropped and Send reports false. Cleanup of dead channels
// is driven by their disconnect, not by failed sends.
type Endpoint interface {
	ID() string
	Kind() Kind
	// TabID is the owning tab for content endpoints and 0 for the panel.
	TabID() int
	Send(msg any) bool
}

// Queue is an Endpoint backed by a bounded outbox. A transport drains the
// outbox through Messages and calls Close on disconnect.
type Queue struct {
	id    string
	kind  Kind
	tabID int

	mu     sync.Mutex
	out    chan any
	closed bool
}

// NewQueue creates a queue endpoint with room for size pending messages.
func NewQueue(kind Kind, tabID, size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		id:    uuid.NewString(),
		kind:  kind,
		tabID: tabID,
		out:   make(chan any, size),
	}
}

func (q *Queue) ID() string { return q.id }
func (q *Queue) Kind() Kind { return q.kind }
func (q *Queue) TabID() int { return q.tabID }

// Send enqueues msg without blocking.
func (q *Queue) Send(msg any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.out <- msg:
		return true
	default:
		return false
	}
}

// Messages returns the outbox. It is closed once Close is called.
func (q *Queue) Messages() <-chan any {
	return q.out
}

// Close stops accepting messages. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.out)
}
