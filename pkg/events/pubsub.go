package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agentd-project/agentd/pkg/models"
)

// Subscriber receives each appended event exactly once while subscribed.
// For a given subscriber, invocations never overlap and arrive in dispatch
// order.
type Subscriber func(evt models.Event)

// PubSub is the in-memory fan-out for one conversation. Dispatch is
// fire-and-forget from the publisher's perspective: each subscriber drains
// its own mailbox on a dedicated goroutine, so a slow subscriber never
// blocks the publisher or its peers.
type PubSub struct {
	mu     sync.RWMutex
	subs   map[string]*mailbox
	closed bool
}

// mailbox is an unbounded FIFO drained by a single goroutine per
// subscriber, preserving per-subscriber ordering.
type mailbox struct {
	fn     Subscriber
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []models.Event
	closed bool
	done   chan struct{}
}

func newMailbox(fn Subscriber) *mailbox {
	m := &mailbox{fn: fn, done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.drain()
	return m
}

func (m *mailbox) push(evt models.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, evt)
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *mailbox) drain() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		evt := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.fn(evt)
	}
}

// stop drains remaining events, then terminates the goroutine.
func (m *mailbox) stop() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Signal()
	<-m.done
}

// NewPubSub creates an empty topic.
func NewPubSub() *PubSub {
	return &PubSub{subs: make(map[string]*mailbox)}
}

// Subscribe registers a subscriber and returns its opaque id. Subscribing
// the same callback twice yields two independent subscriptions.
func (p *PubSub) Subscribe(fn Subscriber) string {
	id := uuid.New().String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return id
	}
	p.subs[id] = newMailbox(fn)
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are a no-op. Events already
// queued for the subscriber are still delivered.
func (p *PubSub) Unsubscribe(id string) {
	p.mu.Lock()
	mb, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		mb.stop()
	}
}

// Dispatch delivers an event to every current subscriber. Subscribers added
// after Dispatch returns do not receive the event.
func (p *PubSub) Dispatch(evt models.Event) {
	p.mu.RLock()
	boxes := make([]*mailbox, 0, len(p.subs))
	for _, mb := range p.subs {
		boxes = append(boxes, mb)
	}
	p.mu.RUnlock()

	for _, mb := range boxes {
		mb.push(evt)
	}
}

// SubscriberCount returns the number of active subscribers.
func (p *PubSub) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Close drains and stops all subscribers. The topic rejects new
// subscriptions afterwards.
func (p *PubSub) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	boxes := make([]*mailbox, 0, len(p.subs))
	for _, mb := range p.subs {
		boxes = append(boxes, mb)
	}
	p.subs = make(map[string]*mailbox)
	p.mu.Unlock()

	for _, mb := range boxes {
		mb.stop()
	}
}
