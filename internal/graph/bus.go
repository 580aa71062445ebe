package graph

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fedplane/internal/model"
)

// Event is one enrollment state-machine transition, delivered in order to
// every subscriber of that enrollment's stream
type Event struct {
	EnrollmentID string                 `json:"enrollmentId"`
	From         model.EnrollmentStatus `json:"from"`
	To           model.EnrollmentStatus `json:"to"`
	Actor        string                 `json:"actor"`
	ActorType    model.ActorType        `json:"actorType"`
	Detail       string                 `json:"detail,omitempty"`
	At           time.Time              `json:"at"`
}

// Subscriber is one bounded event queue for one enrollment stream
type Subscriber struct {
	enrollmentID string
	ch           chan Event
}

// C returns the receive side of the subscriber queue
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Bus is the per-enrollment publish/subscribe channel. Publishing never
// blocks the emitting worker: a full subscriber queue drops its oldest
// event instead of stalling the state machine.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscriber]struct{}
	queueSize int
	logger    *logrus.Entry
}

// NewBus creates an event bus with the given per-subscriber queue size
func NewBus(queueSize int, logger *logrus.Entry) *Bus {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Bus{
		subs:      make(map[string]map[*Subscriber]struct{}),
		queueSize: queueSize,
		logger:    logger.WithField("component", "graph-bus"),
	}
}

// Subscribe registers a new subscriber for one enrollment stream
func (b *Bus) Subscribe(enrollmentID string) *Subscriber {
	sub := &Subscriber{
		enrollmentID: enrollmentID,
		ch:           make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[enrollmentID] == nil {
		b.subs[enrollmentID] = make(map[*Subscriber]struct{})
	}
	b.subs[enrollmentID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its queue. Safe to call once
// per subscriber, on client disconnect or token expiry.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.enrollmentID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.enrollmentID)
	}
	close(sub.ch)
}

// Publish fans an event out to the enrollment's subscribers without blocking
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.EnrollmentID] {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: drop the oldest event, then retry once
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			b.logger.WithField("enrollment", ev.EnrollmentID).
				Warn("subscriber queue overflow, dropped oldest event")
		}
	}
}

// CloseEnrollment drops all subscribers of an enrollment, used when the
// enrollment reaches a terminal state and its stream token expires
func (b *Bus) CloseEnrollment(enrollmentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[enrollmentID] {
		close(sub.ch)
	}
	delete(b.subs, enrollmentID)
}
