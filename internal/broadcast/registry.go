package broadcast

import (
	"sync"

	"github.com/whisper/livechat/internal/metrics"
)

// Subscriber is a local connection that can receive frames. Send queues
// the frame for the connection's writer and must not wait on the socket.
type Subscriber interface {
	SubscriberID() string
	Send(data []byte) error
}

// Registry tracks which local connections subscribe to which destinations.
// It is safe for concurrent use; Deliver writes outside the lock.
type Registry struct {
	mu     sync.RWMutex
	byDest map[Destination]map[string]Subscriber
	byConn map[string]map[Destination]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDest: make(map[Destination]map[string]Subscriber),
		byConn: make(map[string]map[Destination]struct{}),
	}
}

// Subscribe adds sub to dest. It returns false if sub was already subscribed.
func (r *Registry) Subscribe(sub Subscriber, dest Destination) bool {
	id := sub.SubscriberID()

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byDest[dest]
	if !ok {
		subs = make(map[string]Subscriber)
		r.byDest[dest] = subs
	}
	if _, exists := subs[id]; exists {
		return false
	}
	subs[id] = sub

	dests, ok := r.byConn[id]
	if !ok {
		dests = make(map[Destination]struct{})
		r.byConn[id] = dests
	}
	dests[dest] = struct{}{}

	metrics.SubscriptionsActive.Inc()
	return true
}

// Unsubscribe removes connID from dest. It returns false if it was not
// subscribed.
func (r *Registry) Unsubscribe(connID string, dest Destination) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID, dest)
}

// UnsubscribeAll removes every subscription held by connID and returns how
// many were removed. Called on disconnect.
func (r *Registry) UnsubscribeAll(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for dest := range r.byConn[connID] {
		if r.removeLocked(connID, dest) {
			n++
		}
	}
	return n
}

func (r *Registry) removeLocked(connID string, dest Destination) bool {
	subs, ok := r.byDest[dest]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.byDest, dest)
	}
	if dests, ok := r.byConn[connID]; ok {
		delete(dests, dest)
		if len(dests) == 0 {
			delete(r.byConn, connID)
		}
	}
	metrics.SubscriptionsActive.Dec()
	return true
}

// Subscribers returns a snapshot of the subscribers of dest.
func (r *Registry) Subscribers(dest Destination) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byDest[dest]
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// Destinations returns the destinations connID is subscribed to.
func (r *Registry) Destinations(connID string) []Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Destination, 0, len(r.byConn[connID]))
	for d := range r.byConn[connID] {
		out = append(out, d)
	}
	return out
}

// Deliver hands data to every local subscriber of dest and returns how many
// accepted it. Rejected frames are counted and skipped; the connection is
// cleaned up by the transport when its next read fails.
func (r *Registry) Deliver(dest Destination, data []byte) int {
	delivered := 0
	for _, sub := range r.Subscribers(dest) {
		if err := sub.Send(data); err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}
