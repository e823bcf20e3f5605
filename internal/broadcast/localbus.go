package broadcast

import (
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/whisper/livechat/internal/metrics"
)

// ErrBusClosed is returned by a LocalBus after Close.
var ErrBusClosed = errors.New("broadcast: bus closed")

// localQueueSize bounds the frames waiting for one subscription's handler.
const localQueueSize = 4096

// LocalBus is an in-process Bus for single-node deployments. It supports
// exact subjects and a trailing ">" wildcard. Like a NATS subscription,
// every subscription has its own goroutine draining a bounded queue, so
// Publish never waits for a handler and frames reach each handler in
// publish order. Frames for a full queue are dropped.
type LocalBus struct {
	mu        sync.RWMutex
	subs      map[string]*localSub
	queueSize int
	closed    bool
}

type localMsg struct {
	subject string
	data    []byte
}

type localSub struct {
	pattern string
	handler func(subject string, data []byte)
	queue   chan localMsg
	stop    chan struct{}
	done    chan struct{}
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return newLocalBus(localQueueSize)
}

func newLocalBus(queueSize int) *LocalBus {
	return &LocalBus{subs: make(map[string]*localSub), queueSize: queueSize}
}

// Publish queues data for every subscription whose pattern matches subject.
func (l *LocalBus) Publish(subject string, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrBusClosed
	}

	for _, s := range l.subs {
		if !matchSubject(s.pattern, subject) {
			continue
		}
		select {
		case s.queue <- localMsg{subject: subject, data: data}:
		default:
			metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
			log.Printf("[broadcast] local queue for %s full, dropping frame on %s", s.pattern, subject)
		}
	}
	return nil
}

// Subscribe registers handler for pattern, replacing any previous one.
func (l *LocalBus) Subscribe(pattern string, handler func(subject string, data []byte)) error {
	sub := &localSub{
		pattern: pattern,
		handler: handler,
		queue:   make(chan localMsg, l.queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrBusClosed
	}
	old := l.subs[pattern]
	l.subs[pattern] = sub
	l.mu.Unlock()

	go sub.run()
	if old != nil {
		old.close()
	}
	return nil
}

// Close stops every subscription goroutine. Queued frames are discarded.
func (l *LocalBus) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = make(map[string]*localSub)
	l.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (s *localSub) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case m := <-s.queue:
			s.handler(m.subject, m.data)
		}
	}
}

// close stops the drainer and waits for the handler in flight to return.
func (s *localSub) close() {
	close(s.stop)
	<-s.done
}

func matchSubject(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(subject, prefix) && len(subject) > len(prefix)
	}
	return pattern == subject
}
