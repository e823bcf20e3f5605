package broadcast

import (
	"fmt"
	"log"
	"sync"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
)

// Bus is the cross-node pub/sub transport. messaging.NATSClient and
// LocalBus implement it.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) error
}

// Broadcaster publishes frames for a destination on the bus and, when
// started with a registry, delivers frames received from the bus to local
// subscribers.
type Broadcaster struct {
	bus      Bus
	registry *Registry

	mu      sync.Mutex
	started bool
}

// NewBroadcaster creates a broadcaster. registry may be nil for
// publish-only processes such as the presence notifier.
func NewBroadcaster(bus Bus, registry *Registry) *Broadcaster {
	return &Broadcaster{bus: bus, registry: registry}
}

// Send encodes body as a msgType frame for dest and publishes it. It never
// blocks on delivery and never returns an error: failures are logged and
// counted here so callers cannot roll back on a lost notification.
func (b *Broadcaster) Send(dest Destination, msgType string, body interface{}) {
	if err := b.Publish(dest, msgType, body); err != nil {
		log.Printf("[broadcast] send %s to %s failed: %v", msgType, dest, err)
	}
}

// Publish is Send with the error returned.
func (b *Broadcaster) Publish(dest Destination, msgType string, body interface{}) error {
	kind := dest.Kind().String()
	if dest.IsZero() {
		metrics.BroadcastsTotal.WithLabelValues(kind, "failed").Inc()
		return fmt.Errorf("broadcast: empty destination")
	}

	data, err := protocol.NewEventMessage(msgType, dest.Path(), body)
	if err != nil {
		metrics.BroadcastsTotal.WithLabelValues(kind, "failed").Inc()
		return fmt.Errorf("broadcast: encode %s: %w", msgType, err)
	}
	if err := b.bus.Publish(dest.Subject(), data); err != nil {
		metrics.BroadcastsTotal.WithLabelValues(kind, "failed").Inc()
		return fmt.Errorf("broadcast: publish %s: %w", dest, err)
	}
	metrics.BroadcastsTotal.WithLabelValues(kind, "published").Inc()
	return nil
}

// Start subscribes to every destination subject and fans received frames
// out through the registry.
func (b *Broadcaster) Start() error {
	if b.registry == nil {
		return fmt.Errorf("broadcast: start requires a registry")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if err := b.bus.Subscribe(SubjectAll, b.deliver); err != nil {
		return fmt.Errorf("broadcast: subscribe %s: %w", SubjectAll, err)
	}
	b.started = true
	log.Printf("[broadcast] delivering %s to local subscribers", SubjectAll)
	return nil
}

func (b *Broadcaster) deliver(subject string, data []byte) {
	dest, err := ParseSubject(subject)
	if err != nil {
		log.Printf("[broadcast] dropping frame: %v", err)
		return
	}
	b.registry.Deliver(dest, data)
}
