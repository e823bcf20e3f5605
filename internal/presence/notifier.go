package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/metrics"
)

// OfflineHandler performs the offline transition for a user whose isOnline
// key expired.
type OfflineHandler interface {
	MarkOffline(ctx context.Context, userID int64, at time.Time) error
}

// NotifierConfig tunes the expiration notifier.
type NotifierConfig struct {
	Timeout  time.Duration    // upper bound for one MarkOffline call
	Location *time.Location   // reference zone for lastSeenOn timestamps
	Now      func() time.Time // clock, overridable in tests
}

// DefaultNotifierConfig returns a 5s handler timeout in UTC.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Timeout:  5 * time.Second,
		Location: time.UTC,
		Now:      time.Now,
	}
}

// Notifier turns expired isOnline keys into offline transitions. It is the
// only consumer of the expiry source and processes keys one at a time in
// delivery order. Failures for a single key are logged and dropped; the
// loop only exits on Stop or when the source closes.
type Notifier struct {
	source  ExpiredKeySource
	handler OfflineHandler
	config  NotifierConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a notifier. Zero config fields fall back to defaults.
func NewNotifier(source ExpiredKeySource, handler OfflineHandler, config NotifierConfig) *Notifier {
	def := DefaultNotifierConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Location == nil {
		config.Location = def.Location
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	return &Notifier{source: source, handler: handler, config: config}
}

// Start subscribes to the source and begins processing in a background
// goroutine. It returns an error if the subscription cannot be set up or
// the notifier is already running.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done != nil {
		return errors.New("presence: notifier already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	keys, err := n.source.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("presence: notifier subscribe: %w", err)
	}

	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(runCtx, keys, n.done)

	log.Printf("[notifier] started (timeout=%s zone=%s)", n.config.Timeout, n.config.Location)
	return nil
}

// Stop cancels processing and waits for the loop to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("[notifier] stopped")
}

func (n *Notifier) run(ctx context.Context, keys <-chan string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-keys:
			if !ok {
				if ctx.Err() == nil {
					log.Printf("[notifier] expiry source closed")
				}
				return
			}
			n.handle(ctx, key)
		}
	}
}

// handle processes one expired key. It never panics out of the loop.
func (n *Notifier) handle(ctx context.Context, key string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ExpirationsTotal.WithLabelValues("failed").Inc()
			log.Printf("[notifier] panic handling key=%q: %v", key, r)
		}
	}()

	userID, attr, err := ParseKey(key)
	if err != nil {
		if !strings.HasPrefix(key, KeyPrefix) {
			// Keys from other subsystems (rate limits) share the keyevent channel.
			metrics.ExpirationsTotal.WithLabelValues("ignored").Inc()
			return
		}
		err = apperr.Wrap(apperr.KindMalformed, err, "malformed presence key")
		metrics.ExpirationsTotal.WithLabelValues("malformed").Inc()
		log.Printf("[notifier] dropping key=%q: %v", key, err)
		return
	}
	if attr != AttrIsOnline {
		metrics.ExpirationsTotal.WithLabelValues("ignored").Inc()
		return
	}

	now := n.config.Now().In(n.config.Location)
	hctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	if err := n.handler.MarkOffline(hctx, userID, now); err != nil {
		metrics.ExpirationsTotal.WithLabelValues("failed").Inc()
		log.Printf("[notifier] offline transition user=%d failed: %v", userID, err)
		return
	}
	metrics.ExpirationsTotal.WithLabelValues("processed").Inc()
	log.Printf("[notifier] user=%d expired, offline at %s", userID, now.Format(time.RFC3339))
}
