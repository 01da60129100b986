package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clawback/clawback/pkg/saga"
)

// Message is one delivered bus message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Subscription is a live attachment to the local bus.
type Subscription struct {
	pattern string
	ch      chan Message
	bus     *LocalBus
	once    sync.Once
}

// C returns the read-only message channel.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		if s.bus.unsubscribe(s.pattern, s.ch) {
			close(s.ch)
		}
	})
	return nil
}

// LocalBus is the in-process pub/sub fabric. Delivery is best effort: the
// publisher never blocks, and a subscriber that stops draining loses its
// oldest messages first.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	bufferSize  int
	closed      bool
}

// NewLocalBus creates an in-process bus. bufferSize is the default channel
// buffer for subscriptions that do not choose their own.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &LocalBus{
		subscribers: make(map[string][]chan Message),
		bufferSize:  bufferSize,
	}
}

// Publish delivers to all matching subscriptions. Sends happen under the
// read lock so a concurrent Close can never close a channel mid-send.
func (b *LocalBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("events: subject cannot be empty")
	}

	msg := Message{
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("events: local bus is closed")
	}

	for pattern, channels := range b.subscribers {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, ch := range channels {
			select {
			case ch <- msg:
			default:
				// Full buffer: evict the oldest so the stream stays current.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
	return nil
}

// PublishStatus delivers a live status update to local subscribers.
func (b *LocalBus) PublishStatus(ctx context.Context, update saga.StatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("events: marshal status: %w", err)
	}
	return b.Publish(ctx, StatusSubject(update.OrderID), payload)
}

// Subscribe attaches a subscription for a subject pattern. Patterns support
// exact subjects, "*" single-segment wildcards, and a ">" tail wildcard.
func (b *LocalBus) Subscribe(pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("events: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = b.bufferSize
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("events: local bus is closed")
	}
	b.subscribers[pattern] = append(b.subscribers[pattern], ch)

	return &Subscription{
		pattern: pattern,
		ch:      ch,
		bus:     b,
	}, nil
}

func (b *LocalBus) unsubscribe(pattern string, target chan Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := b.subscribers[pattern]
	filtered := channels[:0]
	found := false
	for _, ch := range channels {
		if ch == target {
			found = true
			continue
		}
		filtered = append(filtered, ch)
	}
	if len(filtered) == 0 {
		delete(b.subscribers, pattern)
	} else {
		b.subscribers[pattern] = filtered
	}
	return found
}

// Close shuts the bus down and closes all subscriber channels.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for pattern, channels := range b.subscribers {
		for _, ch := range channels {
			close(ch)
		}
		delete(b.subscribers, pattern)
	}
	return nil
}

// Healthy reports whether the bus accepts publishes.
func (b *LocalBus) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatches supports exact, "*" segment, and ">" suffix wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ".>")
		if prefix == "" {
			return true
		}
		return subject == prefix || strings.HasPrefix(subject, prefix+".")
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")
	if len(patternParts) != len(subjectParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != subjectParts[i] {
			return false
		}
	}
	return true
}
