package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clawback/clawback/pkg/saga"
)

// Transport publishes bytes to a subject. LocalBus, NATSPublisher, and
// RedisPublisher all satisfy it.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

type multiTransport struct {
	transports []Transport
}

// MultiTransport fans one publish out to several transports. Every transport
// is attempted; failures are joined.
func MultiTransport(transports ...Transport) Transport {
	return &multiTransport{transports: transports}
}

func (m *multiTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	var errs []error
	for _, t := range m.transports {
		if err := t.Publish(ctx, subject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Telemetry records publish pipeline health.
type Telemetry interface {
	RecordPublish(status string)
	RecordRetry()
	SetDegradedMode(active bool)
	RecordOutage()
	RecordRecovery()
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(status string) {}
func (nopTelemetry) RecordRetry()                {}
func (nopTelemetry) SetDegradedMode(active bool) {}
func (nopTelemetry) RecordOutage()               {}
func (nopTelemetry) RecordRecovery()             {}

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default publish retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Publisher turns saga events into canonical envelopes and writes them to a
// transport with retry, per-order sequencing, and degraded-mode tracking.
type Publisher struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	telemetry Telemetry

	mu        sync.Mutex
	sequences map[string]int64
	degraded  bool
}

// NewPublisher creates an event publisher. A nil telemetry is replaced with
// a no-op recorder.
func NewPublisher(nodeID string, transport Transport, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("events: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("events: transport cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("events: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("events: invalid retry config")
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{
		transport: transport,
		nodeID:    nodeID,
		retry:     retry,
		telemetry: telemetry,
		sequences: make(map[string]int64),
	}, nil
}

// Publish envelopes the event and writes it to the transport, retrying with
// backoff. Sequence numbers are per order and only ever move forward, even
// when the publish itself fails.
func (p *Publisher) Publish(ctx context.Context, event saga.Event) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}

	envelope, err := BuildEnvelope(event, p.nodeID, p.nextSequence(event.OrderID))
	if err != nil {
		return Envelope{}, err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	subject := EventSubject(event.OrderID, event.Type)

	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = p.transport.Publish(ctx, subject, body)
		if publishErr == nil {
			p.telemetry.RecordPublish("success")
			p.onPublishRecovered()
			return envelope, nil
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry()
		p.onPublishOutage()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.telemetry.RecordPublish("failed")
	p.onPublishOutage()
	return Envelope{}, fmt.Errorf("events: publish failed: %w", publishErr)
}

// Degraded reports whether the publisher currently considers its sink down.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) nextSequence(orderID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[orderID]++
	return p.sequences[orderID]
}

func (p *Publisher) onPublishOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return
	}
	p.degraded = true
	p.telemetry.SetDegradedMode(true)
	p.telemetry.RecordOutage()
}

func (p *Publisher) onPublishRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		return
	}
	p.degraded = false
	p.telemetry.SetDegradedMode(false)
	p.telemetry.RecordRecovery()
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// emitTimeout bounds how long one queued event may spend in publish retries.
const emitTimeout = 5 * time.Second

// Emitter adapts a Publisher to the saga.EventEmitter port. A bounded queue
// and a single background worker decouple publishing from saga progress;
// when the queue is full the oldest pending event is dropped.
type Emitter struct {
	publisher *Publisher
	logger    saga.Logger
	queue     chan saga.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ saga.EventEmitter = (*Emitter)(nil)

// NewEmitter starts the background worker. Close releases it.
func NewEmitter(publisher *Publisher, logger saga.Logger, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = nopLogger{}
	}
	e := &Emitter{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan saga.Event, buffer),
		done:      make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit implements saga.EventEmitter. It never blocks the caller.
func (e *Emitter) Emit(_ context.Context, event saga.Event) {
	select {
	case e.queue <- event:
		return
	default:
	}
	select {
	case <-e.queue:
	default:
	}
	select {
	case e.queue <- event:
	default:
	}
}

// Close stops the worker after draining already queued events.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
	return nil
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			for {
				select {
				case event := <-e.queue:
					e.publish(event)
				default:
					return
				}
			}
		case event := <-e.queue:
			e.publish(event)
		}
	}
}

func (e *Emitter) publish(event saga.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if _, err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("event publish failed",
			"order_id", event.OrderID,
			"event_type", string(event.Type),
			"error", err)
	}
}

// StatusSink receives live status updates. LocalBus and RedisPublisher
// satisfy it.
type StatusSink interface {
	PublishStatus(ctx context.Context, update saga.StatusUpdate) error
}

var _ StatusSink = (*LocalBus)(nil)

// Notifier fans status updates out to its sinks and satisfies the
// saga.StatusNotifier port. Sink failures are logged and swallowed; live
// status is advisory.
type Notifier struct {
	logger saga.Logger
	sinks  []StatusSink
}

var _ saga.StatusNotifier = (*Notifier)(nil)

// NewNotifier builds a status notifier over the given sinks.
func NewNotifier(logger saga.Logger, sinks ...StatusSink) *Notifier {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Notifier{logger: logger, sinks: sinks}
}

// Notify implements saga.StatusNotifier.
func (n *Notifier) Notify(ctx context.Context, update saga.StatusUpdate) {
	for _, sink := range n.sinks {
		if err := sink.PublishStatus(ctx, update); err != nil {
			n.logger.Warn("status publish failed",
				"order_id", update.OrderID,
				"phase", string(update.Phase),
				"error", err)
		}
	}
}
