// Package events bridges the in-process event bus onto the websocket
// fan-out. It subscribes to the saga lifecycle and live status streams and
// forwards every message to the sink; per-client order filtering stays in
// the sink.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clawback/clawback/pkg/api/handlers"
	busevents "github.com/clawback/clawback/pkg/events"
	"github.com/clawback/clawback/pkg/logger"
	"github.com/clawback/clawback/pkg/saga"
)

const bridgeBuffer = 256

// Sink receives bridged events. *handlers.WebSocketHandler satisfies it.
type Sink interface {
	Broadcast(event handlers.EventMessage) error
}

// Bridge pumps bus messages into a sink until stopped.
type Bridge struct {
	bus  *busevents.LocalBus
	sink Sink
	log  logger.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBridge creates a bridge between the bus and the sink.
func NewBridge(bus *busevents.LocalBus, sink Sink, log logger.Logger) *Bridge {
	return &Bridge{
		bus:  bus,
		sink: sink,
		log:  log,
	}
}

// Start subscribes to the lifecycle and status streams and begins
// forwarding. It is a no-op after the first call.
func (b *Bridge) Start(ctx context.Context) error {
	var startErr error
	b.startOnce.Do(func() {
		eventSub, err := b.bus.Subscribe(busevents.AllSubject(), bridgeBuffer)
		if err != nil {
			startErr = err
			return
		}
		statusSub, err := b.bus.Subscribe(busevents.AllStatusSubject(), bridgeBuffer)
		if err != nil {
			_ = eventSub.Close()
			startErr = err
			return
		}

		ctx, b.cancel = context.WithCancel(ctx)
		b.wg.Add(2)
		go b.pump(ctx, eventSub, b.forwardEvent)
		go b.pump(ctx, statusSub, b.forwardStatus)
	})
	return startErr
}

// Stop detaches from the bus and waits for in-flight forwards.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *Bridge) pump(ctx context.Context, sub *busevents.Subscription, forward func(busevents.Message)) {
	defer b.wg.Done()
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			forward(msg)
		}
	}
}

func (b *Bridge) forwardEvent(msg busevents.Message) {
	envelope, err := busevents.ParseEnvelope(msg.Payload)
	if err != nil {
		if b.log != nil {
			b.log.Warn("dropping undecodable bus event", "subject", msg.Subject, "error", err)
		}
		return
	}

	payload := map[string]any{
		"order_id":     envelope.OrderID,
		"execution_id": envelope.ExecutionID,
		"sequence":     envelope.Sequence,
	}
	if envelope.StepName != "" {
		payload["step_name"] = envelope.StepName
	}
	if len(envelope.Payload) > 0 {
		var details map[string]string
		if err := json.Unmarshal(envelope.Payload, &details); err == nil {
			payload["details"] = details
		}
	}

	_ = b.sink.Broadcast(handlers.EventMessage{
		Type:      string(envelope.EventType),
		Timestamp: envelope.Timestamp,
		Payload:   payload,
	})
}

func (b *Bridge) forwardStatus(msg busevents.Message) {
	var update saga.StatusUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		if b.log != nil {
			b.log.Warn("dropping undecodable status update", "subject", msg.Subject, "error", err)
		}
		return
	}

	_ = b.sink.Broadcast(handlers.EventMessage{
		Type:      "status",
		Timestamp: update.At,
		Payload: map[string]any{
			"order_id":     update.OrderID,
			"execution_id": update.ExecutionID,
			"phase":        string(update.Phase),
		},
	})
}
