package notify

import (
	"context"

	"go.uber.org/zap"

	"mcpplane/internal/events"
	"mcpplane/internal/observability"
)

const defaultQueueSize = 256

// Dispatcher receives committed events from the engine, broadcasts them on
// the bus right away and hands them to the sink from a background worker.
type Dispatcher struct {
	Sink    Sink
	Bus     *Bus
	Logger  *zap.Logger
	Metrics *observability.Metrics

	queue chan Notification
}

func NewDispatcher(sink Sink, bus *Bus, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Sink:    sink,
		Bus:     bus,
		Logger:  logger,
		Metrics: metrics,
		queue:   make(chan Notification, defaultQueueSize),
	}
}

// Publish never blocks the caller. A full queue drops the sink delivery.
func (d *Dispatcher) Publish(_ context.Context, rec events.Record) {
	n := FromRecord(rec)
	if d.Bus != nil {
		d.Bus.Publish(n)
	}
	if d.Sink == nil {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.Logger.Warn("notification queue full, dropping", zap.String("type", n.Type), zap.Int64("event_id", n.ID))
		d.Metrics.RecordNotificationFailure("queue")
	}
}

// Run delivers queued notifications until ctx is done, then drains the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(context.Background(), n)
				default:
					return
				}
			}
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	if err := d.Sink.Notify(ctx, n); err != nil {
		d.Logger.Warn("notification delivery failed",
			zap.String("type", n.Type),
			zap.Int64("event_id", n.ID),
			zap.Error(err))
		d.Metrics.RecordNotificationFailure("sink")
	}
}
