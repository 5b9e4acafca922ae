// Package events fans committed trades out to downstream sinks (Kafka, the
// WebSocket hub) without blocking order execution.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/metrics"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

// Publisher delivers a trade event to one sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev model.TradeEvent) error
}

// Dispatcher runs publishers on a bounded goroutine pool. When the pool is
// saturated the event is dropped for that sink rather than delaying the
// caller. Delivery order across events is not guaranteed; consumers order
// by transaction timestamp.
//
// TradeExecuted and Close may be called concurrently. Events arriving after
// Close has started are dropped.
type Dispatcher struct {
	pool       *ants.Pool
	publishers []Publisher
	timeout    time.Duration

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with at most size concurrent deliveries.
// timeout bounds each Publish call.
func NewDispatcher(size int, timeout time.Duration, pubs ...Publisher) (*Dispatcher, error) {
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Dispatcher{pool: pool, publishers: pubs, timeout: timeout}, nil
}

// TradeExecuted schedules ev for every publisher and returns immediately.
func (d *Dispatcher) TradeExecuted(ev model.TradeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		for _, p := range d.publishers {
			metrics.EventsPublished.WithLabelValues(p.Name(), "dropped").Inc()
		}
		slog.Warn("trade event after dispatcher close", "tx_id", ev.Transaction.ID)
		return
	}

	for _, p := range d.publishers {
		d.wg.Add(1)
		err := d.pool.Submit(func() {
			defer d.wg.Done()
			d.deliver(p, ev)
		})
		if err != nil {
			d.wg.Done()
			metrics.EventsPublished.WithLabelValues(p.Name(), "dropped").Inc()
			slog.Warn("trade event dropped", "sink", p.Name(), "tx_id", ev.Transaction.ID, "err", err)
		}
	}
}

func (d *Dispatcher) deliver(p Publisher, ev model.TradeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := p.Publish(ctx, ev); err != nil {
		metrics.EventsPublished.WithLabelValues(p.Name(), "error").Inc()
		slog.Error("trade event publish failed", "sink", p.Name(), "tx_id", ev.Transaction.ID, "err", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(p.Name(), "ok").Inc()
}

// Close stops accepting events and waits for in-flight deliveries until ctx
// is done, then releases the pool.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	defer d.pool.Release()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
