// internal/alerting/alerter.go
package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = 5 * time.Second
)

// Sink is one notification channel (websocket, Redis stream, webhook, database).
type Sink interface {
	Name() string
	Send(ctx context.Context, alert data.Alert) error
}

// Alerter records alerts and fans them out to every configured sink. Publish never blocks
// on a sink: delivery happens on the Run goroutine.
type Alerter struct {
	store  *Store
	sinks  []Sink
	queue  chan data.Alert
	logger *zap.Logger

	sendTimeout time.Duration
	dropped     atomic.Uint64
	failed      atomic.Uint64
	wg          sync.WaitGroup
}

func NewAlerter(store *Store, logger *zap.Logger, sinks ...Sink) *Alerter {
	return &Alerter{
		store:       store,
		sinks:       sinks,
		queue:       make(chan data.Alert, defaultQueueSize),
		logger:      logger,
		sendTimeout: defaultSendTimeout,
	}
}

// AddSink registers another channel. Call before Start.
func (a *Alerter) AddSink(s Sink) {
	a.sinks = append(a.sinks, s)
}

func (a *Alerter) Store() *Store { return a.store }

// Publish stores alerts and queues them for delivery.
func (a *Alerter) Publish(alerts ...data.Alert) {
	if len(alerts) == 0 {
		return
	}
	a.store.Add(alerts...)
	for _, alert := range alerts {
		a.logger.Info("Alert raised",
			zap.String("alert_id", alert.ID),
			zap.String("device_id", alert.DeviceID),
			zap.String("kind", string(alert.Kind)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message))
		select {
		case a.queue <- alert:
		default:
			a.dropped.Add(1)
			a.logger.Warn("Alert queue full, notification dropped", zap.String("alert_id", alert.ID))
		}
	}
}

// Start runs the delivery loop on its own goroutine. Wait returns once it has flushed.
func (a *Alerter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Run(ctx)
	}()
}

// Run delivers queued alerts until ctx is done, then flushes what is left.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case alert := <-a.queue:
			a.deliver(alert)
		case <-ctx.Done():
			for {
				select {
				case alert := <-a.queue:
					a.deliver(alert)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until the loop started by Start has returned.
func (a *Alerter) Wait() { a.wg.Wait() }

func (a *Alerter) deliver(alert data.Alert) {
	for _, s := range a.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
		err := s.Send(ctx, alert)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Error("Alert delivery failed",
				zap.String("sink", s.Name()),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}
}

// Dropped and Failed count notifications lost to a full queue and to sink errors.
func (a *Alerter) Dropped() uint64 { return a.dropped.Load() }
func (a *Alerter) Failed() uint64  { return a.failed.Load() }
