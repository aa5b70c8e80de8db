package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/types"
)

// Handler receives events published on the bus. Handlers are
// called synchronously by the publisher and must not block.
type Handler func(event interface{})

// Bus is an in-process publish/subscribe bus for system metrics,
// alerts and metric batch notifications.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers a handler and returns a function that
// removes it again.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish delivers the event to all subscribers.
func (b *Bus) Publish(event interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Errorln("eventbus: subscriber panicked")
		}
	}()
	h(event)
}

// Metric publishes a system metric.
func (b *Bus) Metric(name string, value float64, ts time.Time, tags map[string]string) {
	b.Publish(types.SystemMetric{
		Name:      name,
		Value:     value,
		Timestamp: ts,
		Tags:      tags,
	})
}

// Alert logs and publishes an alert.
func (b *Bus) Alert(topic string, severity types.Severity, message string, tags map[string]string) {
	alert := types.Alert{
		ID:        uuid.New().String(),
		Topic:     topic,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Tags:      tags,
	}

	logr := logrus.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"topic":    topic,
		"severity": severity,
	})
	switch severity {
	case types.SeverityError:
		logr.Errorln(message)
	case types.SeverityWarning:
		logr.Warnln(message)
	default:
		logr.Infoln(message)
	}

	b.Publish(alert)
}
