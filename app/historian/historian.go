// Package historian records the system metrics and alerts published
// on the event bus in an event store.
package historian

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/store"
	"github.com/drone-runners/drone-autoscaler/types"
)

const defaultBuffer = 1024

// Historian writes bus events to a store from its own goroutine.
// Events arriving while the buffer is full are dropped.
type Historian struct {
	store  store.EventStore
	events chan *types.Event

	mu          sync.Mutex
	unsubscribe func()
	quit        chan struct{}
	done        chan struct{}
}

func New(s store.EventStore, buffer int) *Historian {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Historian{
		store:  s,
		events: make(chan *types.Event, buffer),
	}
}

// Start subscribes to the bus and writes events until Stop is called.
func (h *Historian) Start(bus *eventbus.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		return
	}
	h.quit = make(chan struct{})
	h.done = make(chan struct{})
	h.unsubscribe = bus.Subscribe(h.handle)
	go h.run(h.quit, h.done)
}

// Stop unsubscribes, writes the buffered events and returns.
func (h *Historian) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		return
	}
	h.unsubscribe()
	close(h.quit)
	<-h.done
	h.quit, h.done = nil, nil
}

func (h *Historian) handle(event interface{}) {
	var e *types.Event
	switch v := event.(type) {
	case types.SystemMetric:
		e = &types.Event{
			Kind:      types.EventMetric,
			Name:      v.Name,
			Value:     v.Value,
			Timestamp: v.Timestamp,
			Tags:      v.Tags,
		}
	case types.Alert:
		e = &types.Event{
			ID:        v.ID,
			Kind:      types.EventAlert,
			Name:      v.Topic,
			Severity:  v.Severity,
			Message:   v.Message,
			Timestamp: v.Timestamp,
			Tags:      v.Tags,
		}
	default:
		return
	}
	select {
	case h.events <- e:
	default:
		logrus.WithField("name", e.Name).Warnln("historian: buffer full, event dropped")
	}
}

func (h *Historian) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case e := <-h.events:
			h.write(e)
		case <-quit:
			for {
				select {
				case e := <-h.events:
					h.write(e)
				default:
					return
				}
			}
		}
	}
}

func (h *Historian) write(e *types.Event) {
	if err := h.store.Create(context.Background(), e); err != nil {
		logrus.WithError(err).WithField("name", e.Name).Errorln("historian: cannot store event")
	}
}
