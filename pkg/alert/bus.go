package alert

import (
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/common"
	"github.com/cinevault/shield/pkg/types"
	"github.com/sirupsen/logrus"
)

// Handler consumes one alert. Handlers run on their subscriber's own
// goroutine; a panic is recovered and logged, never propagated to the
// publishing decision path.
type Handler func(alert types.SecurityAlert)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(alert types.SecurityAlert)
}

type subscriber struct {
	id string
	ch chan types.SecurityAlert
}

// Bus fans alerts out to subscribers over buffered channels and keeps a
// capped in-memory alert log for the admin API.
type Bus struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	log         []types.SecurityAlert
	closed      bool
	wg          sync.WaitGroup
}

func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a handler under an id, replacing any previous
// subscription with the same id.
func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if prev, ok := b.subscribers[id]; ok {
		close(prev.ch)
	}
	sub := &subscriber{id: id, ch: make(chan types.SecurityAlert, 64)}
	b.subscribers[id] = sub

	b.wg.Add(1)
	go b.consume(sub, handler)
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

func (b *Bus) consume(sub *subscriber, handler Handler) {
	defer b.wg.Done()
	for a := range sub.ch {
		b.deliver(sub.id, handler, a)
	}
}

func (b *Bus) deliver(id string, handler Handler, a types.SecurityAlert) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"alert_type": a.Type,
				"panic":      r,
			}).Error("alert subscriber panicked")
		}
	}()
	handler(a)
}

// Publish appends the alert to the capped log and hands it to every
// subscriber without blocking. A subscriber with a full channel misses the
// alert rather than stalling the decision path.
func (b *Bus) Publish(a types.SecurityAlert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.log = append(b.log, a)
	if len(b.log) > common.AlertLogCap {
		b.log = b.log[len(b.log)-common.AlertLogCap:]
	}
	// Sends happen under the same lock that closes channels in Subscribe,
	// Unsubscribe and Close, so a send can never race a close. They stay
	// non-blocking, so holding the lock here cannot stall.
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- a:
		default:
			b.logger.WithField("subscriber", sub.id).
				Warn("alert channel full, dropping alert for subscriber")
		}
	}
}

// Since returns logged alerts with Timestamp after t, oldest first.
func (b *Bus) Since(t time.Time) []types.SecurityAlert {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []types.SecurityAlert
	for _, a := range b.log {
		if a.Timestamp.After(t) {
			out = append(out, a)
		}
	}
	return out
}

// Recent returns up to n of the most recent alerts, newest first.
func (b *Bus) Recent(n int) []types.SecurityAlert {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > len(b.log) {
		n = len(b.log)
	}
	out := make([]types.SecurityAlert, 0, n)
	for i := len(b.log) - 1; i >= len(b.log)-n; i-- {
		out = append(out, b.log[i])
	}
	return out
}

// Close drains all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
