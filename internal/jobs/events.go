package jobs

import (
	"sync"
	"time"

	"geoaudit/internal/metrics"
	"geoaudit/internal/model"
)

// Bus fans progress events out to per-audit subscribers. Slow consumers
// lose the oldest buffered events and learn how many via the Dropped
// field; they are never allowed to stall a publisher.
type Bus struct {
	buffer int
	ttl    time.Duration

	mu     sync.Mutex
	audits map[int64]*auditChannel
	closed bool
}

type auditChannel struct {
	seq    uint64
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	ch      chan model.ProgressEvent
	dropped int
	expire  *time.Timer
}

func NewBus(buffer int, ttl time.Duration) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Bus{
		buffer: buffer,
		ttl:    ttl,
		audits: make(map[int64]*auditChannel),
	}
}

// Publish assigns the next sequence number for the audit and delivers the
// event to every subscriber without blocking. A terminal status closes
// the audit's subscriptions after delivery.
func (b *Bus) Publish(auditID int64, ev model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	ac, ok := b.audits[auditID]
	if !ok {
		ac = &auditChannel{subs: make(map[int]*subscriber)}
		b.audits[auditID] = ac
	}
	ac.seq++
	ev.AuditID = auditID
	ev.Seq = ac.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, sub := range ac.subs {
		b.deliver(sub, ev)
	}
	metrics.RecordEventPublished()

	if ev.Status.Terminal() {
		for id, sub := range ac.subs {
			sub.expire.Stop()
			close(sub.ch)
			delete(ac.subs, id)
		}
		delete(b.audits, auditID)
	}
}

// deliver drops the oldest buffered event when the subscriber is full, so
// the newest state always fits.
func (b *Bus) deliver(sub *subscriber, ev model.ProgressEvent) {
	for {
		ev.Dropped = sub.dropped
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped++
			metrics.RecordEventsDropped(1)
		default:
		}
	}
}

// Subscribe attaches to an audit's event stream. The returned cancel is
// idempotent; the subscription also expires on its own after the TTL.
func (b *Bus) Subscribe(auditID int64) (<-chan model.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.ProgressEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	ac, ok := b.audits[auditID]
	if !ok {
		ac = &auditChannel{subs: make(map[int]*subscriber)}
		b.audits[auditID] = ac
	}
	id := ac.nextID
	ac.nextID++

	sub := &subscriber{ch: ch}
	cancel := func() { b.unsubscribe(auditID, id) }
	sub.expire = time.AfterFunc(b.ttl, cancel)
	ac.subs[id] = sub

	return ch, cancel
}

func (b *Bus) unsubscribe(auditID int64, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ac, ok := b.audits[auditID]
	if !ok {
		return
	}
	sub, ok := ac.subs[id]
	if !ok {
		return
	}
	sub.expire.Stop()
	close(sub.ch)
	delete(ac.subs, id)
	if len(ac.subs) == 0 && ac.seq == 0 {
		delete(b.audits, auditID)
	}
}

// Subscribers reports how many consumers an audit currently has.
func (b *Bus) Subscribers(auditID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ac, ok := b.audits[auditID]; ok {
		return len(ac.subs)
	}
	return 0
}

// Close shuts every subscription down.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for auditID, ac := range b.audits {
		for id, sub := range ac.subs {
			sub.expire.Stop()
			close(sub.ch)
			delete(ac.subs, id)
		}
		delete(b.audits, auditID)
	}
}
