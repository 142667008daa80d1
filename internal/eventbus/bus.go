package eventbus

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "txrelay/pkg/logx"
)

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must be quick; hand work off to a goroutine if it may block.
type Handler func(Event)

// Predicate filters events for a subscription. nil accepts everything.
type Predicate func(Event) bool

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	id    uint64
	topic Topic
}

func (s Subscription) Topic() Topic { return s.topic }

type subscriber struct {
	id     uint64
	fn     Handler
	filter Predicate
	active atomic.Bool
}

// Bus is an in-process publish/subscribe channel with two topics.
//
// Contract:
//   - Publish delivers synchronously, in subscription order, to the
//     subscribers registered when Publish was called.
//   - A subscriber added during a delivery does not see that event.
//   - After Unsubscribe returns, the handler is never invoked again.
//   - No replay and no buffering of missed events.
//
// The subscriber lists are copy-on-write so Publish never holds the lock
// while calling handlers; handlers may publish or (un)subscribe.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Topic][]*subscriber
	seq      atomic.Uint64
	disposed bool

	log logx.Logger
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{subs: map[Topic][]*subscriber{}, log: log}
}

func (b *Bus) Publish(e Event) {
	if e == nil {
		return
	}
	topic := e.Topic()

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		if s.filter != nil && !s.filter(e) {
			continue
		}
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", logx.String("topic", string(e.Topic())), logx.Uint64("sub", s.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	s.fn(e)
}

// Subscribe registers fn for topic. filter may be nil.
func (b *Bus) Subscribe(topic Topic, fn Handler, filter Predicate) Subscription {
	if fn == nil {
		return Subscription{}
	}
	s := &subscriber{id: b.seq.Add(1), fn: fn, filter: filter}
	s.active.Store(true)

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		s.active.Store(false)
		return Subscription{}
	}
	cur := b.subs[topic]
	next := make([]*subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[topic] = append(next, s)
	b.mu.Unlock()

	return Subscription{id: s.id, topic: topic}
}

// Unsubscribe removes the subscription. Unknown or zero handles are ignored.
func (b *Bus) Unsubscribe(h Subscription) {
	if h.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.subs[h.topic]
	for i, s := range cur {
		if s.id != h.id {
			continue
		}
		s.active.Store(false)
		next := make([]*subscriber, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		b.subs[h.topic] = next
		return
	}
}

// Len returns the number of live subscribers of topic.
func (b *Bus) Len(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Dispose drops every subscriber. Publish becomes a no-op and Subscribe
// returns zero handles afterwards.
func (b *Bus) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
	b.subs = map[Topic][]*subscriber{}
	b.disposed = true
}

// Stream adapts a subscription to a buffered channel.
//
// Delivery into the channel is non-blocking: when the consumer is slower than
// the publishers, events are dropped for this stream only. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus) Stream(topic Topic, buffer int, filter Predicate) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	h := b.Subscribe(topic, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, filter)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.Unsubscribe(h)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// Stamp fills the event time when the producer left it zero.
func Stamp(e Event, now time.Time) Event {
	switch ev := e.(type) {
	case TxEvent:
		if ev.Time.IsZero() {
			ev.Time = now
		}
		return ev
	case SequenceEvent:
		if ev.Time.IsZero() {
			ev.Time = now
		}
		return ev
	}
	return e
}
