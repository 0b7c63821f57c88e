// Package event is the in-process publish/subscribe bus that carries
// store changes to live subscribers. Delivery is at most once per
// subscriber and in publish order per topic.
package event

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrBusClosed = errors.New("event bus closed")

// Metrics receives bus traffic counts.
type Metrics interface {
	Published(group string, deliveries int)
	SubscriberFailed(group string)
	SubscriptionsChanged(delta int)
}

type noopMetrics struct{}

func (noopMetrics) Published(string, int)    {}
func (noopMetrics) SubscriberFailed(string)  {}
func (noopMetrics) SubscriptionsChanged(int) {}

type Option func(*Bus)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus routes events to subscriptions. The zero value is not usable; call
// NewBus.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic]map[*subscription]struct{}
	closed bool

	logger  *slog.Logger
	metrics Metrics
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[Topic]map[*subscription]struct{}),
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "event-bus")
	return b
}

// Publish enqueues e for every subscription of its topic or of the topic's
// group whose event type matches, and returns how many were reached.
// Publish never blocks on subscribers.
func (b *Bus) Publish(e Event) int {
	t := e.Topic()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	n := 0
	seen := make(map[*subscription]struct{})
	for _, key := range []Topic{t, GroupTopic(t.Group)} {
		for s := range b.subs[key] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			if s.accepts(e) && s.enqueue(e) {
				n++
			}
		}
	}
	b.metrics.Published(t.Group, n)
	return n
}

// Subscribers counts the subscriptions attached to exactly t.
func (b *Bus) Subscribers(t Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[t])
}

// CloseTopic detaches t from its subscriptions. Subscriptions left with no
// topic complete once their queued events are delivered.
func (b *Bus) CloseTopic(t Topic) {
	b.mu.Lock()
	subs := b.subs[t]
	delete(b.subs, t)
	var finished []*subscription
	for s := range subs {
		if s.dropTopic(t) == 0 {
			finished = append(finished, s)
		}
	}
	b.mu.Unlock()

	for _, s := range finished {
		s.finish(nil)
	}
	if len(finished) > 0 {
		b.metrics.SubscriptionsChanged(-len(finished))
		b.logger.Debug("topic closed", "topic", t.String(), "completed", len(finished))
	}
}

// Close completes every subscription. Later publishes are dropped and
// later subscribes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make(map[*subscription]struct{})
	for _, subs := range b.subs {
		for s := range subs {
			all[s] = struct{}{}
		}
	}
	b.subs = make(map[Topic]map[*subscription]struct{})
	b.mu.Unlock()

	for s := range all {
		s.finish(nil)
	}
	if len(all) > 0 {
		b.metrics.SubscriptionsChanged(-len(all))
	}
}

func (b *Bus) attach(s *subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, t := range s.topics {
		set := b.subs[t]
		if set == nil {
			set = make(map[*subscription]struct{})
			b.subs[t] = set
		}
		set[s] = struct{}{}
	}
	b.metrics.SubscriptionsChanged(1)
	return nil
}

// detach reports whether s was still attached.
func (b *Bus) detach(s *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	attached := false
	for _, t := range s.currentTopics() {
		if set := b.subs[t]; set != nil {
			if _, ok := set[s]; ok {
				attached = true
				delete(set, s)
			}
			if len(set) == 0 {
				delete(b.subs, t)
			}
		}
	}
	if attached {
		b.metrics.SubscriptionsChanged(-1)
	}
	return attached
}

// Subscriber receives OnSubscribe first, then any number of OnNext, then
// at most one of OnError or OnComplete. Calls are never concurrent.
type Subscriber[E Event] interface {
	OnSubscribe(Subscription)
	OnNext(E)
	OnError(error)
	OnComplete()
}

// Subscription is the handle used to cancel delivery.
type Subscription interface {
	// Cancel stops delivery. When called from OnNext no further event is
	// delivered; from another goroutine at most the event already being
	// delivered completes.
	Cancel()
	Topics() []Topic
}

// Funcs adapts plain functions to a Subscriber. Nil fields are ignored.
type Funcs[E Event] struct {
	Subscribe func(Subscription)
	Next      func(E)
	Error     func(error)
	Complete  func()
}

func (f Funcs[E]) OnSubscribe(s Subscription) {
	if f.Subscribe != nil {
		f.Subscribe(s)
	}
}

func (f Funcs[E]) OnNext(e E) {
	if f.Next != nil {
		f.Next(e)
	}
}

func (f Funcs[E]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f Funcs[E]) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

// Builder collects the topics of a subscription to events of type E.
type Builder[E Event] struct {
	bus    *Bus
	topics []Topic
}

func NewSubscription[E Event](b *Bus) *Builder[E] {
	return &Builder[E]{bus: b}
}

func (sb *Builder[E]) WithTopics(topics ...Topic) *Builder[E] {
	sb.topics = append(sb.topics, topics...)
	return sb
}

// Subscribe attaches sub. Events of other types published on the same
// topics are not delivered to it.
func (sb *Builder[E]) Subscribe(sub Subscriber[E]) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscribe: nil subscriber")
	}
	topics := dedupeTopics(sb.topics)
	if len(topics) == 0 {
		return nil, errors.New("subscribe: at least one topic is required")
	}
	s := newSubscription(sb.bus, topics)
	s.accepts = func(e Event) bool {
		_, ok := e.(E)
		return ok
	}
	s.onSubscribe = func() { sub.OnSubscribe(s) }
	s.onNext = func(e Event) { sub.OnNext(e.(E)) }
	s.onError = sub.OnError
	s.onComplete = sub.OnComplete

	if err := sb.bus.attach(s); err != nil {
		return nil, fmt.Errorf("subscribe to %v: %w", topics, err)
	}
	go s.run()
	return s, nil
}

// Consume subscribes fn to every event of type E.
func (sb *Builder[E]) Consume(fn func(E)) (Subscription, error) {
	return sb.Subscribe(Funcs[E]{Next: fn})
}

func dedupeTopics(in []Topic) []Topic {
	seen := make(map[Topic]struct{}, len(in))
	out := make([]Topic, 0, len(in))
	for _, t := range in {
		if t.Group == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
