package event

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// subscription owns an unbounded mailbox drained by one goroutine, so
// publishers never wait on subscribers and signals are never concurrent.
type subscription struct {
	bus    *Bus
	group  string
	topics []Topic // guarded by bus.mu

	accepts     func(Event) bool
	onSubscribe func()
	onNext      func(Event)
	onError     func(error)
	onComplete  func()

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	finishing bool
	finishErr error
	cancelled atomic.Bool
}

func newSubscription(b *Bus, topics []Topic) *subscription {
	s := &subscription{bus: b, group: topics[0].Group, topics: topics}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) Topics() []Topic {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return slices.Clone(s.topics)
}

func (s *subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.bus.detach(s)
	s.mu.Lock()
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) enqueue(e Event) bool {
	if s.cancelled.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing {
		return false
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
	return true
}

// finish ends the subscription after the queued events are delivered.
func (s *subscription) finish(err error) {
	s.mu.Lock()
	if !s.finishing {
		s.finishing, s.finishErr = true, err
	}
	s.cond.Signal()
	s.mu.Unlock()
}

// currentTopics must be called with bus.mu held.
func (s *subscription) currentTopics() []Topic { return s.topics }

// dropTopic must be called with bus.mu held. It returns the number of
// topics left.
func (s *subscription) dropTopic(t Topic) int {
	s.topics = slices.DeleteFunc(s.topics, func(o Topic) bool { return o == t })
	return len(s.topics)
}

func (s *subscription) run() {
	if !s.safely(s.onSubscribe) {
		return
	}
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.finishing && !s.cancelled.Load() {
			s.cond.Wait()
		}
		if s.cancelled.Load() {
			s.queue = nil
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			err := s.finishErr
			s.mu.Unlock()
			if err != nil {
				s.safely(func() { s.onError(err) })
			} else {
				s.safely(s.onComplete)
			}
			return
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.cancelled.Load() {
			return
		}
		if !s.safely(func() { s.onNext(e) }) {
			return
		}
	}
}

// safely runs a subscriber callback. A panic cancels the subscription and
// is reported through OnError.
func (s *subscription) safely(fn func()) (ok bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		ok = false
		if s.cancelled.Swap(true) {
			return
		}
		s.bus.detach(s)
		s.bus.metrics.SubscriberFailed(s.group)
		err := fmt.Errorf("subscriber panic: %v", r)
		s.bus.logger.Warn("subscriber failed", "group", s.group, "err", err)
		func() {
			defer func() { _ = recover() }()
			s.onError(err)
		}()
	}()
	fn()
	return true
}
