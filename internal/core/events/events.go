// Package events implements the typed, bounded event bus used to decouple
// the continuation engine from its producers (PeriodicChecker, AutoAssigner,
// BudgetGuard, SelfImprovementDriver). Per the re-architecture guidance in
// the design notes, ad-hoc `.on('topic', ...)` subscription is replaced with
// a typed Subject: producers Emit, subscribers Subscribe, and delivery is
// either synchronous or via a bounded per-subject channel, never global
// mutable listener state. The continuation engine only Emits (on a bus
// passed with continuation.WithEventBus); nothing in this module
// subscribes.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewlyhq/crewly/internal/logging"
)

// HandlerFunc is the type-erased function invoked when an event is delivered.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject at construction.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	replayEnabled bool
	cacheSize     int
	bufferSize    int
	syncDelivery  bool
}

// WithBufferSize sets the event channel buffer size (default 512).
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) { cfg.bufferSize = size }
}

// WithReplay enables replay of the last cacheSize events to new subscribers
// that opt in.
func WithReplay(cacheSize int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.replayEnabled = true
		cfg.cacheSize = cacheSize
	}
}

// WithSyncDelivery forces synchronous, in-order handler invocation within
// the event loop goroutine, so one handler call never overlaps the next
// on that subject.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) { cfg.syncDelivery = true }
}

// Emit publishes a value to a topic. Blocks up to 5s if the subject's buffer
// is full, then returns an error (the spec treats lost events as acceptable
// best-effort, but a hard block would stall the producer indefinitely).
func Emit[T any](subject *Subject, topic string, value T) error {
	evt := event{topic: topic, message: value}
	select {
	case subject.events <- evt:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("events: failed to emit to topic %q: buffer full", topic)
	}
}

// Subscribe attaches a typed handler to a topic. The returned Subscription's
// Unsubscribe method removes it.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error, replay ...bool) Subscription {
	wantsReplay := len(replay) > 0 && replay[0]

	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("events: type assertion failed for %T, expected %T", data, *new(T))
		}
		return handler(ctx, typed)
	})

	subID := atomic.AddInt64(&subject.nextSubID, 1)
	sub := Subscription{
		Topic:       topic,
		CreatedAt:   time.Now().UnixNano(),
		Handler:     wrapped,
		ID:          fmt.Sprintf("%s-%d", topic, subID),
		WantsReplay: wantsReplay,
		SentEvents:  make(map[string]bool),
	}

	subject.addSubscription(sub)
	sub.Unsubscribe = func() { subject.removeSubscription(sub.ID) }

	if subject.config.replayEnabled && wantsReplay {
		subject.replayEvents(sub)
	}
	return sub
}

// Complete shuts down the event system. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler attached to a topic.
type Subscription struct {
	Topic       string
	CreatedAt   int64
	Handler     HandlerFunc
	ID          string
	WantsReplay bool
	SentEvents  map[string]bool
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

// Subject is a topic-multiplexed, lock-free event bus. One Subject per
// logical channel (e.g. one per session for continuation events, one
// process-wide for budget/notification events).
type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	cache       atomic.Pointer[[]event]
	nextSubID   int64
	eventCount  int64

	events   chan event
	shutdown chan struct{}

	config subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a Subject and starts its delivery loop.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}

	empty := make(subscriberMap)
	s.subscribers.Store(&empty)
	if cfg.replayEnabled {
		cache := make([]event, 0, cfg.cacheSize)
		s.cache.Store(&cache)
	}

	go s.eventLoop()
	return s
}

func (s *Subject) eventLoop() {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			atomic.AddInt64(&s.eventCount, 1)
			if s.config.replayEnabled {
				s.addToCache(evt)
			}
			subs := s.subscribers.Load()
			if topicSubs, ok := (*subs)[evt.topic]; ok {
				for _, sub := range topicSubs {
					s.sendToSubscriber(sub, evt, s.config.syncDelivery)
				}
			}
		}
	}
}

func (s *Subject) addSubscription(sub Subscription) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := s.copySubscribers(*oldSubs)
		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub
		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func (s *Subject) removeSubscription(subID string) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := s.copySubscribers(*oldSubs)
		found := false
		for topic, topicSubs := range newSubs {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(newSubs, topic)
				}
				found = true
				break
			}
		}
		if !found {
			return
		}
		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func (s *Subject) copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}

func (s *Subject) addToCache(evt event) {
	for {
		oldCache := s.cache.Load()
		newCache := make([]event, len(*oldCache))
		copy(newCache, *oldCache)
		if len(newCache) == s.config.cacheSize {
			newCache = newCache[1:]
		}
		newCache = append(newCache, evt)
		if s.cache.CompareAndSwap(oldCache, &newCache) {
			return
		}
	}
}

func (s *Subject) replayEvents(sub Subscription) {
	if !s.config.replayEnabled {
		return
	}
	cache := s.cache.Load()
	for _, evt := range *cache {
		if evt.topic != sub.Topic {
			continue
		}
		eventID := fmt.Sprintf("%s-%v", evt.topic, evt.message)
		if !sub.SentEvents[eventID] {
			s.sendToSubscriber(sub, evt, true)
			sub.SentEvents[eventID] = true
		}
	}
}

func (s *Subject) sendToSubscriber(sub Subscription, evt event, sync bool) {
	deliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil {
			logging.Debugf("[events] handler error on topic %s (sub %s): %v", evt.topic, sub.ID, err)
		}
	}
	if sync {
		deliver()
	} else {
		go deliver()
	}
}
