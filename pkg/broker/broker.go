// Package broker fans published events out to live subscriptions. Each
// subscription owns a bounded queue; a full queue either drops its oldest
// event (reporting the gap in-band) or blocks the fan-out goroutine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"

	"groupsync/pkg/logger"
	"groupsync/pkg/metrics"
)

var (
	// ErrStopped is returned by Next once the subscription is stopped.
	ErrStopped = errors.New("subscription stopped")
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("broker closed")
)

// Policy decides what happens when a subscription queue is full.
type Policy int

const (
	// DropOldest discards the oldest queued event and flags the gap on the next delivery.
	DropOldest Policy = iota
	// Block makes the fan-out goroutine wait for the consumer.
	Block
)

func (p Policy) String() string {
	if p == Block {
		return "block"
	}
	return "drop_oldest"
}

// ParsePolicy accepts "drop_oldest" and "block". Empty is DropOldest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	}
	return DropOldest, fmt.Errorf("unknown stream policy %q", s)
}

const (
	defaultQueueSize     = 256
	defaultInboundBuffer = 1024
)

// Options configures a Broker.
type Options struct {
	// Name labels metrics and logs.
	Name          string
	QueueSize     int
	InboundBuffer int
	Policy        Policy
}

// Delivery is one event handed to a consumer. Gap counts events dropped
// immediately before this one.
type Delivery[T any] struct {
	Value T
	Gap   uint64
}

type envelope[T any] struct {
	value T
	subs  []*Subscription[T]
}

// Broker is safe for concurrent use.
type Broker[T any] struct {
	opts    Options
	inbound chan envelope[T]
	done    chan struct{}
	exited  chan struct{}

	publishMu sync.Mutex
	mu        sync.Mutex
	subs      map[*Subscription[T]]struct{}
	closed    bool
	closeOnce sync.Once
}

// New starts a broker and its fan-out goroutine.
func New[T any](opts Options) *Broker[T] {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = defaultInboundBuffer
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	b := &Broker[T]{
		opts:    opts,
		inbound: make(chan envelope[T], opts.InboundBuffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		subs:    make(map[*Subscription[T]]struct{}),
	}
	go b.fanOut()
	return b
}

// Subscribe registers a new active subscription. Only events published
// after Subscribe returns are delivered to it.
func (b *Broker[T]) Subscribe() (*Subscription[T], error) {
	s := newSubscription(b)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	n := len(b.subs)
	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	b.mu.Unlock()
	metrics.StreamSubscribers.WithLabelValues(b.opts.Name).Set(float64(n))
	logger.Debug("stream_subscribed", "stream", b.opts.Name, "subscription", s.id, "subscribers", n)
	return s, nil
}

// Publish hands v to the fan-out goroutine. It blocks only while the
// inbound buffer is full.
func (b *Broker[T]) Publish(v T) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if len(b.subs) == 0 {
		b.mu.Unlock()
		return nil
	}
	subs := make([]*Subscription[T], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	select {
	case b.inbound <- envelope[T]{value: v, subs: subs}:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops every subscription and the fan-out goroutine. Idempotent.
func (b *Broker[T]) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := make([]*Subscription[T], 0, len(b.subs))
		for s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()
		close(b.done)
		for _, s := range subs {
			s.Stop()
		}
		<-b.exited
	})
}

func (b *Broker[T]) fanOut() {
	defer close(b.exited)
	for {
		select {
		case env := <-b.inbound:
			for _, s := range env.subs {
				s.push(env.value)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Broker[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()
	metrics.StreamSubscribers.WithLabelValues(b.opts.Name).Set(float64(n))
}

// State is the lifecycle position of a subscription.
type State int

const (
	StateCreated State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return "created"
}

type item[T any] struct {
	value T
	gap   uint64
}

// Subscription is one consumer's view of a broker.
type Subscription[T any] struct {
	b  *Broker[T]
	id string

	mu         sync.Mutex
	state      State
	queue      []item[T]
	pendingGap uint64

	ready    chan struct{}
	space    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newSubscription[T any](b *Broker[T]) *Subscription[T] {
	return &Subscription[T]{
		b:       b,
		id:      uuid.NewString(),
		ready:   make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// ID identifies the subscription in logs.
func (s *Subscription[T]) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Subscription[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Len returns the number of queued events.
func (s *Subscription[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push runs on the fan-out goroutine only.
func (s *Subscription[T]) push(v T) {
	size := s.b.opts.QueueSize
	for {
		s.mu.Lock()
		if s.state == StateStopped {
			s.mu.Unlock()
			return
		}
		if len(s.queue) < size {
			s.queue = append(s.queue, item[T]{value: v, gap: s.pendingGap})
			s.pendingGap = 0
			s.mu.Unlock()
			signal(s.ready)
			return
		}
		if s.b.opts.Policy == DropOldest {
			dropped := s.queue[0]
			s.queue[0] = item[T]{}
			s.queue = s.queue[1:]
			carry := dropped.gap + 1
			if len(s.queue) > 0 {
				s.queue[0].gap += carry
			} else {
				s.pendingGap += carry
			}
			s.queue = append(s.queue, item[T]{value: v, gap: s.pendingGap})
			s.pendingGap = 0
			s.mu.Unlock()
			metrics.StreamEventsDropped.WithLabelValues(s.b.opts.Name).Inc()
			signal(s.ready)
			return
		}
		s.mu.Unlock()
		select {
		case <-s.space:
		case <-s.stopped:
			return
		case <-s.b.done:
			return
		}
	}
}

// Next blocks until an event is available, ctx is done, or the subscription stops.
func (s *Subscription[T]) Next(ctx context.Context) (Delivery[T], error) {
	for {
		s.mu.Lock()
		if s.state == StateStopped {
			s.mu.Unlock()
			return Delivery[T]{}, ErrStopped
		}
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue[0] = item[T]{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			signal(s.space)
			return Delivery[T]{Value: it.value, Gap: it.gap}, nil
		}
		s.mu.Unlock()
		select {
		case <-s.ready:
		case <-s.stopped:
		case <-ctx.Done():
			return Delivery[T]{}, ctx.Err()
		}
	}
}

// All yields events until the subscription stops (ending the sequence
// silently) or ctx is done (yielding ctx.Err() once).
func (s *Subscription[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			d, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, ErrStopped) {
					var zero T
					yield(zero, err)
				}
				return
			}
			if !yield(d.Value, nil) {
				return
			}
		}
	}
}

// Stop discards queued events and unregisters the subscription. Idempotent.
func (s *Subscription[T]) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopped
		s.queue = nil
		s.pendingGap = 0
		s.mu.Unlock()
		close(s.stopped)
		s.b.remove(s)
		logger.Debug("stream_stopped", "stream", s.b.opts.Name, "subscription", s.id)
	})
}
