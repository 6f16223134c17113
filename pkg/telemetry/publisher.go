// Package telemetry publishes the state of the cyclic task to observers.
//
// The cyclic task builds a new immutable snapshot every cycle and swaps it in
// with [Publisher.Publish]. Readers get the latest published snapshot and
// never block the writer, subscribers with a full channel miss snapshots.
package telemetry

import (
	"sync"
	"sync/atomic"
)

type Publisher[T any] struct {
	latest atomic.Pointer[T]
	mu     sync.Mutex
	subs   map[*subscription[T]]struct{}
}

type subscription[T any] struct {
	ch      chan *T
	dropped atomic.Uint64
}

func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{subs: make(map[*subscription[T]]struct{})}
}

// Publish makes a snapshot visible. It must not be modified afterwards.
func (p *Publisher[T]) Publish(snapshot *T) {
	p.latest.Store(snapshot)
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		select {
		case sub.ch <- snapshot:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Latest returns the last published snapshot, nil before the first one
func (p *Publisher[T]) Latest() *T {
	return p.latest.Load()
}

// Subscription delivers published snapshots until cancelled
type Subscription[T any] struct {
	C      <-chan *T
	sub    *subscription[T]
	cancel func()
}

// Dropped is the number of snapshots missed because the channel was full
func (s *Subscription[T]) Dropped() uint64 {
	return s.sub.dropped.Load()
}

// Cancel stops the delivery and closes the channel
func (s *Subscription[T]) Cancel() {
	s.cancel()
}

func (p *Publisher[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscription[T]{ch: make(chan *T, buffer)}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	var once sync.Once
	return &Subscription[T]{
		C:   sub.ch,
		sub: sub,
		cancel: func() {
			once.Do(func() {
				p.mu.Lock()
				delete(p.subs, sub)
				p.mu.Unlock()
				close(sub.ch)
			})
		},
	}
}

// Subscribers is the number of active subscriptions
func (p *Publisher[T]) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
