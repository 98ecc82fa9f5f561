// Package eventbus reparte eventos a suscriptores sin bloquear al emisor.
// Cada suscriptor tiene un buffer propio; si se llena, el evento se descarta y se cuenta.
package eventbus

import (
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 64

type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	dropped atomic.Uint64
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Subscription[T])}
}

type Subscription[T any] struct {
	id   uint64
	bus  *Bus[T]
	ch   chan T
	once sync.Once
}

// C entrega los eventos; se cierra con Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registra un suscriptor con buffer (<=0 => DefaultBuffer).
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription[T]{id: b.nextID, bus: b, ch: make(chan T, buffer)}
	b.subs[s.id] = s
	return s
}

// Handle corre fn en su propia goroutine por cada evento. Devuelve la función para desuscribir.
func (b *Bus[T]) Handle(fn func(T)) (unsubscribe func()) {
	s := b.Subscribe(0)
	go func() {
		for ev := range s.C() {
			fn(ev)
		}
	}()
	return s.Close
}

// Publish nunca bloquea.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped cuenta eventos descartados por buffers llenos.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }
