package membership

import "sync"

// MemBus is an in-process presence bus for tests. Delivery is
// synchronous: Publish invokes every matching subscriber before
// returning.
type MemBus struct {
	mu   sync.Mutex
	subs map[string]map[int]func([]byte)
	next int
	down bool
}

// NewMemBus returns an empty in-process bus.
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[string]map[int]func([]byte))}
}

// Publish implements Bus.
func (b *MemBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	var fns []func([]byte)
	for _, fn := range b.subs[subject] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemBus) Subscribe(subject string, fn func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]func([]byte))
	}
	id := b.next
	b.next++
	b.subs[subject][id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs[subject], id)
		b.mu.Unlock()
	}, nil
}

// SetConnected flips the health state reported by Connected.
func (b *MemBus) SetConnected(up bool) {
	b.mu.Lock()
	b.down = !up
	b.mu.Unlock()
}

// Connected implements the health probe.
func (b *MemBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}
