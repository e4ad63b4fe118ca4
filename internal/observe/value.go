// Package observe holds a single latest-value cell that many readers can
// watch. Watchers are conflated: a slow reader sees the newest value, never a
// backlog.
package observe

import "sync"

type Value[T any] struct {
	mu       sync.RWMutex
	current  T
	watchers map[chan T]struct{}
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current:  initial,
		watchers: make(map[chan T]struct{}),
	}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores val and notifies every watcher.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = val
	for ch := range v.watchers {
		offer(ch, val)
	}
}

// Watch returns a channel that immediately yields the current value and then
// every later one, plus a cancel func that closes the channel.
func (v *Value[T]) Watch() (<-chan T, func()) {
	ch := make(chan T, 1)

	v.mu.Lock()
	ch <- v.current
	v.watchers[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watchers, ch)
			close(ch)
			v.mu.Unlock()
		})
	}
	return ch, cancel
}

// offer replaces whatever is buffered in ch with val. Only called with v.mu
// held, so nobody else sends on ch concurrently.
func offer[T any](ch chan T, val T) {
	select {
	case ch <- val:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- val
}
