package eventbus

import "sync"

// ring is a fixed-capacity FIFO buffer; the oldest entry is evicted on overflow.
type ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to n of the newest entries, oldest first.
func (r *ring[T]) last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}

// lastMatching returns up to n of the newest entries accepted by keep, oldest first.
func (r *ring[T]) lastMatching(n int, keep func(T) bool) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || r.size == 0 {
		return nil
	}
	var reversed []T
	for i := r.size - 1; i >= 0 && len(reversed) < n; i-- {
		v := r.buf[(r.start+i)%len(r.buf)]
		if keep(v) {
			reversed = append(reversed, v)
		}
	}
	out := make([]T, len(reversed))
	for i, v := range reversed {
		out[len(reversed)-1-i] = v
	}
	return out
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring[T]) capacity() int {
	return len(r.buf)
}

func (r *ring[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start = 0
	r.size = 0
}
