// internal/router/queue.go
package router

import (
	"sync"

	"github.com/sua-org/cam-sentinel/internal/core"
)

type queueKey struct {
	camera string
	model  string
}

// queue é uma FIFO limitada com descarte do mais antigo.
type queue struct {
	key  queueKey
	size int

	mu      sync.Mutex
	items   []*core.Frame
	evicted uint64

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newQueue(key queueKey, size int) *queue {
	return &queue{
		key:    key,
		size:   size,
		items:  make([]*core.Frame, 0, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push enfileira f; com a fila cheia, a cabeça sai para dar lugar.
func (q *queue) push(f *core.Frame) (evicted *core.Frame) {
	q.mu.Lock()
	if len(q.items) >= q.size {
		evicted = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.evicted++
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (q *queue) pop() (*core.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return f, true
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// close para o dispatcher e descarta o que sobrou.
func (q *queue) close() int {
	q.once.Do(func() { close(q.done) })
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	return n
}
