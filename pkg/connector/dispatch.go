// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDispatcherClosed is returned when a task is submitted after Close.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Dispatcher runs inbound work as independent tracked tasks. With
// per-sender serialization, tasks sharing a key run one at a time in
// submission order while different keys run concurrently.
type Dispatcher struct {
	serialize bool
	log       zerolog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	queues map[string]*senderQueue
	closed bool
}

type senderQueue struct {
	pending []func()
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(serializePerSender bool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		serialize: serializePerSender,
		log:       log.With().Str("component", "dispatcher").Logger(),
		queues:    make(map[string]*senderQueue),
	}
}

// Submit schedules task under key. It never blocks on the task itself.
func (d *Dispatcher) Submit(key string, task func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	if !d.serialize {
		go func() {
			defer d.wg.Done()
			d.run(key, task)
		}()
		return nil
	}
	if q, ok := d.queues[key]; ok {
		// A drain goroutine is already running for this key.
		q.pending = append(q.pending, task)
		return nil
	}
	q := &senderQueue{pending: []func(){task}}
	d.queues[key] = q
	go d.drain(key, q)
	return nil
}

func (d *Dispatcher) drain(key string, q *senderQueue) {
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.run(key, task)
		d.wg.Done()
	}
}

func (d *Dispatcher) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("key", key).
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Dispatched task panicked")
		}
	}()
	task()
}

// Pending returns the number of queued tasks that have not started yet.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.pending)
	}
	return n
}

// Close stops accepting new tasks. Already submitted tasks still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait blocks until every submitted task has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
