package eventwaiter

import (
	"context"
	"sync"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

// Key identifies one position stream. Stream is empty for the scope's own log.
type Key struct {
	Scope  eventlog.ScopeKey
	Stream string
}

type signal struct {
	done    chan struct{}
	waiters int
}

type stream struct {
	lastNotified eventlog.SequenceNumber
	hasNotified  bool
	signals      map[eventlog.SequenceNumber]*signal
}

type Registry struct {
	mu      sync.Mutex
	streams map[Key]*stream
}

func NewRegistry() *Registry {
	return &Registry{streams: map[Key]*stream{}}
}

// Wait blocks until position has been notified for key or ctx is done.
func (r *Registry) Wait(ctx context.Context, key Key, position eventlog.SequenceNumber) error {
	r.mu.Lock()
	st := r.streamLocked(key)
	if st.hasNotified && position <= st.lastNotified {
		r.mu.Unlock()
		return nil
	}
	sig, ok := st.signals[position]
	if !ok {
		sig = &signal{done: make(chan struct{})}
		st.signals[position] = sig
	}
	sig.waiters++
	r.mu.Unlock()

	select {
	case <-sig.done:
		return nil
	case <-ctx.Done():
		r.release(key, position, sig)
		return ctx.Err()
	}
}

// Notify records position as written and wakes every waiter at or below it.
func (r *Registry) Notify(key Key, position eventlog.SequenceNumber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[key]
	if !ok {
		r.streams[key] = &stream{
			lastNotified: position,
			hasNotified:  true,
			signals:      map[eventlog.SequenceNumber]*signal{},
		}
		return
	}
	if !st.hasNotified || position > st.lastNotified {
		st.lastNotified = position
		st.hasNotified = true
	}
	for waited, sig := range st.signals {
		if waited <= st.lastNotified {
			close(sig.done)
			delete(st.signals, waited)
		}
	}
}

func (r *Registry) LastNotified(key Key) (eventlog.SequenceNumber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[key]
	if !ok || !st.hasNotified {
		return 0, false
	}
	return st.lastNotified, true
}

func (r *Registry) pending(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[key]
	if !ok {
		return 0
	}
	return len(st.signals)
}

func (r *Registry) release(key Key, position eventlog.SequenceNumber, sig *signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[key]
	if !ok {
		return
	}
	current, ok := st.signals[position]
	if !ok || current != sig {
		return
	}
	sig.waiters--
	if sig.waiters <= 0 {
		delete(st.signals, position)
	}
	if len(st.signals) == 0 && !st.hasNotified {
		delete(r.streams, key)
	}
}

func (r *Registry) streamLocked(key Key) *stream {
	st, ok := r.streams[key]
	if !ok {
		st = &stream{signals: map[eventlog.SequenceNumber]*signal{}}
		r.streams[key] = st
	}
	return st
}
