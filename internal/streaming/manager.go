// Package streaming fans run progress events out to subscribers. One
// in-memory pub/sub manager serves all runs, with a per-run ring buffer
// so late subscribers can replay what they missed.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one stage transition reported to the caller.
type Event struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Terminal  bool      `json:"terminal,omitempty"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the event as JSON for SSE payloads or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager is the process-wide event hub. The sole justified singleton:
// every run publishes through it and HTTP handlers subscribe via it.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-run ring buffer for replay support
	history  map[string]*ring
	capacity int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity)
	})
	return defaultMgr
}

// NewManager builds an isolated manager; tests use this instead of Get.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a run. The channel closes when
// the run finishes; callers must drain it.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish sends an event to all subscribers of a run without blocking;
// slow subscribers miss events rather than stalling the sequencer. A
// terminal event closes the stream.
func (m *Manager) Publish(runID string, evt Event) {
	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[runID]
	for ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	if evt.Terminal {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, runID)
	}
	m.mu.Unlock()
}

// ReplaySince returns buffered events with Seq > since, best-effort
// within the ring capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// History returns every buffered event for a run, oldest first,
// best-effort within the ring capacity.
func (m *Manager) History(runID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil || rg.count == 0 {
		return nil
	}
	out := make([]Event, 0, rg.count)
	for i := 0; i < rg.count; i++ {
		out = append(out, rg.buf[(rg.start+i)%len(rg.buf)])
	}
	return out
}

// Forget drops a finished run's history once its result was delivered.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
