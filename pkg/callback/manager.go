package callback

import (
	"sync"
)

// Sink receives task lifecycle events.
type Sink interface {
	OnStart(t *Task)
	OnFinish(t *Task)
}

// Manager owns the sinks and the redactor of one callback tree.
type Manager struct {
	mu       sync.Mutex
	sinks    []Sink
	redactor *Redactor
}

// NewManager creates a manager. A nil redactor redacts nothing.
func NewManager(redactor *Redactor, sinks ...Sink) *Manager {
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Manager{
		sinks:    sinks,
		redactor: redactor,
	}
}

// AddSink registers an additional sink.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// RemoveSink unregisters a sink added earlier.
func (m *Manager) RemoveSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.sinks {
		if existing == s {
			m.sinks = append(m.sinks[:i:i], m.sinks[i+1:]...)
			return
		}
	}
}

// Redactor returns the redactor shared by the sinks.
func (m *Manager) Redactor() *Redactor {
	return m.redactor
}

// NewRoot starts a root task and emits on_start for it.
func (m *Manager) NewRoot(name, category string) *Task {
	t := newTask(m, nil, name, category)
	m.emitStart(t)
	return t
}

func (m *Manager) emitStart(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sinks {
		s.OnStart(t)
	}
}

func (m *Manager) emitFinish(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sinks {
		s.OnFinish(t)
	}
}

// ScopedSink forwards only the events of one subtree.
type ScopedSink struct {
	root *Task
	sink Sink
}

// NewScopedSink wraps sink so it only sees root and its descendants.
func NewScopedSink(root *Task, sink Sink) *ScopedSink {
	return &ScopedSink{root: root, sink: sink}
}

// OnStart implements Sink.
func (s *ScopedSink) OnStart(t *Task) {
	if s.contains(t) {
		s.sink.OnStart(t)
	}
}

// OnFinish implements Sink.
func (s *ScopedSink) OnFinish(t *Task) {
	if s.contains(t) {
		s.sink.OnFinish(t)
	}
}

func (s *ScopedSink) contains(t *Task) bool {
	for cur := t; cur != nil; cur = cur.Parent() {
		if cur == s.root {
			return true
		}
	}
	return false
}
