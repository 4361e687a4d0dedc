package callback

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Factory creates a sink writing to w, masking output with r.
type Factory func(w io.Writer, r *Redactor) Sink

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func init() {
	RegisterSink("default", func(w io.Writer, r *Redactor) Sink { return NewTreeSink(w, r) })
	RegisterSink("silent", func(io.Writer, *Redactor) Sink { return SilentSink{} })
	RegisterSink("json", func(w io.Writer, r *Redactor) Sink { return NewJSONSink(w, r) })
}

// RegisterSink adds a sink factory to the static registry.
func RegisterSink(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewSink creates a registered sink by name.
func NewSink(name string, w io.Writer, r *Redactor) (Sink, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown callback sink %q (available: %s)", name, strings.Join(sinkNames(), ", "))
	}
	return f(w, r), nil
}

// Names returns the registered sink names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sinkNames()
}

func sinkNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SilentSink discards all events.
type SilentSink struct{}

// OnStart implements Sink.
func (SilentSink) OnStart(*Task) {}

// OnFinish implements Sink.
func (SilentSink) OnFinish(*Task) {}

// Event is one line of a run log.
type Event struct {
	Timestamp     time.Time `json:"ts"`
	Level         string    `json:"level"`
	Msg           string    `json:"msg"`
	ID            string    `json:"id"`
	ParentID      string    `json:"parent_id,omitempty"`
	Category      string    `json:"category"`
	Finished      bool      `json:"finished"`
	Success       bool      `json:"success"`
	Skipped       bool      `json:"skipped"`
	Changed       bool      `json:"changed"`
	ErrorMessages []string  `json:"error_messages"`
}

// JSONSink writes one JSON object per event.
type JSONSink struct {
	mu       sync.Mutex
	enc      *json.Encoder
	redactor *Redactor
}

// NewJSONSink creates a JSON-lines sink.
func NewJSONSink(w io.Writer, r *Redactor) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w), redactor: r}
}

// OnStart implements Sink.
func (s *JSONSink) OnStart(t *Task) {
	s.write(t, false)
}

// OnFinish implements Sink.
func (s *JSONSink) OnFinish(t *Task) {
	s.write(t, true)
}

func (s *JSONSink) write(t *Task, finished bool) {
	ev := Event{
		Timestamp:     time.Now().UTC(),
		Level:         "info",
		Msg:           s.redactor.Redact(t.Name()),
		ID:            t.ID(),
		Category:      t.Category(),
		Finished:      finished,
		ErrorMessages: []string{},
	}
	if p := t.Parent(); p != nil {
		ev.ParentID = p.ID()
	}
	if finished {
		ev.Success = t.Success()
		ev.Skipped = t.Skipped()
		ev.Changed = t.Changed()
		ev.ErrorMessages = s.redactor.RedactAll(t.ErrorMessages())
		if !ev.Success {
			ev.Level = "error"
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// a failing writer must not interrupt the run
	_ = s.enc.Encode(ev)
}

// TreeSink renders a live tree of tasks with box drawing characters and
// coloured status words.
type TreeSink struct {
	mu       sync.Mutex
	w        io.Writer
	redactor *Redactor

	ok      lipgloss.Style
	changed lipgloss.Style
	skipped lipgloss.Style
	failed  lipgloss.Style
	name    lipgloss.Style
}

// NewTreeSink creates the default terminal sink.
func NewTreeSink(w io.Writer, r *Redactor) *TreeSink {
	renderer := lipgloss.NewRenderer(w)
	return &TreeSink{
		w:        w,
		redactor: r,
		ok:       renderer.NewStyle().Foreground(lipgloss.Color("2")),
		changed:  renderer.NewStyle().Foreground(lipgloss.Color("3")),
		skipped:  renderer.NewStyle().Foreground(lipgloss.Color("8")),
		failed:   renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		name:     renderer.NewStyle().Bold(true),
	}
}

// OnStart implements Sink.
func (s *TreeSink) OnStart(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker := "├╼ "
	if t.Parent() == nil {
		marker = "╭╼ "
	}
	fmt.Fprintf(s.w, "%s%s%s\n", indent(t.Depth()), marker, s.name.Render(s.redactor.Redact(t.Name())))
}

// OnFinish implements Sink.
func (s *TreeSink) OnFinish(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := indent(t.Depth() + 1)
	for _, msg := range t.Messages() {
		fmt.Fprintf(s.w, "%s%s\n", prefix, s.redactor.Redact(msg))
	}
	for _, msg := range t.ErrorMessages() {
		fmt.Fprintf(s.w, "%s%s\n", prefix, s.failed.Render(s.redactor.Redact(msg)))
	}
	fmt.Fprintf(s.w, "%s╰╼ %s\n", indent(t.Depth()), s.status(t))
}

func (s *TreeSink) status(t *Task) string {
	switch {
	case !t.Success():
		if t.IgnoreErrors() {
			return s.failed.Render("failed (ignored)")
		}
		return s.failed.Render("failed")
	case t.Skipped():
		return s.skipped.Render("skipped")
	case t.Changed():
		return s.changed.Render("ok (changed)")
	default:
		return s.ok.Render("ok (no change)")
	}
}

func indent(depth int) string {
	return strings.Repeat("│  ", depth)
}
