// Package logtest records log entries so tests can assert on what a component
// logged.
package logtest

import (
	"fmt"
	"sync"

	"pkt.systems/pslog"
)

// Entry is one recorded log call.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// Recorder is a pslog.Logger that keeps every entry in memory.
type Recorder struct {
	shared *store
	fields []any
}

type store struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{shared: &store{}}
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	out := make([]Entry, len(r.shared.entries))
	copy(out, r.shared.entries)
	return out
}

// Count returns how many entries were recorded at level ("error", "warn", ...).
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Has reports whether an entry with the given level and message exists.
func (r *Recorder) Has(level, message string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

func (r *Recorder) record(level, msg string, keyvals []any) {
	fields := make(map[string]any, (len(r.fields)+len(keyvals))/2)
	all := append(append([]any(nil), r.fields...), keyvals...)
	for i := 0; i+1 < len(all); i += 2 {
		fields[fmt.Sprint(all[i])] = all[i+1]
	}
	r.shared.mu.Lock()
	r.shared.entries = append(r.shared.entries, Entry{Level: level, Message: msg, Fields: fields})
	r.shared.mu.Unlock()
}

func (r *Recorder) Trace(msg string, keyvals ...any) { r.record("trace", msg, keyvals) }
func (r *Recorder) Debug(msg string, keyvals ...any) { r.record("debug", msg, keyvals) }
func (r *Recorder) Info(msg string, keyvals ...any)  { r.record("info", msg, keyvals) }
func (r *Recorder) Warn(msg string, keyvals ...any)  { r.record("warn", msg, keyvals) }
func (r *Recorder) Error(msg string, keyvals ...any) { r.record("error", msg, keyvals) }
func (r *Recorder) Fatal(msg string, keyvals ...any) { r.record("fatal", msg, keyvals) }
func (r *Recorder) Panic(msg string, keyvals ...any) { r.record("panic", msg, keyvals) }

func (r *Recorder) Log(level pslog.Level, msg string, keyvals ...any) {
	r.record(fmt.Sprint(level), msg, keyvals)
}

func (r *Recorder) With(keyvals ...any) pslog.Logger {
	return &Recorder{shared: r.shared, fields: append(append([]any(nil), r.fields...), keyvals...)}
}

func (r *Recorder) WithLogLevel() pslog.Logger          { return r }
func (r *Recorder) LogLevel(pslog.Level) pslog.Logger   { return r }
func (r *Recorder) LogLevelFromEnv(string) pslog.Logger { return r }
