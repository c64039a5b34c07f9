package eventlog

import (
	"github.com/TFMV/scooterguard/pkg/guard/model"
)

// DefaultCapacity matches the number of entries the dashboard keeps on screen.
const DefaultCapacity = 20

// FilterAll selects every category.
const FilterAll = "all"

// Log is an Observer that records log events, newest first. It is confined to
// the loop goroutine like every other observer.
type Log struct {
	model.NopObserver

	entries  []model.LogEntry
	capacity int
	behavior BufferFullBehavior
	dropped  int
}

// New creates a log holding at most capacity entries.
func New(capacity int, behavior BufferFullBehavior) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]model.LogEntry, 0, capacity),
		capacity: capacity,
		behavior: behavior,
	}
}

// OnLogEvent implements model.Observer.
func (l *Log) OnLogEvent(entry model.LogEntry) {
	l.Add(entry)
}

// Add prepends an entry, applying the full-buffer behavior.
func (l *Log) Add(entry model.LogEntry) {
	if len(l.entries) >= l.capacity {
		l.dropped++
		if l.behavior == DropNewest {
			return
		}
		l.entries = l.entries[:l.capacity-1]
	}
	l.entries = append(l.entries, model.LogEntry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = entry
}

// Entries returns a copy of the entries matching filter, newest first. An empty
// filter or FilterAll returns everything.
func (l *Log) Entries(filter string) []model.LogEntry {
	out := make([]model.LogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if filter == "" || filter == FilterAll || string(e.Category) == filter {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Dropped returns how many entries were evicted or rejected.
func (l *Log) Dropped() int {
	return l.dropped
}

// Clear removes every entry.
func (l *Log) Clear() {
	l.entries = l.entries[:0]
}
