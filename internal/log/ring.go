package log

import (
	"strings"
	"sync"
	"time"
)

// DefaultRingSize is how many log lines the dashboard can show.
const DefaultRingSize = 100

const ringTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Entry is one retained log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// String renders the entry as "[timestamp] message".
func (e Entry) String() string {
	return "[" + e.Time.UTC().Format(ringTimeFormat) + "] " + e.Message
}

// Ring keeps the most recent log entries in memory.
type Ring struct {
	mu      sync.RWMutex
	max     int
	entries []Entry

	subNext int
	subs    map[int]chan Entry
}

// NewRing returns a Ring holding at most max entries.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = DefaultRingSize
	}
	return &Ring{
		max:  max,
		subs: make(map[int]chan Entry),
	}
}

// Add appends a message stamped with the current time.
func (r *Ring) Add(msg string) Entry {
	return r.AddEntry(Entry{Time: time.Now(), Message: msg})
}

// AddEntry appends e, dropping the oldest entry when full.
func (r *Ring) AddEntry(e Entry) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.entries = append(r.entries, e)
	if len(r.entries) > r.max {
		// 丢弃最旧的记录
		r.entries = append([]Entry(nil), r.entries[len(r.entries)-r.max:]...)
	}

	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
			// 慢客户端：丢弃以避免阻塞写日志的调用方
		}
	}
	return e
}

// List returns up to limit of the newest entries, oldest first. limit <= 0 means all.
func (r *Ring) List(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	if limit == 0 {
		return nil
	}
	out := make([]Entry, limit)
	copy(out, r.entries[len(r.entries)-limit:])
	return out
}

// Text joins all entries with newlines.
func (r *Ring) Text() string {
	entries := r.List(0)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// Clear drops every entry.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Subscribe returns a channel receiving every entry added from now on. Entries are
// dropped for a subscriber whose buffer is full. cancel closes the channel.
func (r *Ring) Subscribe(buf int) (ch <-chan Entry, cancel func()) {
	if buf <= 0 {
		buf = 32
	}
	c := make(chan Entry, buf)

	r.mu.Lock()
	id := r.subNext
	r.subNext++
	r.subs[id] = c
	r.mu.Unlock()

	return c, func() {
		r.mu.Lock()
		if ch2, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch2)
		}
		r.mu.Unlock()
	}
}
