// Package stream multiplexes one session's ordered output to any number of
// subscribers, with bounded replay for late joiners.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/devboard/internal/model"
)

// Stats counts hub-level events across all sessions. Owned by the caller so
// counters survive hub eviction.
type Stats struct {
	Entries        atomic.Int64
	Suppressed     atomic.Int64
	DroppedSubs    atomic.Int64
	TruncatedTails atomic.Int64
}

type HubConfig struct {
	SessionID       string
	BufferLimit     int
	QueueLimit      int
	DedupeWindow    int
	DedupePrefixLen int
	Stats           *Stats
}

// Hub owns one session's output buffer and subscriber set. The capture task
// is the only writer; subscribers each get an independently paced queue so a
// slow consumer never blocks the producer or its peers.
type Hub struct {
	mu      sync.Mutex
	cfg     HubConfig
	dedupe  *Deduper
	buffer  []model.LogEntry
	seq     int64
	subs    map[int64]*subscriber
	nextSub int64
	closed  bool
	stats   *Stats
}

type subscriber struct {
	ch   chan model.LogEntry
	gone bool
}

// Subscription is a cancellable ordered sequence of log entries. The channel
// is closed after the terminal entry, on cancel, or when the subscriber falls
// too far behind.
type Subscription struct {
	C      <-chan model.LogEntry
	cancel func()
}

func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = 500
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1024
	}
	stats := cfg.Stats
	if stats == nil {
		stats = &Stats{}
	}
	return &Hub{
		cfg:    cfg,
		dedupe: NewDeduper(cfg.DedupeWindow, cfg.DedupePrefixLen),
		subs:   map[int64]*subscriber{},
		stats:  stats,
	}
}

// Publish appends one entry and fans it out. Dedupe check, sequence
// assignment, and buffer append happen atomically under the hub lock, so no
// subscriber ever observes a partially applied entry. Returns false when the
// entry was suppressed or the hub is already closed.
func (h *Hub) Publish(kind model.LogKind, content string, success *bool, reason string, exitCode *int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.dedupe.Duplicate(kind, content) {
		h.stats.Suppressed.Add(1)
		return false
	}

	h.seq++
	entry := model.LogEntry{
		Seq:       h.seq,
		Kind:      kind,
		Content:   content,
		SessionID: h.cfg.SessionID,
		Timestamp: time.Now().UTC(),
		Success:   success,
		Reason:    reason,
		ExitCode:  exitCode,
	}
	h.buffer = append(h.buffer, entry)
	if len(h.buffer) > h.cfg.BufferLimit {
		h.buffer = h.buffer[len(h.buffer)-h.cfg.BufferLimit:]
		h.stats.TruncatedTails.Add(1)
	}
	h.stats.Entries.Add(1)

	for id, sub := range h.subs {
		select {
		case sub.ch <- entry:
		default:
			// Queue full: drop the slowest subscriber, never the entry.
			sub.gone = true
			close(sub.ch)
			delete(h.subs, id)
			h.stats.DroppedSubs.Add(1)
		}
	}

	if kind == model.LogComplete {
		h.closed = true
		for id, sub := range h.subs {
			sub.gone = true
			close(sub.ch)
			delete(h.subs, id)
		}
	}
	return true
}

// Subscribe replays the buffered history in order, then delivers every
// subsequent entry until the terminal marker. Subscribing to an already
// closed hub yields the retained history followed by channel close.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan model.LogEntry, len(h.buffer)+h.cfg.QueueLimit)
	for _, entry := range h.buffer {
		ch <- entry
	}

	if h.closed {
		close(ch)
		return &Subscription{C: ch}
	}

	h.nextSub++
	id := h.nextSub
	sub := &subscriber{ch: ch}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub.gone {
			return
		}
		sub.gone = true
		close(sub.ch)
		delete(h.subs, id)
	}
	return &Subscription{C: ch, cancel: cancel}
}

// Snapshot returns a copy of the retained buffer.
func (h *Hub) Snapshot() []model.LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.LogEntry, len(h.buffer))
	copy(out, h.buffer)
	return out
}

func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) LastSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}
