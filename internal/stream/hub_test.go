package stream

import (
	"fmt"
	"testing"

	"github.com/g960059/devboard/internal/model"
)

func newTestHub(buffer, queue int) *Hub {
	return NewHub(HubConfig{
		SessionID:   "ses-test",
		BufferLimit: buffer,
		QueueLimit:  queue,
	})
}

func publishStdout(h *Hub, content string) bool {
	return h.Publish(model.LogStdout, content, nil, "", nil)
}

func publishComplete(h *Hub, success bool, reason string) bool {
	ok := success
	return h.Publish(model.LogComplete, "", &ok, reason, nil)
}

func drain(t *testing.T, sub *Subscription) []model.LogEntry {
	t.Helper()
	var out []model.LogEntry
	for entry := range sub.C {
		out = append(out, entry)
	}
	return out
}

func TestHubOrderingAndSequence(t *testing.T) {
	h := newTestHub(100, 100)
	sub := h.Subscribe()

	for i := 0; i < 10; i++ {
		publishStdout(h, fmt.Sprintf("line-%d", i))
	}
	publishComplete(h, true, model.ReasonExit)

	entries := drain(t, sub)
	if len(entries) != 11 {
		t.Fatalf("expected 11 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d, expected %d", i, entry.Seq, i+1)
		}
		if entry.SessionID != "ses-test" {
			t.Fatalf("entry %d has session %q", i, entry.SessionID)
		}
	}
	if entries[10].Kind != model.LogComplete {
		t.Fatalf("last entry must be terminal, got %s", entries[10].Kind)
	}
}

func TestHubReplayForLateSubscriber(t *testing.T) {
	h := newTestHub(100, 100)
	for i := 0; i < 5; i++ {
		publishStdout(h, fmt.Sprintf("line-%d", i))
	}

	sub := h.Subscribe()
	for i := 5; i < 8; i++ {
		publishStdout(h, fmt.Sprintf("line-%d", i))
	}
	publishComplete(h, true, model.ReasonExit)

	entries := drain(t, sub)
	if len(entries) != 9 {
		t.Fatalf("expected 8 lines + terminal, got %d", len(entries))
	}
	for i := 0; i < 8; i++ {
		want := fmt.Sprintf("line-%d", i)
		if entries[i].Content != want {
			t.Fatalf("entry %d content=%q want %q", i, entries[i].Content, want)
		}
	}
}

func TestHubReplayIsDeterministic(t *testing.T) {
	h := newTestHub(100, 100)
	for i := 0; i < 6; i++ {
		publishStdout(h, fmt.Sprintf("line-%d", i))
	}

	first := h.Snapshot()
	second := h.Snapshot()
	if len(first) != len(second) {
		t.Fatalf("snapshot lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Seq != second[i].Seq || first[i].Content != second[i].Content {
			t.Fatalf("snapshot %d differs", i)
		}
	}
}

func TestHubSubscribeAfterClose(t *testing.T) {
	h := newTestHub(100, 100)
	publishStdout(h, "only line")
	publishComplete(h, true, model.ReasonExit)

	sub := h.Subscribe()
	entries := drain(t, sub)
	if len(entries) != 2 {
		t.Fatalf("expected replay + terminal, got %d entries", len(entries))
	}
	if entries[1].Kind != model.LogComplete {
		t.Fatalf("expected terminal last, got %s", entries[1].Kind)
	}
}

func TestHubBufferBound(t *testing.T) {
	h := newTestHub(10, 100)
	for i := 0; i < 25; i++ {
		publishStdout(h, fmt.Sprintf("line-%d", i))
	}

	snap := h.Snapshot()
	if len(snap) != 10 {
		t.Fatalf("expected buffer capped at 10, got %d", len(snap))
	}
	if snap[0].Content != "line-15" {
		t.Fatalf("expected oldest retained line-15, got %q", snap[0].Content)
	}
	if snap[9].Seq != 25 {
		t.Fatalf("expected newest seq 25, got %d", snap[9].Seq)
	}
}

func TestHubSlowSubscriberDroppedOthersUnaffected(t *testing.T) {
	h := newTestHub(100, 2)

	slow := h.Subscribe() // queue of 2, never read
	for i := 0; i < 10; i++ {
		if !publishStdout(h, fmt.Sprintf("line-%d", i)) {
			t.Fatalf("producer must never block or fail on a slow subscriber")
		}
	}
	if h.Subscribers() != 0 {
		t.Fatalf("slow subscriber should have been dropped, still %d attached", h.Subscribers())
	}

	// A late subscriber still gets the full buffered history.
	fast := h.Subscribe()
	publishComplete(h, true, model.ReasonExit)

	fastEntries := drain(t, fast)
	if len(fastEntries) != 11 {
		t.Fatalf("late subscriber expected 11 entries, got %d", len(fastEntries))
	}

	slowEntries := drain(t, slow)
	if len(slowEntries) != 2 {
		t.Fatalf("dropped subscriber keeps only its queued prefix, got %d entries", len(slowEntries))
	}
	if slowEntries[0].Seq >= slowEntries[1].Seq {
		t.Fatalf("prefix must stay ordered")
	}
}

func TestHubCancelDoesNotAffectOthers(t *testing.T) {
	h := newTestHub(100, 100)
	a := h.Subscribe()
	b := h.Subscribe()

	publishStdout(h, "line-0")
	a.Cancel()
	a.Cancel() // double cancel is a no-op
	publishStdout(h, "line-1")
	publishComplete(h, true, model.ReasonExit)

	entries := drain(t, b)
	if len(entries) != 3 {
		t.Fatalf("surviving subscriber expected 3 entries, got %d", len(entries))
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after close, got %d", h.Subscribers())
	}
}

func TestHubDedupeIntegration(t *testing.T) {
	stats := &Stats{}
	h := NewHub(HubConfig{
		SessionID:    "ses-test",
		BufferLimit:  100,
		QueueLimit:   100,
		DedupeWindow: 50,
		Stats:        stats,
	})

	if !publishStdout(h, "repeated line") {
		t.Fatalf("first emission must be forwarded")
	}
	if publishStdout(h, "repeated line") {
		t.Fatalf("duplicate must be suppressed")
	}
	if got := stats.Suppressed.Load(); got != 1 {
		t.Fatalf("expected 1 suppressed, got %d", got)
	}
	if len(h.Snapshot()) != 1 {
		t.Fatalf("buffer must hold only the forwarded entry")
	}
}

func TestHubPublishAfterCloseIsIgnored(t *testing.T) {
	h := newTestHub(100, 100)
	publishComplete(h, false, model.ReasonTerminated)
	if publishStdout(h, "too late") {
		t.Fatalf("publish after terminal must be ignored")
	}
	if !h.Closed() {
		t.Fatalf("hub must report closed")
	}
}
