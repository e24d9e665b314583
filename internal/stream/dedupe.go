package stream

import (
	"strings"

	"github.com/g960059/devboard/internal/model"
)

// Deduper suppresses repeated output fragments inside a sliding window.
// The engine CLIs occasionally double-emit a line on internal retries; the
// fingerprint (kind + content prefix) is a heuristic, so two genuinely
// distinct entries sharing a prefix within the window are merged.
type Deduper struct {
	window    int
	prefixLen int
	order     []string
	seen      map[string]struct{}
}

func NewDeduper(window, prefixLen int) *Deduper {
	if window <= 0 {
		window = 50
	}
	if prefixLen <= 0 {
		prefixLen = 200
	}
	return &Deduper{
		window:    window,
		prefixLen: prefixLen,
		seen:      map[string]struct{}{},
	}
}

// Duplicate reports whether the entry repeats a recently tracked fingerprint.
// Fresh entries are enqueued, evicting the oldest fingerprint past the window.
// Terminal entries are never deduplicated.
func (d *Deduper) Duplicate(kind model.LogKind, content string) bool {
	if kind == model.LogComplete {
		return false
	}
	fp := d.fingerprint(kind, content)
	if _, ok := d.seen[fp]; ok {
		return true
	}
	d.seen[fp] = struct{}{}
	d.order = append(d.order, fp)
	if len(d.order) > d.window {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

func (d *Deduper) fingerprint(kind model.LogKind, content string) string {
	prefix := content
	if len(prefix) > d.prefixLen {
		prefix = prefix[:d.prefixLen]
	}
	var sb strings.Builder
	sb.Grow(len(kind) + 1 + len(prefix))
	sb.WriteString(string(kind))
	sb.WriteByte(0)
	sb.WriteString(prefix)
	return sb.String()
}
