// Package stream buffers streaming provider output, deduplicating the
// overlapping chunks LLM CLIs emit while refining a response, and extracts
// protocol-framed final output and tool-call blocks from CLI streams.
package stream

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxHistoryChars bounds the accumulated full content.
	DefaultMaxHistoryChars = 200_000
	// overlapScan bounds the suffix/prefix overlap search.
	overlapScan = 280
)

// Buffer accumulates provider output chunks with overlap dedup.
// Single-producer single-consumer; the mutex guards flush bookkeeping.
type Buffer struct {
	mu           sync.Mutex
	pending      strings.Builder
	history      string
	maxHistory   int
	previous     string
	lastFlushAt  time.Time
	flushCount   int
	lastFlushKey string
	now          func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxHistoryChars bounds the full history length.
func WithMaxHistoryChars(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuffer returns an empty stream buffer.
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		maxHistory: DefaultMaxHistoryChars,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastFlushAt = b.now()
	return b
}

// Append folds a raw chunk into the buffer, deduplicating exact repeats,
// prefix extensions, and suffix/prefix overlaps up to the scan bound.
func (b *Buffer) Append(raw string) {
	if raw == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := diffChunk(b.previous, raw)
	b.previous = raw
	if delta == "" {
		return
	}
	b.pending.WriteString(delta)
	b.history += delta
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

// diffChunk derives the unseen remainder of incoming relative to previous.
func diffChunk(previous, incoming string) string {
	if incoming == previous {
		return ""
	}
	if previous == "" {
		return incoming
	}
	if strings.HasPrefix(incoming, previous) {
		return incoming[len(previous):]
	}
	if strings.HasPrefix(previous, incoming) {
		return ""
	}
	max := overlapScan
	if len(previous) < max {
		max = len(previous)
	}
	if len(incoming) < max {
		max = len(incoming)
	}
	for n := max; n > 0; n-- {
		if previous[len(previous)-n:] == incoming[:n] {
			return incoming[n:]
		}
	}
	return incoming
}

// ShouldFlush reports whether enough content and time have accumulated.
func (b *Buffer) ShouldFlush(interval time.Duration, minChars int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending.Len() == 0 || b.pending.Len() < minChars {
		return false
	}
	return b.now().Sub(b.lastFlushAt) >= interval
}

// Flush drains the pending buffer. Identical consecutive flushes (after
// whitespace normalization and lowercasing) yield an empty string.
func (b *Buffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	content := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	b.lastFlushAt = b.now()
	if content == "" {
		return ""
	}
	key := flushKey(content)
	if key == b.lastFlushKey {
		return ""
	}
	b.lastFlushKey = key
	b.flushCount++
	return content
}

// FullContent returns the accumulated (bounded) history.
func (b *Buffer) FullContent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history
}

// FlushCount returns how many non-empty flushes occurred.
func (b *Buffer) FlushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushCount
}

func flushKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
