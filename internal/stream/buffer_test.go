package stream

import (
	"strings"
	"testing"
	"time"
)

func TestAppendIdempotent(t *testing.T) {
	once := NewBuffer()
	once.Append("hello world")

	many := NewBuffer()
	for i := 0; i < 5; i++ {
		many.Append("hello world")
	}
	if once.FullContent() != many.FullContent() {
		t.Errorf("repeat appends changed content: %q vs %q", once.FullContent(), many.FullContent())
	}
}

func TestAppendPrefixExtension(t *testing.T) {
	b := NewBuffer()
	b.Append("hel")
	b.Append("hello")
	b.Append("hello wor")
	b.Append("hello world")
	if got := b.FullContent(); got != "hello world" {
		t.Errorf("FullContent() = %q, want %q", got, "hello world")
	}
}

func TestAppendSuffixOverlap(t *testing.T) {
	b := NewBuffer()
	b.Append("abcdef")
	b.Append("defghi")
	if got := b.FullContent(); got != "abcdefghi" {
		t.Errorf("FullContent() = %q, want %q", got, "abcdefghi")
	}
}

func TestAppendShorterRepeatIgnored(t *testing.T) {
	b := NewBuffer()
	b.Append("hello world")
	b.Append("hello")
	if got := b.FullContent(); got != "hello world" {
		t.Errorf("FullContent() = %q, want %q", got, "hello world")
	}
}

func TestHistoryBounded(t *testing.T) {
	b := NewBuffer(WithMaxHistoryChars(10))
	b.Append(strings.Repeat("a", 8))
	b.Append(strings.Repeat("a", 8) + "bcdefgh")
	if got := len(b.FullContent()); got != 10 {
		t.Errorf("history length = %d, want 10", got)
	}
	if !strings.HasSuffix(b.FullContent(), "bcdefgh") {
		t.Errorf("history should keep the tail, got %q", b.FullContent())
	}
}

func TestShouldFlush(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b := NewBuffer(WithNow(func() time.Time { return clock }))
	if b.ShouldFlush(time.Second, 1) {
		t.Error("empty buffer should not flush")
	}
	b.Append("some streamed content here")
	if b.ShouldFlush(time.Second, 1) {
		t.Error("interval not elapsed yet")
	}
	clock = clock.Add(2 * time.Second)
	if !b.ShouldFlush(time.Second, 1) {
		t.Error("expected flush after interval")
	}
	if b.ShouldFlush(time.Second, 1000) {
		t.Error("min chars not met")
	}
}

func TestFlushNeverRepeats(t *testing.T) {
	b := NewBuffer()
	b.Append("Result: done")
	first := b.Flush()
	if first != "Result: done" {
		t.Fatalf("Flush() = %q", first)
	}
	// Same normalized content again.
	b.pending.WriteString("  result:   DONE ")
	if second := b.Flush(); second != "" {
		t.Errorf("duplicate flush returned %q, want empty", second)
	}
	if b.FlushCount() != 1 {
		t.Errorf("FlushCount() = %d, want 1", b.FlushCount())
	}
}
