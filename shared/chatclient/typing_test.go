package chatclient

import (
	"slices"
	"testing"
	"time"
)

func TestTypingDebouncer(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	d := NewTypingDebouncer(clock, 2*time.Second)

	if !d.Keystroke("B") {
		t.Fatalf("first keystroke emits typing")
	}
	clock.Advance(500 * time.Millisecond)
	if d.Keystroke("B") {
		t.Fatalf("keystroke inside half window must not re-emit")
	}
	clock.Advance(600 * time.Millisecond)
	if !d.Keystroke("B") {
		t.Fatalf("keystroke after half window re-emits typing")
	}

	clock.Advance(1900 * time.Millisecond)
	if got := d.Expired(); len(got) != 0 {
		t.Fatalf("not quiet long enough: %v", got)
	}
	clock.Advance(100 * time.Millisecond)
	if got := d.Expired(); !slices.Equal(got, []string{"B"}) {
		t.Fatalf("expired=%v", got)
	}
	if d.Stop("B") {
		t.Fatalf("expired peer is no longer active")
	}

	d.Keystroke("C")
	if !d.Stop("C") {
		t.Fatalf("stop on active peer should request stopTyping")
	}
}

func TestTypingTracker_Expiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTypingTracker(clock, 0)

	tr.Typing("B")
	tr.Typing("C")
	if !tr.IsTyping("B") || !slices.Equal(tr.Active(), []string{"B", "C"}) {
		t.Fatalf("both peers should be typing")
	}

	tr.Stop("C")
	if tr.IsTyping("C") {
		t.Fatalf("stopTyping clears immediately")
	}

	clock.Advance(DefaultTypingWindow - time.Millisecond)
	if !tr.IsTyping("B") {
		t.Fatalf("still inside the window")
	}
	clock.Advance(time.Millisecond)
	if tr.IsTyping("B") || len(tr.Active()) != 0 {
		t.Fatalf("typing must expire after the quiet window")
	}

	tr.Typing("B")
	clock.Advance(time.Second)
	tr.Typing("B")
	clock.Advance(1500 * time.Millisecond)
	if !tr.IsTyping("B") {
		t.Fatalf("a fresh typing event extends the window")
	}
}
