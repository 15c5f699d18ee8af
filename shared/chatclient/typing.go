package chatclient

import (
	"slices"
	"sync"
	"time"
)

// DefaultTypingWindow is the quiet period after which typing is considered stopped.
const DefaultTypingWindow = 2 * time.Second

// TypingDebouncer decides when the sending side emits typing and stopTyping.
//
// The first keystroke emits typing; further keystrokes re-emit it once every half
// window so the receiver's expiry never fires mid-typing. A peer quiet for a full
// window shows up in Expired and should get stopTyping.
type TypingDebouncer struct {
	clock  Clock
	window time.Duration

	mu    sync.Mutex
	peers map[string]*typingState
}

type typingState struct {
	lastKey  time.Time
	lastEmit time.Time
}

// NewTypingDebouncer builds a debouncer; window <= 0 uses DefaultTypingWindow.
func NewTypingDebouncer(clock Clock, window time.Duration) *TypingDebouncer {
	if clock == nil {
		clock = SystemClock{}
	}
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingDebouncer{clock: clock, window: window, peers: make(map[string]*typingState)}
}

// Keystroke records input for peerID and reports whether typing should be sent now.
func (d *TypingDebouncer) Keystroke(peerID string) bool {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.peers[peerID]
	if !ok {
		d.peers[peerID] = &typingState{lastKey: now, lastEmit: now}
		return true
	}
	st.lastKey = now
	if now.Sub(st.lastEmit) >= d.window/2 {
		st.lastEmit = now
		return true
	}
	return false
}

// Stop ends typing for peerID (e.g. on send) and reports whether stopTyping should be sent.
func (d *TypingDebouncer) Stop(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[peerID]; !ok {
		return false
	}
	delete(d.peers, peerID)
	return true
}

// Expired removes and returns the peers whose last keystroke is a full window old.
func (d *TypingDebouncer) Expired() []string {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	for peer, st := range d.peers {
		if now.Sub(st.lastKey) >= d.window {
			out = append(out, peer)
			delete(d.peers, peer)
		}
	}
	slices.Sort(out)
	return out
}

// TypingTracker is the receiving side: a peer shows as typing until stopTyping
// arrives or the window passes without another typing event.
type TypingTracker struct {
	clock  Clock
	window time.Duration

	mu    sync.Mutex
	until map[string]time.Time
}

// NewTypingTracker builds a tracker; window <= 0 uses DefaultTypingWindow.
func NewTypingTracker(clock Clock, window time.Duration) *TypingTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingTracker{clock: clock, window: window, until: make(map[string]time.Time)}
}

// Typing records a typing event from peerID.
func (t *TypingTracker) Typing(peerID string) {
	deadline := t.clock.Now().Add(t.window)
	t.mu.Lock()
	t.until[peerID] = deadline
	t.mu.Unlock()
}

// Stop clears peerID immediately.
func (t *TypingTracker) Stop(peerID string) {
	t.mu.Lock()
	delete(t.until, peerID)
	t.mu.Unlock()
}

// IsTyping reports whether peerID is currently typing.
func (t *TypingTracker) IsTyping(peerID string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := t.until[peerID]
	if !ok {
		return false
	}
	if !now.Before(deadline) {
		delete(t.until, peerID)
		return false
	}
	return true
}

// Active returns the sorted peers currently typing.
func (t *TypingTracker) Active() []string {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for peer, deadline := range t.until {
		if now.Before(deadline) {
			out = append(out, peer)
		} else {
			delete(t.until, peer)
		}
	}
	slices.Sort(out)
	return out
}
