// internal/room/timers.go
package room

import (
	"strings"
	"sync"
	"time"
)

const (
	resetTimerKey    = "reset"
	requestKeyPrefix = "request:"
)

func requestTimerKey(requestID string) string {
	return requestKeyPrefix + requestID
}

// timerTable owns the engine's deferred calls. A fired timer only runs its
// callback if it is still the one registered under its key.
type timerTable struct {
	mu        sync.Mutex
	timers    map[string]*time.Timer
	deadlines map[string]int64
	closed    bool
}

func newTimerTable() *timerTable {
	return &timerTable{
		timers:    make(map[string]*time.Timer),
		deadlines: make(map[string]int64),
	}
}

// armAt is arm for a timer whose epoch-millis deadline is kept so callers
// can tell which deadline is armed.
func (t *timerTable) armAt(key string, at int64, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armLocked(key, d, fn) {
		t.deadlines[key] = at
	}
}

// deadline returns the deadline given to armAt for the timer under key.
func (t *timerTable) deadline(key string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.timers[key]; !ok {
		return 0, false
	}
	at, ok := t.deadlines[key]
	return at, ok
}

// arm replaces any timer under key with one running fn after d.
func (t *timerTable) arm(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked(key, d, fn)
}

// armIfAbsent arms key only when nothing is registered under it.
func (t *timerTable) armIfAbsent(key string, d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.timers[key]; ok {
		return false
	}
	return t.armLocked(key, d, fn)
}

func (t *timerTable) armLocked(key string, d time.Duration, fn func()) bool {
	if t.closed {
		return false
	}
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	delete(t.deadlines, key)
	if d < 0 {
		d = 0
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.timers[key] != timer {
			// stale
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		delete(t.deadlines, key)
		t.mu.Unlock()
		fn()
	})
	t.timers[key] = timer
	return true
}

func (t *timerTable) cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	delete(t.deadlines, key)
}

func (t *timerTable) cancelPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		if strings.HasPrefix(key, prefix) {
			timer.Stop()
			delete(t.timers, key)
			delete(t.deadlines, key)
		}
	}
}

func (t *timerTable) cancelAll() {
	t.cancelPrefix("")
}

func (t *timerTable) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

// keys returns the registered keys starting with prefix.
func (t *timerTable) keys(prefix string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for key := range t.timers {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

// close cancels everything and refuses new timers.
func (t *timerTable) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancelAll()
}
