package chat

import (
	"sync"
	"time"
)

// DefaultTypingTimeout is how long after the last keystroke the sender
// announces it stopped typing.
const DefaultTypingTimeout = 2000 * time.Millisecond

// Typist debounces keystrokes into typing announcements: true on the
// first keystroke, false once no keystroke arrived for the timeout or
// when Done is called.
type Typist struct {
	timeout  time.Duration
	announce func(isTyping bool)

	// sendMu orders announcements; each is skipped once its run
	// transition has been superseded.
	sendMu sync.Mutex

	mu      sync.Mutex
	typing  bool
	timer   *time.Timer
	gen     uint64
	run     uint64
	stopped bool
}

// NewTypist creates a debouncer calling announce with each transition.
func NewTypist(timeout time.Duration, announce func(isTyping bool)) *Typist {
	return &Typist{timeout: timeout, announce: announce}
}

// Keystroke records input activity.
func (t *Typist) Keystroke() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	leading := !t.typing
	if leading {
		t.run++
	}
	run := t.run
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
	t.mu.Unlock()

	if leading {
		t.send(run, true)
	}
}

func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.run++
	run := t.run
	t.mu.Unlock()

	t.send(run, false)
}

// Done ends a typing run immediately, e.g. after the message was sent.
func (t *Typist) Done() {
	t.mu.Lock()
	if t.stopped || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.gen++
	t.run++
	run := t.run
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.send(run, false)
}

// send announces isTyping unless a later transition replaced run.
func (t *Typist) send(run uint64, isTyping bool) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	current := !t.stopped && t.run == run && t.typing == isTyping
	t.mu.Unlock()
	if !current {
		return
	}
	t.announce(isTyping)
}

// Active reports whether a typing run is in progress.
func (t *Typist) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Stop cancels the pending timer without announcing anything.
func (t *Typist) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.typing = false
	t.gen++
	t.run++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
