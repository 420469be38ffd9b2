// Package inputfilter applies the streaming multi-pattern blocklist and
// rate limiter described in spec §4.4 to untrusted client input on agent
// PTYs. Detection runs over an Aho-Corasick automaton so partial matches
// survive chunk boundaries; a 500ms timer flushes held bytes forward when
// no new input resolves them one way or the other.
package inputfilter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	partialMatchTimeout = 500 * time.Millisecond
	ctrlCWindow         = 500 * time.Millisecond

	byteEOF  = 0x04
	byteFS   = 0x1c
	byteIntr = 0x03
)

// DefaultBlocked is the default blocked-sequence set from §4.4. New accepts
// any pattern list; the bridge passes this set alone.
var DefaultBlocked = [][]byte{
	{byteEOF},
	{byteFS},
	[]byte("exit\r"),
	[]byte("exit\n"),
	[]byte("/exit\r"),
	[]byte("/exit\n"),
	[]byte("quit\r"),
	[]byte("quit\n"),
}

// Event is emitted for each byte chunk processed: Forward carries bytes
// that should reach the PTY writer unchanged, Warning carries a
// user-visible message destined only for the originating client.
type Event struct {
	Forward []byte
	Warning string
}

// Filter is a streaming, stateful filter bound to one untrusted attachment.
// Process and the partial-match timer's flush serialize through mu.
type Filter struct {
	mu       sync.Mutex
	at       *automaton
	state    int
	held     []byte
	limiter  *rate.Limiter
	lastCtrl time.Time
	ctrlArmed bool
	timer    *time.Timer
	flushFn  func(Event)
}

// New builds a filter over patterns (DefaultBlocked plus any configured
// extras) with a token-bucket rate limiter (sustained rate rps bytes per
// second, bucket size burst).
// flush is invoked whenever forwardable bytes or a warning are ready —
// including asynchronously, from the partial-match timeout goroutine.
func New(patterns [][]byte, rps float64, burst int, flush func(Event)) *Filter {
	f := &Filter{
		at:      newAutomaton(patterns),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		flushFn: flush,
	}
	return f
}

// Process consumes a chunk of untrusted input and emits Forward/Warning
// events via the filter's flush callback. Output depends on state carried
// over from earlier calls (a held partial match, the Ctrl-C debounce
// window), so identical chunks need not produce identical events; input
// with no blocked sequence and no 0x03 is forwarded byte-identical.
func (f *Filter) Process(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, b := range data {
		if b == byteIntr {
			f.handleCtrlC()
			continue
		}
		f.stepByte(b)
	}
	f.rearmTimer()
}

func (f *Filter) handleCtrlC() {
	now := time.Now()
	if f.ctrlArmed && now.Sub(f.lastCtrl) < ctrlCWindow {
		f.emit(Event{Warning: "interrupt suppressed (already sent, wait a moment and retry)"})
		return
	}
	f.lastCtrl = now
	f.ctrlArmed = true
	f.emitForward([]byte{byteIntr})
}

func (f *Filter) stepByte(b byte) {
	newState := f.at.step(f.state, b)
	candidate := append(f.held, b)
	d := f.at.depth[newState]
	if d > len(candidate) {
		d = len(candidate)
	}
	flushed := candidate[:len(candidate)-d]
	held := append([]byte{}, candidate[len(candidate)-d:]...)

	if len(flushed) > 0 {
		f.emitForward(flushed)
	}

	if matches := f.at.matchesAt(newState); len(matches) > 0 {
		f.emit(Event{Warning: "blocked sequence suppressed"})
		f.held = nil
		f.state = 0
		return
	}

	f.held = held
	f.state = newState
}

// rearmTimer (re)starts the 500ms partial-match flush timer whenever there
// is something held; a fully resolved filter (no held bytes) needs no
// timer running.
func (f *Filter) rearmTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if len(f.held) == 0 {
		return
	}
	f.timer = time.AfterFunc(partialMatchTimeout, f.flushHeld)
}

func (f *Filter) flushHeld() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.held) == 0 {
		return
	}
	f.emitForward(f.held)
	f.held = nil
	f.state = 0
}

func (f *Filter) emitForward(data []byte) {
	allowed := f.limiter.AllowN(time.Now(), len(data))
	if !allowed {
		f.emit(Event{Warning: "input rate limit exceeded, bytes dropped"})
		return
	}
	f.emit(Event{Forward: data})
}

func (f *Filter) emit(e Event) {
	if f.flushFn != nil {
		f.flushFn(e)
	}
}
