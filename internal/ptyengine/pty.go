// Package ptyengine allocates and drives the pseudo-terminals backing each
// session: a reader loop that fans output out to subscribers and into a
// scrollback ring, a mutex-serialized writer path, resize handling, and the
// restart state machine for PTY 0.
package ptyengine

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"

	"github.com/ehrlich-b/coop/internal/logger"
)

// watchdog thresholds for a freshly started PTY 0 that has produced no
// output yet (supplemented feature, see SPEC_FULL.md Startup watchdog).
const (
	watchdogWarn = 15 * time.Second
	watchdogFail = 30 * time.Second
)

type Role string

const (
	RoleAgent Role = "agent"
	RoleShell Role = "shell"
)

type State string

const (
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateRestarting State = "restarting"
	StateDead       State = "dead"
)

const readChunkSize = 4096

// MasterHandle abstracts the fd the PTY Engine reads/writes — satisfied by
// the *os.File returned from both sandbox.Build (PTY 0 at session creation)
// and sandbox.Enter (restart re-entry and `shell`).
type MasterHandle interface {
	io.ReadWriteCloser
	Fd() uintptr
}

// Reenter re-enters a session's sandbox to restart PTY 0 after it exits
// (§4.2, §4.3 Exit watcher). Implemented by internal/daemon (reenterFor)
// over sandbox.Enter.
type Reenter func(command string, cols, rows int) (master MasterHandle, pid int, exit <-chan int, err error)

// PTY is a single pseudo-terminal inside a session: the master side, a
// broadcast fan-out, a bounded scrollback ring, and the state machine
// described in §4.3.
type PTY struct {
	ID      int
	Role    Role
	Command string

	mu       sync.Mutex // serializes writer path; also guards fields below
	master   MasterHandle
	pid      int
	cols     int
	rows     int
	state    State
	exitCode int
	delay    time.Duration

	broadcast *Broadcast
	ring      *Ring

	autoRestart  bool
	restartDelay time.Duration
	reenter      Reenter

	// attachedSizes tracks the last-reported terminal size per attachment so
	// Resize can clamp to the smallest live dimensions (spec §9(a)).
	attachedSizes map[string][2]int

	firstByte  atomic.Bool // set once readLoop sees any output, stops the watchdog
	debugFile  *os.File    // non-nil after EnableDebugCapture succeeds
}

// New constructs a PTY already wired to a live master fd and child pid —
// the caller (daemon package) is responsible for actually allocating the
// master via sandbox.Build or sandbox.Enter.
func New(id int, role Role, command string, master MasterHandle, pid int, cols, rows int, scrollback int, autoRestart bool, restartDelay time.Duration, reenter Reenter) *PTY {
	p := &PTY{
		ID:            id,
		Role:          role,
		Command:       command,
		master:        master,
		pid:           pid,
		cols:          cols,
		rows:          rows,
		state:         StateRunning,
		broadcast:     NewBroadcast(),
		ring:          NewRing(scrollback, modePreamble(role)),
		autoRestart:   autoRestart,
		restartDelay:  restartDelay,
		reenter:       reenter,
		attachedSizes: make(map[string][2]int),
	}
	logger.Info("pty started", "id", id, "role", role, "pid", pid, "scrollback", units.BytesSize(float64(scrollback)))
	if role == RoleAgent {
		go p.runWatchdog()
	}
	return p
}

// EnableDebugCapture dumps every byte this PTY reads to path, for
// troubleshooting a misbehaving agent without reimplementing scrollback
// persistence (supplemented feature; opt-in, does not replace the ring).
func (p *PTY) EnableDebugCapture(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.debugFile = f
	p.mu.Unlock()
	return nil
}

// runWatchdog logs a diagnostic if PTY 0 produces no output shortly after
// starting — often the first sign the sandboxed command never launched.
func (p *PTY) runWatchdog() {
	t := time.NewTimer(watchdogWarn)
	defer t.Stop()
	select {
	case <-t.C:
	}
	if p.firstByte.Load() || p.State() != StateRunning {
		return
	}
	logger.Warn("pty produced no output yet", "id", p.ID, "after", watchdogWarn)

	t2 := time.NewTimer(watchdogFail - watchdogWarn)
	defer t2.Stop()
	<-t2.C
	if p.firstByte.Load() || p.State() != StateRunning {
		return
	}
	logger.Warn("pty still silent, sandboxed command may have failed to start", "id", p.ID, "after", watchdogFail)
}

// NewDead constructs a placeholder PTY in StateDead for a session
// reconstructed from /proc after a daemon crash (§4.6 Session Discovery):
// the original ptmx master fd died with the old daemon process, so there is
// nothing live to read or write. It has no master and no Reenter function,
// and nothing in this package restarts it.
func NewDead(id int, role Role, command string, scrollback int) *PTY {
	return &PTY{
		ID:            id,
		Role:          role,
		Command:       command,
		state:         StateDead,
		broadcast:     NewBroadcast(),
		ring:          NewRing(scrollback, modePreamble(role)),
		attachedSizes: make(map[string][2]int),
	}
}

// Subscribe atomically delivers the current scrollback snapshot and returns
// a live subscription — no bytes published after the snapshot is taken can
// be missed because both happen under the engine's short-lived lock
// (§4.3 Scrollback replay).
func (p *PTY) Subscribe() (snapshot []byte, sub *Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.Snapshot(), p.broadcast.Subscribe()
}

func (p *PTY) Unsubscribe(sub *Subscriber) {
	p.broadcast.Unsubscribe(sub)
}

// Write sends bytes to the PTY master, retrying on short writes. The mutex
// prevents two writers (e.g. a local attach and a web client) from
// interleaving bytes mid-keystroke.
func (p *PTY) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return fmt.Errorf("pty %d is %s, cannot write", p.ID, p.state)
	}
	for len(data) > 0 {
		n, err := p.master.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Resize sets the PTY window size to the minimum of every live attachment's
// reported dimensions (spec §9(a): resize clamps to the minimum).
func (p *PTY) Resize(attachmentID string, cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachedSizes[attachmentID] = [2]int{cols, rows}
	minCols, minRows := cols, rows
	for _, sz := range p.attachedSizes {
		if sz[0] < minCols {
			minCols = sz[0]
		}
		if sz[1] < minRows {
			minRows = sz[1]
		}
	}
	if minCols == p.cols && minRows == p.rows {
		return
	}
	p.cols, p.rows = minCols, minRows
	if err := setWinsize(p.master, minCols, minRows); err != nil {
		logger.Warn("resize failed", "pty", p.ID, "err", err)
	}
}

// DetachSize drops an attachment's remembered size so it no longer
// constrains the minimum on future resizes.
func (p *PTY) DetachSize(attachmentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attachedSizes, attachmentID)
}

func (p *PTY) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run drives the reader loop and the exit watcher until the PTY is killed
// or, for non-restarting PTYs, exits permanently. Call in its own
// goroutine; exitSignal fires once with the process's exit code whenever
// the underlying process terminates.
func (p *PTY) Run(exitSignal <-chan int) {
	for {
		p.readLoop()
		code := <-exitSignal
		shouldRestart := p.handleExit(code)
		if !shouldRestart {
			return
		}
		newExit, ok := p.restart()
		if !ok {
			return
		}
		exitSignal = newExit
	}
}

func (p *PTY) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := p.master.Read(buf)
		if n > 0 {
			p.firstByte.Store(true)
			chunk := append([]byte{}, buf[:n]...)
			p.ring.Write(chunk)
			p.broadcast.Publish(chunk)
			p.mu.Lock()
			if p.debugFile != nil {
				p.debugFile.Write(chunk)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// handleExit transitions running->exited, emits pty_exited, and decides
// whether the restart state machine should continue.
func (p *PTY) handleExit(code int) bool {
	p.mu.Lock()
	p.state = StateExited
	p.exitCode = code
	p.master.Close()
	restart := p.autoRestart && p.Role == RoleAgent && p.reenter != nil
	p.mu.Unlock()

	p.broadcast.PublishControl(Frame{Event: "pty_exited", Code: code})
	logger.Info("pty exited", "id", p.ID, "code", code, "restart", restart)
	return restart
}

// restart implements exited -> restarting -> running|dead.
func (p *PTY) restart() (<-chan int, bool) {
	p.mu.Lock()
	p.state = StateRestarting
	p.delay = p.restartDelay
	cols, rows := p.cols, p.rows
	cmd := p.Command
	p.mu.Unlock()

	delayMS := p.restartDelay.Milliseconds()
	logger.Info("pty restarting", "id", p.ID, "delay_ms", delayMS)
	p.broadcast.PublishControl(Frame{Event: "pty_restarting", DelayMS: delayMS})
	time.Sleep(p.restartDelay)

	master, pid, exitCh, err := p.reenter(cmd, cols, rows)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = StateDead
		logger.Warn("pty restart failed, marking dead", "id", p.ID, "err", err)
		return nil, false
	}
	p.master = master
	p.pid = pid
	p.state = StateRunning
	return exitCh, true
}

// Kill marks the PTY dead without attempting a restart, for explicit
// `kill` commands and shutdown cleanup sweeps.
func (p *PTY) Kill() {
	p.mu.Lock()
	p.state = StateDead
	if p.master != nil {
		p.master.Close()
	}
	if p.debugFile != nil {
		p.debugFile.Close()
		p.debugFile = nil
	}
	p.mu.Unlock()
}

func modePreamble(role Role) []byte {
	if role == RoleAgent {
		return []byte("\x1b[?1049l\x1b[?25h")
	}
	return nil
}
