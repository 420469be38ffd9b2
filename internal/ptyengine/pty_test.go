package ptyengine

import (
	"io"
	"os"
	"testing"
	"time"
)

// pipeMaster adapts an os.Pipe half to the MasterHandle interface for tests
// that don't need a real PTY.
type pipeMaster struct {
	*os.File
}

func newPipeMasterPair(t *testing.T) (*pipeMaster, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return &pipeMaster{r}, w
}

func TestPTYWriteRejectsWhenNotRunning(t *testing.T) {
	master, _ := newPipeMasterPair(t)
	p := New(0, RoleAgent, "agent", readOnlyMaster{master}, 1, 80, 24, 1024, false, 0, nil)
	p.Kill()
	if err := p.Write([]byte("x")); err == nil {
		t.Error("expected write to a dead pty to fail")
	}
}

func TestPTYResizeClampsToMinimum(t *testing.T) {
	master, _ := newPipeMasterPair(t)
	p := New(0, RoleAgent, "agent", readOnlyMaster{master}, 1, 80, 24, 1024, false, 0, nil)
	p.Resize("client-a", 100, 40)
	p.Resize("client-b", 60, 30)
	if p.cols != 60 || p.rows != 30 {
		t.Errorf("cols,rows = %d,%d want 60,30", p.cols, p.rows)
	}
	p.DetachSize("client-b")
	p.Resize("client-a", 100, 40)
	if p.cols != 100 || p.rows != 40 {
		t.Errorf("after detach cols,rows = %d,%d want 100,40", p.cols, p.rows)
	}
}

func TestPTYSubscribeReplaysScrollback(t *testing.T) {
	master, w := newPipeMasterPair(t)
	p := New(0, RoleAgent, "agent", readOnlyMaster{master}, 1, 80, 24, 1024, false, 0, nil)

	go p.readLoop()
	w.Write([]byte("hello"))
	time.Sleep(20 * time.Millisecond)

	snap, sub := p.Subscribe()
	defer p.Unsubscribe(sub)
	if string(snap) != "hello" {
		t.Errorf("snapshot = %q, want %q", snap, "hello")
	}
	w.Close()
}

// readOnlyMaster satisfies MasterHandle's Write by discarding, since
// os.Pipe's read end can't be written to but PTY.Write still needs a target
// in write-path tests.
type readOnlyMaster struct {
	*pipeMaster
}

func (readOnlyMaster) Write(p []byte) (int, error) { return len(p), nil }

var _ io.ReadWriteCloser = readOnlyMaster{}
