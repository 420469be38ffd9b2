// Package session holds the daemon's in-memory model of a running Coop
// session: its sandbox, its PTYs, and the configuration it was created
// with. Registry is the name/workspace index the daemon looks commands up
// through (§3 Data Model, §4.5 Daemon Core).
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/coop/internal/config"
	"github.com/ehrlich-b/coop/internal/ptyengine"
	"github.com/ehrlich-b/coop/internal/sandbox"
)

// Session is one sandboxed, long-lived execution environment: a pinned set
// of namespaces, an overlay rootfs, and the PTYs running inside it. PTY 0 is
// always the agent; additional PTYs are `shell` invocations.
type Session struct {
	Name      string
	Workspace string
	Created   time.Time
	InitPID   int

	Config  config.Snapshot
	Handles *sandbox.Handles
	Paths   sandbox.Paths

	mu      sync.Mutex
	nextPTY int
	ptys    map[int]*ptyengine.PTY

	webClients   int
	localClients int
}

// New wraps a freshly built sandbox and its PTY 0 into a Session. Callers
// (the daemon's create-command handler) have already called sandbox.Build
// and ptyengine.New for PTY 0 before constructing this.
func New(name, workspace string, cfg config.Snapshot, handles *sandbox.Handles, paths sandbox.Paths, initPID int, agentPTY *ptyengine.PTY) *Session {
	s := &Session{
		Name:      name,
		Workspace: workspace,
		Created:   time.Now(),
		InitPID:   initPID,
		Config:    cfg,
		Handles:   handles,
		Paths:     paths,
		nextPTY:   1,
		ptys:      map[int]*ptyengine.PTY{0: agentPTY},
	}
	return s
}

// AddShellPTY registers a newly spawned `shell` PTY and returns its id.
func (s *Session) AddShellPTY(p *ptyengine.PTY) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextPTY
	s.nextPTY++
	s.ptys[id] = p
	return id
}

// PTY looks up a PTY by id.
func (s *Session) PTY(id int) (*ptyengine.PTY, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ptys[id]
	return p, ok
}

// PTYIDs returns the id of every PTY in the session, PTY 0 first, for `ls`
// summaries. A PTY whose process has exited is not removed from the session,
// so its id is still listed.
func (s *Session) PTYIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.ptys))
	if _, ok := s.ptys[0]; ok {
		ids = append(ids, 0)
	}
	for id := range s.ptys {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// AddClient/RemoveClient track per-session attachment counts reported by
// `ls`. The daemon's auto-shutdown idle timer (§4.5) does not read them; it
// uses the daemon's own client count and the number of sessions.
func (s *Session) AddClient(web bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if web {
		s.webClients++
	} else {
		s.localClients++
	}
}

func (s *Session) RemoveClient(web bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if web {
		s.webClients--
	} else {
		s.localClients--
	}
}

func (s *Session) ClientCounts() (web, local int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webClients, s.localClients
}

// Close tears down every PTY and releases the pinned namespace handles.
// Does not remove on-disk overlay directories — the persist dir survives
// session destruction by design (§3).
func (s *Session) Close() {
	s.mu.Lock()
	ptys := make([]*ptyengine.PTY, 0, len(s.ptys))
	for _, p := range s.ptys {
		ptys = append(ptys, p)
	}
	s.mu.Unlock()

	for _, p := range ptys {
		p.Kill()
	}
	if s.Handles != nil {
		s.Handles.Close()
	}
}

// ErrNotFound mirrors the SESSION_NOT_FOUND wire error.
var ErrNotFound = fmt.Errorf("session not found")

// ErrExists mirrors SESSION_EXISTS.
var ErrExists = fmt.Errorf("session already exists")
