package daemon

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/coop/internal/bridge"
	"github.com/ehrlich-b/coop/internal/config"
	"github.com/ehrlich-b/coop/internal/ipc"
	"github.com/ehrlich-b/coop/internal/logger"
	"github.com/ehrlich-b/coop/internal/ptyengine"
	"github.com/ehrlich-b/coop/internal/sandbox"
	"github.com/ehrlich-b/coop/internal/session"
)

// dispatch reads one command-phase message and handles it. `attach` and
// `shell` upgrade the same connection into stream mode on success and only
// return once the client detaches or the connection drops.
func (d *Daemon) dispatch(ctx context.Context, conn *net.UnixConn) {
	var cmd ipc.Command
	if err := ipc.ReadJSON(conn, &cmd); err != nil {
		if err == ipc.ErrMessageTooLarge {
			ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrMessageTooLargeCode})
		}
		return
	}

	switch cmd.Cmd {
	case "create":
		d.handleCreate(conn, cmd)
	case "attach":
		d.handleAttach(ctx, conn, cmd)
	case "shell":
		d.handleShell(ctx, conn, cmd)
	case "ls":
		d.handleList(conn)
	case "kill":
		d.handleKill(conn, cmd)
	case "serve", "tunnel":
		d.handleTunnelRegistration(ctx, conn, cmd.Cmd)
	case "shutdown":
		d.handleShutdown(conn)
	default:
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrInvalidCommand})
	}
}

func (d *Daemon) handleCreate(conn *net.UnixConn, cmd ipc.Command) {
	workspace, err := filepath.Abs(cmd.Workspace)
	if err != nil {
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrInvalidCommand})
		return
	}

	name := cmd.Name
	if name == "" {
		// Default to the workspace directory's name; a uuid suffix keeps a
		// second auto-named session for a same-named directory distinct.
		name = filepath.Base(workspace)
		if _, taken := d.Registry.ByName(name); taken {
			name += "-" + uuid.New().String()[:8]
		}
	}
	if strings.Contains(name, "/") {
		// A "/" would make this name indistinguishable from a workspace-path
		// lookup in Registry.Resolve, so it could never be attached by name.
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrInvalidCommand})
		return
	}
	if _, ok := d.Registry.ByName(name); ok {
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrSessionExists})
		return
	}

	coopfile := cmd.Coopfile
	if coopfile == "" {
		coopfile = filepath.Join(workspace, "coopfile.yaml")
	}
	cfg, err := config.Load(coopfile)
	if err != nil {
		// A missing coopfile is not an error (config.Load returns Default()
		// for that case with a nil error); anything reaching here is a real
		// parse or validation failure (e.g. a mount escaping the user's
		// home directory) and must reject session creation, not fall back
		// silently to defaults.
		logger.Warn("config rejected", "workspace", workspace, "err", err)
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrInvalidCommand})
		return
	}

	paths := sandbox.PathsFor(d.State, config.BaseRootfsDir(d.State), name, workspace)
	built, err := sandbox.Build(cfg, name, paths, 80, 24)
	if err != nil {
		logger.Error("sandbox build failed", "session", name, "err", err)
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrInvalidCommand})
		return
	}

	reenter := d.reenterFor(built.Handles, cfg)
	agentPTY := ptyengine.New(0, ptyengine.RoleAgent, cfg.Agent, built.Ptmx, built.InitPID, 80, 24,
		cfg.ScrollbackSize, cfg.AutoRestart, cfg.RestartDelay, reenter)
	if cmd.Debug {
		debugPath := filepath.Join(config.SessionDir(d.State, name), "debug.bin")
		if err := agentPTY.EnableDebugCapture(debugPath); err != nil {
			logger.Warn("debug capture unavailable", "session", name, "err", err)
		}
	}
	go agentPTY.Run(built.Exit)

	sess := session.New(name, workspace, cfg, built.Handles, paths, built.InitPID, agentPTY)
	if err := d.Registry.Add(sess); err != nil {
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrSessionExists})
		return
	}

	logger.Info("session created", "name", name, "workspace", workspace, "pid", built.InitPID)
	ipc.WriteJSON(conn, ipc.Reply{OK: true, Session: name, PID: built.InitPID})
}

// reenterFor closes over a session's pinned namespace handles so PTY 0's
// restart state machine (ptyengine §4.3) can re-enter the sandbox without
// the engine package needing to know anything about namespaces.
func (d *Daemon) reenterFor(h *sandbox.Handles, cfg config.Snapshot) ptyengine.Reenter {
	return func(command string, cols, rows int) (ptyengine.MasterHandle, int, <-chan int, error) {
		entered, err := sandbox.Enter(h, command, nil, cols, rows)
		if err != nil {
			return nil, 0, nil, err
		}
		return entered.Ptmx, entered.Pid, entered.Exit, nil
	}
}

func (d *Daemon) handleAttach(ctx context.Context, conn *net.UnixConn, cmd ipc.Command) {
	sess, ok := d.Registry.Resolve(cmd.Session)
	if !ok {
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrSessionNotFound})
		return
	}
	pty, ok := sess.PTY(cmd.PTY)
	if !ok {
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrPTYNotFound})
		return
	}
	if err := ipc.WriteJSON(conn, ipc.Reply{OK: true}); err != nil {
		return
	}

	sess.AddClient(false)
	d.addClient(1)
	d.registerStream(conn)
	defer func() {
		d.unregisterStream(conn)
		sess.RemoveClient(false)
		d.addClient(-1)
	}()

	attachmentID := uuid.New().String()
	trusted := true // local Unix-socket clients are always the "local" trust tier (§3)
	bridge.RunBridge(ctx, conn, pty, attachmentID, cmd.Cols, cmd.Rows, trusted)
}

func (d *Daemon) handleShell(ctx context.Context, conn *net.UnixConn, cmd ipc.Command) {
	sess, ok := d.Registry.Resolve(cmd.Session)
	if !ok {
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrSessionNotFound})
		return
	}

	shellCmd := cmd.ShellCmd
	if shellCmd == "" {
		shellCmd = "/bin/sh"
	}
	cols, rows := cmd.Cols, cmd.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	entered, err := sandbox.Enter(sess.Handles, shellCmd, nil, cols, rows)
	if err != nil {
		logger.Error("shell spawn failed", "session", sess.Name, "err", err)
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrInvalidCommand})
		return
	}

	shellPTY := ptyengine.New(0, ptyengine.RoleShell, shellCmd, entered.Ptmx, entered.Pid, cols, rows,
		sess.Config.ScrollbackSize, false, 0, nil)
	id := sess.AddShellPTY(shellPTY)
	shellPTY.ID = id
	go shellPTY.Run(entered.Exit)

	if err := ipc.WriteJSON(conn, ipc.Reply{OK: true, PTY: id}); err != nil {
		return
	}

	sess.AddClient(false)
	d.addClient(1)
	d.registerStream(conn)
	defer func() {
		d.unregisterStream(conn)
		sess.RemoveClient(false)
		d.addClient(-1)
	}()

	bridge.RunBridge(ctx, conn, shellPTY, uuid.New().String(), cols, rows, true)
}

// handleTunnelRegistration implements the `serve`/`tunnel` commands as pure
// idle-shutdown accounting (§4.5): actually listening on HTTP/WebSocket/
// WebRTC is an external collaborator (§1), so this just holds the
// connection open as a registration handle, counted in webTunnels, until
// the client disconnects or the daemon shuts down.
func (d *Daemon) handleTunnelRegistration(ctx context.Context, conn *net.UnixConn, kind string) {
	if err := ipc.WriteJSON(conn, ipc.Reply{OK: true}); err != nil {
		return
	}
	d.AddWebTunnel(1)
	d.registerStream(conn)
	defer func() {
		d.unregisterStream(conn)
		d.AddWebTunnel(-1)
	}()
	logger.Info("tunnel registration active", "kind", kind)
	blockUntilClosed(ctx, conn)
	logger.Info("tunnel registration ended", "kind", kind)
}

// blockUntilClosed waits for either ctx cancellation or the peer closing
// the connection, whichever comes first.
func blockUntilClosed(ctx context.Context, conn *net.UnixConn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (d *Daemon) handleList(conn *net.UnixConn) {
	var out []ipc.SessionSummary
	for _, sess := range d.Registry.List() {
		web, local := sess.ClientCounts()
		var ptys []ipc.PTYSummary
		for _, id := range sess.PTYIDs() {
			p, ok := sess.PTY(id)
			if !ok {
				continue
			}
			ptys = append(ptys, ipc.PTYSummary{ID: id, Role: string(p.Role), Command: p.Command})
		}
		out = append(out, ipc.SessionSummary{
			Name:         sess.Name,
			Workspace:    sess.Workspace,
			PID:          sess.InitPID,
			Created:      sess.Created.Unix(),
			PTYs:         ptys,
			WebClients:   web,
			LocalClients: local,
		})
	}
	ipc.WriteJSON(conn, ipc.Reply{OK: true, Sessions: out})
}

func (d *Daemon) handleKill(conn *net.UnixConn, cmd ipc.Command) {
	sess, ok := d.Registry.Resolve(cmd.Session)
	if !ok {
		ipc.WriteJSON(conn, ipc.Reply{OK: false, Error: ipc.ErrSessionNotFound})
		return
	}
	sess.Close()
	d.Registry.Remove(sess.Name)
	logger.Info("session killed", "name", sess.Name)
	ipc.WriteJSON(conn, ipc.Reply{OK: true})
}

func (d *Daemon) handleShutdown(conn *net.UnixConn) {
	ipc.WriteJSON(conn, ipc.Reply{OK: true})
	go func() {
		time.Sleep(50 * time.Millisecond)
		select {
		case <-d.shutdownCh:
		default:
			close(d.shutdownCh)
		}
	}()
}
