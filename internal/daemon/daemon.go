// Package daemon implements the Coop daemon core (§4.5): the Unix socket
// accept loop, peer-credential and version checks, command dispatch, the
// idle auto-shutdown timer, and graceful signal-driven shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/coop/internal/config"
	"github.com/ehrlich-b/coop/internal/ipc"
	"github.com/ehrlich-b/coop/internal/logger"
	"github.com/ehrlich-b/coop/internal/session"
)

// Daemon owns the session registry and the listening socket. One per
// process; cmd/coopd constructs and runs it.
type Daemon struct {
	State    string
	Registry *session.Registry

	mu          sync.Mutex
	clients     int // connections currently in stream mode, local or web
	webTunnels  int
	idleTimeout time.Duration
	idleTimer   *time.Timer
	shutdownCh  chan struct{}
	rebindCh    chan struct{}
	streams     map[*net.UnixConn]struct{} // connections currently in stream mode, for shutdown notification
	lockFile    *os.File
}

// New builds a Daemon rooted at the given state directory. idleTimeout of 0
// disables auto-shutdown.
func New(state string, idleTimeout time.Duration) *Daemon {
	return &Daemon{
		State:       state,
		Registry:    session.NewRegistry(),
		idleTimeout: idleTimeout,
		shutdownCh:  make(chan struct{}),
		rebindCh:    make(chan struct{}, 1),
		streams:     make(map[*net.UnixConn]struct{}),
	}
}

// registerStream/unregisterStream track connections in stream mode so
// gracefulShutdown can notify and close them (§4.5).
func (d *Daemon) registerStream(conn *net.UnixConn) {
	d.mu.Lock()
	d.streams[conn] = struct{}{}
	d.mu.Unlock()
}

func (d *Daemon) unregisterStream(conn *net.UnixConn) {
	d.mu.Lock()
	delete(d.streams, conn)
	d.mu.Unlock()
}

// Run binds the daemon socket and serves connections until it's told to
// shut down, either via SIGTERM/SIGINT or the idle timer firing with zero
// sessions and zero attached clients (§4.5).
func (d *Daemon) Run(ctx context.Context) error {
	if err := config.EnsureStateDirs(d.State); err != nil {
		return fmt.Errorf("ensure state dirs: %w", err)
	}

	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock()

	ln, err := bindSocket(config.SocketPath(d.State))
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	defer os.Remove(config.SocketPath(d.State))

	if err := writePIDFile(config.PidFile(d.State)); err != nil {
		ln.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(config.PidFile(d.State))

	d.DiscoverOrphans()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	d.armIdleTimer()
	d.watchSocketDir(func() {
		select {
		case d.rebindCh <- struct{}{}:
		default:
		}
	})

	// acceptErrCh is replaced wholesale on each rebind so a stale error from
	// a just-closed generation's listener can never be mistaken for the
	// current generation's failure.
	acceptErrCh := make(chan error, 1)
	go func(l *net.UnixListener, ch chan error) { ch <- d.acceptLoop(ctx, l) }(ln, acceptErrCh)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			d.gracefulShutdown()
			cancel()
			ln.Close()
			return nil
		case <-d.shutdownCh:
			logger.Info("idle timeout or shutdown command, shutting down")
			d.gracefulShutdown()
			cancel()
			ln.Close()
			return nil
		case err := <-acceptErrCh:
			return err
		case <-d.rebindCh:
			newLn, err := bindSocket(config.SocketPath(d.State))
			if err != nil {
				logger.Warn("socket rebind failed", "err", err)
				continue
			}
			// The old listener's path now names the new socket; closing it
			// must not unlink that path.
			ln.SetUnlinkOnClose(false)
			ln.Close()
			ln = newLn
			acceptErrCh = make(chan error, 1)
			go func(l *net.UnixListener, ch chan error) { ch <- d.acceptLoop(ctx, l) }(ln, acceptErrCh)
		}
	}
}

func (d *Daemon) acceptLoop(ctx context.Context, ln *net.UnixListener) error {
	for {
		ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				// Listener closed deliberately (shutdown or rebind), not a
				// real failure.
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		d.rearmIdleTimer()
		go d.handleConn(ctx, conn)
	}
}

// handleConn performs the peer-UID check and version handshake, then
// dispatches to the command phase (see handlers.go).
func (d *Daemon) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	if err := checkPeerUID(conn); err != nil {
		logger.Warn("rejected connection from foreign uid", "err", err)
		return
	}

	var hs ipc.Handshake
	if err := ipc.ReadJSON(conn, &hs); err != nil {
		return
	}
	if hs.Version != ipc.ProtocolVersion {
		ipc.WriteJSON(conn, ipc.HandshakeReply{Version: ipc.ProtocolVersion, OK: false, Error: ipc.ErrVersionMismatch})
		return
	}
	if err := ipc.WriteJSON(conn, ipc.HandshakeReply{Version: ipc.ProtocolVersion, OK: true}); err != nil {
		return
	}

	d.dispatch(ctx, conn)
	d.rearmIdleTimer()
}

// armIdleTimer/rearmIdleTimer implement §4.5's auto-shutdown: rearmed on
// accept, when a connection's handler returns, and on every web-tunnel
// registration change; PTY-master reads do not rearm it. Fires only once
// every session and client count drops to zero.
func (d *Daemon) armIdleTimer() {
	if d.idleTimeout <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleTimer = time.AfterFunc(d.idleTimeout, d.checkIdle)
}

func (d *Daemon) rearmIdleTimer() {
	if d.idleTimeout <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.idleTimeout, d.checkIdle)
}

func (d *Daemon) checkIdle() {
	if d.isIdle() {
		close(d.shutdownCh)
		return
	}
	d.rearmIdleTimer()
}

func (d *Daemon) isIdle() bool {
	d.mu.Lock()
	clients, web := d.clients, d.webTunnels
	d.mu.Unlock()
	if clients > 0 || web > 0 {
		return false
	}
	return len(d.Registry.List()) == 0
}

func (d *Daemon) addClient(delta int) {
	d.mu.Lock()
	d.clients += delta
	d.mu.Unlock()
}

// AddWebTunnel tracks an active web-tunnel registration for the idle timer;
// the web/WebRTC surface itself lives outside this module's scope.
func (d *Daemon) AddWebTunnel(delta int) {
	d.mu.Lock()
	d.webTunnels += delta
	d.mu.Unlock()
	d.rearmIdleTimer()
}

// gracefulShutdown notifies every attached client with a "detached" event
// and closes its connection, then leaves session namespaces pinned on disk
// so a future coopd can discover them (§4.6) rather than killing the
// sandboxed processes outright.
func (d *Daemon) gracefulShutdown() {
	d.mu.Lock()
	conns := make([]*net.UnixConn, 0, len(d.streams))
	for c := range d.streams {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		ipc.WriteControlFrame(c, ipc.EventDetached())
		c.Close()
	}
	if len(conns) > 0 {
		logger.Info("detached clients for shutdown", "count", len(conns))
	}
}

// acquireLock takes the advisory lock on the daemon's sibling lock file for
// the lifetime of this process (§4.5). If a rival coopd already holds it,
// this one exits rather than racing the bind — whichever daemon wins the
// lock serves the client.
func (d *Daemon) acquireLock() error {
	f, err := os.OpenFile(config.LockFile(d.State), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("daemon already running: %w", err)
	}
	d.lockFile = f
	return nil
}

func (d *Daemon) releaseLock() {
	if d.lockFile == nil {
		return
	}
	syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
	d.lockFile.Close()
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
