package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/ehrlich-b/coop/internal/ipc"
)

// attachSession attaches to an existing session's PTY, putting the local
// terminal into raw mode for the duration so keystrokes (including Ctrl-C)
// pass through to the remote PTY rather than the local shell.
func attachSession(session string, pty int) error {
	cols, rows := termSize()
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := ipc.WriteJSON(conn, ipc.Command{Cmd: "attach", Session: session, PTY: pty, Cols: cols, Rows: rows}); err != nil {
		return err
	}
	var reply ipc.Reply
	if err := ipc.ReadJSON(conn, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("attach: %s", reply.Error)
	}

	return streamTerminal(conn)
}

// shellSession requests a new shell PTY inside the session's sandbox and
// streams it the same way as attach.
func shellSession(session, shellBin string) error {
	cols, rows := termSize()
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := ipc.WriteJSON(conn, ipc.Command{Cmd: "shell", Session: session, ShellCmd: shellBin, Cols: cols, Rows: rows}); err != nil {
		return err
	}
	var reply ipc.Reply
	if err := ipc.ReadJSON(conn, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("shell: %s", reply.Error)
	}

	return streamTerminal(conn)
}

func termSize() (cols, rows int) {
	cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		return 80, 24
	}
	return cols, rows
}

// streamTerminal puts stdin into raw mode and pumps tagged frames between it
// and the connection until the daemon sends a "detached" event, the
// connection drops, or reading stdin fails. A pty_exited event does not end
// it.
func streamTerminal(conn io.ReadWriter) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	resizeCh := make(chan os.Signal, 1)
	signal.Notify(resizeCh, syscall.SIGWINCH)
	defer signal.Stop(resizeCh)

	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	go func() {
		defer closeDone()
		for {
			frame, err := ipc.ReadTaggedFrame(conn)
			if err != nil {
				return
			}
			switch frame.Tag {
			case ipc.TagData:
				os.Stdout.Write(frame.Payload)
			case ipc.TagControl:
				var ctrl ipc.StreamControl
				if ipc.DecodeControl(frame.Payload, &ctrl) == nil && ctrl.Event == "detached" {
					return
				}
			}
		}
	}()

	go func() {
		defer closeDone()
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := ipc.WriteDataFrame(conn, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-resizeCh:
				cols, rows := termSize()
				ipc.WriteControlFrame(conn, ipc.StreamControl{Cmd: "resize", Cols: cols, Rows: rows})
			}
		}
	}()

	<-done
	return nil
}
