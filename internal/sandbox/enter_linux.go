//go:build linux

package sandbox

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/coop/internal/logger"
)

// argSep joins entrant command args into a single env var; a unit separator
// is vanishingly unlikely to appear in a shell/agent argv.
const argSep = "\x1f"

// Environment variables carrying the command, args, net flag and window size
// to the reexec'd helper. The pinned namespace handles themselves arrive via
// ExtraFiles from fd 3 on, in setns order: user, mount, uts, net.
const (
	enterEnvCommand = "COOP_ENTER_COMMAND"
	enterEnvArgs    = "COOP_ENTER_ARGS"
	enterEnvHasNet  = "COOP_ENTER_HAS_NET"
	enterEnvCols    = "COOP_ENTER_COLS"
	enterEnvRows    = "COOP_ENTER_ROWS"
)

// Entered mirrors Built for the re-entry path: a new PTY master and the pid
// of the freshly forkpty'd shell, plus an exit channel relayed by the
// reexec'd helper (again, the daemon is not the shell's direct parent).
type Entered struct {
	Ptmx *os.File
	Pid  int
	Exit <-chan int
}

// Enter re-enters a live sandbox's namespaces to spawn an additional
// process — used for `shell` and for restarting PTY 0 (§4.2). It reexecs as
// "__sandbox_enter", inheriting the pinned namespace fds and root handle
// directly via ExtraFiles (no SCM_RIGHTS needed here since the daemon, not
// the helper, already holds them open).
func Enter(h *Handles, command string, args []string, cols, rows int) (*Entered, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &EnterError{StageSetns, err}
	}

	conn, childFD, err := socketpair()
	if err != nil {
		return nil, &EnterError{StageSetns, err}
	}
	defer childFD.Close()

	extra := []*os.File{h.User, h.Mount, h.UTS}
	hasNet := h.Net != nil
	if hasNet {
		extra = append(extra, h.Net)
	}
	extra = append(extra, h.Root, childFD)

	cmd := exec.Command(exe, "__sandbox_enter")
	cmd.ExtraFiles = extra
	cmd.Env = append(os.Environ(),
		enterEnvCommand+"="+command,
		enterEnvArgs+"="+joinArgs(args),
		enterEnvHasNet+"="+strconv.FormatBool(hasNet),
		enterEnvCols+"="+strconv.Itoa(cols),
		enterEnvRows+"="+strconv.Itoa(rows),
	)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, &EnterError{StageSetns, err}
	}
	childFD.Close()

	payload, fds, err := recvHandoff(conn, 4)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		conn.Close()
		return nil, &EnterError{StagePtyAlloc, err}
	}
	if len(fds) != 1 {
		cmd.Process.Kill()
		cmd.Wait()
		conn.Close()
		return nil, &EnterError{StagePtyAlloc, fmt.Errorf("expected 1 fd (ptmx), got %d", len(fds))}
	}
	pid := int(binary.BigEndian.Uint32(payload))
	ptmx := os.NewFile(uintptr(fds[0]), "ptmx")

	exitCh := make(chan int, 1)
	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		tag, err := r.ReadByte()
		if err != nil {
			logger.Warn("sandbox enter helper closed before reporting exit", "err", err)
			exitCh <- -1
			return
		}
		if tag != 0x01 {
			exitCh <- -1
			return
		}
		var code [4]byte
		if _, err := r.Read(code[:]); err != nil {
			exitCh <- -1
			return
		}
		exitCh <- int(binary.BigEndian.Uint32(code[:]))
		cmd.Wait()
	}()

	return &Entered{Ptmx: ptmx, Pid: pid, Exit: exitCh}, nil
}

// SandboxEnter is the entrypoint for the reexec'd "__sandbox_enter" hidden
// subcommand. ExtraFiles at fd 3.. carry the pinned namespace handles in
// setns order, followed by the root handle and the handoff socket.
func SandboxEnter() {
	hasNet := os.Getenv(enterEnvHasNet) == "true"
	names := []string{"user", "mnt", "uts"}
	if hasNet {
		names = append(names, "net")
	}
	fd := uintptr(3)
	for range names {
		nsFile := os.NewFile(fd, "ns")
		if err := unix.Setns(int(nsFile.Fd()), 0); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox enter: setns: %v\n", err)
			os.Exit(1)
		}
		nsFile.Close()
		fd++
	}
	rootFile := os.NewFile(fd, "root")
	fd++
	if err := unix.Fchdir(int(rootFile.Fd())); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox enter: fchdir root: %v\n", err)
		os.Exit(1)
	}
	rootFile.Close()
	if err := unix.Chroot("."); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox enter: chroot: %v\n", err)
		os.Exit(1)
	}
	if err := unix.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox enter: chdir /: %v\n", err)
		os.Exit(1)
	}

	conn, err := fileToUnixConn(os.NewFile(fd, "handoff"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox enter: handoff conn: %v\n", err)
		os.Exit(1)
	}

	command := os.Getenv(enterEnvCommand)
	args := splitArgs(os.Getenv(enterEnvArgs))
	cols, _ := strconv.Atoi(os.Getenv(enterEnvCols))
	rows, _ := strconv.Atoi(os.Getenv(enterEnvRows))

	cmd := exec.Command(command, args...)
	cmd.Dir = "/workspace"
	cmd.Env = []string{
		"PATH=/usr/bin:/bin:/usr/local/bin",
		"HOME=/workspace",
		"TERM=xterm-256color",
	}
	size := &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox enter: forkpty: %v\n", err)
		os.Exit(1)
	}

	var pidPayload [4]byte
	binary.BigEndian.PutUint32(pidPayload[:], uint32(cmd.Process.Pid))
	if err := sendHandoff(conn, pidPayload[:], int(ptmx.Fd())); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox enter: handoff: %v\n", err)
		os.Exit(1)
	}

	state, _ := cmd.Process.Wait()
	code := 0
	if state != nil {
		code = state.ExitCode()
	}
	msg := make([]byte, 5)
	msg[0] = 0x01
	binary.BigEndian.PutUint32(msg[1:], uint32(code))
	conn.Write(msg)
	os.Exit(0)
}

func joinArgs(args []string) string {
	return strings.Join(args, argSep)
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, argSep)
}
