//go:build linux

package sandbox

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/coop/internal/config"
	"github.com/ehrlich-b/coop/internal/logger"
)

// initEnvVar carries the JSON-encoded buildSpec to the reexec'd helper.
const initEnvVar = "COOP_SANDBOX_BUILD"

// buildSpec is everything the reexec'd __sandbox_init helper needs to finish
// constructing the sandbox on its side of the fork. It travels as JSON in an
// environment variable rather than flags because Mounts/Env are structured.
type buildSpec struct {
	Paths      Paths
	Mounts     []config.Mount
	Network    config.NetworkMode
	Env        map[string]string
	Agent      string
	AgentArgs  []string
	Cols, Rows int
	SessionName string
}

// Built is what Build returns: the pinned namespace/root handles, the PTY 0
// master, the agent's pid, and a channel that receives the agent's exit
// code once the reexec helper reaps it (the daemon is never the agent's
// direct parent, so it cannot wait4 it itself).
type Built struct {
	Handles *Handles
	Ptmx    *os.File
	InitPID int
	Exit    <-chan int
}

// Build constructs a new sandbox per §4.1: overlay the rootfs, bind mounts,
// pivot_root, then start the agent on PTY 0. The reexec'd helper is the
// first process in the new namespaces and the agent runs as its child. It reexecs
// the current binary as a hidden "__sandbox_init" subcommand because the Go
// runtime is multithreaded and cannot safely unshare namespaces in-process;
// SandboxInit does the real work on the other side of exec.
func Build(cfg config.Snapshot, sessionName string, paths Paths, cols, rows int) (*Built, error) {
	if err := os.MkdirAll(paths.Upper, 0o755); err != nil {
		return nil, &BuildError{StageOverlay, err}
	}
	if err := os.MkdirAll(paths.Work, 0o755); err != nil {
		return nil, &BuildError{StageOverlay, err}
	}
	if err := os.MkdirAll(paths.Merged, 0o755); err != nil {
		return nil, &BuildError{StageOverlay, err}
	}
	if err := os.MkdirAll(paths.Persist, 0o755); err != nil {
		return nil, &BuildError{StageOverlay, err}
	}

	conn, childFD, err := socketpair()
	if err != nil {
		return nil, &BuildError{StageUnshare, err}
	}
	defer childFD.Close()

	exe, err := os.Executable()
	if err != nil {
		conn.Close()
		return nil, &BuildError{StageUnshare, fmt.Errorf("resolve self: %w", err)}
	}

	spec := buildSpec{
		Paths:       paths,
		Mounts:      cfg.Mounts,
		Network:     cfg.Network,
		Env:         cfg.Env,
		Agent:       cfg.Agent,
		Cols:        cols,
		Rows:        rows,
		SessionName: sessionName,
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		conn.Close()
		return nil, &BuildError{StageUnshare, err}
	}

	cmd := exec.Command(exe, "__sandbox_init")
	cmd.ExtraFiles = []*os.File{childFD}
	cmd.Env = append(os.Environ(), initEnvVar+"="+string(specJSON))
	cmd.Stderr = os.Stderr

	uidMaps, gidMaps, denySetgroups := idMappingsFor(os.Getuid(), os.Getgid())
	flags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWUTS)
	if cfg.Network == config.NetworkIsolated {
		flags |= unix.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:                 flags,
		UidMappings:                uidMaps,
		GidMappings:                gidMaps,
		GidMappingsEnableSetgroups: !denySetgroups,
	}

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, &BuildError{StageUnshare, err}
	}
	childFD.Close()

	payload, fds, err := recvHandoff(conn, 4)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		conn.Close()
		return nil, &BuildError{StagePtyAlloc, err}
	}
	if len(fds) < 5 {
		cmd.Process.Kill()
		cmd.Wait()
		conn.Close()
		return nil, &BuildError{StagePtyAlloc, fmt.Errorf("expected 5 fds (user,mount,uts,net/root placeholder,root,ptmx), got %d", len(fds))}
	}
	agentPID := int(binary.BigEndian.Uint32(payload))

	h := &Handles{
		User:  os.NewFile(uintptr(fds[0]), "ns-user"),
		Mount: os.NewFile(uintptr(fds[1]), "ns-mount"),
		UTS:   os.NewFile(uintptr(fds[2]), "ns-uts"),
	}
	idx := 3
	if cfg.Network == config.NetworkIsolated {
		h.Net = os.NewFile(uintptr(fds[idx]), "ns-net")
		idx++
	}
	h.Root = os.NewFile(uintptr(fds[idx]), "ns-root")
	idx++
	ptmxFD := fds[idx]
	ptmx := os.NewFile(uintptr(ptmxFD), "ptmx")

	exitCh := make(chan int, 1)
	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		tag, err := r.ReadByte()
		if err != nil {
			logger.Warn("sandbox init helper closed before reporting exit", "session", sessionName, "err", err)
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

	return &Built{Handles: h, Ptmx: ptmx, InitPID: agentPID, Exit: exitCh}, nil
}

// idMappingsFor maps container id 0 to the invoking user's uid/gid and, when
// both /etc/subuid and /etc/subgid list a range for it, container ids 1.. to
// that range; otherwise only the 0<->uid mapping is returned (the caller
// becomes root only inside its own user namespace), per §4.1.
func idMappingsFor(uid, gid int) ([]syscall.SysProcIDMap, []syscall.SysProcIDMap, bool) {
	subUID, okUID := lookupSubID("/etc/subuid", uid)
	subGID, okGID := lookupSubID("/etc/subgid", gid)
	if okUID && okGID {
		return []syscall.SysProcIDMap{
				{ContainerID: 0, HostID: uid, Size: 1},
				{ContainerID: 1, HostID: subUID.start, Size: subUID.size},
			}, []syscall.SysProcIDMap{
				{ContainerID: 0, HostID: gid, Size: 1},
				{ContainerID: 1, HostID: subGID.start, Size: subGID.size},
			}, true
	}
	return []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}},
		[]syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}, true
}

type idRange struct {
	start, size int
}

func lookupSubID(path string, id int) (idRange, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return idRange{}, false
	}
	name := strconv.Itoa(id)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) != 3 || fields[0] != name {
			continue
		}
		start, err1 := strconv.Atoi(fields[1])
		size, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			continue
		}
		return idRange{start, size}, true
	}
	return idRange{}, false
}

// SandboxInit is the entrypoint for the reexec'd "__sandbox_init" hidden
// subcommand. It runs with the namespaces already created by clone(2) (via
// the parent's SysProcAttr), assembles the overlay rootfs, pivots into it,
// pins the namespace/root descriptors, allocates PTY 0, execs the agent,
// and finally relays the agent's exit code back to the daemon.
func SandboxInit() {
	specJSON := os.Getenv(initEnvVar)
	var spec buildSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox init: decode spec: %v\n", err)
		os.Exit(1)
	}
	conn, err := fileToUnixConn(os.NewFile(3, "handoff"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox init: handoff conn: %v\n", err)
		os.Exit(1)
	}

	if err := mountRootfs(spec); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox init: %v\n", err)
		os.Exit(1)
	}

	nsFiles, rootFile, err := pinCurrentNamespaces(spec.Network == config.NetworkIsolated)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox init: pin namespaces: %v\n", err)
		os.Exit(1)
	}

	agentArgs := append([]string{}, spec.AgentArgs...)
	agentCmd := exec.Command(spec.Agent, agentArgs...)
	agentCmd.Dir = "/workspace"
	agentCmd.Env = agentEnv(spec)
	size := &pty.Winsize{Cols: uint16(spec.Cols), Rows: uint16(spec.Rows)}
	ptmx, err := pty.StartWithSize(agentCmd, size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox init: forkpty agent: %v\n", err)
		os.Exit(1)
	}

	fds := make([]int, 0, len(nsFiles)+2)
	for _, f := range nsFiles {
		fds = append(fds, int(f.Fd()))
	}
	fds = append(fds, int(rootFile.Fd()), int(ptmx.Fd()))

	var pidPayload [4]byte
	binary.BigEndian.PutUint32(pidPayload[:], uint32(agentCmd.Process.Pid))
	if err := sendHandoff(conn, pidPayload[:], fds...); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox init: handoff: %v\n", err)
		os.Exit(1)
	}

	state, _ := agentCmd.Process.Wait()
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

func fileToUnixConn(f *os.File) (*net.UnixConn, error) {
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("fd 3 is not a unix socket")
	}
	return uc, nil
}

func agentEnv(spec buildSpec) []string {
	env := []string{
		"PATH=/usr/bin:/bin:/usr/local/bin",
		"HOME=/workspace",
		"TERM=xterm-256color",
		"COOP_SESSION=" + spec.SessionName,
		"COOP_WORKSPACE=" + spec.Paths.Workspace,
		"COOP_CREATED=" + strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}
