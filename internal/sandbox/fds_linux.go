//go:build linux

package sandbox

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxHandoffFDs bounds a single SCM_RIGHTS message: user, mount, uts, net,
// root, and a PTY master is the most any one handoff carries.
const maxHandoffFDs = 6

// sendHandoff writes payload as regular data alongside fds as an ancillary
// SCM_RIGHTS message on conn. Used by the reexec'd init/entrant helpers to
// hand pinned namespace descriptors, the root fd, and the PTY master back
// to the daemon over a socketpair inherited via ExtraFiles.
func sendHandoff(conn *net.UnixConn, payload []byte, fds ...int) error {
	rights := unix.UnixRights(fds...)
	n, oobn, err := conn.WriteMsgUnix(payload, rights, nil)
	if err != nil {
		return fmt.Errorf("write handoff: %w", err)
	}
	if n != len(payload) || oobn != len(rights) {
		return fmt.Errorf("short handoff write: data %d/%d oob %d/%d", n, len(payload), oobn, len(rights))
	}
	return nil
}

// recvHandoff reads one SCM_RIGHTS message off conn, returning the regular
// payload and the descriptors it carried as open *os.File-able fds.
func recvHandoff(conn *net.UnixConn, payloadSize int) ([]byte, []int, error) {
	payload := make([]byte, payloadSize)
	oob := make([]byte, unix.CmsgSpace(maxHandoffFDs*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return nil, nil, fmt.Errorf("read handoff: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		parsed, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, nil, fmt.Errorf("parse unix rights: %w", err)
		}
		fds = append(fds, parsed...)
	}
	return payload[:n], fds, nil
}

// socketpair returns a connected pair of SOCK_STREAM Unix sockets for
// passing fds between a parent and a reexec'd child: one end is wrapped as
// a *net.UnixConn for the parent, the other handed to the child verbatim
// via exec.Cmd.ExtraFiles.
func socketpair() (parent *net.UnixConn, childFD *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	pf := os.NewFile(uintptr(fds[0]), "sandbox-handoff-parent")
	pc, err := net.FileConn(pf)
	pf.Close()
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("fileconn: %w", err)
	}
	uc, ok := pc.(*net.UnixConn)
	if !ok {
		pc.Close()
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("unexpected conn type %T", pc)
	}
	return uc, os.NewFile(uintptr(fds[1]), "sandbox-handoff-child"), nil
}
