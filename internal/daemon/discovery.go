//go:build linux

package daemon

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ehrlich-b/coop/internal/config"
	"github.com/ehrlich-b/coop/internal/logger"
	"github.com/ehrlich-b/coop/internal/ptyengine"
	"github.com/ehrlich-b/coop/internal/sandbox"
	"github.com/ehrlich-b/coop/internal/session"
)

// DiscoverOrphans scans /proc for init processes left behind by a crashed
// coopd (§4.6 Session Discovery): processes owned by the invoking user whose
// environment carries COOP_SESSION/COOP_WORKSPACE/COOP_CREATED. Their
// namespace handles are reopened from /proc/<pid>/ns/* so the sandbox is
// still reachable, but PTY 0 comes back in StateDead — the original ptmx
// master died with the old daemon and cannot be recovered.
func (d *Daemon) DiscoverOrphans() {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	uid := os.Getuid()

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if !ownedByUID(pid, uid) {
			continue
		}
		env, err := readEnviron(pid)
		if err != nil {
			continue
		}
		name := env["COOP_SESSION"]
		workspace := env["COOP_WORKSPACE"]
		if name == "" || workspace == "" || env["COOP_CREATED"] == "" {
			continue
		}
		if _, exists := d.Registry.ByName(name); exists {
			continue
		}

		handles, err := reopenHandles(pid)
		if err != nil {
			logger.Warn("failed to reopen namespaces for orphaned session", "session", name, "pid", pid, "err", err)
			continue
		}

		paths := sandbox.PathsFor(d.State, config.BaseRootfsDir(d.State), name, workspace)
		deadPTY := ptyengine.NewDead(0, ptyengine.RoleAgent, "", config.DefaultScrollbackSize)
		sess := session.New(name, workspace, config.Default(), handles, paths, pid, deadPTY)
		if err := d.Registry.Add(sess); err != nil {
			handles.Close()
			continue
		}
		logger.Info("recovered orphaned session", "name", name, "workspace", workspace, "pid", pid)
	}
}

func ownedByUID(pid, uid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Uid:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return false
			}
			ownerUID, err := strconv.Atoi(fields[1])
			return err == nil && ownerUID == uid
		}
	}
	return false
}

func readEnviron(pid int) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "environ"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, kv := range bytes.Split(data, []byte{0}) {
		if len(kv) == 0 {
			continue
		}
		parts := strings.SplitN(string(kv), "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out, nil
}

func reopenHandles(pid int) (*sandbox.Handles, error) {
	base := filepath.Join("/proc", strconv.Itoa(pid), "ns")
	user, err := os.Open(filepath.Join(base, "user"))
	if err != nil {
		return nil, err
	}
	mnt, err := os.Open(filepath.Join(base, "mnt"))
	if err != nil {
		user.Close()
		return nil, err
	}
	uts, err := os.Open(filepath.Join(base, "uts"))
	if err != nil {
		user.Close()
		mnt.Close()
		return nil, err
	}
	var net *os.File
	if f, err := os.Open(filepath.Join(base, "net")); err == nil {
		net = f
	}
	root, err := os.Open(filepath.Join("/proc", strconv.Itoa(pid), "root"))
	if err != nil {
		user.Close()
		mnt.Close()
		uts.Close()
		if net != nil {
			net.Close()
		}
		return nil, err
	}
	return &sandbox.Handles{User: user, Mount: mnt, UTS: uts, Net: net, Root: root}, nil
}
