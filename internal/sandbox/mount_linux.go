//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/coop/internal/config"
)

// persistMarker is written into a named volume's directory the first time
// the volume is resolved; later session starts find it and reuse the
// directory as is (spec §9(b)).
const persistMarker = ".coop-seeded"

// mountRootfs runs inside the reexec'd init helper, already living in its
// own user/mount/UTS[/network] namespaces. It assembles the overlay rootfs
// and pivots into it per §4.1 steps 1-4.
func mountRootfs(spec buildSpec) error {
	p := spec.Paths

	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return &BuildError{StageOverlay, fmt.Errorf("make root private: %w", err)}
	}

	lower := p.Base
	if lower == "" {
		lower = "/"
	}
	overlayOpts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, p.Upper, p.Work)
	if err := unix.Mount("overlay", p.Merged, "overlay", 0, overlayOpts); err != nil {
		return &BuildError{StageOverlay, fmt.Errorf("mount overlay: %w", err)}
	}

	workspaceTarget := filepath.Join(p.Merged, "workspace")
	if err := os.MkdirAll(workspaceTarget, 0o755); err != nil {
		return &BuildError{StageBind, err}
	}
	if err := bindMount(p.Workspace, workspaceTarget, false); err != nil {
		return &BuildError{StageBind, fmt.Errorf("bind workspace: %w", err)}
	}

	for _, m := range spec.Mounts {
		src := m.Source
		if m.Named != "" {
			var err error
			src, err = resolveNamedMount(spec, m.Named)
			if err != nil {
				return &BuildError{StageBind, err}
			}
		}
		cleanTarget := filepath.Clean("/" + m.Target)
		if cleanTarget == "/" {
			return &BuildError{StageBind, fmt.Errorf("mount target %q would replace the rootfs", m.Target)}
		}
		target := filepath.Join(p.Merged, cleanTarget)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return &BuildError{StageBind, err}
		}
		if err := bindMount(src, target, m.ReadOnly); err != nil {
			return &BuildError{StageBind, fmt.Errorf("bind %s: %w", m.Target, err)}
		}
	}

	persistTarget := filepath.Join(p.Merged, "persist")
	if err := os.MkdirAll(persistTarget, 0o755); err != nil {
		return &BuildError{StageBind, err}
	}
	if err := bindMount(p.Persist, persistTarget, false); err != nil {
		return &BuildError{StageBind, fmt.Errorf("bind persist: %w", err)}
	}

	if err := mountProc(p.Merged); err != nil {
		return &BuildError{StageBind, err}
	}
	if err := mountTmp(p.Merged); err != nil {
		return &BuildError{StageBind, err}
	}
	if err := mountDevpts(p.Merged); err != nil {
		return &BuildError{StageBind, err}
	}

	if err := pivot(p.Merged); err != nil {
		return &BuildError{StagePivot, err}
	}
	return nil
}

func bindMount(src, target string, readOnly bool) error {
	if err := unix.Mount(src, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	if readOnly {
		if err := unix.Mount(src, target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return err
		}
	}
	return nil
}

func mountProc(merged string) error {
	target := filepath.Join(merged, "proc")
	if err := os.MkdirAll(target, 0o555); err != nil {
		return err
	}
	return unix.Mount("proc", target, "proc", 0, "")
}

func mountTmp(merged string) error {
	target := filepath.Join(merged, "tmp")
	if err := os.MkdirAll(target, 0o1777); err != nil {
		return err
	}
	return unix.Mount("tmpfs", target, "tmpfs", 0, "mode=1777")
}

func mountDevpts(merged string) error {
	dev := filepath.Join(merged, "dev")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", dev, "tmpfs", 0, "mode=755"); err != nil {
		return err
	}
	pts := filepath.Join(dev, "pts")
	if err := os.MkdirAll(pts, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("devpts", pts, "devpts", 0, "newinstance,ptmxmode=0666,mode=620"); err != nil {
		return err
	}
	ptmx := filepath.Join(dev, "ptmx")
	if err := os.Symlink("pts/ptmx", ptmx); err != nil && !os.IsExist(err) {
		return err
	}
	for _, name := range []string{"null", "zero", "urandom", "random", "tty"} {
		if err := bindMount(filepath.Join("/dev", name), mustCreateFile(filepath.Join(dev, name)), false); err != nil {
			return err
		}
	}
	return nil
}

func mustCreateFile(path string) string {
	f, err := os.OpenFile(path, os.O_CREATE, 0o666)
	if err == nil {
		f.Close()
	}
	return path
}

// pivot calls pivot_root into newRoot, unmounts the old root, and chdirs to
// "/" (§4.1 step 4).
func pivot(newRoot string) error {
	oldRootRel := ".coop-oldroot"
	oldRoot := filepath.Join(newRoot, oldRootRel)
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("mkdir oldroot: %w", err)
	}
	if err := unix.PivotRoot(newRoot, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	oldRootAbs := "/" + oldRootRel
	if err := unix.Unmount(oldRootAbs, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount oldroot: %w", err)
	}
	return os.RemoveAll(oldRootAbs)
}

// pinCurrentNamespaces opens /proc/self/ns/{user,mnt,uts,net?} and
// /proc/self/root so the daemon can pin them for later re-entry (§4.1
// step 5).
func pinCurrentNamespaces(withNet bool) ([]*os.File, *os.File, error) {
	names := []string{"user", "mnt", "uts"}
	if withNet {
		names = append(names, "net")
	}
	var files []*os.File
	for _, n := range names {
		f, err := os.Open(filepath.Join("/proc/self/ns", n))
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, nil, fmt.Errorf("open ns/%s: %w", n, err)
		}
		files = append(files, f)
	}
	root, err := os.Open("/proc/self/root")
	if err != nil {
		for _, opened := range files {
			opened.Close()
		}
		return nil, nil, fmt.Errorf("open root: %w", err)
	}
	return files, root, nil
}

// resolveNamedMount resolves a named mount to a daemon-managed volume
// directory under the state dir. On first use it creates the directory and
// its marker; nothing is copied into it from the host.
func resolveNamedMount(spec buildSpec, name string) (string, error) {
	state := os.Getenv("COOP_STATE_DIR")
	if state == "" {
		home, _ := os.UserHomeDir()
		state = filepath.Join(home, ".coop")
	}
	dir := config.VolumeDir(state, name)
	marker := filepath.Join(dir, persistMarker)
	if _, err := os.Stat(marker); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(marker, []byte{}, 0o644); err != nil {
		return "", err
	}
	return dir, nil
}
