//go:build linux

package ptyengine

import "golang.org/x/sys/unix"

func setWinsize(master MasterHandle, cols, rows int) error {
	ws := &unix.Winsize{Col: uint16(cols), Row: uint16(rows)}
	return unix.IoctlSetWinsize(int(master.Fd()), unix.TIOCSWINSZ, ws)
}
