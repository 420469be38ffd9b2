//go:build linux

package sandbox

import (
	"bytes"
	"os"
	"testing"
)

func TestHandoffRoundTrip(t *testing.T) {
	parent, childFD, err := socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer parent.Close()

	child, err := fileToUnixConn(childFD)
	if err != nil {
		t.Fatalf("fileToUnixConn: %v", err)
	}
	defer child.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "handoff")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer tmp.Close()

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	done := make(chan error, 1)
	go func() {
		done <- sendHandoff(child, payload, int(tmp.Fd()))
	}()

	gotPayload, fds, err := recvHandoff(parent, len(payload))
	if err != nil {
		t.Fatalf("recvHandoff: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("sendHandoff: %v", err)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %x, want %x", gotPayload, payload)
	}
	if len(fds) != 1 {
		t.Fatalf("expected 1 fd, got %d", len(fds))
	}
	recovered := os.NewFile(uintptr(fds[0]), "recovered")
	defer recovered.Close()
	if _, err := recovered.Write([]byte("hello")); err != nil {
		t.Errorf("write through recovered fd: %v", err)
	}
}
