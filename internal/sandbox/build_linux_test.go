//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupSubID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subuid")
	content := "1000:100000:65536\nroot:0:65536\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, ok := lookupSubID(path, 1000)
	if !ok {
		t.Fatal("expected a match for uid 1000")
	}
	if got.start != 100000 || got.size != 65536 {
		t.Errorf("got %+v", got)
	}

	if _, ok := lookupSubID(path, 4242); ok {
		t.Error("expected no match for unknown uid")
	}
}
