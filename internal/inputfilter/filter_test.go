package inputfilter

import (
	"bytes"
	"testing"
	"time"
)

func collect(t *testing.T) (*Filter, *[]Event) {
	t.Helper()
	var events []Event
	f := New(DefaultBlocked, 1000, 1000, func(e Event) {
		events = append(events, e)
	})
	return f, &events
}

func forwarded(events []Event) []byte {
	var out []byte
	for _, e := range events {
		out = append(out, e.Forward...)
	}
	return out
}

func warnings(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Warning != "" {
			n++
		}
	}
	return n
}

func TestIdempotencePassesCleanInputUnchanged(t *testing.T) {
	f, events := collect(t)
	input := []byte("ls -la\r\necho hello world\r\n")
	f.Process(input)
	if got := forwarded(*events); !bytes.Equal(got, input) {
		t.Errorf("forwarded = %q, want %q", got, input)
	}
	if warnings(*events) != 0 {
		t.Errorf("expected no warnings, got %d", warnings(*events))
	}
}

func TestBlockingSuppressesSingleChunkSequence(t *testing.T) {
	f, events := collect(t)
	f.Process([]byte("exit\r"))
	if got := forwarded(*events); len(got) != 0 {
		t.Errorf("expected zero bytes forwarded, got %q", got)
	}
	if warnings(*events) == 0 {
		t.Error("expected a warning frame")
	}
}

func TestFragmentationAcrossChunks(t *testing.T) {
	f, events := collect(t)
	for _, b := range []byte("exit\r") {
		f.Process([]byte{b})
	}
	if got := forwarded(*events); len(got) != 0 {
		t.Errorf("expected fragmented exit\\r fully suppressed, got %q", got)
	}

	f2, events2 := collect(t)
	f2.Process([]byte("ex"))
	f2.Process([]byte("Q")) // unrelated byte breaks the partial match
	if got := forwarded(*events2); !bytes.Equal(got, []byte("exQ")) {
		t.Errorf("forwarded = %q, want %q", got, "exQ")
	}
}

func TestPartialMatchTimeoutFlushes(t *testing.T) {
	f, events := collect(t)
	f.Process([]byte("ex"))
	if got := forwarded(*events); len(got) != 0 {
		t.Fatalf("expected 'ex' held pending resolution, got %q", got)
	}
	time.Sleep(600 * time.Millisecond)
	if got := forwarded(*events); !bytes.Equal(got, []byte("ex")) {
		t.Errorf("forwarded after timeout = %q, want %q", got, "ex")
	}
}

func TestCtrlCDebounce(t *testing.T) {
	f, events := collect(t)
	f.Process([]byte{0x03})
	f.Process([]byte{0x03})
	f.Process([]byte{0x03})
	if got := forwarded(*events); !bytes.Equal(got, []byte{0x03}) {
		t.Errorf("expected exactly one 0x03 forwarded within the window, got %q", got)
	}
	if warnings(*events) != 2 {
		t.Errorf("expected 2 suppression warnings, got %d", warnings(*events))
	}

	time.Sleep(600 * time.Millisecond)
	f.Process([]byte{0x03})
	if got := forwarded(*events); !bytes.Equal(got, []byte{0x03, 0x03}) {
		t.Errorf("expected a second 0x03 after quiescence, got %q", got)
	}
}
