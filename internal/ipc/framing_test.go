package ipc

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	type payload struct {
		Cmd string `json:"cmd"`
	}
	want := payload{Cmd: "ls"}
	if err := WriteJSON(&buf, want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got payload
	if err := ReadJSON(&buf, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestReadMessageRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxMessageSize+1)
	if err := WriteMessageUnchecked(&buf, oversized); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadMessage(&buf); err != ErrMessageTooLarge {
		t.Errorf("ReadMessage err = %v, want ErrMessageTooLarge", err)
	}
}

func TestWriteMessageRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxMessageSize+1)
	if err := WriteMessage(&buf, oversized); err != ErrMessageTooLarge {
		t.Errorf("WriteMessage err = %v, want ErrMessageTooLarge", err)
	}
}
