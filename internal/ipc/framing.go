// Package ipc implements Coop's wire protocol (§6): a length-delimited JSON
// codec for the command phase, and a tagged-frame codec the same connection
// switches to after a successful attach/shell.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single length-delimited JSON message. An oversized
// command gets a MESSAGE_TOO_LARGE error reply and the connection closes; an
// oversized handshake closes the connection without a reply.
const MaxMessageSize = 1 << 20 // 1 MiB

var ErrMessageTooLarge = errors.New("MESSAGE_TOO_LARGE")

// ReadMessage reads one 4-byte-length-prefixed JSON message from r.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		// Still consume the declared length so the stream stays framed for
		// whatever error reply and close follows, if the caller chooses to.
		io.CopyN(io.Discard, r, int64(n))
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMessage writes payload as a 4-byte-length-prefixed frame.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	return WriteMessageUnchecked(w, payload)
}

// WriteMessageUnchecked writes the frame without the size check, only for
// constructing oversized test fixtures on the wire.
func WriteMessageUnchecked(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadJSON reads one length-delimited frame and decodes it as JSON into v.
func ReadJSON(r io.Reader, v any) error {
	buf, err := ReadMessage(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// WriteJSON encodes v and writes it as a length-delimited frame.
func WriteJSON(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteMessage(w, buf)
}
