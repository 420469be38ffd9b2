package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Tag identifies the payload of a tagged frame, used once a connection has
// upgraded past attach/shell into stream mode.
type Tag byte

const (
	TagData    Tag = 0x00 // raw PTY bytes, either direction
	TagControl Tag = 0x01 // JSON control message, either direction
)

// TaggedFrame is one frame of the post-attach stream protocol: 4-byte
// length, 1-byte tag, payload.
type TaggedFrame struct {
	Tag     Tag
	Payload []byte
}

func ReadTaggedFrame(r io.Reader) (TaggedFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return TaggedFrame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return TaggedFrame{}, fmt.Errorf("tagged frame: empty frame has no tag byte")
	}
	if n-1 > MaxMessageSize {
		io.CopyN(io.Discard, r, int64(n))
		return TaggedFrame{}, ErrMessageTooLarge
	}
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return TaggedFrame{}, err
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return TaggedFrame{}, err
	}
	return TaggedFrame{Tag: Tag(tagBuf[0]), Payload: payload}, nil
}

func WriteTaggedFrame(w io.Writer, tag Tag, payload []byte) error {
	total := len(payload) + 1
	if total > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(total))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(tag)}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func WriteDataFrame(w io.Writer, data []byte) error {
	return WriteTaggedFrame(w, TagData, data)
}

func WriteControlFrame(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteTaggedFrame(w, TagControl, buf)
}

func DecodeControl(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
