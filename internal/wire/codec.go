package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrEncode = errors.New("encode message")
	ErrDecode = errors.New("decode message")
)

// Marshal encodes a message envelope with msgpack.
func Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return b, nil
}

// Unmarshal decodes a message envelope.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %w", ErrDecode, ErrEmptyFrame)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// Send encodes v and writes it as a plain frame.
func Send(w io.Writer, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// SendSequenced encodes v and writes it as a sequenced frame.
func SendSequenced(w io.Writer, seq uint32, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return WriteSequencedFrame(w, seq, b)
}

// Receive reads a plain frame and decodes it into v.
func Receive(r io.Reader, v any) error {
	b, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return Unmarshal(b, v)
}

// ReceiveMaybeSequenced reads a frame whose shape depends on whether the
// receiver runs in consensus mode. Plain frames report sequence id 0.
func ReceiveMaybeSequenced(r io.Reader, sequenced bool, v any) (uint32, error) {
	if !sequenced {
		return 0, Receive(r, v)
	}
	seq, b, err := ReadSequencedFrame(r)
	if err != nil {
		return 0, err
	}
	return seq, Unmarshal(b, v)
}
