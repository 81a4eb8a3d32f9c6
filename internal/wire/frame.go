// Package wire implements the length-prefixed framing, the message codec
// and the connection plumbing shared by every TCP exchange in the cluster.
//
// A frame is a 4-byte big-endian payload length followed by the payload.
// Sequenced frames, used between replicas in consensus mode, carry a second
// 4-byte big-endian sequence id between the length and the payload. The
// length never counts the sequence id.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize    = 4
	seqHeaderSize = 8

	// MaxFrameSize bounds a single payload so a corrupt length prefix
	// cannot make a reader allocate without limit.
	MaxFrameSize = 256 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("frame has no payload")
)

// WriteFrame writes payload as a single plain frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteSequencedFrame writes payload tagged with a sequence id.
func WriteSequencedFrame(w io.Writer, seq uint32, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, seqHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[headerSize:], seq)
	copy(buf[seqHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write sequenced frame: %w", err)
	}
	return nil
}

// ReadFrame reads one plain frame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	return readPayload(r, binary.BigEndian.Uint32(hdr[:]))
}

// ReadSequencedFrame reads one sequenced frame.
func ReadSequencedFrame(r io.Reader) (uint32, []byte, error) {
	var hdr [seqHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read sequenced frame header: %w", err)
	}
	seq := binary.BigEndian.Uint32(hdr[headerSize:])
	payload, err := readPayload(r, binary.BigEndian.Uint32(hdr[:headerSize]))
	if err != nil {
		return 0, nil, err
	}
	return seq, payload, nil
}

func readPayload(r io.Reader, size uint32) ([]byte, error) {
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
