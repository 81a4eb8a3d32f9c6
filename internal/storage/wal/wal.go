package wal

// ============================================================================
// WAL core
// Responsibilities:
// 1. Append issuance records to a JSON-lines file (append-only)
// 2. Replay them on top of the last snapshot at startup
// 3. Truncate once a snapshot covers everything written
// 4. Survive a torn final record left by a crash mid-write
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface is the subset of *os.File the WAL writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WAL is a write-ahead log of issued ids.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// NewWAL opens or creates the log at path. A torn final record is cut off
// so later appends start on a clean line; corruption anywhere else is an
// error.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	seq, good, err := scan(path, nil)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if stat, err := file.Stat(); err == nil && stat.Size() > good {
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: cut torn record: %w", err)
		}
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append writes one record and, when the WAL syncs on append, waits for
// the disk.
func (w *WAL) Append(eventType EventType, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, value, event.Seq)

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync seq=%d: %w", event.Seq, err)
		}
	}
	w.seq = event.Seq
	return nil
}

// Replay hands every record to handler in order.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	_, _, err := scan(w.path, handler)
	return err
}

// Rotate empties the log. Call it after a snapshot has captured every
// record.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.seq = 0
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last record written.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// Internal helpers
// ============================================================================

// scan reads path record by record, passing each to fn when it is not nil.
// It returns the last sequence number and the size of the intact prefix.
// A final line without a newline is a torn write and is skipped.
func scan(path string, fn EventHandler) (uint64, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	var (
		seq  uint64
		good int64
		line int
	)
	r := bufio.NewReader(file)
	for {
		raw, readErr := r.ReadBytes('\n')
		if len(raw) == 0 && readErr == io.EOF {
			return seq, good, nil
		}
		if readErr != nil && readErr != io.EOF {
			return seq, good, readErr
		}
		line++
		if readErr == io.EOF {
			// never acknowledged: Append writes the newline with the record
			return seq, good, nil
		}

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			good += int64(len(raw))
			continue
		}

		var event Event
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return seq, good, &CorruptionError{Line: line, Cause: fmt.Errorf("%w: %w", ErrCorruptedWAL, err)}
		}
		if !VerifyChecksum(event) {
			return seq, good, &CorruptionError{Line: line, Cause: &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.Value, event.Seq),
				Actual:   event.Checksum,
			}}
		}
		if fn != nil {
			if err := fn(event); err != nil {
				return seq, good, err
			}
		}
		seq = event.Seq
		good += int64(len(raw))
	}
}
