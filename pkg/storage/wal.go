package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// WAL is an append-only log of opaque frames.
type WAL interface {
	Append(frame []byte) error
	Close() error
}

// maxFrameSize bounds a single frame so a corrupt length prefix cannot make
// Replay allocate unbounded memory.
const maxFrameSize = 1 << 20

// FileWAL writes frames as [u32 big-endian length][payload] and fsyncs
// after each append.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("wal frame of %d bytes exceeds %d", len(frame), maxFrameSize)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	return w.f.Sync()
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReplayWAL calls fn for every complete frame in the file at path. A
// truncated trailing frame (torn write) ends the replay without error.
func ReplayWAL(path string, fn func(frame []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameSize {
			return fmt.Errorf("wal frame length %d exceeds %d", n, maxFrameSize)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}

var _ WAL = (*FileWAL)(nil)
