package events

import (
	"context"
	"fmt"

	"github.com/uhyunpark/shadowswap/pkg/storage"
)

// Journal appends every event to a local write-ahead log so the audit trail
// survives restarts even when no external sink is configured.
type Journal struct {
	wal   storage.WAL
	codec storage.Codec
}

func NewJournal(path string) (*Journal, error) {
	w, err := storage.NewFileWAL(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{wal: w, codec: storage.GobCodec{}}, nil
}

func (j *Journal) Publish(_ context.Context, ev Event) error {
	frame, err := j.codec.Encode(ev)
	if err != nil {
		return err
	}
	return j.wal.Append(frame)
}

func (j *Journal) Close() error { return j.wal.Close() }

// ReplayJournal decodes the journal at path in append order.
func ReplayJournal(path string, fn func(Event) error) error {
	codec := storage.GobCodec{}
	return storage.ReplayWAL(path, func(frame []byte) error {
		var ev Event
		if err := codec.Decode(frame, &ev); err != nil {
			return fmt.Errorf("decode journal frame: %w", err)
		}
		return fn(ev)
	})
}
