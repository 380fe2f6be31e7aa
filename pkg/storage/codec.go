package storage

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// Codec serializes records stored in Pebble or appended to a WAL.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte, v any) error
}

// JSONCodec is used for state records so they stay readable with ldb tools.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec) Decode(b []byte, v any) error { return json.Unmarshal(b, v) }

// GobCodec is used for WAL frames.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
