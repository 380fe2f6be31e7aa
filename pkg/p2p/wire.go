package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(Envelope{})
}

// Envelope is the gossip wire frame.
type Envelope struct {
	Origin  string // libp2p peer id of the publisher
	Seq     uint64
	Kind    string
	Payload []byte // JSON-encoded event
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
