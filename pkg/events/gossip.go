package events

import (
	"context"
	"encoding/json"

	"github.com/uhyunpark/shadowswap/pkg/p2p"
)

// Publisher is the part of p2p.Gossip the sink needs.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload []byte) error
}

// GossipSink broadcasts events over libp2p pubsub.
type GossipSink struct {
	pub Publisher
}

func NewGossipSink(pub Publisher) *GossipSink {
	return &GossipSink{pub: pub}
}

func (g *GossipSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return g.pub.Publish(ctx, string(ev.Kind), payload)
}

// DecodeEnvelope recovers the event carried by a gossip envelope.
func DecodeEnvelope(env p2p.Envelope) (Event, error) {
	var ev Event
	err := json.Unmarshal(env.Payload, &ev)
	return ev, err
}

var (
	_ Publisher = (*p2p.Gossip)(nil)
	_ Sink      = (*GossipSink)(nil)
	_ Sink      = (*KafkaSink)(nil)
	_ Sink      = (*Journal)(nil)
	_ Sink      = (*Fanout)(nil)
	_ Sink      = (*Recorder)(nil)
	_ Sink      = Nop{}
)
