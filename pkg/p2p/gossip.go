package p2p

import (
	"context"
	"sync"
	"sync/atomic"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// DefaultTopic carries engine events between nodes and observers.
const DefaultTopic = "shadowswap/events/1"

// Handler receives envelopes published by other peers.
type Handler func(ctx context.Context, env Envelope)

// Gossip is a single-topic GossipSub publisher/subscriber.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger
	seq   atomic.Uint64

	muH     sync.RWMutex
	handler Handler
}

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	go g.readLoop(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

func (g *Gossip) SetHandler(fn Handler) { g.muH.Lock(); g.handler = fn; g.muH.Unlock() }

// Publish wraps payload in an envelope stamped with this peer's id and the
// next sequence number.
func (g *Gossip) Publish(ctx context.Context, kind string, payload []byte) error {
	data, err := gobEncode(Envelope{
		Origin:  g.h.ID().String(),
		Seq:     g.seq.Add(1),
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		g.log.Warnw("topic_close_failed", "err", err)
	}
	return g.h.Close()
}

func (g *Gossip) readLoop(ctx context.Context) {
	self := g.h.ID()
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		// own publications are delivered locally too
		if msg.ReceivedFrom == self {
			continue
		}
		var env Envelope
		if err := gobDecode(msg.Data, &env); err != nil {
			g.log.Debugw("bad_envelope", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}

		g.muH.RLock()
		fn := g.handler
		g.muH.RUnlock()
		if fn != nil {
			fn(ctx, env)
		}
	}
}
