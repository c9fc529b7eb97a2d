// Package broker is the serverless relay backend. Peers form a libp2p
// mesh and exchange envelopes over gossip topics: one inbox topic per
// peer for direct traffic, a shared rooms topic for group traffic, and
// a presence topic for the roster.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/petrel-chat/petrel/internal/proto"
	"github.com/petrel-chat/petrel/internal/relay"
	"github.com/petrel-chat/petrel/internal/state"
	"github.com/petrel-chat/petrel/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

const (
	presenceInterval = 10 * time.Second
	presenceTTL      = 25 * time.Second
	offlineGrace     = 5 * time.Minute
)

type Options struct {
	LocalID     string
	Name        string
	ListenPort  int
	Bootstrap   []string
	KeyFile     string
	TopicPrefix string
}

// Broker implements relay.Relay over a GossipSub mesh.
type Broker struct {
	opts   Options
	roster *state.Roster

	host   host.Host
	ps     *pubsub.PubSub
	inbox  *pubsub.Topic
	rooms  *pubsub.Topic
	pres   *pubsub.Topic
	events chan relay.Event

	mu      sync.Mutex
	sendTo  map[string]*pubsub.Topic
	closing bool
	cancel  context.CancelFunc
}

func New(opts Options, roster *state.Roster) *Broker {
	return &Broker{
		opts:   opts,
		roster: roster,
		events: make(chan relay.Event, 256),
		sendTo: make(map[string]*pubsub.Topic),
	}
}

func (b *Broker) Backend() string { return "broker" }

func (b *Broker) topicName(kind, suffix string) string {
	prefix := b.opts.TopicPrefix
	if prefix == "" {
		prefix = proto.TopicPrefix
	}
	if suffix == "" {
		return prefix + kind
	}
	return prefix + kind + "." + suffix
}

func (b *Broker) Open(ctx context.Context) error {
	priv, isNew, err := loadOrCreateKey(b.opts.KeyFile)
	if err != nil {
		return fmt.Errorf("broker identity: %w", err)
	}
	if isNew {
		log.Printf("BROKER: generated new mesh identity key: %s", b.opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", b.opts.ListenPort)),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	b.host = h
	b.cancel = cancel

	b.connectBootstrap(ctx)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return err
	}
	b.ps = ps

	join := func(name string) (*pubsub.Topic, *pubsub.Subscription, error) {
		t, err := ps.Join(name)
		if err != nil {
			return nil, nil, err
		}
		sub, err := t.Subscribe()
		if err != nil {
			return nil, nil, err
		}
		return t, sub, nil
	}

	var inboxSub, roomsSub, presSub *pubsub.Subscription
	if b.inbox, inboxSub, err = join(b.topicName("inbox", b.opts.LocalID)); err == nil {
		if b.rooms, roomsSub, err = join(b.topicName("rooms", "")); err == nil {
			b.pres, presSub, err = join(b.topicName("presence", ""))
		}
	}
	if err != nil {
		h.Close()
		cancel()
		return err
	}

	go b.envelopeLoop(ctx, inboxSub)
	go b.envelopeLoop(ctx, roomsSub)
	go b.presenceLoop(ctx, presSub)
	go b.heartbeat(ctx)

	log.Printf("BROKER: mesh up, host %s, %d bootstrap peers", h.ID(), len(b.opts.Bootstrap))
	b.events <- relay.Event{Type: relay.EventOpen}
	return nil
}

func (b *Broker) connectBootstrap(ctx context.Context) {
	for _, s := range b.opts.Bootstrap {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("BROKER: bad bootstrap addr %q: %v", s, err)
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("BROKER: bootstrap addr %q has no peer id: %v", s, err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		if err := b.host.Connect(cctx, *ai); err != nil {
			log.Printf("BROKER: bootstrap connect %s: %v", ai.ID, err)
		}
		cancel()
	}
}

// Send publishes the envelope on the topic its addressing selects:
// group traffic and system notices go to the shared rooms topic,
// direct traffic to the recipient's inbox topic.
func (b *Broker) Send(env proto.Envelope) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return errors.New("broker: closed")
	}
	b.mu.Unlock()

	to, group, err := addressOf(env)
	if err != nil {
		return err
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultSendTimeout)
	defer cancel()

	if group || to == "" {
		return b.rooms.Publish(ctx, data)
	}

	t, err := b.inboxFor(to)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// addressOf pulls recipient and grouping out of the payload. Every
// addressed payload kind carries "to" and "isGroup" fields.
func addressOf(env proto.Envelope) (to string, group bool, err error) {
	var addr struct {
		To      string `json:"to"`
		IsGroup bool   `json:"isGroup"`
	}
	if err := json.Unmarshal(env.Body, &addr); err != nil {
		return "", false, fmt.Errorf("broker: unaddressable envelope: %w", err)
	}
	return addr.To, addr.IsGroup, nil
}

func (b *Broker) inboxFor(peerID string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.sendTo[peerID]; ok {
		return t, nil
	}
	t, err := b.ps.Join(b.topicName("inbox", peerID))
	if err != nil {
		return nil, err
	}
	b.sendTo[peerID] = t
	return t, nil
}

func (b *Broker) Events() <-chan relay.Event { return b.events }

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()

	if b.pres != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		b.publishPresence(ctx, proto.TypeOffline)
		cancel()
	}
	if b.cancel != nil {
		b.cancel()
	}
	var err error
	if b.host != nil {
		err = b.host.Close()
	}
	b.events <- relay.Event{Type: relay.EventClosed}
	close(b.events)
	return err
}

// envelopeLoop feeds one subscription into the events channel.
func (b *Broker) envelopeLoop(ctx context.Context, sub *pubsub.Subscription) {
	self := b.host.ID()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			b.mu.Lock()
			closing := b.closing
			b.mu.Unlock()
			if !closing && ctx.Err() == nil {
				b.emitLost(err)
			}
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		env, err := proto.Unmarshal(m.Data)
		if err != nil {
			log.Printf("BROKER: dropping malformed envelope from %s: %v", m.ReceivedFrom, err)
			continue
		}
		select {
		case b.events <- relay.Event{Type: relay.EventEnvelope, Envelope: &env}:
		default:
			log.Printf("BROKER: event buffer full, dropping envelope")
		}
	}
}

// emitLost reports an unexpected mesh failure exactly once.
func (b *Broker) emitLost(err error) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if b.host != nil {
		b.host.Close()
	}
	b.events <- relay.Event{Type: relay.EventClosed, Unexpected: true, Err: err}
	close(b.events)
}

func (b *Broker) presenceLoop(ctx context.Context, sub *pubsub.Subscription) {
	self := b.host.ID()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.PeerID == "" || pm.Type == "" || pm.PeerID == b.opts.LocalID {
			continue
		}
		switch pm.Type {
		case proto.TypeOnline, proto.TypeUpdate:
			b.roster.Upsert(pm.PeerID, pm.Name)
		case proto.TypeOffline:
			b.roster.MarkOffline(pm.PeerID)
		}
	}
}

// heartbeat announces presence on a fixed interval and prunes peers
// whose announcements stopped arriving.
func (b *Broker) heartbeat(ctx context.Context) {
	b.publishPresence(ctx, proto.TypeOnline)

	t := time.NewTicker(presenceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.publishPresence(ctx, proto.TypeUpdate)
			b.roster.PruneStale(time.Now().Add(-presenceTTL), time.Now().Add(-offlineGrace))
		}
	}
}

func (b *Broker) publishPresence(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: b.opts.LocalID,
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Name = b.opts.Name
	}
	data, _ := json.Marshal(msg)
	if err := b.pres.Publish(ctx, data); err != nil && ctx.Err() == nil {
		log.Printf("BROKER: presence publish: %v", err)
	}
}

// loadOrCreateKey loads a persistent mesh identity key from disk, or
// generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt mesh identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal mesh identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save mesh identity key: %w", err)
	}
	return priv, true, nil
}
