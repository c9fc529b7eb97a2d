// Package direct negotiates peer-to-peer data channels and prefers
// them over the relay once open. Negotiation signals travel over the
// relay as signal envelopes; the roles are fixed by peer id so both
// sides always agree on who yields when offers collide.
package direct

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/petrel-chat/petrel/internal/proto"

	"github.com/pion/webrtc/v4"
)

// Event types emitted by the Manager.
const (
	EventChannelOpen   = "channel-open"
	EventChannelClosed = "channel-closed"
	EventEnvelope      = "envelope"
	EventFileOffer     = "file-offer"
	EventFileProgress  = "file-progress"
	EventFileDone      = "file-done"
	EventFileFailed    = "file-failed"
)

type Event struct {
	Type     string
	Peer     string
	Envelope *proto.Envelope
	Transfer *Transfer
	Err      error
}

// ErrNotConnected is returned by Send when no open channel exists; the
// caller falls back to the relay.
var ErrNotConnected = errors.New("direct: no open channel to peer")

// SignalFunc carries a negotiation signal to the remote peer, normally
// by wrapping it in an envelope and handing it to the relay router.
type SignalFunc func(sig proto.Signal) error

type Config struct {
	LocalID   string
	Servers   []string
	ChunkSize int
	HighWater int
	LowWater  int
}

// Manager owns one link per remote peer. A link is a PeerConnection
// plus the pre-negotiated chat channel; file transfers open their own
// channels on the same connection.
type Manager struct {
	cfg    Config
	signal SignalFunc
	events chan Event

	mu     sync.Mutex
	links  map[string]*link
	epochs map[string]uint64
	closed bool
}

type link struct {
	m     *Manager
	peer  string
	epoch uint64

	// polite peers yield on offer collision; the lexicographically
	// smaller id is polite so both sides agree without coordination.
	polite bool

	pc   *webrtc.PeerConnection
	chat *webrtc.DataChannel

	makingOffer bool
	ignoreOffer bool
	answering   bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit

	open   bool
	closed bool

	recv map[string]*recvState
}

func NewManager(cfg Config, signal SignalFunc) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 16 * 1024
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = 4 * 1024 * 1024
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = 512 * 1024
	}
	return &Manager{
		cfg:    cfg,
		signal: signal,
		events: make(chan Event, 256),
		links:  make(map[string]*link),
		epochs: make(map[string]uint64),
	}
}

func (m *Manager) Events() <-chan Event { return m.events }

// Connect starts (or reuses) a link to the peer. The channel-open event
// reports when the chat channel is usable.
func (m *Manager) Connect(peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("direct: manager closed")
	}
	if _, ok := m.links[peer]; ok {
		return nil
	}
	_, err := m.newLinkLocked(peer, m.epochs[peer])
	return err
}

func (m *Manager) Connected(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peer]
	return ok && l.open
}

// Send delivers an envelope over the peer's open chat channel.
func (m *Manager) Send(peer string, env proto.Envelope) error {
	m.mu.Lock()
	l, ok := m.links[peer]
	if !ok || !l.open {
		m.mu.Unlock()
		return ErrNotConnected
	}
	dc := l.chat
	m.mu.Unlock()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return dc.SendText(string(b))
}

// Disconnect tears the peer's link down. Safe to call for unknown peers.
func (m *Manager) Disconnect(peer string) {
	m.mu.Lock()
	l := m.links[peer]
	m.mu.Unlock()
	if l != nil {
		m.teardown(l, nil)
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		m.teardown(l, nil)
	}

	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return nil
}

// newLinkLocked builds the PeerConnection and chat channel for a peer.
// Caller holds m.mu.
func (m *Manager) newLinkLocked(peer string, epoch uint64) (*link, error) {
	l := &link{
		m:      m,
		peer:   peer,
		epoch:  epoch,
		polite: m.cfg.LocalID < peer,
		recv:   make(map[string]*recvState),
	}
	if err := m.wireLocked(l); err != nil {
		return nil, err
	}
	if epoch >= m.epochs[peer] {
		m.epochs[peer] = epoch
	}
	m.links[peer] = l
	return l, nil
}

// wireLocked attaches a fresh PeerConnection and chat channel to the
// link, replacing any previous ones. Callbacks compare against the
// link's current connection so a replaced one cannot act on it. Caller
// holds m.mu.
func (m *Manager) wireLocked(l *link) error {
	pc, err := m.newPeerConnection()
	if err != nil {
		return fmt.Errorf("direct: peer connection: %w", err)
	}

	pc.OnNegotiationNeeded(func() { go l.negotiate(pc) })

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.sendCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go m.teardownConn(l, pc, fmt.Errorf("direct: connection %s", s))
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.handleInboundChannel(dc)
	})

	// Both sides create the chat channel with a fixed id, so an offer
	// collision still converges on exactly one channel.
	negotiated := true
	var chatID uint16
	chat, err := pc.CreateDataChannel("chat", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &chatID,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("direct: chat channel: %w", err)
	}

	chat.OnOpen(func() {
		m.mu.Lock()
		stale := m.links[l.peer] != l || l.chat != chat
		if !stale {
			l.open = true
		}
		m.mu.Unlock()
		if stale {
			return
		}
		log.Printf("DIRECT: channel open to %s (epoch %d)", l.peer, l.epoch)
		m.emit(Event{Type: EventChannelOpen, Peer: l.peer})
	})

	chat.OnClose(func() {
		go m.teardownConn(l, pc, errors.New("direct: chat channel closed"))
	})

	chat.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		env, err := proto.Unmarshal(msg.Data)
		if err != nil {
			log.Printf("DIRECT: dropping malformed frame from %s: %v", l.peer, err)
			return
		}
		m.emit(Event{Type: EventEnvelope, Peer: l.peer, Envelope: &env})
	})

	l.pc = pc
	l.chat = chat
	l.open = false
	l.makingOffer = false
	l.ignoreOffer = false
	l.answering = false
	l.remoteSet = false
	l.pending = nil
	return nil
}

// HandleSignal applies a remote description or candidate to the peer's
// link, creating the link for inbound attempts. Stale-epoch signals are
// dropped; newer-epoch signals replace the current link.
func (m *Manager) HandleSignal(sig proto.Signal) {
	if sig.From == "" || sig.From == m.cfg.LocalID {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	l, ok := m.links[sig.From]
	if !ok {
		// A lone candidate with no link belongs to an attempt we
		// already tore down.
		if sig.Desc == nil {
			m.mu.Unlock()
			return
		}
		if sig.Epoch < m.epochs[sig.From] {
			m.mu.Unlock()
			return
		}
		var err error
		l, err = m.newLinkLocked(sig.From, sig.Epoch)
		if err != nil {
			m.mu.Unlock()
			log.Printf("DIRECT: inbound link to %s: %v", sig.From, err)
			return
		}
	}

	if sig.Epoch < l.epoch {
		m.mu.Unlock()
		return
	}
	if sig.Epoch > l.epoch {
		// Remote started over; drop our attempt and follow.
		old := l
		delete(m.links, sig.From)
		old.closed = true
		nl, err := m.newLinkLocked(sig.From, sig.Epoch)
		m.mu.Unlock()
		old.pc.Close()
		if err != nil {
			log.Printf("DIRECT: replacement link to %s: %v", sig.From, err)
			return
		}
		l = nl
	} else {
		m.mu.Unlock()
	}

	if sig.Desc != nil {
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Desc, &desc); err != nil {
			log.Printf("DIRECT: bad description from %s: %v", sig.From, err)
			return
		}
		l.handleDescription(desc)
	}
	if sig.Candidate != nil {
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Candidate, &cand); err != nil {
			log.Printf("DIRECT: bad candidate from %s: %v", sig.From, err)
			return
		}
		l.handleCandidate(cand)
	}
}

// negotiate creates and signals an offer. Runs on its own goroutine
// whenever the PeerConnection reports negotiation is needed.
func (l *link) negotiate(pc *webrtc.PeerConnection) {
	m := l.m
	m.mu.Lock()
	if l.closed || l.pc != pc || l.answering {
		m.mu.Unlock()
		return
	}
	l.makingOffer = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		l.makingOffer = false
		m.mu.Unlock()
	}()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Printf("DIRECT: create offer for %s: %v", l.peer, err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		// A collision can invalidate the offer between create and set;
		// the description exchange sorts it out.
		log.Printf("DIRECT: set local offer for %s: %v", l.peer, err)
		return
	}

	m.mu.Lock()
	stale := l.closed || l.pc != pc
	m.mu.Unlock()
	if stale {
		return
	}
	l.sendDescription(pc.LocalDescription())
}

// handleDescription applies a remote offer or answer. On collision the
// impolite side ignores the remote offer outright; the polite side
// abandons its own attempt, rewires the link onto a fresh connection,
// and answers the remote offer there. The epoch stays put so the
// remote's candidates for that offer still apply.
func (l *link) handleDescription(desc webrtc.SessionDescription) {
	m := l.m
	m.mu.Lock()
	if l.closed {
		m.mu.Unlock()
		return
	}
	collision := desc.Type == webrtc.SDPTypeOffer &&
		(l.makingOffer || l.pc.SignalingState() != webrtc.SignalingStateStable)
	l.ignoreOffer = !l.polite && collision
	if l.ignoreOffer {
		m.mu.Unlock()
		log.Printf("DIRECT: ignoring colliding offer from %s", l.peer)
		return
	}

	var discarded *webrtc.PeerConnection
	if collision {
		discarded = l.pc
		if err := m.wireLocked(l); err != nil {
			m.mu.Unlock()
			log.Printf("DIRECT: restart for %s: %v", l.peer, err)
			return
		}
	}
	if desc.Type == webrtc.SDPTypeOffer {
		// Hold our own offers back while an answer is in flight.
		l.answering = true
	}
	pc := l.pc
	m.mu.Unlock()

	if discarded != nil {
		discarded.Close()
		log.Printf("DIRECT: yielding to offer from %s", l.peer)
	}

	clearAnswering := func() {
		m.mu.Lock()
		l.answering = false
		m.mu.Unlock()
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		if desc.Type == webrtc.SDPTypeOffer {
			clearAnswering()
		}
		log.Printf("DIRECT: set remote %s from %s: %v", desc.Type, l.peer, err)
		return
	}

	m.mu.Lock()
	l.remoteSet = true
	queued := l.pending
	l.pending = nil
	m.mu.Unlock()
	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("DIRECT: queued candidate for %s: %v", l.peer, err)
		}
	}

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			clearAnswering()
			log.Printf("DIRECT: create answer for %s: %v", l.peer, err)
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			clearAnswering()
			log.Printf("DIRECT: set local answer for %s: %v", l.peer, err)
			return
		}
		clearAnswering()
		l.sendDescription(pc.LocalDescription())
	}
}

// handleCandidate adds a remote candidate, queueing it until the remote
// description lands.
func (l *link) handleCandidate(cand webrtc.ICECandidateInit) {
	m := l.m
	m.mu.Lock()
	if l.closed {
		m.mu.Unlock()
		return
	}
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		m.mu.Unlock()
		return
	}
	ignore := l.ignoreOffer
	pc := l.pc
	m.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil && !ignore {
		log.Printf("DIRECT: candidate from %s: %v", l.peer, err)
	}
}

func (l *link) sendDescription(desc *webrtc.SessionDescription) {
	raw, err := json.Marshal(desc)
	if err != nil {
		log.Printf("DIRECT: marshal description for %s: %v", l.peer, err)
		return
	}
	l.sendSignal(proto.Signal{Desc: raw})
}

func (l *link) sendCandidate(c webrtc.ICECandidateInit) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	l.sendSignal(proto.Signal{Candidate: raw})
}

func (l *link) sendSignal(sig proto.Signal) {
	sig.From = l.m.cfg.LocalID
	sig.To = l.peer
	sig.Epoch = l.epoch
	if err := l.m.signal(sig); err != nil {
		log.Printf("DIRECT: signal to %s: %v", l.peer, err)
	}
}

// teardownConn tears the link down only when pc is still its current
// connection; a connection discarded by a collision restart must not
// take its replacement with it.
func (m *Manager) teardownConn(l *link, pc *webrtc.PeerConnection, cause error) {
	m.mu.Lock()
	current := l.pc == pc
	m.mu.Unlock()
	if current {
		m.teardown(l, cause)
	}
}

// teardown closes the link and bumps the peer's epoch so stale signals
// from this attempt cannot touch its successor.
func (m *Manager) teardown(l *link, cause error) {
	m.mu.Lock()
	if l.closed {
		m.mu.Unlock()
		return
	}
	l.closed = true
	wasOpen := l.open
	l.open = false
	if m.links[l.peer] == l {
		delete(m.links, l.peer)
		if l.epoch+1 > m.epochs[l.peer] {
			m.epochs[l.peer] = l.epoch + 1
		}
	}
	transfers := make([]*recvState, 0, len(l.recv))
	for _, rs := range l.recv {
		transfers = append(transfers, rs)
	}
	l.recv = map[string]*recvState{}
	m.mu.Unlock()

	l.pc.Close()

	for _, rs := range transfers {
		m.emit(Event{
			Type: EventFileFailed, Peer: l.peer,
			Transfer: rs.snapshot(),
			Err:      errors.New("direct: link lost mid-transfer"),
		})
	}
	if wasOpen {
		if cause != nil {
			log.Printf("DIRECT: channel to %s closed: %v", l.peer, cause)
		}
		m.emit(Event{Type: EventChannelClosed, Peer: l.peer, Err: cause})
	}
}

func (m *Manager) emit(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- evt:
	default:
		log.Printf("DIRECT: event buffer full, dropping %s for %s", evt.Type, evt.Peer)
	}
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(m.cfg.Servers))
	for _, u := range m.cfg.Servers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	// Loopback candidates make same-machine peers reachable, which is
	// also what the loopback tests rely on.
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}
