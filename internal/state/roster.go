package state

import (
	"sync"
	"time"
)

type Contact struct {
	Name         string
	Transport    string // "relay" or "direct"
	Online       bool
	LastSeen     time.Time
	OfflineSince time.Time
}

type RosterEvent struct {
	Type    string             `json:"type"`
	PeerID  string             `json:"peer_id,omitempty"`
	Contact *Contact           `json:"contact,omitempty"`
	Roster  map[string]Contact `json:"roster,omitempty"`
}

// Roster tracks which peers are currently reachable and how.
type Roster struct {
	mu        sync.Mutex
	contacts  map[string]Contact
	listeners []chan RosterEvent
}

func NewRoster() *Roster {
	return &Roster{
		contacts:  map[string]Contact{},
		listeners: make([]chan RosterEvent, 0),
	}
}

func (r *Roster) Upsert(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Contact{Name: name, Transport: "relay", Online: true, LastSeen: time.Now()}
	if existing, ok := r.contacts[id]; ok {
		if name == "" {
			c.Name = existing.Name
		}
		c.Transport = existing.Transport
	}
	r.contacts[id] = c
	r.notifyListeners(RosterEvent{Type: "update", PeerID: id, Contact: &c})
}

func (r *Roster) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok {
		return
	}
	c.LastSeen = time.Now()
	r.contacts[id] = c
}

func (r *Roster) SetName(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok || c.Name == name {
		return
	}
	c.Name = name
	r.contacts[id] = c
	r.notifyListeners(RosterEvent{Type: "update", PeerID: id, Contact: &c})
}

// SetTransport records whether the peer is reached over the relay or a
// direct channel.
func (r *Roster) SetTransport(id, transport string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok || c.Transport == transport {
		return
	}
	c.Transport = transport
	r.contacts[id] = c
	r.notifyListeners(RosterEvent{Type: "update", PeerID: id, Contact: &c})
}

func (r *Roster) MarkOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok {
		return
	}
	wasOnline := c.Online
	c.Online = false
	c.Transport = "relay"
	if wasOnline {
		c.OfflineSince = time.Now()
	}
	r.contacts[id] = c
	if wasOnline {
		r.notifyListeners(RosterEvent{Type: "update", PeerID: id, Contact: &c})
	}
}

func (r *Roster) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, id)
	r.notifyListeners(RosterEvent{Type: "remove", PeerID: id})
}

func (r *Roster) Get(id string) (Contact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	return c, ok
}

func (r *Roster) Name(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contacts[id]; ok && c.Name != "" {
		return c.Name
	}
	return id
}

func (r *Roster) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.contacts))
	for id := range r.contacts {
		ids = append(ids, id)
	}
	return ids
}

func (r *Roster) Snapshot() map[string]Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]Contact, len(r.contacts))
	for k, v := range r.contacts {
		cp[k] = v
	}
	return cp
}

// NameMap returns id -> display name for every known contact, for the
// persisted name cache.
func (r *Roster) NameMap() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]string, len(r.contacts))
	for id, c := range r.contacts {
		if c.Name != "" {
			m[id] = c.Name
		}
	}
	return m
}

// SeedNames pre-populates offline contacts from a persisted name cache
// without clobbering entries already learned this session.
func (r *Roster) SeedNames(names map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, name := range names {
		if _, ok := r.contacts[id]; ok {
			continue
		}
		r.contacts[id] = Contact{Name: name, Transport: "relay", OfflineSince: time.Now()}
	}
}

// PruneStale marks online peers with expired TTL offline, then drops
// offline peers past the grace period.
func (r *Roster) PruneStale(ttlCutoff, graceCutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.contacts {
		if c.Online {
			if c.LastSeen.Before(ttlCutoff) {
				c.Online = false
				c.Transport = "relay"
				c.OfflineSince = time.Now()
				r.contacts[id] = c
				r.notifyListeners(RosterEvent{Type: "update", PeerID: id, Contact: &c})
			}
		} else if !c.OfflineSince.IsZero() && c.OfflineSince.Before(graceCutoff) {
			delete(r.contacts, id)
			r.notifyListeners(RosterEvent{Type: "remove", PeerID: id})
		}
	}
}

func (r *Roster) Subscribe() chan RosterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan RosterEvent, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Roster) Unsubscribe(ch chan RosterEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Roster) notifyListeners(evt RosterEvent) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
