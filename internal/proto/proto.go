package proto

import "time"

// TopicPrefix namespaces all pubsub topics on the broker backend. The
// broker derives "<prefix>presence" for announcements, "<prefix>rooms"
// for group traffic, and "<prefix>inbox.<peerID>" for direct traffic.
const TopicPrefix = "petrel.v1."

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is published on the presence topic by broker-backed peers.
type PresenceMsg struct {
	Type   string `json:"type"` // online|update|offline
	PeerID string `json:"peerId"`
	Name   string `json:"name,omitempty"`
	TS     int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
