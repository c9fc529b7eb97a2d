package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petrel-chat/petrel/internal/util"

	ma "github.com/multiformats/go-multiaddr"
)

// Backend identifiers for the relay transport.
const (
	BackendSocket = "socket"
	BackendBroker = "broker"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Direct   Direct   `json:"direct"`
	Crypto   Crypto   `json:"crypto"`
	History  History  `json:"history"`
}

type Identity struct {
	// ID is the stable local identity string consumed from the host
	// application's login flow.
	ID string `json:"id"`

	// Name is the display name announced to peers.
	Name string `json:"name"`

	// Token is the bearer credential for socket/broker auth.
	Token string `json:"token"`
}

type Relay struct {
	// Backend selects the relay transport: "socket" or "broker".
	Backend string `json:"backend"`

	// SocketURL is the persistent socket endpoint (ws:// or wss://).
	SocketURL string `json:"socket_url"`

	// BrokerListenPort is the local libp2p TCP port (0 = ephemeral).
	BrokerListenPort int `json:"broker_listen_port"`

	// BrokerBootstrap lists multiaddresses of broker rendezvous peers.
	BrokerBootstrap []string `json:"broker_bootstrap"`

	// TopicPrefix overrides the pubsub topic namespace. Empty uses the
	// built-in default.
	TopicPrefix string `json:"topic_prefix"`

	// ReconnectSec is the fixed backoff before a reconnect attempt
	// after an unexpected close.
	ReconnectSec int `json:"reconnect_sec"`
}

type Direct struct {
	// Enabled turns peer-to-peer channel negotiation on.
	Enabled bool `json:"enabled"`

	// Servers lists connection-helper (STUN/TURN) server URLs.
	Servers []string `json:"servers"`

	// ChunkSize is the file transfer chunk payload size in bytes.
	ChunkSize int `json:"chunk_size"`

	// BufferHighWater pauses file sending when the channel's buffered
	// byte count exceeds this; BufferLowWater resumes it.
	BufferHighWater int `json:"buffer_high_water"`
	BufferLowWater  int `json:"buffer_low_water"`

	// DownloadDir is where completed inbound transfers are written.
	DownloadDir string `json:"download_dir"`
}

type Crypto struct {
	// Enabled turns payload encryption on for outbound messages.
	Enabled bool `json:"enabled"`

	// DefaultKey is the system-wide fallback password. Per-target keys
	// live in the key file, never here.
	DefaultKey string `json:"default_key"`

	// KeyFile is a JSON file of per-conversation and per-group keys,
	// watched for changes at runtime.
	KeyFile string `json:"key_file"`
}

type History struct {
	// Retain persists message history locally. When false, history is
	// memory-only and cleared on logout.
	Retain bool `json:"retain"`

	// MaxCount and MaxBytes bound the ledger; oldest entries are
	// evicted first when either is exceeded.
	MaxCount int `json:"max_count"`
	MaxBytes int `json:"max_bytes"`

	// DBFile is the local sqlite database path.
	DBFile string `json:"db_file"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			Backend:      BackendSocket,
			ReconnectSec: 3,
		},
		Direct: Direct{
			Enabled:         true,
			ChunkSize:       16 * 1024,
			BufferHighWater: 4 * 1024 * 1024,
			BufferLowWater:  512 * 1024,
			DownloadDir:     "data/downloads",
		},
		Crypto: Crypto{
			Enabled: true,
			KeyFile: "data/keys.json",
		},
		History: History{
			Retain:   true,
			MaxCount: 2000,
			MaxBytes: 4 * 1024 * 1024,
			DBFile:   "data/petrel.db",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity.id is required")
	}

	switch c.Relay.Backend {
	case BackendSocket:
		if err := validateSocketURL(c.Relay.SocketURL); err != nil {
			return fmt.Errorf("relay.socket_url: %w", err)
		}
	case BackendBroker:
		if c.Relay.BrokerListenPort < 0 || c.Relay.BrokerListenPort > 65535 {
			return errors.New("relay.broker_listen_port must be 0..65535")
		}
		for _, s := range c.Relay.BrokerBootstrap {
			if _, err := ma.NewMultiaddr(s); err != nil {
				return fmt.Errorf("relay.broker_bootstrap %q: %w", s, err)
			}
		}
	default:
		return fmt.Errorf("relay.backend must be %q or %q", BackendSocket, BackendBroker)
	}

	if c.Relay.ReconnectSec <= 0 {
		return errors.New("relay.reconnect_sec must be > 0")
	}

	if c.Direct.Enabled {
		if c.Direct.ChunkSize <= 0 {
			return errors.New("direct.chunk_size must be > 0")
		}
		if c.Direct.BufferHighWater <= 0 {
			return errors.New("direct.buffer_high_water must be > 0")
		}
		if c.Direct.BufferLowWater <= 0 || c.Direct.BufferLowWater >= c.Direct.BufferHighWater {
			return errors.New("direct.buffer_low_water must be > 0 and < buffer_high_water")
		}
	}

	if c.History.MaxCount <= 0 {
		return errors.New("history.max_count must be > 0")
	}
	if c.History.MaxBytes <= 0 {
		return errors.New("history.max_bytes must be > 0")
	}
	if c.History.Retain && strings.TrimSpace(c.History.DBFile) == "" {
		return errors.New("history.db_file is required when history.retain is enabled")
	}

	return nil
}

func validateSocketURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required for the socket backend")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file seeded with the given identity. Returns (cfg, createdNew, err).
func Ensure(path, identity string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = identity
	cfg.Relay.SocketURL = "ws://127.0.0.1:8787/ws"
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// KeyFileContents is the schema of the watched session-key file.
type KeyFileContents struct {
	Conversations map[string]string `json:"conversations"`
	Groups        map[string]string `json:"groups"`
	Default       string            `json:"default,omitempty"`
}

// LoadKeyFile reads the session-key file. A missing file is not an
// error; it returns empty contents so startup proceeds keyless.
func LoadKeyFile(path string) (KeyFileContents, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KeyFileContents{}, nil
		}
		return KeyFileContents{}, err
	}
	var kf KeyFileContents
	if err := json.Unmarshal(stripBOM(b), &kf); err != nil {
		return KeyFileContents{}, fmt.Errorf("parse key file: %w", err)
	}
	return kf, nil
}
