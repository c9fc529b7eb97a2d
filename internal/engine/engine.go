// Package engine ties the transports, the ledger, the key table, and
// the roster together. All state mutation runs on a single event loop
// goroutine: external calls and transport events are funneled through
// the calls channel and processed one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/petrel-chat/petrel/internal/broker"
	"github.com/petrel-chat/petrel/internal/config"
	"github.com/petrel-chat/petrel/internal/crypto"
	"github.com/petrel-chat/petrel/internal/direct"
	"github.com/petrel-chat/petrel/internal/ledger"
	"github.com/petrel-chat/petrel/internal/relay"
	"github.com/petrel-chat/petrel/internal/state"
	"github.com/petrel-chat/petrel/internal/storage"
	"github.com/petrel-chat/petrel/internal/util"

	"github.com/fsnotify/fsnotify"
)

// ackTimeout is how long an outgoing message may sit in sending before
// it is marked failed.
const ackTimeout = 10 * time.Second

// Event types surfaced to the embedding application.
const (
	EventMessage        = "message"
	EventMessageUpdated = "message-updated"
	EventRoomsChanged   = "rooms-changed"
	EventConnectivity   = "connectivity"
	EventDecrypted      = "decrypted"
)

type Event struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	Message   *ledger.Message `json:"message,omitempty"`
	IDs       []string        `json:"ids,omitempty"`
	Connected bool            `json:"connected,omitempty"`
}

var ErrClosed = errors.New("engine: closed")

type Engine struct {
	cfg config.Config

	router *relay.Router
	direct *direct.Manager
	keys   *crypto.KeyTable
	hist   *ledger.History
	roster *state.Roster
	store  *storage.Store

	calls chan func()
	stop  chan struct{}
	diag  *util.RingBuffer[string]

	// Engine-loop-owned state; never touched off the loop goroutine.
	ackTimeout time.Duration
	timers     map[string]*time.Timer
	transfers  map[string]string // transfer id -> message id
	loaded     bool
	started    bool

	mu        sync.Mutex
	invites   map[string]string // pending group invites, room -> inviter
	listeners map[chan Event]struct{}
	closeOnce sync.Once
}

// New wires an engine with production backends chosen by the config.
func New(cfg config.Config) (*Engine, error) {
	var store *storage.Store
	if cfg.History.Retain {
		var err error
		store, err = storage.Open(cfg.History.DBFile)
		if err != nil {
			return nil, err
		}
	}

	roster := state.NewRoster()
	factory := func(backend string) (relay.Relay, error) {
		switch backend {
		case config.BackendSocket:
			return relay.NewSocket(cfg.Relay.SocketURL, cfg.Identity.ID, cfg.Identity.Token), nil
		case config.BackendBroker:
			return broker.New(broker.Options{
				LocalID:     cfg.Identity.ID,
				Name:        cfg.Identity.Name,
				ListenPort:  cfg.Relay.BrokerListenPort,
				Bootstrap:   cfg.Relay.BrokerBootstrap,
				KeyFile:     filepath.Join(filepath.Dir(cfg.History.DBFile), "mesh.key"),
				TopicPrefix: cfg.Relay.TopicPrefix,
			}, roster), nil
		default:
			return nil, errors.New("engine: unknown relay backend " + backend)
		}
	}

	return newEngine(cfg, factory, roster, store), nil
}

// newEngine finishes construction with explicit dependencies. Tests
// inject an in-memory relay factory here.
func newEngine(cfg config.Config, factory relay.Factory, roster *state.Roster, store *storage.Store) *Engine {
	e := &Engine{
		cfg:       cfg,
		router:    relay.NewRouter(factory, time.Duration(cfg.Relay.ReconnectSec)*time.Second),
		keys:      crypto.NewKeyTable(),
		hist:      ledger.NewHistory(cfg.History.MaxCount, cfg.History.MaxBytes),
		roster:    roster,
		store:     store,
		calls:     make(chan func(), 128),
		stop:      make(chan struct{}),
		diag:      util.NewRingBuffer[string](256),
		timers:    make(map[string]*time.Timer),
		transfers: make(map[string]string),
		invites:   make(map[string]string),
		listeners: make(map[chan Event]struct{}),
	}

	e.direct = direct.NewManager(direct.Config{
		LocalID:   cfg.Identity.ID,
		Servers:   cfg.Direct.Servers,
		ChunkSize: cfg.Direct.ChunkSize,
		HighWater: cfg.Direct.BufferHighWater,
		LowWater:  cfg.Direct.BufferLowWater,
	}, e.sendSignal)

	if cfg.Crypto.DefaultKey != "" {
		e.keys.SetDefaultKey(cfg.Crypto.DefaultKey)
	}
	e.keys.OnChange(func() {
		e.do(func() { e.retryUndecrypted() })
	})

	return e
}

// Start loads persisted state, connects the configured relay backend,
// and runs the event loop until ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return errors.New("engine: already started")
	}
	e.started = true

	e.loadState()

	if err := e.router.Connect(ctx, e.cfg.Relay.Backend); err != nil {
		return err
	}

	watcher := e.startKeyWatch()

	go e.run(ctx, watcher)
	return nil
}

func (e *Engine) run(ctx context.Context, watcher *fsnotify.Watcher) {
	routerEvents := e.router.Subscribe()
	rosterEvents := e.roster.Subscribe()
	directEvents := e.direct.Events()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = make(chan fsnotify.Event)
		watchErrors = make(chan error)
		go func() {
			defer close(watchEvents)
			for evt := range watcher.Events {
				watchEvents <- evt
			}
		}()
		go func() {
			for err := range watcher.Errors {
				watchErrors <- err
			}
		}()
		defer watcher.Close()
	}

	defer func() {
		e.router.Unsubscribe(routerEvents)
		e.roster.Unsubscribe(rosterEvents)
	}()

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return
		case <-e.stop:
			return
		case fn := <-e.calls:
			e.safely(fn)
		case evt, ok := <-routerEvents:
			if !ok {
				routerEvents = nil
				continue
			}
			e.safely(func() { e.onRelayEvent(evt) })
		case evt, ok := <-directEvents:
			if !ok {
				directEvents = nil
				continue
			}
			e.safely(func() { e.onDirectEvent(evt) })
		case evt, ok := <-rosterEvents:
			if !ok {
				rosterEvents = nil
				continue
			}
			e.safely(func() { e.onRosterEvent(evt) })
		case evt := <-watchEvents:
			e.safely(func() { e.onKeyFileEvent(evt) })
		case err := <-watchErrors:
			log.Printf("ENGINE: key file watcher: %v", err)
		}
	}
}

// note records one line in the diagnostics ring.
func (e *Engine) note(format string, args ...any) {
	line := time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	e.diag.Push(line)
}

// Diagnostics returns recent transport lifecycle lines, oldest first.
func (e *Engine) Diagnostics() []string { return e.diag.Snapshot() }

// safely isolates one event handler so a panic cannot take the loop
// down with it.
func (e *Engine) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ENGINE: recovered from handler panic: %v", r)
		}
	}()
	fn()
}

// do schedules work on the event loop without waiting for it.
func (e *Engine) do(fn func()) {
	select {
	case e.calls <- fn:
	case <-e.stop:
	}
}

// call runs fn on the event loop and waits for its result.
func (e *Engine) call(fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.calls <- func() { done <- fn() }:
	case <-e.stop:
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-e.stop:
		return ErrClosed
	}
}

func (e *Engine) Subscribe() chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, 64)
	e.listeners[ch] = struct{}{}
	return ch
}

func (e *Engine) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[ch]; ok {
		delete(e.listeners, ch)
		close(ch)
	}
}

func (e *Engine) emit(evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stop)
		e.direct.Close()
		e.router.Close()
		e.persist()
		if e.store != nil {
			e.store.Close()
		}
		e.mu.Lock()
		for ch := range e.listeners {
			delete(e.listeners, ch)
			close(ch)
		}
		e.mu.Unlock()
	})
	return nil
}

// loadState pulls persisted history and the name cache in before any
// write can happen; until it runs, persist is a no-op so a crash during
// startup cannot clobber the stored ledger with an empty one.
func (e *Engine) loadState() {
	defer func() { e.loaded = true }()
	if e.store == nil {
		return
	}

	msgs, ok, err := e.store.LoadHistory(e.cfg.Identity.ID)
	if err != nil {
		log.Printf("ENGINE: load history: %v", err)
	} else if ok {
		e.hist.Load(msgs)
		log.Printf("ENGINE: loaded %d messages", len(msgs))
	}

	names, err := e.store.LoadNames(e.cfg.Identity.ID)
	if err != nil {
		log.Printf("ENGINE: load names: %v", err)
	} else if len(names) > 0 {
		e.roster.SeedNames(names)
	}

	invites, err := e.store.LoadInvites(e.cfg.Identity.ID)
	if err != nil {
		log.Printf("ENGINE: load invites: %v", err)
	} else {
		e.mu.Lock()
		for _, room := range invites {
			e.invites[room] = ""
		}
		e.mu.Unlock()
	}

	if kf, err := config.LoadKeyFile(e.cfg.Crypto.KeyFile); err != nil {
		log.Printf("ENGINE: load key file: %v", err)
	} else {
		fallback := kf.Default
		if fallback == "" {
			fallback = e.cfg.Crypto.DefaultKey
		}
		e.keys.Replace(kf.Conversations, kf.Groups, fallback)
	}
}

func (e *Engine) persist() {
	if e.store == nil || !e.loaded {
		return
	}
	if err := e.store.SaveHistory(e.cfg.Identity.ID, e.hist.Snapshot()); err != nil {
		log.Printf("ENGINE: persist history: %v", err)
	}
}

func (e *Engine) persistNames() {
	if e.store == nil || !e.loaded {
		return
	}
	if err := e.store.SaveNames(e.cfg.Identity.ID, e.roster.NameMap()); err != nil {
		log.Printf("ENGINE: persist names: %v", err)
	}
}

func (e *Engine) persistInvites() {
	if e.store == nil || !e.loaded {
		return
	}
	e.mu.Lock()
	rooms := make([]string, 0, len(e.invites))
	for room := range e.invites {
		rooms = append(rooms, room)
	}
	e.mu.Unlock()
	if err := e.store.SaveInvites(e.cfg.Identity.ID, rooms); err != nil {
		log.Printf("ENGINE: persist invites: %v", err)
	}
}

// startKeyWatch watches the session key file's directory so key changes
// written by external tooling trigger a decrypt retry pass.
func (e *Engine) startKeyWatch() *fsnotify.Watcher {
	if e.cfg.Crypto.KeyFile == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("ENGINE: key file watcher unavailable: %v", err)
		return nil
	}
	dir := filepath.Dir(e.cfg.Crypto.KeyFile)
	if err := watcher.Add(dir); err != nil {
		log.Printf("ENGINE: watch %s: %v", dir, err)
		watcher.Close()
		return nil
	}
	return watcher
}

func (e *Engine) onKeyFileEvent(evt fsnotify.Event) {
	if filepath.Clean(evt.Name) != filepath.Clean(e.cfg.Crypto.KeyFile) {
		return
	}
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
		return
	}
	kf, err := config.LoadKeyFile(e.cfg.Crypto.KeyFile)
	if err != nil {
		log.Printf("ENGINE: reload key file: %v", err)
		return
	}
	log.Printf("ENGINE: key file changed, reloading")
	e.note("key file reloaded")
	fallback := kf.Default
	if fallback == "" {
		fallback = e.cfg.Crypto.DefaultKey
	}
	e.keys.Replace(kf.Conversations, kf.Groups, fallback)
}

// retryUndecrypted re-runs decryption over kept ciphertexts after any
// key table change.
func (e *Engine) retryUndecrypted() {
	fixed := e.hist.RetryUndecrypted(func(room string, isGroup bool, cipher string) (string, bool) {
		target, group := room, ""
		if isGroup {
			target, group = "", room
		}
		return e.keys.DecryptFor(cipher, target, group)
	})
	if len(fixed) == 0 {
		return
	}
	log.Printf("ENGINE: decrypted %d kept messages after key change", len(fixed))
	e.persist()
	e.emit(Event{Type: EventDecrypted, IDs: fixed})
	e.emit(Event{Type: EventRoomsChanged})
}

func (e *Engine) onRosterEvent(evt state.RosterEvent) {
	if evt.Type == "update" && evt.Contact != nil && evt.Contact.Name != "" {
		e.persistNames()
	}
	e.emit(Event{Type: EventRoomsChanged})
}
