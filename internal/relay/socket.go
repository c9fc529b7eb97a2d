package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/petrel-chat/petrel/internal/proto"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size. File payloads never cross the
	// socket, so this stays small.
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

var errSocketClosed = errors.New("relay: socket closed")

// Socket is the persistent-connection backend over a websocket server.
type Socket struct {
	url     string
	localID string
	token   string

	conn   *websocket.Conn
	send   chan []byte
	events chan Event

	mu        sync.Mutex
	closing   bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewSocket(url, localID, token string) *Socket {
	return &Socket{
		url:     url,
		localID: localID,
		token:   token,
		send:    make(chan []byte, sendBuffer),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
}

func (s *Socket) Backend() string { return "socket" }

func (s *Socket) Open(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Peer-ID", s.localID)
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	s.conn = conn

	go s.writePump()
	go s.readPump()

	s.events <- Event{Type: EventOpen}
	return nil
}

func (s *Socket) Send(env proto.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return errSocketClosed
	}
}

func (s *Socket) Events() <-chan Event { return s.events }

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		close(s.done)
		if s.conn != nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.conn.Close()
		} else {
			close(s.events)
		}
	})
	return nil
}

// readPump reads inbound frames until the connection dies, then emits
// the closed event and closes the events channel. One per connection.
func (s *Socket) readPump() {
	defer close(s.events)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			requested := s.closing
			s.mu.Unlock()
			unexpected := !requested &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			s.events <- Event{Type: EventClosed, Unexpected: unexpected, Err: err}
			return
		}

		env, err := proto.Unmarshal(data)
		if err != nil {
			log.Printf("SOCKET: dropping malformed frame: %v", err)
			continue
		}
		s.events <- Event{Type: EventEnvelope, Envelope: &env}
	}
}

// writePump serializes all writes to the connection and keeps the ping
// ticker running. One per connection.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case b := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
