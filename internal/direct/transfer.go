package direct

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Transfer ids are uuid strings; every binary chunk starts with the id
// so a frame can never be attributed to the wrong transfer.
const transferIDLen = 36

const fileChannelPrefix = "file-"

// controlFrame opens a transfer on its channel, sent as the first
// (string) message before any chunks.
type controlFrame struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime,omitempty"`
}

// doneFrame travels the other way: the receiver confirms reassembly
// once its byte count matches the announced size.
type doneFrame struct {
	ID   string `json:"id"`
	Done int64  `json:"done"`
}

// Transfer is the externally visible state of one file transfer.
type Transfer struct {
	ID       string
	Peer     string
	Name     string
	Mime     string
	Size     int64
	Done     int64
	Progress float64

	// Data holds the reassembled file on the receiving side once the
	// transfer completes.
	Data []byte
}

// SendFile streams a file to the peer over a dedicated data channel.
// Returns the transfer id immediately; progress and completion arrive
// as events. The link must already be open. SendFile takes ownership of
// r: when it implements io.Closer it is closed once the transfer ends.
func (m *Manager) SendFile(peer, name, mime string, r io.Reader, size int64) (string, error) {
	m.mu.Lock()
	l, ok := m.links[peer]
	if !ok || !l.open {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	pc := l.pc
	m.mu.Unlock()

	id := uuid.NewString()

	ordered := true
	dc, err := pc.CreateDataChannel(fileChannelPrefix+id, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("direct: file channel: %w", err)
	}

	dc.SetBufferedAmountLowThreshold(uint64(m.cfg.LowWater))
	drained := make(chan struct{}, 1)
	dc.OnBufferedAmountLow(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	confirmed := make(chan int64, 1)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		var df doneFrame
		if json.Unmarshal(msg.Data, &df) != nil || df.ID != id {
			return
		}
		select {
		case confirmed <- df.Done:
		default:
		}
	})

	closed := make(chan struct{})
	var closeOnce sync.Once
	dc.OnClose(func() {
		closeOnce.Do(func() { close(closed) })
	})

	dc.OnOpen(func() {
		go m.sendLoop(l, dc, drained, confirmed, closed, controlFrame{ID: id, Name: name, Size: size, Mime: mime}, r)
	})

	return id, nil
}

// sendLoop pushes the control frame and then the chunk stream, pausing
// whenever the channel's buffered bytes pass the high water mark until
// the low water callback fires. Completion is the receiver's call: the
// loop reports done only after the confirmation frame comes back.
func (m *Manager) sendLoop(l *link, dc *webrtc.DataChannel, drained chan struct{}, confirmed chan int64, closed chan struct{}, ctrl controlFrame, r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	fail := func(err error) {
		dc.Close()
		m.emit(Event{
			Type: EventFileFailed, Peer: l.peer,
			Transfer: &Transfer{ID: ctrl.ID, Peer: l.peer, Name: ctrl.Name, Size: ctrl.Size},
			Err:      err,
		})
	}

	head, err := json.Marshal(ctrl)
	if err != nil {
		fail(err)
		return
	}
	if err := dc.SendText(string(head)); err != nil {
		fail(fmt.Errorf("direct: send control frame: %w", err))
		return
	}

	buf := make([]byte, m.cfg.ChunkSize)
	frame := make([]byte, 0, transferIDLen+m.cfg.ChunkSize)
	var sent int64
	lastPct := -1

	for sent < ctrl.Size {
		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if n == 0 {
				fail(fmt.Errorf("direct: file shrank mid-send at %d/%d bytes", sent, ctrl.Size))
				return
			}
		} else if err != nil {
			fail(fmt.Errorf("direct: read chunk: %w", err))
			return
		}
		if sent+int64(n) > ctrl.Size {
			fail(fmt.Errorf("direct: file grew mid-send past %d bytes", ctrl.Size))
			return
		}

		if dc.BufferedAmount() > uint64(m.cfg.HighWater) {
			select {
			case <-drained:
			case <-time.After(30 * time.Second):
				fail(errors.New("direct: channel backpressure stall"))
				return
			}
		}

		frame = append(frame[:0], ctrl.ID...)
		frame = append(frame, buf[:n]...)
		if err := dc.Send(frame); err != nil {
			fail(fmt.Errorf("direct: send chunk: %w", err))
			return
		}
		sent += int64(n)

		if pct := int(float64(sent) / float64(ctrl.Size) * 100); pct != lastPct {
			lastPct = pct
			m.emit(Event{Type: EventFileProgress, Peer: l.peer, Transfer: &Transfer{
				ID: ctrl.ID, Peer: l.peer, Name: ctrl.Name, Size: ctrl.Size,
				Done: sent, Progress: float64(sent) / float64(ctrl.Size),
			}})
		}
	}

	// Everything is queued; wait for the receiver to confirm its
	// reassembled byte count before reporting the transfer done.
	select {
	case got := <-confirmed:
		if got != ctrl.Size {
			fail(fmt.Errorf("direct: receiver confirmed %d of %d bytes", got, ctrl.Size))
			return
		}
	case <-closed:
		fail(errors.New("direct: receiver closed before confirming"))
		return
	case <-time.After(60 * time.Second):
		fail(errors.New("direct: no completion receipt from receiver"))
		return
	}
	dc.Close()

	m.emit(Event{Type: EventFileDone, Peer: l.peer, Transfer: &Transfer{
		ID: ctrl.ID, Peer: l.peer, Name: ctrl.Name, Size: ctrl.Size,
		Done: sent, Progress: 1,
	}})
}

// recvState reassembles one inbound transfer.
type recvState struct {
	mu      sync.Mutex
	peer    string
	ctrl    controlFrame
	buf     bytes.Buffer
	lastPct int
	dead    bool
}

func (rs *recvState) snapshot() *Transfer {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	done := int64(rs.buf.Len())
	t := &Transfer{
		ID: rs.ctrl.ID, Peer: rs.peer, Name: rs.ctrl.Name, Mime: rs.ctrl.Mime,
		Size: rs.ctrl.Size, Done: done,
	}
	if rs.ctrl.Size > 0 {
		t.Progress = float64(done) / float64(rs.ctrl.Size)
	}
	return t
}

// handleInboundChannel accepts channels opened by the remote peer.
// Anything but a file channel is unexpected and refused.
func (l *link) handleInboundChannel(dc *webrtc.DataChannel) {
	if !strings.HasPrefix(dc.Label(), fileChannelPrefix) {
		log.Printf("DIRECT: refusing unknown channel %q from %s", dc.Label(), l.peer)
		dc.OnOpen(func() { dc.Close() })
		return
	}

	rs := &recvState{peer: l.peer}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.m.handleTransferFrame(l, dc, rs, msg)
	})
	dc.OnClose(func() {
		l.m.transferClosed(l, rs)
	})
}

func (m *Manager) handleTransferFrame(l *link, dc *webrtc.DataChannel, rs *recvState, msg webrtc.DataChannelMessage) {
	abort := func(err error) {
		rs.mu.Lock()
		rs.dead = true
		rs.mu.Unlock()
		m.mu.Lock()
		delete(l.recv, rs.ctrl.ID)
		m.mu.Unlock()
		dc.Close()
		log.Printf("DIRECT: transfer %s from %s aborted: %v", rs.ctrl.ID, l.peer, err)
		m.emit(Event{Type: EventFileFailed, Peer: l.peer, Transfer: rs.snapshot(), Err: err})
	}

	rs.mu.Lock()
	dead := rs.dead
	started := rs.ctrl.ID != ""
	rs.mu.Unlock()
	if dead {
		return
	}

	if msg.IsString {
		if started {
			abort(errors.New("direct: duplicate control frame"))
			return
		}
		var ctrl controlFrame
		if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
			abort(fmt.Errorf("direct: bad control frame: %w", err))
			return
		}
		if len(ctrl.ID) != transferIDLen || ctrl.Size < 0 {
			abort(fmt.Errorf("direct: invalid control frame id=%q size=%d", ctrl.ID, ctrl.Size))
			return
		}
		rs.mu.Lock()
		rs.ctrl = ctrl
		rs.buf.Grow(int(min64(ctrl.Size, 1<<20)))
		rs.mu.Unlock()

		m.mu.Lock()
		l.recv[ctrl.ID] = rs
		m.mu.Unlock()

		m.emit(Event{Type: EventFileOffer, Peer: l.peer, Transfer: rs.snapshot()})

		if ctrl.Size == 0 {
			m.finishTransfer(l, dc, rs)
		}
		return
	}

	if !started {
		abort(errors.New("direct: chunk before control frame"))
		return
	}
	if len(msg.Data) < transferIDLen {
		abort(fmt.Errorf("direct: short chunk (%d bytes)", len(msg.Data)))
		return
	}
	if string(msg.Data[:transferIDLen]) != rs.ctrl.ID {
		abort(errors.New("direct: chunk for a different transfer"))
		return
	}

	rs.mu.Lock()
	rs.buf.Write(msg.Data[transferIDLen:])
	got := int64(rs.buf.Len())
	size := rs.ctrl.Size
	pct := int(float64(got) / float64(size) * 100)
	changed := pct != rs.lastPct
	rs.lastPct = pct
	rs.mu.Unlock()

	if got > size {
		abort(fmt.Errorf("direct: transfer overran declared size (%d > %d)", got, size))
		return
	}

	if changed {
		m.emit(Event{Type: EventFileProgress, Peer: l.peer, Transfer: &Transfer{
			ID: rs.ctrl.ID, Peer: l.peer, Name: rs.ctrl.Name, Mime: rs.ctrl.Mime,
			Size: size, Done: got, Progress: float64(got) / float64(size),
		}})
	}

	if got == size {
		m.finishTransfer(l, dc, rs)
	}
}

func (m *Manager) finishTransfer(l *link, dc *webrtc.DataChannel, rs *recvState) {
	rs.mu.Lock()
	rs.dead = true
	data := make([]byte, rs.buf.Len())
	copy(data, rs.buf.Bytes())
	ctrl := rs.ctrl
	rs.mu.Unlock()

	m.mu.Lock()
	delete(l.recv, ctrl.ID)
	m.mu.Unlock()

	// Confirm back to the sender; its done event hangs on this frame.
	if ack, err := json.Marshal(doneFrame{ID: ctrl.ID, Done: int64(len(data))}); err == nil {
		if err := dc.SendText(string(ack)); err != nil {
			log.Printf("DIRECT: completion receipt for %s: %v", ctrl.ID, err)
		}
	}

	m.emit(Event{Type: EventFileDone, Peer: l.peer, Transfer: &Transfer{
		ID: ctrl.ID, Peer: l.peer, Name: ctrl.Name, Mime: ctrl.Mime,
		Size: ctrl.Size, Done: ctrl.Size, Progress: 1, Data: data,
	}})
}

// transferClosed handles the sender hanging up. A completed transfer
// already cleaned up; anything still registered died short.
func (m *Manager) transferClosed(l *link, rs *recvState) {
	rs.mu.Lock()
	dead := rs.dead
	ctrl := rs.ctrl
	rs.mu.Unlock()
	if dead || ctrl.ID == "" {
		return
	}
	rs.mu.Lock()
	rs.dead = true
	rs.mu.Unlock()

	m.mu.Lock()
	delete(l.recv, ctrl.ID)
	m.mu.Unlock()

	m.emit(Event{
		Type: EventFileFailed, Peer: l.peer, Transfer: rs.snapshot(),
		Err: errors.New("direct: sender closed before transfer completed"),
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
