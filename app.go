// app.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/petrel-chat/petrel/internal/config"
	"github.com/petrel-chat/petrel/internal/engine"
	"github.com/petrel-chat/petrel/internal/ledger"
)

// App is the terminal front end: one engine, one current room, a
// line-oriented command loop.
type App struct {
	cfg config.Config
	eng *engine.Engine

	room    string
	isGroup bool
}

func NewApp(cfg config.Config) *App {
	return &App{cfg: cfg}
}

func (a *App) Run(ctx context.Context) error {
	eng, err := engine.New(a.cfg)
	if err != nil {
		return err
	}
	a.eng = eng
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	events := eng.Subscribe()
	defer eng.Unsubscribe(events)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			a.printEvent(evt)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleLine(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (a *App) printEvent(evt engine.Event) {
	switch evt.Type {
	case engine.EventMessage:
		m := evt.Message
		if m == nil || m.Outgoing {
			return
		}
		name := a.eng.PeerName(m.From)
		if m.DecryptFailed {
			fmt.Printf("[%s] %s: (encrypted, no key)\n", m.Room, name)
			return
		}
		fmt.Printf("[%s] %s: %s\n", m.Room, name, m.Content)
	case engine.EventMessageUpdated:
		m := evt.Message
		if m == nil {
			return
		}
		if m.Status == ledger.StatusRecalled {
			fmt.Printf("[%s] %s recalled a message\n", m.Room, a.eng.PeerName(m.From))
			return
		}
		if m.Outgoing {
			fmt.Printf("[%s] (message %s)\n", m.Room, m.Status)
		}
	case engine.EventConnectivity:
		if evt.Connected {
			fmt.Println("* relay connected")
		} else {
			fmt.Println("* relay disconnected")
		}
	case engine.EventDecrypted:
		fmt.Printf("* decrypted %d earlier messages\n", len(evt.IDs))
	}
}

// handleLine runs one command or sends plain text to the current room.
// Returns true when the user quits.
func (a *App) handleLine(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if a.room == "" {
			fmt.Println("No room open. Use /open <peer> or /group <name> first.")
			return false
		}
		if _, err := a.eng.SendMessage(a.room, line, a.isGroup, ""); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		a.printHelp()
	case "quit", "exit":
		return true
	case "rooms":
		invites := a.eng.Invites()
		for _, r := range a.eng.Rooms() {
			marker := " "
			if r.Unread > 0 {
				marker = fmt.Sprintf("(%d)", r.Unread)
			}
			last := ""
			if r.Last != nil {
				last = r.Last.Content
			}
			if from, ok := invites[r.ID]; ok {
				last = fmt.Sprintf("invited by %s (/accept or /decline)", from)
			}
			fmt.Printf("  %s %s  %s\n", r.ID, marker, last)
		}
	case "open":
		if rest == "" {
			fmt.Println("Usage: /open <peer>")
			return false
		}
		a.room, a.isGroup = rest, false
		a.showRoom()
	case "group":
		if rest == "" {
			fmt.Println("Usage: /group <name>")
			return false
		}
		a.room, a.isGroup = rest, true
		a.showRoom()
	case "recall":
		a.recallLast()
	case "key":
		a.setKey(rest)
	case "direct":
		if rest == "" {
			fmt.Println("Usage: /direct <peer>")
			return false
		}
		if err := a.eng.DialDirect(rest); err != nil {
			fmt.Printf("direct: %v\n", err)
		}
	case "hangup":
		if rest != "" {
			a.eng.HangupDirect(rest)
		}
	case "send":
		a.sendFile(rest)
	case "backend":
		if rest != config.BackendSocket && rest != config.BackendBroker {
			fmt.Println("Usage: /backend socket|broker")
			return false
		}
		if err := a.eng.Connect(rest); err != nil {
			fmt.Printf("backend: %v\n", err)
		}
	case "invite":
		peer, room, ok := strings.Cut(rest, " ")
		if !ok {
			fmt.Println("Usage: /invite <peer> <room>")
			return false
		}
		if err := a.eng.Invite(peer, room); err != nil {
			fmt.Printf("invite: %v\n", err)
		}
	case "accept":
		if rest == "" {
			fmt.Println("Usage: /accept <room>")
			return false
		}
		a.eng.AcceptInvite(rest)
		a.room, a.isGroup = rest, true
		a.showRoom()
	case "decline":
		if rest != "" {
			a.eng.DeclineInvite(rest)
		}
	case "nick":
		if rest == "" {
			fmt.Println("Usage: /nick <name>")
			return false
		}
		if err := a.eng.SetName(rest); err != nil {
			fmt.Printf("nick: %v\n", err)
		}
	case "diag":
		for _, line := range a.eng.Diagnostics() {
			fmt.Println(" ", line)
		}
	case "clear":
		if a.room == "" {
			return false
		}
		if err := a.eng.ClearRoom(a.room); err != nil {
			fmt.Printf("clear: %v\n", err)
		}
	default:
		fmt.Printf("Unknown command /%s (try /help)\n", cmd)
	}
	return false
}

// showRoom prints the open room's recent history and marks it read.
func (a *App) showRoom() {
	fmt.Printf("-- %s --\n", a.room)
	for _, m := range a.eng.Messages(a.room) {
		who := a.eng.PeerName(m.From)
		if m.Outgoing {
			who = "me"
		}
		fmt.Printf("  %s: %s\n", who, m.Content)
	}
	if err := a.eng.MarkRead(a.room); err != nil {
		fmt.Printf("mark read: %v\n", err)
	}
}

// recallLast retracts the newest outgoing message in the open room.
func (a *App) recallLast() {
	if a.room == "" {
		return
	}
	msgs := a.eng.Messages(a.room)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Outgoing && msgs[i].Status != ledger.StatusRecalled {
			if err := a.eng.Recall(msgs[i].ID); err != nil {
				fmt.Printf("recall: %v\n", err)
			}
			return
		}
	}
	fmt.Println("Nothing to recall.")
}

// setKey handles "/key <password>" for the default key and
// "/key <target> <password>" for a per-conversation or per-group key.
func (a *App) setKey(rest string) {
	target, password, ok := strings.Cut(rest, " ")
	if !ok {
		if target == "" {
			fmt.Println("Usage: /key [target] <password>")
			return
		}
		a.eng.SetDefaultKey(target)
		fmt.Println("Default key updated.")
		return
	}
	if a.isGroup && target == a.room {
		a.eng.SetGroupKey(target, password)
	} else {
		a.eng.SetConversationKey(target, password)
	}
	fmt.Printf("Key for %s updated.\n", target)
}

func (a *App) sendFile(rest string) {
	peer, path, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Println("Usage: /send <peer> <path>")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("send: %v\n", err)
		return
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		fmt.Printf("send: %v\n", err)
		return
	}
	name := filepath.Base(path)
	mtype := mime.TypeByExtension(filepath.Ext(name))
	// The transfer owns the file handle from here on.
	if _, err := a.eng.SendFile(peer, name, mtype, f, stat.Size()); err != nil {
		f.Close()
		fmt.Printf("send: %v\n", err)
	}
}

func (a *App) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /rooms                 List rooms with unread counts")
	fmt.Println("  /open <peer>           Open a direct conversation")
	fmt.Println("  /group <name>          Open a group room")
	fmt.Println("  /recall                Retract your last message in this room")
	fmt.Println("  /key [target] <pw>     Set the default or a per-target key")
	fmt.Println("  /direct <peer>         Negotiate a peer-to-peer channel")
	fmt.Println("  /hangup <peer>         Tear the peer-to-peer channel down")
	fmt.Println("  /send <peer> <path>    Send a file over the direct channel")
	fmt.Println("  /backend socket|broker Switch the relay backend")
	fmt.Println("  /invite <peer> <room>  Invite a peer to a group room")
	fmt.Println("  /accept <room>         Accept a pending group invite")
	fmt.Println("  /decline <room>        Decline a pending group invite")
	fmt.Println("  /nick <name>           Change your display name")
	fmt.Println("  /diag                  Show recent transport diagnostics")
	fmt.Println("  /clear                 Clear this room's history")
	fmt.Println("  /quit                  Exit")
}
