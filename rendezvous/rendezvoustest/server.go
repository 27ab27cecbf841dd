// Package rendezvoustest provides an in-process mailbox server double
// for exercising the rendezvous client in tests. It is never imported
// by non-test code.
package rendezvoustest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

type clientMsg struct {
	Type string `json:"type"`

	AppID     string `json:"appid,omitempty"`
	Side      string `json:"side,omitempty"`
	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Body      string `json:"body,omitempty"`
	Mood      string `json:"mood,omitempty"`

	Method string `json:"method,omitempty"`
	Stamp  string `json:"stamp,omitempty"`
}

type serverMsg struct {
	Type string `json:"type"`

	Welcome *welcomeBody `json:"welcome,omitempty"`

	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`

	Side  string `json:"side,omitempty"`
	Phase string `json:"phase,omitempty"`
	Body  string `json:"body,omitempty"`

	Error string `json:"error,omitempty"`
}

type welcomeBody struct {
	MOTD       string          `json:"motd,omitempty"`
	Permission json.RawMessage `json:"permission-required,omitempty"`
}

// Server is a minimal mailbox relay: it allocates nameplates, binds
// them to a mailbox, and fans out "add" messages to every client that
// opened the same mailbox, the sender included (as a real server
// echoes them).
type Server struct {
	HTTP *httptest.Server

	// hashcashBits, when non-zero, makes the server demand a hashcash
	// stamp of this difficulty before accepting bind.
	hashcashBits int

	mu        sync.Mutex
	nameplate int
	mailboxes map[string]*mailbox
}

type mailbox struct {
	conns []*serverConn
}

type serverConn struct {
	ws   *websocket.Conn
	side string
}

// NewServer starts an httptest.Server speaking the mailbox protocol.
func NewServer() *Server {
	s := &Server{mailboxes: make(map[string]*mailbox)}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// NewServerWithHashcash starts a server that demands a hashcash stamp
// of the given difficulty during login, for exercising the client's
// mint-and-submit path.
func NewServerWithHashcash(bits int) *Server {
	s := &Server{mailboxes: make(map[string]*mailbox), hashcashBits: bits}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL returns a ws:// URL pointing at the running server.
func (s *Server) URL() string {
	return "ws" + s.HTTP.URL[len("http"):]
}

// Close shuts the server down.
func (s *Server) Close() { s.HTTP.Close() }

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	defer conn.Close(websocket.StatusNormalClosure, "")

	const resource = "test-resource"
	welcome := welcomeBody{}
	if s.hashcashBits > 0 {
		perm, _ := json.Marshal(map[string]any{
			"hashcash": map[string]any{"bits": s.hashcashBits, "resource": resource},
		})
		welcome.Permission = perm
	}
	send(ctx, conn, serverMsg{Type: "welcome", Welcome: &welcome})

	var mbx string
	var side string
	var np string
	permitted := s.hashcashBits == 0

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m clientMsg
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch m.Type {
		case "submit-permission":
			if m.Method == "hashcash" && verifyHashcashStamp(m.Stamp, s.hashcashBits, resource) {
				permitted = true
			}
		case "bind":
			if !permitted {
				send(ctx, conn, serverMsg{Type: "error", Error: "permission required"})
				return
			}
			side = m.Side
		case "allocate":
			s.mu.Lock()
			s.nameplate++
			np = strconv.Itoa(s.nameplate)
			s.mu.Unlock()
			send(ctx, conn, serverMsg{Type: "allocated", Nameplate: np})
		case "claim":
			np = m.Nameplate
			mbx = "mailbox-" + np
			send(ctx, conn, serverMsg{Type: "claimed", Mailbox: mbx})
		case "open":
			mbx = m.Mailbox
			s.mu.Lock()
			mb, ok := s.mailboxes[mbx]
			if !ok {
				mb = &mailbox{}
				s.mailboxes[mbx] = mb
			}
			mb.conns = append(mb.conns, &serverConn{ws: conn, side: side})
			s.mu.Unlock()
		case "add":
			s.mu.Lock()
			mb := s.mailboxes[mbx]
			peers := append([]*serverConn(nil), mb.conns...)
			s.mu.Unlock()
			for _, p := range peers {
				send(ctx, p.ws, serverMsg{
					Type:  "message",
					Side:  side,
					Phase: m.Phase,
					Body:  m.Body,
				})
			}
			send(ctx, conn, serverMsg{Type: "ack"})
		case "release":
			send(ctx, conn, serverMsg{Type: "released"})
		case "close":
			send(ctx, conn, serverMsg{Type: "closed"})
			return
		case "list":
			send(ctx, conn, serverMsg{Type: "nameplates"})
		}
	}
}

// verifyHashcashStamp checks that stamp names the requested bits and
// resource and actually hashes to that many leading zero bits,
// mirroring a real server's cheap verification side of the gate.
func verifyHashcashStamp(stamp string, bits int, resource string) bool {
	parts := strings.Split(stamp, ":")
	if len(parts) != 4 || parts[0] != "1" || parts[1] != strconv.Itoa(bits) || parts[2] != resource {
		return false
	}
	sum := sha256.Sum256([]byte(stamp))
	return leadingZeroBits(sum[:]) >= bits
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, v := range b {
		if v == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if v&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

func send(ctx context.Context, conn *websocket.Conn, m serverMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, b)
}
