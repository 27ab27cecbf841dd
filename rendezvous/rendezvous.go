// Package rendezvous implements the WebSocket client state machine
// that talks JSON to a Magic Wormhole mailbox server.
package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
	"wormhole.dev/core/internal/metrics"
	"wormhole.dev/core/internal/wormcrypto"
)

// state is the client's application-visible lifecycle position.
type state int

const (
	stateUnbound state = iota
	stateBound
	stateMailboxOpen
	stateClosed
)

// PeerMessage is one mailbox message delivered from the peer, already
// filtered for self-echoes and duplicate (side, phase) delivery.
type PeerMessage struct {
	Side  string
	Phase string
	Body  []byte // raw bytes, already hex-decoded
}

// Client drives one WebSocket connection to a mailbox server.
type Client struct {
	appID string
	side  string

	conn *websocket.Conn
	url  string

	mu        sync.Mutex
	state     state
	nameplate string
	mailbox   string
	seen      map[string]bool // "side\x00phase" already delivered

	messages chan PeerMessage
	replies  chan inboundMessage
	errs     chan error

	readDone chan struct{}
}

// New returns an unconnected client for the given application ID. A
// fresh random side identifier is generated.
func New(appID string) *Client {
	return &Client{
		appID:    appID,
		side:     wormcrypto.NewSide(5),
		state:    stateUnbound,
		seen:     make(map[string]bool),
		messages: make(chan PeerMessage, 16),
		replies:  make(chan inboundMessage, 1),
		errs:     make(chan error, 1),
		readDone: make(chan struct{}),
	}
}

// Side returns this client's side identifier.
func (c *Client) Side() string { return c.side }

type outboundMessage struct {
	Type string `json:"type"`

	AppID         string   `json:"appid,omitempty"`
	Side          string   `json:"side,omitempty"`
	ClientVersion []string `json:"client_version,omitempty"`

	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Body      string `json:"body,omitempty"`
	Mood      string `json:"mood,omitempty"`

	Info any `json:"info,omitempty"`

	Method string `json:"method,omitempty"`
	Stamp  string `json:"stamp,omitempty"`
}

type inboundMessage struct {
	Type string `json:"type"`

	Welcome *struct {
		MOTD       string          `json:"motd,omitempty"`
		Permission json.RawMessage `json:"permission-required,omitempty"`
	} `json:"welcome,omitempty"`

	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Nameplates []struct {
		ID string `json:"id"`
	} `json:"nameplates,omitempty"`

	Side  string `json:"side,omitempty"`
	Phase string `json:"phase,omitempty"`
	Body  string `json:"body,omitempty"`

	Error string `json:"error,omitempty"`
}

// Connect dials the mailbox server, processes the welcome message and
// any requested permission, and sends bind{appid, side}.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.state != stateUnbound {
		c.mu.Unlock()
		return ErrWrongState
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("rendezvous: dial: %w", err)
	}
	c.conn = conn
	c.url = url

	go c.readPump(context.Background())

	welcome, err := c.nextRaw(ctx)
	if err != nil {
		return err
	}
	if welcome.Type != "welcome" || welcome.Welcome == nil {
		return fmt.Errorf("%w: expected welcome, got %q", ErrProtocol, welcome.Type)
	}
	if len(welcome.Welcome.Permission) > 0 {
		if err := c.satisfyPermission(ctx, welcome.Welcome.Permission); err != nil {
			return err
		}
	}

	if err := c.send(ctx, outboundMessage{
		Type:  "bind",
		AppID: c.appID,
		Side:  c.side,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = stateBound
	c.mu.Unlock()
	return nil
}

// hashcashPermission is the server's requested proof-of-work kind:
// mint a stamp over resource with the given leading-zero-bit difficulty.
type hashcashPermission struct {
	Bits     int    `json:"bits"`
	Resource string `json:"resource"`
}

// satisfyPermission inspects the welcome message's permission-required
// field. "none" requires nothing further. "hashcash" requires minting
// a stamp of the requested difficulty and submitting it before bind.
// Any other kind (including unknown future ones) is
// ErrUnsupportedPermission.
func (c *Client) satisfyPermission(ctx context.Context, raw json.RawMessage) error {
	var kinds map[string]json.RawMessage
	if err := json.Unmarshal(raw, &kinds); err != nil {
		return fmt.Errorf("%w: malformed permission-required: %v", ErrProtocol, err)
	}
	if _, ok := kinds["none"]; ok {
		return nil
	}
	if raw, ok := kinds["hashcash"]; ok {
		var hc hashcashPermission
		if err := json.Unmarshal(raw, &hc); err != nil {
			return fmt.Errorf("%w: malformed hashcash permission: %v", ErrProtocol, err)
		}
		stamp := mintHashcashStamp(hc.Bits, hc.Resource)
		return c.send(ctx, outboundMessage{
			Type:   "submit-permission",
			Method: "hashcash",
			Stamp:  stamp,
		})
	}
	return ErrUnsupportedPermission
}

// AllocateClaimOpen allocates a fresh nameplate, claims it, and opens
// the resulting mailbox, retrying a bounded number of times if the
// server reports the nameplate already claimed by a racing client.
func (c *Client) AllocateClaimOpen(ctx context.Context) (nameplate, mailbox string, err error) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.send(ctx, outboundMessage{Type: "allocate"}); err != nil {
			return "", "", err
		}
		reply, err := c.waitType(ctx, "allocated")
		if err != nil {
			return "", "", err
		}
		mbx, err := c.claimOpen(ctx, reply.Nameplate)
		if err == nil {
			return reply.Nameplate, mbx, nil
		}
		if attempt == maxAttempts-1 {
			return "", "", err
		}
	}
	return "", "", ErrProtocol
}

// ClaimOpen claims an externally-supplied nameplate and opens its
// mailbox.
func (c *Client) ClaimOpen(ctx context.Context, nameplate string) (mailbox string, err error) {
	return c.claimOpen(ctx, nameplate)
}

func (c *Client) claimOpen(ctx context.Context, nameplate string) (string, error) {
	if err := c.send(ctx, outboundMessage{Type: "claim", Nameplate: nameplate}); err != nil {
		return "", err
	}
	claimed, err := c.waitType(ctx, "claimed")
	if err != nil {
		return "", err
	}
	if err := c.send(ctx, outboundMessage{Type: "open", Mailbox: claimed.Mailbox}); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.nameplate = nameplate
	c.mailbox = claimed.Mailbox
	c.state = stateMailboxOpen
	c.mu.Unlock()
	return claimed.Mailbox, nil
}

// ListNameplates returns the nameplates currently allocated on the
// server. Used by tooling, never required by the pairing path.
func (c *Client) ListNameplates(ctx context.Context) ([]string, error) {
	if err := c.send(ctx, outboundMessage{Type: "list"}); err != nil {
		return nil, err
	}
	reply, err := c.waitType(ctx, "nameplates")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(reply.Nameplates))
	for i, n := range reply.Nameplates {
		out[i] = n.ID
	}
	return out, nil
}

// Add sends one mailbox message under phase with the given raw body
// (which is hex-encoded on the wire).
func (c *Client) Add(ctx context.Context, phase string, body []byte) error {
	c.mu.Lock()
	if c.state != stateMailboxOpen {
		c.mu.Unlock()
		return ErrWrongState
	}
	c.mu.Unlock()

	return c.send(ctx, outboundMessage{
		Type:  "add",
		Phase: phase,
		Body:  hexEncode(body),
	})
}

// Messages returns the channel of peer messages delivered for the
// currently open mailbox.
func (c *Client) Messages() <-chan PeerMessage { return c.messages }

// ReleaseNameplate releases the held nameplate without closing the
// mailbox.
func (c *Client) ReleaseNameplate(ctx context.Context) error {
	c.mu.Lock()
	nameplate := c.nameplate
	c.mu.Unlock()
	if nameplate == "" {
		return nil
	}
	if err := c.send(ctx, outboundMessage{Type: "release", Nameplate: nameplate}); err != nil {
		return err
	}
	if _, err := c.waitType(ctx, "released"); err != nil {
		return err
	}
	c.mu.Lock()
	c.nameplate = ""
	c.mu.Unlock()
	return nil
}

// Mood names the reason a mailbox is closed (§3 of the wire protocol).
type Mood string

const (
	Happy     Mood = "happy"
	Lonely    Mood = "lonely"
	Errory    Mood = "errory"
	Scary     Mood = "scary"
	Unwelcome Mood = "unwelcome"
)

// Close releases any held nameplate, closes the mailbox with mood, and
// tears down the WebSocket.
func (c *Client) Close(ctx context.Context, mood Mood) error {
	c.mu.Lock()
	alreadyClosed := c.state == stateClosed
	mailbox := c.mailbox
	c.state = stateClosed
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	if m := metrics.FromContext(ctx); m != nil {
		m.MailboxClosed.WithLabelValues(string(mood)).Inc()
	}

	if err := c.ReleaseNameplate(ctx); err != nil {
		_ = err // best effort; still attempt close below
	}

	var closeErr error
	if mailbox != "" {
		closeErr = c.send(ctx, outboundMessage{Type: "close", Mailbox: mailbox, Mood: string(mood)})
		if closeErr == nil {
			_, closeErr = c.waitType(ctx, "closed")
		}
	}

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	return closeErr
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0xf]
	}
	return string(out)
}
