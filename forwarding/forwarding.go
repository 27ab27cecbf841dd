// Package forwarding multiplexes arbitrary TCP connections over one
// Transit record stream: a Server offers named addresses, a Client
// binds local listeners for them and tunnels each accepted connection
// through a connection_id-tagged forward stream.
package forwarding

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"wormhole.dev/core/transit"
)

// Offer lists the addresses a Server is willing to forward to.
type Offer struct {
	Addresses []string `msgpack:"addresses"`
}

type wireMsg struct {
	Type         string `msgpack:"type"`
	Addresses    []string `msgpack:"addresses,omitempty"`
	Target       string `msgpack:"target,omitempty"`
	ConnectionID uint64 `msgpack:"connection_id,omitempty"`
	Payload      []byte `msgpack:"payload,omitempty"`
	ErrMessage   string `msgpack:"message,omitempty"`
}

const (
	typeOffer      = "offer"
	typeConnect    = "connect"
	typeForward    = "forward"
	typeDisconnect = "disconnect"
	typeClose      = "close"
	typeError      = "error"

	outboundBuffer = 64
)

func writeMsg(tr *transit.Transit, m wireMsg) error {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("forwarding: marshal %s: %w", m.Type, err)
	}
	return tr.Send().WriteRecord(b)
}

func readMsg(tr *transit.Transit) (wireMsg, error) {
	b, err := tr.Receive().ReadRecord()
	if err != nil {
		return wireMsg{}, err
	}
	var m wireMsg
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return wireMsg{}, fmt.Errorf("forwarding: unmarshal: %w", err)
	}
	return m, nil
}

// Server offers a fixed address list and dials one of them for each
// incoming connect request.
type Server struct {
	tr        *transit.Transit
	addresses map[string]bool

	mu    sync.Mutex
	conns map[uint64]net.Conn
}

// NewServer returns a Server ready to Serve, offering addresses as
// dial targets.
func NewServer(tr *transit.Transit, addresses []string) *Server {
	allowed := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		allowed[a] = true
	}
	return &Server{tr: tr, addresses: allowed, conns: make(map[uint64]net.Conn)}
}

// Serve announces the offer and then services connect/forward/
// disconnect messages until the Client sends close or the stream
// errors.
func (s *Server) Serve() error {
	if err := writeMsg(s.tr, wireMsg{Type: typeOffer, Addresses: keys(s.addresses)}); err != nil {
		return err
	}

	writeCh := make(chan wireMsg, outboundBuffer)
	writerDone := make(chan error, 1)
	go func() { writerDone <- s.runWriter(writeCh) }()

	used := make(map[uint64]bool) // every connection_id the client has connected
	for {
		m, err := readMsg(s.tr)
		if err != nil {
			close(writeCh)
			<-writerDone
			return err
		}
		switch m.Type {
		case typeConnect:
			if !s.addresses[m.Target] {
				close(writeCh)
				<-writerDone
				return fmt.Errorf("%w: target %q not offered", ErrProtocol, m.Target)
			}
			if used[m.ConnectionID] {
				close(writeCh)
				<-writerDone
				return fmt.Errorf("%w: connection_id %d reused", ErrProtocol, m.ConnectionID)
			}
			used[m.ConnectionID] = true
			s.accept(m.ConnectionID, m.Target, writeCh)
		case typeForward:
			s.mu.Lock()
			conn := s.conns[m.ConnectionID]
			s.mu.Unlock()
			if conn == nil {
				if !used[m.ConnectionID] {
					close(writeCh)
					<-writerDone
					return fmt.Errorf("%w: forward for unknown connection_id %d", ErrProtocol, m.ConnectionID)
				}
				continue // historical id: benign race per §4.10
			}
			if _, err := conn.Write(m.Payload); err != nil {
				s.closeConn(m.ConnectionID)
			}
		case typeDisconnect:
			s.closeConn(m.ConnectionID)
		case typeClose:
			close(writeCh)
			<-writerDone
			s.closeAll()
			return nil
		case typeError:
			close(writeCh)
			<-writerDone
			s.closeAll()
			return fmt.Errorf("%w: %s", ErrPeerError, m.ErrMessage)
		default:
			continue
		}
	}
}

func (s *Server) accept(id uint64, target string, writeCh chan<- wireMsg) {
	conn, err := net.Dial("tcp", target)
	if err != nil {
		writeCh <- wireMsg{Type: typeDisconnect, ConnectionID: id}
		return
	}
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	go pumpFromSocket(conn, id, writeCh, func() { s.closeConn(id) })
}

func (s *Server) closeConn(id uint64) {
	s.mu.Lock()
	conn := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
}

func (s *Server) runWriter(writeCh <-chan wireMsg) error {
	for m := range writeCh {
		if err := writeMsg(s.tr, m); err != nil {
			return err
		}
	}
	return nil
}

// Client binds one listener per offered address it cares about and
// tunnels accepted connections through the Transit stream, assigning
// each a monotonically increasing, never-reused connection_id.
type Client struct {
	tr      *transit.Transit
	writeCh chan wireMsg

	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]net.Conn
}

// NewClient returns a Client driving tr. The single outbound channel
// shared by every listener is the only backpressure mechanism (§4.10):
// no buffering is layered on top of it.
func NewClient(tr *transit.Transit) *Client {
	c := &Client{tr: tr, conns: make(map[uint64]net.Conn), writeCh: make(chan wireMsg, outboundBuffer)}
	go c.runWriter(c.writeCh)
	return c
}

// ReceiveOffer waits for the Server's offer message.
func (c *Client) ReceiveOffer() (Offer, error) {
	m, err := readMsg(c.tr)
	if err != nil {
		return Offer{}, err
	}
	if m.Type != typeOffer {
		return Offer{}, fmt.Errorf("%w: expected offer, got %q", ErrProtocol, m.Type)
	}
	return Offer{Addresses: m.Addresses}, nil
}

// Listen binds a local listener for target (forwarded to the named
// server-side address) and accepts connections on it until the
// listener is closed.
func (c *Client) Listen(localAddr, target string) (net.Listener, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			id := c.allocateID()
			c.mu.Lock()
			c.conns[id] = conn
			c.mu.Unlock()
			c.writeCh <- wireMsg{Type: typeConnect, Target: target, ConnectionID: id}
			go pumpFromSocket(conn, id, c.writeCh, func() { c.closeConn(id) })
		}
	}()

	return ln, nil
}

// Run services forward/disconnect/close messages from the server
// until the stream errors or a close arrives.
func (c *Client) Run() error {
	for {
		m, err := readMsg(c.tr)
		if err != nil {
			return err
		}
		switch m.Type {
		case typeForward:
			c.mu.Lock()
			conn := c.conns[m.ConnectionID]
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if _, err := conn.Write(m.Payload); err != nil {
				c.closeConn(m.ConnectionID)
			}
		case typeDisconnect:
			c.closeConn(m.ConnectionID)
		case typeClose:
			c.closeAll()
			return nil
		case typeError:
			c.closeAll()
			return fmt.Errorf("%w: %s", ErrPeerError, m.ErrMessage)
		default:
			continue
		}
	}
}

func (c *Client) allocateID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Client) closeConn(id uint64) {
	c.mu.Lock()
	conn := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
}

func (c *Client) runWriter(writeCh <-chan wireMsg) {
	for m := range writeCh {
		if err := writeMsg(c.tr, m); err != nil {
			return
		}
	}
}

// pumpFromSocket reads conn until EOF or error, forwarding each chunk
// as a wireMsg on writeCh, then invokes onClose. Mirrors the
// teacher's io.CopyBuffer pump idiom, generalized to a length-framed
// message instead of a raw byte stream.
func pumpFromSocket(conn net.Conn, id uint64, writeCh chan<- wireMsg, onClose func()) {
	buf := make([]byte, 16<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			writeCh <- wireMsg{Type: typeForward, ConnectionID: id, Payload: append([]byte(nil), buf[:n]...)}
		}
		if err != nil {
			if err != io.EOF {
				writeCh <- wireMsg{Type: typeDisconnect, ConnectionID: id}
			}
			onClose()
			return
		}
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
