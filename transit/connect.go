package transit

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"

	"wormhole.dev/core/internal/metrics"
	"wormhole.dev/core/internal/wormcrypto"
)

// ConnType names how the winning candidate was reached.
type ConnType int

const (
	ConnDirect ConnType = iota
	ConnRelay
)

func (c ConnType) String() string {
	if c == ConnRelay {
		return "relay"
	}
	return "direct"
}

// Info summarizes the winning Transit connection.
type Info struct {
	ConnType   ConnType
	PeerAddr   string
}

// Transit is the established peer-to-peer connection: a split
// send/receive record stream plus its Info.
type Transit struct {
	send *SendHalf
	recv *RecvHalf
	info Info
}

func (t *Transit) Send() *SendHalf { return t.send }
func (t *Transit) Receive() *RecvHalf { return t.recv }
func (t *Transit) Info() Info { return t.info }

// winner is an internal result of one racing candidate task.
type winner struct {
	conn    net.Conn
	reader  *bufio.Reader
	connType ConnType
	peerAddr string
}

// Connect races the candidate set (the peer's direct hints, the local
// listener, and the merged relay hints) and returns the single winning
// connection as a framed Transit. mySide/theirSide determine the
// leader (numerically/lexicographically greater side string).
func Connect(ctx context.Context, transitKey wormcrypto.Key, appID string, myAbilities, peerAbilities Abilities, self, peer Hints, ln net.Listener, mySide, theirSide string) (*Transit, error) {
	_, relay := Merge(self, peer)
	direct := peer.DirectV1
	leader := mySide > theirSide

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan winner, 1)
	errs := make(chan error, 8)
	var wg sync.WaitGroup
	var attempts int

	launch := func(f func() (winner, error)) {
		attempts++
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := f()
			if err != nil {
				select {
				case errs <- err:
				case <-ctx.Done():
				}
				return
			}
			select {
			case results <- w:
			case <-ctx.Done():
				w.conn.Close()
			}
		}()
	}

	m := metrics.FromContext(ctx)
	recordAttempt := func(ct ConnType) {
		if m != nil {
			m.TransitAttempted.WithLabelValues(ct.String()).Inc()
		}
	}

	for _, h := range direct {
		h := h
		recordAttempt(ConnDirect)
		launch(func() (winner, error) { return dialDirect(ctx, h) })
	}
	if ln != nil {
		recordAttempt(ConnDirect)
		launch(func() (winner, error) { return acceptOne(ctx, ln) })
	}
	for _, r := range relay {
		for _, h := range r.Hints {
			h := h
			recordAttempt(ConnRelay)
			launch(func() (winner, error) { return dialRelay(ctx, h, transitKey, mySide) })
		}
	}

	if attempts == 0 {
		return nil, ErrHandshakeFailed
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	var win winner
	failures := 0
	for {
		select {
		case w := <-results:
			win = w
			goto chosen
		case err, ok := <-errs:
			if !ok {
				return nil, ErrHandshakeFailed
			}
			failures++
			_ = err
			if failures >= attempts {
				return nil, ErrHandshakeFailed
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

chosen:
	cancel() // stop all other racing candidates
	if m != nil {
		m.TransitWon.WithLabelValues(win.connType.String()).Inc()
	}

	send, recv, err := handshake(win, transitKey, myAbilities, peerAbilities, leader)
	if err != nil {
		win.conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return &Transit{
		send: send,
		recv: recv,
		info: Info{ConnType: win.connType, PeerAddr: win.peerAddr},
	}, nil
}

func dialDirect(ctx context.Context, h DirectHint) (winner, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port)))
	if err != nil {
		return winner{}, err
	}
	return winner{conn: conn, reader: bufio.NewReader(conn), connType: ConnDirect, peerAddr: conn.RemoteAddr().String()}, nil
}

func acceptOne(ctx context.Context, ln net.Listener) (winner, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- acceptResult{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return winner{}, r.err
		}
		return winner{conn: r.conn, reader: bufio.NewReader(r.conn), connType: ConnDirect, peerAddr: r.conn.RemoteAddr().String()}, nil
	case <-ctx.Done():
		return winner{}, ctx.Err()
	}
}

func dialRelay(ctx context.Context, h DirectHint, transitKey wormcrypto.Key, mySide string) (winner, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port)))
	if err != nil {
		return winner{}, err
	}
	token := wormcrypto.DeriveRelayToken(transitKey)
	line := fmt.Sprintf("please relay %s for side %s\n", hex.EncodeToString(token[:]), mySide)
	if _, err := conn.Write([]byte(line)); err != nil {
		conn.Close()
		return winner{}, err
	}
	r := bufio.NewReader(conn)
	reply, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return winner{}, err
	}
	if reply != "ok\n" {
		conn.Close()
		return winner{}, ErrRelayRejected
	}
	return winner{conn: conn, reader: r, connType: ConnRelay, peerAddr: conn.RemoteAddr().String()}, nil
}
