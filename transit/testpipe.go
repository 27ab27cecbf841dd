package transit

import "io"

// NewTestPipe returns two Transit values wired directly to each other
// over a pair of in-memory pipes, for exercising protocols layered on
// top of a record stream (transfer/v2, forwarding) without a live
// network connector or handshake.
func NewTestPipe() (*Transit, *Transit) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()

	var key [32]byte
	copy(key[:], []byte("transit-test-pipe-key-0123456789"))

	a := &Transit{
		send: &SendHalf{kind: cipherSecretbox, sbKey: key, w: aw},
		recv: &RecvHalf{kind: cipherSecretbox, sbKey: key, r: br},
		info: Info{ConnType: ConnDirect, PeerAddr: "pipe"},
	}
	b := &Transit{
		send: &SendHalf{kind: cipherSecretbox, sbKey: key, w: bw},
		recv: &RecvHalf{kind: cipherSecretbox, sbKey: key, r: ar},
		info: Info{ConnType: ConnDirect, PeerAddr: "pipe"},
	}
	return a, b
}
