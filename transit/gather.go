package transit

import (
	"context"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/sys/unix"
	"wormhole.dev/core/internal/wormcrypto"
)

// Config configures hint generation and relay use.
type Config struct {
	// RelayV1 addresses, "host:port" form; used to build the relay-v1
	// hint set from configuration.
	RelayV1 []string
	// DisableSTUN skips the STUN probe in GatherHints, useful in tests
	// and in environments without outbound UDP/TCP to the public
	// Internet.
	DisableSTUN bool
	// STUNServer overrides the default public STUN server.
	STUNServer string
}

const defaultSTUNServer = "stun.stunprotocol.org:3478"

// GatherHints enumerates local non-loopback interface addresses,
// binds a listening TCP socket, optionally resolves the externally
// mapped address via STUN, and returns the resulting Hints plus the
// open listener (which the caller must accept connections on and
// eventually close).
func GatherHints(cfg Config, abilities Abilities) (Hints, net.Listener, error) {
	ln, err := listen()
	if err != nil {
		return Hints{}, nil, fmt.Errorf("transit: listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	var direct []DirectHint
	for _, addr := range localAddresses() {
		direct = append(direct, DirectHint{Hostname: addr, Port: port})
	}

	if !cfg.DisableSTUN {
		if ext, err := stunExternalAddress(cfg.stunServer(), port); err != nil {
			log.Printf("transit: stun probe failed, continuing with local hints only: %v", err)
		} else {
			direct = append(direct, ext)
		}
	}

	var relayV1 []RelayHint
	if len(cfg.RelayV1) > 0 {
		var hints []DirectHint
		for _, addr := range cfg.RelayV1 {
			host, port, err := splitHostPort(addr)
			if err != nil {
				continue
			}
			hints = append(hints, DirectHint{Hostname: host, Port: port})
		}
		relayV1 = append(relayV1, RelayHint{Type: "tcp", Hints: hints})
	}

	return Hints{
		Side:      wormcrypto.NewSide(8),
		Abilities: abilities,
		DirectV1:  direct,
		RelayV1:   relayV1,
	}, ln, nil
}

func (c Config) stunServer() string {
	if c.STUNServer != "" {
		return c.STUNServer
	}
	return defaultSTUNServer
}

// listen binds [::]:0 with SO_REUSEADDR/SO_REUSEPORT set, so a quick
// rebind after a prior candidate's listener closes doesn't race
// against TIME_WAIT.
func listen() (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr == nil {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", "[::]:0")
}

func localAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, ipnet.IP.String())
		}
	}
	return out
}

// stunExternalAddress performs an RFC 5389 binding request over TCP,
// per §6, dialing out from the same local port the listener is bound
// to (SO_REUSEPORT/SO_REUSEADDR) so the externally-mapped address it
// learns is the one that actually reaches the listening socket.
func stunExternalAddress(server string, localPort int) (DirectHint, error) {
	d := net.Dialer{
		Timeout:   5 * time.Second,
		LocalAddr: &net.TCPAddr{Port: localPort},
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr == nil {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := d.Dial("tcp", server)
	if err != nil {
		return DirectHint{}, err
	}
	defer conn.Close()

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return DirectHint{}, err
	}
	if _, err := conn.Write(msg.Raw); err != nil {
		return DirectHint{}, err
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return DirectHint{}, err
	}

	reply := &stun.Message{Raw: buf[:n]}
	if err := reply.Decode(); err != nil {
		return DirectHint{}, err
	}
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(reply); err != nil {
		return DirectHint{}, err
	}
	return DirectHint{Hostname: xorAddr.IP.String(), Port: xorAddr.Port}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
