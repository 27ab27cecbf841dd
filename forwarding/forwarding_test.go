package forwarding_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"wormhole.dev/core/forwarding"
	"wormhole.dev/core/transit"
)

func TestClientForwardsToServerTarget(t *testing.T) {
	serverTr, clientTr := transit.NewTestPipe()

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	srv := forwarding.NewServer(serverTr, []string{echoLn.Addr().String()})
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Serve() }()

	cl := forwarding.NewClient(clientTr)
	offer, err := cl.ReceiveOffer()
	require.NoError(t, err)
	require.Equal(t, []string{echoLn.Addr().String()}, offer.Addresses)

	clientRunDone := make(chan error, 1)
	go func() { clientRunDone <- cl.Run() }()

	localLn, err := cl.Listen("127.0.0.1:0", echoLn.Addr().String())
	require.NoError(t, err)
	defer localLn.Close()

	conn, err := net.Dial("tcp", localLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ping\n", line)
}
