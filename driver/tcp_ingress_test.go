package driver

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"quicbridge/bufpool"
	"quicbridge/utils"
)

func testTLSConfig() *tls.Config {
	cert := utils.GenerateSelfSignedCert()
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quicbridge-driver-test"},
	}
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"quicbridge-driver-test"},
	}
}

// TestTCPIngressDriverPairsAcceptedConnection verifies the common path:
// an accepted local connection is paired with a freshly opened stream and
// a session pumps data across it.
func TestTCPIngressDriverPairsAcceptedConnection(t *testing.T) {
	port := 31000 + (int(time.Now().UnixNano()) % 3000)
	ln := transportListener(t, port)
	tunnel := transportConn(t, port)
	defer tunnel.Close()

	streams := make(chan *quic.Stream, 1)
	go ln.Serve(context.Background(), func(s *quic.Stream) { streams <- s })

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	accepted := make(chan net.Conn, 1)
	accepted <- serverConn

	d := &TCPIngressDriver{
		Tunnel:   tunnel,
		Accepted: accepted,
		Pending:  &PendingSlot{},
		Timeout:  2 * time.Second,
		Pool:     bufpool.New(bufpool.DefaultTCPBufferSize),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// The far side only learns of the stream once the session sends data
	// on it, so write before waiting for the accepted stream.
	msg := []byte("pairing works")
	if _, err := clientConn.Write(msg); err != nil {
		t.Fatalf("write to local conn: %v", err)
	}

	var egressStream *quic.Stream
	select {
	case egressStream = <-streams:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tunnel stream")
	}

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(egressStream, got); err != nil {
		t.Fatalf("read from stream: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

// TestTCPIngressDriverStashesOnOpenFailure verifies that when the tunnel
// cannot open a stream, the accepted connection is preserved in the
// pending slot rather than dropped, so a subsequent driver invocation can
// pick it up across a reconnect.
func TestTCPIngressDriverStashesOnOpenFailure(t *testing.T) {
	// A Conn pointed at a closed port will fail to dial/open.
	badTunnel := transportConnToNowhere(t)
	defer badTunnel.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	accepted := make(chan net.Conn, 1)
	accepted <- serverConn

	pending := &PendingSlot{}
	d := &TCPIngressDriver{
		Tunnel:   badTunnel,
		Accepted: accepted,
		Pending:  pending,
		Timeout:  2 * time.Second,
		Pool:     bufpool.New(bufpool.DefaultTCPBufferSize),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.Run(ctx)

	stashed, ok := pending.Take()
	if !ok {
		t.Fatal("expected connection to be stashed in pending slot")
	}
	if stashed != serverConn {
		t.Fatal("stashed connection is not the one that was accepted")
	}
}
