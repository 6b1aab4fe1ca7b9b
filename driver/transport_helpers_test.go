package driver

import (
	"strconv"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"quicbridge/transport"
)

func transportListener(t *testing.T, port int) *transport.Listener {
	t.Helper()
	return transport.NewListener("driver-test-far", port, "", testTLSConfig(), &quic.Config{MaxIdleTimeout: 2 * time.Second}, "")
}

func transportConn(t *testing.T, port int) *transport.Conn {
	t.Helper()
	return transport.NewConn("driver-test-near", "127.0.0.1:"+strconv.Itoa(port), clientTLSConfig(), &quic.Config{MaxIdleTimeout: 2 * time.Second}, "")
}

// transportConnToNowhere builds a dialing Conn pointed at a UDP port with
// nothing listening, so OpenBidi reliably fails once the 500ms handshake
// idle timeout passes without a reply.
func transportConnToNowhere(t *testing.T) *transport.Conn {
	t.Helper()
	return transport.NewConn("driver-test-near", "127.0.0.1:1", clientTLSConfig(), &quic.Config{MaxIdleTimeout: 2 * time.Second, HandshakeIdleTimeout: 500 * time.Millisecond}, "")
}
