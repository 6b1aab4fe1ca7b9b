package driver

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"quicbridge/bufpool"
	"quicbridge/limiter"
	"quicbridge/session"
	"quicbridge/transport"
)

// TCPEgressDriver accepts inbound tunnel streams and dials the configured
// upstream for each one, spawning a TCP Session to pump between the
// stream and the dialed connection.
type TCPEgressDriver struct {
	Listener     *transport.Listener
	UpstreamAddr string
	Timeout      time.Duration
	Pool         *bufpool.Pool
	Limiter      *limiter.SharedLimiter
}

// Run blocks, serving the tunnel listener until ctx is cancelled or the
// listener fails to start.
func (d *TCPEgressDriver) Run(ctx context.Context) error {
	return d.Listener.Serve(ctx, func(stream *quic.Stream) {
		upstream, err := net.DialTimeout("tcp", d.UpstreamAddr, d.Timeout)
		if err != nil {
			log.Printf("tcp egress: dial upstream %s: %v", d.UpstreamAddr, err)
			_ = stream.Close()
			return
		}

		sess := &session.TCPSession{
			Direction:  "egress",
			TCPConn:    upstream,
			QUICStream: stream,
			Timeout:    d.Timeout,
			Pool:       d.Pool,
			Limiter:    d.Limiter,
		}
		sess.Run()
	})
}
