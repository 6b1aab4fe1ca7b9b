package driver

import (
	"context"
	"time"

	"github.com/quic-go/quic-go"

	"quicbridge/bufpool"
	"quicbridge/session"
	"quicbridge/transport"
)

// UDPEgressDriver accepts inbound tunnel streams, each carrying one
// REQ_UDP_START control frame followed by raw datagram frames for one
// remote peer, and spawns a UDP Egress Session per stream to relay them
// to the configured upstream.
type UDPEgressDriver struct {
	Listener     *transport.Listener
	UpstreamAddr string
	Timeout      time.Duration
	Pool         *bufpool.Pool
	SharedSecret string
}

// Run blocks, serving the tunnel listener until ctx is cancelled or the
// listener fails to start.
func (d *UDPEgressDriver) Run(ctx context.Context) error {
	return d.Listener.Serve(ctx, func(stream *quic.Stream) {
		sess := &session.UDPEgressSession{
			Stream:       stream,
			UpstreamAddr: d.UpstreamAddr,
			Timeout:      d.Timeout,
			Pool:         d.Pool,
			SharedSecret: d.SharedSecret,
		}
		sess.Run()
	})
}
