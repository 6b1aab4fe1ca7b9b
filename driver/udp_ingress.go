package driver

import (
	"context"
	"log"
	"sync"
	"time"

	"quicbridge/bufpool"
	"quicbridge/session"
	"quicbridge/transport"
)

// UDPIngressDriver reads datagrams off a local UDP server and relays each
// one through the tunnel via a Session Map, one QUIC stream per peer
// address. When the Session Map reports that opening a stream for some
// peer failed, the driver treats this as a sign the tunnel connection
// itself is down and signals Quit, if set, so a paired TCP ingress driver
// (sharing the same tunnel) knows to stop and rebuild it too.
type UDPIngressDriver struct {
	Tunnel       *transport.Conn
	Server       *LocalUDPServer
	Timeout      time.Duration
	Pool         *bufpool.Pool
	SharedSecret string
	Quit         chan<- struct{}
}

// Run drives the outer loop until ctx is cancelled, the local server's
// packet channel closes, or opening a stream for some peer fails.
func (d *UDPIngressDriver) Run(ctx context.Context) {
	quitOnce := make(chan struct{})
	var once sync.Once

	m := session.NewUDPIngressMap(d.Tunnel, d.Timeout, d.Pool, d.SharedSecret, d.Server.DeliverTo)
	m.OnOpenFailure = func(peerAddr string, err error) {
		once.Do(func() {
			close(quitOnce)
			if d.Quit != nil {
				select {
				case d.Quit <- struct{}{}:
				default:
				}
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-quitOnce:
			return
		case pkt, ok := <-d.Server.Packets():
			if !ok {
				return
			}
			m.SendDatagram(ctx, pkt.PeerAddr, pkt.Payload)
			log.Printf("udp ingress: relayed datagram peer=%s bytes=%d map_size=%d", pkt.PeerAddr, len(pkt.Payload), m.Size())
		}
	}
}
