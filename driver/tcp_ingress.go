package driver

import (
	"context"
	"log"
	"net"
	"time"

	"quicbridge/bufpool"
	"quicbridge/limiter"
	"quicbridge/session"
	"quicbridge/transport"
)

// TCPIngressDriver pulls accepted local TCP connections and pairs each one
// with a freshly opened QUIC stream, spawning a TCP Session to pump
// between them. When opening a stream fails, the driver stashes the
// unpaired connection in Pending and exits so the caller can rebuild the
// tunnel and start a fresh driver; the stashed connection is the first
// thing the next driver invocation consumes.
type TCPIngressDriver struct {
	Tunnel   *transport.Conn
	Accepted <-chan net.Conn
	Pending  *PendingSlot
	Timeout  time.Duration
	Pool     *bufpool.Pool
	Limiter  *limiter.SharedLimiter

	// Quit, if set, is the receiving side of a paired UDP ingress
	// driver's signal that the shared tunnel connection is down, so this
	// driver stops waiting on Accepted instead of blocking until its own
	// next stream-open attempt happens to fail. A nil channel blocks
	// forever in the select below, which is exactly the no-op behavior
	// an unpaired driver needs.
	Quit <-chan struct{}
}

// Run drives the outer loop until ctx is cancelled, the accepted channel
// closes, opening a tunnel stream fails, or Quit fires.
func (d *TCPIngressDriver) Run(ctx context.Context) {
	for {
		conn, ok := d.next(ctx)
		if !ok {
			return
		}

		stream, err := d.Tunnel.OpenBidi(ctx)
		if err != nil {
			log.Printf("tcp ingress: open stream failed, stashing connection: %v", err)
			d.Pending.Put(conn)
			return
		}

		sess := &session.TCPSession{
			Direction:  "ingress",
			TCPConn:    conn,
			QUICStream: stream,
			Timeout:    d.Timeout,
			Pool:       d.Pool,
			Limiter:    d.Limiter,
		}
		go sess.Run()
	}
}

// next returns the next local connection to pair, preferring one left
// over from a prior driver invocation's pending slot.
func (d *TCPIngressDriver) next(ctx context.Context) (net.Conn, bool) {
	if conn, ok := d.Pending.Take(); ok {
		return conn, true
	}
	select {
	case <-ctx.Done():
		return nil, false
	case <-d.Quit:
		return nil, false
	case conn, ok := <-d.Accepted:
		return conn, ok
	}
}
