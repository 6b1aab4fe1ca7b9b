// Package transport owns the Tunnel Connection: the single
// long-lived QUIC connection a bridge dials or accepts, reconnected on
// demand on the dialing side, with bidirectional streams opened or
// accepted on top of it and close reasons classified for the driver layer.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
)

// CloseReason classifies why a Tunnel Connection stopped working, per
// an idle timeout is benign and worth a silent reconnect, an
// application close is an intentional peer shutdown, and anything else is
// unexpected and worth logging loudly.
type CloseReason int

const (
	CloseUnknown CloseReason = iota
	CloseTimedOut
	CloseApplicationClosed
	CloseOther
)

func (r CloseReason) String() string {
	switch r {
	case CloseTimedOut:
		return "timed-out"
	case CloseApplicationClosed:
		return "application-closed"
	case CloseOther:
		return "other"
	default:
		return "unknown"
	}
}

// ClassifyClose inspects an error returned from a QUIC operation (stream
// open/accept, read, write) and classifies the underlying connection
// close, following the *quic.IdleTimeoutError / *quic.ApplicationError
// split cloudflared's tunnel.go uses to decide whether a failure is worth
// retrying silently.
func ClassifyClose(err error) CloseReason {
	if err == nil {
		return CloseUnknown
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return CloseTimedOut
	}
	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(err, &handshakeErr) {
		return CloseTimedOut
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return CloseApplicationClosed
	}
	return CloseOther
}

// Conn is the dialing side of a Tunnel Connection: it owns a single
// long-lived *quic.Conn, reconnecting transparently whenever a stream
// open fails. Safe for concurrent use.
type Conn struct {
	remoteAddr    string
	bridgeName    string
	interfaceName string
	tlsCfg        *tls.Config
	quicCfg       *quic.Config

	mu    sync.Mutex
	qconn *quic.Conn
	pconn net.PacketConn
	down  bool
}

// NewConn builds a dialing Tunnel Connection. remoteAddr is a host:port
// string; interfaceName, if non-empty, binds the dial socket to that
// network interface via SO_BINDTODEVICE (Linux only).
func NewConn(bridgeName, remoteAddr string, tlsCfg *tls.Config, quicCfg *quic.Config, interfaceName string) *Conn {
	return &Conn{
		bridgeName:    bridgeName,
		remoteAddr:    remoteAddr,
		tlsCfg:        tlsCfg,
		quicCfg:       quicCfg,
		interfaceName: interfaceName,
		down:          true,
	}
}

func listenPacketOnInterface(ctx context.Context, network, ifname string) (net.PacketConn, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("binding to interface %q requires linux", ifname)
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptString(int(fd), syscall.SOL_SOCKET, syscall.SO_BINDTODEVICE, ifname)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(ctx, network, "0.0.0.0:0")
}

// ensure dials a fresh QUIC connection if the current one is down: tear
// down any stale connection and packet conn first, then dial, optionally
// through an interface-bound socket.
func (c *Conn) ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.qconn != nil && !c.down {
		return nil
	}
	if c.qconn != nil {
		_ = c.qconn.CloseWithError(0, "reconnecting")
		c.qconn = nil
	}
	if c.pconn != nil {
		_ = c.pconn.Close()
		c.pconn = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if c.interfaceName != "" {
		pc, err := listenPacketOnInterface(dialCtx, "udp", c.interfaceName)
		if err != nil {
			return fmt.Errorf("bind to interface %q: %w", c.interfaceName, err)
		}
		udpAddr, err := net.ResolveUDPAddr("udp", c.remoteAddr)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("resolve %s: %w", c.remoteAddr, err)
		}
		qc, err := quic.Dial(dialCtx, pc, udpAddr, c.tlsCfg, c.quicCfg)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("dial QUIC %s via interface %s: %w", c.remoteAddr, c.interfaceName, err)
		}
		c.pconn = pc
		c.qconn = qc
		c.down = false
		log.Printf("tunnel %s: connected to %s via interface %s", c.bridgeName, c.remoteAddr, c.interfaceName)
		return nil
	}

	qc, err := quic.DialAddr(dialCtx, c.remoteAddr, c.tlsCfg, c.quicCfg)
	if err != nil {
		return fmt.Errorf("dial QUIC %s: %w", c.remoteAddr, err)
	}
	c.qconn = qc
	c.down = false
	log.Printf("tunnel %s: connected to %s", c.bridgeName, c.remoteAddr)
	return nil
}

// MarkDown forces the next OpenBidi to redial rather than reuse the
// current connection. Callers invoke this once they've observed a stream
// operation fail against the current connection.
func (c *Conn) MarkDown() {
	c.mu.Lock()
	c.down = true
	c.mu.Unlock()
}

// OpenBidi opens a bidirectional stream on the tunnel, reconnecting once
// if the current connection is stale. The returned *quic.Stream is both
// the send half and the receive half — quic-go, unlike the split
// SendStream/RecvStream pair this component's wire protocol was modeled
// after, hands back one object satisfying both io.Reader and io.Writer.
func (c *Conn) OpenBidi(ctx context.Context) (*quic.Stream, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	qconn := c.qconn
	c.mu.Unlock()
	if qconn == nil {
		return nil, errors.New("tunnel connection is nil")
	}

	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		stream, err := qconn.OpenStreamSync(openCtx)
		cancel()
		if err == nil {
			return stream, nil
		}
		lastErr = err
		log.Printf("tunnel %s: OpenStreamSync failed (attempt %d/%d): %v", c.bridgeName, attempt, maxAttempts, err)
		c.MarkDown()
		if attempt == maxAttempts {
			break
		}
		if err := c.ensure(ctx); err != nil {
			return nil, fmt.Errorf("reconnect failed: %w", err)
		}
		c.mu.Lock()
		qconn = c.qconn
		c.mu.Unlock()
		if qconn == nil {
			return nil, errors.New("tunnel connection is nil after reconnect")
		}
	}
	return nil, fmt.Errorf("failed to open stream after %d attempts: %w", maxAttempts, lastErr)
}

// Close tears down the dialing connection and its packet conn, if any.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.qconn != nil {
		err = c.qconn.CloseWithError(0, "closing")
		c.qconn = nil
	}
	if c.pconn != nil {
		_ = c.pconn.Close()
		c.pconn = nil
	}
	return err
}

// Listener is the accepting side of a Tunnel Connection: it listens for
// inbound QUIC connections and hands each accepted bidirectional stream to
// a callback.
type Listener struct {
	bridgeName    string
	listenPort    int
	expectRemote  string
	interfaceName string
	tlsCfg        *tls.Config
	quicCfg       *quic.Config
}

// NewListener builds an accepting Tunnel Connection. expectRemote, if
// non-empty, rejects inbound connections from any other remote host.
func NewListener(bridgeName string, listenPort int, expectRemote string, tlsCfg *tls.Config, quicCfg *quic.Config, interfaceName string) *Listener {
	return &Listener{
		bridgeName:    bridgeName,
		listenPort:    listenPort,
		expectRemote:  expectRemote,
		tlsCfg:        tlsCfg,
		quicCfg:       quicCfg,
		interfaceName: interfaceName,
	}
}

func (l *Listener) listenPacket(ctx context.Context) (net.PacketConn, error) {
	addr := fmt.Sprintf(":%d", l.listenPort)
	if l.interfaceName == "" {
		return net.ListenPacket("udp", addr)
	}
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("binding to interface %q requires linux", l.interfaceName)
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptString(int(fd), syscall.SOL_SOCKET, syscall.SO_BINDTODEVICE, l.interfaceName)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(ctx, "udp", addr)
}

// Serve blocks, accepting QUIC connections and, per connection, accepting
// bidirectional streams and handing each to handleStream on its own
// goroutine. It returns nil once ctx is cancelled, or an error if the
// underlying listener fails to start.
func (l *Listener) Serve(ctx context.Context, handleStream func(*quic.Stream)) error {
	pc, err := l.listenPacket(ctx)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", l.listenPort, err)
	}
	ln, err := quic.Listen(pc, l.tlsCfg, l.quicCfg)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("listen QUIC on port %d: %w", l.listenPort, err)
	}
	log.Printf("tunnel %s: listening on :%d", l.bridgeName, l.listenPort)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = ln.Close()
				_ = pc.Close()
				return nil
			}
			log.Printf("tunnel %s: accept error: %v", l.bridgeName, err)
			continue
		}
		remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if l.expectRemote != "" && remoteHost != l.expectRemote {
			log.Printf("tunnel %s: rejecting connection from unexpected address %s (expected %s)", l.bridgeName, remoteHost, l.expectRemote)
			_ = conn.CloseWithError(0, "unexpected address")
			continue
		}
		go l.acceptStreams(ctx, conn, handleStream)
	}
}

func (l *Listener) acceptStreams(ctx context.Context, conn *quic.Conn, handleStream func(*quic.Stream)) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			reason := ClassifyClose(err)
			if reason == CloseTimedOut {
				log.Printf("tunnel %s: connection from %s idled out", l.bridgeName, conn.RemoteAddr())
			} else {
				log.Printf("tunnel %s: AcceptStream closed (%s): %v", l.bridgeName, reason, err)
			}
			return
		}
		go handleStream(stream)
	}
}
