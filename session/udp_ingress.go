package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"quicbridge/bufpool"
	"quicbridge/status"
	"quicbridge/transport"
	"quicbridge/wire"
)

// UDPIngressMap is the Session Map: a mapping from peer
// address to an owned, mutex-guarded QUIC send-half, with one spawned
// recv task per peer. Entries are inserted on first datagram from a new
// peer and removed when that peer's recv task exits.
type UDPIngressMap struct {
	tunnel       *transport.Conn
	timeout      time.Duration
	pool         *bufpool.Pool
	sharedSecret string
	deliver      func(peerAddr string, payload []byte)

	mu    sync.Mutex
	peers map[string]*udpPeerEntry

	// OnOpenFailure, if set, is called whenever opening a stream for a
	// peer fails — the ingress driver uses this to detect that the
	// tunnel connection itself is down and signal its paired TCP driver.
	OnOpenFailure func(peerAddr string, err error)
}

type udpPeerEntry struct {
	mu     sync.Mutex
	stream *quic.Stream
}

// NewUDPIngressMap builds an empty Session Map. deliver is called by each
// peer's recv task whenever a datagram arrives from the egress side that
// should be written back to that peer on the local UDP server.
// sharedSecret, if non-empty, encrypts the REQ_UDP_START peer-address
// payload on stream open.
func NewUDPIngressMap(tunnel *transport.Conn, timeout time.Duration, pool *bufpool.Pool, sharedSecret string, deliver func(peerAddr string, payload []byte)) *UDPIngressMap {
	return &UDPIngressMap{
		tunnel:       tunnel,
		timeout:      timeout,
		pool:         pool,
		sharedSecret: sharedSecret,
		deliver:      deliver,
		peers:        make(map[string]*udpPeerEntry),
	}
}

// Size returns the current number of live peer entries, for log lines.
func (m *UDPIngressMap) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// SendDatagram delivers one UDP datagram from peerAddr into the tunnel,
// opening a new QUIC stream for this peer if none exists yet. A failure
// is logged and swallowed: one lost datagram must not end the mapping.
func (m *UDPIngressMap) SendDatagram(ctx context.Context, peerAddr string, payload []byte) {
	entry, err := m.entryFor(ctx, peerAddr)
	if err != nil {
		log.Printf("udp ingress: open stream for peer %s: %v", peerAddr, err)
		if m.OnOpenFailure != nil {
			m.OnOpenFailure(peerAddr, err)
		}
		return
	}

	entry.mu.Lock()
	err = wire.SendRaw(entry.stream, payload)
	entry.mu.Unlock()
	if err != nil {
		log.Printf("udp ingress: send datagram for peer %s: %v", peerAddr, err)
	}
}

func (m *UDPIngressMap) entryFor(ctx context.Context, peerAddr string) (*udpPeerEntry, error) {
	m.mu.Lock()
	if e, ok := m.peers[peerAddr]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	stream, err := m.tunnel.OpenBidi(ctx)
	if err != nil {
		return nil, err
	}

	if m.sharedSecret != "" {
		err = wire.WriteReqUDPStartEncrypted(stream, peerAddr, m.sharedSecret)
	} else {
		err = wire.WriteReqUDPStart(stream, peerAddr)
	}
	if err != nil {
		_ = stream.Close()
		return nil, err
	}

	entry := &udpPeerEntry{stream: stream}

	m.mu.Lock()
	if existing, ok := m.peers[peerAddr]; ok {
		// Lost the race with a concurrent sender for the same peer; keep
		// the entry that's already installed and discard ours.
		m.mu.Unlock()
		_ = stream.Close()
		return existing, nil
	}
	m.peers[peerAddr] = entry
	size := len(m.peers)
	m.mu.Unlock()

	status.GlobalConnMonitorRef.IncUDPPeer()
	log.Printf("udp ingress: opened stream for peer %s stream=%d map_size=%d", peerAddr, stream.StreamID(), size)
	go m.recvLoop(peerAddr, entry)
	return entry, nil
}

func (m *UDPIngressMap) recvLoop(peerAddr string, entry *udpPeerEntry) {
	buf, release := m.pool.Get()
	defer release()

	for {
		if err := entry.stream.SetReadDeadline(time.Now().Add(m.timeout)); err != nil {
			break
		}
		n, err := wire.RecvRaw(entry.stream, buf)
		if err != nil {
			if !isTimeout(err) {
				log.Printf("udp ingress: recv loop for peer %s: %v", peerAddr, err)
			}
			break
		}
		m.deliver(peerAddr, buf[:n])
	}

	m.mu.Lock()
	removed := false
	if m.peers[peerAddr] == entry {
		delete(m.peers, peerAddr)
		removed = true
	}
	size := len(m.peers)
	m.mu.Unlock()

	if removed {
		status.GlobalConnMonitorRef.DecUDPPeer()
	}
	log.Printf("udp ingress: closed stream for peer %s map_size=%d", peerAddr, size)
}
