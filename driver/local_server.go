package driver

import (
	"log"
	"net"

	"quicbridge/bufpool"
)

// LocalTCPServer is the local TCP server collaborator: it
// accepts client connections and hands them to the ingress driver through
// a channel. One server outlives many driver invocations, so accepted
// connections queue up across a tunnel reconnect instead of being lost.
type LocalTCPServer struct {
	ln       net.Listener
	accepted chan net.Conn
}

// NewLocalTCPServer starts accepting on ln in the background.
func NewLocalTCPServer(ln net.Listener) *LocalTCPServer {
	s := &LocalTCPServer{ln: ln, accepted: make(chan net.Conn, 64)}
	go s.acceptLoop()
	return s
}

func (s *LocalTCPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			log.Printf("local tcp server: accept loop exiting: %v", err)
			close(s.accepted)
			return
		}
		s.accepted <- conn
	}
}

// Accepted yields each accepted connection exactly once. It is closed
// when the underlying listener is closed or fails.
func (s *LocalTCPServer) Accepted() <-chan net.Conn { return s.accepted }

// Close stops accepting new connections.
func (s *LocalTCPServer) Close() error { return s.ln.Close() }

// UDPPacket is one received datagram: the peer it came from
// and its payload.
type UDPPacket struct {
	PeerAddr string
	Payload  []byte
}

// LocalUDPServer is the local UDP server collaborator: it reads datagrams
// from one bound socket, yielding (peer, payload) pairs to the ingress
// driver, and lets the driver write payloads back out to a given peer.
type LocalUDPServer struct {
	pc      net.PacketConn
	pool    *bufpool.Pool
	packets chan UDPPacket
}

// NewLocalUDPServer starts receiving on pc in the background, drawing
// receive buffers from pool.
func NewLocalUDPServer(pc net.PacketConn, pool *bufpool.Pool) *LocalUDPServer {
	s := &LocalUDPServer{pc: pc, pool: pool, packets: make(chan UDPPacket, 64)}
	go s.recvLoop()
	return s
}

func (s *LocalUDPServer) recvLoop() {
	for {
		buf, release := s.pool.Get()
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			release()
			log.Printf("local udp server: recv loop exiting: %v", err)
			close(s.packets)
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		release()
		s.packets <- UDPPacket{PeerAddr: addr.String(), Payload: payload}
	}
}

// Packets yields each received datagram exactly once. It is closed when
// the underlying socket is closed or fails.
func (s *LocalUDPServer) Packets() <-chan UDPPacket { return s.packets }

// DeliverTo writes payload back out to peerAddr on the bound socket. This
// is the callback a UDP Session Map uses to return egress replies to the
// originating local peer.
func (s *LocalUDPServer) DeliverTo(peerAddr string, payload []byte) {
	addr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		log.Printf("local udp server: resolve peer %s: %v", peerAddr, err)
		return
	}
	if _, err := s.pc.WriteTo(payload, addr); err != nil {
		log.Printf("local udp server: write to peer %s: %v", peerAddr, err)
	}
}

// Close stops receiving new datagrams.
func (s *LocalUDPServer) Close() error { return s.pc.Close() }
