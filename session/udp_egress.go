package session

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"quicbridge/bufpool"
	"quicbridge/wire"
)

// UDPEgressSession is the egress-side mirror of the UDP Session Map
// one instance per accepted QUIC
// stream, reading the REQ_UDP_START control frame to learn the peer
// address, then relaying datagrams between that stream and an ephemeral
// UDP socket connected to the upstream address.
type UDPEgressSession struct {
	Stream       *quic.Stream
	UpstreamAddr string
	Timeout      time.Duration
	Pool         *bufpool.Pool
	SharedSecret string
}

// Run blocks until both relay loops exit. The two loops share one QUIC
// stream and one UDP socket; the stream's send half is
// guarded by a mutex rather than cloned (QUIC send-halves aren't
// clonable), even though only the upstream-to-quic loop writes to it.
func (s *UDPEgressSession) Run() {
	peerAddr, err := wire.ReadReqUDPStart(s.Stream, s.SharedSecret)
	if err != nil {
		log.Printf("udp egress: read control frame: %v", err)
		return
	}

	upstream, err := net.Dial("udp", s.UpstreamAddr)
	if err != nil {
		log.Printf("udp egress: dial upstream %s for peer %s: %v", s.UpstreamAddr, peerAddr, err)
		return
	}
	defer upstream.Close()

	log.Printf("START udp egress session peer=%s upstream=%s", peerAddr, s.UpstreamAddr)

	var sendMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.pumpQUICToUpstream(peerAddr, upstream)
	}()
	go func() {
		defer wg.Done()
		s.pumpUpstreamToQUIC(peerAddr, upstream, &sendMu)
	}()

	wg.Wait()
	log.Printf("END udp egress session peer=%s upstream=%s", peerAddr, s.UpstreamAddr)
}

func (s *UDPEgressSession) pumpQUICToUpstream(peerAddr string, upstream net.Conn) {
	buf, release := s.Pool.Get()
	defer release()

	for {
		if err := s.Stream.SetReadDeadline(time.Now().Add(s.Timeout)); err != nil {
			return
		}
		n, err := wire.RecvRaw(s.Stream, buf)
		if err != nil {
			if !isTimeout(err) {
				log.Printf("udp egress: quic to upstream for peer %s: %v", peerAddr, err)
			}
			return
		}
		if _, err := upstream.Write(buf[:n]); err != nil {
			log.Printf("udp egress: write upstream for peer %s: %v", peerAddr, err)
			return
		}
	}
}

func (s *UDPEgressSession) pumpUpstreamToQUIC(peerAddr string, upstream net.Conn, sendMu *sync.Mutex) {
	buf, release := s.Pool.Get()
	defer release()

	for {
		if err := upstream.SetReadDeadline(time.Now().Add(s.Timeout)); err != nil {
			return
		}
		n, err := upstream.Read(buf)
		if err != nil {
			if !isTimeout(err) {
				log.Printf("udp egress: upstream to quic for peer %s: %v", peerAddr, err)
			}
			return
		}

		sendMu.Lock()
		err = wire.SendRaw(s.Stream, buf[:n])
		sendMu.Unlock()
		if err != nil {
			log.Printf("udp egress: write quic for peer %s: %v", peerAddr, err)
			return
		}
	}
}
