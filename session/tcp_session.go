package session

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"quicbridge/bufpool"
	"quicbridge/limiter"
	"quicbridge/status"
)

// TCPSession owns one accepted local TCP connection paired with one QUIC
// bidi stream. Run spawns the two directional Byte Pump
// loops and blocks until both exit.
type TCPSession struct {
	Direction  string // "ingress" or "egress", for log lines
	TCPConn    net.Conn
	QUICStream *quic.Stream
	Timeout    time.Duration
	Pool       *bufpool.Pool
	Limiter    *limiter.SharedLimiter // optional bandwidth shaper, nil disables it
}

// Run executes the session to completion. It never returns early: both
// directional tasks are always given the chance to drain and exit
// naturally: no direction is explicitly cancelled.
func (s *TCPSession) Run() {
	epoch := &ActivityEpoch{}
	var quicToTCP, tcpToQUIC int64

	bufQ2T, releaseQ2T := s.Pool.Get()
	defer releaseQ2T()
	bufT2Q, releaseT2Q := s.Pool.Get()
	defer releaseT2Q()

	peer := "unknown"
	if s.TCPConn.RemoteAddr() != nil {
		peer = s.TCPConn.RemoteAddr().String()
	}
	streamIdx := s.QUICStream.StreamID()

	log.Printf("START tcp session dir=%s stream=%d peer=%s", s.Direction, streamIdx, peer)

	status.GlobalConnMonitorRef.IncTCPSession()
	defer status.GlobalConnMonitorRef.DecTCPSession()

	tcpConn := s.TCPConn
	if s.Limiter != nil {
		tcpConn = s.Limiter.WrapConn(tcpConn)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runDirection("quic to tcp", s.QUICStream, TCPSink{tcpConn}, bufQ2T, &quicToTCP, epoch, s.Timeout)
	}()
	go func() {
		defer wg.Done()
		runDirection("tcp to quic", tcpConn, QUICSink{s.QUICStream}, bufT2Q, &tcpToQUIC, epoch, s.Timeout)
	}()
	wg.Wait()

	log.Printf("END tcp session dir=%s stream=%d peer=%s quic_to_tcp=%d tcp_to_quic=%d",
		s.Direction, streamIdx, peer, quicToTCP, tcpToQUIC)
}
