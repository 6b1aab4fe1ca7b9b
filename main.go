package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/natefinch/lumberjack.v2"

	"quicbridge/api"
	"quicbridge/bufpool"
	"quicbridge/config"
	"quicbridge/driver"
	"quicbridge/limiter"
	"quicbridge/status"
	"quicbridge/transport"
	"quicbridge/utils"
)

func main() {
	configPath := flag.String("config", "scconfig.yml", "Path to bridge configuration YAML")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", *configPath, err)
	}
	setupLogging(cfg.GlobalLog)

	log.Printf("quicbridge starting with %d configured bridges", len(cfg.Bridges))

	var apiServers []*api.Server
	for _, b := range cfg.Bridges {
		if b.StatusPort == 0 {
			continue
		}
		srv := api.NewServer(cfg, net.JoinHostPort("127.0.0.1", itoa(b.StatusPort)))
		if err := srv.Start(); err != nil {
			log.Printf("bridge %s: failed to start status server: %v", b.Name, err)
			continue
		}
		apiServers = append(apiServers, srv)
	}

	byName := make(map[string]config.BridgeConfig, len(cfg.Bridges))
	for _, b := range cfg.Bridges {
		byName[b.Name] = b
	}

	ctx := context.Background()
	var done []chan struct{}
	handled := make(map[string]bool, len(cfg.Bridges))
	for _, b := range cfg.Bridges {
		if handled[b.Name] {
			continue
		}
		handled[b.Name] = true

		if peer, ok := pairedPeer(b, byName); ok {
			handled[peer.Name] = true
			tcpB, udpB := b, peer
			if tcpB.Protocol != config.ProtocolTCP {
				tcpB, udpB = udpB, tcpB
			}
			ch := make(chan struct{})
			done = append(done, ch)
			go func(tcpB, udpB config.BridgeConfig) {
				defer close(ch)
				runPairedIngressBridges(ctx, tcpB, udpB)
			}(tcpB, udpB)
			continue
		}

		ch := make(chan struct{})
		done = append(done, ch)
		go func(b config.BridgeConfig) {
			defer close(ch)
			runBridge(ctx, b)
		}(b)
	}

	for _, ch := range done {
		<-ch
	}
}

// pairedPeer resolves b.PairWith to the peer bridge it names, if both
// sides are ingress bridges of opposite protocols agreeing to pair. Any
// other configuration (missing peer, same protocol, egress bridge) is
// treated as unpaired.
func pairedPeer(b config.BridgeConfig, byName map[string]config.BridgeConfig) (config.BridgeConfig, bool) {
	if b.Role != config.RoleIngress || b.PairWith == "" {
		return config.BridgeConfig{}, false
	}
	peer, ok := byName[b.PairWith]
	if !ok || peer.Role != config.RoleIngress || peer.Protocol == b.Protocol {
		log.Printf("bridge %s: PairWith %q does not name a valid ingress peer of the opposite protocol, ignoring", b.Name, b.PairWith)
		return config.BridgeConfig{}, false
	}
	if peer.PairWith != b.Name {
		log.Printf("bridge %s: PairWith %q does not reciprocate, ignoring", b.Name, b.PairWith)
		return config.BridgeConfig{}, false
	}
	return peer, true
}

func setupLogging(lc *config.GlobalLogConfig) {
	if lc == nil || lc.Filename == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   lc.Filename,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
	})
}

// runBridge drives one configured, unpaired bridge. An ingress bridge
// rebuilds the tunnel and its driver whenever the driver exits (for
// example after a stream-open failure); an egress bridge runs its driver
// once, serving until ctx is cancelled.
func runBridge(ctx context.Context, b config.BridgeConfig) {
	pool := bufpool.NewSelector(b.GamingMode)
	var lim *limiter.SharedLimiter
	if b.BandwidthLimit > 0 {
		lim = limiter.NewSharedLimiter(int64(b.BandwidthLimit))
		status.GlobalConnMonitorRef.RegisterLimiter(b.Name, lim)
	}

	switch b.Role {
	case config.RoleIngress:
		runIngressBridge(ctx, b, pool, lim)
	case config.RoleEgress:
		runEgressBridge(ctx, b, pool, lim)
	default:
		log.Printf("bridge %s: unknown role %q", b.Name, b.Role)
	}
}

func runIngressBridge(ctx context.Context, b config.BridgeConfig, pool *bufpool.Selector, lim *limiter.SharedLimiter) {
	tunnel := transport.NewConn(b.Name, b.RemoteAddr, clientTLSConfig(), quicConfig(), b.InterfaceName)
	defer tunnel.Close()

	switch b.Protocol {
	case config.ProtocolTCP:
		ln, err := net.Listen("tcp", net.JoinHostPort(b.ListenAddress, itoa(b.ListenPort)))
		if err != nil {
			log.Fatalf("bridge %s: listen %s:%d: %v", b.Name, b.ListenAddress, b.ListenPort, err)
		}
		local := driver.NewLocalTCPServer(ln)
		pending := &driver.PendingSlot{}
		status.GlobalConnMonitorRef.RegisterPendingSlot(b.Name, pending)
		for {
			d := &driver.TCPIngressDriver{
				Tunnel:   tunnel,
				Accepted: local.Accepted(),
				Pending:  pending,
				Timeout:  b.TCPTimeout.Duration(),
				Pool:     pool.TCP,
				Limiter:  lim,
			}
			d.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Printf("bridge %s: tcp ingress driver exited, rebuilding tunnel", b.Name)
			tunnel.MarkDown()
		}

	case config.ProtocolUDP:
		pc, err := net.ListenPacket("udp", net.JoinHostPort(b.ListenAddress, itoa(b.ListenPort)))
		if err != nil {
			log.Fatalf("bridge %s: listen %s:%d: %v", b.Name, b.ListenAddress, b.ListenPort, err)
		}
		local := driver.NewLocalUDPServer(pc, pool.UDP)
		for {
			d := &driver.UDPIngressDriver{
				Tunnel:       tunnel,
				Server:       local,
				Timeout:      b.UDPTimeout.Duration(),
				Pool:         pool.UDP,
				SharedSecret: b.SharedSecret,
			}
			d.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Printf("bridge %s: udp ingress driver exited, rebuilding tunnel", b.Name)
			tunnel.MarkDown()
		}
	}
}

// runPairedIngressBridges drives a TCP and a UDP ingress bridge that
// share one tunnel connection (tcpB.PairWith == udpB.Name and vice
// versa). The UDP driver's Quit channel is wired to the TCP driver so it
// stops waiting on its accept channel as soon as the UDP side observes
// the shared tunnel is down, rather than only noticing on its own next
// stream-open attempt; the reverse also holds via a shared per-iteration
// context, so either driver exiting rebuilds the tunnel for both.
func runPairedIngressBridges(ctx context.Context, tcpB, udpB config.BridgeConfig) {
	tunnel := transport.NewConn(tcpB.Name+"+"+udpB.Name, tcpB.RemoteAddr, clientTLSConfig(), quicConfig(), tcpB.InterfaceName)
	defer tunnel.Close()

	tcpPool := bufpool.NewSelector(tcpB.GamingMode)
	udpPool := bufpool.NewSelector(udpB.GamingMode)

	var tcpLim, udpLim *limiter.SharedLimiter
	if tcpB.BandwidthLimit > 0 {
		tcpLim = limiter.NewSharedLimiter(int64(tcpB.BandwidthLimit))
		status.GlobalConnMonitorRef.RegisterLimiter(tcpB.Name, tcpLim)
	}
	if udpB.BandwidthLimit > 0 {
		udpLim = limiter.NewSharedLimiter(int64(udpB.BandwidthLimit))
		status.GlobalConnMonitorRef.RegisterLimiter(udpB.Name, udpLim)
	}

	tcpLn, err := net.Listen("tcp", net.JoinHostPort(tcpB.ListenAddress, itoa(tcpB.ListenPort)))
	if err != nil {
		log.Fatalf("bridge %s: listen %s:%d: %v", tcpB.Name, tcpB.ListenAddress, tcpB.ListenPort, err)
	}
	tcpLocal := driver.NewLocalTCPServer(tcpLn)
	pending := &driver.PendingSlot{}
	status.GlobalConnMonitorRef.RegisterPendingSlot(tcpB.Name, pending)

	udpPC, err := net.ListenPacket("udp", net.JoinHostPort(udpB.ListenAddress, itoa(udpB.ListenPort)))
	if err != nil {
		log.Fatalf("bridge %s: listen %s:%d: %v", udpB.Name, udpB.ListenAddress, udpB.ListenPort, err)
	}
	udpLocal := driver.NewLocalUDPServer(udpPC, udpPool.UDP)

	for {
		iterCtx, cancel := context.WithCancel(ctx)
		quit := make(chan struct{}, 1)

		tcpDriver := &driver.TCPIngressDriver{
			Tunnel:   tunnel,
			Accepted: tcpLocal.Accepted(),
			Pending:  pending,
			Timeout:  tcpB.TCPTimeout.Duration(),
			Pool:     tcpPool.TCP,
			Limiter:  tcpLim,
			Quit:     quit,
		}
		udpDriver := &driver.UDPIngressDriver{
			Tunnel:       tunnel,
			Server:       udpLocal,
			Timeout:      udpB.UDPTimeout.Duration(),
			Pool:         udpPool.UDP,
			SharedSecret: udpB.SharedSecret,
			Quit:         quit,
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tcpDriver.Run(iterCtx)
			cancel()
		}()
		go func() {
			defer wg.Done()
			udpDriver.Run(iterCtx)
			cancel()
		}()
		wg.Wait()
		cancel()

		if ctx.Err() != nil {
			return
		}
		log.Printf("bridge %s+%s: paired ingress drivers exited, rebuilding shared tunnel", tcpB.Name, udpB.Name)
		tunnel.MarkDown()
	}
}

func runEgressBridge(ctx context.Context, b config.BridgeConfig, pool *bufpool.Selector, lim *limiter.SharedLimiter) {
	ln := transport.NewListener(b.Name, b.ListenPort, b.RemoteAddr, serverTLSConfig(), quicConfig(), b.InterfaceName)

	switch b.Protocol {
	case config.ProtocolTCP:
		d := &driver.TCPEgressDriver{
			Listener:     ln,
			UpstreamAddr: b.UpstreamAddr,
			Timeout:      b.TCPTimeout.Duration(),
			Pool:         pool.TCP,
			Limiter:      lim,
		}
		if err := d.Run(ctx); err != nil {
			log.Fatalf("bridge %s: egress driver failed: %v", b.Name, err)
		}

	case config.ProtocolUDP:
		d := &driver.UDPEgressDriver{
			Listener:     ln,
			UpstreamAddr: b.UpstreamAddr,
			Timeout:      b.UDPTimeout.Duration(),
			Pool:         pool.UDP,
			SharedSecret: b.SharedSecret,
		}
		if err := d.Run(ctx); err != nil {
			log.Fatalf("bridge %s: egress driver failed: %v", b.Name, err)
		}
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       30 * time.Second,
		HandshakeIdleTimeout: 10 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // for prototype
		NextProtos:         []string{"quicbridge"},
	}
}

func serverTLSConfig() *tls.Config {
	cert := utils.GenerateSelfSignedCert()
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quicbridge"},
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
