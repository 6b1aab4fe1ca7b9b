package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"quicbridge/config"
)

const VERSION = "0.0.1"

func main() {
	log.Printf("quicload version %s starting...", VERSION)
	configPath := flag.String("config", "scconfig.yml", "Path to bridge configuration YAML")
	mode := flag.String("mode", "test", "Mode: test or listen")
	seconds := flag.Int("seconds", 10, "Duration of each bridge's throughput test")
	flag.Parse()

	bridgeConfig, configErr := config.LoadConfig(*configPath)
	if configErr != nil {
		log.Fatalf("failed to load config: %v", configErr)
	}
	log.Printf("loaded %d configured bridges", len(bridgeConfig.Bridges))

	tester := NewRateTester(bridgeConfig, time.Duration(*seconds)*time.Second)
	switch *mode {
	case "test":
		log.Printf("starting throughput test...")
		tester.Run()
	case "listen":
		log.Printf("starting draining responder...")
		tester.RunListen()
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

// RateTester drives a raw throughput test against each configured ingress
// bridge's local listen port, exercising the full tunnel path end to end
// the way an operator would sanity-check a deployed bridge.
type RateTester struct {
	cfg      *config.QuicBridgeConfig
	duration time.Duration
}

func NewRateTester(cfg *config.QuicBridgeConfig, duration time.Duration) *RateTester {
	return &RateTester{cfg: cfg, duration: duration}
}

func (rt *RateTester) Run() {
	for _, b := range rt.cfg.Bridges {
		if b.Role != config.RoleIngress || b.Protocol != config.ProtocolTCP {
			continue
		}
		rt.testBridge(b)
	}
	log.Println("quicload: finished all tests.")
}

// RunListen listens on TCP port 5555 and drains whatever it receives,
// standing in for the upstream service an egress bridge would otherwise
// forward to.
func (rt *RateTester) RunListen() {
	ln, err := net.Listen("tcp", ":5555")
	if err != nil {
		log.Fatalf("responder failed to listen on :5555: %v", err)
	}
	defer ln.Close()
	log.Printf("responder listening on :5555")
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept error: %v", err)
			continue
		}
		log.Printf("accepted connection from %s", conn.RemoteAddr())
		go drain(conn)
	}
}

func drain(c net.Conn) {
	defer c.Close()
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			if err != io.EOF {
				log.Printf("read error: %v", err)
			}
			return
		}
	}
}

// testBridge dials an ingress bridge's local listen port directly (the
// tunnel forwards raw TCP, not a SOCKS proxy) and writes random bytes for
// the configured duration, reporting the achieved throughput.
func (rt *RateTester) testBridge(b config.BridgeConfig) {
	addr := net.JoinHostPort(b.ListenAddress, itoa(b.ListenPort))
	log.Printf("testing bridge %s at %s", b.Name, addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Printf("failed to connect to bridge %s: %v", b.Name, err)
		return
	}
	defer conn.Close()

	log.Printf("bridge %s: starting %v throughput test...", b.Name, rt.duration)

	end := time.Now().Add(rt.duration)
	total := 0
	buf := make([]byte, 4096)
	rand.Read(buf)
	for time.Now().Before(end) {
		n, err := conn.Write(buf)
		if err != nil {
			log.Printf("write error during test: %v", err)
			break
		}
		total += n
	}

	secs := rt.duration.Seconds()
	mbps := float64(total) * 8 / (1024 * 1024) / secs
	log.Printf("bridge %s: sent %d bytes in %v (%.2f mbps)", b.Name, total, rt.duration, mbps)
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
