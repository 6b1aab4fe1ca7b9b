package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"quicbridge/config"
	"quicbridge/status"
)

// Server is a small HTTP API server reporting the configured bridges and
// their live status.
type Server struct {
	cfg        *config.QuicBridgeConfig
	listenAddr string
	httpSrv    *http.Server
	ln         net.Listener
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.QuicBridgeConfig, listenAddr string) *Server {
	return &Server{cfg: cfg, listenAddr: listenAddr}
}

// Start begins listening and serving. It returns after the server has started or an error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/bridges", s.handleBridges)
	mux.HandleFunc("/api/v1/status", s.handleStatus)

	h := &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
	}
	s.httpSrv = h

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	useTLS := s.cfg.API != nil && s.cfg.API.TLSCert != "" && s.cfg.API.TLSKey != ""

	go func() {
		var err error
		if useTLS {
			log.Printf("api: starting HTTPS server on %s", s.listenAddr)
			err = h.ServeTLS(ln, s.cfg.API.TLSCert, s.cfg.API.TLSKey)
		} else {
			log.Printf("api: starting HTTP server on %s", s.listenAddr)
			err = h.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("api: http server error: %v", err)
		}
	}()

	return nil
}

// Stop attempts a graceful shutdown with a 5s timeout.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// bridgeDTO is the JSON shape returned for each configured bridge.
type bridgeDTO struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Protocol string `json:"protocol"`
	ID       int    `json:"id"`
}

// statusDTO is the JSON shape returned for one bridge's live status.
type statusDTO struct {
	BridgeName           string  `json:"bridge_name"`
	ActiveTCPSessions    int64   `json:"active_tcp_sessions"`
	ActiveUDPPeers       int64   `json:"active_udp_peers"`
	MaxRateBitsPerSec    int64   `json:"max_rate_bps"`
	ActiveRateBitsPerSec float64 `json:"active_rate_bps"`
	LastAliveMin         int64   `json:"last_alive_min"`
	LastPingMs           int64   `json:"last_ping_ms"`
	Alive                bool    `json:"alive"`
	PendingSlotOccupied  bool    `json:"pending_slot_occupied"`
}

func (s *Server) handleBridges(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	list := make([]bridgeDTO, 0, len(s.cfg.Bridges))
	for i, b := range s.cfg.Bridges {
		list = append(list, bridgeDTO{Name: b.Name, Role: string(b.Role), Protocol: string(b.Protocol), ID: i})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		log.Printf("api: encode error: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	list := make([]statusDTO, 0, len(s.cfg.Bridges))

	for _, b := range s.cfg.Bridges {
		maxRateBps := int64(b.BandwidthLimit) * 8 // bytes/sec -> bits/sec

		activeRateBps := 0.0
		if l, ok := status.GlobalConnMonitorRef.GetLimiter(b.Name); ok {
			activeRateBps = float64(l.GetActiveRate()) * 8.0
		}

		lastAliveMs := status.GlobalConnMonitorRef.GetLastAliveMs(b.Name)
		if lastAliveMs >= 0 {
			lastAliveMs = lastAliveMs / 60000 // convert to minutes
		}

		list = append(list, statusDTO{
			BridgeName:           b.Name,
			MaxRateBitsPerSec:    maxRateBps,
			ActiveRateBitsPerSec: activeRateBps,
			Alive:                status.GlobalConnMonitorRef.GetStatus(b.Name),
			LastAliveMin:         lastAliveMs,
			LastPingMs:           status.GlobalConnMonitorRef.GetPing(b.Name),
			ActiveTCPSessions:    status.GlobalConnMonitorRef.ActiveTCPSessions(),
			ActiveUDPPeers:       status.GlobalConnMonitorRef.ActiveUDPPeers(),
			PendingSlotOccupied:  status.GlobalConnMonitorRef.PendingSlotOccupied(b.Name),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		log.Printf("api: encode error: %v", err)
	}
}
