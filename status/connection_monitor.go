package status

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"quicbridge/limiter"
)

// ConnectionMonitor tracks active tunnel activity for status reporting and
// periodic debug logging.
type ConnectionMonitor struct {
	activeTCPSessions atomic.Int64
	totalTCPSessions  atomic.Int64
	activeUDPPeers    atomic.Int64
	totalUDPPeers     atomic.Int64

	limiterMap sync.Map // bridge name -> *limiter.SharedLimiter
	statusMap  sync.Map // bridge name -> time.Time of last heartbeat
	pingMap    sync.Map // bridge name -> round-trip ms
	streamMap  sync.Map // bridge name -> int64 live stream count
	pendingMap sync.Map // bridge name -> pendingSlot
}

// pendingSlot is the subset of driver.PendingSlot the monitor needs to
// report occupancy without importing the driver package.
type pendingSlot interface {
	Occupied() bool
}

// RegisterPendingSlot associates a TCP ingress driver's pending slot with
// a bridge name, so PendingSlotOccupied can report whether a local
// connection is currently stranded waiting for the tunnel to come back.
func (cm *ConnectionMonitor) RegisterPendingSlot(name string, slot pendingSlot) {
	cm.pendingMap.Store(name, slot)
}

// PendingSlotOccupied reports whether the named bridge's pending slot
// currently holds a connection. Bridges with no pending slot (UDP
// ingress, any egress bridge) always report false.
func (cm *ConnectionMonitor) PendingSlotOccupied(name string) bool {
	v, ok := cm.pendingMap.Load(name)
	if !ok {
		return false
	}
	return v.(pendingSlot).Occupied()
}

var GlobalConnMonitorRef = &ConnectionMonitor{}

func (cm *ConnectionMonitor) RegisterLimiter(name string, l *limiter.SharedLimiter) {
	cm.limiterMap.Store(name, l)
}

func (cm *ConnectionMonitor) GetLimiter(name string) (*limiter.SharedLimiter, bool) {
	v, ok := cm.limiterMap.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*limiter.SharedLimiter), true
}

func (cm *ConnectionMonitor) RegisterPing(name string, ping int64) {
	cm.statusMap.Store(name, time.Now())
	cm.pingMap.Store(name, ping)
}

func (cm *ConnectionMonitor) AddStream(bridgeName string) {
	pval, _ := cm.streamMap.LoadOrStore(bridgeName, int64(0))
	cm.streamMap.Store(bridgeName, pval.(int64)+1)
}

func (cm *ConnectionMonitor) RemoveStream(bridgeName string) {
	pval, _ := cm.streamMap.LoadOrStore(bridgeName, int64(0))
	cm.streamMap.Store(bridgeName, pval.(int64)-1)
}

func (cm *ConnectionMonitor) ResetStreamCount(bridgeName string) {
	cm.streamMap.Store(bridgeName, int64(0))
}

func (cm *ConnectionMonitor) GetStreamCount(bridgeName string) int64 {
	pval, ok := cm.streamMap.Load(bridgeName)
	if !ok {
		return 0
	}
	return pval.(int64)
}

func (cm *ConnectionMonitor) GetStatus(name string) bool {
	lastStatusTime, ok := cm.statusMap.Load(name)
	if !ok {
		return false
	}
	return time.Since(lastStatusTime.(time.Time)) < 20*time.Second
}

func (cm *ConnectionMonitor) GetLastAliveMs(name string) int64 {
	lastStatusTime, exists := cm.statusMap.Load(name)
	if !exists {
		return -1
	}
	return time.Since(lastStatusTime.(time.Time)).Milliseconds()
}

func (cm *ConnectionMonitor) GetPing(name string) int64 {
	ping, exists := cm.pingMap.Load(name)
	if !exists {
		return -1
	}
	return ping.(int64)
}

// IncTCPSession records one TCP Session starting.
func (cm *ConnectionMonitor) IncTCPSession() {
	cm.activeTCPSessions.Add(1)
	cm.totalTCPSessions.Add(1)
}

// DecTCPSession records one TCP Session ending.
func (cm *ConnectionMonitor) DecTCPSession() {
	cm.activeTCPSessions.Add(-1)
}

// IncUDPPeer records one peer entry being inserted into a Session Map.
func (cm *ConnectionMonitor) IncUDPPeer() {
	cm.activeUDPPeers.Add(1)
	cm.totalUDPPeers.Add(1)
}

// DecUDPPeer records one peer entry being removed from a Session Map.
func (cm *ConnectionMonitor) DecUDPPeer() {
	cm.activeUDPPeers.Add(-1)
}

func (cm *ConnectionMonitor) ActiveTCPSessions() int64 { return cm.activeTCPSessions.Load() }
func (cm *ConnectionMonitor) TotalTCPSessions() int64  { return cm.totalTCPSessions.Load() }
func (cm *ConnectionMonitor) ActiveUDPPeers() int64    { return cm.activeUDPPeers.Load() }
func (cm *ConnectionMonitor) TotalUDPPeers() int64     { return cm.totalUDPPeers.Load() }

// StartPeriodicLogging logs a one-line snapshot of tunnel activity every
// 15 seconds, for operators tailing logs without a status endpoint.
func (cm *ConnectionMonitor) StartPeriodicLogging() {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			log.Printf("MONITOR: active tcp sessions: %d, active udp peers: %d | total tcp sessions: %d, total udp peers: %d | goroutines: %d | heap alloc: %d MB",
				cm.activeTCPSessions.Load(),
				cm.activeUDPPeers.Load(),
				cm.totalTCPSessions.Load(),
				cm.totalUDPPeers.Load(),
				runtime.NumGoroutine(),
				m.HeapAlloc/1024/1024,
			)
		}
	}()
}
