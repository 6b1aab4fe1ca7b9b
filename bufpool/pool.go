// Package bufpool hands out reusable, fixed-capacity byte buffers for the
// tunnel's Byte Pumps. Two size classes exist: the default pool (8 KiB TCP,
// UDP-MTU-sized) and the low-latency "gaming" pool, which trades memory for
// larger buffers and fewer syscalls per byte transferred.
package bufpool

import "github.com/valyala/bytebufferpool"

const (
	DefaultTCPBufferSize = 8 * 1024
	DefaultUDPPacketSize = 1500 // standard Ethernet MTU

	GamingTCPBufferSize = 64 * 1024
	GamingUDPPacketSize = 9000 // jumbo-frame sized, favors fewer round trips
)

// Pool hands out byte slices of a fixed capacity drawn from an underlying
// bytebufferpool.Pool. A slice returned by Get is never shared between two
// concurrent Byte Pumps; callers must call the release function Get
// returns once they are done with it.
type Pool struct {
	size int
	pool bytebufferpool.Pool
}

// New creates a Pool that hands out buffers of exactly size bytes.
func New(size int) *Pool {
	return &Pool{size: size}
}

// Get returns a buffer of this pool's configured size, and a release
// function that must be called exactly once when the caller is done.
func (p *Pool) Get() (buf []byte, release func()) {
	bb := p.pool.Get()
	grow(bb, p.size)
	return bb.B[:p.size], func() { p.pool.Put(bb) }
}

// Size returns the fixed capacity this pool hands out.
func (p *Pool) Size() int {
	return p.size
}

func grow(bb *bytebufferpool.ByteBuffer, n int) {
	if cap(bb.B) < n {
		bb.B = make([]byte, n)
		return
	}
	bb.B = bb.B[:n]
}

// Selector picks between the default and low-latency pool for TCP and UDP
// buffers, keyed off the gaming_mode configuration knob.
type Selector struct {
	TCP *Pool
	UDP *Pool
}

// NewSelector builds the pool pair for a given mode. gaming selects the
// larger, low-latency buffer sizes.
func NewSelector(gaming bool) *Selector {
	if gaming {
		return &Selector{
			TCP: New(GamingTCPBufferSize),
			UDP: New(GamingUDPPacketSize),
		}
	}
	return &Selector{
		TCP: New(DefaultTCPBufferSize),
		UDP: New(DefaultUDPPacketSize),
	}
}
