package session

import (
	"log"
	"sync/atomic"
	"time"
)

// ActivityEpoch is a shared counter between the two directional tasks of
// a TCP Tunnel Session, used to tell an idle timeout (benign — the other
// direction is still making progress) from a stuck timeout (fatal —
// neither direction has moved). Relaxed atomics are sufficient: the
// epoch is a heuristic, not a synchronization primitive, so a missed
// update only costs one extra loop iteration or one earlier exit.
type ActivityEpoch struct {
	v int64
}

// Load reads the current epoch value.
func (e *ActivityEpoch) Load() int64 {
	return atomic.LoadInt64(&e.v)
}

// Advance increments the epoch and returns its value from just before
// the increment, mirroring fetch_add semantics: the caller compares this
// against a Load taken before its own I/O to detect whether the sibling
// task advanced the epoch in the meantime.
func (e *ActivityEpoch) Advance() int64 {
	return atomic.AddInt64(&e.v, 1) - 1
}

// runDirection drives one Byte Pump in a loop, applying the Activity
// Epoch guard to every Timeout result: load the epoch
// before the pump step, advance it after, and only treat the timeout as
// fatal if the epoch didn't move in between — meaning neither this task
// nor its sibling made progress during the wait.
func runDirection(logTag string, src Source, sink Sink, buf []byte, counter *int64, epoch *ActivityEpoch, timeout time.Duration) {
	for {
		before := epoch.Load()
		res := PumpOnce(src, sink, buf, counter, timeout)
		after := epoch.Advance()

		switch res.Outcome {
		case Progress:
			continue
		case EndOfStream:
			return
		case Fatal:
			if res.Err != nil {
				log.Printf("%s: %v", logTag, res.Err)
			}
			return
		case Timeout:
			if before == after {
				log.Printf("%s timeout", logTag)
				return
			}
			continue
		}
	}
}
