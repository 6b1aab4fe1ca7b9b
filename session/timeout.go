package session

import "net"

// isTimeout reports whether err is a deadline-exceeded error from a
// SetReadDeadline/SetWriteDeadline-bounded operation, as opposed to a
// genuine transport failure.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
