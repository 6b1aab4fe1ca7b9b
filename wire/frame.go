// Package wire implements the control framing used on every UDP tunnel
// stream: the first message on the stream is a typed
// ReqUdpStart control frame identifying the originating peer, and every
// message after that is a raw, length-delimited datagram frame preserving
// UDP boundaries across QUIC's byte-stream transport.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"quicbridge/crypt"
)

// Control frame types: a plain and an encrypted variant of the peer-address
// announcement that opens every UDP tunnel stream.
const (
	ReqUDPStart    byte = 0x10
	ReqUDPStartEnc byte = 0x11
)

const maxPeerAddrLen = 1<<16 - 1

// WriteReqUDPStart writes the first message of a UDP tunnel stream,
// carrying the peer address in the clear.
func WriteReqUDPStart(w io.Writer, peerAddr string) error {
	return writeControl(w, ReqUDPStart, []byte(peerAddr))
}

// WriteReqUDPStartEncrypted writes the first message of a UDP tunnel
// stream with the peer address encrypted under the shared secret, so an
// observer on the wire between near and far cannot read which client
// address a stream represents.
func WriteReqUDPStartEncrypted(w io.Writer, peerAddr string, sharedSecret string) error {
	enc, err := crypt.EncryptBytesWithSecret([]byte(peerAddr), sharedSecret)
	if err != nil {
		return fmt.Errorf("encrypt peer address: %w", err)
	}
	return writeControl(w, ReqUDPStartEnc, enc)
}

func writeControl(w io.Writer, typ byte, payload []byte) error {
	if len(payload) > maxPeerAddrLen {
		return fmt.Errorf("control payload too long: %d bytes", len(payload))
	}
	hdr := make([]byte, 1+2)
	hdr[0] = typ
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadReqUDPStart reads the first message of a UDP tunnel stream and
// returns the peer address, transparently decrypting it if it was sent
// encrypted. sharedSecret is only consulted for the encrypted variant; it
// may be empty if encryption is never used on this bridge.
func ReadReqUDPStart(r io.Reader, sharedSecret string) (string, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", fmt.Errorf("read control header: %w", err)
	}
	typ := hdr[0]
	n := int(binary.BigEndian.Uint16(hdr[1:]))
	if n == 0 || n > maxPeerAddrLen {
		return "", fmt.Errorf("invalid control payload length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", fmt.Errorf("read control payload: %w", err)
	}

	switch typ {
	case ReqUDPStart:
		return string(payload), nil
	case ReqUDPStartEnc:
		dec, err := crypt.DecryptBytesWithSecret(payload, sharedSecret)
		if err != nil {
			return "", fmt.Errorf("decrypt peer address: %w", err)
		}
		return string(dec), nil
	default:
		return "", fmt.Errorf("unexpected control frame type 0x%02x", typ)
	}
}

// SendRaw writes one length-delimited datagram frame. One send_raw call
// preserves exactly one datagram boundary on the corresponding recv_raw.
func SendRaw(w io.Writer, payload []byte) error {
	if len(payload) > 0xFFFFFFFF {
		return fmt.Errorf("datagram too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// RecvRaw reads exactly one length-delimited datagram frame into buf,
// returning the number of bytes used. It returns an error if the frame is
// larger than buf's capacity rather than silently truncating it — frame
// preservation requires the full payload or a clear failure.
func RecvRaw(r io.Reader, buf []byte) (int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n > len(buf) {
		return 0, fmt.Errorf("datagram of %d bytes exceeds buffer capacity %d", n, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}
