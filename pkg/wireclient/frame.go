// Package wireclient implements the coordinator-to-handler request/reply
// transport: a length-prefixed JSON frame over a plain TCP socket, with a
// strict one-outstanding-request discipline and transparent
// poisoned-socket recovery. The framing itself lives in this
// file so both the client side (Client) and the server side
// (pkg/registry's registration server, and any reference handler) share it.
package wireclient

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame to guard against a corrupt length
// header turning into an unbounded allocation.
const maxFrameBytes = 16 * 1024 * 1024

// WriteFrame writes a 4-byte big-endian length header followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wireclient: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wireclient: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, returning its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("wireclient: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("wireclient: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wireclient: read frame body: %w", err)
	}
	return payload, nil
}
