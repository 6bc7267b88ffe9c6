// Package transport defines the addressed byte-level I/O contract to an
// FPGA motion-control card, and provides the concrete Ethernet, serial
// and SPI implementations plus an in-memory Simulator for tests.
package transport

import (
	"fmt"

	"litexcnc.dev/driver/ctlerr"
)

// Transport is the board's sole dependency on the wire: four
// primitives addressed against the FPGA's flat register space.
// ReadBytes/WriteBytes serve bring-up's one-off, arbitrarily-addressed
// reads (header, module descriptors); ReadPacket/WritePacket serve the
// cyclic read/write regions, which some transports can frame more
// efficiently as a single record.
type Transport interface {
	// ReadBytes reads len(buf) bytes starting at addr.
	ReadBytes(addr uint32, buf []byte) error
	// WriteBytes writes buf starting at addr.
	WriteBytes(addr uint32, buf []byte) error
	// ReadPacket reads len(buf) bytes starting at addr, framed however
	// this transport frames its cyclic traffic.
	ReadPacket(addr uint32, buf []byte) error
	// WritePacket writes buf starting at addr, framed however this
	// transport frames its cyclic traffic.
	WritePacket(addr uint32, buf []byte) error
	// HeaderSize is the transport-specific packet prefix a caller may
	// need for its own wire-level budgeting (spec.md §4.1): zero for
	// SPI and the simulator, sixteen for Ethernet's etherbone framing.
	// ReadPacket and WritePacket already account for it internally;
	// board's region buffers are sized by payload alone.
	HeaderSize() int
	// Close terminates the connection. After Close, all other calls
	// must fail fast.
	Close() error
}

// wrapErr wraps a transport-level failure as ctlerr.ErrTransport,
// keeping the underlying error visible via errors.Is/errors.Unwrap.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("transport: %s: %v: %w", op, err, ctlerr.ErrTransport)
}
