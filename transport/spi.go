//go:build !tinygo

package transport

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI is a Transport over a periph.io SPI port: no etherbone-style
// framing, so HeaderSize is zero (spec.md §4.1). Every transfer is two
// full-duplex Tx calls: a 5-byte header (1-byte op, 4-byte big-endian
// addr) clocked out while the bytes clocked in are discarded, then the
// data phase, which clocks the reply in (reads) or the data out
// (writes).
type SPI struct {
	conn spi.Conn
}

const (
	spiOpRead  = 0
	spiOpWrite = 1
)

// OpenSPI opens busName (e.g. "/dev/spidev0.0") at speedHz, grounded
// on the host.Init()-then-open-by-name pattern used to reach the
// Waveshare HAT's GPIO lines.
func OpenSPI(busName string, speedHz int64) (*SPI, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("transport: spi: %w", err)
	}
	port, err := spireg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("transport: open %q: %w", busName, err)
	}
	conn, err := port.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %q: %w", busName, err)
	}
	return &SPI{conn: conn}, nil
}

func (s *SPI) HeaderSize() int { return 0 }

func (s *SPI) transfer(op byte, addr uint32, buf []byte, isWrite bool) error {
	hdr := make([]byte, 5)
	hdr[0] = op
	binary.BigEndian.PutUint32(hdr[1:], addr)
	if err := s.conn.Tx(hdr, make([]byte, len(hdr))); err != nil {
		return err
	}
	if isWrite {
		return s.conn.Tx(buf, make([]byte, len(buf)))
	}
	return s.conn.Tx(make([]byte, len(buf)), buf)
}

func (s *SPI) ReadBytes(addr uint32, buf []byte) error {
	if err := s.transfer(spiOpRead, addr, buf, false); err != nil {
		return wrapErr("read_bytes", err)
	}
	return nil
}

func (s *SPI) WriteBytes(addr uint32, buf []byte) error {
	if err := s.transfer(spiOpWrite, addr, buf, true); err != nil {
		return wrapErr("write_bytes", err)
	}
	return nil
}

func (s *SPI) ReadPacket(addr uint32, buf []byte) error  { return s.ReadBytes(addr, buf) }
func (s *SPI) WritePacket(addr uint32, buf []byte) error { return s.WriteBytes(addr, buf) }

func (s *SPI) Close() error { return nil }
