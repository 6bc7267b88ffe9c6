//go:build !tinygo

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/tarm/serial"
)

// Serial is a USB-UART bridge Transport: a byte stream carrying a
// simple addressed read/write frame in place of a real memory bus.
// Frame: 1-byte op (0 read, 1 write), 4-byte big-endian addr, 2-byte
// big-endian length, then length bytes of data (write only); a read
// reply is just the length bytes of data, no further framing.
type Serial struct {
	port *serial.Port
}

const (
	serialOpRead  = 0
	serialOpWrite = 1
)

// OpenSerial probes a list of candidate device paths (or just dev, if
// given) and returns the first one that opens, mirroring the
// multi-candidate probing used to find a USB-attached controller.
func OpenSerial(dev string, baud int) (*Serial, error) {
	var candidates []string
	if dev != "" {
		candidates = append(candidates, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			candidates = append(candidates, "COM3", "COM4")
		case "linux":
			candidates = append(candidates, "/dev/ttyACM0", "/dev/ttyUSB0")
		default:
			candidates = append(candidates, "/dev/cu.usbmodem0")
		}
	}
	if len(candidates) == 0 {
		return nil, errors.New("transport: no serial device specified")
	}
	var firstErr error
	for _, d := range candidates {
		p, err := serial.OpenPort(&serial.Config{Name: d, Baud: baud})
		if err == nil {
			return &Serial{port: p}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("transport: open serial device: %w", firstErr)
}

func (s *Serial) HeaderSize() int { return 0 }

func (s *Serial) ReadBytes(addr uint32, buf []byte) error {
	hdr := make([]byte, 7)
	hdr[0] = serialOpRead
	binary.BigEndian.PutUint32(hdr[1:5], addr)
	binary.BigEndian.PutUint16(hdr[5:7], uint16(len(buf)))
	if _, err := s.port.Write(hdr); err != nil {
		return wrapErr("read_bytes", err)
	}
	if err := readFull(s.port, buf); err != nil {
		return wrapErr("read_bytes", err)
	}
	return nil
}

func (s *Serial) WriteBytes(addr uint32, buf []byte) error {
	hdr := make([]byte, 7)
	hdr[0] = serialOpWrite
	binary.BigEndian.PutUint32(hdr[1:5], addr)
	binary.BigEndian.PutUint16(hdr[5:7], uint16(len(buf)))
	if _, err := s.port.Write(hdr); err != nil {
		return wrapErr("write_bytes", err)
	}
	if _, err := s.port.Write(buf); err != nil {
		return wrapErr("write_bytes", err)
	}
	return nil
}

func (s *Serial) ReadPacket(addr uint32, buf []byte) error  { return s.ReadBytes(addr, buf) }
func (s *Serial) WritePacket(addr uint32, buf []byte) error { return s.WriteBytes(addr, buf) }

func (s *Serial) Close() error { return s.port.Close() }

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := r.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
