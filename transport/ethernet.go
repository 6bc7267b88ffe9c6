package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// etherbone packet layout (spec.md §4.8): a 16-byte header followed by
// either a list of big-endian u32 addresses (read request) or a list
// of (addr, data) u32 pairs (write request). Replies to a read mirror
// the header, then the data words in request order.
const (
	headerSize  = 16
	ebMagic0    = 0x4E
	ebMagic1    = 0x6F
	ebVersion   = 0x10
	ebFlags     = 0x44
	ebByteEn    = 0x0F
	defaultSend = 10 * time.Microsecond
	defaultRecv = 10 * time.Millisecond
)

// Ethernet is the etherbone Transport: a UDP socket carrying addressed
// memory read/write records to the FPGA's Ethernet MAC.
type Ethernet struct {
	conn        *net.UDPConn
	sendTimeout time.Duration
	recvTimeout time.Duration
}

// DialEthernet opens a UDP socket to the FPGA's etherbone endpoint
// (addr, e.g. "192.168.1.50:1234").
func DialEthernet(addr string) (*Ethernet, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	return &Ethernet{conn: conn, sendTimeout: defaultSend, recvTimeout: defaultRecv}, nil
}

func (e *Ethernet) HeaderSize() int { return headerSize }

func putHeader(buf []byte, writeWords, readWords int) {
	buf[0], buf[1] = ebMagic0, ebMagic1
	buf[2], buf[3] = ebVersion, ebFlags
	buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 0
	buf[8] = ebByteEn
	buf[9] = 0
	binary.BigEndian.PutUint16(buf[10:12], uint16(writeWords))
	binary.BigEndian.PutUint16(buf[12:14], uint16(readWords))
	buf[14], buf[15] = 0, 0
}

// drainTXQueue busy-waits until the kernel's transmit queue for this
// socket is empty. Design note §9: the FPGA's MAC stalls if packets
// arrive back-to-back.
func (e *Ethernet) drainTXQueue() error {
	rc, err := e.conn.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		for {
			n, err := unix.IoctlGetInt(int(fd), unix.TIOCOUTQ)
			if err != nil {
				ioctlErr = err
				return
			}
			if n == 0 {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return ioctlErr
}

func (e *Ethernet) send(buf []byte) error {
	if err := e.drainTXQueue(); err != nil {
		return err
	}
	e.conn.SetWriteDeadline(time.Now().Add(e.sendTimeout))
	_, err := e.conn.Write(buf)
	return err
}

func (e *Ethernet) recv(buf []byte) error {
	e.conn.SetReadDeadline(time.Now().Add(e.recvTimeout))
	n, err := e.conn.Read(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read: got %d, want %d", n, len(buf))
	}
	return nil
}

// ReadPacket reads len(buf) bytes (a whole number of DWORDs) starting
// at addr, as a single etherbone read record.
func (e *Ethernet) ReadPacket(addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return wrapErr("read_packet", fmt.Errorf("length %d is not DWORD-aligned", len(buf)))
	}
	words := len(buf) / 4
	req := make([]byte, headerSize+4*words)
	putHeader(req, 0, words)
	for i := 0; i < words; i++ {
		binary.BigEndian.PutUint32(req[headerSize+4*i:], addr+uint32(4*i))
	}
	if err := e.send(req); err != nil {
		return wrapErr("read_packet", err)
	}
	reply := make([]byte, headerSize+len(buf))
	if err := e.recv(reply); err != nil {
		return wrapErr("read_packet", err)
	}
	copy(buf, reply[headerSize:])
	return nil
}

// WritePacket writes buf (a whole number of DWORDs) starting at addr,
// as a single etherbone write record of (addr, data) pairs.
func (e *Ethernet) WritePacket(addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return wrapErr("write_packet", fmt.Errorf("length %d is not DWORD-aligned", len(buf)))
	}
	words := len(buf) / 4
	req := make([]byte, headerSize+8*words)
	putHeader(req, words, 0)
	for i := 0; i < words; i++ {
		off := headerSize + 8*i
		binary.BigEndian.PutUint32(req[off:], addr+uint32(4*i))
		copy(req[off+4:off+8], buf[4*i:4*i+4])
	}
	if err := e.send(req); err != nil {
		return wrapErr("write_packet", err)
	}
	return nil
}

func (e *Ethernet) ReadBytes(addr uint32, buf []byte) error  { return e.ReadPacket(addr, buf) }
func (e *Ethernet) WriteBytes(addr uint32, buf []byte) error { return e.WritePacket(addr, buf) }

func (e *Ethernet) Close() error { return e.conn.Close() }
