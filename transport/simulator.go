package transport

import (
	"errors"
)

// Simulator is an in-memory Transport standing in for real FPGA
// hardware in tests: a flat byte-addressable register space served by
// a single goroutine, so concurrent board/test access never races
// with the simulated memory.
type Simulator struct {
	mem     []byte
	in      chan simRequest
	out     chan simResult
	closeCh chan struct{}
}

type simRequest struct {
	write bool
	addr  uint32
	buf   []byte
}

type simResult struct {
	err error
}

// NewSimulator returns a Simulator with size bytes of register space,
// all zeroed.
func NewSimulator(size int) *Simulator {
	s := &Simulator{
		mem:     make([]byte, size),
		in:      make(chan simRequest),
		out:     make(chan simResult),
		closeCh: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Simulator) run() {
	for {
		select {
		case <-s.closeCh:
			s.closeCh <- struct{}{}
			return
		case r := <-s.in:
			var err error
			if r.write {
				err = s.doWrite(r.addr, r.buf)
			} else {
				err = s.doRead(r.addr, r.buf)
			}
			s.out <- simResult{err}
		}
	}
}

func (s *Simulator) doRead(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(s.mem) {
		return errors.New("simulator: read out of range")
	}
	copy(buf, s.mem[addr:])
	return nil
}

func (s *Simulator) doWrite(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(s.mem) {
		return errors.New("simulator: write out of range")
	}
	copy(s.mem[addr:], buf)
	return nil
}

func (s *Simulator) HeaderSize() int { return 0 }

func (s *Simulator) ReadBytes(addr uint32, buf []byte) error {
	s.in <- simRequest{write: false, addr: addr, buf: buf}
	r := <-s.out
	return wrapErr("read_bytes", r.err)
}

func (s *Simulator) WriteBytes(addr uint32, buf []byte) error {
	s.in <- simRequest{write: true, addr: addr, buf: buf}
	r := <-s.out
	return wrapErr("write_bytes", r.err)
}

func (s *Simulator) ReadPacket(addr uint32, buf []byte) error  { return s.ReadBytes(addr, buf) }
func (s *Simulator) WritePacket(addr uint32, buf []byte) error { return s.WriteBytes(addr, buf) }

func (s *Simulator) Close() error {
	s.closeCh <- struct{}{}
	<-s.closeCh
	return nil
}

// Poke seeds the simulated register space outside the Transport
// methods: it goes through the same request channel as WriteBytes but
// returns no error (an out-of-range write is dropped). Used by tests to
// preload the header, module descriptors and feedback words before
// bring-up runs.
func (s *Simulator) Poke(addr uint32, data []byte) {
	s.in <- simRequest{write: true, addr: addr, buf: data}
	<-s.out
}

// Peek reads back n bytes at addr, for test assertions on what the
// board wrote (e.g. the reset register, the configure payload).
func (s *Simulator) Peek(addr uint32, n int) []byte {
	buf := make([]byte, n)
	s.in <- simRequest{write: false, addr: addr, buf: buf}
	<-s.out
	return buf
}
