// Package board implements bring-up, buffer addressing and the cyclic
// read/write pipeline for a LiteX-CNC-style FPGA motion-control card:
// it discovers the card's module list, lays out the config/write/read
// regions, and exports the two periodic functions a real-time
// framework calls once per control cycle.
package board

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"litexcnc.dev/driver/ctlerr"
	"litexcnc.dev/driver/diag"
	"litexcnc.dev/driver/gpio"
	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/pwm"
	"litexcnc.dev/driver/stepgen"
	"litexcnc.dev/driver/transport"
	"litexcnc.dev/driver/wallclock"
	"litexcnc.dev/driver/watchdog"
	"litexcnc.dev/driver/wire"
)

const (
	headerSize    = 32
	expectedMagic = 0x18052022
)

// SupportedMajor and SupportedMinor are the firmware protocol version
// this driver implements; a mismatch in either is fatal (spec.md
// §4.1). A firmware patch-level mismatch is only logged.
const (
	SupportedMajor = 1
	SupportedMinor = 0
)

// maxResetRetries bounds the reset handshake's retry budget (spec.md
// §4.7).
const maxResetRetries = 5

const resetPollInterval = time.Millisecond

// Header is the 32-byte bring-up record read from address 0.
type Header struct {
	VersionMajor, VersionMinor, VersionPatch byte
	ClockFrequency                           uint32
	ModuleCount                              int
	ModuleDescSize                           int
	Name                                     string
}

// Config carries the board-level options a caller supplies at
// registration (spec.md §6): board_name and clock_frequency are
// cross-checked against the FPGA's own header.
type Config struct {
	BoardName                string
	ClockFrequency           uint32
	WatchdogDefaultTimeoutNS float64
}

// Board owns a Transport, the board's discovered module list and
// resolved region addresses, and runs the cyclic read/write pipeline.
type Board struct {
	t transport.Transport

	header Header

	resetAddr, configAddr, writeAddr, readAddr uint32
	configSize                                 int

	modules         []module.Module
	moduleIDs       []module.ID
	wallclockModule *wallclock.Wallclock
	watchdogModule  *watchdog.Watchdog

	writeBuf []byte
	readBuf  []byte

	ranOnce    bool
	haveRead   bool
	configured bool
	ioError    bool

	lastReadTime       time.Time
	periodNS           float64
	lastWallclockTicks uint64

	ReadCount            uint64
	WriteCount           uint64
	WallclockRegressions uint64

	logger *log.Logger
}

// DefaultRegistry returns a module.Registry with the five module
// kinds this driver knows how to build.
func DefaultRegistry() *module.Registry {
	reg := module.NewRegistry()
	reg.Register(wallclock.ID, wallclock.Factory)
	reg.Register(watchdog.ID, watchdog.Factory)
	reg.Register(gpio.ID, gpio.Factory)
	reg.Register(pwm.ID, pwm.Factory)
	reg.Register(stepgen.ID, stepgen.Factory)
	return reg
}

// boardWallclock defers to whichever wallclock module the board
// eventually discovers, so stepgen channels built before the
// wallclock's own descriptor entry still get a working
// module.WallclockSource.
type boardWallclock struct{ b *Board }

func (w *boardWallclock) Now() uint64 {
	if w.b.wallclockModule == nil {
		return 0
	}
	return w.b.wallclockModule.Now()
}

// Register performs bring-up against t: it reads the 32-byte header,
// validates it against cfg, discovers the module descriptor region
// using reg, lays out the config/write/read addresses, allocates the
// cyclic buffers, exports "<board>.read" and "<board>.write" on
// halReg, and issues the initial reset.
func Register(t transport.Transport, cfg Config, reg *module.Registry, halReg hal.Registry) (*Board, error) {
	b := &Board{t: t, logger: log.Default()}

	hdr := make([]byte, headerSize)
	if err := t.ReadBytes(0, hdr); err != nil {
		return nil, fmt.Errorf("board: read header: %w", err)
	}
	header, err := parseHeader(hdr)
	if err != nil {
		return nil, err
	}
	if header.VersionMajor != SupportedMajor || header.VersionMinor != SupportedMinor {
		return nil, fmt.Errorf("board: firmware %d.%d.%d, driver wants %d.%d: %w",
			header.VersionMajor, header.VersionMinor, header.VersionPatch,
			SupportedMajor, SupportedMinor, ctlerr.ErrVersion)
	}
	b.logger = log.New(log.Writer(), "board("+header.Name+"): ", log.Flags())
	if cfg.BoardName != "" && cfg.BoardName != header.Name {
		return nil, fmt.Errorf("board: configured name %q, firmware reports %q: %w", cfg.BoardName, header.Name, ctlerr.ErrConfig)
	}
	if cfg.ClockFrequency != 0 && cfg.ClockFrequency != header.ClockFrequency {
		return nil, fmt.Errorf("board: configured clock %d Hz, firmware reports %d Hz: %w", cfg.ClockFrequency, header.ClockFrequency, ctlerr.ErrConfig)
	}
	b.header = header

	descBuf := make([]byte, header.ModuleDescSize)
	if header.ModuleDescSize > 0 {
		if err := t.ReadBytes(headerSize, descBuf); err != nil {
			return nil, fmt.Errorf("board: read module descriptors: %w", err)
		}
	}

	info := module.BringupInfo{
		ClockFrequency: header.ClockFrequency,
		BoardName:      header.Name,
		Wallclock:      &boardWallclock{b: b},
	}
	descReader := wire.NewReader(descBuf)
	indices := map[module.ID]int{}
	var writeSize, readSize int
	for i := 0; i < header.ModuleCount; i++ {
		idBytes := descReader.Bytes(4)
		if descReader.Err() != nil {
			return nil, fmt.Errorf("board: module descriptor %d: %w", i, ctlerr.ErrConfig)
		}
		var id module.ID
		copy(id[:], idBytes)
		factory, ok := reg.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("board: module %q: %w", id, ctlerr.ErrUnknownModule)
		}
		idx := indices[id]
		indices[id] = idx + 1
		m, err := factory(info, idx, descReader, halReg)
		if err != nil {
			return nil, fmt.Errorf("board: module %q: %v: %w", id, err, ctlerr.ErrConfig)
		}
		b.modules = append(b.modules, m)
		b.moduleIDs = append(b.moduleIDs, id)
		b.configSize += m.ConfigSize()
		writeSize += m.WriteSize()
		readSize += m.ReadSize()
		switch mod := m.(type) {
		case *wallclock.Wallclock:
			b.wallclockModule = mod
		case *watchdog.Watchdog:
			b.watchdogModule = mod
		}
	}
	if descReader.Err() != nil {
		return nil, fmt.Errorf("board: module descriptors: %w", ctlerr.ErrConfig)
	}
	if b.watchdogModule != nil && cfg.WatchdogDefaultTimeoutNS > 0 {
		b.watchdogModule.SetDefaultTimeoutNS(cfg.WatchdogDefaultTimeoutNS)
	}

	b.resetAddr = headerSize + uint32(header.ModuleDescSize)
	b.configAddr = b.resetAddr + 4
	b.writeAddr = b.configAddr + uint32(b.configSize)
	b.readAddr = b.writeAddr + uint32(writeSize)
	b.writeBuf = make([]byte, writeSize)
	b.readBuf = make([]byte, readSize)

	if err := halReg.NewFunction(header.Name+".read", b.Read); err != nil {
		return nil, fmt.Errorf("board: export read function: %w", err)
	}
	if err := halReg.NewFunction(header.Name+".write", b.Write); err != nil {
		return nil, fmt.Errorf("board: export write function: %w", err)
	}

	if err := b.reset(); err != nil {
		return nil, err
	}
	return b, nil
}

func parseHeader(buf []byte) (Header, error) {
	r := wire.NewReader(buf)
	magic := r.Uint32()
	if magic != expectedMagic {
		return Header{}, ctlerr.ErrMagic
	}
	r.Byte() // reserved
	major := r.Byte()
	minor := r.Byte()
	patch := r.Byte()
	clockFreq := r.Uint32()
	r.Byte() // reserved
	moduleCount := int(r.Byte())
	descSize := int(r.Uint16())
	nameBuf := r.Bytes(16)
	if r.Err() != nil {
		return Header{}, fmt.Errorf("board: truncated header: %w", ctlerr.ErrConfig)
	}
	name, err := parseBoardName(nameBuf)
	if err != nil {
		return Header{}, err
	}
	return Header{
		VersionMajor:   major,
		VersionMinor:   minor,
		VersionPatch:   patch,
		ClockFrequency: clockFreq,
		ModuleCount:    moduleCount,
		ModuleDescSize: descSize,
		Name:           name,
	}, nil
}

func parseBoardName(buf []byte) (string, error) {
	nul := bytes.IndexByte(buf, 0)
	if nul < 0 {
		return "", fmt.Errorf("board: name not NUL-terminated: %w", ctlerr.ErrName)
	}
	if nul == 0 {
		return "", fmt.Errorf("board: empty name: %w", ctlerr.ErrName)
	}
	for _, c := range buf[:nul] {
		if c < 0x20 || c > 0x7e {
			return "", fmt.Errorf("board: unprintable byte in name: %w", ctlerr.ErrName)
		}
	}
	return string(buf[:nul]), nil
}

// reset runs the two-phase reset handshake (spec.md §4.7): raise the
// reset flag, confirm the read-back, then lower it, each with its own
// retry budget.
func (b *Board) reset() error {
	if err := b.pulseReset(1); err != nil {
		return err
	}
	return b.pulseReset(0)
}

func (b *Board) pulseReset(value uint32) error {
	want := make([]byte, 4)
	binary.BigEndian.PutUint32(want, value)
	got := make([]byte, 4)
	for attempt := 0; attempt < maxResetRetries; attempt++ {
		if err := b.t.WriteBytes(b.resetAddr, want); err != nil {
			return fmt.Errorf("board: reset: %w", err)
		}
		time.Sleep(resetPollInterval)
		if err := b.t.ReadBytes(b.resetAddr, got); err != nil {
			return fmt.Errorf("board: reset: %w", err)
		}
		if bytes.Equal(got, want) {
			return nil
		}
	}
	return ctlerr.ErrReset
}

func (b *Board) bringupInfo() module.BringupInfo {
	return module.BringupInfo{
		ClockFrequency: b.header.ClockFrequency,
		BoardName:      b.header.Name,
		Wallclock:      &boardWallclock{b: b},
	}
}

// Read is the exported "<board>.read" periodic function: the first
// invocation only records a timing reference (spec.md §4.2 "first
// read"); every later call pulls the read region and dispatches
// process_read across the discovered modules in registry order.
func (b *Board) Read() error {
	if !b.ranOnce {
		b.ranOnce = true
		b.lastReadTime = time.Now()
		return nil
	}
	now := time.Now()
	b.periodNS = float64(now.Sub(b.lastReadTime).Nanoseconds())
	b.lastReadTime = now

	for i := range b.readBuf {
		b.readBuf[i] = 0
	}
	if err := b.t.ReadPacket(b.readAddr, b.readBuf); err != nil {
		b.setIOError(err)
		return nil
	}
	b.clearIOError()

	periodS := b.periodNS * 1e-9
	r := wire.NewReader(b.readBuf)
	for _, m := range b.modules {
		if err := m.ProcessRead(periodS, r); err != nil {
			return fmt.Errorf("board: process_read: %w", err)
		}
	}
	if r.Err() != nil || r.Pos() != len(b.readBuf) {
		return ctlerr.ErrPacketSize
	}

	if b.wallclockModule != nil {
		ticks := b.wallclockModule.Now()
		if ticks < b.lastWallclockTicks {
			b.WallclockRegressions++
		}
		b.lastWallclockTicks = ticks
	}

	b.haveRead = true
	b.ReadCount++
	return nil
}

// Write is the exported "<board>.write" periodic function: the first
// call after a real read computes and ships the one-time configure
// payload, then every call builds and ships the write region.
func (b *Board) Write() error {
	if !b.configured {
		if !b.haveRead {
			b.logger.Print("write scheduled before any read; proceeding with an unknown cycle period")
		}
		configBuf := make([]byte, b.configSize)
		cw := wire.NewWriter(configBuf)
		info := module.ConfigureInfo{BringupInfo: b.bringupInfo(), PeriodNS: b.periodNS}
		for _, m := range b.modules {
			if err := m.ConfigureModule(info, cw); err != nil {
				return fmt.Errorf("board: configure_module: %w", err)
			}
		}
		if cw.Err() != nil || cw.Pos() != len(configBuf) {
			return ctlerr.ErrPacketSize
		}
		if err := b.t.WriteBytes(b.configAddr, configBuf); err != nil {
			return fmt.Errorf("board: write config: %w", err)
		}
		b.configured = true
	}

	for i := range b.writeBuf {
		b.writeBuf[i] = 0
	}
	periodS := b.periodNS * 1e-9
	w := wire.NewWriter(b.writeBuf)
	for _, m := range b.modules {
		if err := m.PrepareWrite(periodS, w); err != nil {
			return fmt.Errorf("board: prepare_write: %w", err)
		}
	}
	if w.Err() != nil || w.Pos() != len(b.writeBuf) {
		return ctlerr.ErrPacketSize
	}
	if err := b.t.WritePacket(b.writeAddr, b.writeBuf); err != nil {
		b.setIOError(err)
		return nil
	}
	b.clearIOError()
	b.WriteCount++
	return nil
}

func (b *Board) setIOError(err error) {
	if !b.ioError {
		b.logger.Printf("transport error: %v", err)
		b.ioError = true
	}
}

func (b *Board) clearIOError() {
	b.ioError = false
}

// IOError reports whether the most recent read or write failed at the
// transport level; the real-time framework polls this to decide
// whether to halt (spec.md §6).
func (b *Board) IOError() bool { return b.ioError }

// FirmwareVersion renders the header's version triple for logs and
// diagnostics.
func (b *Board) FirmwareVersion() string {
	return fmt.Sprintf("%d.%d.%d", b.header.VersionMajor, b.header.VersionMinor, b.header.VersionPatch)
}

// Watchdog exposes the board's watchdog module, if the firmware
// carries one, so callers can clear a latched bite or adjust the
// default timeout after bring-up.
func (b *Board) Watchdog() *watchdog.Watchdog { return b.watchdogModule }

// Header returns the parsed bring-up header.
func (b *Board) Header() Header { return b.header }

// The methods below satisfy diag.Source without diag importing board:
// diag.Capture takes any value shaped like this, and board imports diag
// only for the ModuleSnapshot type, so the dependency runs one way only.

func (b *Board) BoardNameForDiag() string      { return b.header.Name }
func (b *Board) ClockFrequencyForDiag() uint32 { return b.header.ClockFrequency }

func (b *Board) AddressesForDiag() (reset, config, write, read uint32) {
	return b.resetAddr, b.configAddr, b.writeAddr, b.readAddr
}

func (b *Board) CountersForDiag() (reads, writes, wallclockRegressions uint64) {
	return b.ReadCount, b.WriteCount, b.WallclockRegressions
}

func (b *Board) ModulesForDiag() []diag.ModuleSnapshot {
	out := make([]diag.ModuleSnapshot, len(b.modules))
	for i, m := range b.modules {
		out[i] = diag.ModuleSnapshot{
			ID:         b.moduleIDs[i].String(),
			ConfigSize: m.ConfigSize(),
			WriteSize:  m.WriteSize(),
			ReadSize:   m.ReadSize(),
		}
	}
	return out
}

// Close issues a final reset and terminates the transport (spec.md
// §5 "Cancellation").
func (b *Board) Close() error {
	if err := b.reset(); err != nil {
		b.logger.Printf("final reset: %v", err)
	}
	return b.t.Close()
}
