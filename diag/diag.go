// Package diag encodes a point-in-time snapshot of a board's bring-up
// facts and cycle counters as CBOR, for field diagnostics: a technician
// can pull one off a running system without needing the real-time
// framework's own introspection.
package diag

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ModuleSnapshot describes one discovered module's place in the packet
// layout.
type ModuleSnapshot struct {
	ID         string `cbor:"id"`
	ConfigSize int    `cbor:"config_size"`
	WriteSize  int    `cbor:"write_size"`
	ReadSize   int    `cbor:"read_size"`
}

// Snapshot is the encoded unit: board identity, resolved addresses,
// the discovered module list, and the debug counters named in spec.md
// §5.
type Snapshot struct {
	BoardName       string           `cbor:"board_name"`
	FirmwareVersion string           `cbor:"firmware_version"`
	ClockFrequency  uint32           `cbor:"clock_frequency_hz"`
	ResetAddr       uint32           `cbor:"reset_addr"`
	ConfigAddr      uint32           `cbor:"config_addr"`
	WriteAddr       uint32           `cbor:"write_addr"`
	ReadAddr        uint32           `cbor:"read_addr"`
	Modules         []ModuleSnapshot `cbor:"modules"`

	ReadCount            uint64 `cbor:"read_count"`
	WriteCount           uint64 `cbor:"write_count"`
	WallclockRegressions uint64 `cbor:"wallclock_regressions"`
	IOError              bool   `cbor:"io_error"`
}

// Source is the subset of *board.Board a Snapshot is built from. It is
// an interface, not a direct dependency on package board, so diag never
// has to import board; board imports diag only for ModuleSnapshot.
type Source interface {
	BoardNameForDiag() string
	FirmwareVersion() string
	ClockFrequencyForDiag() uint32
	AddressesForDiag() (reset, config, write, read uint32)
	ModulesForDiag() []ModuleSnapshot
	CountersForDiag() (reads, writes, wallclockRegressions uint64)
	IOError() bool
}

// Capture builds a Snapshot from src.
func Capture(src Source) Snapshot {
	reset, config, write, read := src.AddressesForDiag()
	reads, writes, regressions := src.CountersForDiag()
	return Snapshot{
		BoardName:            src.BoardNameForDiag(),
		FirmwareVersion:      src.FirmwareVersion(),
		ClockFrequency:       src.ClockFrequencyForDiag(),
		ResetAddr:            reset,
		ConfigAddr:           config,
		WriteAddr:            write,
		ReadAddr:             read,
		Modules:              src.ModulesForDiag(),
		ReadCount:            reads,
		WriteCount:           writes,
		WallclockRegressions: regressions,
		IOError:              src.IOError(),
	}
}

// Encode serializes s as CBOR.
func Encode(s Snapshot) ([]byte, error) {
	b, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("diag: encode: %w", err)
	}
	return b, nil
}

// Decode parses a CBOR-encoded Snapshot, the inverse of Encode.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("diag: decode: %w", err)
	}
	return s, nil
}
