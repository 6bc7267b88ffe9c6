// Package module defines the Module interface every FPGA register-bank
// module (watchdog, wallclock, gpio, pwm, stepgen) implements, and the
// Registry that maps the FPGA's 4-byte module IDs to the factories
// that build them during bring-up.
//
// This replaces the void-pointer-plus-three-function-pointers design of
// the original driver with a single sum-type-shaped interface: every
// module implements all six methods, and ones that don't apply (a module
// with no one-time configure step, say) simply return immediately.
package module

import (
	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/wire"
)

// ID is a 4-byte, ASCII-like module identifier as it appears on the wire
// (e.g. "gpio", "pwm_", "step").
type ID [4]byte

func (id ID) String() string { return string(id[:]) }

// WallclockSource lets a module (namely stepgen) read the FPGA's
// free-running tick counter without importing the wallclock package
// directly, avoiding an import cycle between module and wallclock.
type WallclockSource interface {
	Now() uint64
}

// BringupInfo carries the board facts a module needs while it parses its
// descriptor and builds its pins: the board's resolved clock frequency,
// a stable name for deriving pin names, and (once discovered) the
// board's wallclock module.
type BringupInfo struct {
	ClockFrequency uint32
	BoardName      string
	Wallclock      WallclockSource
}

// ConfigureInfo carries the facts only known after the first full read
// cycle has run, needed to compute the one-time configure payload (most
// notably the host's observed cycle period).
type ConfigureInfo struct {
	BringupInfo
	PeriodNS float64
}

// Module is implemented by every module kind. Methods that don't apply
// to a particular module (e.g. ConfigureModule for wallclock, which has
// no configure payload) are no-ops returning nil.
type Module interface {
	// ConfigSize, WriteSize and ReadSize report the exact number of
	// bytes this module occupies in each region, computed once at
	// bring-up from the module's parsed descriptor.
	ConfigSize() int
	WriteSize() int
	ReadSize() int

	// ConfigureModule writes this module's one-time configure payload.
	// It runs exactly once, between the first read and the first real
	// write, and never again.
	ConfigureModule(info ConfigureInfo, w *wire.Writer) error

	// PrepareWrite appends this module's per-cycle write-region bytes.
	// periodS is the host's current estimate of the cycle period, in
	// seconds.
	PrepareWrite(periodS float64, w *wire.Writer) error

	// ProcessRead consumes this module's per-cycle read-region bytes
	// and updates its pins. periodS is the host's current estimate of
	// the cycle period, in seconds.
	ProcessRead(periodS float64, r *wire.Reader) error
}

// Factory parses a module's descriptor bytes (the remainder of the
// module descriptor region after its 4-byte ID) and builds the module's
// pins in reg, returning the ready-to-run Module.
//
// index is the module's position among same-kind modules on this board
// (0, 1, 2, ...). None of this driver's factories use it: their pin
// names carry no module index.
type Factory func(info BringupInfo, index int, r *wire.Reader, reg hal.Registry) (Module, error)

// Registry maps module IDs to factories. It is a build-time, static
// mapping: there is no need for a process-wide registry at runtime,
// since each Board owns its own discovered module list.
type Registry struct {
	factories map[ID]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[ID]Factory{}}
}

// Register adds a factory for id. Registering the same id twice panics:
// it is a programming error caught at init time, not a runtime fault.
func (reg *Registry) Register(id ID, f Factory) {
	if _, ok := reg.factories[id]; ok {
		panic("module: duplicate registration for " + id.String())
	}
	reg.factories[id] = f
}

// Lookup returns the factory registered for id, if any.
func (reg *Registry) Lookup(id ID) (Factory, bool) {
	f, ok := reg.factories[id]
	return f, ok
}
