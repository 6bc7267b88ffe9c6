// Package wallclock implements the FPGA's read-only, free-running
// 64-bit tick counter: the single shared reference every stepgen channel
// schedules its apply times against.
package wallclock

import (
	"log"

	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/wire"
)

// ID is the wallclock module's 4-byte wire identifier.
var ID = module.ID{'w', 'c', 'l', 'k'}

// Wallclock is the singleton wallclock module instance.
type Wallclock struct {
	ticks uint64

	msb hal.U32Pin
	lsb hal.U32Pin

	logger *log.Logger
}

// New builds a Wallclock module, registering its pins under
// "<board>.wallclock.*".
func New(info module.BringupInfo, reg hal.Registry) (*Wallclock, error) {
	w := &Wallclock{logger: log.Default()}
	prefix := info.BoardName + ".wallclock."
	var err error
	if w.msb, err = reg.NewU32(hal.Out, prefix+"msb"); err != nil {
		return nil, err
	}
	if w.lsb, err = reg.NewU32(hal.Out, prefix+"lsb"); err != nil {
		return nil, err
	}
	return w, nil
}

// Factory parses the wallclock's (empty) descriptor section and builds
// the module.
func Factory(info module.BringupInfo, index int, r *wire.Reader, reg hal.Registry) (module.Module, error) {
	return New(info, reg)
}

// Now returns the most recently observed tick count, satisfying
// module.WallclockSource for the stepgen planner.
func (w *Wallclock) Now() uint64 { return w.ticks }

func (w *Wallclock) ConfigSize() int { return 0 }
func (w *Wallclock) WriteSize() int  { return 0 }
func (w *Wallclock) ReadSize() int   { return 8 }

func (w *Wallclock) ConfigureModule(info module.ConfigureInfo, wr *wire.Writer) error {
	return nil
}

// PrepareWrite is a no-op: the wallclock is never written.
func (w *Wallclock) PrepareWrite(periodS float64, wr *wire.Writer) error {
	return nil
}

// ProcessRead reads the 64-bit tick count and splits it across its two
// u32 pins. A decrease from the previous read indicates a lost packet
// and is surfaced to the operator every time it is observed, since each
// occurrence is a distinct communication fault.
func (w *Wallclock) ProcessRead(periodS float64, r *wire.Reader) error {
	ticks := r.Uint64()
	if ticks < w.ticks {
		w.logger.Printf("wallclock: tick count went backwards (%d -> %d); a packet was lost", w.ticks, ticks)
	}
	w.ticks = ticks
	w.msb.SetUint32(uint32(ticks >> 32))
	w.lsb.SetUint32(uint32(ticks))
	return nil
}
