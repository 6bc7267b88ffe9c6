// Package watchdog implements the FPGA watchdog module: a countdown
// register that the host must keep petting every write cycle, or the
// card trips into a safe state.
package watchdog

import (
	"fmt"
	"log"

	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/wire"
)

// ID is the watchdog module's 4-byte wire identifier.
var ID = module.ID{'w', 'd', 'o', 'g'}

// DefaultTimeoutNS is used when the caller never sets an explicit
// default, matching spec.md §6.
const DefaultTimeoutNS = 5_000_000

// maxCycles is the largest timeout_cycles value that fits the FPGA's
// 31-bit countdown field (the top bit is the enable flag).
const maxCycles = 0x7FFFFFFF

// Watchdog is the singleton watchdog module instance.
type Watchdog struct {
	clockHz uint32

	timeoutNS     hal.FloatPin
	timeoutCycles hal.U32Pin
	hasBitten     hal.BitPin

	memoTimeoutNS  float64
	advisoryLogged bool
	bittenLogged   bool

	logger *log.Logger
}

// New builds a Watchdog module, registering its pins under
// "<board>.watchdog.*".
func New(info module.BringupInfo, reg hal.Registry) (*Watchdog, error) {
	w := &Watchdog{
		clockHz: info.ClockFrequency,
		logger:  log.Default(),
	}
	prefix := info.BoardName + ".watchdog."
	var err error
	if w.timeoutNS, err = reg.NewFloat(hal.In, prefix+"timeout_ns"); err != nil {
		return nil, err
	}
	if w.timeoutCycles, err = reg.NewU32(hal.Out, prefix+"timeout_cycles"); err != nil {
		return nil, err
	}
	if w.hasBitten, err = reg.NewBit(hal.IO, prefix+"has_bitten"); err != nil {
		return nil, err
	}
	w.SetDefaultTimeoutNS(DefaultTimeoutNS)
	return w, nil
}

// Factory parses the watchdog's (empty) descriptor section and builds
// the module; the watchdog carries no FPGA-side configuration bytes.
func Factory(info module.BringupInfo, index int, r *wire.Reader, reg hal.Registry) (module.Module, error) {
	return New(info, reg)
}

// SetDefaultTimeoutNS seeds the timeout_ns pin, used once at bring-up
// from the board's "watchdog.default_timeout_ns" config option.
func (w *Watchdog) SetDefaultTimeoutNS(ns float64) {
	w.timeoutNS.SetFloat64(ns)
}

func (w *Watchdog) ConfigSize() int { return 0 }
func (w *Watchdog) WriteSize() int  { return 4 }
func (w *Watchdog) ReadSize() int   { return 4 }

func (w *Watchdog) ConfigureModule(info module.ConfigureInfo, wr *wire.Writer) error {
	return nil
}

// PrepareWrite recomputes timeout_cycles whenever timeout_ns changed,
// clips it to the FPGA's 31-bit field, and writes back the effective ns
// value when clipping occurred. periodS is the host's current write
// period estimate, in seconds, used only for the advisory check.
func (w *Watchdog) PrepareWrite(periodS float64, wr *wire.Writer) error {
	ns := w.timeoutNS.Float64()
	if ns != w.memoTimeoutNS {
		w.memoTimeoutNS = ns
		w.advisoryLogged = false
	}
	cycles := wire.NsToCycles(ns, w.clockHz) - 1
	if cycles < 0 {
		cycles = 0
	}
	clipped, didClip := wire.ClipFloat64(cycles, 0, maxCycles)
	if didClip {
		effectiveNS := (clipped + 1) * 1e9 / float64(w.clockHz)
		w.timeoutNS.SetFloat64(effectiveNS)
		w.memoTimeoutNS = effectiveNS
		w.logger.Printf("watchdog: requested timeout out of range, clipped to %.0f ns", effectiveNS)
	}
	w.timeoutCycles.SetUint32(uint32(clipped))
	wr.PutUint32(uint32(clipped) | 0x80000000)

	periodNS := periodS * 1e9
	if !w.advisoryLogged && w.memoTimeoutNS < 1.5*periodNS {
		w.logger.Printf("watchdog: timeout (%.0f ns) is dangerously short compared to the write period (%.0f ns)", w.memoTimeoutNS, periodNS)
		w.advisoryLogged = true
	}
	return nil
}

// ProcessRead reads the watchdog status word and latches has_bitten.
func (w *Watchdog) ProcessRead(periodS float64, r *wire.Reader) error {
	status := r.Uint32()
	if status&1 != 0 {
		w.hasBitten.SetBool(true)
		if !w.bittenLogged {
			w.logger.Print("watchdog: bitten")
			w.bittenLogged = true
		}
	}
	return nil
}

// ClearBitten lets the operator acknowledge a bite, per spec.md §5
// ("sticky across cycles until the operator clears it").
func (w *Watchdog) ClearBitten() {
	w.hasBitten.SetBool(false)
	w.bittenLogged = false
}

func (w *Watchdog) String() string {
	return fmt.Sprintf("watchdog(timeout=%.0fns)", w.timeoutNS.Float64())
}
