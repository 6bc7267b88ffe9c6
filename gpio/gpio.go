// Package gpio implements the FPGA's packed-bit digital input/output
// module: a fixed number of output bits and a fixed number of input
// bits, each packed MSB-first into their own region of the packet.
package gpio

import (
	"fmt"

	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/wire"
)

// ID is the gpio module's 4-byte wire identifier.
var ID = module.ID{'g', 'p', 'i', 'o'}

type outPin struct {
	out          hal.BitPin
	invertOutput hal.BitPin
}

type inPin struct {
	in    hal.BitPin
	inNot hal.BitPin
}

// Gpio is a board's collection of digital input and output pins.
type Gpio struct {
	out []outPin
	in  []inPin
}

// New builds a Gpio module with numOut output pins and numIn input
// pins, registering outputs as "<board>.gpio.out.NN" (plus
// ".invert_output") and inputs as "<board>.gpio.in.NN" (plus "-not").
func New(info module.BringupInfo, numOut, numIn int, reg hal.Registry) (*Gpio, error) {
	g := &Gpio{
		out: make([]outPin, numOut),
		in:  make([]inPin, numIn),
	}
	prefix := info.BoardName + ".gpio."
	for i := range g.out {
		name := fmt.Sprintf("%sout.%02d", prefix, i)
		var err error
		if g.out[i].out, err = reg.NewBit(hal.In, name); err != nil {
			return nil, err
		}
		if g.out[i].invertOutput, err = reg.NewBit(hal.IO, name+".invert_output"); err != nil {
			return nil, err
		}
	}
	for i := range g.in {
		name := fmt.Sprintf("%sin.%02d", prefix, i)
		var err error
		if g.in[i].in, err = reg.NewBit(hal.Out, name); err != nil {
			return nil, err
		}
		if g.in[i].inNot, err = reg.NewBit(hal.Out, name+"-not"); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Factory parses the gpio descriptor — a byte giving the number of
// output pins followed by a byte giving the number of input pins — and
// builds the module. Unlike the original driver, the per-pin
// input/output interleaving bitmask is not needed here: the write and
// read regions pack the output row and the input row separately (see
// §3's packet layout), so only the two counts matter.
func Factory(info module.BringupInfo, index int, r *wire.Reader, reg hal.Registry) (module.Module, error) {
	numOut := int(r.Byte())
	numIn := int(r.Byte())
	return New(info, numOut, numIn, reg)
}

func (g *Gpio) ConfigSize() int { return 0 }
func (g *Gpio) WriteSize() int  { return wire.BytesFor(len(g.out)) }
func (g *Gpio) ReadSize() int   { return wire.BytesFor(len(g.in)) }

func (g *Gpio) ConfigureModule(info module.ConfigureInfo, w *wire.Writer) error {
	return nil
}

// PrepareWrite packs the output row, MSB-first, output pin i landing on
// packet bit i counted from the start of the row, XOR-masked with its
// invert_output param.
func (g *Gpio) PrepareWrite(periodS float64, w *wire.Writer) error {
	if len(g.out) == 0 {
		return nil
	}
	buf := make([]byte, wire.BytesFor(len(g.out)))
	for i, p := range g.out {
		if p.out.Bool() != p.invertOutput.Bool() {
			wire.SetPackedBit(buf, len(g.out), i)
		}
	}
	w.PutBytes(buf)
	return nil
}

// ProcessRead unpacks the input row and updates in/in_not for every pin.
func (g *Gpio) ProcessRead(periodS float64, r *wire.Reader) error {
	if len(g.in) == 0 {
		return nil
	}
	buf := r.Bytes(wire.BytesFor(len(g.in)))
	if buf == nil {
		return nil
	}
	for i, p := range g.in {
		v := wire.PackedBit(buf, len(g.in), i)
		p.in.SetBool(v)
		p.inNot.SetBool(!v)
	}
	return nil
}

func (g *Gpio) String() string {
	return fmt.Sprintf("gpio(out=%d, in=%d)", len(g.out), len(g.in))
}
