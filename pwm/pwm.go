// Package pwm implements the FPGA's PWM/PDM generator module: a bank of
// channels, each producing a hardware period/width pair from a
// HAL-side value/scale/offset duty-cycle command.
package pwm

import (
	"fmt"
	"math"

	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/wire"
)

// ID is the pwm module's 4-byte wire identifier.
var ID = module.ID{'p', 'w', 'm', '_'}

type channel struct {
	enable    hal.BitPin
	value     hal.FloatPin
	scale     hal.FloatPin
	offset    hal.FloatPin
	ditherPWM hal.BitPin
	pwmFreq   hal.FloatPin
	minDC     hal.FloatPin
	maxDC     hal.FloatPin

	currDC      hal.FloatPin
	currPWMFreq hal.FloatPin
	currPeriod  hal.U32Pin
	currWidth   hal.U32Pin

	memoScale   float64
	scaleRecip  float64
	memoFreq    float64
	periodCycle float64
}

// Pwm is a board's bank of PWM/PDM channels.
type Pwm struct {
	clockHz  uint32
	channels []channel
}

// New builds a Pwm module with n channels, registering pins under
// "<board>.pwm.<index>.*".
func New(info module.BringupInfo, n int, reg hal.Registry) (*Pwm, error) {
	p := &Pwm{clockHz: info.ClockFrequency, channels: make([]channel, n)}
	prefix := info.BoardName + ".pwm."
	for i := range p.channels {
		c := &p.channels[i]
		base := fmt.Sprintf("%s%02d.", prefix, i)
		var err error
		if c.enable, err = reg.NewBit(hal.In, base+"enable"); err != nil {
			return nil, err
		}
		if c.value, err = reg.NewFloat(hal.In, base+"value"); err != nil {
			return nil, err
		}
		if c.scale, err = reg.NewFloat(hal.In, base+"scale"); err != nil {
			return nil, err
		}
		if c.offset, err = reg.NewFloat(hal.In, base+"offset"); err != nil {
			return nil, err
		}
		if c.ditherPWM, err = reg.NewBit(hal.In, base+"dither_pwm"); err != nil {
			return nil, err
		}
		if c.pwmFreq, err = reg.NewFloat(hal.In, base+"pwm_freq"); err != nil {
			return nil, err
		}
		if c.minDC, err = reg.NewFloat(hal.In, base+"min_dc"); err != nil {
			return nil, err
		}
		if c.maxDC, err = reg.NewFloat(hal.In, base+"max_dc"); err != nil {
			return nil, err
		}
		if c.currDC, err = reg.NewFloat(hal.Out, base+"curr_dc"); err != nil {
			return nil, err
		}
		if c.currPWMFreq, err = reg.NewFloat(hal.Out, base+"curr_pwm_freq"); err != nil {
			return nil, err
		}
		if c.currPeriod, err = reg.NewU32(hal.Out, base+"curr_period"); err != nil {
			return nil, err
		}
		if c.currWidth, err = reg.NewU32(hal.Out, base+"curr_width"); err != nil {
			return nil, err
		}
		// Disabled by default, per the original driver's safety default.
		c.scale.SetFloat64(1)
		c.offset.SetFloat64(0)
		c.pwmFreq.SetFloat64(100000)
		c.minDC.SetFloat64(0)
		c.maxDC.SetFloat64(1)
		c.memoScale = 1
		c.scaleRecip = 1
	}
	return p, nil
}

// Factory parses the pwm descriptor — a single big-endian u32 channel
// count — and builds the module.
func Factory(info module.BringupInfo, index int, r *wire.Reader, reg hal.Registry) (module.Module, error) {
	n := int(r.Uint32())
	return New(info, n, reg)
}

func (p *Pwm) ConfigSize() int { return 0 }
func (p *Pwm) WriteSize() int  { return wire.BytesFor(len(p.channels)) + 8*len(p.channels) }
func (p *Pwm) ReadSize() int   { return 0 }

func (p *Pwm) ConfigureModule(info module.ConfigureInfo, w *wire.Writer) error {
	return nil
}

// PrepareWrite packs the enable bitmap, then each channel's computed
// (period, width) pair, recomputing the duty cycle per §4.5.
func (p *Pwm) PrepareWrite(periodS float64, w *wire.Writer) error {
	enableBuf := make([]byte, wire.BytesFor(len(p.channels)))
	for i, c := range p.channels {
		if c.enable.Bool() {
			wire.SetPackedBit(enableBuf, len(p.channels), i)
		}
	}
	w.PutBytes(enableBuf)

	for i := range p.channels {
		c := &p.channels[i]
		c.update(p.clockHz)
		w.PutUint32(c.currPeriod.Uint32())
		w.PutUint32(c.currWidth.Uint32())
	}
	return nil
}

func (c *channel) update(clockHz uint32) {
	scale := c.scale.Float64()
	if scale != c.memoScale {
		c.memoScale = scale
		if math.Abs(scale) < 1e-20 {
			scale = 1
			c.scale.SetFloat64(1)
			c.memoScale = 1
		}
		c.scaleRecip = 1 / scale
	}

	minDC, _ := wire.ClipFloat64(c.minDC.Float64(), 0, 1)
	maxDC, _ := wire.ClipFloat64(c.maxDC.Float64(), 0, 1)
	if minDC > maxDC {
		minDC = maxDC
	}
	c.minDC.SetFloat64(minDC)
	c.maxDC.SetFloat64(maxDC)

	duty := c.value.Float64()*c.scaleRecip + c.offset.Float64()
	duty, _ = wire.ClipFloat64(duty, minDC, maxDC)

	freq := c.pwmFreq.Float64()
	if freq == 0 {
		// PDM mode: duty is carried directly as a 16-bit fraction.
		c.currPeriod.SetUint32(0)
		c.currWidth.SetUint32(uint32(math.Round(0xFFFF * duty)))
		c.currPWMFreq.SetFloat64(0)
		return
	}
	if freq < 1 {
		freq = 1
		c.pwmFreq.SetFloat64(1)
	}
	if freq != c.memoFreq {
		c.memoFreq = freq
		c.periodCycle = math.Round(float64(clockHz) / freq)
	}
	width := math.Round(c.periodCycle * duty)
	c.currPeriod.SetUint32(uint32(c.periodCycle))
	c.currWidth.SetUint32(uint32(width))
	if c.periodCycle > 0 {
		c.currDC.SetFloat64(width / c.periodCycle)
		c.currPWMFreq.SetFloat64(float64(clockHz) / c.periodCycle)
	}
}

// ProcessRead is a no-op: PWM channels are never read back.
func (p *Pwm) ProcessRead(periodS float64, r *wire.Reader) error {
	return nil
}

func (p *Pwm) String() string {
	return fmt.Sprintf("pwm(channels=%d)", len(p.channels))
}
