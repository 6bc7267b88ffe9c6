// Package stepgen implements the FPGA's predictive step generator
// module: each channel reconciles a host-side position or velocity
// command against feedback read from the FPGA's fixed-point position
// and velocity counters, scheduling a (target_velocity, acceleration)
// pair to take effect at a future "apply_time" on the FPGA's own
// wall-clock.
package stepgen

import (
	"fmt"
	"log"
	"math"

	"litexcnc.dev/driver/ctlerr"
	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/wire"
)

// ID is the stepgen module's 4-byte wire identifier.
var ID = module.ID{'s', 't', 'e', 'p'}

// defaultMaxDriverFreq bounds the step rate the physical driver
// hardware can follow; it determines the velocity pick-off shift.
const defaultMaxDriverFreq = 400e3

// ringSize is the number of recent cycle periods averaged to smooth
// the position-mode planner's period_s_recip against latency jitter.
const ringSize = 10

// Channel is a single stepgen's HAL-facing pins and per-cycle state.
type Channel struct {
	counts             hal.U32Pin
	positionCmd        hal.FloatPin
	positionFb         hal.FloatPin
	positionPrediction hal.FloatPin
	speedFb            hal.FloatPin
	speedPrediction    hal.FloatPin
	velocityMode       hal.BitPin
	velocityCmd        hal.FloatPin
	accelerationCmd    hal.FloatPin

	maxAcceleration hal.FloatPin
	maxVelocity     hal.FloatPin
	positionScale   hal.FloatPin
	steplen         hal.U32Pin
	stepspace       hal.U32Pin
	dirSetupTime    hal.U32Pin
	dirHoldTime     hal.U32Pin

	// memo holds the values observed on the previous cycle, used to
	// detect changes and to avoid recomputing derived scales every
	// cycle.
	memo struct {
		positionCmd     float64
		positionScale   float64
		acceleration    float64
		steplenNS       uint32
		stepspaceNS     uint32
		dirSetupNS      uint32
		dirHoldNS       uint32
		timingsLatched  bool
		maxSpeedWarned  bool
	}

	// data holds derived, scale-dependent conversion factors and the
	// last computed command, consumed by process_read's prediction.
	data struct {
		position          int64
		speed             int32
		scaleRecip        float64
		accelRecip        float64
		fpgaPosScaleInv   float64
		fpgaSpeedScale    float64
		fpgaSpeedScaleInv float64
		fpgaAccScale      float64
		fltSpeed          float64
		fpgaTime          int64
	}
}

// VelocityModeOnly reports whether this channel's configured
// max_acceleration is zero, which forces it into velocity mode
// regardless of the velocity_mode pin: spec.md's position-mode
// invariant ("max_acceleration > 0") still holds, but a zero
// acceleration degrades the channel to velocity-only rather than
// failing bring-up. Callers can use this to flag the degraded
// configuration; package board does not call it.
func (c *Channel) VelocityModeOnly() bool {
	return c.maxAcceleration.Float64() == 0
}

// Stepgen is a board's bank of step-generator channels.
type Stepgen struct {
	clockHz       uint32
	clockHzRecip  float64
	wallclock     module.WallclockSource
	maxDriverFreq float64

	pickOffPos int
	pickOffVel int
	pickOffAcc int
	maxFreq    float64

	channels []*Channel

	steplenCycles   uint32
	dirHoldCycles   uint32
	dirSetupCycles  uint32
	timingsLatched  bool

	applyTime      uint64
	cyclesPerPeriod float64
	periodRing      [ringSize]float64
	periodRingLen   int
	periodRingPos   int
	periodSAvg      float64
	periodSRecipAvg float64

	logger *log.Logger
}

// New builds a Stepgen module with n channels, registering pins under
// "<board>.stepgen.<index>.*".
func New(info module.BringupInfo, n int, reg hal.Registry) (*Stepgen, error) {
	s := &Stepgen{
		clockHz:       info.ClockFrequency,
		clockHzRecip:  1 / float64(info.ClockFrequency),
		wallclock:     info.Wallclock,
		maxDriverFreq: defaultMaxDriverFreq,
		channels:      make([]*Channel, n),
		logger:        log.Default(),
	}

	shift := 0
	for float64(s.clockHz)/float64(int(1)<<(shift+1)) > s.maxDriverFreq {
		shift++
	}
	s.pickOffPos = 32
	s.pickOffVel = s.pickOffPos + shift
	s.pickOffAcc = s.pickOffVel + 8
	s.maxFreq = float64(s.clockHz) / float64(int(1)<<(shift+1))

	prefix := info.BoardName + ".stepgen."
	for i := range s.channels {
		c := &Channel{}
		base := fmt.Sprintf("%s%02d.", prefix, i)
		var err error
		if c.counts, err = reg.NewU32(hal.Out, base+"counts"); err != nil {
			return nil, err
		}
		if c.positionCmd, err = reg.NewFloat(hal.In, base+"position_cmd"); err != nil {
			return nil, err
		}
		if c.positionFb, err = reg.NewFloat(hal.Out, base+"position_fb"); err != nil {
			return nil, err
		}
		if c.positionPrediction, err = reg.NewFloat(hal.Out, base+"position_prediction"); err != nil {
			return nil, err
		}
		if c.speedFb, err = reg.NewFloat(hal.Out, base+"speed_fb"); err != nil {
			return nil, err
		}
		if c.speedPrediction, err = reg.NewFloat(hal.Out, base+"speed_prediction"); err != nil {
			return nil, err
		}
		if c.velocityMode, err = reg.NewBit(hal.In, base+"velocity_mode"); err != nil {
			return nil, err
		}
		if c.velocityCmd, err = reg.NewFloat(hal.In, base+"velocity_cmd"); err != nil {
			return nil, err
		}
		if c.accelerationCmd, err = reg.NewFloat(hal.IO, base+"acceleration_cmd"); err != nil {
			return nil, err
		}
		if c.maxAcceleration, err = reg.NewFloat(hal.IO, base+"max_acceleration"); err != nil {
			return nil, err
		}
		if c.maxVelocity, err = reg.NewFloat(hal.IO, base+"max_velocity"); err != nil {
			return nil, err
		}
		if c.positionScale, err = reg.NewFloat(hal.IO, base+"position_scale"); err != nil {
			return nil, err
		}
		if c.steplen, err = reg.NewU32(hal.In, base+"steplen"); err != nil {
			return nil, err
		}
		if c.stepspace, err = reg.NewU32(hal.In, base+"stepspace"); err != nil {
			return nil, err
		}
		if c.dirSetupTime, err = reg.NewU32(hal.In, base+"dir_setup_time"); err != nil {
			return nil, err
		}
		if c.dirHoldTime, err = reg.NewU32(hal.In, base+"dir_hold_time"); err != nil {
			return nil, err
		}
		c.positionScale.SetFloat64(1)
		c.memo.positionScale = 0 // force first-cycle scale recompute
		s.channels[i] = c
	}
	return s, nil
}

// Factory parses the stepgen descriptor — a single big-endian u32
// channel count — and builds the module.
func Factory(info module.BringupInfo, index int, r *wire.Reader, reg hal.Registry) (module.Module, error) {
	n := int(r.Uint32())
	return New(info, n, reg)
}

// Channels exposes the channel slice, e.g. for VelocityModeOnly checks
// by a caller that holds the Stepgen.
func (s *Stepgen) Channels() []*Channel { return s.channels }

func (s *Stepgen) ConfigSize() int {
	if len(s.channels) == 0 {
		return 0
	}
	return 4
}

func (s *Stepgen) WriteSize() int {
	if len(s.channels) == 0 {
		return 0
	}
	return 8 + 8*len(s.channels)
}

func (s *Stepgen) ReadSize() int { return 12 * len(s.channels) }

// ConfigureModule latches the board-wide step timings (the maxima
// across channels) and seeds the period-averaging ring with the
// observed configure-time period, exactly once.
func (s *Stepgen) ConfigureModule(info module.ConfigureInfo, w *wire.Writer) error {
	if len(s.channels) == 0 {
		return nil
	}
	periodS := info.PeriodNS * 1e-9
	s.cyclesPerPeriod = periodS * float64(s.clockHz)
	for i := range s.periodRing {
		s.periodRing[i] = periodS
	}
	s.periodRingLen = ringSize
	s.periodSAvg = periodS
	s.periodSRecipAvg = 1 / periodS

	var steplenCycles, stepspaceCycles, dirHoldCycles, dirSetupCycles uint32
	for _, c := range s.channels {
		sl := wire.CeilCycles(float64(c.steplen.Uint32()), s.clockHz)
		ss := wire.CeilCycles(float64(c.stepspace.Uint32()), s.clockHz)
		dh := wire.CeilCycles(float64(c.dirHoldTime.Uint32()), s.clockHz)
		ds := wire.CeilCycles(float64(c.dirSetupTime.Uint32()), s.clockHz)
		c.memo.steplenNS = c.steplen.Uint32()
		c.memo.stepspaceNS = c.stepspace.Uint32()
		c.memo.dirHoldNS = c.dirHoldTime.Uint32()
		c.memo.dirSetupNS = c.dirSetupTime.Uint32()
		c.memo.timingsLatched = true
		if sl > steplenCycles {
			steplenCycles = sl
		}
		if ss > stepspaceCycles {
			stepspaceCycles = ss
		}
		if dh > dirHoldCycles {
			dirHoldCycles = dh
		}
		if ds > dirSetupCycles {
			dirSetupCycles = ds
		}
	}
	s.maxFreq = math.Min(s.maxFreq, float64(s.clockHz)/float64(steplenCycles+stepspaceCycles))

	word, ok := wire.PackTimings(steplenCycles, dirHoldCycles, dirSetupCycles)
	if !ok {
		s.logger.Printf("stepgen: steplen/dir_hold/dir_setup timings clipped to fit the configure word")
	}
	s.steplenCycles, s.dirHoldCycles, s.dirSetupCycles = steplenCycles, dirHoldCycles, dirSetupCycles
	s.timingsLatched = true
	w.PutUint32(word)
	return nil
}

func (c *Channel) recomputeScales(s *Stepgen) {
	scale := c.positionScale.Float64()
	if scale == c.memo.positionScale {
		return
	}
	if math.Abs(scale) < 1e-20 {
		scale = 1
		c.positionScale.SetFloat64(1)
	}
	c.memo.positionScale = scale
	c.data.scaleRecip = 1 / scale
	c.data.fpgaPosScaleInv = c.data.scaleRecip / float64(int64(1)<<uint(s.pickOffPos))
	c.data.fpgaSpeedScale = scale * s.clockHzRecip * float64(int64(1)<<uint(s.pickOffVel))
	c.data.fpgaSpeedScaleInv = 1 / c.data.fpgaSpeedScale
	c.data.fpgaAccScale = scale * s.clockHzRecip * s.clockHzRecip * float64(int64(1)<<uint(s.pickOffAcc))
}

// rejectTimingChange rolls a timing pin back to its latched value and
// logs once, implementing spec.md §4.4's "any subsequent user change
// to these parameters is rejected with an error and rolled back."
func rejectTimingChange(logger *log.Logger, name string, pin hal.U32Pin, latched uint32) {
	if pin.Uint32() == latched {
		return
	}
	logger.Printf("stepgen: %v: cannot change %q after configure, rolled back", ctlerr.ErrParamImmutable, name)
	pin.SetUint32(latched)
}

// PrepareWrite runs the position- or velocity-mode planner for every
// channel and appends the apply_time header and each channel's
// (target_velocity, acceleration) pair.
func (s *Stepgen) PrepareWrite(periodS float64, w *wire.Writer) error {
	if len(s.channels) == 0 {
		return nil
	}
	w.PutUint64(s.applyTime)

	for _, c := range s.channels {
		c.recomputeScales(s)

		if c.memo.timingsLatched {
			rejectTimingChange(s.logger, "steplen", c.steplen, c.memo.steplenNS)
			rejectTimingChange(s.logger, "stepspace", c.stepspace, c.memo.stepspaceNS)
			rejectTimingChange(s.logger, "dir_hold_time", c.dirHoldTime, c.memo.dirHoldNS)
			rejectTimingChange(s.logger, "dir_setup_time", c.dirSetupTime, c.memo.dirSetupNS)
		}

		maxVel := c.maxVelocity.Float64()
		if maxVel <= 0 {
			maxVel = 0
			c.maxVelocity.SetFloat64(0)
		} else if bound := s.maxFreq * math.Abs(c.positionScale.Float64()); maxVel > bound {
			if !c.memo.maxSpeedWarned {
				s.logger.Printf("stepgen: requested max_velocity %.2f exceeds the driver's reach; limited to %.2f", maxVel, bound)
				c.memo.maxSpeedWarned = true
			}
			maxVel = bound
			c.maxVelocity.SetFloat64(bound)
		}

		maxAccel := c.maxAcceleration.Float64()
		var velCmd float64
		if c.velocityMode.Bool() || c.VelocityModeOnly() {
			velCmd = c.velocityCmd.Float64()
		} else {
			velCmd = s.positionModeVelocity(c, maxAccel)
		}

		if velCmd > maxVel {
			velCmd = maxVel
		} else if velCmd < -maxVel {
			velCmd = -maxVel
		}

		accel := c.accelerationCmd.Float64()
		if accel < 0 {
			accel = -accel
		}
		if accel > maxAccel {
			accel = maxAccel
		}
		c.accelerationCmd.SetFloat64(accel)
		if accel != c.memo.acceleration {
			c.memo.acceleration = accel
			if accel != 0 {
				c.data.accelRecip = 1 / accel
			}
		}

		fltSpeed := velCmd
		fltTime := 0.0
		if c.data.accelRecip != 0 {
			fltTime = math.Abs((velCmd - c.speedPrediction.Float64()) * c.data.accelRecip)
		}
		c.data.fltSpeed = fltSpeed
		c.data.fpgaTime = int64(fltTime * float64(s.clockHz))

		wireSpeed := wire.BiasU32(int32(fltSpeed * c.data.fpgaSpeedScale))
		wireAccel := uint32(accel * c.data.fpgaAccScale)
		w.PutUint32(wireSpeed)
		w.PutUint32(wireAccel)
	}
	return nil
}

// positionModeVelocity implements spec.md §4.4's position-mode
// planner: it converts a commanded position into a target velocity
// that tries to arrive on time without exceeding max_accel.
func (s *Stepgen) positionModeVelocity(c *Channel, maxAccel float64) float64 {
	positionCmd := c.positionCmd.Float64()
	speedPrediction := c.speedPrediction.Float64()
	positionPrediction := c.positionPrediction.Float64()

	velCmd := (positionCmd - c.memo.positionCmd) * s.periodSRecipAvg
	matchTime := math.Abs((velCmd - speedPrediction) / maxAccel)
	estOut := positionPrediction + 0.5*(velCmd+speedPrediction)*matchTime
	estCmd := positionCmd + velCmd*(matchTime-1.5*s.periodSAvg)
	estErr := estOut - estCmd

	if matchTime < s.periodSAvg {
		if math.Abs(estErr) > 1e-6 {
			velCmd -= 0.5 * estErr * s.periodSRecipAvg
		}
	} else {
		sign := -1.0
		if velCmd > speedPrediction {
			sign = 1.0
		}
		dv := -2.0 * sign * maxAccel * s.periodSAvg
		dp := dv * matchTime
		if math.Abs(estErr+2*dp) < math.Abs(estErr) {
			sign = -sign
		}
		velCmd = speedPrediction + sign*maxAccel*s.periodSAvg
	}

	c.memo.positionCmd = positionCmd
	return velCmd
}

// ProcessRead reads each channel's position/velocity feedback,
// advances apply_time scheduling, and predicts each channel's state at
// the next apply_time.
func (s *Stepgen) ProcessRead(periodS float64, r *wire.Reader) error {
	wallclockNow := int64(s.wallclock.Now())

	if s.applyTime == 0 {
		s.applyTime = uint64(wallclockNow - int64(0.1*s.cyclesPerPeriod))
	}
	applyTime := int64(s.applyTime)

	s.pushPeriod(periodS)

	nextApplyTime := applyTime + int64(periodS*float64(s.clockHz))
	low := wallclockNow + int64(0.81*s.cyclesPerPeriod)
	high := wallclockNow + int64(0.99*s.cyclesPerPeriod)
	switch {
	case nextApplyTime < low:
		nextApplyTime = wallclockNow + int64(0.85*s.cyclesPerPeriod)
		s.logger.Print("stepgen: next apply_time was too close to now, clamped to 85% of a period ahead")
	case nextApplyTime > high:
		nextApplyTime = wallclockNow + int64(0.95*s.cyclesPerPeriod)
		s.logger.Print("stepgen: next apply_time was too far ahead, clamped to 95% of a period ahead")
	}

	for _, c := range s.channels {
		c.recomputeScales(s)

		pos := r.Uint64()
		speedRaw := r.Uint32()
		c.data.position = int64(pos)
		c.data.speed = wire.UnbiasU32(speedRaw)

		c.counts.SetUint32(uint32(c.data.position >> uint(s.pickOffPos)))
		c.positionFb.SetFloat64(float64(c.data.position) * c.data.fpgaPosScaleInv)
		c.speedFb.SetFloat64(float64(c.data.speed) * c.data.fpgaSpeedScaleInv)

		speedPrediction := c.speedFb.Float64()
		positionPrediction := c.positionFb.Float64()

		accelEnd := applyTime + c.data.fpgaTime
		if wallclockNow <= accelEnd {
			minTime := wallclockNow
			if applyTime > minTime {
				minTime = applyTime
			}
			maxTime := accelEnd
			if nextApplyTime < maxTime {
				maxTime = nextApplyTime
			}
			denom := accelEnd - minTime
			var fraction float64
			if denom <= 0 {
				fraction = 1
			} else {
				fraction = float64(maxTime-minTime) / float64(denom)
			}
			speedEnd := (1-fraction)*speedPrediction + fraction*c.data.fltSpeed
			positionPrediction += 0.5 * (speedPrediction + speedEnd) * float64(maxTime-minTime) * s.clockHzRecip
			speedPrediction = speedEnd
		}
		if nextApplyTime > accelEnd {
			speedPrediction = c.data.fltSpeed
			positionPrediction += c.data.fltSpeed * float64(nextApplyTime-accelEnd) * s.clockHzRecip
		}

		c.speedPrediction.SetFloat64(speedPrediction)
		c.positionPrediction.SetFloat64(positionPrediction)
	}

	s.applyTime = uint64(nextApplyTime)
	return nil
}

// pushPeriod records periodS into the ring buffer and recomputes the
// smoothed period used by the position-mode planner.
func (s *Stepgen) pushPeriod(periodS float64) {
	s.periodRing[s.periodRingPos] = periodS
	s.periodRingPos = (s.periodRingPos + 1) % ringSize
	if s.periodRingLen < ringSize {
		s.periodRingLen++
	}
	var sum float64
	for i := 0; i < s.periodRingLen; i++ {
		sum += s.periodRing[i]
	}
	s.periodSAvg = sum / float64(s.periodRingLen)
	s.periodSRecipAvg = 1 / s.periodSAvg
}

func (s *Stepgen) String() string {
	return fmt.Sprintf("stepgen(channels=%d)", len(s.channels))
}
