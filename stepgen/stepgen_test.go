package stepgen

import (
	"math"
	"testing"

	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/wire"
)

type fakeWallclock struct{ now uint64 }

func (f *fakeWallclock) Now() uint64 { return f.now }

// restFeedback builds a read-region buffer encoding "at rest" feedback
// (zero position, zero velocity) for n channels: a properly biased
// zero still decodes to a meaningful (zero) velocity, unlike an
// all-zero buffer, which would decode as a large negative velocity.
func restFeedback(n int) []byte {
	buf := make([]byte, 12*n)
	w := wire.NewWriter(buf)
	for i := 0; i < n; i++ {
		w.PutUint64(0)
		w.PutUint32(wire.BiasU32(0))
	}
	return buf
}

func newTestStepgen(t *testing.T, n int, clockHz uint32, wc module.WallclockSource) (*Stepgen, *hal.Memory) {
	t.Helper()
	mem := hal.NewMemory()
	info := module.BringupInfo{BoardName: "test", ClockFrequency: clockHz, Wallclock: wc}
	s, err := New(info, n, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mem
}

func TestZeroCommandEmitsZeroVelocityAndAcceleration(t *testing.T) {
	wc := &fakeWallclock{now: 1_000_000}
	s, mem := newTestStepgen(t, 1, 1e8, wc)

	maxAccel, _ := mem.Float("test.stepgen.00.max_acceleration")
	maxVel, _ := mem.Float("test.stepgen.00.max_velocity")
	scale, _ := mem.Float("test.stepgen.00.position_scale")
	posCmd, _ := mem.Float("test.stepgen.00.position_cmd")
	maxAccel.SetFloat64(100)
	maxVel.SetFloat64(1000)
	scale.SetFloat64(200)
	posCmd.SetFloat64(0)

	periodNS := 1_000_000.0
	cw := wire.NewWriter(make([]byte, s.ConfigSize()))
	if err := s.ConfigureModule(module.ConfigureInfo{BringupInfo: module.BringupInfo{ClockFrequency: 1e8}, PeriodNS: periodNS}, cw); err != nil {
		t.Fatalf("ConfigureModule: %v", err)
	}

	// First read seeds apply_time and prediction state from an at-rest
	// feedback packet.
	rr := wire.NewReader(restFeedback(1))
	if err := s.ProcessRead(periodNS*1e-9, rr); err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}

	buf := make([]byte, s.WriteSize())
	w := wire.NewWriter(buf)
	if err := s.PrepareWrite(periodNS*1e-9, w); err != nil {
		t.Fatalf("PrepareWrite: %v", err)
	}
	if w.Err() != nil {
		t.Fatalf("writer error: %v", w.Err())
	}

	// Layout: 8-byte apply_time, then (speed_target, acceleration) per
	// channel.
	out := wire.NewReader(buf[8:])
	speed := out.Uint32()
	accel := out.Uint32()
	if speed != 0x80000000 {
		t.Errorf("target_velocity = 0x%x, want 0x80000000", speed)
	}
	if accel != 0 {
		t.Errorf("acceleration = %d, want 0", accel)
	}
}

func TestVelocityModeClippedToMaxSpeed(t *testing.T) {
	wc := &fakeWallclock{now: 1_000_000}
	s, mem := newTestStepgen(t, 1, 1e8, wc)
	velMode, _ := mem.Bit("test.stepgen.00.velocity_mode")
	velCmd, _ := mem.Float("test.stepgen.00.velocity_cmd")
	maxVel, _ := mem.Float("test.stepgen.00.max_velocity")
	maxAccel, _ := mem.Float("test.stepgen.00.max_acceleration")
	velMode.SetBool(true)
	velCmd.SetFloat64(1e9)
	maxVel.SetFloat64(500)
	maxAccel.SetFloat64(100)

	periodNS := 1_000_000.0
	cw := wire.NewWriter(make([]byte, s.ConfigSize()))
	if err := s.ConfigureModule(module.ConfigureInfo{BringupInfo: module.BringupInfo{ClockFrequency: 1e8}, PeriodNS: periodNS}, cw); err != nil {
		t.Fatal(err)
	}
	rr := wire.NewReader(restFeedback(1))
	if err := s.ProcessRead(periodNS*1e-9, rr); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, s.WriteSize())
	w := wire.NewWriter(buf)
	if err := s.PrepareWrite(periodNS*1e-9, w); err != nil {
		t.Fatal(err)
	}
	if w.Err() != nil {
		t.Fatalf("writer error: %v", w.Err())
	}
	speed := wire.NewReader(buf[8:]).Uint32()
	want := wire.BiasU32(int32(500 * s.Channels()[0].data.fpgaSpeedScale))
	if speed != want {
		t.Errorf("target_velocity = 0x%x, want 0x%x (velocity_cmd clipped to max_velocity 500)", speed, want)
	}
}

func TestVelocityModeOnlyWhenAccelerationZero(t *testing.T) {
	s, mem := newTestStepgen(t, 1, 1e8, &fakeWallclock{})
	c := s.Channels()[0]
	maxAccel, _ := mem.Float("test.stepgen.00.max_acceleration")
	maxAccel.SetFloat64(0)
	if !c.VelocityModeOnly() {
		t.Fatal("expected VelocityModeOnly to report true when max_acceleration is zero")
	}
}

func TestApplyTimeStaysWithinBounds(t *testing.T) {
	wc := &fakeWallclock{now: 1_000_000}
	s, _ := newTestStepgen(t, 1, 1e8, wc)
	periodNS := 1_000_000.0
	cw := wire.NewWriter(make([]byte, s.ConfigSize()))
	if err := s.ConfigureModule(module.ConfigureInfo{BringupInfo: module.BringupInfo{ClockFrequency: 1e8}, PeriodNS: periodNS}, cw); err != nil {
		t.Fatal(err)
	}

	rr := wire.NewReader(restFeedback(1))
	if err := s.ProcessRead(periodNS*1e-9, rr); err != nil {
		t.Fatal(err)
	}
	low := float64(wc.now) + 0.81*s.cyclesPerPeriod
	high := float64(wc.now) + 0.99*s.cyclesPerPeriod
	got := float64(s.applyTime)
	if got < low-1 || got > high+1 {
		t.Fatalf("apply_time %v outside [%v, %v]", got, low, high)
	}
}

func TestApplyTimeClampsOnLatencyExcursion(t *testing.T) {
	wc := &fakeWallclock{now: 1_000_000}
	s, _ := newTestStepgen(t, 1, 1e8, wc)
	periodNS := 1_000_000.0
	cw := wire.NewWriter(make([]byte, s.ConfigSize()))
	if err := s.ConfigureModule(module.ConfigureInfo{BringupInfo: module.BringupInfo{ClockFrequency: 1e8}, PeriodNS: periodNS}, cw); err != nil {
		t.Fatal(err)
	}
	rr := wire.NewReader(restFeedback(1))
	if err := s.ProcessRead(periodNS*1e-9, rr); err != nil {
		t.Fatal(err)
	}

	// Simulate a 2x-period latency excursion on the next cycle.
	wc.now += uint64(2 * s.cyclesPerPeriod)
	rr2 := wire.NewReader(restFeedback(1))
	if err := s.ProcessRead(2*periodNS*1e-9, rr2); err != nil {
		t.Fatal(err)
	}
	want := float64(wc.now) + 0.95*s.cyclesPerPeriod
	got := float64(s.applyTime)
	if math.Abs(got-want) > 1 {
		t.Fatalf("apply_time = %v, want ~%v (clamped to 95%% of a period ahead)", got, want)
	}
}
