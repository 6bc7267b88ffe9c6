package board

import (
	"encoding/binary"
	"errors"
	"testing"

	"litexcnc.dev/driver/ctlerr"
	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/transport"
	"litexcnc.dev/driver/wire"
)

const testClockHz = 100_000_000

// buildImage lays out a minimal firmware image in sim: a header
// describing a single watchdog module plus a gpio module with 2
// outputs and 1 input, and seeds the reset register so pulseReset
// converges immediately.
func buildImage(t *testing.T, sim *transport.Simulator) {
	t.Helper()

	descBuf := make([]byte, 0, 8+2)
	descBuf = append(descBuf, 'w', 'd', 'o', 'g')
	descBuf = append(descBuf, 'g', 'p', 'i', 'o', 2, 1)

	hdr := make([]byte, headerSize)
	w := wire.NewWriter(hdr)
	w.PutUint32(expectedMagic)
	w.PutBytes([]byte{0})
	w.PutBytes([]byte{SupportedMajor, SupportedMinor, 7})
	w.PutUint32(testClockHz)
	w.PutBytes([]byte{0})
	w.PutBytes([]byte{2}) // module count
	w.PutUint16(uint16(len(descBuf)))
	name := make([]byte, 16)
	copy(name, "testboard")
	w.PutBytes(name)
	if w.Err() != nil {
		t.Fatalf("building header: %v", w.Err())
	}

	sim.Poke(0, hdr)
	sim.Poke(headerSize, descBuf)

	resetAddr := uint32(headerSize + len(descBuf))
	zero := make([]byte, 4)
	sim.Poke(resetAddr, zero)
}

func registerTestBoard(t *testing.T) (*Board, *transport.Simulator, *hal.Memory) {
	t.Helper()
	sim := transport.NewSimulator(4096)
	buildImage(t, sim)
	mem := hal.NewMemory()
	reg := DefaultRegistry()
	b, err := Register(sim, Config{}, reg, mem)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return b, sim, mem
}

func TestRegisterRejectsBadMagic(t *testing.T) {
	sim := transport.NewSimulator(4096)
	buildImage(t, sim)
	// Corrupt the magic.
	sim.Poke(0, []byte{0, 0, 0, 0})

	mem := hal.NewMemory()
	reg := DefaultRegistry()
	_, err := Register(sim, Config{}, reg, mem)
	if err == nil {
		t.Fatal("expected an error for a bad magic")
	}
	if !errors.Is(err, ctlerr.ErrMagic) {
		t.Fatalf("got %v, want ErrMagic", err)
	}
}

func TestRegisterRejectsVersionMismatch(t *testing.T) {
	sim := transport.NewSimulator(4096)
	buildImage(t, sim)
	hdr := sim.Peek(0, headerSize)
	hdr[5] = SupportedMajor + 1
	sim.Poke(0, hdr)

	mem := hal.NewMemory()
	reg := DefaultRegistry()
	if _, err := Register(sim, Config{}, reg, mem); !errors.Is(err, ctlerr.ErrVersion) {
		t.Fatalf("got %v, want ErrVersion", err)
	}
}

func TestRegisterDiscoversModulesAndResets(t *testing.T) {
	b, sim, mem := registerTestBoard(t)
	if b.FirmwareVersion() != "1.0.7" {
		t.Fatalf("FirmwareVersion() = %q, want 1.0.7", b.FirmwareVersion())
	}
	if b.Watchdog() == nil {
		t.Fatal("expected a discovered watchdog module")
	}
	if _, ok := mem.Bit("testboard.gpio.out.00"); !ok {
		t.Fatal("expected gpio to have registered its out.00 pin")
	}
	// reset() should have left the reset register at 0.
	got := sim.Peek(b.resetAddr, 4)
	if binary.BigEndian.Uint32(got) != 0 {
		t.Fatalf("reset register = %x, want 0", got)
	}
}

func TestCyclePipelineThreePhases(t *testing.T) {
	b, sim, _ := registerTestBoard(t)

	// Phase 1: first Read only seeds timing, no transport traffic and
	// no configure write yet.
	if err := b.Read(); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if b.ReadCount != 0 {
		t.Fatalf("ReadCount = %d after first Read, want 0", b.ReadCount)
	}

	// Phase 2: first Write computes and ships the configure payload,
	// then does a normal prepare_write.
	if err := b.Write(); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if !b.configured {
		t.Fatal("expected configured=true after first Write")
	}
	if b.WriteCount != 1 {
		t.Fatalf("WriteCount = %d after first Write, want 1", b.WriteCount)
	}

	// Phase 3: steady state — seed a read-region feedback word for the
	// watchdog (status=0, not bitten) and gpio input row, then confirm
	// a normal cycle runs cleanly.
	watchdogStatus := make([]byte, 4)
	sim.Poke(b.readAddr, watchdogStatus)
	gpioIn := make([]byte, 4) // BytesFor(1) == 4
	sim.Poke(b.readAddr+4, gpioIn)

	if err := b.Read(); err != nil {
		t.Fatalf("steady-state Read: %v", err)
	}
	if b.ReadCount != 1 {
		t.Fatalf("ReadCount = %d, want 1", b.ReadCount)
	}
	if err := b.Write(); err != nil {
		t.Fatalf("steady-state Write: %v", err)
	}
	if b.WriteCount != 2 {
		t.Fatalf("WriteCount = %d, want 2", b.WriteCount)
	}

	wd := b.Watchdog()
	if wd == nil {
		t.Fatal("expected a watchdog module")
	}
}

func TestWatchdogBiteSurfacesThroughBoard(t *testing.T) {
	b, sim, mem := registerTestBoard(t)
	if err := b.Read(); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if err := b.Write(); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	bitten := make([]byte, 4)
	binary.BigEndian.PutUint32(bitten, 1)
	sim.Poke(b.readAddr, bitten)
	sim.Poke(b.readAddr+4, make([]byte, 4))

	if err := b.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	hasBitten, ok := mem.Bit("testboard.watchdog.has_bitten")
	if !ok {
		t.Fatal("expected the watchdog to have registered its has_bitten pin")
	}
	if !hasBitten.Bool() {
		t.Fatal("expected has_bitten=true after a bitten status word")
	}
	wd := b.Watchdog()
	wd.ClearBitten()
	if hasBitten.Bool() {
		t.Fatal("expected has_bitten=false after ClearBitten")
	}
}

