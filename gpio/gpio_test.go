package gpio

import (
	"fmt"
	"testing"

	"litexcnc.dev/driver/hal"
	"litexcnc.dev/driver/module"
	"litexcnc.dev/driver/wire"
)

func newTestGpio(t *testing.T, numOut, numIn int) (*Gpio, *hal.Memory) {
	t.Helper()
	mem := hal.NewMemory()
	g, err := New(module.BringupInfo{BoardName: "test"}, numOut, numIn, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, mem
}

func TestPrepareWriteBitPositions(t *testing.T) {
	g, mem := newTestGpio(t, 3, 0)
	out, _ := mem.Bit("test.gpio.out.00")
	out.SetBool(true)

	buf := make([]byte, g.WriteSize())
	w := wire.NewWriter(buf)
	if err := g.PrepareWrite(0.001, w); err != nil {
		t.Fatal(err)
	}
	if w.Err() != nil {
		t.Fatalf("writer error: %v", w.Err())
	}
	// 3 pins, padded to 32 bits: pin 0 maps to absolute bit 0, i.e. the
	// high bit of the first byte of the 4-byte row.
	got := w.Pos()
	if got != 4 {
		t.Fatalf("expected 4 bytes written, got %d", got)
	}
	if buf[0] != 0b10000000 {
		t.Fatalf("first byte = %08b, want %08b", buf[0], byte(0b10000000))
	}
}

// TestProcessReadScenario6 decodes the literal input row from the
// specification's worked bring-up example: 5 input pins packed into the
// byte sequence [0b10110000, 0, 0, 0]. Pin p sits at absolute bit p
// counted from the start of the row, so pins 0, 2 and 3 read high and
// pins 1 and 4 read low.
func TestProcessReadScenario6(t *testing.T) {
	g, mem := newTestGpio(t, 0, 5)
	buf := []byte{0b10110000, 0, 0, 0}

	r := wire.NewReader(buf)
	if err := g.ProcessRead(0.001, r); err != nil {
		t.Fatal(err)
	}

	want := map[int]bool{0: true, 1: false, 2: true, 3: true, 4: false}
	for i, wantIn := range want {
		in, _ := mem.Bit(fmt.Sprintf("test.gpio.in.%02d", i))
		inNot, _ := mem.Bit(fmt.Sprintf("test.gpio.in.%02d-not", i))
		if in.Bool() != wantIn || inNot.Bool() == wantIn {
			t.Errorf("pin %d: in=%v in_not=%v, want in=%v", i, in.Bool(), inNot.Bool(), wantIn)
		}
	}
}

func TestPrepareWriteInvertOutput(t *testing.T) {
	g, mem := newTestGpio(t, 1, 0)
	out, _ := mem.Bit("test.gpio.out.00")
	invert, _ := mem.Bit("test.gpio.out.00.invert_output")
	out.SetBool(false)
	invert.SetBool(true)

	buf := make([]byte, g.WriteSize())
	w := wire.NewWriter(buf)
	if err := g.PrepareWrite(0.001, w); err != nil {
		t.Fatal(err)
	}
	if !wire.PackedBit(buf, 1, 0) {
		t.Fatal("expected inverted output bit to be set")
	}
}

func TestProcessReadComplementary(t *testing.T) {
	g, mem := newTestGpio(t, 0, 2)
	buf := make([]byte, g.ReadSize())
	wire.SetPackedBit(buf, 2, 1)

	r := wire.NewReader(buf)
	if err := g.ProcessRead(0.001, r); err != nil {
		t.Fatal(err)
	}
	in0, _ := mem.Bit("test.gpio.in.00")
	inNot0, _ := mem.Bit("test.gpio.in.00-not")
	in1, _ := mem.Bit("test.gpio.in.01")
	inNot1, _ := mem.Bit("test.gpio.in.01-not")

	if in0.Bool() || !inNot0.Bool() {
		t.Errorf("pin 0: in=%v in_not=%v, want false/true", in0.Bool(), inNot0.Bool())
	}
	if !in1.Bool() || inNot1.Bool() {
		t.Errorf("pin 1: in=%v in_not=%v, want true/false", in1.Bool(), inNot1.Bool())
	}
}

func TestFactoryParsesCounts(t *testing.T) {
	mem := hal.NewMemory()
	desc := wire.NewReader([]byte{2, 3})
	m, err := Factory(module.BringupInfo{BoardName: "test"}, 0, desc, mem)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	g := m.(*Gpio)
	if g.WriteSize() != wire.BytesFor(2) || g.ReadSize() != wire.BytesFor(3) {
		t.Fatalf("unexpected sizes: write=%d read=%d", g.WriteSize(), g.ReadSize())
	}
}
