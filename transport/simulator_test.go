package transport

import (
	"bytes"
	"testing"
)

func TestSimulatorReadWriteRoundTrip(t *testing.T) {
	sim := NewSimulator(64)
	defer sim.Close()

	want := []byte{1, 2, 3, 4}
	if err := sim.WriteBytes(8, want); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got := make([]byte, 4)
	if err := sim.ReadBytes(8, got); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadBytes = %v, want %v", got, want)
	}
}

func TestSimulatorOutOfRangeFails(t *testing.T) {
	sim := NewSimulator(16)
	defer sim.Close()

	buf := make([]byte, 4)
	if err := sim.ReadBytes(14, buf); err == nil {
		t.Fatal("expected an error reading past the end of memory")
	}
	if err := sim.WriteBytes(14, buf); err == nil {
		t.Fatal("expected an error writing past the end of memory")
	}
}

func TestSimulatorPokePeek(t *testing.T) {
	sim := NewSimulator(32)
	defer sim.Close()

	sim.Poke(0, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	got := sim.Peek(0, 4)
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(got, want) {
		t.Fatalf("Peek = %x, want %x", got, want)
	}
}

func TestSimulatorClose(t *testing.T) {
	sim := NewSimulator(16)
	if err := sim.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
