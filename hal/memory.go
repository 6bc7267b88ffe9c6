package hal

import "fmt"

// Memory is an in-process Registry suitable for tests and command-line
// tools: every pin is a plain in-memory cell, and functions are invoked
// directly rather than scheduled by a real-time thread.
type Memory struct {
	bits  map[string]*bitCell
	u32s  map[string]*u32Cell
	s32s  map[string]*s32Cell
	flts  map[string]*floatCell
	funcs map[string]func() error
}

// NewMemory returns an empty Memory registry.
func NewMemory() *Memory {
	return &Memory{
		bits:  map[string]*bitCell{},
		u32s:  map[string]*u32Cell{},
		s32s:  map[string]*s32Cell{},
		flts:  map[string]*floatCell{},
		funcs: map[string]func() error{},
	}
}

type bitCell struct{ v bool }

func (c *bitCell) Bool() bool    { return c.v }
func (c *bitCell) SetBool(v bool) { c.v = v }

type u32Cell struct{ v uint32 }

func (c *u32Cell) Uint32() uint32    { return c.v }
func (c *u32Cell) SetUint32(v uint32) { c.v = v }

type s32Cell struct{ v int32 }

func (c *s32Cell) Int32() int32    { return c.v }
func (c *s32Cell) SetInt32(v int32) { c.v = v }

type floatCell struct{ v float64 }

func (c *floatCell) Float64() float64    { return c.v }
func (c *floatCell) SetFloat64(v float64) { c.v = v }

func (m *Memory) NewBit(dir Direction, name string) (BitPin, error) {
	if _, ok := m.bits[name]; ok {
		return nil, fmt.Errorf("hal: duplicate pin %q", name)
	}
	c := &bitCell{}
	m.bits[name] = c
	return c, nil
}

func (m *Memory) NewU32(dir Direction, name string) (U32Pin, error) {
	if _, ok := m.u32s[name]; ok {
		return nil, fmt.Errorf("hal: duplicate pin %q", name)
	}
	c := &u32Cell{}
	m.u32s[name] = c
	return c, nil
}

func (m *Memory) NewS32(dir Direction, name string) (S32Pin, error) {
	if _, ok := m.s32s[name]; ok {
		return nil, fmt.Errorf("hal: duplicate pin %q", name)
	}
	c := &s32Cell{}
	m.s32s[name] = c
	return c, nil
}

func (m *Memory) NewFloat(dir Direction, name string) (FloatPin, error) {
	if _, ok := m.flts[name]; ok {
		return nil, fmt.Errorf("hal: duplicate pin %q", name)
	}
	c := &floatCell{}
	m.flts[name] = c
	return c, nil
}

func (m *Memory) NewFunction(name string, fn func() error) error {
	if _, ok := m.funcs[name]; ok {
		return fmt.Errorf("hal: duplicate function %q", name)
	}
	m.funcs[name] = fn
	return nil
}

// Call invokes a previously-exported function by name, standing in for
// the real-time scheduler in tests.
func (m *Memory) Call(name string) error {
	fn, ok := m.funcs[name]
	if !ok {
		return fmt.Errorf("hal: no such function %q", name)
	}
	return fn()
}

// Bit looks up a previously-created bit pin, for test assertions.
func (m *Memory) Bit(name string) (BitPin, bool) {
	c, ok := m.bits[name]
	return c, ok
}

// U32 looks up a previously-created u32 pin, for test assertions.
func (m *Memory) U32(name string) (U32Pin, bool) {
	c, ok := m.u32s[name]
	return c, ok
}

// Float looks up a previously-created float pin, for test assertions.
func (m *Memory) Float(name string) (FloatPin, bool) {
	c, ok := m.flts[name]
	return c, ok
}
