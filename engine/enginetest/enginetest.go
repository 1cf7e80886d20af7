// Package enginetest provides an in-memory engine.Path for tests.
package enginetest

import (
	"encoding/binary"
	"fmt"

	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/memory"
)

// Constraint is an equality recorded by a Path.
type Constraint struct {
	Reg    engine.Register
	IsReg  bool
	Addr   uint64
	Value  uint64
	Accept bool
}

func (o Constraint) String() string {
	if o.IsReg {
		return fmt.Sprintf("%s == 0x%x", o.Reg, o.Value)
	}
	return fmt.Sprintf("[0x%x] == 0x%x", o.Addr, o.Value)
}

// Engine allocates path IDs and reports forks, like the real engine
// would.
type Engine struct {
	// OptOnFork, when non-nil, is called for each fork before
	// Path.Fork returns.
	OptOnFork func(parent engine.PathID, child engine.PathID)

	// Infeasible values are rejected by AddRegisterConstraint and
	// AddMemoryConstraint.
	Infeasible map[uint64]bool

	nextID engine.PathID
}

// NewPath creates a root path.
func (o *Engine) NewPath(vmmap *memory.VirtualMemoryMap) *Path {
	o.nextID++

	if vmmap == nil {
		vmmap, _ = memory.NewVirtualMemoryMap()
	}

	return &Path{
		engine: o,
		id:     o.nextID,
		Regs:   make(map[engine.Register]uint64),
		Mem:    make(map[uint64]byte),
		VMMap:  vmmap,
	}
}

// Path is a fake engine.Path backed by maps.
type Path struct {
	engine *Engine
	id     engine.PathID

	Regs        map[engine.Register]uint64
	Mem         map[uint64]byte
	VMMap       *memory.VirtualMemoryMap
	Constraints []Constraint
	Solution    []engine.ConcreteInput

	Terminated   bool
	TermReason   string
	Invalidated  int
	Children     []*Path
	RegWrites    []engine.Register
	MemoryWrites []uint64
}

var _ engine.Path = (*Path)(nil)

func (o *Path) ID() engine.PathID {
	return o.id
}

func (o *Path) ReadRegister(r engine.Register) (uint64, error) {
	return o.Regs[r], nil
}

func (o *Path) ReadMemory(addr uint64, size int) ([]byte, error) {
	b := make([]byte, size)
	for i := range b {
		v, hasIt := o.Mem[addr+uint64(i)]
		if !hasIt {
			return nil, fmt.Errorf("0x%x is not mapped", addr+uint64(i))
		}
		b[i] = v
	}

	return b, nil
}

// SetMemory writes raw bytes at addr.
func (o *Path) SetMemory(addr uint64, b []byte) {
	for i, v := range b {
		o.Mem[addr+uint64(i)] = v
	}
}

// SetUint64 writes a little endian qword at addr.
func (o *Path) SetUint64(addr uint64, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	o.SetMemory(addr, b)
}

// Uint64 reads a little endian qword at addr, treating unmapped
// bytes as zero.
func (o *Path) Uint64(addr uint64) uint64 {
	b := make([]byte, 8)
	for i := range b {
		b[i] = o.Mem[addr+uint64(i)]
	}

	return binary.LittleEndian.Uint64(b)
}

func (o *Path) WriteRegister(r engine.Register, value uint64) error {
	o.Regs[r] = value
	o.RegWrites = append(o.RegWrites, r)
	return nil
}

func (o *Path) WriteMemory(addr uint64, value uint64) error {
	o.SetUint64(addr, value)
	o.MemoryWrites = append(o.MemoryWrites, addr)
	return nil
}

func (o *Path) AddRegisterConstraint(r engine.Register, value uint64) bool {
	accept := !o.engine.Infeasible[value]
	o.Constraints = append(o.Constraints, Constraint{
		Reg:    r,
		IsReg:  true,
		Value:  value,
		Accept: accept,
	})
	return accept
}

func (o *Path) AddMemoryConstraint(addr uint64, value uint64) bool {
	accept := !o.engine.Infeasible[value]
	o.Constraints = append(o.Constraints, Constraint{
		Addr:   addr,
		Value:  value,
		Accept: accept,
	})
	return accept
}

func (o *Path) Fork() (engine.Path, error) {
	if o.Terminated {
		return nil, fmt.Errorf("path %d is terminated", o.id)
	}

	o.engine.nextID++

	child := &Path{
		engine:      o.engine,
		id:          o.engine.nextID,
		Regs:        make(map[engine.Register]uint64, len(o.Regs)),
		Mem:         make(map[uint64]byte, len(o.Mem)),
		VMMap:       o.VMMap,
		Constraints: append([]Constraint(nil), o.Constraints...),
		Solution:    append([]engine.ConcreteInput(nil), o.Solution...),
	}

	for r, v := range o.Regs {
		child.Regs[r] = v
	}

	for addr, v := range o.Mem {
		child.Mem[addr] = v
	}

	o.Children = append(o.Children, child)

	if o.engine.OptOnFork != nil {
		o.engine.OptOnFork(o.id, child.id)
	}

	return child, nil
}

func (o *Path) Terminate(reason string) {
	o.Terminated = true
	o.TermReason = reason
}

func (o *Path) InvalidateBlock() {
	o.Invalidated++
}

func (o *Path) SymbolicSolution() ([]engine.ConcreteInput, error) {
	return o.Solution, nil
}

func (o *Path) MemoryMap() *memory.VirtualMemoryMap {
	return o.VMMap
}

// AcceptedConstraints returns the constraints the fake solver accepted,
// in order.
func (o *Path) AcceptedConstraints() []Constraint {
	var accepted []Constraint
	for _, c := range o.Constraints {
		if c.Accept {
			accepted = append(accepted, c)
		}
	}

	return accepted
}
