// Package dynrop performs ROP inside the explored execution in order
// to reach deeper paths.
//
// Constraints are accumulated with AddConstraint, committed as a group
// to a path's queue, and applied one group at a time, oldest first.
package dynrop

import (
	"errors"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/pathstate"
)

// TerminateReason is the reason given to the engine when a group
// cannot be applied.
const TerminateReason = "dynamic rop failed"

// ErrInfeasibleConstraint is returned when the solver rejects a
// constraint. The path has been terminated by the time it is returned.
var ErrInfeasibleConstraint = errors.New("infeasible dynamic rop constraint")

// Constraint is a RegisterConstraint or a MemoryConstraint.
type Constraint interface {
	Accept(Visitor)
}

// Visitor must handle every Constraint variant.
type Visitor interface {
	RegisterConstraint(RegisterConstraint)
	MemoryConstraint(MemoryConstraint)
}

// RegisterConstraint forces Reg to Value.
type RegisterConstraint struct {
	Reg   engine.Register
	Value uint64
}

func (o RegisterConstraint) Accept(v Visitor) { v.RegisterConstraint(o) }

func (o RegisterConstraint) String() string {
	return fmt.Sprintf("%s = 0x%x", o.Reg, o.Value)
}

// MemoryConstraint forces the qword at Addr to Value.
type MemoryConstraint struct {
	Addr  uint64
	Value uint64
}

func (o MemoryConstraint) Accept(v Visitor) { v.MemoryConstraint(o) }

func (o MemoryConstraint) String() string {
	return fmt.Sprintf("[0x%x] = 0x%x", o.Addr, o.Value)
}

// ConstraintGroup is applied atomically from the queue's point of view:
// it is dequeued as a whole.
type ConstraintGroup []Constraint

type state struct {
	queue []ConstraintGroup
}

func (o *state) Clone() *state {
	cp := &state{
		queue: make([]ConstraintGroup, len(o.queue)),
	}

	for i, group := range o.queue {
		cp.queue[i] = append(ConstraintGroup(nil), group...)
	}

	return cp
}

// New creates a DynamicRop. elf is used to rebase register values
// that point into the target executable when a user ELF base is set.
func New(elf *elfkit.Image) *DynamicRop {
	return &DynamicRop{
		elf: elf,
		states: pathstate.New(func() *state {
			return &state{}
		}),
	}
}

// DynamicRop holds a FIFO of constraint groups per path.
type DynamicRop struct {
	// OptLogger, when non-nil, is used instead of log.Default.
	OptLogger *log.Logger

	// OptElfBase is the load base of the target executable in the
	// environment being exploited. Zero means it matches the explored
	// execution.
	OptElfBase uint64

	// OptOnGroupApplied, when non-nil, is called after a group was
	// applied successfully.
	OptOnGroupApplied func()

	elf     *elfkit.Image
	current ConstraintGroup
	states  *pathstate.Map[*state]
}

func (o *DynamicRop) logger() *log.Logger {
	if o.OptLogger != nil {
		return o.OptLogger
	}

	return log.Default()
}

// AddConstraint appends c to the group being built.
func (o *DynamicRop) AddConstraint(c Constraint) *DynamicRop {
	o.current = append(o.current, c)
	return o
}

// Commit moves the group being built to the end of the path's queue.
func (o *DynamicRop) Commit(id engine.PathID) {
	st := o.states.Get(id)
	st.queue = append(st.queue, o.current)
	o.current = nil
}

// Pending returns the number of groups queued for a path.
func (o *DynamicRop) Pending(id engine.PathID) int {
	st, hasIt := o.states.Lookup(id)
	if !hasIt {
		return 0
	}

	return len(st.queue)
}

// OnFork copies the parent's queue to the child.
func (o *DynamicRop) OnFork(parent engine.PathID, child engine.PathID) {
	o.states.Fork(parent, child)
}

// OnTerminate drops the path's queue.
func (o *DynamicRop) OnTerminate(id engine.PathID) {
	o.states.Delete(id)
}

// BeforeExploitGeneration applies the next group of the path. It
// returns engine.ErrResumeExecution if RIP was changed.
func (o *DynamicRop) BeforeExploitGeneration(path engine.Path) error {
	ripConstrained, err := o.ApplyNextConstraintGroup(path)
	if err != nil {
		return err
	}

	if ripConstrained {
		return engine.ErrResumeExecution
	}

	return nil
}

// ApplyNextConstraintGroup dequeues the oldest group of the path and
// applies each of its constraints in order. Each constrained location
// is also overwritten with the constrained value.
//
// If a constraint is infeasible, the path is terminated and the error
// wraps ErrInfeasibleConstraint. If a group constrained RIP, the
// current block is invalidated and ripConstrained is true.
func (o *DynamicRop) ApplyNextConstraintGroup(path engine.Path) (ripConstrained bool, err error) {
	st := o.states.Get(path.ID())

	if len(st.queue) == 0 {
		o.logger().Println("warn: no more dynamic rop constraints to apply")
		return false, nil
	}

	group := st.queue[0]
	st.queue = st.queue[1:]

	o.logger().Printf("applying dynamic rop constraints to path %d", path.ID())

	applier := &applier{
		dynRop: o,
		path:   path,
	}

	for _, c := range group {
		c.Accept(applier)

		if applier.err != nil {
			path.Terminate(TerminateReason)
			return false, applier.err
		}
	}

	if o.OptOnGroupApplied != nil {
		o.OptOnGroupApplied()
	}

	if applier.ripConstrained {
		path.InvalidateBlock()
	}

	return applier.ripConstrained, nil
}

type applier struct {
	dynRop         *DynamicRop
	path           engine.Path
	ripConstrained bool
	err            error
}

func (o *applier) RegisterConstraint(c RegisterConstraint) {
	if c.Reg == engine.RIP {
		o.ripConstrained = true
	}

	constrained, err := o.dynRop.rebase(o.path, c.Value)
	if err != nil {
		o.err = err
		return
	}

	if !o.path.AddRegisterConstraint(c.Reg, constrained) {
		o.err = fmt.Errorf("%w: %s", ErrInfeasibleConstraint, c)
		return
	}

	err = o.path.WriteRegister(c.Reg, c.Value)
	if err != nil {
		o.err = fmt.Errorf("failed to write %s - %w", c.Reg, err)
	}
}

func (o *applier) MemoryConstraint(c MemoryConstraint) {
	if !o.path.AddMemoryConstraint(c.Addr, c.Value) {
		o.err = fmt.Errorf("%w: %s", ErrInfeasibleConstraint, c)
		return
	}

	err := o.path.WriteMemory(c.Addr, c.Value)
	if err != nil {
		o.err = fmt.Errorf("failed to write 0x%x - %w", c.Addr, err)
	}
}

// rebase moves value to the user ELF base if it points into the
// target executable.
func (o *DynamicRop) rebase(path engine.Path, value uint64) (uint64, error) {
	if o.OptElfBase == 0 {
		return value, nil
	}

	module, found := path.MemoryMap().Module(value)
	if !found || module != memory.ElfLabel {
		return value, nil
	}

	rebased, err := o.elf.RebaseAddress(value, o.OptElfBase)
	if err != nil {
		return 0, fmt.Errorf("failed to rebase 0x%x - %w", value, err)
	}

	return rebased, nil
}
