package crax

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/expgen/engine"
)

// Hook capabilities. A module implements any subset of them.
type (
	InstructionHooker interface {
		BeforeInstruction(path engine.Path, inst engine.Instruction) error
	}

	AfterInstructionHooker interface {
		AfterInstruction(path engine.Path, inst engine.Instruction) error
	}

	SyscallHooker interface {
		BeforeSyscall(path engine.Path, sc engine.Syscall) error
	}

	AfterSyscallHooker interface {
		AfterSyscall(path engine.Path, sc engine.Syscall) error
	}

	// ForkDecider may narrow allow to false. It must never set it
	// back to true.
	ForkDecider interface {
		DecideFork(path engine.Path, allow *bool) error
	}

	ForkObserver interface {
		OnFork(parent engine.PathID, child engine.PathID)
	}

	TerminateObserver interface {
		OnTerminate(id engine.PathID)
	}

	// ExploitGenerationHooker runs when a path's RIP becomes symbolic,
	// before the exploit is generated. It returns
	// engine.ErrResumeExecution if it re-steered the path.
	ExploitGenerationHooker interface {
		BeforeExploitGeneration(path engine.Path) error
	}
)

// Registry dispatches hooks to modules in registration order. Modules
// registered later observe what earlier ones did during the same hook.
//
// CRAX registers IOStates, then DynamicRop, then the techniques of
// its plans in plan order.
type Registry struct {
	modules []any
}

// Register appends module. Registering a module that implements no
// hook, or registering it twice, is an error.
func (o *Registry) Register(module any) error {
	if !isModule(module) {
		return fmt.Errorf("%T implements no hook", module)
	}

	for _, m := range o.modules {
		if m == module {
			return fmt.Errorf("%T is already registered", module)
		}
	}

	o.modules = append(o.modules, module)

	return nil
}

func isModule(m any) bool {
	switch m.(type) {
	case InstructionHooker, AfterInstructionHooker, SyscallHooker, AfterSyscallHooker,
		ForkDecider, ForkObserver, TerminateObserver, ExploitGenerationHooker:
		return true
	default:
		return false
	}
}

// Len returns the number of registered modules.
func (o *Registry) Len() int {
	return len(o.modules)
}

func (o *Registry) BeforeInstruction(path engine.Path, inst engine.Instruction) error {
	for _, m := range o.modules {
		if h, ok := m.(InstructionHooker); ok {
			err := h.BeforeInstruction(path, inst)
			if err != nil {
				return fmt.Errorf("%T - %w", m, err)
			}
		}
	}

	return nil
}

func (o *Registry) AfterInstruction(path engine.Path, inst engine.Instruction) error {
	for _, m := range o.modules {
		if h, ok := m.(AfterInstructionHooker); ok {
			err := h.AfterInstruction(path, inst)
			if err != nil {
				return fmt.Errorf("%T - %w", m, err)
			}
		}
	}

	return nil
}

func (o *Registry) BeforeSyscall(path engine.Path, sc engine.Syscall) error {
	for _, m := range o.modules {
		if h, ok := m.(SyscallHooker); ok {
			err := h.BeforeSyscall(path, sc)
			if err != nil {
				return fmt.Errorf("%T - %w", m, err)
			}
		}
	}

	return nil
}

func (o *Registry) AfterSyscall(path engine.Path, sc engine.Syscall) error {
	for _, m := range o.modules {
		if h, ok := m.(AfterSyscallHooker); ok {
			err := h.AfterSyscall(path, sc)
			if err != nil {
				return fmt.Errorf("%T - %w", m, err)
			}
		}
	}

	return nil
}

// DecideFork asks each ForkDecider in turn. A module that returns an
// error does not prevent the others from being asked.
func (o *Registry) DecideFork(path engine.Path, allow *bool) error {
	var firstErr error

	for _, m := range o.modules {
		if h, ok := m.(ForkDecider); ok {
			before := *allow

			err := h.DecideFork(path, allow)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%T - %w", m, err)
			}

			// Narrowing only.
			*allow = before && *allow
		}
	}

	return firstErr
}

func (o *Registry) OnFork(parent engine.PathID, child engine.PathID) {
	for _, m := range o.modules {
		if h, ok := m.(ForkObserver); ok {
			h.OnFork(parent, child)
		}
	}
}

func (o *Registry) OnTerminate(id engine.PathID) {
	for _, m := range o.modules {
		if h, ok := m.(TerminateObserver); ok {
			h.OnTerminate(id)
		}
	}
}

// BeforeExploitGeneration stops at the first error, including
// engine.ErrResumeExecution, which is returned unwrapped.
func (o *Registry) BeforeExploitGeneration(path engine.Path) error {
	for _, m := range o.modules {
		if h, ok := m.(ExploitGenerationHooker); ok {
			err := h.BeforeExploitGeneration(path)
			if errors.Is(err, engine.ErrResumeExecution) {
				return engine.ErrResumeExecution
			}

			if err != nil {
				return fmt.Errorf("%T - %w", m, err)
			}
		}
	}

	return nil
}
