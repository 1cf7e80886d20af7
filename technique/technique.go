// Package technique synthesizes the ROP subchains of exploitation
// techniques.
//
// A Technique describes its chain as a list of subchains. The first
// subchain is laid over the hijacked stack frame (its first value is
// the saved RBP, its second the return address). The remaining ones
// are sent as they are, after the first one has been delivered.
package technique

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gitlab.com/stephen-fox/expgen/dynrop"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/gadgets"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/ropkit"
)

const (
	Ret2csuName             = "Ret2csu"
	Ret2syscallName         = "Ret2syscall"
	GotPartialOverwriteName = "GotPartialOverwrite"
	GotLeakLibcName         = "GotLeakLibc"
	OneGadgetName           = "OneGadget"
	BasicStackPivotName     = "BasicStackPivot"
	AdvancedStackPivotName  = "AdvancedStackPivot"
)

var (
	// ErrNoViableTechnique is returned when no plan has all of its
	// requirements met.
	ErrNoViableTechnique = errors.New("no viable technique")

	// ErrUnknownTechnique is returned by New for an unsupported name.
	ErrUnknownTechnique = errors.New("unknown technique")
)

// Technique is an exploitation technique.
type Technique interface {
	// Name returns the technique's registry name.
	Name() string

	// CheckRequirements reports whether the gadgets, symbols and
	// protections the technique depends on are available. It is not
	// an error for it to return false.
	CheckRequirements() bool

	// RopSubchains returns the technique's chain. An empty result
	// means the technique contributes no chain.
	RopSubchains() ([]ropkit.Subchain, error)

	// ExtraRopSubchain is appended after the technique's subchains
	// when they are laid out directly in memory.
	ExtraRopSubchain() ropkit.Subchain
}

// StackPivot is implemented by techniques that move the stack to
// memory the exploit writes directly. Subchains of the techniques that
// follow a StackPivot do not need to be solved for.
type StackPivot interface {
	Technique
	IsStackPivot()
}

// AuxiliaryFunctioner is implemented by techniques that need helper
// functions in the generated script.
type AuxiliaryFunctioner interface {
	AuxiliaryFunctions() string
}

// Initializer is implemented by techniques that must act on the
// exploitable path before their chain is built. Initialize may return
// engine.ErrResumeExecution after re-steering the path.
type Initializer interface {
	Initialize(path engine.Path) error
}

// Context holds what techniques share: the analyzed images, the gadget
// resolver and the script's symbol table.
type Context struct {
	Elf  *elfkit.Image
	Libc *elfkit.Image

	Resolver *gadgets.Resolver

	// Symtab receives every script variable a technique refers to.
	// Symbols are stored in the context of the image they are
	// relative to.
	Symtab *memory.AddressTable

	// DynamicRop is required by AdvancedStackPivot.
	DynamicRop *dynrop.DynamicRop

	// OptLogger, when non-nil, is used instead of log.Default.
	OptLogger *log.Logger

	// OptOneGadgetOutput is the output of one_gadget for Libc. If it
	// is empty, one_gadget is executed when needed.
	OptOneGadgetOutput string

	mu         sync.Mutex
	techniques map[string]Technique
}

func (o *Context) logger() *log.Logger {
	if o.OptLogger != nil {
		return o.OptLogger
	}

	return log.Default()
}

// Names returns the names New accepts.
func Names() []string {
	return []string{
		Ret2csuName,
		Ret2syscallName,
		GotPartialOverwriteName,
		GotLeakLibcName,
		OneGadgetName,
		BasicStackPivotName,
		AdvancedStackPivotName,
	}
}

// New creates the technique named name and registers it in ctx.
// Creating a technique twice returns the existing instance.
func New(ctx *Context, name string) (Technique, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	return ctx.newLocked(name)
}

func (o *Context) newLocked(name string) (Technique, error) {
	if o.techniques == nil {
		o.techniques = make(map[string]Technique)
	}

	t, hasIt := o.techniques[name]
	if hasIt {
		return t, nil
	}

	switch name {
	case Ret2csuName:
		t = &Ret2csu{ctx: o}
	case Ret2syscallName:
		t = &Ret2syscall{ctx: o}
	case GotPartialOverwriteName:
		t = &GotPartialOverwrite{ctx: o}
	case GotLeakLibcName:
		t = &GotLeakLibc{ctx: o}
	case OneGadgetName:
		t = &OneGadget{ctx: o}
	case BasicStackPivotName:
		t = &BasicStackPivot{ctx: o}
	case AdvancedStackPivotName:
		t = &AdvancedStackPivot{
			ctx:         o,
			callSites:   make(map[uint64]readCallSite),
			initialized: make(map[engine.PathID]struct{}),
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTechnique, name)
	}

	o.techniques[name] = t

	return t, nil
}

// ret2csu returns the context's Ret2csu, which call gadget based
// techniques build upon.
func (o *Context) ret2csu() *Ret2csu {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, _ := o.newLocked(Ret2csuName)

	return t.(*Ret2csu)
}

// gadget resolves asm in img and registers it as a script variable.
func (o *Context) gadget(img *elfkit.Image, asm string) (ropkit.BaseOffset, error) {
	addr, err := o.Resolver.Resolve(img, asm)
	if err != nil {
		return ropkit.BaseOffset{}, err
	}

	return o.variable(img, gadgets.VarName(asm), addr), nil
}

// variable registers a script variable holding an address relative
// to img's base.
func (o *Context) variable(img *elfkit.Image, name string, value uint64) ropkit.BaseOffset {
	o.Symtab.AddSymbolInContext(name, value, img.Name)

	return ropkit.Var(img, name, value)
}

// Plan is a list of techniques that are chained in order.
type Plan []Technique

func (o Plan) String() string {
	str := "["
	for i, t := range o {
		if i > 0 {
			str += ", "
		}
		str += t.Name()
	}

	return str + "]"
}

// SelectPlan returns the first plan whose techniques all meet their
// requirements.
func SelectPlan(plans []Plan) (Plan, error) {
	for _, plan := range plans {
		viable := len(plan) > 0

		for _, t := range plan {
			if !t.CheckRequirements() {
				viable = false
				break
			}
		}

		if viable {
			return plan, nil
		}
	}

	return nil, ErrNoViableTechnique
}

// concat joins subchains into one.
func concat(subchains ...ropkit.Subchain) ropkit.Subchain {
	var n int
	for _, sc := range subchains {
		n += len(sc)
	}

	joined := make(ropkit.Subchain, 0, n)
	for _, sc := range subchains {
		joined = append(joined, sc...)
	}

	return joined
}
