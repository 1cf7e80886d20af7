// Package crax drives exploit generation from a symbolic execution
// engine's callbacks.
//
// The engine reports instructions, forks and terminations of its paths
// to CRAX, which dispatches them to its modules: IOStates, which tracks
// I/O and leaks, DynamicRop, which re-steers paths, and the techniques
// of the configured plans. When a path's RIP becomes symbolic, CRAX
// builds a ROP chain with the first viable plan and compiles the path
// into an exploit script.
package crax

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gitlab.com/stephen-fox/expgen/dynrop"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/gadgets"
	"gitlab.com/stephen-fox/expgen/iostates"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/pathstate"
	"gitlab.com/stephen-fox/expgen/ropchain"
	"gitlab.com/stephen-fox/expgen/scriptgen"
	"gitlab.com/stephen-fox/expgen/technique"
)

// Path termination reasons.
const (
	EndOfExploitGeneration  = "end of exploit generation"
	ExploitGenerationFailed = "exploit generation failed"
)

const (
	elfImageName             = "elf"
	libcImageName            = "libc"
	syscallInstructionLength = 2
)

// ErrResumeExecution is returned by OnSymbolicRip when the path was
// re-steered instead of exploited.
var ErrResumeExecution = engine.ErrResumeExecution

// pathTerminatedError is returned when a module already terminated
// the path.
type pathTerminatedError struct {
	reason string
	err    error
}

func (o *pathTerminatedError) Error() string {
	return o.err.Error()
}

func (o *pathTerminatedError) Unwrap() error {
	return o.err
}

// terminatedByDynamicRop wraps err if dynamic ROP terminated the path
// because of it.
func terminatedByDynamicRop(err error) error {
	if errors.Is(err, dynrop.ErrInfeasibleConstraint) {
		return &pathTerminatedError{reason: dynrop.TerminateReason, err: err}
	}

	return err
}

// New opens the images named by config and creates a CRAX.
func New(ctx context.Context, config *Config, metrics *Metrics) (*CRAX, error) {
	elf, err := elfkit.Open(config.Elf, elfImageName)
	if err != nil {
		return nil, fmt.Errorf("failed to open elf - %w", err)
	}

	var libc *elfkit.Image
	if config.Libc != "" {
		libc, err = elfkit.Open(config.Libc, libcImageName)
		if err != nil {
			return nil, fmt.Errorf("failed to open libc - %w", err)
		}
	}

	return NewFromImages(ctx, config, metrics, elf, libc)
}

// NewFromImages creates a CRAX for already analyzed images. optLibc
// may be nil. metrics may be nil, in which case unregistered metrics
// are used.
func NewFromImages(ctx context.Context, config *Config, metrics *Metrics, elf *elfkit.Image, optLibc *elfkit.Image) (*CRAX, error) {
	err := config.validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate config - %w", err)
	}

	if metrics == nil {
		metrics, err = NewMetrics(nil)
		if err != nil {
			return nil, err
		}
	}

	images := []*elfkit.Image{elf}
	if optLibc != nil {
		images = append(images, optLibc)
	}

	indexes, err := gadgets.BuildIndexes(ctx, images...)
	if err != nil {
		return nil, err
	}

	crax := &CRAX{
		config:   config,
		metrics:  metrics,
		elf:      elf,
		libc:     optLibc,
		symtab:   memory.NewAddressTable(),
		registry: &Registry{},
		allowed:  make(map[engine.PathID]struct{}),
		syscalls: pathstate.New(func() *syscallState {
			return &syscallState{}
		}),
	}

	crax.ioStates = iostates.New(iostates.Config{
		Elf:                  elf,
		LeakLibc:             config.LeakLibc,
		DisableNativeForking: config.DisableNativeForking,
		OptCanary:            config.Canary,
		OptStateInfoList:     config.stateInfoList,
		OptBeforeFork:        crax.allowFork,
		OptAfterFork:         crax.revokeFork,
	})

	crax.dynRop = dynrop.New(elf)
	crax.dynRop.OptElfBase = config.ElfBase
	crax.dynRop.OptOnGroupApplied = metrics.ConstraintGroupsApplied.Inc

	crax.techniques = &technique.Context{
		Elf:                elf,
		Libc:               optLibc,
		Resolver:           gadgets.NewResolver(indexes...),
		Symtab:             crax.symtab,
		DynamicRop:         crax.dynRop,
		OptOneGadgetOutput: config.OneGadgetOutput,
	}

	for _, m := range []any{crax.ioStates, crax.dynRop} {
		err = crax.registry.Register(m)
		if err != nil {
			return nil, err
		}
	}

	for _, names := range config.Plans {
		var plan technique.Plan

		for _, name := range names {
			t, err := technique.New(crax.techniques, name)
			if err != nil {
				return nil, err
			}

			plan = append(plan, t)

			if isModule(t) && !crax.isRegistered(t) {
				err = crax.registry.Register(t)
				if err != nil {
					return nil, err
				}
			}
		}

		crax.plans = append(crax.plans, plan)
	}

	return crax, nil
}

// CRAX implements the engine callbacks of exploit generation. It is
// safe for concurrent use by paths that are explored in parallel.
type CRAX struct {
	config  *Config
	metrics *Metrics

	elf  *elfkit.Image
	libc *elfkit.Image

	symtab     *memory.AddressTable
	ioStates   *iostates.IOStates
	dynRop     *dynrop.DynamicRop
	techniques *technique.Context
	plans      []technique.Plan
	registry   *Registry

	mu      sync.Mutex
	allowed map[engine.PathID]struct{}
	bases   basesState

	syscalls *pathstate.Map[*syscallState]

	// genMu serializes exploit generation, which shares the
	// script's symbol table.
	genMu sync.Mutex
}

type basesState struct {
	elf  bool
	libc bool
}

// syscallState is the syscall a path is in, if any.
type syscallState struct {
	pending bool
	retAddr uint64
	sc      engine.Syscall
}

func (o *syscallState) Clone() *syscallState {
	c := *o
	return &c
}

// SetLogger sets the logger of CRAX and its modules.
func (o *CRAX) SetLogger(logger *log.Logger) {
	o.ioStates.OptLogger = logger
	o.dynRop.OptLogger = logger
	o.techniques.OptLogger = logger
	o.techniques.Resolver.OptLogger = logger
}

func (o *CRAX) logger() *log.Logger {
	if o.techniques.OptLogger != nil {
		return o.techniques.OptLogger
	}

	return log.Default()
}

func (o *CRAX) isRegistered(module any) bool {
	for _, m := range o.registry.modules {
		if m == module {
			return true
		}
	}

	return false
}

// IOStates returns the I/O state tracking module.
func (o *CRAX) IOStates() *iostates.IOStates {
	return o.ioStates
}

// DynamicRop returns the dynamic ROP module.
func (o *CRAX) DynamicRop() *dynrop.DynamicRop {
	return o.dynRop
}

// Symtab returns the symbol table of generated scripts.
func (o *CRAX) Symtab() *memory.AddressTable {
	return o.symtab
}

// BeforeInstruction is called before inst executes on path. A syscall
// instruction is reported to the modules as a syscall as well. The
// syscall's return is reported when the instruction that follows it
// is about to execute.
func (o *CRAX) BeforeInstruction(path engine.Path, inst engine.Instruction) error {
	o.resolveBases(path)

	st := o.syscalls.Get(path.ID())
	if st.pending && st.retAddr == inst.Addr {
		st.pending = false

		ret, err := path.ReadRegister(engine.RAX)
		if err != nil {
			return err
		}

		sc := st.sc
		sc.Ret = ret

		err = o.registry.AfterSyscall(path, sc)
		if err != nil {
			return err
		}
	}

	if o.config.ShowInstructions {
		o.logger().Printf("0x%x: %s %s", inst.Addr, inst.Mnemonic, inst.OpStr)
	}

	if inst.Mnemonic == "syscall" {
		err := o.beforeSyscall(path, inst, st)
		if err != nil {
			return err
		}
	}

	return o.registry.BeforeInstruction(path, inst)
}

func (o *CRAX) beforeSyscall(path engine.Path, inst engine.Instruction, st *syscallState) error {
	regs := [...]engine.Register{engine.RAX, engine.RDI, engine.RSI, engine.RDX, engine.R10, engine.R8, engine.R9}

	var values [len(regs)]uint64
	for i, r := range regs {
		value, err := path.ReadRegister(r)
		if err != nil {
			return err
		}

		values[i] = value
	}

	sc := engine.Syscall{Nr: values[0]}
	copy(sc.Args[:], values[1:])

	if o.config.ShowSyscalls {
		o.logger().Printf("syscall: 0x%x (0x%x, 0x%x, 0x%x, 0x%x, 0x%x, 0x%x)",
			sc.Nr, sc.Args[0], sc.Args[1], sc.Args[2], sc.Args[3], sc.Args[4], sc.Args[5])
	}

	size := uint64(inst.Size)
	if size == 0 {
		size = syscallInstructionLength
	}

	// Recorded first, so that paths forked by the hooks inherit it.
	st.pending = true
	st.retAddr = inst.Addr + size
	st.sc = sc

	return o.registry.BeforeSyscall(path, sc)
}

// AfterInstruction is called after inst executed on path.
func (o *CRAX) AfterInstruction(path engine.Path, inst engine.Instruction) error {
	return o.registry.AfterInstruction(path, inst)
}

// resolveBases sets the load bases of the images once they show up in
// the path's memory map.
func (o *CRAX) resolveBases(path engine.Path) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.bases.elf && (o.bases.libc || o.libc == nil) {
		return
	}

	vmmap := path.MemoryMap()
	if vmmap == nil {
		return
	}

	if !o.bases.elf {
		base, found := moduleBase(vmmap, memory.ElfLabel)
		if found {
			o.bases.elf = true

			if o.elf.Checksec.HasPIE {
				o.elf.SetBase(base)
				o.logger().Printf("elf loaded at 0x%x", base)
			}
		}
	}

	if o.libc != nil && !o.bases.libc {
		base, found := moduleBase(vmmap, memory.LibcLabel)
		if found {
			o.bases.libc = true
			o.libc.SetBase(base)
			o.logger().Printf("libc loaded at 0x%x", base)
		}
	}
}

func moduleBase(vmmap *memory.VirtualMemoryMap, module string) (uint64, bool) {
	for _, region := range vmmap.Regions() {
		if region.Module == module {
			return region.Start, true
		}
	}

	return 0, false
}

// OnFork must be called by the engine when parent forked child, before
// child executes.
func (o *CRAX) OnFork(parent engine.PathID, child engine.PathID) {
	o.syscalls.Fork(parent, child)
	o.registry.OnFork(parent, child)
}

// OnTerminate must be called by the engine when a path terminated.
func (o *CRAX) OnTerminate(id engine.PathID) {
	o.syscalls.Delete(id)
	o.registry.OnTerminate(id)

	o.mu.Lock()
	delete(o.allowed, id)
	o.mu.Unlock()
}

// allowFork grants the next fork decision of path an exception.
func (o *CRAX) allowFork(id engine.PathID) {
	o.mu.Lock()
	o.allowed[id] = struct{}{}
	o.mu.Unlock()
}

// revokeFork drops the exception of path if its fork did not consume
// it. Engines do not always consult the fork decision for forks that
// modules request.
func (o *CRAX) revokeFork(id engine.PathID) {
	o.mu.Lock()
	delete(o.allowed, id)
	o.mu.Unlock()
}

// DecideFork reports whether the engine may fork path. The modules may
// veto it, unless the fork was requested by a module.
func (o *CRAX) DecideFork(path engine.Path) bool {
	allow := true

	err := o.registry.DecideFork(path, &allow)
	if err != nil {
		o.logger().Printf("warn: failed to decide fork of path %d - %s", path.ID(), err)
	}

	o.mu.Lock()
	_, requested := o.allowed[path.ID()]
	delete(o.allowed, path.ID())
	o.mu.Unlock()

	allow = allow || requested

	if !allow {
		o.metrics.ForkVetoes.Inc()
	}

	return allow
}

func (o *CRAX) terminate(path engine.Path, reason string) {
	path.Terminate(reason)
	o.metrics.PathsTerminated.WithLabelValues(reason).Inc()
}

// OnSymbolicRip is called when path's RIP became symbolic. It returns
// ErrResumeExecution if a module re-steered the path, which must then
// be resumed. Otherwise the path is terminated, and the returned string
// is the path of the exploit script.
func (o *CRAX) OnSymbolicRip(path engine.Path) (string, error) {
	rip, err := path.ReadRegister(engine.RIP)
	if err == nil {
		o.logger().Printf("detected symbolic rip on path %d: 0x%x", path.ID(), rip)
	}

	scriptPath, err := o.exploit(path)
	if errors.Is(err, ErrResumeExecution) {
		return "", ErrResumeExecution
	}

	var terminated *pathTerminatedError
	if errors.As(err, &terminated) {
		o.metrics.PathsTerminated.WithLabelValues(terminated.reason).Inc()
		return "", err
	}

	if err != nil {
		o.logger().Printf("failed to generate exploit for path %d - %s", path.ID(), err)
		o.terminate(path, ExploitGenerationFailed)
		return "", err
	}

	o.terminate(path, EndOfExploitGeneration)

	return scriptPath, nil
}

func (o *CRAX) exploit(path engine.Path) (string, error) {
	err := o.registry.BeforeExploitGeneration(path)
	if err != nil {
		return "", terminatedByDynamicRop(err)
	}

	return o.generateExploit(path)
}

func (o *CRAX) generateExploit(path engine.Path) (string, error) {
	o.genMu.Lock()
	defer o.genMu.Unlock()

	err := o.ioStates.CheckRequirements(path)
	if err != nil {
		return "", err
	}

	plan, err := technique.SelectPlan(o.plans)
	if err != nil {
		return "", err
	}

	o.logger().Printf("using plan: %s", plan)

	for _, t := range plan {
		initializer, ok := t.(technique.Initializer)
		if !ok {
			continue
		}

		err = initializer.Initialize(path)
		if err != nil {
			if errors.Is(err, ErrResumeExecution) {
				return "", ErrResumeExecution
			}

			return "", terminatedByDynamicRop(fmt.Errorf("failed to initialize %s - %w", t.Name(), err))
		}
	}

	builder := ropchain.NewBuilder(path, o.elf, o.symtab)
	builder.OptLogger = o.techniques.OptLogger

	for _, t := range plan {
		err = builder.Chain(t)
		if err != nil {
			return "", fmt.Errorf("failed to chain %s - %w", t.Name(), err)
		}
	}

	chain, err := builder.Build()
	if err != nil {
		return "", err
	}

	script := &scriptgen.Script{}

	err = scriptgen.Generate(script, scriptgen.Config{
		Elf:                o.elf,
		OptLibc:            o.libc,
		Symtab:             o.symtab,
		Target:             o.config.target,
		AuxiliaryFunctions: auxiliaryFunctions(plan),
		State:              o.ioStates.State(path.ID()),
		Chain:              chain,
		OptStage1Solver:    o.config.Stage1Solver,
		OptLogger:          o.techniques.OptLogger,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate script - %w", err)
	}

	scriptPath := filepath.Join(o.config.OutputDir,
		fmt.Sprintf("exploit_%s_%d.py", o.elf.VarPrefix(), path.ID()))

	err = os.WriteFile(scriptPath, []byte(script.String()), 0o755)
	if err != nil {
		return "", fmt.Errorf("failed to write script - %w", err)
	}

	o.metrics.ExploitsGenerated.Inc()
	o.logger().Printf("generated exploit script: %s", scriptPath)

	return scriptPath, nil
}

// auxiliaryFunctions returns the helper functions of the plan's
// techniques, without duplicates.
func auxiliaryFunctions(plan technique.Plan) []string {
	var fns []string
	seen := make(map[string]struct{})

	for _, t := range plan {
		af, ok := t.(technique.AuxiliaryFunctioner)
		if !ok {
			continue
		}

		fn := af.AuxiliaryFunctions()
		if _, dup := seen[fn]; dup || fn == "" {
			continue
		}

		seen[fn] = struct{}{}
		fns = append(fns, fn)
	}

	return fns
}
