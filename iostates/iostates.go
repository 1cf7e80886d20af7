// Package iostates records, for every explored path, the interactions
// of the target with its standard input and output, and finds the
// outputs that leak the values an exploit needs (the stack canary and
// the load bases of the executable and libc).
//
// Each path gets a list of StateInfo, one per read of stdin, write to
// stdout or nanosleep. When a read may be shortened so that a later
// write leaks a value (e.g., by stopping right before a canary so that
// printf continues into it), the path is forked once per candidate
// read length.
package iostates

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"gitlab.com/stephen-fox/expgen/asmkit"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/pathstate"
	"gitlab.com/stephen-fox/expgen/technique"
)

const (
	// StackChkFailTerminateReason is the termination reason of paths
	// that reach __stack_chk_fail@plt.
	StackChkFailTerminateReason = "reached __stack_chk_fail@plt"

	canaryLoad = "rax, qword ptr fs:[0x28]"

	// Enough for two x86-64 instructions.
	lookAheadSize = 30
)

// ErrUnresolvedLeak is returned by CheckRequirements when a value the
// exploit depends on was not leaked on the path.
var ErrUnresolvedLeak = errors.New("required value was not leaked")

// State is the per-path record of IOStates.
type State struct {
	// LeakableOffset is the read length chosen for the pending read
	// of stdin. Zero means the read is not shortened.
	LeakableOffset uint64

	// LastInputStateInfoIdx is the index of the most recent input.
	LastInputStateInfoIdx int

	// LastInputStateInfoIdxBeforeFirstSymbolicRip is set once, the
	// first time the path's RIP becomes symbolic. It is -1 until then.
	LastInputStateInfoIdxBeforeFirstSymbolicRip int

	// CurrentLeakTargetIdx indexes IOStates.LeakTargets.
	CurrentLeakTargetIdx int

	// ReachedMain is set once the path executed main. Canary loads
	// before that belong to the loader.
	ReachedMain bool

	StateInfoList []StateInfo
}

func newState() *State {
	return &State{
		LastInputStateInfoIdxBeforeFirstSymbolicRip: -1,
	}
}

func (o *State) Clone() *State {
	list := make([]StateInfo, len(o.StateInfoList))
	copy(list, o.StateInfoList)

	cp := *o
	cp.StateInfoList = list

	return &cp
}

func (o *State) String() string {
	return fmt.Sprintf("[%s] (last input: %d, before symbolic rip: %d, leak target: %d)",
		FormatStateInfoList(o.StateInfoList),
		o.LastInputStateInfoIdx,
		o.LastInputStateInfoIdxBeforeFirstSymbolicRip,
		o.CurrentLeakTargetIdx)
}

// Config configures an IOStates.
type Config struct {
	Elf *elfkit.Image

	// LeakLibc makes the libc base a leak target.
	LeakLibc bool

	// DisableNativeForking is true when the engine only forks where
	// its modules allow it to.
	DisableNativeForking bool

	// OptCanary is the canary of the exploited environment. When set,
	// the canary check is constrained to pass with it.
	OptCanary uint64

	// OptStateInfoList replaces the discovery of read lengths: the
	// n-th read of stdin reads the offset of the n-th entry.
	OptStateInfoList []StateInfo

	// OptBeforeFork, when non-nil, is called with the path about to
	// be forked for a leak candidate. Engines that consult the fork
	// decision for every fork need it to exempt these forks.
	OptBeforeFork func(engine.PathID)

	// OptAfterFork, when non-nil, is called with the same path once
	// the fork returned, whether or not it succeeded.
	OptAfterFork func(engine.PathID)

	// OptLogger, when non-nil, is used instead of log.Default.
	OptLogger *log.Logger
}

// New creates an IOStates. The leak targets are determined by the
// protections of the executable: the canary if it has one, then its
// base if it is PIE, then the libc base if config.LeakLibc is true.
func New(config Config) *IOStates {
	var targets []LeakType
	if config.Elf.Checksec.HasCanary {
		targets = append(targets, LeakCanary)
	}
	if config.Elf.Checksec.HasPIE {
		targets = append(targets, LeakCode)
	}
	if config.LeakLibc {
		targets = append(targets, LeakLibc)
	}

	return &IOStates{
		OptLogger:   config.OptLogger,
		config:      config,
		leakTargets: targets,
		states:      pathstate.New(newState),
	}
}

// IOStates is the leak detection state machine.
type IOStates struct {
	// OptLogger, when non-nil, is used instead of log.Default.
	OptLogger *log.Logger

	config      Config
	leakTargets []LeakType
	states      *pathstate.Map[*State]

	// The canary is the same for every path of the process.
	mu     sync.Mutex
	canary uint64
}

func (o *IOStates) logger() *log.Logger {
	if o.OptLogger != nil {
		return o.OptLogger
	}

	return log.Default()
}

// LeakTargets returns the values that must be leaked, in order.
func (o *IOStates) LeakTargets() []LeakType {
	return o.leakTargets
}

// Canary returns the intercepted canary, or the configured one if
// none was intercepted yet.
func (o *IOStates) Canary() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.canary == 0 {
		return o.config.OptCanary
	}

	return o.canary
}

// State returns the record of a path.
func (o *IOStates) State(id engine.PathID) *State {
	return o.states.Get(id)
}

func (o *IOStates) OnFork(parent engine.PathID, child engine.PathID) {
	o.states.Fork(parent, child)
}

func (o *IOStates) OnTerminate(id engine.PathID) {
	o.states.Delete(id)
}

// BeforeSyscall chooses the length of reads of stdin. Without a
// configured state info list, the path is forked for every offset of
// the buffer at which the current leak target could be leaked, and
// each child reads exactly that many bytes.
func (o *IOStates) BeforeSyscall(path engine.Path, sc engine.Syscall) error {
	if sc.Nr != engine.SysRead || sc.Args[0] != engine.Stdin {
		return nil
	}

	st := o.states.Get(path.ID())

	if len(o.config.OptStateInfoList) > 0 {
		return o.replayInput(path, st)
	}

	candidates := o.analyzeLeak(path, sc.Args[1], sc.Args[2])

	if st.CurrentLeakTargetIdx >= len(o.leakTargets) {
		o.logger().Printf("path %d: no more leak targets", path.ID())
		return nil
	}

	target := o.leakTargets[st.CurrentLeakTargetIdx]

	o.logger().Printf("path %d: current leak target: %s, candidate offsets: %v",
		path.ID(), target, candidates[target])

	for _, offset := range candidates[target] {
		// The least significant byte of the canary is zero, it
		// must be overwritten for the canary to be printed.
		if target == LeakCanary {
			offset++
		}

		if o.config.OptBeforeFork != nil {
			o.config.OptBeforeFork(path.ID())
		}

		child, err := path.Fork()

		if o.config.OptAfterFork != nil {
			o.config.OptAfterFork(path.ID())
		}

		if err != nil {
			return fmt.Errorf("failed to fork path %d - %w", path.ID(), err)
		}

		o.logger().Printf("forked path %d for offset 0x%x", child.ID(), offset)

		err = child.WriteRegister(engine.RDX, offset)
		if err != nil {
			return fmt.Errorf("failed to set read length of path %d - %w", child.ID(), err)
		}

		o.states.Get(child.ID()).LeakableOffset = offset
	}

	return nil
}

func (o *IOStates) replayInput(path engine.Path, st *State) error {
	idx := len(st.StateInfoList)
	if idx >= len(o.config.OptStateInfoList) {
		return fmt.Errorf("state info list has no entry for state %d", idx)
	}

	input, isInput := o.config.OptStateInfoList[idx].(InputStateInfo)
	if !isInput {
		return fmt.Errorf("state info list entry %d is not an input", idx)
	}

	err := path.WriteRegister(engine.RDX, input.Offset)
	if err != nil {
		return fmt.Errorf("failed to set read length - %w", err)
	}

	st.LeakableOffset = input.Offset

	return nil
}

// AfterSyscall records an input, output or sleep state.
func (o *IOStates) AfterSyscall(path engine.Path, sc engine.Syscall) error {
	switch {
	case sc.Nr == engine.SysRead && sc.Args[0] == engine.Stdin:
		o.inputState(path, sc)
		return nil
	case sc.Nr == engine.SysWrite && sc.Args[0] == engine.Stdout:
		return o.outputState(path, sc)
	case sc.Nr == engine.SysNanosleep:
		return o.sleepState(path, sc)
	default:
		return nil
	}
}

func (o *IOStates) inputState(path engine.Path, sc engine.Syscall) {
	st := o.states.Get(path.ID())

	info := InputStateInfo{
		Buf:    sc.Args[1],
		Offset: st.LeakableOffset,
	}

	if info.Offset == 0 {
		info.Offset = sc.Args[2]
	}

	st.LeakableOffset = 0
	st.LastInputStateInfoIdx = len(st.StateInfoList)
	st.StateInfoList = append(st.StateInfoList, info)
}

func (o *IOStates) outputState(path engine.Path, sc engine.Syscall) error {
	leaks, err := o.detectLeak(path, sc.Args[1], sc.Args[2])
	if err != nil {
		return err
	}

	st := o.states.Get(path.ID())
	idx := len(st.StateInfoList)

	if len(o.config.OptStateInfoList) > 0 {
		if idx >= len(o.config.OptStateInfoList) {
			return fmt.Errorf("state info list has no entry for state %d", idx)
		}

		expected, isOutput := o.config.OptStateInfoList[idx].(OutputStateInfo)
		if !isOutput {
			return fmt.Errorf("state info list entry %d is not an output", idx)
		}

		if expected.Valid && len(leaks) > 0 && leaks[0].BufIndex != expected.BufIndex {
			o.logger().Printf("warn: output %d leaks at buffer index %d instead of %d",
				idx, leaks[0].BufIndex, expected.BufIndex)
		}
	}

	info := OutputStateInfo{}

	if len(leaks) > 0 {
		info = leaks[0]

		var target LeakType = -1
		if st.CurrentLeakTargetIdx < len(o.leakTargets) {
			target = o.leakTargets[st.CurrentLeakTargetIdx]
		}

		for _, leak := range leaks {
			if leak.LeakType == target {
				info = leak
				break
			}
		}

		o.logger().Printf("warn: path %d: detected leak: (%s, 0x%x, 0x%x)",
			path.ID(), info.LeakType, info.BufIndex, info.BaseOffset)

		if info.LeakType == target {
			st.CurrentLeakTargetIdx++
		}
	}

	st.StateInfoList = append(st.StateInfoList, info)

	return nil
}

func (o *IOStates) sleepState(path engine.Path, sc engine.Syscall) error {
	// struct timespec { tv_sec; tv_nsec; }
	b, err := path.ReadMemory(sc.Args[0], 16)
	if err != nil {
		return fmt.Errorf("failed to read nanosleep request - %w", err)
	}

	sec := binary.LittleEndian.Uint64(b)

	o.logger().Printf("path %d: nanosleep(): 0x%x secs", path.ID(), sec)

	st := o.states.Get(path.ID())
	st.StateInfoList = append(st.StateInfoList, SleepStateInfo{Sec: sec})

	return nil
}

// AfterInstruction intercepts the canary when it is loaded from the
// TLS once main has been reached.
func (o *IOStates) AfterInstruction(path engine.Path, inst engine.Instruction) error {
	if !o.config.Elf.Checksec.HasCanary {
		return nil
	}

	st := o.states.Get(path.ID())

	mainAddr, err := o.config.Elf.SymbolRuntimeAddress("main")
	if err == nil && inst.Addr == mainAddr {
		st.ReachedMain = true
	}

	if !st.ReachedMain || inst.Mnemonic != "mov" || inst.OpStr != canaryLoad {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.canary != 0 {
		return nil
	}

	canary, err := path.ReadRegister(engine.RAX)
	if err != nil {
		return fmt.Errorf("failed to read canary - %w", err)
	}

	o.canary = canary

	o.logger().Printf("warn: [0x%x] intercepted canary: 0x%x", inst.Addr, canary)

	return nil
}

// BeforeInstruction terminates paths that fail the canary check.
func (o *IOStates) BeforeInstruction(path engine.Path, inst engine.Instruction) error {
	if !o.config.Elf.Checksec.HasCanary {
		return nil
	}

	plt, hasIt := o.config.Elf.PLT["__stack_chk_fail"]
	if hasIt && inst.Addr == o.config.Elf.RuntimeAddress(plt) {
		path.Terminate(StackChkFailTerminateReason)
	}

	return nil
}

// DecideFork narrows allow. Forking is vetoed on paths that leaked
// every target. When native forking is disabled, only the branch that
// guards a call to __stack_chk_fail may fork; with a configured
// canary, that branch is constrained to pass the check.
func (o *IOStates) DecideFork(path engine.Path, allow *bool) error {
	if len(o.leakTargets) == 0 {
		return nil
	}

	st := o.states.Get(path.ID())
	if st.CurrentLeakTargetIdx >= len(o.leakTargets) {
		*allow = false
		return nil
	}

	if !o.config.DisableNativeForking {
		return nil
	}

	pc, err := path.ReadRegister(engine.RIP)
	if err != nil {
		return err
	}

	code, err := path.ReadMemory(pc, lookAheadSize)
	if err != nil {
		return fmt.Errorf("failed to read code at 0x%x - %w", pc, err)
	}

	disass := asmkit.NewX86_64Disassembler()

	branch, err := disass.NextAt(code, pc)
	if err != nil {
		return fmt.Errorf("failed to disassemble 0x%x - %w", pc, err)
	}

	next, err := disass.NextAt(code[branch.Len:], pc+uint64(branch.Len))
	if err != nil || !technique.IsCallSiteOf(o.config.Elf, toInstruction(next), "__stack_chk_fail") {
		*allow = false
		return nil
	}

	o.logger().Println("warn: allowing fork before __stack_chk_fail@plt")

	if o.config.OptCanary == 0 {
		return nil
	}

	rbp, err := path.ReadRegister(engine.RBP)
	if err != nil {
		return err
	}

	o.logger().Printf("warn: constraining canary to 0x%x as requested", o.config.OptCanary)

	if !path.AddMemoryConstraint(rbp-8, o.config.OptCanary) {
		o.logger().Printf("warn: canary at 0x%x cannot be 0x%x", rbp-8, o.config.OptCanary)
	}

	return nil
}

// BeforeExploitGeneration marks the last input before RIP became
// symbolic for the first time.
func (o *IOStates) BeforeExploitGeneration(path engine.Path) error {
	st := o.states.Get(path.ID())

	if st.LastInputStateInfoIdxBeforeFirstSymbolicRip != -1 {
		return nil
	}

	for i := len(st.StateInfoList) - 1; i >= 0; i-- {
		if _, isInput := st.StateInfoList[i].(InputStateInfo); isInput {
			st.LastInputStateInfoIdxBeforeFirstSymbolicRip = i
			break
		}
	}

	return nil
}

// CheckRequirements returns an error wrapping ErrUnresolvedLeak if a
// leak target was not leaked on the path.
func (o *IOStates) CheckRequirements(path engine.Path) error {
	st := o.states.Get(path.ID())

	o.logger().Printf("path %d: io states: %s", path.ID(), st)

	if st.CurrentLeakTargetIdx < len(o.leakTargets) {
		return fmt.Errorf("%w: %s", ErrUnresolvedLeak, o.leakTargets[st.CurrentLeakTargetIdx])
	}

	return nil
}

// analyzeLeak returns, per leak type, the offsets of buf holding a
// value of that type.
func (o *IOStates) analyzeLeak(path engine.Path, buf uint64, n uint64) map[LeakType][]uint64 {
	canary := o.Canary()
	vmmap := path.MemoryMap()
	candidates := make(map[LeakType][]uint64)

	for i := uint64(0); i+8 <= n; i += 8 {
		value, ok := readUint64(path, buf+i)
		if !ok {
			break
		}

		if o.config.Elf.Checksec.HasCanary && canary != 0 && value == canary {
			candidates[LeakCanary] = append(candidates[LeakCanary], i)
			continue
		}

		module, found := vmmap.Module(value)
		if found {
			leakType := leakTypeOf(module)
			candidates[leakType] = append(candidates[leakType], i)
		}
	}

	return candidates
}

// detectLeak returns the leaks in the n bytes at buf, in order.
func (o *IOStates) detectLeak(path engine.Path, buf uint64, n uint64) ([]OutputStateInfo, error) {
	canary := o.Canary()
	vmmap := path.MemoryMap()

	var leaks []OutputStateInfo

	for i := uint64(0); i+8 <= n; i += 8 {
		value, ok := readUint64(path, buf+i)
		if !ok {
			break
		}

		// The least significant byte was overwritten by the input
		// that made the canary printable.
		if o.config.Elf.Checksec.HasCanary && canary != 0 && value&^0xff == canary {
			leaks = append(leaks, OutputStateInfo{
				Valid:    true,
				BufIndex: i + 1,
				LeakType: LeakCanary,
			})
			continue
		}

		region, found := vmmap.Find(value)
		if !found {
			continue
		}

		base, err := vmmap.ModuleBaseAddress(value)
		if err != nil {
			return nil, err
		}

		leaks = append(leaks, OutputStateInfo{
			Valid:      true,
			BufIndex:   i,
			BaseOffset: value - base,
			LeakType:   leakTypeOf(region.Module),
		})
	}

	return leaks, nil
}

func readUint64(path engine.Path, addr uint64) (uint64, bool) {
	b, err := path.ReadMemory(addr, 8)
	if err != nil {
		return 0, false
	}

	return binary.LittleEndian.Uint64(b), true
}

func leakTypeOf(module string) LeakType {
	switch module {
	case memory.ElfLabel:
		return LeakCode
	case memory.LibcLabel:
		return LeakLibc
	case memory.StackLabel:
		return LeakStack
	default:
		return LeakUnknown
	}
}

func toInstruction(inst asmkit.Inst) engine.Instruction {
	return engine.Instruction{
		Addr:     inst.Addr,
		Size:     inst.Len,
		Mnemonic: inst.Mnemonic,
		OpStr:    inst.OpStr,
	}
}
