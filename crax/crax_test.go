package crax

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/expgen/conv"
	"gitlab.com/stephen-fox/expgen/dynrop"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/engine/enginetest"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/ropkit"
	"gitlab.com/stephen-fox/expgen/technique"
)

const (
	testCodeAddr = 0x401200
	testReadPlt  = 0x401030
	testSyscall  = 0x401300
	testBss      = 0x404040
	testBuf      = 0x7fffffffe000
	testCanary   = 0x1122334455667700
)

// The tail of a gcc __libc_csu_init.
var testCsuInit = []byte{
	0x4c, 0x89, 0xfa,       // mov rdx, r15
	0x4c, 0x89, 0xf6,       // mov rsi, r14
	0x44, 0x89, 0xef,       // mov edi, r13d
	0x41, 0xff, 0x14, 0xdc, // call qword ptr [r12+rbx*8]
	0x48, 0x83, 0xc3, 0x01, // add rbx, 1
	0x48, 0x39, 0xdd,       // cmp rbp, rbx
	0x75, 0xea,             // jnz 0x401200
	0x48, 0x83, 0xc4, 0x08, // add rsp, 8
	0x5b,                   // pop rbx
	0x5d,                   // pop rbp
	0x41, 0x5c,             // pop r12
	0x41, 0x5d,             // pop r13
	0x41, 0x5e,             // pop r14
	0x41, 0x5f,             // pop r15
	0xc3,                   // ret
}

func testElf() *elfkit.Image {
	code := bytes.Repeat([]byte{0xcc}, 0x100)
	copy(code, testCsuInit)
	copy(code[0x40:], []byte{0x5d, 0xc3}) // pop rbp ; ret
	copy(code[0x42:], []byte{0xc9, 0xc3}) // leave ; ret

	return &elfkit.Image{
		Name:     "elf",
		Filename: "/tmp/chal/target",
		Symbols: map[string]uint64{
			"__libc_csu_init": testCodeAddr,
			"read":            testReadPlt,
		},
		PLT: map[string]uint64{
			"read": testReadPlt,
		},
		Functions: map[string]elfkit.Function{
			"__libc_csu_init": {Name: "__libc_csu_init", Addr: testCodeAddr, Size: uint64(len(testCsuInit))},
		},
		BSSAddr: testBss,
		Segments: []elfkit.Segment{
			{Addr: testCodeAddr, Data: code, Executable: true},
		},
	}
}

func testConfig(t *testing.T) *Config {
	return &Config{
		Elf:       "./target",
		Plans:     [][]string{{technique.Ret2csuName}},
		OutputDir: t.TempDir(),
	}
}

func testCRAX(t *testing.T, config *Config, elf *elfkit.Image) (*CRAX, *Metrics) {
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	crax, err := NewFromImages(context.Background(), config, metrics, elf, nil)
	require.NoError(t, err)

	crax.SetLogger(log.New(bytes.NewBuffer(nil), "", 0))

	return crax, metrics
}

// syscall executes a syscall instruction on path, which returns ret.
func syscall(t *testing.T, crax *CRAX, path *enginetest.Path, sc engine.Syscall, ret uint64) {
	path.Regs[engine.RAX] = sc.Nr
	path.Regs[engine.RDI] = sc.Args[0]
	path.Regs[engine.RSI] = sc.Args[1]
	path.Regs[engine.RDX] = sc.Args[2]

	require.NoError(t, crax.BeforeInstruction(path, engine.Instruction{
		Addr:     testSyscall,
		Size:     2,
		Mnemonic: "syscall",
	}))

	path.Regs[engine.RAX] = ret

	require.NoError(t, crax.BeforeInstruction(path, engine.Instruction{
		Addr:     testSyscall + 2,
		Size:     1,
		Mnemonic: "leave",
	}))
}

func TestNewFromImages_RegistersModules(t *testing.T) {
	config := testConfig(t)
	config.Plans = [][]string{
		{technique.AdvancedStackPivotName, technique.Ret2csuName},
		{technique.AdvancedStackPivotName},
	}

	crax, _ := testCRAX(t, config, testElf())

	// IOStates, DynamicRop and, once, AdvancedStackPivot. Ret2csu has
	// no hooks.
	require.Equal(t, 3, crax.registry.Len())
	require.Len(t, crax.plans, 2)
}

func TestCRAX_SyscallReturnIsReportedOnNextInstruction(t *testing.T) {
	eng := &enginetest.Engine{}
	crax, _ := testCRAX(t, testConfig(t), testElf())
	eng.OptOnFork = crax.OnFork

	var events []string
	require.NoError(t, crax.registry.Register(&recorder{name: "r", events: &events}))

	path := eng.NewPath(nil)
	path.Regs[engine.RAX] = engine.SysWrite
	path.Regs[engine.RDI] = 7

	require.NoError(t, crax.BeforeInstruction(path, engine.Instruction{Addr: testSyscall, Size: 2, Mnemonic: "syscall"}))
	require.Equal(t, []string{"r:syscall 1"}, events)

	child, err := path.Fork()
	require.NoError(t, err)

	// Not the return address.
	require.NoError(t, crax.BeforeInstruction(path, engine.Instruction{Addr: testSyscall + 8, Size: 1}))
	require.Equal(t, []string{"r:syscall 1", "r:forked 2"}, events)

	path.Regs[engine.RAX] = 5
	require.NoError(t, crax.BeforeInstruction(path, engine.Instruction{Addr: testSyscall + 2, Size: 1}))

	// The child forked while the syscall was pending, before RAX
	// held the return value.
	require.NoError(t, crax.BeforeInstruction(child, engine.Instruction{Addr: testSyscall + 2, Size: 1}))

	// Reported once.
	require.NoError(t, crax.BeforeInstruction(path, engine.Instruction{Addr: testSyscall + 2, Size: 1}))

	exp := []string{"r:syscall 1", "r:forked 2", "r:sysret 5", "r:sysret 1"}
	require.Equal(t, exp, events)
}

func TestCRAX_DecideForkAllowList(t *testing.T) {
	elf := testElf()
	elf.Checksec.HasCanary = true

	config := testConfig(t)
	config.DisableNativeForking = true

	crax, metrics := testCRAX(t, config, elf)

	path := (&enginetest.Engine{}).NewPath(nil)
	path.Regs[engine.RIP] = testCodeAddr + 0x80
	path.SetMemory(testCodeAddr+0x80, bytes.Repeat([]byte{0x90}, 32))

	if crax.DecideFork(path) {
		t.Fatal("expected IOStates to veto the fork")
	}

	crax.allowFork(path.ID())

	if !crax.DecideFork(path) {
		t.Fatal("expected a requested fork to be allowed")
	}

	if crax.DecideFork(path) {
		t.Fatal("expected the exception to be consumed")
	}

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.ForkVetoes))
}

// TestCRAX_LeakForksDoNotOutliveTheirFork walks a path that forks for
// a canary leak and then leaks the canary itself. Its later forks must
// be vetoed like those of any path that leaked every target.
func TestCRAX_LeakForksDoNotOutliveTheirFork(t *testing.T) {
	elf := testElf()
	elf.Checksec.HasCanary = true

	config := testConfig(t)
	config.Canary = testCanary

	eng := &enginetest.Engine{}
	crax, metrics := testCRAX(t, config, elf)
	eng.OptOnFork = crax.OnFork

	vmmap, err := memory.NewVirtualMemoryMap(
		memory.Region{Start: 0x7ffffffde000, End: 0x7fffffffefff, Module: memory.StackLabel, R: true, W: true},
	)
	require.NoError(t, err)

	parent := eng.NewPath(vmmap)
	parent.SetMemory(testBuf, make([]byte, 0x18))
	parent.SetUint64(testBuf+0x18, testCanary)

	read := engine.Syscall{Nr: engine.SysRead, Args: [6]uint64{engine.Stdin, testBuf, 0x100}}
	syscall(t, crax, parent, read, 0x20)
	require.Len(t, parent.Children, 1)

	crax.mu.Lock()
	_, lingering := crax.allowed[parent.ID()]
	crax.mu.Unlock()
	if lingering {
		t.Fatalf("expected the fork exception of path %d to be dropped", parent.ID())
	}

	// The parent overwrote the canary's zero byte and prints it.
	parent.SetMemory(testBuf, bytes.Repeat([]byte{'A'}, 0x18))
	parent.SetUint64(testBuf+0x18, testCanary|'A')

	write := engine.Syscall{Nr: engine.SysWrite, Args: [6]uint64{engine.Stdout, testBuf, 0x20}}
	syscall(t, crax, parent, write, 0x20)
	require.Equal(t, 1, crax.ioStates.State(parent.ID()).CurrentLeakTargetIdx)

	if crax.DecideFork(parent) {
		t.Fatal("expected forks to be vetoed once every target leaked")
	}

	if !crax.DecideFork(parent.Children[0]) {
		t.Fatal("expected the child to fork while the canary is not leaked")
	}

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ForkVetoes))
}

func TestCRAX_OnSymbolicRipGeneratesExploit(t *testing.T) {
	config := testConfig(t)
	crax, metrics := testCRAX(t, config, testElf())

	path := (&enginetest.Engine{}).NewPath(nil)

	read := engine.Syscall{Nr: engine.SysRead, Args: [6]uint64{engine.Stdin, testBuf, 0x100}}
	syscall(t, crax, path, read, 0x28)

	stage1 := append(bytes.Repeat([]byte{'A'}, 0x20), []byte("BBBBBBBB")...)
	path.Solution = []engine.ConcreteInput{{Name: "stdin", Value: stage1}}
	path.Regs[engine.RIP] = 0x4242424242424242

	scriptPath, err := crax.OnSymbolicRip(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(config.OutputDir, "exploit_target_1.py"), scriptPath)

	require.True(t, path.Terminated)
	require.Equal(t, EndOfExploitGeneration, path.TermReason)

	data, err := os.ReadFile(scriptPath)
	require.NoError(t, err)

	lines := strings.Split(string(data), "\n")
	for _, line := range []string{
		"__libc_csu_init = 0x401200",
		"    proc = process(['./target'])",
		"    # input state (rop chain begin)",
		"    payload  = " + conv.PyBytes(stage1),
		"    proc.send(payload)",
		"    proc.interactive()",
	} {
		require.Contains(t, lines, line)
	}

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ExploitsGenerated))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PathsTerminated.WithLabelValues(EndOfExploitGeneration)))
}

func TestCRAX_OnSymbolicRipResumesAfterDynamicRop(t *testing.T) {
	crax, metrics := testCRAX(t, testConfig(t), testElf())

	path := (&enginetest.Engine{}).NewPath(nil)

	crax.DynamicRop().
		AddConstraint(dynrop.RegisterConstraint{Reg: engine.RIP, Value: 0x401156}).
		Commit(path.ID())

	_, err := crax.OnSymbolicRip(path)
	if !errors.Is(err, ErrResumeExecution) {
		t.Fatalf("expected ErrResumeExecution - got %v", err)
	}

	require.False(t, path.Terminated)
	require.Equal(t, uint64(0x401156), path.Regs[engine.RIP])
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ConstraintGroupsApplied))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.ExploitsGenerated))
}

func TestCRAX_OnSymbolicRipInfeasibleDynamicRop(t *testing.T) {
	crax, metrics := testCRAX(t, testConfig(t), testElf())

	path := (&enginetest.Engine{Infeasible: map[uint64]bool{0x401156: true}}).NewPath(nil)

	crax.DynamicRop().
		AddConstraint(dynrop.RegisterConstraint{Reg: engine.RIP, Value: 0x401156}).
		Commit(path.ID())

	_, err := crax.OnSymbolicRip(path)
	if !errors.Is(err, dynrop.ErrInfeasibleConstraint) {
		t.Fatalf("expected ErrInfeasibleConstraint - got %v", err)
	}

	require.Equal(t, dynrop.TerminateReason, path.TermReason)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PathsTerminated.WithLabelValues(dynrop.TerminateReason)))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.PathsTerminated.WithLabelValues(ExploitGenerationFailed)))
}

func TestCRAX_OnSymbolicRipWithoutInputFails(t *testing.T) {
	crax, metrics := testCRAX(t, testConfig(t), testElf())

	path := (&enginetest.Engine{}).NewPath(nil)

	_, err := crax.OnSymbolicRip(path)
	require.Error(t, err)

	require.Equal(t, ExploitGenerationFailed, path.TermReason)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PathsTerminated.WithLabelValues(ExploitGenerationFailed)))
}

func TestAuxiliaryFunctions_Deduplicated(t *testing.T) {
	a := &auxTechnique{fn: "def a():\n    pass"}
	b := &auxTechnique{fn: "def b():\n    pass"}

	fns := auxiliaryFunctions(technique.Plan{a, b, a, &auxTechnique{}})
	require.Equal(t, []string{a.fn, b.fn}, fns)
}

type auxTechnique struct {
	fn string
}

func (o *auxTechnique) Name() string { return "aux" }

func (o *auxTechnique) CheckRequirements() bool { return true }

func (o *auxTechnique) RopSubchains() ([]ropkit.Subchain, error) { return nil, nil }

func (o *auxTechnique) ExtraRopSubchain() ropkit.Subchain { return nil }

func (o *auxTechnique) AuxiliaryFunctions() string { return o.fn }
