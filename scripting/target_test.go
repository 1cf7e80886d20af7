package scripting

import (
	"testing"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		args []string
		line string
	}{
		{
			args: []string{"local", "./target"},
			line: "proc = process(['./target'])",
		},
		{
			args: []string{"local", "./target", "-v", "it's"},
			line: `proc = process(['./target', '-v', 'it\'s'])`,
		},
		{
			args: []string{"remote", "127.0.0.1:1337"},
			line: "proc = remote('127.0.0.1', 1337)",
		},
		{
			args: []string{"ssh", "ctf.example.com", "/home/ctf/target"},
			line: "proc = ssh(host='ctf.example.com').process(['/home/ctf/target'])",
		},
	}

	for _, test := range tests {
		target, err := ParseTarget(test.args)
		if err != nil {
			t.Fatalf("failed to parse %q - %s", test.args, err)
		}

		line := target.ProcessLine()
		if line != test.line {
			t.Fatalf("expected %q - got %q", test.line, line)
		}
	}
}

func TestParseTarget_Errors(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"local"},
		{"ssh", "host"},
		{"remote", "127.0.0.1"},
		{"remote", "127.0.0.1:99999"},
		{"telnet", "127.0.0.1:23"},
	} {
		_, err := ParseTarget(args)
		if err == nil {
			t.Fatalf("expected parsing %q to fail", args)
		}
	}
}

func TestParseTargetString_StringRoundTrip(t *testing.T) {
	for _, str := range []string{
		"local ./target a b",
		"remote localhost:4444",
		"ssh box /opt/target",
	} {
		target, err := ParseTargetString(str)
		if err != nil {
			t.Fatal(err)
		}

		if target.String() != str {
			t.Fatalf("expected %q - got %q", str, target.String())
		}
	}
}

func TestTarget_ProcessLine_ZeroValue(t *testing.T) {
	line := Target{}.ProcessLine()
	if line != "proc = elf.process()" {
		t.Fatalf("expected elf.process() - got %q", line)
	}
}
