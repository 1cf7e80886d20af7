package process

import (
	"bytes"
	"os/exec"
	"testing"
)

func requireProgram(t *testing.T, name string) {
	_, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s is not available", name)
	}
}

func TestStart_CloseKillsRunningProgram(t *testing.T) {
	requireProgram(t, "cat")

	proc, err := Start(exec.Command("cat"))
	if err != nil {
		t.Fatal(err)
	}

	if proc.HasExited() {
		t.Fatal("expected cat to wait for input")
	}

	err = proc.Close()
	if err == nil {
		t.Fatal("expected an exit error for a killed program")
	}

	if !proc.HasExited() {
		t.Fatal("expected the program to have exited after Close")
	}
}

func TestOutput(t *testing.T) {
	requireProgram(t, "echo")

	out, err := Output(exec.Command("echo", "0xe6c7e execve"))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(out, []byte("0xe6c7e execve\n")) {
		t.Fatalf("expected echoed text - got %q", out)
	}
}

func TestOutput_ExitError(t *testing.T) {
	requireProgram(t, "false")

	_, err := Output(exec.Command("false"))
	if err == nil {
		t.Fatal("expected an error for a failing program")
	}
}
