// Package process runs the external programs the exploit generator
// talks to, such as one_gadget or a generated exploit script.
package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Start starts cmd with its stdin and stdout connected to the
// returned Process. stderr is left as configured by the caller.
func Start(cmd *exec.Cmd) (*Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe - %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe - %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start process - %w", err)
	}

	proc := &Process{
		input:    stdin,
		output:   bufio.NewReader(stdout),
		waitDone: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.exited = true
		proc.exitErr = err
		proc.mu.Unlock()
		close(proc.waitDone)
	}()

	proc.kill = func() {
		if !proc.HasExited() {
			_ = cmd.Process.Kill()
		}
	}

	return proc, nil
}

// Output starts cmd, closes its stdin, and returns everything it
// writes to stdout.
func Output(cmd *exec.Cmd) ([]byte, error) {
	proc, err := Start(cmd)
	if err != nil {
		return nil, err
	}

	err = proc.closeInput()
	if err != nil {
		proc.Close()
		return nil, err
	}

	out, err := proc.readAll()
	if err != nil {
		proc.Close()
		return nil, err
	}

	err = proc.Wait()
	if err != nil {
		return out, fmt.Errorf("%s failed - %w", cmd.Path, err)
	}

	return out, nil
}

// Process is a running program.
type Process struct {
	input    io.WriteCloser
	output   *bufio.Reader
	waitDone chan struct{}
	kill     func()

	mu      sync.Mutex
	exited  bool
	exitErr error
}

// HasExited reports whether the program exited.
func (o *Process) HasExited() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.exited
}

// readAll reads until the program closes its stdout.
func (o *Process) readAll() ([]byte, error) {
	return io.ReadAll(o.output)
}

func (o *Process) closeInput() error {
	return o.input.Close()
}

// Wait waits for the program to exit and returns its exit error.
func (o *Process) Wait() error {
	<-o.waitDone

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.exitErr
}

// Close kills the program if it is still running and waits for it.
func (o *Process) Close() error {
	o.kill()
	return o.Wait()
}

// Interactive connects the program to the current stdin and stdout
// until either side is closed.
func (o *Process) Interactive() error {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(os.Stdout, o.output)
		if err != nil {
			err = fmt.Errorf("failed to copy output reader to stdout - %w", err)
		}
		done <- err
	}()

	go func() {
		_, err := io.Copy(o.input, os.Stdin)
		if err != nil {
			err = fmt.Errorf("failed to copy stdin to input writer - %w", err)
		}
		done <- err
	}()

	return <-done
}
