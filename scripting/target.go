// Package scripting describes how a generated exploit script connects
// to its target.
package scripting

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gitlab.com/stephen-fox/expgen/conv"
)

const usage = `please specify one of the following:
  local EXE-PATH [ARGS...]
  ssh SSH-SERVER-ADDRESS EXE-PATH
  remote ADDRESS`

// Mode is the kind of connection a script makes.
type Mode string

const (
	LocalMode  Mode = "local"
	SSHMode    Mode = "ssh"
	RemoteMode Mode = "remote"
)

// Target is where a generated script sends its payloads.
type Target struct {
	Mode Mode

	// ExePath is the executable to start in LocalMode and SSHMode.
	ExePath string

	// Args are passed to ExePath in LocalMode.
	Args []string

	// Addr is "host:port" in RemoteMode and the ssh server's
	// host name in SSHMode.
	Addr string
}

// ParseTarget parses a target from command line style arguments, e.g.,
// []string{"remote", "127.0.0.1:1337"}.
func ParseTarget(args []string) (Target, error) {
	if len(args) == 0 {
		return Target{}, errors.New(usage)
	}

	switch Mode(args[0]) {
	case LocalMode:
		if len(args) < 2 || args[1] == "" {
			return Target{}, errors.New("please specify the local executable path as the last argument")
		}

		return Target{
			Mode:    LocalMode,
			ExePath: args[1],
			Args:    args[2:],
		}, nil
	case SSHMode:
		if len(args) < 2 || args[1] == "" {
			return Target{}, errors.New("please specify the ssh server address to connect to as the first non-mode argument")
		}

		if len(args) < 3 || args[2] == "" {
			return Target{}, errors.New("please specify the executable path on the ssh server as the second non-mode argument")
		}

		return Target{
			Mode:    SSHMode,
			Addr:    args[1],
			ExePath: args[2],
		}, nil
	case RemoteMode:
		if len(args) < 2 || args[1] == "" {
			return Target{}, errors.New("please specify the remote address as the last argument")
		}

		_, _, err := splitAddr(args[1])
		if err != nil {
			return Target{}, err
		}

		return Target{
			Mode: RemoteMode,
			Addr: args[1],
		}, nil
	default:
		return Target{}, fmt.Errorf("unknown mode: %q - %s", args[0], usage)
	}
}

// ParseTargetString is ParseTarget for a space separated string.
func ParseTargetString(str string) (Target, error) {
	return ParseTarget(strings.Fields(str))
}

func splitAddr(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse remote address %q - %w", addr, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse port of %q - %w", addr, err)
	}

	return host, uint16(port), nil
}

// ProcessLine returns the script statement assigning the connection
// to the "proc" variable.
func (o Target) ProcessLine() string {
	switch o.Mode {
	case RemoteMode:
		host, port, err := splitAddr(o.Addr)
		if err != nil {
			// ParseTarget rejects such addresses.
			return fmt.Sprintf("proc = remote(%s)", conv.PyString(o.Addr))
		}

		return fmt.Sprintf("proc = remote(%s, %d)", conv.PyString(host), port)
	case SSHMode:
		return fmt.Sprintf("proc = ssh(host=%s).process([%s])",
			conv.PyString(o.Addr), conv.PyString(o.ExePath))
	default:
		if o.ExePath == "" {
			return "proc = elf.process()"
		}

		argv := []string{conv.PyString(o.ExePath)}
		for _, arg := range o.Args {
			argv = append(argv, conv.PyString(arg))
		}

		return fmt.Sprintf("proc = process([%s])", strings.Join(argv, ", "))
	}
}

func (o Target) String() string {
	switch o.Mode {
	case RemoteMode:
		return string(o.Mode) + " " + o.Addr
	case SSHMode:
		return string(o.Mode) + " " + o.Addr + " " + o.ExePath
	default:
		return strings.Join(append([]string{string(LocalMode), o.ExePath}, o.Args...), " ")
	}
}
