package iostates

import (
	"fmt"
	"strconv"
	"strings"
)

// LeakType classifies what an output leaks.
type LeakType int

const (
	LeakUnknown LeakType = iota
	LeakCode
	LeakLibc
	LeakHeap
	LeakStack
	LeakCanary
)

var leakTypeNames = [...]string{
	LeakUnknown: "unknown",
	LeakCode:    "code",
	LeakLibc:    "libc",
	LeakHeap:    "heap",
	LeakStack:   "stack",
	LeakCanary:  "canary",
}

func (o LeakType) String() string {
	if o < 0 || int(o) >= len(leakTypeNames) {
		return fmt.Sprintf("leaktype(%d)", int(o))
	}

	return leakTypeNames[o]
}

// StateInfo is one of InputStateInfo, OutputStateInfo or SleepStateInfo.
type StateInfo interface {
	Accept(Visitor)
}

// Visitor must handle every StateInfo variant.
type Visitor interface {
	InputState(InputStateInfo)
	OutputState(OutputStateInfo)
	SleepState(SleepStateInfo)
}

// InputStateInfo is a read of stdin.
type InputStateInfo struct {
	// Buf is the address the target read to.
	Buf uint64

	// Offset is the number of bytes the exploit sends for this read.
	Offset uint64
}

func (o InputStateInfo) Accept(v Visitor) { v.InputState(o) }

// OutputStateInfo is a write to stdout.
type OutputStateInfo struct {
	// Valid is false when the output leaks nothing.
	Valid bool

	// BufIndex is where the leaked value starts in the output.
	BufIndex uint64

	// BaseOffset is the leaked pointer minus the base address of the
	// module it points into.
	BaseOffset uint64

	LeakType LeakType
}

func (o OutputStateInfo) Accept(v Visitor) { v.OutputState(o) }

// SleepStateInfo is a call to nanosleep.
type SleepStateInfo struct {
	Sec uint64
}

func (o SleepStateInfo) Accept(v Visitor) { v.SleepState(o) }

type formatter struct {
	parts []string
}

func (o *formatter) InputState(s InputStateInfo) {
	o.parts = append(o.parts, "i"+strconv.FormatUint(s.Offset, 10))
}

func (o *formatter) OutputState(s OutputStateInfo) {
	if !s.Valid {
		o.parts = append(o.parts, "o")
		return
	}

	o.parts = append(o.parts, "o"+strconv.FormatUint(s.BufIndex, 10))
}

func (o *formatter) SleepState(s SleepStateInfo) {
	o.parts = append(o.parts, "s"+strconv.FormatUint(s.Sec, 10))
}

// FormatStateInfoList serializes list as comma separated entries:
// "i<offset>" for inputs, "o" or "o<bufIndex>" for outputs and
// "s<sec>" for sleeps. For example: "i24,o8,i41".
func FormatStateInfoList(list []StateInfo) string {
	f := &formatter{}
	for _, info := range list {
		info.Accept(f)
	}

	return strings.Join(f.parts, ",")
}

// ParseStateInfoList parses the output of FormatStateInfoList. An
// output entry with a buffer index is valid, with an unknown leak type.
func ParseStateInfoList(str string) ([]StateInfo, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return nil, nil
	}

	var list []StateInfo

	for i, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("state info %d is empty", i)
		}

		var num uint64
		if len(part) > 1 {
			var err error
			num, err = strconv.ParseUint(part[1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse state info %d (%q) - %w", i, part, err)
			}
		}

		switch part[0] {
		case 'i':
			if len(part) == 1 {
				return nil, fmt.Errorf("input state info %d has no offset", i)
			}

			list = append(list, InputStateInfo{Offset: num})
		case 'o':
			list = append(list, OutputStateInfo{
				Valid:    len(part) > 1,
				BufIndex: num,
			})
		case 's':
			list = append(list, SleepStateInfo{Sec: num})
		default:
			return nil, fmt.Errorf("unknown state info type %q in %q", part[0], part)
		}
	}

	return list, nil
}
