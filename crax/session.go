package crax

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gitlab.com/stephen-fox/expgen/conv"
	"gitlab.com/stephen-fox/expgen/dynrop"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/gadgets"
	"gitlab.com/stephen-fox/expgen/iostates"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/ropchain"
	"gitlab.com/stephen-fox/expgen/scripting"
	"gitlab.com/stephen-fox/expgen/scriptgen"
	"gitlab.com/stephen-fox/expgen/technique"
	"gopkg.in/yaml.v3"
)

// Session is a path recorded by a previous run: its I/O states and
// the solved stage 1 payload. CompileSession turns it into an exploit
// script without a symbolic execution engine.
type Session struct {
	// Elf and Libc are the paths of the images.
	Elf  string `yaml:"elf"`
	Libc string `yaml:"libc"`

	// Target is how the script connects to the target. Defaults to
	// running Elf locally.
	Target string `yaml:"target"`

	// StateInfoList is the recorded list (e.g., "i8,o25,i400").
	StateInfoList string `yaml:"stateInfoList"`

	// FirstResidualInput is the index of the first input state that
	// only occurs because the chain re-steered the path. Inputs from it
	// up to the last one are not sent. Defaults to the last input
	// state, in which the chain begins.
	FirstResidualInput *int `yaml:"firstResidualInput"`

	// Stage1 is the solved stage 1 payload as a hex array. C-style
	// comments are allowed.
	Stage1 string `yaml:"stage1"`

	// Plan is the list of techniques the stage 1 payload was built
	// with.
	Plan []string `yaml:"plan"`

	OneGadgetOutput string `yaml:"oneGadgetOutput"`
	Stage1Solver    string `yaml:"stage1Solver"`

	stateInfoList []iostates.StateInfo
	stage1        []byte
	target        scripting.Target
}

// LoadSession reads and validates the YAML session at filePath.
func LoadSession(filePath string) (*Session, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file - %w", err)
	}

	session, err := ParseSession(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s - %w", filePath, err)
	}

	return session, nil
}

// ParseSession decodes and validates a YAML session. Unknown fields
// are an error.
func ParseSession(r io.Reader) (*Session, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	session := &Session{}
	err := dec.Decode(session)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session - %w", err)
	}

	err = session.validate()
	if err != nil {
		return nil, err
	}

	return session, nil
}

func (o *Session) validate() error {
	// The plan and target rules are the same as for a run.
	config := &Config{
		Elf:           o.Elf,
		Plans:         [][]string{o.Plan},
		StateInfoList: o.StateInfoList,
		Target:        o.Target,
	}

	err := config.validate()
	if err != nil {
		return err
	}

	o.stateInfoList = config.stateInfoList
	o.target = config.target

	if o.lastInput() < 0 {
		return errors.New("state info list has no input state")
	}

	residual := o.firstResidualInput()
	if residual < 0 || residual > o.lastInput() {
		return errors.New("first residual input is out of range")
	}

	if _, isInput := o.stateInfoList[residual].(iostates.InputStateInfo); !isInput {
		return fmt.Errorf("state %d is not an input state", residual)
	}

	o.stage1, err = conv.HexArrayToBytes(strings.NewReader(o.Stage1))
	if err != nil {
		return fmt.Errorf("failed to parse stage 1 - %w", err)
	}

	if len(o.stage1) == 0 {
		return errors.New("stage 1 payload is required")
	}

	return nil
}

func (o *Session) lastInput() int {
	for i := len(o.stateInfoList) - 1; i >= 0; i-- {
		if _, isInput := o.stateInfoList[i].(iostates.InputStateInfo); isInput {
			return i
		}
	}

	return -1
}

func (o *Session) firstResidualInput() int {
	if o.FirstResidualInput != nil {
		return *o.FirstResidualInput
	}

	return o.lastInput()
}

// CompileSession generates the exploit script of a recorded session.
// optLibc may be nil. Techniques that must steer a symbolic path, like
// AdvancedStackPivot, cannot be compiled offline.
func CompileSession(ctx context.Context, session *Session, elf *elfkit.Image, optLibc *elfkit.Image, optLogger *log.Logger) (*scriptgen.Script, error) {
	images := []*elfkit.Image{elf}
	if optLibc != nil {
		images = append(images, optLibc)
	}

	indexes, err := gadgets.BuildIndexes(ctx, images...)
	if err != nil {
		return nil, err
	}

	resolver := gadgets.NewResolver(indexes...)
	resolver.OptLogger = optLogger

	symtab := memory.NewAddressTable()

	techniques := &technique.Context{
		Elf:                elf,
		Libc:               optLibc,
		Resolver:           resolver,
		Symtab:             symtab,
		DynamicRop:         dynrop.New(elf),
		OptLogger:          optLogger,
		OptOneGadgetOutput: session.OneGadgetOutput,
	}

	var plan technique.Plan
	for _, name := range session.Plan {
		t, err := technique.New(techniques, name)
		if err != nil {
			return nil, err
		}

		if _, isInitializer := t.(technique.Initializer); isInitializer {
			return nil, fmt.Errorf("%s requires a symbolic path", name)
		}

		plan = append(plan, t)
	}

	_, err = technique.SelectPlan([]technique.Plan{plan})
	if err != nil {
		return nil, err
	}

	builder := ropchain.NewSolvedBuilder(session.stage1, elf, symtab)
	builder.OptLogger = optLogger

	for _, t := range plan {
		err = builder.Chain(t)
		if err != nil {
			return nil, fmt.Errorf("failed to chain %s - %w", t.Name(), err)
		}
	}

	chain, err := builder.Build()
	if err != nil {
		return nil, err
	}

	script := &scriptgen.Script{}

	err = scriptgen.Generate(script, scriptgen.Config{
		Elf:                elf,
		OptLibc:            optLibc,
		Symtab:             symtab,
		Target:             session.target,
		AuxiliaryFunctions: auxiliaryFunctions(plan),
		State: &iostates.State{
			LastInputStateInfoIdx:                       session.lastInput(),
			LastInputStateInfoIdxBeforeFirstSymbolicRip: session.firstResidualInput(),
			StateInfoList:                               session.stateInfoList,
		},
		Chain:           chain,
		OptStage1Solver: session.Stage1Solver,
		OptLogger:       optLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate script - %w", err)
	}

	return script, nil
}
