package crax

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gitlab.com/stephen-fox/expgen/iostates"
	"gitlab.com/stephen-fox/expgen/scripting"
	"gitlab.com/stephen-fox/expgen/technique"
	"gopkg.in/yaml.v3"
)

// Config configures exploit generation. It is usually decoded from
// a YAML document by LoadConfig or ParseConfig.
type Config struct {
	// Elf is the path of the target executable.
	Elf string `yaml:"elf"`

	// Libc is the path of the libc the target is linked against. It
	// is required by techniques that use libc gadgets.
	Libc string `yaml:"libc"`

	// Canary is the canary of the exploited environment, if known.
	Canary uint64 `yaml:"canary"`

	// ElfBase is the load base of the executable in the exploited
	// environment, if known. Dynamic ROP rebases to it.
	ElfBase uint64 `yaml:"elfBase"`

	DisableNativeForking bool `yaml:"disableNativeForking"`
	ShowInstructions     bool `yaml:"showInstructions"`
	ShowSyscalls         bool `yaml:"showSyscalls"`

	// LeakLibc makes the libc base a leak target.
	LeakLibc bool `yaml:"leakLibc"`

	// StateInfoList, when set, replays the specified I/O states
	// instead of discovering them (e.g., "i24,o,i400").
	StateInfoList string `yaml:"stateInfoList"`

	// Plans are lists of technique names. The first plan whose
	// techniques all meet their requirements is used.
	Plans [][]string `yaml:"plans"`

	// OutputDir is where exploit scripts are written. Defaults to
	// the current working directory.
	OutputDir string `yaml:"outputDir"`

	// Target is how generated scripts connect to the target, e.g.,
	// "remote 127.0.0.1:1337". Defaults to running Elf locally.
	Target string `yaml:"target"`

	// OneGadgetOutput is the output of one_gadget for Libc. It avoids
	// executing one_gadget.
	OneGadgetOutput string `yaml:"oneGadgetOutput"`

	// Stage1Solver is a command generated scripts run to solve stage 1
	// once the canary and the executable's base are leaked.
	Stage1Solver string `yaml:"stage1Solver"`

	stateInfoList []iostates.StateInfo
	target        scripting.Target
}

// LoadConfig reads and validates the YAML config at filePath.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file - %w", err)
	}

	config, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s - %w", filePath, err)
	}

	return config, nil
}

// ParseConfig decodes and validates a YAML config. Unknown fields are
// an error.
func ParseConfig(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	config := &Config{}
	err := dec.Decode(config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config - %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (o *Config) validate() error {
	if o.Elf == "" {
		return errors.New("elf path is required")
	}

	if len(o.Plans) == 0 {
		return errors.New("at least one plan is required")
	}

	known := technique.Names()

	for i, plan := range o.Plans {
		if len(plan) == 0 {
			return fmt.Errorf("plan %d is empty", i)
		}

		for _, name := range plan {
			if !slices.Contains(known, name) {
				return fmt.Errorf("plan %d - %w: %q", i, technique.ErrUnknownTechnique, name)
			}
		}
	}

	list, err := iostates.ParseStateInfoList(o.StateInfoList)
	if err != nil {
		return fmt.Errorf("failed to parse state info list - %w", err)
	}

	o.stateInfoList = list

	if o.Target == "" {
		o.target = scripting.Target{Mode: scripting.LocalMode, ExePath: o.Elf}
	} else {
		o.target, err = scripting.ParseTargetString(o.Target)
		if err != nil {
			return fmt.Errorf("failed to parse target - %w", err)
		}
	}

	if o.OutputDir == "" {
		o.OutputDir = "."
	}

	return nil
}
