package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"

	"gitlab.com/stephen-fox/expgen/crax"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/process"
)

const (
	sessionArg = "s"
	outputArg  = "o"
	runArg     = "x"
	pythonArg  = "python"
	verboseArg = "v"
	helpArg    = "h"

	appName = "expgen"
	usage   = appName + `
DESCRIPTION
  Compiles a recorded exploitation session into a pwntools exploit
  script. A session holds the I/O states of the exploited path, the
  solved stage 1 payload and the techniques that built it.

USAGE
  ` + appName + ` -` + sessionArg + ` session.yaml [options]

EXAMPLES
  Write the exploit of a session to stdout:
    $ ` + appName + ` -` + sessionArg + ` session.yaml

  Write it to a file and run it:
    $ ` + appName + ` -` + sessionArg + ` session.yaml -` + outputArg + ` exploit.py -` + runArg + `

SESSION
  elf: ./target
  libc: /lib/x86_64-linux-gnu/libc.so.6
  target: remote 127.0.0.1:1337
  stateInfoList: i8,o,i16,i400
  firstResidualInput: 2
  stage1: |
    41 41 41 41 41 41 41 41 // comments are allowed
    ...
  plan: [BasicStackPivot, GotLeakLibc, OneGadget]

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	sessionPath := flag.String(
		sessionArg,
		"",
		"The session file path")

	outputPath := flag.String(
		outputArg,
		"-",
		"The exploit script path ('-' for stdout)")

	run := flag.Bool(
		runArg,
		false,
		"Run the exploit script once it is written")

	python := flag.String(
		pythonArg,
		"python3",
		"The python interpreter that runs the exploit script")

	verbose := flag.Bool(
		verboseArg,
		false,
		"Log what exploit generation does")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *sessionPath == "" {
		return fmt.Errorf("please specify a session file using -%s", sessionArg)
	}

	if *run && *outputPath == "-" {
		return fmt.Errorf("-%s requires an output file (-%s)", runArg, outputArg)
	}

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.Default()
	}

	session, err := crax.LoadSession(*sessionPath)
	if err != nil {
		return err
	}

	elf, err := elfkit.Open(session.Elf, "elf")
	if err != nil {
		return fmt.Errorf("failed to open elf - %w", err)
	}

	var libc *elfkit.Image
	if session.Libc != "" {
		libc, err = elfkit.Open(session.Libc, "libc")
		if err != nil {
			return fmt.Errorf("failed to open libc - %w", err)
		}
	}

	ctx, cancelFn := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancelFn()

	script, err := crax.CompileSession(ctx, session, elf, libc, logger)
	if err != nil {
		return err
	}

	if *outputPath == "-" {
		_, err = script.WriteTo(os.Stdout)
		return err
	}

	err = os.WriteFile(*outputPath, []byte(script.String()), 0o755)
	if err != nil {
		return fmt.Errorf("failed to write exploit script - %w", err)
	}

	log.Printf("wrote exploit script to: %s", *outputPath)

	if !*run {
		return nil
	}

	cmd := exec.Command(*python, *outputPath)
	cmd.Stderr = os.Stderr

	proc, err := process.Start(cmd)
	if err != nil {
		return err
	}
	defer proc.Close()

	return proc.Interactive()
}
