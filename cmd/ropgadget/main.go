package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/gadgets"
)

const (
	gadgetArg       = "g"
	filterArg       = "f"
	baseArg         = "b"
	outputFormatArg = "o"
	helpArg         = "h"

	prettyFormat = "pretty"
	jsonFormat   = "json"
	pyFormat     = "py"

	appName = "ropgadget"
	usage   = appName + `
DESCRIPTION
  Lists the ret-terminated gadgets of an x86-64 ELF, or resolves one.
  Gadgets are written in Intel syntax with instructions separated by
  " ; ". Addresses are link-time addresses unless a base is specified.

USAGE
  ` + appName + ` [options] /path/to/elf

EXAMPLES
  List the gadgets that pop rdi:
    $ ` + appName + ` -` + filterArg + ` "pop rdi" ./target
    0x4011d3: pop rdi ; ret

  Resolve a gadget of a libc loaded at 0x7ffff7dd5000:
    $ ` + appName + ` -` + baseArg + ` 0x7ffff7dd5000 -` + gadgetArg + ` "pop rsi ; ret" ./libc.so.6
    0x7ffff7e0395f: pop rsi ; ret

  Print script variables:
    $ ` + appName + ` -` + outputFormatArg + ` ` + pyFormat + ` -` + filterArg + ` "leave" ./target
    leave_ret = 0x401252

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

	gadget := flag.String(
		gadgetArg,
		"",
		"Resolve this gadget only (e.g., \"pop rdi ; ret\")")

	filter := flag.String(
		filterArg,
		"",
		"Only list gadgets containing this text")

	baseStr := flag.String(
		baseArg,
		"",
		"The load base of the ELF, for PIE executables and libraries")

	outputFormat := flag.String(
		outputFormatArg,
		prettyFormat,
		fmt.Sprintf("The output format ('%s', '%s', '%s')", prettyFormat, jsonFormat, pyFormat))

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		return fmt.Errorf("please specify an elf file path")
	}

	img, err := elfkit.Open(flag.Arg(0), "elf")
	if err != nil {
		return err
	}

	if *baseStr != "" {
		base, err := strconv.ParseUint(*baseStr, 0, 64)
		if err != nil {
			return fmt.Errorf("failed to parse base %q - %w", *baseStr, err)
		}

		img.SetBase(base)
	}

	var writer gadgetWriter
	output := bytes.NewBuffer(nil)

	switch *outputFormat {
	case prettyFormat:
		writer = &prettyWriter{w: output}
	case jsonFormat:
		writer = &jsonWriter{indent: "  ", w: output}
	case pyFormat:
		writer = &pyWriter{w: output}
	default:
		return fmt.Errorf("unsupported output format: %q", *outputFormat)
	}

	index, err := gadgets.NewIndex(context.Background(), img)
	if err != nil {
		return err
	}

	if *gadget != "" {
		offset, err := gadgets.NewResolver(index).Resolve(img, *gadget)
		if err != nil {
			return err
		}

		err = writer.Write(gadgets.Gadget{
			Addr: img.RuntimeAddress(offset),
			Asm:  gadgets.Normalize(*gadget),
		})
		if err != nil {
			return err
		}
	} else {
		for _, g := range index.Gadgets() {
			if !strings.Contains(g.Asm, *filter) {
				continue
			}

			g.Addr = img.RuntimeAddress(g.Addr)

			err = writer.Write(g)
			if err != nil {
				return err
			}
		}
	}

	err = writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write remaining data to output - %w", err)
	}

	_, err = io.Copy(os.Stdout, output)
	if err != nil {
		return err
	}

	return nil
}

type gadgetWriter interface {
	Write(gadgets.Gadget) error
	Flush() error
}

var _ gadgetWriter = (*prettyWriter)(nil)

type prettyWriter struct {
	w io.Writer
}

func (o *prettyWriter) Write(g gadgets.Gadget) error {
	_, err := fmt.Fprintf(o.w, "0x%x: %s\n", g.Addr, g.Asm)
	return err
}

func (o *prettyWriter) Flush() error {
	return nil
}

var _ gadgetWriter = (*jsonWriter)(nil)

type jsonWriter struct {
	indent string
	w      io.Writer
	buf    []jsonGadget
}

type jsonGadget struct {
	Addr string `json:"addr"`
	Asm  string `json:"asm"`
}

func (o *jsonWriter) Write(g gadgets.Gadget) error {
	o.buf = append(o.buf, jsonGadget{
		Addr: fmt.Sprintf("0x%x", g.Addr),
		Asm:  g.Asm,
	})

	return nil
}

func (o *jsonWriter) Flush() error {
	enc := json.NewEncoder(o.w)

	enc.SetIndent("", o.indent)

	return enc.Encode(o.buf)
}

var _ gadgetWriter = (*pyWriter)(nil)

// pyWriter writes gadgets the way exploit scripts declare them.
type pyWriter struct {
	w io.Writer
}

func (o *pyWriter) Write(g gadgets.Gadget) error {
	_, err := fmt.Fprintf(o.w, "%s = 0x%x\n", gadgets.VarName(g.Asm), g.Addr)
	return err
}

func (o *pyWriter) Flush() error {
	return nil
}
