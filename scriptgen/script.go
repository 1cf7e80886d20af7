package scriptgen

import (
	"io"
	"strings"
)

const indentUnit = "    "

// Script is a Python exploit script under construction.
type Script struct {
	lines   []string
	indent  int
	payload []string
}

// Writeline appends a line at the current indentation. An empty line
// is written without indentation.
func (o *Script) Writeline(line string) {
	if line == "" {
		o.lines = append(o.lines, "")
		return
	}

	o.lines = append(o.lines, strings.Repeat(indentUnit, o.indent)+line)
}

// Writelines calls Writeline for each line. Lines containing newlines
// are split first, so that each part is indented.
func (o *Script) Writelines(lines ...string) {
	for _, line := range lines {
		for _, part := range strings.Split(line, "\n") {
			o.Writeline(part)
		}
	}
}

// Indent increases the indentation of subsequent lines by one level.
func (o *Script) Indent() {
	o.indent++
}

// Dedent decreases the indentation of subsequent lines by one level.
func (o *Script) Dedent() {
	if o.indent > 0 {
		o.indent--
	}
}

// AppendRopPayload adds a payload fragment (a Python bytes expression)
// to the payload that is sent by the next FlushRopPayload.
func (o *Script) AppendRopPayload(fragment string) {
	o.payload = append(o.payload, fragment)
}

// FlushRopPayload writes the statements sending the accumulated
// payload fragments. It is a no-op if there are none.
func (o *Script) FlushRopPayload() {
	if len(o.payload) == 0 {
		return
	}

	for i, fragment := range o.payload {
		if i == 0 {
			o.Writeline("payload  = " + fragment)
		} else {
			o.Writeline("payload += " + fragment)
		}
	}

	o.Writeline("proc.send(payload)")

	o.payload = o.payload[:0]
}

// Lines returns the script's lines.
func (o *Script) Lines() []string {
	return o.lines
}

func (o *Script) String() string {
	if len(o.lines) == 0 {
		return ""
	}

	return strings.Join(o.lines, "\n") + "\n"
}

// WriteTo writes the script to w.
func (o *Script) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, o.String())
	return int64(n), err
}
