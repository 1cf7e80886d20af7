// Package conv converts between the byte encodings found in exploit
// scripts: escaped Python byte strings and hex arrays with C comments.
package conv

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PyBytes encodes b as a Python bytes literal in which every byte is
// hex-escaped (e.g., b'\x41\x00').
func PyBytes(b []byte) string {
	var s strings.Builder

	s.Grow(3 + 4*len(b))
	s.WriteString("b'")
	for _, c := range b {
		s.WriteString(`\x`)
		s.WriteString(hex.EncodeToString([]byte{c}))
	}
	s.WriteByte('\'')

	return s.String()
}

// PyString quotes s as a single-quoted Python string literal.
func PyString(s string) string {
	var b strings.Builder

	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, c := range s {
		switch c {
		case '\\', '\'':
			b.WriteByte('\\')
			b.WriteRune(c)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(c)
		}
	}
	b.WriteByte('\'')

	return b.String()
}

// HexArrayToBytes converts an array of hexadecimal characters into
// a []byte. It ignores C comments, which allows the function to parse
// blobs of data mixed with comments, as well as "0x" and "\x" prefixes.
func HexArrayToBytes(source io.Reader) ([]byte, error) {
	src := bufio.NewReader(source)
	out := bytes.NewBuffer(nil)

	var pair []byte
	var prev byte

	for {
		b, err := src.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next byte from reader - %w", err)
		}

		if b == '/' {
			err = skipComment(src)
			if err != nil {
				return nil, err
			}

			continue
		}

		// Drop the '0' of a "0x" prefix.
		if (b == 'x' || b == 'X') && len(pair) == 1 && pair[0] == '0' && prev == '0' {
			pair = pair[:0]
			prev = b
			continue
		}

		prev = b

		if !isHexChar(b) {
			continue
		}

		pair = append(pair, b)
		if len(pair) < 2 {
			continue
		}

		var decoded [1]byte
		_, err = hex.Decode(decoded[:], pair)
		if err != nil {
			return nil, fmt.Errorf("failed to hex-decode byte - %w", err)
		}

		out.WriteByte(decoded[0])
		pair = pair[:0]
	}

	if len(pair) != 0 {
		return nil, fmt.Errorf("odd number of hex characters")
	}

	return out.Bytes(), nil
}

// skipComment consumes the remainder of a C comment. The leading '/'
// has already been read.
func skipComment(src *bufio.Reader) error {
	second, err := src.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read second start of comment char - %w", err)
	}

	switch second {
	case '/':
		_, err := src.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to find end of line comment - %w", err)
		}

		return nil
	case '*':
		var last byte
		for {
			b, err := src.ReadByte()
			if err != nil {
				return fmt.Errorf("failed to find corresponding '*/' end of comment - %w", err)
			}

			if last == '*' && b == '/' {
				return nil
			}

			last = b
		}
	default:
		return fmt.Errorf("unknown second start of comment char '%c'", second)
	}
}

func isHexChar(b byte) bool {
	return (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F') || (b >= '0' && b <= '9')
}
