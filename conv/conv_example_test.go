package conv

import (
	"fmt"
	"log"
	"strings"
)

func ExampleHexArrayToBytes() {
	stage1 := `/* char buf[8] */
41 41 41 41 41 41 41 41
// saved rbp
0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00
// ret
"\x56\x11\x40\x00\x00\x00\x00\x00"
`

	b, err := HexArrayToBytes(strings.NewReader(stage1))
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Printf("%d bytes, ret: 0x%x\n", len(b), b[16:])

	// Output: 24 bytes, ret: 0x5611400000000000
}

func ExamplePyBytes() {
	fmt.Println(PyBytes([]byte("A\x00\n")))

	// Output: b'\x41\x00\x0a'
}
