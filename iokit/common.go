package iokit

import (
	"log"
)

var (
	// DefaultExitFn is invoked by functions and methods that exit
	// the program instead of returning an error.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)
