// Package expgen generates exploits for stack overflows found by symbolic
// execution.
//
// The crax package receives the callbacks of a symbolic execution engine.
// It records the I/O of every path, forks paths so that outputs leak the
// stack canary and load bases, and, once a path's instruction pointer
// becomes symbolic, chains ROP techniques into a pwntools script that
// replays the path against the real target.
//
// APIs are separated into subpackages, and documented accordingly.
package expgen
