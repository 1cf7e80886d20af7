// Package memory models the target process' memory from the point of view
// of an exploit script.
//
// This API is heavily influenced by the 'pwntools' Python library.
//
// Pointers
//
// PointerMaker packs addresses the way the target stores them (p64 in
// pwntools terms), for instance to search an image for a pointer.
//
// Symbols
//
// AddressTable is the symbol table of a generated exploit script. Each
// entry becomes a variable definition in the script, and symbolic gadget
// chain values refer to entries by name.
//
// Memory maps
//
// VirtualMemoryMap labels each mapped region of the target with the module
// it belongs to. It is used to decide whether a value written by the target
// is a pointer into the executable, libc, or the stack, and to compute
// the offset of such a pointer from its module's load address.
package memory
