package memory

import (
	"fmt"
	"sort"
)

// NewAddressTable creates a new, empty *AddressTable.
func NewAddressTable() *AddressTable {
	return &AddressTable{
		contextToSymbolsToAddrs: make(map[string]map[string]uint64),
	}
}

// AddressTable tracks the values of named symbols that an exploit
// script refers to, such as gadget offsets ("pop_rdi_ret") or scratch
// memory locations ("pivot_dest").
//
// Symbols are grouped by context. A context is normally the name of the
// binary image the value is relative to (for example, "elf" or "libc"),
// which allows two images to register a symbol with the same name
// without clobbering each other.
type AddressTable struct {
	contextToSymbolsToAddrs map[string]map[string]uint64
}

// Symbol is a named value in an AddressTable.
type Symbol struct {
	Context string
	Name    string
	Value   uint64
}

// AddSymbolInContext adds or sets the value of a symbol for
// the specified context.
func (o *AddressTable) AddSymbolInContext(symbolName string, value uint64, context string) *AddressTable {
	symbolsToAddrs := o.contextToSymbolsToAddrs[context]
	if symbolsToAddrs == nil {
		symbolsToAddrs = make(map[string]uint64)
		o.contextToSymbolsToAddrs[context] = symbolsToAddrs
	}

	symbolsToAddrs[symbolName] = value

	return o
}

// LookupInContext returns the value of a symbol in the specified context.
func (o *AddressTable) LookupInContext(symbolName string, context string) (uint64, bool) {
	value, hasIt := o.contextToSymbolsToAddrs[context][symbolName]
	return value, hasIt
}

// AddressInContext is like LookupInContext, but returns an error if
// the symbol is missing.
func (o *AddressTable) AddressInContext(symbolName string, context string) (uint64, error) {
	symbolsToAddrs, hasIt := o.contextToSymbolsToAddrs[context]
	if !hasIt {
		return 0, fmt.Errorf("the context ('%s') is not in the lookup table", context)
	}

	addr, hasIt := symbolsToAddrs[symbolName]
	if !hasIt {
		return 0, fmt.Errorf("failed to find the symbol '%s' in the table for '%s'",
			symbolName, context)
	}

	return addr, nil
}

// Symbols returns every symbol, sorted by context and then by name.
func (o *AddressTable) Symbols() []Symbol {
	var symbols []Symbol

	for context, symbolsToAddrs := range o.contextToSymbolsToAddrs {
		for name, value := range symbolsToAddrs {
			symbols = append(symbols, Symbol{
				Context: context,
				Name:    name,
				Value:   value,
			})
		}
	}

	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].Context != symbols[j].Context {
			return symbols[i].Context < symbols[j].Context
		}
		return symbols[i].Name < symbols[j].Name
	})

	return symbols
}
