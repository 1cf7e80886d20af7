package gadgets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"gitlab.com/stephen-fox/expgen/elfkit"
)

// ErrGadgetNotFound is returned when an image does not contain a gadget.
var ErrGadgetNotFound = errors.New("gadget not found")

// NewResolver creates a Resolver that uses the specified indexes.
// Images without an index are indexed the first time they are used.
func NewResolver(indexes ...*Index) *Resolver {
	resolver := &Resolver{
		indexes: make(map[string]*Index),
		cache:   make(map[cacheKey]resolution),
	}

	for _, index := range indexes {
		resolver.indexes[index.Image] = index
	}

	return resolver
}

type cacheKey struct {
	image string
	asm   string
}

type resolution struct {
	addr  uint64
	found bool
}

// Resolver maps (image, gadget text) pairs to link-time addresses.
// Results, including misses, are cached. It is safe for concurrent use.
type Resolver struct {
	// OptLogger, when non-nil, logs each resolution once.
	OptLogger *log.Logger

	mu      sync.Mutex
	indexes map[string]*Index
	cache   map[cacheKey]resolution
}

// Resolve returns the link-time address of asm in img.
func (o *Resolver) Resolve(img *elfkit.Image, asm string) (uint64, error) {
	key := cacheKey{image: img.Name, asm: Normalize(asm)}

	o.mu.Lock()
	defer o.mu.Unlock()

	res, cached := o.cache[key]
	if !cached {
		index, err := o.index(img)
		if err != nil {
			return 0, err
		}

		res.addr, res.found = index.Lookup(key.asm)
		o.cache[key] = res

		if o.OptLogger != nil {
			if res.found {
				o.OptLogger.Printf("resolved gadget: [%s+0x%x] %s", img.Name, res.addr, key.asm)
			} else {
				o.OptLogger.Printf("warn: cannot resolve gadget: %s in %s", key.asm, img.Name)
			}
		}
	}

	if !res.found {
		return 0, fmt.Errorf("%w: %q in %s", ErrGadgetNotFound, key.asm, img.Name)
	}

	return res.addr, nil
}

// Has reports whether img contains asm.
func (o *Resolver) Has(img *elfkit.Image, asm string) bool {
	_, err := o.Resolve(img, asm)
	return err == nil
}

func (o *Resolver) index(img *elfkit.Image) (*Index, error) {
	index, hasIt := o.indexes[img.Name]
	if hasIt {
		return index, nil
	}

	index, err := NewIndex(context.Background(), img)
	if err != nil {
		return nil, fmt.Errorf("failed to index gadgets of %s - %w", img.Name, err)
	}

	o.indexes[img.Name] = index

	return index, nil
}
