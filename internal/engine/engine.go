// Package engine binds decoder engines to callers. A Decoder speaks the raw
// engine contract: it pulls bytes through a Loader and pushes results through
// raw emission channels carrying wire-level opcode numbers. Session wraps a
// Decoder and enforces the ownership, ordering and error rules of that
// contract so callers only ever see typed, caller-owned values.
package engine

import (
	"fmt"
	"sort"
	"sync"

	"pcodelift/internal/archspec"
	"pcodelift/internal/ctxdb"
	"pcodelift/internal/pcode"
)

// Loader is the byte supply a Decoder pulls from. buf belongs to the
// decoder and is only valid for the duration of the call.
type Loader interface {
	LoadFill(buf []byte, addr pcode.Address) error
	AdjustVMA(adjust int64)
}

// RawAssemblyEmit receives one call per disassembled instruction.
type RawAssemblyEmit interface {
	Dump(addr pcode.Address, mnem, body string)
}

// RawPcodeEmit receives micro-operations with their wire opcode number. out
// and in may be reused by the decoder after Dump returns.
type RawPcodeEmit interface {
	Dump(addr pcode.Address, opc uint32, out *pcode.VarnodeData, in []pcode.VarnodeData)
}

// Decoder is one configured engine instance. It is driven by a single
// goroutine at a time.
type Decoder interface {
	Spaces() *pcode.SpaceManager
	// Disassemble decodes the instruction at addr and returns its length.
	Disassemble(emit RawAssemblyEmit, addr pcode.Address) (int, error)
	// OneInstruction lowers the instruction at addr to micro-operations and
	// returns its length.
	OneInstruction(emit RawPcodeEmit, addr pcode.Address) (int, error)
	InstructionLength(addr pcode.Address) (int, error)
	// RegisterName returns the name of the register stored exactly at the
	// given location, or "".
	RegisterName(space *pcode.AddrSpace, off uint64, size int) string
	Register(name string) (pcode.VarnodeData, error)
}

// Factory configures a Decoder for a document. ctx is owned by the caller
// and may be read by the decoder during any call.
type Factory func(doc *archspec.Document, ld Loader, ctx *ctxdb.Database) (Decoder, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an engine available for a processor name. It panics if
// called twice for the same processor or with a nil factory.
func Register(processor string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("engine: Register factory is nil")
	}
	if _, dup := factories[processor]; dup {
		panic("engine: Register called twice for processor " + processor)
	}
	factories[processor] = f
}

// Lookup returns the factory registered for processor.
func Lookup(processor string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[processor]
	if !ok {
		return nil, fmt.Errorf("%w: %q (forgotten import?)", ErrNoEngine, processor)
	}
	return f, nil
}

// Processors returns the sorted list of registered processor names.
func Processors() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	list := make([]string, 0, len(factories))
	for name := range factories {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}
