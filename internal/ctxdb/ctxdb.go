// Package ctxdb implements the processor context store: named variables
// with a global default and address-ranged overrides, read by decoders to
// select instruction-set sub-modes.
package ctxdb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pcodelift/internal/pcode"
)

// ErrUnknownVariable is returned for names that were never registered.
var ErrUnknownVariable = errors.New("unknown context variable")

// Override is a value taking effect at Addr and holding until the next
// override of the same variable in the same space.
type Override struct {
	Addr  pcode.Address
	Value uint32
}

type variable struct {
	def       uint32
	overrides map[*pcode.AddrSpace][]Override // sorted by offset
}

// Database is the context store owned by one engine session. Mutation
// while a decode is in flight on the owning session must be serialized by
// the caller.
type Database struct {
	mu   sync.RWMutex
	vars map[string]*variable
}

// New returns an empty store.
func New() *Database {
	return &Database{vars: make(map[string]*variable)}
}

// RegisterVariable declares name with default value def. Registering an
// existing name only resets its default.
func (db *Database) RegisterVariable(name string, def uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.lookupOrCreate(name).def = def
}

func (db *Database) lookupOrCreate(name string) *variable {
	v, ok := db.vars[name]
	if !ok {
		v = &variable{overrides: make(map[*pcode.AddrSpace][]Override)}
		db.vars[name] = v
	}
	return v
}

func (db *Database) lookup(name string) (*variable, error) {
	v, ok := db.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	return v, nil
}

// SetVariableDefault sets the value used where no override applies,
// registering name if needed.
func (db *Database) SetVariableDefault(name string, value uint32) {
	db.RegisterVariable(name, value)
}

// GetDefaultValue returns the default of name.
func (db *Database) GetDefaultValue(name string) (uint32, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, err := db.lookup(name)
	if err != nil {
		return 0, err
	}
	return v.def, nil
}

// SetVariable installs value for name at addr and every following address
// up to the next override.
func (db *Database) SetVariable(name string, addr pcode.Address, value uint32) error {
	if addr.IsInvalid() {
		return fmt.Errorf("set %s: invalid address", name)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	v, err := db.lookup(name)
	if err != nil {
		return err
	}
	v.set(addr, value)
	return nil
}

// SetVariableRegion overrides name over [begin, end) and restores the value
// previously in effect at end.
func (db *Database) SetVariableRegion(name string, begin, end pcode.Address, value uint32) error {
	if begin.IsInvalid() || end.IsInvalid() || begin.Space() != end.Space() {
		return fmt.Errorf("set %s: bad region %s..%s", name, begin, end)
	}
	if end.Offset() <= begin.Offset() {
		return fmt.Errorf("set %s: empty region %s..%s", name, begin, end)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	v, err := db.lookup(name)
	if err != nil {
		return err
	}
	after := v.get(end)
	list := v.overrides[begin.Space()]
	kept := list[:0:0]
	for _, o := range list {
		if o.Addr.Offset() > begin.Offset() && o.Addr.Offset() < end.Offset() {
			continue
		}
		kept = append(kept, o)
	}
	v.overrides[begin.Space()] = kept
	v.set(begin, value)
	v.set(end, after)
	return nil
}

// GetVariable resolves the value of name in effect at addr.
func (db *Database) GetVariable(name string, addr pcode.Address) (uint32, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, err := db.lookup(name)
	if err != nil {
		return 0, err
	}
	return v.get(addr), nil
}

// Variables returns the registered names, sorted.
func (db *Database) Variables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.vars))
	for n := range db.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Overrides returns a copy of the overrides of name, ordered by address.
func (db *Database) Overrides(name string) ([]Override, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, err := db.lookup(name)
	if err != nil {
		return nil, err
	}
	var out []Override
	for _, list := range v.overrides {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Compare(out[j].Addr) < 0 })
	return out, nil
}

func (v *variable) set(addr pcode.Address, value uint32) {
	list := v.overrides[addr.Space()]
	i := sort.Search(len(list), func(i int) bool { return list[i].Addr.Offset() >= addr.Offset() })
	if i < len(list) && list[i].Addr.Offset() == addr.Offset() {
		list[i].Value = value
		return
	}
	list = append(list, Override{})
	copy(list[i+1:], list[i:])
	list[i] = Override{Addr: addr, Value: value}
	v.overrides[addr.Space()] = list
}

func (v *variable) get(addr pcode.Address) uint32 {
	list := v.overrides[addr.Space()]
	i := sort.Search(len(list), func(i int) bool { return list[i].Addr.Offset() > addr.Offset() })
	if i == 0 {
		return v.def
	}
	return list[i-1].Value
}
