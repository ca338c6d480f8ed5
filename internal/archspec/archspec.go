// Package archspec loads architecture specification documents. A document
// names the processor an engine must be built for and describes its address
// spaces, register file and context variables. The binding layer passes the
// document through untouched; only engines interpret it.
package archspec

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"pcodelift/internal/pcode"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrUnknownBuiltin is returned by Builtin for names with no embedded document.
var ErrUnknownBuiltin = errors.New("unknown builtin architecture")

// Document is a parsed architecture specification.
type Document struct {
	Processor   string         `yaml:"processor" json:"processor" jsonschema:"title=Processor,description=Engine family that interprets this document (e.g. x86 or AARCH64)"`
	Variant     string         `yaml:"variant,omitempty" json:"variant,omitempty" jsonschema:"title=Variant,description=Processor variant name"`
	Endian      string         `yaml:"endian" json:"endian" jsonschema:"title=Endianness,enum=little,enum=big"`
	UniqueSize  uint32         `yaml:"unique_size,omitempty" json:"unique_size,omitempty" jsonschema:"title=Unique space address size,minimum=1,maximum=8"`
	DefaultCode string         `yaml:"default_code_space" json:"default_code_space" jsonschema:"title=Default code space"`
	DefaultData string         `yaml:"default_data_space,omitempty" json:"default_data_space,omitempty" jsonschema:"title=Default data space"`
	Spaces      []SpaceDoc     `yaml:"spaces" json:"spaces" jsonschema:"title=Address spaces,minItems=1"`
	Registers   []RegisterDoc  `yaml:"registers,omitempty" json:"registers,omitempty" jsonschema:"title=Registers"`
	Context     []ContextVar   `yaml:"context,omitempty" json:"context,omitempty" jsonschema:"title=Context variables"`
	Options     map[string]any `yaml:"options,omitempty" json:"options,omitempty" jsonschema:"title=Engine specific options"`
}

// SpaceDoc describes one address space.
type SpaceDoc struct {
	Name          string   `yaml:"name" json:"name"`
	Kind          string   `yaml:"kind" json:"kind" jsonschema:"enum=processor,enum=spacebase,enum=internal"`
	Size          uint32   `yaml:"size" json:"size" jsonschema:"minimum=1,maximum=8"`
	WordSize      uint32   `yaml:"word_size,omitempty" json:"word_size,omitempty"`
	Delay         int      `yaml:"delay,omitempty" json:"delay,omitempty"`
	DeadcodeDelay int      `yaml:"deadcode_delay,omitempty" json:"deadcode_delay,omitempty"`
	Flags         []string `yaml:"flags,omitempty" json:"flags,omitempty" jsonschema:"enum=heritaged,enum=deadcode,enum=reverse_justified,enum=overlay,enum=overlay_base,enum=other,enum=truncated,enum=near_pointers"`
	Contain       string   `yaml:"contain,omitempty" json:"contain,omitempty"`
	Base          string   `yaml:"base,omitempty" json:"base,omitempty" jsonschema:"description=Base register of a spacebase space"`
	GrowsPositive bool     `yaml:"grows_positive,omitempty" json:"grows_positive,omitempty"`
}

// RegisterDoc names a storage location in a register space.
type RegisterDoc struct {
	Name   string `yaml:"name" json:"name"`
	Space  string `yaml:"space,omitempty" json:"space,omitempty" jsonschema:"description=Defaults to register"`
	Offset uint64 `yaml:"offset" json:"offset"`
	Size   uint32 `yaml:"size" json:"size"`
}

// ContextVar declares a processor context variable and its default.
type ContextVar struct {
	Name    string `yaml:"name" json:"name"`
	Default uint32 `yaml:"default" json:"default"`
}

var spaceFlagNames = map[string]pcode.SpaceFlags{
	"heritaged":         pcode.Heritaged,
	"deadcode":          pcode.DoesDeadcode,
	"reverse_justified": pcode.ReverseJustification,
	"overlay":           pcode.Overlay,
	"overlay_base":      pcode.OverlayBase,
	"other":             pcode.IsOtherSpace,
	"truncated":         pcode.Truncated,
	"near_pointers":     pcode.HasNearPointers,
}

// Parse decodes a YAML (or JSON) document and validates it.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse architecture document: empty document")
		}
		return nil, fmt.Errorf("parse architecture document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads and parses the document at name on fs.
func Load(fs afero.Fs, name string) (*Document, error) {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, fmt.Errorf("read architecture document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return doc, nil
}

// Builtin returns one of the embedded documents.
func Builtin(name string) (*Document, error) {
	data, err := builtinFS.ReadFile(path.Join("builtin", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuiltin, name)
	}
	return Parse(data)
}

// Builtins lists the embedded document names.
func Builtins() []string {
	entries, _ := builtinFS.ReadDir("builtin")
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Schema returns the JSON schema of the document format.
func Schema() ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	bts, err := json.MarshalIndent(reflector.Reflect(&Document{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}

// Validate checks the internal consistency of the document.
func (d *Document) Validate() error {
	if d.Processor == "" {
		return fmt.Errorf("document has no processor")
	}
	switch d.Endian {
	case "little", "big":
	default:
		return fmt.Errorf("endian must be little or big, got %q", d.Endian)
	}
	if len(d.Spaces) == 0 {
		return fmt.Errorf("document declares no spaces")
	}
	names := make(map[string]bool)
	for _, s := range d.Spaces {
		if s.Name == "" {
			return fmt.Errorf("space with no name")
		}
		if names[s.Name] {
			return fmt.Errorf("space %s declared twice", s.Name)
		}
		names[s.Name] = true
		kind, ok := pcode.ParseSpaceKind(s.Kind)
		if !ok || (kind != pcode.SpaceProcessor && kind != pcode.SpaceSpaceBase && kind != pcode.SpaceInternal) {
			return fmt.Errorf("space %s: unsupported kind %q", s.Name, s.Kind)
		}
		if s.Size == 0 || s.Size > 8 {
			return fmt.Errorf("space %s: size %d out of range", s.Name, s.Size)
		}
		if kind == pcode.SpaceSpaceBase && s.Base == "" {
			return fmt.Errorf("space %s: spacebase without base register", s.Name)
		}
		for _, f := range s.Flags {
			if _, ok := spaceFlagNames[f]; !ok {
				return fmt.Errorf("space %s: unknown flag %q", s.Name, f)
			}
		}
	}
	if !names[d.DefaultCode] {
		return fmt.Errorf("default code space %q is not declared", d.DefaultCode)
	}
	if d.DefaultData != "" && !names[d.DefaultData] {
		return fmt.Errorf("default data space %q is not declared", d.DefaultData)
	}
	regs := make(map[string]bool)
	for _, r := range d.Registers {
		if regs[r.Name] {
			return fmt.Errorf("register %s declared twice", r.Name)
		}
		regs[r.Name] = true
		if r.Size == 0 {
			return fmt.Errorf("register %s has no size", r.Name)
		}
		if sp := r.space(); !names[sp] {
			return fmt.Errorf("register %s: space %q is not declared", r.Name, sp)
		}
	}
	for _, s := range d.Spaces {
		if s.Base != "" && !regs[s.Base] {
			return fmt.Errorf("space %s: base register %q is not declared", s.Name, s.Base)
		}
	}
	ctx := make(map[string]bool)
	for _, c := range d.Context {
		if c.Name == "" || ctx[c.Name] {
			return fmt.Errorf("context variable %q is empty or duplicated", c.Name)
		}
		ctx[c.Name] = true
	}
	return nil
}

func (r RegisterDoc) space() string {
	if r.Space == "" {
		return "register"
	}
	return r.Space
}

// IsBigEndian reports the document's byte order.
func (d *Document) IsBigEndian() bool { return d.Endian == "big" }

// Build materializes the document's spaces and registers. The returned
// manager is frozen.
func (d *Document) Build() (*pcode.SpaceManager, *Registers, error) {
	m := pcode.NewSpaceManager(d.UniqueSize)
	var endian pcode.SpaceFlags
	if d.IsBigEndian() {
		endian = pcode.BigEndian
	}
	cfg := func(s SpaceDoc) pcode.SpaceConfig {
		kind, _ := pcode.ParseSpaceKind(s.Kind)
		c := pcode.SpaceConfig{
			Name:               s.Name,
			Kind:               kind,
			AddrSize:           s.Size,
			WordSize:           s.WordSize,
			Delay:              s.Delay,
			DeadcodeDelay:      s.DeadcodeDelay,
			Flags:              endian,
			Contain:            s.Contain,
			StackGrowsPositive: s.GrowsPositive,
		}
		for _, f := range s.Flags {
			c.Flags |= spaceFlagNames[f]
		}
		return c
	}

	// spacebase spaces refer to registers, so they go last
	for _, s := range d.Spaces {
		if s.Base != "" {
			continue
		}
		if _, err := m.Add(cfg(s)); err != nil {
			return nil, nil, err
		}
	}
	regs := &Registers{byName: make(map[string]pcode.VarnodeData)}
	for _, r := range d.Registers {
		vn := pcode.VarnodeData{Space: m.SpaceByName(r.space()), Offset: r.Offset, Size: r.Size}
		regs.add(r.Name, vn)
	}
	sort.SliceStable(regs.sorted, func(i, j int) bool { return regs.sorted[i].vn.Less(regs.sorted[j].vn) })
	for _, s := range d.Spaces {
		if s.Base == "" {
			continue
		}
		c := cfg(s)
		base, _ := regs.Lookup(s.Base)
		c.Spacebase = []pcode.VarnodeData{base}
		if _, err := m.Add(c); err != nil {
			return nil, nil, err
		}
	}
	if err := m.SetDefaultCodeSpace(d.DefaultCode); err != nil {
		return nil, nil, err
	}
	if d.DefaultData != "" {
		if err := m.SetDefaultDataSpace(d.DefaultData); err != nil {
			return nil, nil, err
		}
	}
	m.Freeze()
	return m, regs, nil
}

// Registers is the register table built from a document.
type Registers struct {
	byName map[string]pcode.VarnodeData
	sorted []namedVarnode
}

type namedVarnode struct {
	name string
	vn   pcode.VarnodeData
}

func (r *Registers) add(name string, vn pcode.VarnodeData) {
	r.byName[name] = vn
	r.sorted = append(r.sorted, namedVarnode{name, vn})
}

// Lookup returns the storage of the named register.
func (r *Registers) Lookup(name string) (pcode.VarnodeData, bool) {
	vn, ok := r.byName[name]
	return vn, ok
}

// Name returns the register exactly matching the storage, or "".
func (r *Registers) Name(spc *pcode.AddrSpace, off uint64, size uint32) string {
	want := pcode.VarnodeData{Space: spc, Offset: off, Size: size}
	for _, nv := range r.sorted {
		if nv.vn == want {
			return nv.name
		}
	}
	return ""
}

// Names returns every register name in storage order.
func (r *Registers) Names() []string {
	out := make([]string, len(r.sorted))
	for i, nv := range r.sorted {
		out[i] = nv.name
	}
	return out
}
