package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"pcodelift/internal/archspec"
	"pcodelift/internal/disasm"
	"pcodelift/internal/elfx"
	"pcodelift/internal/engine"
	"pcodelift/internal/loadimage"
	"pcodelift/internal/ui/colorize"
)

// fs is where input files and architecture documents are read from.
var fs afero.Fs = afero.NewOsFs()

const defaultArch = "x86-64"

func addDocFlags(c *cobra.Command) {
	c.Flags().StringP("arch", "a", "", fmt.Sprintf("Builtin architecture (%s)", strings.Join(archspec.Builtins(), ", ")))
	c.Flags().String("spec", "", "Architecture document file (YAML or JSON)")
}

func addTargetFlags(c *cobra.Command) {
	addDocFlags(c)
	c.Flags().String("base", "0", "Load address of a raw (non-ELF) file")
	c.Flags().String("addr", "", "Start address or symbol (default: entry point or base)")
	c.Flags().IntP("count", "n", 32, "Maximum number of instructions")
	c.Flags().StringArray("set", nil, "Context variable override name=value[@addr]")
}

// target is an opened input with a live session over it.
type target struct {
	session *engine.Session
	img     loadimage.LoadImage
	elf     *elfx.Image
	start   uint64
	count   int
}

func (t *target) Close() error { return t.session.Close() }

func (t *target) processor() string { return t.session.Document().Processor }

func (t *target) labels() func(uint64) (string, bool) {
	if t.elf == nil {
		return nil
	}
	return func(addr uint64) (string, bool) {
		sym, ok := t.elf.SymbolAt(addr)
		return sym.Name, ok
	}
}

// sweeper returns a linear sweep over the target. Fixed-width encodings
// skip whole words over bad data.
func (t *target) sweeper(pcode bool) *disasm.Sweeper {
	step := 1
	if t.processor() == "AARCH64" {
		step = 4
	}
	return &disasm.Sweeper{
		Session: t.session,
		Image:   t.img,
		Labels:  t.labels(),
		Pcode:   pcode,
		BadStep: step,
		Logger:  logger,
	}
}

// loadDocument picks the architecture document from --spec, then --arch,
// then the ELF machine, then the default.
func loadDocument(cmd *cobra.Command, guess string) (*archspec.Document, error) {
	if spec, _ := cmd.Flags().GetString("spec"); spec != "" {
		return archspec.Load(fs, spec)
	}
	arch, _ := cmd.Flags().GetString("arch")
	if arch == "" {
		arch = guess
	}
	if arch == "" {
		arch = defaultArch
	}
	return archspec.Builtin(arch)
}

func openTarget(cmd *cobra.Command, path string) (*target, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	t := &target{}
	var guess string
	if elfx.IsELF(data) {
		im, err := elfx.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		im.Path = path
		t.elf, t.img, t.start = im, im, im.Entry
		guess = im.Arch()
	} else {
		base, err := parseUint(cmd, "base")
		if err != nil {
			return nil, err
		}
		t.img, t.start = loadimage.NewBytes(base, data), base
	}

	doc, err := loadDocument(cmd, guess)
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if logger != nil {
		opts = append(opts, engine.WithLogger(logger))
	}
	if t.session, err = engine.NewSession(t.img, doc, opts...); err != nil {
		return nil, err
	}
	if err := t.configure(cmd); err != nil {
		t.session.Close()
		return nil, err
	}
	return t, nil
}

func (t *target) configure(cmd *cobra.Command) error {
	sets, _ := cmd.Flags().GetStringArray("set")
	for _, s := range sets {
		if err := applySet(t.session, s); err != nil {
			return err
		}
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		if v, err := strconv.ParseUint(addr, 0, 64); err == nil {
			t.start = v
		} else if t.elf == nil {
			return fmt.Errorf("invalid --addr %q", addr)
		} else if v, ok := t.elf.Lookup(addr); ok {
			t.start = v
		} else {
			return fmt.Errorf("no symbol %q", addr)
		}
	}
	t.count, _ = cmd.Flags().GetInt("count")
	if t.count <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	return nil
}

// applySet parses name=value[@addr]. Without an address the variable's
// default changes.
func applySet(s *engine.Session, spec string) error {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok || name == "" {
		return fmt.Errorf("invalid --set %q: want name=value[@addr]", spec)
	}
	val, at, hasAddr := strings.Cut(rest, "@")
	v, err := strconv.ParseUint(val, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid --set %q: %w", spec, err)
	}
	if !hasAddr {
		s.Context().SetVariableDefault(name, uint32(v))
		return nil
	}
	addr, err := strconv.ParseUint(at, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid --set %q: %w", spec, err)
	}
	return s.Context().SetVariable(name, s.Address(addr), uint32(v))
}

func parseUint(cmd *cobra.Command, flag string) (uint64, error) {
	s, _ := cmd.Flags().GetString(flag)
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q", flag, s)
	}
	return v, nil
}

// useColor reports whether cmd writes to a terminal with colour enabled.
func useColor(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && term.IsTerminal(f.Fd()) && colorize.Enabled()
}
