package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pcodelift/internal/archspec"
	"pcodelift/internal/engine"
	"pcodelift/internal/loadimage"
	"pcodelift/internal/pcodelift/styles"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe the address spaces, registers and context of an architecture",
	Example: `
pcodelift info --arch aarch64
pcodelift info --spec ./mycpu.yaml
  `,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadDocument(cmd, "")
		if err != nil {
			return err
		}
		s, err := engine.NewSession(loadimage.NewBytes(0, nil), doc)
		if err != nil {
			return err
		}
		defer s.Close()

		md := infoMarkdown(s)
		if !useColor(cmd) {
			_, err = io.WriteString(cmd.OutOrStdout(), md)
			return err
		}
		out, err := styles.GetMarkdownRenderer(100).Render(md)
		if err != nil {
			return err
		}
		_, err = io.WriteString(cmd.OutOrStdout(), out)
		return err
	},
}

func init() {
	addDocFlags(infoCmd)
}

func infoMarkdown(s *engine.Session) string {
	doc := s.Document()
	var b strings.Builder

	title := doc.Processor
	if doc.Variant != "" {
		title += " (" + doc.Variant + ")"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "%s endian, default code space `%s`\n\n", endianName(doc), s.DefaultCodeSpace().Name())

	b.WriteString("## Address spaces\n\n")
	b.WriteString("| Index | Name | Kind | Size | Word size | Shortcut |\n")
	b.WriteString("|---:|---|---|---:|---:|:---:|\n")
	for _, spc := range s.Spaces().Spaces() {
		if spc == nil {
			continue
		}
		short := "-"
		if c := spc.Shortcut(); c != 0 {
			short = "`" + string(rune(c)) + "`"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %d | %d | %s |\n",
			spc.Index(), spc.Name(), spc.Kind(), spc.AddrSize(), spc.WordSize(), short)
	}

	if len(doc.Registers) > 0 {
		b.WriteString("\n## Registers\n\n")
		b.WriteString("| Name | Location |\n|---|---|\n")
		for _, r := range doc.Registers {
			vn, err := s.Register(r.Name)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "| %s | `%s` |\n", r.Name, vn)
		}
	}

	if vars := s.Context().Variables(); len(vars) > 0 {
		b.WriteString("\n## Context\n\n")
		b.WriteString("| Variable | Default |\n|---|---:|\n")
		for _, name := range vars {
			v, _ := s.Context().GetDefaultValue(name)
			fmt.Fprintf(&b, "| %s | %d |\n", name, v)
		}
	}

	fmt.Fprintf(&b, "\n## Engines\n\n%s\n", strings.Join(engine.Processors(), ", "))
	return b.String()
}

func endianName(doc *archspec.Document) string {
	if doc.IsBigEndian() {
		return "Big"
	}
	return "Little"
}
