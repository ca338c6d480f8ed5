// Package colorize highlights disassembly for terminals using chroma.
package colorize

import (
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// EnvNoColor disables colouring when set to any value.
const EnvNoColor = "PCODELIFT_NO_COLOR"

// Enabled reports whether output should be coloured.
func Enabled() bool {
	return os.Getenv(EnvNoColor) == ""
}

// lexerFor returns the assembly lexer for a processor family, with
// fallbacks.
func lexerFor(processor string) chroma.Lexer {
	var candidates []string
	switch strings.ToLower(processor) {
	case "aarch64", "arm":
		candidates = []string{"armasm", "gas"}
	default:
		candidates = []string{"nasm", "gas"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return chroma.Coalesce(lexer)
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	for _, name := range []string{"disasm-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Assembly highlights code written in processor's assembly syntax. On any
// failure, or with colour disabled, code comes back unchanged.
func Assembly(processor, code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := lexerFor(processor)
	if lexer == nil {
		return code, nil
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return code, err
	}
	// Lexers may append a newline the input did not have.
	out := buf.String()
	if strings.Count(out, "\n") > strings.Count(code, "\n") {
		i := strings.LastIndex(out, "\n")
		out = out[:i] + out[i+1:]
	}
	return out, nil
}

// Line highlights one instruction, leaving text unchanged when it cannot.
func Line(processor, text string) string {
	out, err := Assembly(processor, text)
	if err != nil {
		return text
	}
	return out
}
