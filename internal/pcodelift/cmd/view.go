package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"
	"github.com/spf13/cobra"

	"pcodelift/internal/disasm"
	"pcodelift/internal/pcodelift/styles"
)

var viewCmd = &cobra.Command{
	Use:   "view FILE",
	Short: "Browse the listing interactively",
	Long: `view opens a scrollable listing of FILE. For ELF files the symbol table can
be searched and any function opened in the listing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openTarget(cmd, args[0])
		if err != nil {
			return err
		}
		defer t.Close()

		program := tea.NewProgram(
			newViewModel(cmd.Context(), t, true),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			logger.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %v", err)
		}
		return nil
	},
}

func init() {
	addTargetFlags(viewCmd)
}

type viewMode int

const (
	viewListing viewMode = iota
	viewSymbols
)

type symbolItem struct {
	addr uint64
	name string
}

func (i symbolItem) FilterValue() string { return i.name }

type symbolDelegate struct{}

func (symbolDelegate) Height() int                         { return 1 }
func (symbolDelegate) Spacing() int                        { return 0 }
func (symbolDelegate) Update(tea.Msg, *list.Model) tea.Cmd { return nil }
func (symbolDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	i, ok := item.(symbolItem)
	if !ok {
		return
	}
	indicator, name := " ", i.name
	if index == m.Index() {
		indicator, name = ">", styles.Mnemonic.Render(name)
	}
	fmt.Fprintf(w, " %s  %s  %s", indicator, styles.Address.Render(fmt.Sprintf("%08x", i.addr)), name)
}

type sweepMsg struct {
	start  uint64
	stream disasm.Stream
	err    error
}

type viewModel struct {
	ctx     context.Context
	t       *target
	color   bool
	width   int
	height  int
	mode    viewMode
	pcode   bool
	loading bool

	start  uint64
	stream disasm.Stream
	err    error

	viewport viewport.Model
	symbols  list.Model
	spinner  spinner.Model
}

func newViewModel(ctx context.Context, t *target, color bool) viewModel {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	var items []list.Item
	if t.elf != nil {
		for _, s := range t.elf.Syms {
			if s.Func && s.Addr != 0 {
				items = append(items, symbolItem{addr: s.Addr, name: s.Name})
			}
		}
	}
	syms := list.New(items, symbolDelegate{}, 80, 24)
	syms.Title = "Symbols"
	syms.SetShowStatusBar(false)
	syms.SetFilteringEnabled(true)
	syms.Styles.Title = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Charple.Hex())).MarginLeft(2)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Malibu.Hex()))

	m := viewModel{
		ctx:      ctx,
		t:        t,
		color:    color,
		width:    80,
		height:   24,
		start:    t.start,
		loading:  true,
		viewport: vp,
		symbols:  syms,
		spinner:  sp,
	}
	m.updateContent()
	return m
}

// sweep lifts from start in the background. Only one sweep runs at a time
// since a session serves a single caller.
func (m viewModel) sweep(start uint64) tea.Cmd {
	sw := m.t.sweeper(true)
	sw.Logger = nil
	count := m.t.count
	ctx := m.ctx
	return func() tea.Msg {
		stream, err := sw.Run(ctx, start, count)
		return sweepMsg{start: start, stream: stream, err: err}
	}
}

func (m viewModel) Init() tea.Cmd {
	return tea.Batch(m.sweep(m.start), m.spinner.Tick)
}

func (m viewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case sweepMsg:
		m.loading = false
		m.start, m.stream, m.err = msg.start, msg.stream, msg.err
		m.updateContent()
		m.viewport.GotoTop()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateContent()
		return m, cmd

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width, m.height = msg.Width, msg.Height
			m.viewport.SetWidth(msg.Width)
			m.viewport.SetHeight(msg.Height - 2)
			m.symbols.SetWidth(msg.Width)
			m.symbols.SetHeight(msg.Height - 2)
			m.updateContent()
		}

	case tea.KeyMsg:
		key := msg.String()
		if key == "ctrl+c" {
			return m, tea.Quit
		}
		// The filter prompt owns the keyboard while it is open.
		if m.mode == viewSymbols && m.symbols.FilterState() == list.Filtering {
			break
		}
		switch key {
		case "q":
			return m, tea.Quit
		case "p":
			m.togglePcode()
			return m, nil
		case "s":
			if len(m.symbols.Items()) > 0 {
				m.mode = viewSymbols
			}
			return m, nil
		case "esc", "tab":
			if m.mode == viewSymbols {
				m.mode = viewListing
				return m, nil
			}
		case "enter":
			if m.mode != viewSymbols || m.loading {
				return m, nil
			}
			if item, ok := m.symbols.SelectedItem().(symbolItem); ok {
				m.mode = viewListing
				m.loading = true
				m.updateContent()
				return m, tea.Batch(m.sweep(item.addr), m.spinner.Tick)
			}
			return m, nil
		}
	}

	if m.mode == viewSymbols {
		m.symbols, cmd = m.symbols.Update(msg)
	} else {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m *viewModel) togglePcode() {
	m.pcode = !m.pcode
	m.updateContent()
}

func (m *viewModel) updateContent() {
	var b strings.Builder
	if m.loading {
		fmt.Fprintf(&b, "%s Lifting from 0x%x...", m.spinner.View(), m.start)
		m.viewport.SetContent(b.String())
		return
	}
	writeListing(&b, m.t, m.stream, m.pcode, m.color)
	if m.err != nil {
		msg := "; " + m.err.Error()
		if m.color {
			msg = styles.Problem.Render(msg)
		}
		b.WriteString(msg)
	}
	m.viewport.SetContent(strings.TrimSuffix(b.String(), "\n"))
}

func (m viewModel) View() string {
	var content, menu string
	if m.mode == viewSymbols {
		content = m.symbols.View()
		menu = " Enter: open • /: filter • Esc: listing • Q: quit "
	} else {
		content = m.viewport.View()
		menu = " P: p-code • Q: quit "
		if len(m.symbols.Items()) > 0 {
			menu = " P: p-code • S: symbols • Q: quit "
		}
	}
	return content + "\n" + styles.MenuBar.Width(m.width).Render(menu)
}
