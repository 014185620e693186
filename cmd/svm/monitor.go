package main

import (
	"errors"
	"fmt"
	"strings"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/maxrt101/svm/pkg/asm"
	"github.com/maxrt101/svm/pkg/vm"
	"gopkg.in/urfave/cli.v2"
)

// monitor is the interactive dashboard: registers, flags, stacks,
// disassembly, program output and the screen device, stepped one cycle
// at a time.
type monitor struct {
	machine *vm.VM
	h       *host
	output  *strings.Builder
	status  string

	paragraphTask   *widgets.Paragraph
	paragraphStacks *widgets.Paragraph
	paragraphCode   *widgets.Paragraph
	paragraphOut    *widgets.Paragraph
	paragraphScreen *widgets.Paragraph
	paragraphTips   *widgets.Paragraph
}

func cmdMonitor(c *cli.Context) error {
	name, err := sourceArg(c, "monitor")
	if err != nil {
		return err
	}
	prog, err := asm.AssembleFile(name)
	if err != nil {
		return fail(err)
	}

	m := &monitor{output: &strings.Builder{}}
	m.h = newHost(m.output)
	m.machine = vm.New(m.h, hostSyscall)
	m.h.machine = m.machine
	// The dashboard owns the terminal; the screen device draws into
	// its own widget rather than the output stream.
	m.h.present = func(*vm.Screen) {}
	if err := m.machine.Load(prog); err != nil {
		return fail(err)
	}

	if err := ui.Init(); err != nil {
		return cli.Exit(fmt.Sprintf("svm: cannot initialize terminal ui: %v", err), 1)
	}
	defer ui.Close()

	m.initLayout()
	m.draw()

	for e := range ui.PollEvents() {
		if e.Type != ui.KeyboardEvent {
			continue
		}
		switch e.ID {
		case "q", "Q", "<C-c>":
			return nil
		case "<Space>":
			m.step()
		case "r", "R":
			for cycles := 0; m.machine.Running() && m.status == ""; cycles++ {
				if cycles >= maxCycles() {
					m.status = "cycle budget exceeded"
					break
				}
				m.step()
			}
		}
		m.draw()
	}
	return nil
}

// step runs one cycle and one cooperative switch, recording any error
// in the status line instead of tearing down the dashboard.
func (m *monitor) step() {
	if !m.machine.Running() {
		return
	}
	if err := m.machine.Cycle(); err != nil {
		m.status = err.Error()
		return
	}
	if err := m.machine.Switch(); err != nil &&
		!errors.Is(err, vm.ErrSwitchBlocked) && !errors.Is(err, vm.ErrTaskNotFound) {
		m.status = err.Error()
	}
}

func (m *monitor) initLayout() {
	m.paragraphTask = widgets.NewParagraph()
	m.paragraphTask.Title = "Task"
	m.paragraphTask.SetRect(0, 0, 44, 12)

	m.paragraphStacks = widgets.NewParagraph()
	m.paragraphStacks.Title = "Stacks"
	m.paragraphStacks.SetRect(0, 12, 44, 18)

	m.paragraphCode = widgets.NewParagraph()
	m.paragraphCode.Title = "Disassembly"
	m.paragraphCode.SetRect(44, 0, 80, 18)

	m.paragraphOut = widgets.NewParagraph()
	m.paragraphOut.Title = "Output"
	m.paragraphOut.SetRect(0, 18, 44, 26)

	m.paragraphScreen = widgets.NewParagraph()
	m.paragraphScreen.Title = "Screen"
	m.paragraphScreen.SetRect(44, 18, 80, 29)

	m.paragraphTips = widgets.NewParagraph()
	m.paragraphTips.Title = "Tips"
	m.paragraphTips.SetRect(0, 26, 44, 29)
	m.paragraphTips.Text = "SPACE = step    R = run    Q = quit"
}

func (m *monitor) draw() {
	m.renderTask()
	m.renderStacks()
	m.renderCode()
	m.renderOut()
	m.renderScreen()
	ui.Render(m.paragraphTask, m.paragraphStacks, m.paragraphCode,
		m.paragraphOut, m.paragraphScreen, m.paragraphTips)
}

var flagSymbols = []struct {
	flag vm.Flags
	name string
}{
	{vm.FlagEQ, "EQ"},
	{vm.FlagNE, "NE"},
	{vm.FlagLT, "LT"},
	{vm.FlagLE, "LE"},
	{vm.FlagGT, "GT"},
	{vm.FlagGE, "GE"},
	{vm.FlagNZ, "NZ"},
	{vm.FlagZ, "Z"},
}

func (m *monitor) renderTask() {
	t := m.machine.Current()
	if t == nil {
		m.paragraphTask.Text = "no tasks"
		return
	}
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "PC: %d    tasks: %d    running: %v\n",
		t.PC, len(m.machine.Tasks()), m.machine.Running())
	sb.WriteString("FLAGS: ")
	for _, fs := range flagSymbols {
		color := "red"
		if t.Flags.Has(fs.flag) {
			color = "green"
		}
		fmt.Fprintf(sb, "[%s](fg:%s) ", fs.name, color)
	}
	sb.WriteByte('\n')
	for i, v := range t.Regs {
		fmt.Fprintf(sb, "r%-2d: %-8d", i, v)
		if i%2 == 1 {
			sb.WriteByte('\n')
		}
	}
	m.paragraphTask.Text = sb.String()
}

func (m *monitor) renderStacks() {
	t := m.machine.Current()
	if t == nil {
		m.paragraphStacks.Text = ""
		return
	}
	m.paragraphStacks.Text = fmt.Sprintf("data: %v\ncall: %v\n", t.DataStack(), t.CallStack())
}

func (m *monitor) renderCode() {
	t := m.machine.Current()
	if t == nil {
		m.paragraphCode.Text = ""
		return
	}
	code := m.machine.Program().Code
	sb := &strings.Builder{}
	for off := 0; off < len(code); {
		text, n := vm.DisassembleAt(code, off)
		line := fmt.Sprintf("%4d  %s", off, text)
		if uint32(off) == t.PC {
			fmt.Fprintf(sb, "[%s](fg:cyan)\n", line)
		} else {
			fmt.Fprintf(sb, "%s\n", line)
		}
		off += n
	}
	m.paragraphCode.Text = sb.String()
}

func (m *monitor) renderOut() {
	m.h.flush()
	text := m.output.String()
	if m.status != "" {
		text += "\n[" + m.status + "](fg:red)"
	}
	m.paragraphOut.Text = text
}

func (m *monitor) renderScreen() {
	if m.h.screen == nil {
		m.paragraphScreen.Text = "screen off"
		return
	}
	m.paragraphScreen.Text = m.h.screen.String()
}
