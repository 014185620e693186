package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/maxrt101/svm/pkg/vm"
)

// Syscall numbers understood by the reference host. Interpretation of
// syscall numbers is host-defined; programs written for this driver use
// the assignment below.
const (
	sysPutInt  = 1  // write R0 as a decimal integer
	sysPutChar = 2  // write R0 as a character
	sysGetChar = 3  // read one character into R0, -1 on EOF
	sysSpawn   = 4  // spawn a task at pc=R1 seeded with the caller's registers
	sysExit    = 5  // remove the current task
	sysScrInit = 6  // create the screen, R1 columns wide
	sysScrClr  = 7  // clear the screen
	sysScrSet  = 8  // set pixel (R1, R2) to R3
	sysScrBlit = 9  // blit column byte R2 at column R1
	sysScrShow = 10 // present the screen
)

// host is the reference syscall host: console I/O, task control and the
// demo screen device.
type host struct {
	machine *vm.VM
	in      *bufio.Reader
	out     *bufio.Writer
	screen  *vm.Screen

	// present is how the screen reaches the user; the monitor
	// overrides it to draw into the dashboard instead of stdout.
	present func(*vm.Screen)
}

func newHost(out io.Writer) *host {
	h := &host{
		in:  bufio.NewReader(os.Stdin),
		out: bufio.NewWriter(out),
	}
	h.present = func(s *vm.Screen) {
		s.Render(h.out)
		h.out.Flush()
	}
	return h
}

func (h *host) flush() {
	h.out.Flush()
}

// hostSyscall adapts host to the VM's syscall port signature.
func hostSyscall(ctx any, regs *[vm.NumRegisters]int32, num int32) {
	ctx.(*host).handle(regs, num)
}

func (h *host) handle(regs *[vm.NumRegisters]int32, num int32) {
	switch num {
	case sysPutInt:
		fmt.Fprintf(h.out, "%d", regs[0])
		h.out.Flush()
	case sysPutChar:
		h.out.WriteRune(rune(regs[0]))
		h.out.Flush()
	case sysGetChar:
		ch, _, err := h.in.ReadRune()
		if err != nil {
			regs[0] = -1
			return
		}
		regs[0] = int32(ch)
	case sysSpawn:
		if _, err := h.machine.NewTask(uint32(regs[1]), *regs); err != nil {
			regs[0] = -1
			return
		}
		regs[0] = 0
	case sysExit:
		h.machine.RemoveTask(h.machine.Current())
	case sysScrInit:
		h.screen = vm.NewScreen(int(regs[1]))
	case sysScrClr:
		if h.screen != nil {
			h.screen.Clear()
		}
	case sysScrSet:
		if h.screen != nil {
			h.screen.SetPixel(int(regs[1]), int(regs[2]), regs[3] != 0)
		}
	case sysScrBlit:
		if h.screen != nil {
			h.screen.Blit(int(regs[1]), byte(regs[2]))
		}
	case sysScrShow:
		if h.screen != nil {
			h.present(h.screen)
		}
	}
}
