// Command svm is the front-end for the SVM assembler and virtual
// machine.
//
//	svm asm FILE      assemble FILE, write bytecode words to stdout
//	svm dasm FILE     disassemble a bytecode file
//	svm run FILE      assemble and run FILE
//	svm monitor FILE  run FILE under an interactive dashboard
//
// The MAX_CYCLES environment variable caps the total number of cycles
// executed by run and by the monitor's free-run mode.
package main

import (
	"errors"
	"log"
	"os"
	"strconv"

	"github.com/maxrt101/svm/pkg/asm"
	"github.com/maxrt101/svm/pkg/vm"
	"gopkg.in/urfave/cli.v2"
)

const defaultMaxCycles = 1000000

func main() {
	log.SetFlags(0)
	app := &cli.App{
		Name:    "svm",
		Usage:   "assembler and virtual machine for the SVM instruction set",
		Version: "v0.1.0",
		Commands: []*cli.Command{
			{
				Name:      "asm",
				Usage:     "assemble FILE and write bytecode words to stdout",
				ArgsUsage: "FILE",
				Action:    cmdAsm,
			},
			{
				Name:      "dasm",
				Usage:     "disassemble a bytecode FILE to stdout",
				ArgsUsage: "FILE",
				Action:    cmdDasm,
			},
			{
				Name:      "run",
				Usage:     "assemble FILE and run it to completion",
				ArgsUsage: "FILE",
				Action:    cmdRun,
			},
			{
				Name:      "monitor",
				Usage:     "assemble FILE and run it under an interactive dashboard",
				ArgsUsage: "FILE",
				Action:    cmdMonitor,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// Exit ordinals, one per error in the VM and assembler taxonomies. The
// generic ordinal 1 covers everything else.
var exitCodes = []struct {
	err  error
	code int
}{
	{vm.ErrNilArgument, 2},
	{vm.ErrNotRunning, 4},
	{vm.ErrCodeOverflow, 5},
	{vm.ErrArgNotReg, 6},
	{vm.ErrPushArgOrder, 7},
	{vm.ErrJmpOverflow, 8},
	{vm.ErrCallStackOverflow, 9},
	{vm.ErrCallStackUnderflow, 10},
	{vm.ErrStackOverflow, 11},
	{vm.ErrStackUnderflow, 12},
	{vm.ErrTaskNotFound, 13},
	{vm.ErrSwitchBlocked, 14},
	{vm.ErrUnknownInstruction, 15},
	{asm.ErrConstraint, 16},
	{asm.ErrUndefinedLabel, 17},
	{asm.ErrFileOpen, 18},
	{asm.ErrExpectedToken, 19},
}

func fail(err error) error {
	for _, e := range exitCodes {
		if errors.Is(err, e.err) {
			return cli.Exit(err.Error(), e.code)
		}
	}
	return cli.Exit(err.Error(), 1)
}

func sourceArg(c *cli.Context, usage string) (string, error) {
	name := c.Args().First()
	if name == "" {
		return "", cli.Exit("usage: svm "+usage+" FILE", 1)
	}
	return name, nil
}

func cmdAsm(c *cli.Context) error {
	name, err := sourceArg(c, "asm")
	if err != nil {
		return err
	}
	prog, err := asm.AssembleFile(name)
	if err != nil {
		// nothing has been written to stdout at this point
		return fail(err)
	}
	if _, err := prog.WriteTo(os.Stdout); err != nil {
		return fail(err)
	}
	return nil
}

func cmdDasm(c *cli.Context) error {
	name, err := sourceArg(c, "dasm")
	if err != nil {
		return err
	}
	fp, err := os.Open(name)
	if err != nil {
		return fail(err)
	}
	defer fp.Close()
	prog, err := vm.ReadProgram(fp)
	if err != nil {
		return fail(err)
	}
	if err := vm.DisassembleProgram(prog, os.Stdout); err != nil {
		return fail(err)
	}
	return nil
}

func cmdRun(c *cli.Context) error {
	name, err := sourceArg(c, "run")
	if err != nil {
		return err
	}
	prog, err := asm.AssembleFile(name)
	if err != nil {
		return fail(err)
	}
	h := newHost(os.Stdout)
	machine := vm.New(h, hostSyscall)
	h.machine = machine
	if err := machine.Load(prog); err != nil {
		return fail(err)
	}
	budget := maxCycles()
	for cycles := 0; machine.Running(); cycles++ {
		if cycles >= budget {
			return cli.Exit("svm: cycle budget exceeded", 1)
		}
		if err := machine.Cycle(); err != nil {
			return fail(err)
		}
		// One cycle per task per round; a failed switch with no
		// tasks left just means the program removed them all.
		if err := machine.Switch(); err != nil &&
			!errors.Is(err, vm.ErrSwitchBlocked) && !errors.Is(err, vm.ErrTaskNotFound) {
			return fail(err)
		}
	}
	h.flush()
	return nil
}

// maxCycles reads the MAX_CYCLES environment knob.
func maxCycles() int {
	key, ok := os.LookupEnv("MAX_CYCLES")
	if !ok {
		return defaultMaxCycles
	}
	n, err := strconv.ParseInt(key, 10, 32)
	if err != nil || n <= 0 {
		return defaultMaxCycles
	}
	return int(n)
}
