// Package vm contains the SVM virtual machine.
//
// Instruction format
//
// Each instruction starts with a 32-bit word packed as four bytes, the
// opcode in the least significant byte:
//
//	<Opcode:8> | <Ext:8> << 8 | <Arg1:8> << 16 | <Arg2:8> << 24
//
// Ext is a predicate suffix: when it names a flag, the instruction only
// takes effect if that flag is set in the current task. Arg1 and Arg2
// declare where each operand comes from: nowhere (ArgNone), one of the
// sixteen registers (ArgR0..ArgR15), or an immediate (ArgImm), in which
// case the operand is the raw signed 32-bit word that follows in the
// code image. An instruction therefore occupies one, two or three
// words. Immediate words are consumed during operand read, before the
// predicate is evaluated, so the program counter stays correct even
// when the effect is suppressed.
//
// Flags
//
// Each task carries eight independent predicate flags. EQ, NE, LT, LE,
// GT and GE are set by CMP according to a signed comparison; NZ and Z
// are set whenever an arithmetic, logic or move opcode writes a
// register. All flags are sticky until cleared with CLF, whose
// extension byte doubles as the flag selector (no suffix clears all
// eight).
//
// Tasks
//
// The machine runs a set of cooperative tasks sharing one code image.
// Each task owns its registers, flags and two stacks: a data stack for
// PUSH/POP and a call stack for INV/RET. A cycle advances the currently
// selected task by exactly one instruction; task switching is an
// explicit host action between cycles and never happens on its own.
//
// Syscalls
//
// The SYS opcode forwards its operand to a host-supplied handler along
// with the current task's register file. The handler may mutate the
// registers; that is its only return channel. Interpretation of syscall
// numbers is entirely host-defined.
package vm

import (
	"errors"
	"fmt"
)

// The following errors may be returned by VM operations. Contextual
// detail is wrapped around them; match with errors.Is.
var (
	// ErrNilArgument indicates that a required argument was nil.
	ErrNilArgument = errors.New("vm: nil argument")

	// ErrNotRunning indicates that the VM has no loaded, running program.
	ErrNotRunning = errors.New("vm: not running")

	// ErrCodeOverflow indicates that the program counter ran off the
	// end of the code image. This condition halts the VM.
	ErrCodeOverflow = errors.New("vm: code overflow")

	// ErrArgNotReg indicates that an operand which must name a register
	// named something else.
	ErrArgNotReg = errors.New("vm: argument is not a register")

	// ErrPushArgOrder indicates a register range whose low register is
	// not below its high register.
	ErrPushArgOrder = errors.New("vm: bad register range order")

	// ErrJmpOverflow indicates a branch target beyond the code image.
	ErrJmpOverflow = errors.New("vm: jump target beyond code image")

	// ErrCallStackOverflow indicates that INV found the call stack full.
	ErrCallStackOverflow = errors.New("vm: call stack overflow")

	// ErrCallStackUnderflow indicates that RET found the call stack empty.
	ErrCallStackUnderflow = errors.New("vm: call stack underflow")

	// ErrStackOverflow indicates that PUSH found insufficient room.
	ErrStackOverflow = errors.New("vm: stack overflow")

	// ErrStackUnderflow indicates that POP found insufficient values.
	ErrStackUnderflow = errors.New("vm: stack underflow")

	// ErrTaskNotFound indicates an operation on a task the VM does not own.
	ErrTaskNotFound = errors.New("vm: task not found")

	// ErrSwitchBlocked indicates that task switching is blocked.
	ErrSwitchBlocked = errors.New("vm: task switching blocked")

	// ErrUnknownInstruction indicates an opcode byte outside the
	// instruction set.
	ErrUnknownInstruction = errors.New("vm: unknown instruction")
)

// SyscallHandler is the host upcall invoked by the SYS opcode. It
// receives the opaque host context the VM was constructed with, the
// current task's register file, and the SYS operand. Mutating the
// register file is the handler's only way to return data. A handler
// that blocks stalls the whole machine; that is by design.
type SyscallHandler func(host any, regs *[NumRegisters]int32, num int32)

// VM is a virtual machine instance. It is not goroutine safe; a single
// goroutine should manage it.
//
// Tasks live in a slot table rather than a linked ring: the table is a
// slice and the scheduling cursor is an index into it. Switch advances
// the cursor and wraps at the end, which yields the same round-robin
// order a ring would.
type VM struct {
	host    any
	syscall SyscallHandler
	program *Program
	tasks   []*Task
	current int
	running bool
	blocked bool
}

// New creates a VM with the given opaque host context and syscall
// handler. Both may be nil, in which case SYS is a no-op.
func New(host any, handler SyscallHandler) *VM {
	return &VM{host: host, syscall: handler}
}

// Load installs a code image, spawns task 0 at offset zero with zeroed
// registers, and starts the machine. Any previously loaded state is
// discarded.
func (vm *VM) Load(p *Program) error {
	if p == nil {
		return fmt.Errorf("%w: program", ErrNilArgument)
	}
	vm.program = p
	vm.tasks = []*Task{newTask(p, 0, [NumRegisters]int32{})}
	vm.current = 0
	vm.running = true
	vm.blocked = false
	return nil
}

// Unload stops the machine and releases all tasks. The code image
// itself belongs to the caller and is untouched.
func (vm *VM) Unload() {
	vm.tasks = nil
	vm.program = nil
	vm.running = false
}

// Running reports whether the machine will execute further cycles.
func (vm *VM) Running() bool {
	return vm.running
}

// Program returns the loaded code image, or nil.
func (vm *VM) Program() *Program {
	return vm.program
}

// Current returns the currently selected task, or nil when no task
// exists.
func (vm *VM) Current() *Task {
	if len(vm.tasks) == 0 {
		return nil
	}
	return vm.tasks[vm.current]
}

// Tasks returns the task table in scheduling order.
func (vm *VM) Tasks() []*Task {
	return vm.tasks
}

// NewTask creates a task at the given offset with the given seed
// registers and appends it to the scheduling order.
func (vm *VM) NewTask(pc uint32, regs [NumRegisters]int32) (*Task, error) {
	if vm.program == nil {
		return nil, ErrNotRunning
	}
	t := newTask(vm.program, pc, regs)
	vm.tasks = append(vm.tasks, t)
	return t, nil
}

// RemoveTask unlinks a task from the scheduling order. Removing the
// current task selects its successor; removing the last task halts the
// machine.
func (vm *VM) RemoveTask(t *Task) error {
	for i, have := range vm.tasks {
		if have != t {
			continue
		}
		vm.tasks = append(vm.tasks[:i], vm.tasks[i+1:]...)
		if i < vm.current {
			vm.current--
		}
		if len(vm.tasks) == 0 {
			vm.current = 0
			vm.running = false
		} else if vm.current >= len(vm.tasks) {
			vm.current = 0
		}
		return nil
	}
	return ErrTaskNotFound
}

// Switch advances the scheduling cursor to the next task, wrapping at
// the end of the table. It fails when switching is blocked.
func (vm *VM) Switch() error {
	if vm.blocked {
		return ErrSwitchBlocked
	}
	if len(vm.tasks) == 0 {
		return ErrTaskNotFound
	}
	vm.current = (vm.current + 1) % len(vm.tasks)
	return nil
}

// Block toggles the task-switch block. While set, Switch fails with
// ErrSwitchBlocked; cycles are unaffected.
func (vm *VM) Block(blocked bool) {
	vm.blocked = blocked
}

// Cycle advances the current task by exactly one instruction, which may
// consume up to three words of the code image, or returns an error.
// After a failed cycle no side effect persists beyond the program
// counter advance of the fetch and immediate reads, except that a code
// overflow also halts the machine.
func (vm *VM) Cycle() error {
	if !vm.running {
		return ErrNotRunning
	}
	t := vm.tasks[vm.current]
	size := uint32(len(vm.program.Code))
	if t.PC >= size {
		vm.running = false
		return fmt.Errorf("%w: pc %d in %d-word image", ErrCodeOverflow, t.PC, size)
	}

	ci := vm.program.Code[t.PC]
	t.PC++
	op, ext, arg1, arg2 := Decode(ci)

	// Operand read happens before the predicate check so that
	// immediate words are consumed even when the effect is
	// suppressed; skipping them would corrupt the program counter.
	v1, err := vm.operand(t, arg1)
	if err != nil {
		return err
	}
	v2, err := vm.operand(t, arg2)
	if err != nil {
		return err
	}

	taken := ext == ExtNone || t.Flags.Has(extFlag(ext))

	switch op {
	case OpNop:

	case OpEnd:
		vm.running = false

	case OpMov:
		if taken {
			r, err := destReg(arg1)
			if err != nil {
				return err
			}
			t.setReg(r, v2)
		}

	case OpAdd, OpSub, OpMul, OpDiv, OpAnd, OpOr, OpXor, OpShl, OpShr:
		if taken {
			r, err := destReg(arg1)
			if err != nil {
				return err
			}
			t.setReg(r, alu(op, t.Regs[r], v2))
		}

	case OpPush:
		if taken {
			if err := t.push(arg1, arg2, v1); err != nil {
				return err
			}
		}

	case OpPop:
		if taken {
			if err := t.pop(arg1, arg2); err != nil {
				return err
			}
		}

	case OpCmp:
		if taken {
			t.Flags |= compareFlags(v1, v2)
		}

	case OpClf:
		// The extension slot selects the flag here instead of
		// predicating execution.
		if ext == ExtNone {
			t.Flags = 0
		} else {
			t.Flags &^= extFlag(ext)
		}

	case OpJmp:
		if taken {
			if uint32(v1) >= size {
				return fmt.Errorf("%w: target %d in %d-word image", ErrJmpOverflow, v1, size)
			}
			t.PC = uint32(v1)
		}

	case OpInv:
		if taken {
			// Validate the target before touching the call stack
			// so a failed invoke leaves no partial state behind.
			if uint32(v1) >= size {
				return fmt.Errorf("%w: target %d in %d-word image", ErrJmpOverflow, v1, size)
			}
			if t.rpc >= len(t.call) {
				return fmt.Errorf("%w: depth %d", ErrCallStackOverflow, t.rpc)
			}
			t.call[t.rpc] = t.PC
			t.rpc++
			t.PC = uint32(v1)
		}

	case OpRet:
		// RET ignores the predicate suffix.
		if t.rpc == 0 {
			return ErrCallStackUnderflow
		}
		t.rpc--
		t.PC = t.call[t.rpc]

	case OpSys:
		if taken && vm.syscall != nil {
			vm.syscall(vm.host, &t.Regs, v1)
		}

	default:
		return fmt.Errorf("%w: opcode %d", ErrUnknownInstruction, byte(op))
	}
	return nil
}

// operand reads the value an argument slot refers to, consuming the
// following code word when the slot declares an immediate.
func (vm *VM) operand(t *Task, a Arg) (int32, error) {
	switch {
	case a.IsReg():
		return t.Regs[a.Reg()], nil
	case a == ArgImm:
		if t.PC >= uint32(len(vm.program.Code)) {
			vm.running = false
			return 0, fmt.Errorf("%w: immediate beyond code image", ErrCodeOverflow)
		}
		v := int32(vm.program.Code[t.PC])
		t.PC++
		return v, nil
	default:
		return 0, nil
	}
}

// destReg translates an argument type into a writable register index.
func destReg(a Arg) (int, error) {
	if !a.IsReg() {
		return 0, fmt.Errorf("%w: arg type %d", ErrArgNotReg, byte(a))
	}
	return a.Reg(), nil
}

// alu applies a two-operand arithmetic or logic opcode over signed
// 32-bit values. Division by zero is intentionally unchecked and
// surfaces as a runtime panic; shift counts use the low five bits of
// the source operand.
func alu(op Opcode, x, y int32) int32 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpDiv:
		return x / y
	case OpAnd:
		return x & y
	case OpOr:
		return x | y
	case OpXor:
		return x ^ y
	case OpShl:
		return x << (uint32(y) & 31)
	default: // OpShr
		return x >> (uint32(y) & 31)
	}
}

// compareFlags returns the comparison bits for a signed compare of a
// against b. CMP accumulates these onto the existing flag set.
func compareFlags(a, b int32) Flags {
	var f Flags
	if a == b {
		f |= FlagEQ
	} else {
		f |= FlagNE
	}
	if a < b {
		f |= FlagLT
	}
	if a <= b {
		f |= FlagLE
	}
	if a > b {
		f |= FlagGT
	}
	if a >= b {
		f |= FlagGE
	}
	return f
}

// push implements the three PUSH shapes: one literal, one register, or
// an ascending register range.
func (t *Task) push(arg1, arg2 Arg, v1 int32) error {
	if arg2 == ArgNone {
		if t.sp >= len(t.data) {
			return fmt.Errorf("%w: capacity %d", ErrStackOverflow, len(t.data))
		}
		t.data[t.sp] = v1
		t.sp++
		return nil
	}
	lo, err := destReg(arg1)
	if err != nil {
		return err
	}
	hi, err := destReg(arg2)
	if err != nil {
		return err
	}
	if lo >= hi {
		return fmt.Errorf("%w: r%d..r%d", ErrPushArgOrder, lo, hi)
	}
	if n := hi - lo + 1; t.sp+n > len(t.data) {
		return fmt.Errorf("%w: %d values into capacity %d", ErrStackOverflow, n, len(t.data))
	}
	for r := lo; r <= hi; r++ {
		t.data[t.sp] = t.Regs[r]
		t.sp++
	}
	return nil
}

// pop implements the two POP shapes. The range form pops highest
// register first so a matched PUSH/POP pair round-trips register
// values.
func (t *Task) pop(arg1, arg2 Arg) error {
	lo, err := destReg(arg1)
	if err != nil {
		return err
	}
	if arg2 == ArgNone {
		if t.sp == 0 {
			return ErrStackUnderflow
		}
		t.sp--
		t.Regs[lo] = t.data[t.sp]
		return nil
	}
	hi, err := destReg(arg2)
	if err != nil {
		return err
	}
	if lo >= hi {
		return fmt.Errorf("%w: r%d..r%d", ErrPushArgOrder, lo, hi)
	}
	if n := hi - lo + 1; t.sp < n {
		return fmt.Errorf("%w: %d values from depth %d", ErrStackUnderflow, n, t.sp)
	}
	for r := hi; r >= lo; r-- {
		t.sp--
		t.Regs[r] = t.data[t.sp]
	}
	return nil
}
