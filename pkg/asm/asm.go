// Package asm contains the SVM assembler.
//
// The source language is a flat list of statements separated by
// whitespace. A statement is either an instruction (a mnemonic, an
// optional '.'-attached predicate suffix, and up to two operands) or a
// label: any identifier that is not a mnemonic defines a label at the
// current emit offset. Operands are registers (r0..r15), numeric
// literals (decimal, 0x hex or 0b binary), or label references.
// '#' starts a comment running to end of line.
//
// Assembly is two-pass in effect but single-pass over the source: the
// parser emits packed words as it goes, recording a patch for every
// label reference, and a final pass rewrites each patched placeholder
// with the resolved code offset. A reference to a label that is never
// defined fails the whole assembly; no partial output escapes.
//
// See the documentation of the vm package for the instruction word
// layout and the execution semantics.
package asm

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/maxrt101/svm/pkg/vm"
)

// The following errors may be returned by Assemble. Contextual detail
// is wrapped around them; match with errors.Is.
var (
	// ErrConstraint indicates an operand that does not satisfy the
	// mnemonic's argument constraints.
	ErrConstraint = errors.New("asm: argument constraint unsatisfied")

	// ErrUndefinedLabel indicates a reference to a label that is never
	// defined.
	ErrUndefinedLabel = errors.New("asm: undefined label")

	// ErrExpectedToken indicates that the source ended where an
	// operand was required.
	ErrExpectedToken = errors.New("asm: expected token")

	// ErrFileOpen indicates that the source file could not be read.
	ErrFileOpen = errors.New("asm: cannot open source file")
)

// constraint is the per-slot operand constraint domain.
type constraint byte

const (
	argNone constraint = iota
	argAny
	argRegOnly
	argImmOnly
)

// rule describes the operand shape of one mnemonic. optArg2 marks the
// PUSH/POP family, whose second operand is present only in the register
// range form.
type rule struct {
	op         vm.Opcode
	arg1, arg2 constraint
	optArg2    bool
}

var mnemonics = map[string]rule{
	"nop": {op: vm.OpNop},
	"end": {op: vm.OpEnd},
	"ret": {op: vm.OpRet},
	"clf": {op: vm.OpClf},

	"jmp": {op: vm.OpJmp, arg1: argAny},
	"inv": {op: vm.OpInv, arg1: argAny},
	"sys": {op: vm.OpSys, arg1: argAny},

	"mov": {op: vm.OpMov, arg1: argAny, arg2: argAny},
	"add": {op: vm.OpAdd, arg1: argAny, arg2: argAny},
	"sub": {op: vm.OpSub, arg1: argAny, arg2: argAny},
	"mul": {op: vm.OpMul, arg1: argAny, arg2: argAny},
	"div": {op: vm.OpDiv, arg1: argAny, arg2: argAny},
	"and": {op: vm.OpAnd, arg1: argAny, arg2: argAny},
	"or":  {op: vm.OpOr, arg1: argAny, arg2: argAny},
	"xor": {op: vm.OpXor, arg1: argAny, arg2: argAny},
	"shl": {op: vm.OpShl, arg1: argAny, arg2: argAny},
	"shr": {op: vm.OpShr, arg1: argAny, arg2: argAny},
	"cmp": {op: vm.OpCmp, arg1: argAny, arg2: argAny},

	"push": {op: vm.OpPush, arg1: argAny, arg2: argRegOnly, optArg2: true},
	"pop":  {op: vm.OpPop, arg1: argRegOnly, arg2: argRegOnly, optArg2: true},
}

var suffixes = map[string]vm.Ext{
	"eq": vm.ExtEQ,
	"ne": vm.ExtNE,
	"lt": vm.ExtLT,
	"le": vm.ExtLE,
	"gt": vm.ExtGT,
	"ge": vm.ExtGE,
	"nz": vm.ExtNZ,
	"z":  vm.ExtZ,
}

// patch records a label reference: the placeholder word at off must be
// rewritten with the offset the named label resolves to.
type patch struct {
	name string
	off  int
	line int
}

// immediate is a pending literal word: either a resolved value or a
// label reference to patch later.
type immediate struct {
	value uint32
	label string
}

// Assemble translates assembly source into a code image.
func Assemble(src []byte) (*vm.Program, error) {
	lx := newLexer(string(src))
	var code []uint32
	labels := make(map[string]uint32)
	var patches []patch

	for {
		tok, ok := lx.next()
		if !ok {
			break
		}
		r, known := mnemonics[tok]
		if !known {
			// Not a mnemonic: a label definition at the current
			// emit offset.
			labels[tok] = uint32(len(code))
			continue
		}

		ext := vm.ExtNone
		if t, ok := lx.peek(); ok {
			if e, isSuffix := suffixes[t]; isSuffix {
				ext = e
				lx.commit()
			}
		}

		var args [2]vm.Arg
		var imms []immediate
		for i, c := range [2]constraint{r.arg1, r.arg2} {
			if c == argNone {
				break
			}
			optional := r.optArg2 && i == 1
			t, ok := lx.peek()
			if !ok {
				if optional {
					break
				}
				return nil, fmt.Errorf("%w: %s needs operand %d at line %d",
					ErrExpectedToken, tok, i+1, lx.line())
			}
			if n, isReg := parseRegister(t); isReg {
				if c == argImmOnly {
					return nil, fmt.Errorf("%w: %s operand %d cannot be a register, got %q at line %d",
						ErrConstraint, tok, i+1, t, lx.line())
				}
				args[i] = vm.RegArg(n)
				lx.commit()
				continue
			}
			if optional {
				// Only a register extends push/pop to the range
				// form; anything else starts the next statement.
				break
			}
			if c == argRegOnly {
				return nil, fmt.Errorf("%w: %s operand %d must be a register, got %q at line %d",
					ErrConstraint, tok, i+1, t, lx.line())
			}
			word, err := parseNumber(t)
			switch {
			case err == nil:
				imms = append(imms, immediate{value: word})
			case errors.Is(err, strconv.ErrRange):
				return nil, fmt.Errorf("%w: literal %q out of 32-bit range at line %d",
					ErrConstraint, t, lx.line())
			default:
				// Not a number: a label reference to patch once
				// the whole source has been seen.
				imms = append(imms, immediate{label: t})
			}
			args[i] = vm.ArgImm
			lx.commit()
		}

		code = append(code, vm.Pack(r.op, ext, args[0], args[1]))
		for _, im := range imms {
			if im.label != "" {
				patches = append(patches, patch{name: im.label, off: len(code), line: lx.line()})
			}
			code = append(code, im.value)
		}
	}

	for _, p := range patches {
		off, ok := labels[p.name]
		if !ok {
			return nil, fmt.Errorf("%w: %q at line %d", ErrUndefinedLabel, p.name, p.line)
		}
		code[p.off] = off
	}

	return &vm.Program{Code: code}, nil
}

// AssembleFile reads and assembles one source file.
func AssembleFile(name string) (*vm.Program, error) {
	src, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOpen, err)
	}
	return Assemble(src)
}

// parseRegister recognizes r0 through r15.
func parseRegister(tok string) (int, bool) {
	if len(tok) < 2 || tok[0] != 'r' {
		return 0, false
	}
	n := 0
	for i := 1; i < len(tok); i++ {
		c := tok[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n >= vm.NumRegisters {
			return 0, false
		}
	}
	return n, true
}

// parseNumber parses a numeric literal into a raw code word. A 0x or 0b
// prefix selects hex or binary (base 0 handles both prefixes); anything
// else is decimal, leading zeros included. Values anywhere in the
// combined signed/unsigned 32-bit range are accepted and truncated to
// their bit pattern.
func parseNumber(tok string) (uint32, error) {
	base := 10
	if len(tok) > 1 && tok[0] == '0' &&
		(tok[1] == 'x' || tok[1] == 'X' || tok[1] == 'b' || tok[1] == 'B') {
		base = 0
	}
	v, err := strconv.ParseInt(tok, base, 64)
	if err != nil {
		return 0, err
	}
	if v < -(1<<31) || v > (1<<32)-1 {
		return 0, fmt.Errorf("%q: %w", tok, strconv.ErrRange)
	}
	return uint32(v), nil
}
