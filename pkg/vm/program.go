package vm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Default stack capacities used when the program metadata leaves the
// corresponding size at zero.
const (
	DefaultCallStackSize = 8
	DefaultDataStackSize = 32
)

// Program is an immutable code image: a sequence of packed 32-bit words
// plus the stack capacities that tasks running it should be created
// with. The VM never mutates a loaded Program.
type Program struct {
	Code []uint32

	// CallStackSize and DataStackSize request per-task stack
	// capacities in words; zero means the default.
	CallStackSize int
	DataStackSize int
}

func (p *Program) callStackSize() int {
	if p.CallStackSize <= 0 {
		return DefaultCallStackSize
	}
	return p.CallStackSize
}

func (p *Program) dataStackSize() int {
	if p.DataStackSize <= 0 {
		return DefaultDataStackSize
	}
	return p.DataStackSize
}

// WriteTo serializes the code image to w as little-endian 32-bit words.
// The stack-size metadata is not part of the container; images read
// back with ReadProgram get the defaults.
func (p *Program) WriteTo(w io.Writer) (int64, error) {
	var written int64
	var buf [4]byte
	for _, word := range p.Code {
		binary.LittleEndian.PutUint32(buf[:], word)
		n, err := w.Write(buf[:])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadProgram deserializes a code image previously written with
// WriteTo. The input must be a whole number of 32-bit words.
func ReadProgram(r io.Reader) (*Program, error) {
	var code []uint32
	var buf [4]byte
	for {
		_, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			return &Program{Code: code}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("vm: truncated code image: %w", err)
		}
		code = append(code, binary.LittleEndian.Uint32(buf[:]))
	}
}

var _ io.WriterTo = &Program{}
