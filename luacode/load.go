// Copyright (C) 1994-2012 Lua.org, PUC-Rio.
// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Load unmarshals a precompiled chunk like those produced by
// [*Prototype.MarshalBinary] or [luac 5.1].
// Load supports chunks from different architectures,
// but the chunk must carry the [Signature] and version 5.1.
//
// Errors from Load match [ErrFormat] with [errors.Is].
//
// [luac 5.1]: https://www.lua.org/manual/5.1/luac.html
func Load(data []byte) (*Prototype, error) {
	f := new(Prototype)
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return f, nil
}

// UnmarshalBinary unmarshals a precompiled chunk into f.
// It is equivalent to [Load].
func (f *Prototype) UnmarshalBinary(data []byte) error {
	r, err := newChunkReader(data)
	if err != nil {
		return fmt.Errorf("load lua chunk: %w: %v", ErrFormat, err)
	}
	if err := loadFunction(f, r, UnknownSource); err != nil {
		return fmt.Errorf("load lua chunk: %w: %v", ErrFormat, err)
	}
	if _, hasMore := r.readByte(); hasMore {
		return fmt.Errorf("load lua chunk: %w: trailing data", ErrFormat)
	}
	return nil
}

func loadFunction(f *Prototype, r *chunkReader, parentSource Source) error {
	source, hasSource, err := r.readString()
	if err != nil {
		return fmt.Errorf("load function: source: %v", err)
	}
	if !hasSource {
		// Nested functions inherit the source name of their parent.
		source = string(parentSource)
	}
	f.Source = Source(source)

	f.LineDefined, err = r.readInt()
	if err != nil {
		return fmt.Errorf("load function: line defined: %v", err)
	}
	f.LastLineDefined, err = r.readInt()
	if err != nil {
		return fmt.Errorf("load function: last line defined: %v", err)
	}
	var ok bool
	f.NumParams, ok = r.readByte()
	if !ok {
		return fmt.Errorf("load function: number of parameters: %v", io.ErrUnexpectedEOF)
	}
	f.IsVararg, ok = r.readBool()
	if !ok {
		return fmt.Errorf("load function: is vararg: %v", io.ErrUnexpectedEOF)
	}
	f.MaxStackSize, ok = r.readByte()
	if !ok {
		return fmt.Errorf("load function: max stack size: %v", io.ErrUnexpectedEOF)
	}

	// Code
	n, err := r.readCount(dumpInstructionSize)
	if err != nil {
		return fmt.Errorf("load function: instruction length: %v", err)
	}
	f.Code = make([]Instruction, n)
	for i := range f.Code {
		f.Code[i], ok = r.readInstruction()
		if !ok {
			return fmt.Errorf("load function: instructions: %v", io.ErrUnexpectedEOF)
		}
	}

	// Constants
	n, err = r.readCount(1)
	if err != nil {
		return fmt.Errorf("load function: constant table size: %v", err)
	}
	f.Constants = make([]Value, n)
	for i := range f.Constants {
		t, ok := r.readByte()
		if !ok {
			return fmt.Errorf("load function: constant table: %v", io.ErrUnexpectedEOF)
		}
		switch t {
		case valueDumpTypeNil:
			// Already zeroed; nothing to do.
		case valueDumpTypeBool:
			b, ok := r.readBool()
			if !ok {
				return fmt.Errorf("load function: constant table: %v", io.ErrUnexpectedEOF)
			}
			f.Constants[i] = BoolValue(b)
		case valueDumpTypeFloat:
			n, ok := r.readNumber()
			if !ok {
				return fmt.Errorf("load function: constant table: %v", io.ErrUnexpectedEOF)
			}
			f.Constants[i] = FloatValue(n)
		case valueDumpTypeInt:
			n, ok := r.readInteger()
			if !ok {
				return fmt.Errorf("load function: constant table: %v", io.ErrUnexpectedEOF)
			}
			f.Constants[i] = IntegerValue(n)
		case valueDumpTypeString:
			s, _, err := r.readString()
			if err != nil {
				return fmt.Errorf("load function: constant table [%d]: %v", i, err)
			}
			f.Constants[i] = StringValue(s)
		default:
			return fmt.Errorf("load function: constant table [%d]: unknown type %#02x", i, t)
		}
	}

	// Upvalues
	n, err = r.readCount(2)
	if err != nil {
		return fmt.Errorf("load function: upvalues: %v", err)
	}
	if n > maxUpvalues {
		return fmt.Errorf("load function: upvalues: count (%d) over limit", n)
	}
	f.Upvalues = make([]UpvalueDescriptor, n)
	for i := range f.Upvalues {
		f.Upvalues[i].InStack, ok = r.readBool()
		if !ok {
			return fmt.Errorf("load function: upvalues: %v", io.ErrUnexpectedEOF)
		}
		f.Upvalues[i].Index, ok = r.readByte()
		if !ok {
			return fmt.Errorf("load function: upvalues: %v", io.ErrUnexpectedEOF)
		}
	}

	// Protos
	n, err = r.readCount(1)
	if err != nil {
		return fmt.Errorf("load function: prototypes: %v", err)
	}
	f.Functions = make([]*Prototype, n)
	for i := range f.Functions {
		fi := new(Prototype)
		if err := loadFunction(fi, r, f.Source); err != nil {
			return err
		}
		f.Functions[i] = fi
	}

	// Debug
	n, err = r.readCount(dumpIntSize)
	if err != nil {
		return fmt.Errorf("load function: line info: %v", err)
	}
	if n != 0 && n != len(f.Code) {
		return fmt.Errorf("load function: line info: length (%d) does not match code (%d)", n, len(f.Code))
	}
	if n > 0 {
		f.LineInfo = make([]int32, n)
		for i := range f.LineInfo {
			line, err := r.readInt()
			if err != nil {
				return fmt.Errorf("load function: line info: %v", err)
			}
			f.LineInfo[i] = int32(line)
		}
	}
	n, err = r.readCount(dumpSizeTSize + 2*dumpIntSize)
	if err != nil {
		return fmt.Errorf("load function: local variables: %v", err)
	}
	f.LocalVariables = make([]LocalVariable, n)
	for i := range f.LocalVariables {
		f.LocalVariables[i].Name, _, err = r.readString()
		if err != nil {
			return fmt.Errorf("load function: local variables [%d]: name: %v", i, err)
		}
		f.LocalVariables[i].StartPC, err = r.readInt()
		if err != nil {
			return fmt.Errorf("load function: local variables [%d]: start pc: %v", i, err)
		}
		f.LocalVariables[i].EndPC, err = r.readInt()
		if err != nil {
			return fmt.Errorf("load function: local variables [%d]: end pc: %v", i, err)
		}
	}
	n, err = r.readCount(dumpSizeTSize)
	if err != nil {
		return fmt.Errorf("load function: upvalue names: %v", err)
	}
	if n != 0 && n != len(f.Upvalues) {
		return fmt.Errorf("load function: upvalue names: length (%d) does not match table (%d)", n, len(f.Upvalues))
	}
	for i := range n {
		f.Upvalues[i].Name, _, err = r.readString()
		if err != nil {
			return fmt.Errorf("load function: upvalue names [%d]: %v", i, err)
		}
	}

	return nil
}

type chunkReader struct {
	s         []byte
	byteOrder binary.ByteOrder
}

func newChunkReader(s []byte) (*chunkReader, error) {
	r := &chunkReader{s: s}
	if !r.literal(Signature) {
		return nil, errors.New("missing signature")
	}
	if version, ok := r.readByte(); !ok {
		return nil, io.ErrUnexpectedEOF
	} else if version != luacVersion {
		return nil, errors.New("version mismatch")
	}
	if format, ok := r.readByte(); !ok {
		return nil, io.ErrUnexpectedEOF
	} else if format != luacFormat {
		return nil, errors.New("format mismatch")
	}
	switch endianness, ok := r.readByte(); {
	case !ok:
		return nil, io.ErrUnexpectedEOF
	case endianness == 0:
		r.byteOrder = binary.BigEndian
	case endianness == 1:
		r.byteOrder = binary.LittleEndian
	default:
		return nil, fmt.Errorf("unknown endianness flag %#02x", endianness)
	}

	for _, want := range [...]struct {
		name string
		size byte
	}{
		{"int", dumpIntSize},
		{"size_t", dumpSizeTSize},
		{"instruction", dumpInstructionSize},
		{"integer", dumpIntegerSize},
		{"float", dumpNumberSize},
	} {
		size, ok := r.readByte()
		if !ok {
			return nil, io.ErrUnexpectedEOF
		}
		if size != want.size {
			return nil, fmt.Errorf("unsupported %s size (%d)", want.name, size)
		}
	}

	// Verify the consistency check values.
	// They also confirm the declared byte order.
	if len(r.s) < dumpIntegerSize {
		return nil, io.ErrUnexpectedEOF
	}
	if r.byteOrder.Uint64(r.s) != luacIntCheck {
		return nil, errors.New("integer check mismatch")
	}
	r.s = r.s[dumpIntegerSize:]
	if n, ok := r.readNumber(); !ok {
		return nil, io.ErrUnexpectedEOF
	} else if n != luacNumCheck {
		return nil, errors.New("float check mismatch")
	}

	return r, nil
}

func (r *chunkReader) readByte() (byte, bool) {
	if len(r.s) == 0 {
		return 0, false
	}
	b := r.s[0]
	r.s = r.s[1:]
	return b, true
}

func (r *chunkReader) readBool() (bool, bool) {
	if len(r.s) == 0 {
		return false, false
	}
	b := r.s[0] != 0
	r.s = r.s[1:]
	return b, true
}

// readInt reads a 4-byte signed integer.
func (r *chunkReader) readInt() (int, error) {
	if len(r.s) < dumpIntSize {
		return 0, io.ErrUnexpectedEOF
	}
	i := int(int32(r.byteOrder.Uint32(r.s)))
	r.s = r.s[dumpIntSize:]
	return i, nil
}

// readCount reads a 4-byte element count
// and verifies that the remaining data could plausibly hold that many elements
// (to avoid over-allocating on corrupt chunks).
func (r *chunkReader) readCount(minElemSize int) (int, error) {
	n, err := r.readInt()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count (%d)", n)
	}
	if n*minElemSize > len(r.s) {
		return 0, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (r *chunkReader) readInteger() (int64, bool) {
	if len(r.s) < dumpIntegerSize {
		return 0, false
	}
	i := int64(r.byteOrder.Uint64(r.s))
	r.s = r.s[dumpIntegerSize:]
	return i, true
}

func (r *chunkReader) readNumber() (float64, bool) {
	if len(r.s) < dumpNumberSize {
		return 0, false
	}
	f := math.Float64frombits(r.byteOrder.Uint64(r.s))
	r.s = r.s[dumpNumberSize:]
	return f, true
}

// readString reads a NUL-terminated, length-prefixed string.
// valid is false if the string was absent (a zero size).
func (r *chunkReader) readString() (s string, valid bool, err error) {
	if len(r.s) < dumpSizeTSize {
		return "", false, io.ErrUnexpectedEOF
	}
	size := r.byteOrder.Uint64(r.s)
	r.s = r.s[dumpSizeTSize:]
	if size == 0 {
		return "", false, nil
	}
	if size > uint64(len(r.s)) {
		return "", false, io.ErrUnexpectedEOF
	}
	n := int(size - 1)
	if r.s[n] != 0 {
		return "", false, errors.New("string missing NUL terminator")
	}
	s = string(r.s[:n])
	r.s = r.s[n+1:]
	return s, true, nil
}

func (r *chunkReader) readInstruction() (Instruction, bool) {
	if len(r.s) < dumpInstructionSize {
		return 0, false
	}
	i := Instruction(r.byteOrder.Uint32(r.s))
	r.s = r.s[dumpInstructionSize:]
	return i, true
}

func (r *chunkReader) literal(prefix string) bool {
	if len(r.s) < len(prefix) || string(r.s[:len(prefix)]) != prefix {
		return false
	}
	r.s = r.s[len(prefix):]
	return true
}
