// Copyright (C) 1994-2012 Lua.org, PUC-Rio.
// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Signature is the magic header for a binary (pre-compiled) Lua chunk.
// Data with this prefix can be loaded in with [Load]
// or [*Prototype.UnmarshalBinary].
const Signature = "\x1bLua"

const (
	luacVersion byte = 5*16 + 1
	// luacFormat 1 extends the reference format
	// with a table of upvalue descriptors per function.
	luacFormat byte = 1

	// Values used to detect corruption and byte order.
	luacIntCheck uint64  = 0x5678
	luacNumCheck float64 = 370.5
)

// Sizes (in bytes) of the types used in a binary chunk.
const (
	dumpIntSize         = 4
	dumpSizeTSize       = 8
	dumpInstructionSize = 4
	dumpIntegerSize     = 8
	dumpNumberSize      = 8
)

// [Value] type tags in dump format.
const (
	valueDumpTypeNil    byte = 0x00
	valueDumpTypeBool   byte = 0x01
	valueDumpTypeFloat  byte = 0x03
	valueDumpTypeInt    byte = 0x03 | 1<<4
	valueDumpTypeString byte = 0x04
)

// A Dumper converts prototypes into binary chunks.
// The zero value dumps little-endian chunks
// with debug information
// and distinct integer and floating-point constants.
type Dumper struct {
	// StripDebug removes debug information from the dumped chunk.
	StripDebug bool
	// FloatsOnly converts integer constants to floating-point numbers,
	// matching the behavior of interpreters with a single number type.
	FloatsOnly bool
	// ByteOrder is the byte order of the dumped chunk.
	// It must be [binary.LittleEndian], [binary.BigEndian], or nil.
	// If ByteOrder is nil, the chunk is dumped little-endian.
	ByteOrder binary.ByteOrder
}

// MarshalBinary marshals the function as a precompiled chunk
// in the same format as [luac 5.1],
// using a zero [Dumper].
//
// [luac 5.1]: https://www.lua.org/manual/5.1/luac.html
func (f *Prototype) MarshalBinary() ([]byte, error) {
	return Dumper{}.Dump(nil, f)
}

// Dump appends a binary chunk for the given function to buf
// and returns the resulting slice.
func (d Dumper) Dump(buf []byte, f *Prototype) ([]byte, error) {
	w := &chunkWriter{buf: buf, floatsOnly: d.FloatsOnly}
	switch d.ByteOrder {
	case nil, binary.ByteOrder(binary.LittleEndian):
		w.order = binary.LittleEndian
		w.littleEndian = true
	case binary.ByteOrder(binary.BigEndian):
		w.order = binary.BigEndian
	default:
		return buf, fmt.Errorf("dump lua chunk: unsupported byte order %v", d.ByteOrder)
	}
	if d.StripDebug {
		f = f.StripDebug()
	}

	w.header()
	if err := w.function(f, ""); err != nil {
		return buf, fmt.Errorf("dump lua chunk: %v", err)
	}
	return w.buf, nil
}

type chunkWriter struct {
	buf          []byte
	order        binary.AppendByteOrder
	littleEndian bool
	floatsOnly   bool
}

func (w *chunkWriter) header() {
	w.buf = append(w.buf, Signature...)
	w.buf = append(w.buf, luacVersion, luacFormat)
	w.bool(w.littleEndian)
	w.buf = append(w.buf,
		dumpIntSize,
		dumpSizeTSize,
		dumpInstructionSize,
		dumpIntegerSize,
		dumpNumberSize,
	)
	w.buf = w.order.AppendUint64(w.buf, luacIntCheck)
	w.buf = w.order.AppendUint64(w.buf, math.Float64bits(luacNumCheck))
}

func (w *chunkWriter) function(f *Prototype, parentSource Source) error {
	if f.Source == parentSource {
		// Nested functions inherit the source name of their parent.
		w.str("")
	} else {
		w.str(string(f.Source))
	}
	w.int(f.LineDefined)
	w.int(f.LastLineDefined)
	w.buf = append(w.buf, f.NumParams)
	w.bool(f.IsVararg)
	w.buf = append(w.buf, f.MaxStackSize)

	// Code
	w.int(len(f.Code))
	for _, i := range f.Code {
		w.buf = w.order.AppendUint32(w.buf, uint32(i))
	}

	// Constants
	w.int(len(f.Constants))
	for i, value := range f.Constants {
		switch {
		case value.IsNil():
			w.buf = append(w.buf, valueDumpTypeNil)
		case value.IsInteger() && !w.floatsOnly:
			n, _ := value.Int64(OnlyIntegral)
			w.buf = append(w.buf, valueDumpTypeInt)
			w.buf = w.order.AppendUint64(w.buf, uint64(n))
		case value.IsNumber():
			n, _ := value.Float64()
			w.buf = append(w.buf, valueDumpTypeFloat)
			w.buf = w.order.AppendUint64(w.buf, math.Float64bits(n))
		case value.IsString():
			s, _ := value.Unquoted()
			w.buf = append(w.buf, valueDumpTypeString)
			w.str(s)
		default:
			b, isBool := value.Bool()
			if !isBool {
				return fmt.Errorf("constants[%d] cannot be represented", i)
			}
			w.buf = append(w.buf, valueDumpTypeBool)
			w.bool(b)
		}
	}

	// Upvalues
	w.int(len(f.Upvalues))
	for _, upval := range f.Upvalues {
		w.bool(upval.InStack)
		w.buf = append(w.buf, upval.Index)
	}

	// Protos
	w.int(len(f.Functions))
	for _, p := range f.Functions {
		if err := w.function(p, f.Source); err != nil {
			return err
		}
	}

	// Debug information
	w.int(len(f.LineInfo))
	for _, line := range f.LineInfo {
		w.int(int(line))
	}
	w.int(len(f.LocalVariables))
	for _, v := range f.LocalVariables {
		w.str(v.Name)
		w.int(v.StartPC)
		w.int(v.EndPC)
	}
	if !f.hasUpvalueNames() {
		w.int(0)
	} else {
		w.int(len(f.Upvalues))
		for _, upval := range f.Upvalues {
			w.str(upval.Name)
		}
	}

	return nil
}

func (w *chunkWriter) int(i int) {
	w.buf = w.order.AppendUint32(w.buf, uint32(int32(i)))
}

func (w *chunkWriter) bool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// str appends a NUL-terminated, length-prefixed string.
// The empty string is written as absent (a zero size with no bytes).
func (w *chunkWriter) str(s string) {
	if s == "" {
		w.buf = w.order.AppendUint64(w.buf, 0)
		return
	}
	w.buf = w.order.AppendUint64(w.buf, uint64(len(s)+1))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}
