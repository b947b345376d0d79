// Copyright (C) 1994-2012 Lua.org, PUC-Rio.
// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import "math"

// expDesc describes the location of the result of an expression.
type expDesc struct {
	kind expKind
	// bits is interpreted based on kind.
	bits uint64
	// strval stores the argument of [codeString].
	strval string

	// t is a patch list of "exit when true".
	t int
	// f is a patch list of "exit when false".
	f int
}

func newExpDesc(kind expKind) expDesc {
	return expDesc{
		kind: kind,
		t:    noJump,
		f:    noJump,
	}
}

func voidExpDesc() expDesc {
	return newExpDesc(expKindVoid)
}

func codeString(s string) expDesc {
	e := newExpDesc(expKindKStr)
	e.strval = s
	return e
}

// newConstExpDesc returns an [expDesc] for the k'th constant
// in the [Prototype] Constants table.
func newConstExpDesc(k int) expDesc {
	e := newExpDesc(expKindK)
	e.bits = uint64(k)
	return e
}

// newFloatConstExpDesc returns an [expDesc] for a numerical floating point constant.
func newFloatConstExpDesc(f float64) expDesc {
	e := newExpDesc(expKindKFlt)
	e.bits = math.Float64bits(f)
	return e
}

// newIntConstExpDesc returns an [expDesc] for a numerical integer constant.
func newIntConstExpDesc(i int64) expDesc {
	e := newExpDesc(expKindKInt)
	e.bits = uint64(i)
	return e
}

// newNonRelocExpDesc returns an [expDesc] for a value in a fixed register.
func newNonRelocExpDesc(ridx registerIndex) expDesc {
	e := newExpDesc(expKindNonReloc)
	e.bits = uint64(ridx)
	return e
}

// newLocalExpDesc returns an [expDesc] for a local variable
// given the register index
// and the index in [parser].activeVars relative to [parser].firstLocal.
func newLocalExpDesc(ridx registerIndex, vidx uint16) expDesc {
	e := newExpDesc(expKindLocal)
	e.bits = uint64(ridx) | uint64(vidx)<<8
	return e
}

func newUpvalExpDesc(idx upvalueIndex) expDesc {
	e := newExpDesc(expKindUpval)
	e.bits = uint64(idx)
	return e
}

// newConstLocalExpDesc returns an [expDesc] for a compile-time <const> variable
// given an absolute index in [parser].activeVars.
func newConstLocalExpDesc(i int) expDesc {
	e := newExpDesc(expKindConst)
	e.bits = uint64(i)
	return e
}

// newGlobalExpDesc returns an [expDesc] for a global variable
// given the index of the variable's name
// in the [Prototype] Constants table.
func newGlobalExpDesc(nameIndex int) expDesc {
	e := newExpDesc(expKindGlobal)
	e.bits = uint64(nameIndex)
	return e
}

// newIndexedExpDesc returns an [expDesc] for a table access
// given the register holding the table
// and the R/K operand for the key.
func newIndexedExpDesc(table registerIndex, idx uint16) expDesc {
	e := newExpDesc(expKindIndexed)
	e.bits = uint64(idx) | uint64(table)<<16
	return e
}

func newJumpExpDesc(pc int) expDesc {
	e := newExpDesc(expKindJmp)
	e.bits = uint64(pc)
	return e
}

func newRelocExpDesc(pc int) expDesc {
	e := newExpDesc(expKindReloc)
	e.bits = uint64(pc)
	return e
}

func newCallExpDesc(pc int) expDesc {
	e := newExpDesc(expKindCall)
	e.bits = uint64(pc)
	return e
}

func newVarargExpDesc(pc int) expDesc {
	e := newExpDesc(expKindVararg)
	e.bits = uint64(pc)
	return e
}

func constToExp(v Value) expDesc {
	if v.IsNil() {
		return newExpDesc(expKindNil)
	}
	if v.IsString() {
		s, _ := v.Unquoted()
		return codeString(s)
	}
	if v.IsInteger() {
		i, _ := v.Int64(OnlyIntegral)
		return newIntConstExpDesc(i)
	}
	if f, ok := v.Float64(); ok {
		return newFloatConstExpDesc(f)
	}
	if b, ok := v.Bool(); ok {
		if b {
			return newExpDesc(expKindTrue)
		} else {
			return newExpDesc(expKindFalse)
		}
	}
	panic("unhandled Value type")
}

func (e expDesc) hasJumps() bool {
	return e.t != e.f
}

func (e expDesc) withJumpLists(from expDesc) expDesc {
	e.t = from.t
	e.f = from.f
	return e
}

// toValue returns the argument passed to
// [newFloatConstExpDesc], [newIntConstExpDesc], or [codeString]
// as a [Value].
// It also supports values from [newExpDesc]
// with kinds [expKindNil], [expKindFalse], or [expKindTrue].
func (e expDesc) toValue() (_ Value, ok bool) {
	if e.hasJumps() {
		return Value{}, false
	}
	switch e.kind {
	case expKindNil:
		return Value{}, true
	case expKindFalse:
		return BoolValue(false), true
	case expKindTrue:
		return BoolValue(true), true
	case expKindKInt:
		i, _ := e.intConstant()
		return IntegerValue(i), true
	case expKindKFlt:
		f, _ := e.floatConstant()
		return FloatValue(f), true
	case expKindKStr:
		return StringValue(e.strval), true
	default:
		return Value{}, false
	}
}

// isNumeral reports whether e
// was created from [newFloatConstExpDesc] or [newIntConstExpDesc]
// and does not have jumps.
func (e expDesc) isNumeral() bool {
	return !e.hasJumps() && (e.kind == expKindKInt || e.kind == expKindKFlt)
}

// toNumeral returns the argument passed to
// [newFloatConstExpDesc] or [newIntConstExpDesc]
// as a [Value],
// as long as the expression does not have jumps.
func (e expDesc) toNumeral() (_ Value, ok bool) {
	if !e.isNumeral() {
		return Value{}, false
	}
	return e.toValue()
}

// floatConstant returns the argument passed to [newFloatConstExpDesc].
func (e expDesc) floatConstant() (_ float64, ok bool) {
	if e.kind != expKindKFlt {
		return 0, false
	}
	return math.Float64frombits(e.bits), true
}

// intConstant returns the argument passed to [newIntConstExpDesc].
func (e expDesc) intConstant() (_ int64, ok bool) {
	if e.kind != expKindKInt {
		return 0, false
	}
	return int64(e.bits), true
}

// stringConstant returns the argument passed to [codeString].
func (e expDesc) stringConstant() (_ string, ok bool) {
	if e.kind != expKindKStr {
		return "", false
	}
	return e.strval, true
}

// constIndex returns the index in the [Prototype] Constants table
// for an [expKindK] or [expKindGlobal] expression.
func (e expDesc) constIndex() int {
	switch e.kind {
	case expKindK, expKindGlobal:
		return int(e.bits)
	default:
		panic("constIndex not supported on expression")
	}
}

func (e expDesc) register() registerIndex {
	switch e.kind {
	case expKindNonReloc, expKindLocal:
		return registerIndex(e.bits & 0xff)
	default:
		panic("register not supported on expression")
	}
}

// localIndex returns the index in the [parser] activeVars slice
// for a [newLocalExpDesc].
func (e expDesc) localIndex(firstLocal int) int {
	if e.kind != expKindLocal {
		panic("localIndex on non-local expression")
	}
	return firstLocal + int(e.bits>>8&0xffff)
}

// upvalueIndex returns the upvalue index passed to [newUpvalExpDesc].
func (e expDesc) upvalueIndex() upvalueIndex {
	if e.kind != expKindUpval {
		panic("upvalueIndex on non-upvalue expression")
	}
	return upvalueIndex(e.bits)
}

// constLocalIndex returns the absolute index in the [parser] activeVars slice
// for a [newConstLocalExpDesc].
func (e expDesc) constLocalIndex() int {
	if e.kind != expKindConst {
		panic("constLocalIndex on non-<const> expression")
	}
	return int(e.bits)
}

// tableRegister returns the register holding the table in an index expression.
func (e expDesc) tableRegister() registerIndex {
	if e.kind != expKindIndexed {
		panic("tableRegister on non-index expression")
	}
	return registerIndex(e.bits >> 16)
}

// indexRK returns the R/K operand for the key of the [expKindIndexed] expression.
func (e expDesc) indexRK() uint16 {
	if e.kind != expKindIndexed {
		panic("indexRK on non-index expression")
	}
	return uint16(e.bits & 0xffff)
}

// pc returns the index of the expression's instruction
// in the [Prototype] Code slice.
func (e expDesc) pc() int {
	switch e.kind {
	case expKindJmp, expKindReloc, expKindCall, expKindVararg:
		return int(e.bits)
	default:
		panic("pc not supported on expression")
	}
}

type expKind int

const (
	// expKindVoid describes the last expression of an empty expression list.
	expKindVoid expKind = iota
	// expKindNil is the nil constant.
	expKindNil
	// expKindTrue is the true constant.
	expKindTrue
	// expKindFalse is the false constant.
	expKindFalse
	// expKindK is a constant already in the constant table;
	// bits holds the constant's index.
	expKindK
	// expKindKFlt is a floating point constant not yet in the constant table.
	expKindKFlt
	// expKindKInt is an integer constant not yet in the constant table.
	expKindKInt
	// expKindKStr is a string constant not yet in the constant table.
	expKindKStr
	// expKindNonReloc is an expression with its value in a fixed register.
	expKindNonReloc
	// expKindLocal is a local variable;
	// bits holds the register index and the relative activeVars index.
	expKindLocal
	// expKindUpval is an upvalue variable;
	// bits holds the index into the upvalue table.
	expKindUpval
	// expKindConst is a compile-time <const> variable;
	// bits holds an absolute activeVars index.
	expKindConst
	// expKindGlobal is a global variable;
	// bits holds the constant table index of the variable's name.
	expKindGlobal
	// expKindIndexed is a table access;
	// bits holds the table register and the key's R/K operand.
	expKindIndexed
	// expKindJmp is a test or comparison expression;
	// bits holds the pc of the corresponding jump instruction.
	expKindJmp
	// expKindReloc is an expression that can put its result in any register;
	// bits holds the instruction's pc.
	expKindReloc
	// expKindCall is a function call; bits holds the instruction's pc.
	expKindCall
	// expKindVararg is a vararg expression; bits holds the instruction's pc.
	expKindVararg
)

func (k expKind) isCompileTimeConstant() bool {
	return expKindNil <= k && k <= expKindKStr
}

func (k expKind) isVar() bool {
	return expKindLocal <= k && k <= expKindIndexed
}

func (k expKind) hasMultipleReturns() bool {
	return k == expKindCall || k == expKindVararg
}
