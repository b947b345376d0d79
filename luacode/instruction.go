// Copyright (C) 1994-2012 Lua.org, PUC-Rio.
// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import "fmt"

// Instruction is a single virtual machine instruction.
//
// Instructions are 32 bits wide
// with a 6-bit opcode in the least significant bits.
// Depending on the opcode, the remaining bits hold
// an 8-bit A field plus two 9-bit B and C fields,
// an 8-bit A field plus one 18-bit Bx field,
// or an 8-bit A field plus one signed 18-bit sBx field
// stored with a bias of [OffsetBx].
type Instruction uint32

// ABCInstruction returns a new [OpModeABC] [Instruction]
// with the given arguments.
// ABCInstruction panics if the [OpCode] given
// does not return [OpModeABC] from [OpCode.OpMode]
// or if an argument exceeds its field width.
func ABCInstruction(op OpCode, a uint8, b, c uint16) Instruction {
	if op.OpMode() != OpModeABC {
		panic("ABCInstruction with invalid OpCode")
	}
	if b > MaxArgB || c > MaxArgC {
		panic("ABCInstruction argument out of range")
	}
	return Instruction(op) |
		Instruction(a)<<posA |
		Instruction(b)<<posB |
		Instruction(c)<<posC
}

// ABxInstruction returns a new [OpModeABx] or [OpModeAsBx] [Instruction]
// with the given arguments.
// For an [OpModeAsBx] opcode, bx is the signed offset;
// the bias is applied during encoding.
// ABxInstruction panics if the [OpCode] given
// is not an ABx- or AsBx-mode opcode
// or if bx does not fit the field.
func ABxInstruction(op OpCode, a uint8, bx int32) Instruction {
	switch op.OpMode() {
	case OpModeABx:
		if bx < 0 || bx > MaxArgBx {
			panic("Bx argument out of range")
		}
		return Instruction(op) |
			Instruction(a)<<posA |
			Instruction(bx)<<posBx
	case OpModeAsBx:
		if !fitsSignedBx(int64(bx)) {
			panic("sBx argument out of range")
		}
		return Instruction(op) |
			Instruction(a)<<posA |
			Instruction(bx+OffsetBx)<<posBx
	default:
		panic("ABxInstruction with invalid OpCode")
	}
}

const sizeOpCode = 6

// OpCode returns the instruction's type.
func (i Instruction) OpCode() OpCode {
	return OpCode(i & (1<<sizeOpCode - 1))
}

// Field widths and positions.
const (
	sizeA = 8
	posA  = sizeOpCode

	sizeC = 9
	posC  = posA + sizeA

	sizeB = 9
	posB  = posC + sizeC

	sizeBx = sizeB + sizeC
	posBx  = posC

	// MaxArgA is the largest value of an instruction's A field.
	MaxArgA = 1<<sizeA - 1
	// MaxArgB is the largest value of an instruction's B field.
	MaxArgB = 1<<sizeB - 1
	// MaxArgC is the largest value of an instruction's C field.
	MaxArgC = 1<<sizeC - 1
	// MaxArgBx is the largest value of an instruction's Bx field.
	MaxArgBx = 1<<sizeBx - 1
	// OffsetBx is the bias applied to the Bx field
	// of an [OpModeAsBx] instruction.
	OffsetBx = MaxArgBx >> 1
)

// noJump is the sentinel for the absence of a jump
// in jump lists and expression true/false exits.
const noJump = -1

// ArgA returns the instruction's A field.
func (i Instruction) ArgA() uint8 {
	return uint8(i >> posA)
}

// WithArgA returns a copy of i
// with its A field changed to the given value.
func (i Instruction) WithArgA(a uint8) Instruction {
	const mask = Instruction(MaxArgA) << posA
	return i&^mask | Instruction(a)<<posA
}

// ArgB returns the B field of an [OpModeABC] instruction.
func (i Instruction) ArgB() uint16 {
	if i.OpCode().OpMode() != OpModeABC {
		return 0
	}
	return uint16(i>>posB) & MaxArgB
}

// WithArgB returns a copy of i
// with its B field changed to the given value,
// or i unchanged if [OpCode.OpMode] is not [OpModeABC].
func (i Instruction) WithArgB(b uint16) (_ Instruction, ok bool) {
	if i.OpCode().OpMode() != OpModeABC || b > MaxArgB {
		return i, false
	}
	const mask = Instruction(MaxArgB) << posB
	return i&^mask | Instruction(b)<<posB, true
}

// ArgC returns the C field of an [OpModeABC] instruction.
func (i Instruction) ArgC() uint16 {
	if i.OpCode().OpMode() != OpModeABC {
		return 0
	}
	return uint16(i>>posC) & MaxArgC
}

// WithArgC returns a copy of i
// with its C field changed to the given value,
// or i unchanged if [OpCode.OpMode] is not [OpModeABC].
func (i Instruction) WithArgC(c uint16) (_ Instruction, ok bool) {
	if i.OpCode().OpMode() != OpModeABC || c > MaxArgC {
		return i, false
	}
	const mask = Instruction(MaxArgC) << posC
	return i&^mask | Instruction(c)<<posC, true
}

// ArgBx returns the Bx field of an [OpModeABx] instruction
// or the bias-corrected sBx field of an [OpModeAsBx] instruction.
func (i Instruction) ArgBx() int32 {
	switch i.OpCode().OpMode() {
	case OpModeABx:
		return int32(i >> posBx)
	case OpModeAsBx:
		return int32(i>>posBx) - OffsetBx
	default:
		return 0
	}
}

// WithArgBx returns a copy of i
// with its Bx (or sBx) field changed to the given value,
// or i unchanged if the value does not fit the field.
func (i Instruction) WithArgBx(bx int32) (_ Instruction, ok bool) {
	switch i.OpCode().OpMode() {
	case OpModeABx:
		if bx < 0 || bx > MaxArgBx {
			return i, false
		}
		const mask = Instruction(MaxArgBx) << posBx
		return i&^mask | Instruction(bx)<<posBx, true
	case OpModeAsBx:
		if !fitsSignedBx(int64(bx)) {
			return i, false
		}
		const mask = Instruction(MaxArgBx) << posBx
		return i&^mask | Instruction(bx+OffsetBx)<<posBx, true
	default:
		return i, false
	}
}

// fitsSignedBx reports whether x can be stored
// in the sBx field of an [OpModeAsBx] instruction.
func fitsSignedBx(x int64) bool {
	return -OffsetBx <= x && x <= MaxArgBx-OffsetBx
}

// constantFlag is the bit in a B or C field
// that marks the operand as a constant table index
// rather than a register.
const constantFlag = 1 << (sizeB - 1)

// MaxRKIndex is the largest constant table index
// that can be referenced by an R/K operand.
const MaxRKIndex = constantFlag - 1

// IsConstant reports whether an R/K operand refers to the constant table.
func IsConstant(arg uint16) bool {
	return arg&constantFlag != 0
}

// ConstantIndex extracts the constant table index from an R/K operand.
func ConstantIndex(arg uint16) uint16 {
	return arg &^ constantFlag
}

// RKConstant converts a constant table index into an R/K operand.
// RKConstant panics if i exceeds [MaxRKIndex].
func RKConstant(i uint16) uint16 {
	if i > MaxRKIndex {
		panic("RKConstant index out of range")
	}
	return i | constantFlag
}

// String decodes the instruction
// and formats it in a manner similar to [luac] -l,
// printing R/K constant operands as -1-index.
//
// [luac]: https://www.lua.org/manual/5.1/luac.html
func (i Instruction) String() string {
	op := i.OpCode()
	switch op.OpMode() {
	case OpModeABC:
		b := int32(i.ArgB())
		if op.bMode() == opArgK && IsConstant(uint16(b)) {
			b = -1 - int32(ConstantIndex(uint16(b)))
		}
		c := int32(i.ArgC())
		if op.cMode() == opArgK && IsConstant(uint16(c)) {
			c = -1 - int32(ConstantIndex(uint16(c)))
		}
		switch {
		case op.bMode() == opArgN && op.cMode() == opArgN:
			return fmt.Sprintf("%-9s %d", op, i.ArgA())
		case op.cMode() == opArgN:
			return fmt.Sprintf("%-9s %d %d", op, i.ArgA(), b)
		default:
			return fmt.Sprintf("%-9s %d %d %d", op, i.ArgA(), b, c)
		}
	case OpModeABx:
		bx := i.ArgBx()
		if op.bMode() == opArgK {
			bx = -1 - bx
		}
		return fmt.Sprintf("%-9s %d %d", op, i.ArgA(), bx)
	case OpModeAsBx:
		if op == OpJMP {
			return fmt.Sprintf("%-9s %d", op, i.ArgBx())
		}
		return fmt.Sprintf("%-9s %d %d", op, i.ArgA(), i.ArgBx())
	default:
		return fmt.Sprintf("Instruction(%#08x)", uint32(i))
	}
}

// OpCode is an enumeration of [Instruction] types.
type OpCode uint8

// Defined [OpCode] values.
//
// In the comments below,
// R[x] is the register at index x,
// K[x] is the constant at index x,
// RK(x) is K[x & ^0x100] if x has bit 8 set and R[x] otherwise,
// U[x] is the upvalue at index x,
// and G[x] is the global named by K[x].
const (
	// A B R[A] := R[B]
	OpMove OpCode = iota // MOVE
	// A Bx R[A] := K[Bx]
	OpLoadK // LOADK
	// A B C R[A] := (Bool)B; if (C) pc++
	OpLoadBool // LOADBOOL
	// A B R[A] := ... := R[B] := nil
	OpLoadNil // LOADNIL
	// A B R[A] := U[B]
	OpGetUpval // GETUPVAL
	// A Bx R[A] := G[Bx]
	OpGetGlobal // GETGLOBAL
	// A B C R[A] := R[B][RK(C)]
	OpGetTable // GETTABLE
	// A Bx G[Bx] := R[A]
	OpSetGlobal // SETGLOBAL
	// A B U[B] := R[A]
	OpSetUpval // SETUPVAL
	// A B C R[A][RK(B)] := RK(C)
	OpSetTable // SETTABLE
	// A B C R[A] := {} (size hints B and C in floating-point-byte encoding)
	OpNewTable // NEWTABLE
	// A B C R[A+1] := R[B]; R[A] := R[B][RK(C)]
	OpSelf // SELF
	// A B C R[A] := RK(B) + RK(C)
	OpAdd // ADD
	// A B C R[A] := RK(B) - RK(C)
	OpSub // SUB
	// A B C R[A] := RK(B) * RK(C)
	OpMul // MUL
	// A B C R[A] := RK(B) / RK(C)
	OpDiv // DIV
	// A B C R[A] := RK(B) % RK(C)
	OpMod // MOD
	// A B C R[A] := RK(B) ^ RK(C)
	OpPow // POW
	// A B R[A] := -R[B]
	OpUnm // UNM
	// A B R[A] := not R[B]
	OpNot // NOT
	// A B R[A] := length of R[B]
	OpLen // LEN
	// A B C R[A] := R[B].. ... ..R[C]
	OpConcat // CONCAT
	// sBx pc += sBx
	OpJMP // JMP
	// A B C if ((RK(B) == RK(C)) ~= A) then pc++
	OpEQ // EQ
	// A B C if ((RK(B) < RK(C)) ~= A) then pc++
	OpLT // LT
	// A B C if ((RK(B) <= RK(C)) ~= A) then pc++
	OpLE // LE
	// A C if not (R[A] <=> C) then pc++
	OpTest // TEST
	// A B C if (R[B] <=> C) then R[A] := R[B] else pc++
	OpTestSet // TESTSET
	// A B C R[A], ... ,R[A+C-2] := R[A](R[A+1], ... ,R[A+B-1])
	OpCall // CALL
	// A B C return R[A](R[A+1], ... ,R[A+B-1])
	OpTailCall // TAILCALL
	// A B return R[A], ... ,R[A+B-2] (B == 0: return up to top)
	OpReturn // RETURN
	// A sBx R[A] += R[A+2]; if R[A] <?= R[A+1] then { pc += sBx; R[A+3] = R[A] }
	OpForLoop // FORLOOP
	// A sBx R[A] -= R[A+2]; pc += sBx
	OpForPrep // FORPREP
	// A C R[A+3], ... ,R[A+2+C] := R[A](R[A+1], R[A+2]);
	// if R[A+3] ~= nil then R[A+2] := R[A+3] else pc++
	OpTForLoop // TFORLOOP
	// A B C R[A][(C-1)*FPF+i] := R[A+i], 1 <= i <= B
	// (C == 0 takes the real C from the next raw instruction word)
	OpSetList // SETLIST
	// A close all variables in the stack up to (>=) R[A]
	OpClose // CLOSE
	// A Bx R[A] := closure(KPROTO[Bx])
	OpClosure // CLOSURE
	// A B R[A], R[A+1], ..., R[A+B-2] = vararg
	OpVararg // VARARG

	maxOpCode = OpVararg
)

// numOpCodes is the number of defined opcodes.
const numOpCodes = int(maxOpCode) + 1

// LFieldsPerFlush is the number of list items
// that a single [OpSetList] instruction can set.
const LFieldsPerFlush = 50

var opNames = [numOpCodes]string{
	OpMove:      "MOVE",
	OpLoadK:     "LOADK",
	OpLoadBool:  "LOADBOOL",
	OpLoadNil:   "LOADNIL",
	OpGetUpval:  "GETUPVAL",
	OpGetGlobal: "GETGLOBAL",
	OpGetTable:  "GETTABLE",
	OpSetGlobal: "SETGLOBAL",
	OpSetUpval:  "SETUPVAL",
	OpSetTable:  "SETTABLE",
	OpNewTable:  "NEWTABLE",
	OpSelf:      "SELF",
	OpAdd:       "ADD",
	OpSub:       "SUB",
	OpMul:       "MUL",
	OpDiv:       "DIV",
	OpMod:       "MOD",
	OpPow:       "POW",
	OpUnm:       "UNM",
	OpNot:       "NOT",
	OpLen:       "LEN",
	OpConcat:    "CONCAT",
	OpJMP:       "JMP",
	OpEQ:        "EQ",
	OpLT:        "LT",
	OpLE:        "LE",
	OpTest:      "TEST",
	OpTestSet:   "TESTSET",
	OpCall:      "CALL",
	OpTailCall:  "TAILCALL",
	OpReturn:    "RETURN",
	OpForLoop:   "FORLOOP",
	OpForPrep:   "FORPREP",
	OpTForLoop:  "TFORLOOP",
	OpSetList:   "SETLIST",
	OpClose:     "CLOSE",
	OpClosure:   "CLOSURE",
	OpVararg:    "VARARG",
}

// String returns the opcode's name as printed by luac.
func (op OpCode) String() string {
	if !op.IsValid() {
		return fmt.Sprintf("OpCode(%d)", uint8(op))
	}
	return opNames[op]
}

// IsValid reports whether the opcode is one of the known instructions.
func (op OpCode) IsValid() bool {
	return op <= maxOpCode
}

// opArgMode describes how an instruction's B or C field is used.
type opArgMode uint8

const (
	// opArgN means the field is unused.
	opArgN opArgMode = iota
	// opArgU means the field holds an unsigned count or immediate.
	opArgU
	// opArgR means the field holds a register or a jump offset.
	opArgR
	// opArgK means the field holds an R/K operand.
	opArgK
)

// props packs an opcode's mode byte:
// bits 0-1 OpMode - 1, bit 2 sets A, bit 3 is test,
// bits 4-5 B field mode, bits 6-7 C field mode.
func opProp(test, setsA bool, b, c opArgMode, mode OpMode) byte {
	p := byte(mode-1) | byte(b)<<4 | byte(c)<<6
	if setsA {
		p |= 1 << 2
	}
	if test {
		p |= 1 << 3
	}
	return p
}

var opProps = [numOpCodes]byte{
	OpMove:      opProp(false, true, opArgR, opArgN, OpModeABC),
	OpLoadK:     opProp(false, true, opArgK, opArgN, OpModeABx),
	OpLoadBool:  opProp(false, true, opArgU, opArgU, OpModeABC),
	OpLoadNil:   opProp(false, true, opArgR, opArgN, OpModeABC),
	OpGetUpval:  opProp(false, true, opArgU, opArgN, OpModeABC),
	OpGetGlobal: opProp(false, true, opArgK, opArgN, OpModeABx),
	OpGetTable:  opProp(false, true, opArgR, opArgK, OpModeABC),
	OpSetGlobal: opProp(false, false, opArgK, opArgN, OpModeABx),
	OpSetUpval:  opProp(false, false, opArgU, opArgN, OpModeABC),
	OpSetTable:  opProp(false, false, opArgK, opArgK, OpModeABC),
	OpNewTable:  opProp(false, true, opArgU, opArgU, OpModeABC),
	OpSelf:      opProp(false, true, opArgR, opArgK, OpModeABC),
	OpAdd:       opProp(false, true, opArgK, opArgK, OpModeABC),
	OpSub:       opProp(false, true, opArgK, opArgK, OpModeABC),
	OpMul:       opProp(false, true, opArgK, opArgK, OpModeABC),
	OpDiv:       opProp(false, true, opArgK, opArgK, OpModeABC),
	OpMod:       opProp(false, true, opArgK, opArgK, OpModeABC),
	OpPow:       opProp(false, true, opArgK, opArgK, OpModeABC),
	OpUnm:       opProp(false, true, opArgR, opArgN, OpModeABC),
	OpNot:       opProp(false, true, opArgR, opArgN, OpModeABC),
	OpLen:       opProp(false, true, opArgR, opArgN, OpModeABC),
	OpConcat:    opProp(false, true, opArgR, opArgR, OpModeABC),
	OpJMP:       opProp(false, false, opArgR, opArgN, OpModeAsBx),
	OpEQ:        opProp(true, false, opArgK, opArgK, OpModeABC),
	OpLT:        opProp(true, false, opArgK, opArgK, OpModeABC),
	OpLE:        opProp(true, false, opArgK, opArgK, OpModeABC),
	OpTest:      opProp(true, true, opArgR, opArgU, OpModeABC),
	OpTestSet:   opProp(true, true, opArgR, opArgU, OpModeABC),
	OpCall:      opProp(false, true, opArgU, opArgU, OpModeABC),
	OpTailCall:  opProp(false, true, opArgU, opArgU, OpModeABC),
	OpReturn:    opProp(false, false, opArgU, opArgN, OpModeABC),
	OpForLoop:   opProp(false, true, opArgR, opArgN, OpModeAsBx),
	OpForPrep:   opProp(false, true, opArgR, opArgN, OpModeAsBx),
	OpTForLoop:  opProp(true, false, opArgN, opArgU, OpModeABC),
	OpSetList:   opProp(false, false, opArgU, opArgU, OpModeABC),
	OpClose:     opProp(false, false, opArgN, opArgN, OpModeABC),
	OpClosure:   opProp(false, true, opArgU, opArgN, OpModeABx),
	OpVararg:    opProp(false, true, opArgU, opArgN, OpModeABC),
}

func (op OpCode) props() byte {
	if !op.IsValid() {
		return 0
	}
	return opProps[op]
}

// OpMode returns the format of an [Instruction] that uses the opcode.
func (op OpCode) OpMode() OpMode {
	return OpMode(op.props()&3) + 1
}

// SetsA reports whether an [Instruction] that uses the opcode
// would change the value of the register given in [Instruction.ArgA].
func (op OpCode) SetsA() bool {
	return op.props()&(1<<2) != 0
}

// IsTest reports whether the instruction is a test.
// In a valid program, the next instruction will be a jump.
func (op OpCode) IsTest() bool {
	return op.props()&(1<<3) != 0
}

func (op OpCode) bMode() opArgMode {
	return opArgMode(op.props() >> 4 & 3)
}

func (op OpCode) cMode() opArgMode {
	return opArgMode(op.props() >> 6 & 3)
}

// ArithmeticOperator returns the [ArithmeticOperator]
// that the instruction represents.
func (op OpCode) ArithmeticOperator() (_ ArithmeticOperator, ok bool) {
	switch op {
	case OpAdd:
		return Add, true
	case OpSub:
		return Subtract, true
	case OpMul:
		return Multiply, true
	case OpDiv:
		return Divide, true
	case OpMod:
		return Modulo, true
	case OpPow:
		return Power, true
	default:
		return 0, false
	}
}

// OpMode is an enumeration of [Instruction] formats.
type OpMode uint8

// Instruction formats.
const (
	OpModeABC OpMode = 1 + iota
	OpModeABx
	OpModeAsBx
)

// String returns the mode's name.
func (mode OpMode) String() string {
	switch mode {
	case OpModeABC:
		return "OpModeABC"
	case OpModeABx:
		return "OpModeABx"
	case OpModeAsBx:
		return "OpModeAsBx"
	default:
		return fmt.Sprintf("OpMode(%d)", uint8(mode))
	}
}

// int2fb converts an integer to the "floating point byte" encoding
// used by [OpNewTable] size hints:
// (eeeeexxx) with value (1xxx) * 2^(eeeee-1) if eeeee > 0 and (xxx) otherwise.
func int2fb(x uint) uint16 {
	e := 0
	for x >= 16 {
		x = (x + 1) >> 1
		e++
	}
	if x < 8 {
		return uint16(x)
	}
	return uint16((e+1)<<3 | (int(x) - 8))
}

// fb2int is the inverse of [int2fb].
func fb2int(x uint16) uint {
	e := x >> 3
	if e == 0 {
		return uint(x)
	}
	return uint(x&7+8) << (e - 1)
}
