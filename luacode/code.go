// Copyright (C) 1994-2012 Lua.org, PUC-Rio.
// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"fmt"
	"math"
)

// code appends the given instruction to fs.Code and returns its address.
func (p *parser) code(fs *funcState, i Instruction) int {
	fs.Code = append(fs.Code, i)
	fs.saveLineInfo(p.lastLine)
	return len(fs.Code) - 1
}

// codeNil appends an [OpLoadNil] instruction to fs.Code.
func (p *parser) codeNil(fs *funcState, from registerIndex, n int) {
	last := from + registerIndex(n) - 1
	if len(fs.Code) == 0 {
		if from >= p.numVariablesInStack(fs) {
			// Registers above the active variables are nil at function entry.
			return
		}
	} else if previous := fs.previousInstruction(); previous != nil && previous.OpCode() == OpLoadNil {
		// Peephole optimization:
		// if the previous instruction is also OpLoadNil and ranges are compatible,
		// adjust range of previous instruction instead of emitting a new one.
		// (For instance, 'local a; local b' will generate a single opcode.)
		prevFrom := registerIndex(previous.ArgA())
		prevLast := registerIndex(previous.ArgB())
		if prevFrom <= from && from <= prevLast+1 {
			if last > prevLast {
				*previous, _ = previous.WithArgB(uint16(last))
			}
			return
		}
	}

	// No optimization.
	p.code(fs, ABCInstruction(OpLoadNil, uint8(from), uint16(last), 0))
}

// codeJump appends a jump instruction to fs.Code and returns its index.
// The destination can be fixed later with [funcState.fixJump].
func (p *parser) codeJump(fs *funcState) int {
	return p.code(fs, ABxInstruction(OpJMP, 0, noJump))
}

// condJump appends a conditional test instruction
// followed by a jump with an unset destination,
// returning the index of the jump.
func (p *parser) condJump(fs *funcState, op OpCode, a uint8, b, c uint16) int {
	p.code(fs, ABCInstruction(op, a, b, c))
	return p.codeJump(fs)
}

// codeReturn appends a return instruction to fs.Code.
// nret may be [multiReturn] to return all values up to the stack top.
func (p *parser) codeReturn(fs *funcState, first registerIndex, nret int) {
	p.code(fs, ABCInstruction(OpReturn, uint8(first), uint16(nret+1), 0))
}

// codeConstant appends a "load constant" instruction to fs.Code.
// The instruction will load the k'th constant from the [Prototype] Constants table.
func (p *parser) codeConstant(fs *funcState, reg registerIndex, k int) int {
	return p.code(fs, ABxInstruction(OpLoadK, uint8(reg), int32(k)))
}

// codeStoreVar appends instructions to store the result of expr into variable v.
// expr is no longer valid after a call to codeStoreVar.
func (p *parser) codeStoreVar(fs *funcState, v, expr expDesc) error {
	switch v.kind {
	case expKindLocal:
		p.freeExp(fs, expr)
		_, err := p.exp2reg(fs, expr, v.register())
		return err
	case expKindUpval:
		var e registerIndex
		var err error
		expr, e, err = p.exp2anyreg(fs, expr)
		if err != nil {
			return err
		}
		p.code(fs, ABCInstruction(OpSetUpval, uint8(e), uint16(v.upvalueIndex()), 0))
	case expKindGlobal:
		var e registerIndex
		var err error
		expr, e, err = p.exp2anyreg(fs, expr)
		if err != nil {
			return err
		}
		p.code(fs, ABxInstruction(OpSetGlobal, uint8(e), int32(v.constIndex())))
	case expKindIndexed:
		var rk uint16
		var err error
		expr, rk, err = p.expToRK(fs, expr)
		if err != nil {
			return err
		}
		p.code(fs, ABCInstruction(OpSetTable, uint8(v.tableRegister()), v.indexRK(), rk))
	default:
		p.freeExp(fs, expr)
		return fmt.Errorf("internal error: invalid variable kind to store (%v)", v.kind)
	}

	p.freeExp(fs, expr)
	return nil
}

// codeSelf appends an [OpSelf] instruction to fs.Code.
// This has the effect of converting expression e into "e:key(e,".
// Both e and key are invalid after a call to codeSelf;
// the result is the register holding the function.
func (p *parser) codeSelf(fs *funcState, e, key expDesc) (expDesc, error) {
	e, ereg, err := p.exp2anyreg(fs, e)
	if err != nil {
		return voidExpDesc(), err
	}
	p.freeExp(fs, e)

	// Reserve registers for function and self produced by OpSelf.
	baseRegister := fs.firstFreeRegister
	if err := fs.reserveRegisters(2); err != nil {
		return voidExpDesc(), err
	}

	key, rk, err := p.expToRK(fs, key)
	if err != nil {
		return voidExpDesc(), err
	}
	p.code(fs, ABCInstruction(OpSelf, uint8(baseRegister), uint16(ereg), rk))
	p.freeExp(fs, key)

	return newNonRelocExpDesc(baseRegister), nil
}

// codeGoIfTrue appends instructions to go through if e is true, jump otherwise.
func (p *parser) codeGoIfTrue(fs *funcState, e expDesc) (expDesc, error) {
	e = p.dischargeVars(fs, e)
	var pc int
	switch e.kind {
	case expKindJmp:
		if err := fs.negateCondition(e.pc()); err != nil {
			return e, err
		}
		pc = e.pc()
	case expKindK, expKindKFlt, expKindKInt, expKindKStr, expKindTrue:
		// Always true; do nothing.
		pc = noJump
	default:
		var err error
		pc, err = p.jumpOnCond(fs, e, false)
		if err != nil {
			return e, err
		}
	}
	// Insert new jump in false list.
	var err error
	e.f, err = fs.concatJumpList(e.f, pc)
	if err != nil {
		return e, err
	}
	// True list jumps to here (to go through).
	if err := fs.patchToHere(e.t); err != nil {
		return e, err
	}
	e.t = noJump
	return e, nil
}

// codeGoIfFalse appends instructions to go through if e is false, jump otherwise.
func (p *parser) codeGoIfFalse(fs *funcState, e expDesc) (expDesc, error) {
	e = p.dischargeVars(fs, e)
	var pc int
	switch e.kind {
	case expKindJmp:
		pc = e.pc()
	case expKindNil, expKindFalse:
		// Always false; do nothing.
		pc = noJump
	default:
		var err error
		pc, err = p.jumpOnCond(fs, e, true)
		if err != nil {
			return e, err
		}
	}
	// Insert new jump in true list.
	var err error
	e.t, err = fs.concatJumpList(e.t, pc)
	if err != nil {
		return e, err
	}
	// False list jumps to here (to go through).
	if err := fs.patchToHere(e.f); err != nil {
		return e, err
	}
	e.f = noJump
	return e, nil
}

// jumpOnCond appends an instruction to jump if e is cond
// (that is, if cond is true, code will jump if e is true)
// and returns the jump position.
func (p *parser) jumpOnCond(fs *funcState, e expDesc, cond bool) (int, error) {
	if e.kind == expKindReloc {
		if ie := fs.Code[e.pc()]; ie.OpCode() == OpNot {
			// Remove previous OpNot and test its operand with the condition inverted.
			fs.removeLastInstruction()
			return p.condJump(fs, OpTest, uint8(ie.ArgB()), 0, cond2c(!cond)), nil
		}
	}

	e, err := p.dischargeToAnyRegister(fs, e)
	if err != nil {
		return 0, err
	}
	p.freeExp(fs, e)
	return p.condJump(fs, OpTestSet, uint8(noRegister), uint16(e.register()), cond2c(cond)), nil
}

func cond2c(cond bool) uint16 {
	if cond {
		return 1
	}
	return 0
}

// codeNot codes "not e", doing constant folding.
func (p *parser) codeNot(fs *funcState, e expDesc) (expDesc, error) {
	switch e.kind {
	case expKindNil, expKindFalse:
		e.kind = expKindTrue
	case expKindK, expKindKFlt, expKindKInt, expKindKStr, expKindTrue:
		e.kind = expKindFalse
	case expKindJmp:
		if err := fs.negateCondition(e.pc()); err != nil {
			return e, err
		}
	case expKindReloc, expKindNonReloc:
		var err error
		e, err = p.dischargeToAnyRegister(fs, e)
		if err != nil {
			return e, err
		}
		p.freeExp(fs, e)
		pc := p.code(fs, ABCInstruction(OpNot, 0, uint16(e.register()), 0))
		e = newRelocExpDesc(pc).withJumpLists(e)
	default:
		return e, fmt.Errorf("internal error: codeNot: unhandled expression (%v)", e.kind)
	}

	e.t, e.f = e.f, e.t
	// Values are useless when negated.
	// Traverse the list of tests to ensure none of them produce a value.
	for _, list := range [...]int{e.f, e.t} {
		for ; list != noJump; list, _ = fs.jumpDestination(list) {
			fs.patchTestRegister(list, noRegister)
		}
	}

	return e, nil
}

// codeIndexed turns the expression "t[k]" into an [expKindIndexed] descriptor.
// The table must already be in a register.
func (p *parser) codeIndexed(fs *funcState, t, k expDesc) (expDesc, error) {
	switch t.kind {
	case expKindLocal, expKindNonReloc:
	default:
		return voidExpDesc(), fmt.Errorf("internal error: codeIndexed: table not in a register (%v)", t.kind)
	}
	_, rk, err := p.expToRK(fs, k)
	if err != nil {
		return voidExpDesc(), err
	}
	return newIndexedExpDesc(t.register(), rk), nil
}

// codePrefix appends the code to apply a prefix operator to an expression
// to fs.Code.
func (p *parser) codePrefix(fs *funcState, operator unaryOperator, e expDesc, line int) (expDesc, error) {
	e = p.dischargeVars(fs, e)
	switch operator {
	case unaryOperatorMinus:
		if e.isNumeral() {
			if result, folded := p.foldConstants(UnaryMinus, e, newIntConstExpDesc(0)); folded {
				return result, nil
			}
		}
		return p.codeUnaryExpValue(fs, OpUnm, e, line)
	case unaryOperatorLen:
		return p.codeUnaryExpValue(fs, OpLen, e, line)
	case unaryOperatorNot:
		return p.codeNot(fs, e)
	default:
		return voidExpDesc(), fmt.Errorf("internal error: codePrefix: unhandled operator %v", operator)
	}
}

// codeUnaryExpValue appends the code for any unary expression except "not"
// to fs.Code.
// The operand cannot be a constant.
func (p *parser) codeUnaryExpValue(fs *funcState, op OpCode, e expDesc, line int) (expDesc, error) {
	e, r, err := p.exp2anyreg(fs, e)
	if err != nil {
		return e, err
	}
	p.freeExp(fs, e)
	pc := p.code(fs, ABCInstruction(op, 0, uint16(r), 0))
	fs.fixLineInfo(line)
	return newRelocExpDesc(pc).withJumpLists(e), nil
}

// codeInfix processes the first operand of a binary expression
// before reading the second operand.
// The caller should call [*parser.codePostfix] after reading the second operand.
func (p *parser) codeInfix(fs *funcState, operator binaryOperator, v expDesc) (expDesc, error) {
	switch operator {
	case binaryOperatorAnd:
		return p.codeGoIfTrue(fs, v)
	case binaryOperatorOr:
		return p.codeGoIfFalse(fs, v)
	case binaryOperatorConcat:
		// Operand must be on the stack.
		v, _, err := p.exp2nextReg(fs, v)
		return v, err
	default:
		if v.isNumeral() {
			// Preserve numerals because they may be folded.
			return v, nil
		}
		v, _, err := p.expToRK(fs, v)
		return v, err
	}
}

// codePostfix finalizes the code for a binary operation
// after reading the second operand.
// This must have been preceded by a call to [*parser.codeInfix].
func (p *parser) codePostfix(fs *funcState, operator binaryOperator, e1, e2 expDesc, line int) (expDesc, error) {
	if operator, ok := operator.toArithmetic(); ok {
		if result, folded := p.foldConstants(operator, e1, e2); folded {
			return result, nil
		}
	}

	switch operator {
	case binaryOperatorAnd:
		if e1.t != noJump {
			return voidExpDesc(), fmt.Errorf("internal error: codePostfix: true list should have been closed by codeInfix")
		}
		e2 = p.dischargeVars(fs, e2)
		var err error
		e2.f, err = fs.concatJumpList(e2.f, e1.f)
		if err != nil {
			return voidExpDesc(), err
		}
		return e2, nil
	case binaryOperatorOr:
		if e1.f != noJump {
			return voidExpDesc(), fmt.Errorf("internal error: codePostfix: false list should have been closed by codeInfix")
		}
		e2 = p.dischargeVars(fs, e2)
		var err error
		e2.t, err = fs.concatJumpList(e2.t, e1.t)
		if err != nil {
			return voidExpDesc(), err
		}
		return e2, nil
	case binaryOperatorConcat:
		e2, err := p.expToValue(fs, e2)
		if err != nil {
			return voidExpDesc(), err
		}
		if e2.kind == expKindReloc && fs.Code[e2.pc()].OpCode() == OpConcat {
			// Concatenation is right associative:
			// for "(e1 .. (e2.1 .. e2.2))", merge both [OpConcat] instructions.
			i := fs.Code[e2.pc()]
			if e1.register()+1 != registerIndex(i.ArgB()) {
				return voidExpDesc(), fmt.Errorf("internal error: codePostfix: concatenation operands not adjacent")
			}
			p.freeExp(fs, e1)
			fs.Code[e2.pc()], _ = i.WithArgB(uint16(e1.register()))
			return newRelocExpDesc(e2.pc()).withJumpLists(e1), nil
		}
		e2, _, err = p.exp2nextReg(fs, e2)
		if err != nil {
			return voidExpDesc(), err
		}
		return p.codeArith(fs, OpConcat, e1, e2, line)
	case binaryOperatorAdd, binaryOperatorSub,
		binaryOperatorMul, binaryOperatorDiv,
		binaryOperatorMod, binaryOperatorPow:
		op, _ := operator.toOpCode()
		return p.codeArith(fs, op, e1, e2, line)
	case binaryOperatorNE, binaryOperatorEq,
		binaryOperatorLT, binaryOperatorLE,
		binaryOperatorGT, binaryOperatorGE:
		return p.codeComparison(fs, operator, e1, e2)
	default:
		return voidExpDesc(), fmt.Errorf("internal error: codePostfix: unhandled operator %v", operator)
	}
}

// codeArith appends an arithmetic or concatenation instruction
// with R/K operands to fs.Code.
func (p *parser) codeArith(fs *funcState, op OpCode, e1, e2 expDesc, line int) (expDesc, error) {
	e2, o2, err := p.expToRK(fs, e2)
	if err != nil {
		return voidExpDesc(), err
	}
	e1, o1, err := p.expToRK(fs, e1)
	if err != nil {
		return voidExpDesc(), err
	}
	if o1 > o2 {
		p.freeExp(fs, e1)
		p.freeExp(fs, e2)
	} else {
		p.freeExp(fs, e2)
		p.freeExp(fs, e1)
	}
	pc := p.code(fs, ABCInstruction(op, 0, o1, o2))
	fs.fixLineInfo(line)
	return newRelocExpDesc(pc).withJumpLists(e1), nil
}

// codeComparison appends code for comparison operators to fs.Code.
// Comparisons produce a test instruction
// whose A field holds the expected outcome,
// followed by a jump.
func (p *parser) codeComparison(fs *funcState, operator binaryOperator, e1, e2 expDesc) (expDesc, error) {
	e1, o1, err := p.expToRK(fs, e1)
	if err != nil {
		return voidExpDesc(), err
	}
	e2, o2, err := p.expToRK(fs, e2)
	if err != nil {
		return voidExpDesc(), err
	}
	p.freeExp(fs, e2)
	p.freeExp(fs, e1)

	var op OpCode
	cond := uint8(1)
	switch operator {
	case binaryOperatorNE:
		op, cond = OpEQ, 0
	case binaryOperatorEq:
		op = OpEQ
	case binaryOperatorLT:
		op = OpLT
	case binaryOperatorLE:
		op = OpLE
	case binaryOperatorGT:
		// Convert "a > b" into "b < a".
		op = OpLT
		o1, o2 = o2, o1
	case binaryOperatorGE:
		// Convert "a >= b" into "b <= a".
		op = OpLE
		o1, o2 = o2, o1
	default:
		return voidExpDesc(), fmt.Errorf("internal error: codeComparison: unhandled operator %v", operator)
	}

	pc := p.condJump(fs, op, cond, o1, o2)
	return newJumpExpDesc(pc), nil
}

// codeSetList appends an [OpSetList] instruction to fs.Code
// to store the pending list items into a table under construction.
// nelems is the total number of array items so far (including the batch);
// toStore is the batch size or [multiReturn].
func (p *parser) codeSetList(fs *funcState, base registerIndex, nelems, toStore int) error {
	c := (nelems-1)/LFieldsPerFlush + 1
	b := 0
	if toStore != multiReturn {
		b = toStore
	}
	if c <= MaxArgC {
		p.code(fs, ABCInstruction(OpSetList, uint8(base), uint16(b), uint16(c)))
	} else {
		if c > MaxArgBx {
			return fs.limitError("items in a constructor", MaxArgBx*LFieldsPerFlush)
		}
		// Batch index goes in a raw word following the instruction.
		p.code(fs, ABCInstruction(OpSetList, uint8(base), uint16(b), 0))
		p.code(fs, Instruction(c))
	}
	fs.firstFreeRegister = base + 1
	return nil
}

// foldConstants tries to statically evaluate an expression.
func (p *parser) foldConstants(op ArithmeticOperator, e1, e2 expDesc) (expDesc, bool) {
	v1, ok := e1.toNumeral()
	if !ok {
		return voidExpDesc(), false
	}
	v2, ok := e2.toNumeral()
	if !ok {
		return voidExpDesc(), false
	}

	result, err := Arithmetic(op, v1, v2)
	if err != nil {
		return voidExpDesc(), false
	}
	if result.IsInteger() {
		i, _ := result.Int64(OnlyIntegral)
		return newIntConstExpDesc(i), true
	}
	n, ok := result.Float64()
	if !ok {
		return voidExpDesc(), false
	}
	if math.IsNaN(n) || n == 0 {
		// Don't fold numbers that have tricky equality properties.
		return voidExpDesc(), false
	}
	return newFloatConstExpDesc(n), true
}

// expToValue ensures the final expression result
// is either in a register or it is a constant.
func (p *parser) expToValue(fs *funcState, e expDesc) (expDesc, error) {
	if e.hasJumps() {
		e, _, err := p.exp2anyreg(fs, e)
		return e, err
	}
	return p.dischargeVars(fs, e), nil
}

// expToRK converts the expression to either an R/K constant operand
// or a register and returns the operand value.
func (p *parser) expToRK(fs *funcState, e expDesc) (expDesc, uint16, error) {
	e, err := p.expToValue(fs, e)
	if err != nil {
		return e, 0, err
	}
	if e, rk, ok := p.expToK(fs, e); ok {
		return e, rk, nil
	}
	e, reg, err := p.exp2anyreg(fs, e)
	return e, uint16(reg), err
}

// expToK attempts to make e an [expKindK]
// with an index in the range of R/K indices,
// returning the encoded constant operand.
func (p *parser) expToK(fs *funcState, e expDesc) (_ expDesc, rk uint16, ok bool) {
	if e.hasJumps() {
		return e, 0, false
	}
	if e.kind == expKindK {
		if k := e.constIndex(); k <= MaxRKIndex {
			return e, RKConstant(uint16(k)), true
		}
		return e, 0, false
	}
	v, isConst := e.toValue()
	if !isConst {
		return e, 0, false
	}
	k := fs.addConstant(v)
	if k > MaxRKIndex {
		return e, 0, false
	}
	return newConstExpDesc(k).withJumpLists(e), RKConstant(uint16(k)), true
}

// exp2anyreg ensures the final expression result is in some (any) register
// and returns that register.
//
// On success, the result of exp2anyreg will always be [expKindNonReloc].
func (p *parser) exp2anyreg(fs *funcState, e expDesc) (expDesc, registerIndex, error) {
	e = p.dischargeVars(fs, e)
	if e.kind == expKindNonReloc {
		if !e.hasJumps() {
			// Result is already in a register.
			return e, e.register(), nil
		}
		if e.register() >= p.numVariablesInStack(fs) {
			// The register is not a local: put the final result in it.
			e, err := p.exp2reg(fs, e, e.register())
			if err != nil {
				return e, noRegister, err
			}
			return e, e.register(), nil
		}
		// Otherwise expression has jumps and cannot change its register
		// to hold the jump values, because it is a local variable.
		// Go through to the default case.
	}
	// Default: use next available register.
	return p.exp2nextReg(fs, e)
}

// exp2nextReg ensures the final expression result is in the next available register.
//
// On success, the result of exp2nextReg will always be [expKindNonReloc].
func (p *parser) exp2nextReg(fs *funcState, e expDesc) (expDesc, registerIndex, error) {
	e = p.dischargeVars(fs, e)
	p.freeExp(fs, e)
	reg, err := fs.reserveRegister()
	if err != nil {
		return e, noRegister, err
	}
	e, err = p.exp2reg(fs, e, reg)
	return e, reg, err
}

// exp2reg ensures the final expression result
// (which includes results from its jump lists)
// is in the given register.
// If the expression has jumps,
// need to patch these jumps either to its final position
// or to "load" instructions
// (for those tests that do not produce values).
//
// On success, the result of exp2reg will always be [expKindNonReloc].
func (p *parser) exp2reg(fs *funcState, e expDesc, reg registerIndex) (expDesc, error) {
	e, err := p.dischargeToRegister(fs, e, reg)
	if err != nil {
		return e, err
	}

	if e.kind == expKindJmp {
		// Expression is a test, so put this jump in 't' list.
		e.t, err = fs.concatJumpList(e.t, e.pc())
		if err != nil {
			return e, err
		}
	}

	if e.hasJumps() {
		needValue := func(list int) bool {
			for ; list != noJump; list, _ = fs.jumpDestination(list) {
				i := fs.findJumpControl(list)
				if i.OpCode() != OpTestSet {
					return true
				}
			}
			return false
		}

		positionLoadFalse := noJump
		positionLoadTrue := noJump
		if needValue(e.t) || needValue(e.f) {
			fj := noJump
			if e.kind != expKindJmp {
				fj = p.codeJump(fs)
			}
			fs.label()
			// LOADBOOL false skips the following LOADBOOL true.
			positionLoadFalse = p.code(fs, ABCInstruction(OpLoadBool, uint8(reg), 0, 1))
			fs.label()
			positionLoadTrue = p.code(fs, ABCInstruction(OpLoadBool, uint8(reg), 1, 0))
			// Jump around these booleans if e is not a test.
			if err := fs.patchToHere(fj); err != nil {
				return e, err
			}
		}

		final := fs.label()
		if err := fs.patchList(e.f, final, reg, positionLoadFalse); err != nil {
			return e, err
		}
		if err := fs.patchList(e.t, final, reg, positionLoadTrue); err != nil {
			return e, err
		}
	}

	// We've removed jumps, so no jump lists.
	return newNonRelocExpDesc(reg), nil
}

// dischargeToAnyRegister ensures the expression value is in a register,
// making e a non-relocatable expression.
// (Expression still may have jump lists.)
func (p *parser) dischargeToAnyRegister(fs *funcState, e expDesc) (expDesc, error) {
	if e.kind == expKindNonReloc {
		return e, nil
	}
	reg, err := fs.reserveRegister()
	if err != nil {
		return e, err
	}
	return p.dischargeToRegister(fs, e, reg)
}

// dischargeToRegister ensures the expression value is in the given register,
// making e a non-relocatable expression.
// (Expression still may have jump lists.)
func (p *parser) dischargeToRegister(fs *funcState, e expDesc, reg registerIndex) (expDesc, error) {
	e = p.dischargeVars(fs, e)
	switch e.kind {
	case expKindNil:
		p.codeNil(fs, reg, 1)
	case expKindFalse:
		p.code(fs, ABCInstruction(OpLoadBool, uint8(reg), 0, 0))
	case expKindTrue:
		p.code(fs, ABCInstruction(OpLoadBool, uint8(reg), 1, 0))
	case expKindKStr, expKindKFlt, expKindKInt:
		v, _ := e.toValue()
		k, err := fs.constantIndex(v)
		if err != nil {
			return e, err
		}
		p.codeConstant(fs, reg, k)
	case expKindK:
		p.codeConstant(fs, reg, e.constIndex())
	case expKindReloc:
		fs.Code[e.pc()] = fs.Code[e.pc()].WithArgA(uint8(reg))
	case expKindNonReloc:
		if ereg := e.register(); reg != ereg {
			p.code(fs, ABCInstruction(OpMove, uint8(reg), uint16(ereg), 0))
		}
	case expKindJmp:
		return e, nil
	default:
		panic("unhandled expression kind")
	}
	return newNonRelocExpDesc(reg).withJumpLists(e), nil
}

// dischargeVars ensures that the expression is not a variable (nor a <const>).
// (Expression still may have jump lists.)
func (p *parser) dischargeVars(fs *funcState, e expDesc) expDesc {
	switch e.kind {
	case expKindConst:
		return constToExp(p.activeVariables[e.constLocalIndex()].k).withJumpLists(e)
	case expKindLocal:
		// Already in a register? Becomes a non-relocatable value.
		return newNonRelocExpDesc(e.register()).withJumpLists(e)
	case expKindUpval:
		// Move value to some (pending) register.
		pc := p.code(fs, ABCInstruction(OpGetUpval, 0, uint16(e.upvalueIndex()), 0))
		return newRelocExpDesc(pc).withJumpLists(e)
	case expKindGlobal:
		pc := p.code(fs, ABxInstruction(OpGetGlobal, 0, int32(e.constIndex())))
		return newRelocExpDesc(pc).withJumpLists(e)
	case expKindIndexed:
		p.freeRK(fs, e.indexRK())
		p.freeReg(fs, e.tableRegister())
		pc := p.code(fs, ABCInstruction(OpGetTable, 0, uint16(e.tableRegister()), e.indexRK()))
		return newRelocExpDesc(pc).withJumpLists(e)
	case expKindCall, expKindVararg:
		return p.setOneReturn(fs, e)
	default:
		// There is one value available (somewhere).
		return e
	}
}

const multiReturn = -1

// setReturns fixes an expression to return the given number of results.
// If e is not a multi-ret expression (i.e. a function call or vararg),
// setReturns returns an error.
func (p *parser) setReturns(fs *funcState, e expDesc, nResults int) error {
	switch e.kind {
	case expKindCall:
		i := fs.Code[e.pc()]
		i, ok := i.WithArgC(uint16(nResults + 1))
		if !ok {
			return fmt.Errorf("internal error: number of results (%d) out of range for setReturns", nResults)
		}
		fs.Code[e.pc()] = i
	case expKindVararg:
		i := fs.Code[e.pc()]
		i, ok := i.WithArgB(uint16(nResults + 1))
		if !ok {
			return fmt.Errorf("internal error: number of results (%d) out of range for setReturns", nResults)
		}
		fs.Code[e.pc()] = i.WithArgA(uint8(fs.firstFreeRegister))
		if err := fs.reserveRegisters(1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("internal error: setReturns on %v", e.kind)
	}
	return nil
}

// setOneReturn fixes an expression to return one result.
// If the expression is not a multi-ret expression
// (i.e. a function call or vararg),
// it already returns one result, so nothing needs to be done.
// Function calls become [expKindNonReloc] expressions
// (as the result comes fixed in the base register of the call),
// while vararg expressions become [expKindReloc]
// (as [OpVararg] puts its results where it wants).
// (Calls are created returning one result,
// so that does not need to be fixed.)
func (p *parser) setOneReturn(fs *funcState, e expDesc) expDesc {
	switch e.kind {
	case expKindCall:
		i := fs.Code[e.pc()]
		return newNonRelocExpDesc(registerIndex(i.ArgA())).withJumpLists(e)
	case expKindVararg:
		pc := e.pc()
		fs.Code[pc], _ = fs.Code[pc].WithArgB(2)
		return newRelocExpDesc(pc).withJumpLists(e)
	default:
		return e
	}
}

// freeExp frees the register used (if any) by the given expression.
func (p *parser) freeExp(fs *funcState, e expDesc) {
	if e.kind == expKindNonReloc {
		p.freeReg(fs, e.register())
	}
}

func (p *parser) freeReg(fs *funcState, reg registerIndex) {
	if reg >= p.numVariablesInStack(fs) {
		fs.firstFreeRegister--
		if reg != fs.firstFreeRegister {
			panic("freeReg should be called on fs.firstFreeRegister-1")
		}
	}
}

// freeRK frees the register referenced by an R/K operand, if any.
func (p *parser) freeRK(fs *funcState, rk uint16) {
	if !IsConstant(rk) {
		p.freeReg(fs, registerIndex(rk))
	}
}

// expToConst returns the compile-time constant value of the expression, if any.
func (p *parser) expToConst(fs *funcState, e expDesc) (_ Value, ok bool) {
	if e.hasJumps() {
		return Value{}, false
	}
	if e.kind == expKindConst {
		return p.activeVariables[e.constLocalIndex()].k, true
	}
	if e.kind == expKindK {
		return fs.Constants[e.constIndex()], true
	}
	return e.toValue()
}
