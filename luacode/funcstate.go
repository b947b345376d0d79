// Copyright (C) 1994-2012 Lua.org, PUC-Rio.
// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import "fmt"

// funcState is the mutable state associated with a [Prototype]
// while it is being constructed.
type funcState struct {
	*Prototype

	// prev is the enclosing function.
	prev *funcState
	// blocks is the chain of current blocks.
	blocks *blockControl

	// lastTarget is the last returned value from [funcState.label].
	lastTarget int
	// firstLocal is the index of the first local variable
	// in [parser].activeVariables.
	firstLocal int
	// firstLabel is the index of the first label
	// in [parser].labels.
	firstLabel int
	// numActiveVariables is the number of active local variables.
	numActiveVariables uint8
	// firstFreeRegister is the first free register.
	firstFreeRegister registerIndex
}

// blockControl is a linked list of active blocks.
type blockControl struct {
	prev       *blockControl
	firstLabel int
	firstGoto  int
	// numActiveVariables is the number of active locals outside the block.
	numActiveVariables uint8

	// upval is true if some variable in the block is captured as an upvalue.
	upval  bool
	isLoop bool
}

// limitError constructs a [LimitError] for the function being compiled.
func (fs *funcState) limitError(what string, limit int) error {
	return &LimitError{
		Source:      fs.Source,
		LineDefined: fs.LineDefined,
		What:        what,
		Limit:       limit,
	}
}

// finish performs a final pass over the code of a function,
// collapsing chains of jumps to jumps.
func (fs *funcState) finish() error {
	skipNext := false
	for i, instruction := range fs.Code {
		if skipNext {
			// Raw batch index word following an [OpSetList]; not an instruction.
			skipNext = false
			continue
		}
		if instruction.OpCode() == OpSetList && instruction.ArgC() == 0 {
			skipNext = true
			continue
		}
		if instruction.OpCode() != OpJMP {
			continue
		}
		target := i
		for count := 0; count < 100; count++ {
			curr := fs.Code[target]
			if curr.OpCode() != OpJMP {
				break
			}
			target += int(curr.ArgBx()) + 1
		}
		if err := fs.fixJump(i, target); err != nil {
			return err
		}
	}
	return nil
}

// removeLastInstruction removes the last instruction created
// and updates the line information.
func (fs *funcState) removeLastInstruction() {
	fs.removeLastLineInfo()
	fs.Code = fs.Code[:len(fs.Code)-1]
}

// label marks the next instruction to be added as a jump target
// (to avoid wrong optimizations with consecutive instructions
// not in the same basic block)
// and returns its index.
func (fs *funcState) label() int {
	pc := len(fs.Code)
	fs.lastTarget = pc
	return pc
}

// saveLineInfo saves the line information for a new instruction.
func (fs *funcState) saveLineInfo(line int) {
	fs.LineInfo = append(fs.LineInfo, int32(line))
}

// removeLastLineInfo removes the line information for the last instruction.
func (fs *funcState) removeLastLineInfo() {
	fs.LineInfo = fs.LineInfo[:len(fs.LineInfo)-1]
}

// fixLineInfo changes the line information associated with the last instruction.
func (fs *funcState) fixLineInfo(line int) {
	fs.LineInfo[len(fs.LineInfo)-1] = int32(line)
}

// reserveRegister reserves a register in the stack and returns it.
func (fs *funcState) reserveRegister() (registerIndex, error) {
	if err := fs.checkStack(1); err != nil {
		return noRegister, err
	}
	reg := fs.firstFreeRegister
	fs.firstFreeRegister++
	return reg, nil
}

// reserveRegisters reserves n additional registers in the stack.
func (fs *funcState) reserveRegisters(n int) error {
	if err := fs.checkStack(n); err != nil {
		return err
	}
	fs.firstFreeRegister += registerIndex(n)
	return nil
}

// checkStack determines whether there is sufficient room to add n more registers.
// The high watermark will be recorded in the [Prototype] as MaxStackSize.
func (fs *funcState) checkStack(n int) error {
	newStack := int(fs.firstFreeRegister) + n
	if newStack <= int(fs.MaxStackSize) {
		return nil
	}
	if newStack > maxRegisters {
		return fs.limitError("registers", maxRegisters)
	}
	fs.MaxStackSize = uint8(newStack)
	return nil
}

// constantIndex adds a value to the [Prototype] Constants table
// (deduplicating against existing entries)
// and returns its index.
func (fs *funcState) constantIndex(v Value) (int, error) {
	k := fs.addConstant(v)
	if k > MaxArgBx {
		return 0, fs.limitError("constants", MaxArgBx+1)
	}
	return k, nil
}

// concatJumpList concatenates l2 to jump-list l1.
func (fs *funcState) concatJumpList(l1, l2 int) (int, error) {
	switch {
	case l2 == noJump:
		return l1, nil
	case l1 == noJump:
		return l2, nil
	default:
		list := l1
		for {
			next, ok := fs.jumpDestination(list)
			if !ok {
				break
			}
			list = next
		}
		err := fs.fixJump(list, l2)
		return l1, err
	}
}

// patchList traverses a list of tests,
// patching their destination address and registers.
// Tests producing values jump to vtarget
// (and put their values in the given register),
// other tests jump to dtarget.
// The register may be [noRegister] to elide storage of values.
func (fs *funcState) patchList(list, vtarget int, reg registerIndex, dtarget int) error {
	if vtarget > len(fs.Code) || dtarget > len(fs.Code) {
		return fmt.Errorf("internal error: patchList target cannot be a forward address")
	}

	for list != noJump {
		next, hasNext := fs.jumpDestination(list)

		var target int
		if fs.patchTestRegister(list, reg) {
			target = vtarget
		} else {
			target = dtarget
		}
		if err := fs.fixJump(list, target); err != nil {
			return err
		}

		if !hasNext {
			break
		}
		list = next
	}
	return nil
}

// patchToHere calls [*funcState.patchList]
// with the next instruction to be written as the target.
func (fs *funcState) patchToHere(list int) error {
	here := fs.label()
	return fs.patchList(list, here, noRegister, here)
}

// patchTestRegister patches the destination register for an [OpTestSet] instruction.
// If 'reg' is not [noRegister],
// patchTestRegister sets it as the destination register.
// Otherwise, patchTestRegister changes the instruction to a simple [OpTest]
// (produces no register value).
// patchTestRegister returns false and no-ops if and only if
// the instruction in position 'node' is not an [OpTestSet].
func (fs *funcState) patchTestRegister(node int, reg registerIndex) bool {
	i := fs.findJumpControl(node)
	if i.OpCode() != OpTestSet {
		return false
	}
	if reg != noRegister && reg != registerIndex(i.ArgB()) {
		*i = ABCInstruction(OpTestSet, uint8(reg), i.ArgB(), i.ArgC())
	} else {
		*i = ABCInstruction(OpTest, uint8(i.ArgB()), 0, i.ArgC())
	}
	return true
}

// jumpDestination returns the destination address of a jump instruction.
func (fs *funcState) jumpDestination(pc int) (newPC int, ok bool) {
	offset := int(fs.Code[pc].ArgBx())
	if offset == noJump {
		// A cyclic jump represents end of list.
		return noJump, false
	}
	return pc + 1 + offset, true
}

// findJumpControl returns a pointer to the instruction "controlling" a given jump
// (i.e. a jump's condition),
// or the jump itself if it is unconditional.
func (fs *funcState) findJumpControl(pc int) *Instruction {
	if pc < 1 || !fs.Code[pc-1].OpCode().IsTest() {
		return &fs.Code[pc]
	}
	return &fs.Code[pc-1]
}

// fixJump changes the jump instruction at pc to jump to the given destination.
func (fs *funcState) fixJump(pc int, dest int) error {
	jmp := &fs.Code[pc]
	if dest == noJump {
		return fmt.Errorf("internal error: invalid jump destination")
	}
	offset := dest - (pc + 1)
	op := jmp.OpCode()
	if op.OpMode() != OpModeAsBx {
		return fmt.Errorf("internal error: fixJump called on %v", op)
	}
	newJmp, ok := jmp.WithArgBx(int32(offset))
	if !ok {
		return fs.limitError("instructions in control structure", MaxArgBx-OffsetBx)
	}
	*jmp = newJmp
	return nil
}

// negateCondition inverts a comparison instruction.
// Comparisons keep their expected outcome in the A field.
func (fs *funcState) negateCondition(pc int) error {
	i := fs.findJumpControl(pc)
	op := i.OpCode()
	if op != OpEQ && op != OpLT && op != OpLE {
		return fmt.Errorf("internal error: instruction at %d is not a comparison (got %v)", pc, op)
	}
	var a uint8
	if i.ArgA() == 0 {
		a = 1
	}
	*i = i.WithArgA(a)
	return nil
}

// previousInstruction returns a pointer into the [Prototype] Code array
// to the last added instruction.
// If there may be a jump target between the current instruction
// and the previous one,
// returns nil (to avoid wrong optimizations).
func (fs *funcState) previousInstruction() *Instruction {
	if len(fs.Code) == 0 || fs.lastTarget >= len(fs.Code) {
		return nil
	}
	return &fs.Code[len(fs.Code)-1]
}

// searchUpvalue returns the index of the upvalue with the given name.
func (fs *funcState) searchUpvalue(name string) (i upvalueIndex, found bool) {
	upvals := fs.Upvalues
	upvals = upvals[:min(len(upvals), maxUpvalues)]
	for i := range upvals {
		if upvals[i].Name == name {
			return upvalueIndex(i), true
		}
	}
	return 0, false
}

// markUpvalue marks the block where the variable at the given level was defined
// (to emit close instructions later).
func (fs *funcState) markUpvalue(level int) {
	bl := fs.blocks
	for int(bl.numActiveVariables) > level {
		bl = bl.prev
	}
	bl.upval = true
}
