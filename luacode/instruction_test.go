// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import "testing"

func TestInstructionFields(t *testing.T) {
	i := ABCInstruction(OpSetTable, 1, RKConstant(2), 3)
	if got := i.OpCode(); got != OpSetTable {
		t.Errorf("OpCode() = %v; want %v", got, OpSetTable)
	}
	if got := i.ArgA(); got != 1 {
		t.Errorf("ArgA() = %d; want 1", got)
	}
	if got := i.ArgB(); got != RKConstant(2) {
		t.Errorf("ArgB() = %d; want %d", got, RKConstant(2))
	}
	if got := i.ArgC(); got != 3 {
		t.Errorf("ArgC() = %d; want 3", got)
	}

	j := ABxInstruction(OpJMP, 0, -1)
	if got := j.ArgBx(); got != -1 {
		t.Errorf("JMP ArgBx() = %d; want -1", got)
	}
	j2, ok := j.WithArgBx(MaxArgBx - OffsetBx)
	if !ok {
		t.Fatalf("WithArgBx(%d) failed", MaxArgBx-OffsetBx)
	}
	if got := j2.ArgBx(); got != MaxArgBx-OffsetBx {
		t.Errorf("ArgBx() = %d; want %d", got, MaxArgBx-OffsetBx)
	}
	if _, ok := j.WithArgBx(MaxArgBx - OffsetBx + 1); ok {
		t.Error("WithArgBx accepted an out-of-range offset")
	}
}

func TestRKOperands(t *testing.T) {
	if IsConstant(255) {
		t.Error("IsConstant(255) = true; want false")
	}
	rk := RKConstant(255)
	if !IsConstant(rk) {
		t.Errorf("IsConstant(%d) = false; want true", rk)
	}
	if got := ConstantIndex(rk); got != 255 {
		t.Errorf("ConstantIndex(%d) = %d; want 255", rk, got)
	}
	if MaxRKIndex != 255 {
		t.Errorf("MaxRKIndex = %d; want 255", MaxRKIndex)
	}
}

func TestFloatingPointByte(t *testing.T) {
	// Exact below 8, then approximate ceilings.
	for x := uint(0); x < 16; x++ {
		fb := int2fb(x)
		got := fb2int(fb)
		if x < 8 && got != x {
			t.Errorf("fb2int(int2fb(%d)) = %d; want %d", x, got, x)
		}
		if got < x {
			t.Errorf("fb2int(int2fb(%d)) = %d; want >=%d", x, got, x)
		}
	}
	tests := []struct {
		x    uint
		want uint16
	}{
		{0, 0},
		{3, 3},
		{8, 8},
		{50, 0o35},
		{1000, 0o100},
	}
	for _, test := range tests {
		if got := int2fb(test.x); got != test.want {
			t.Errorf("int2fb(%d) = %#o; want %#o", test.x, got, test.want)
		}
	}
}

func FuzzInstructionFields(f *testing.F) {
	f.Add(uint32(ABCInstruction(OpMove, 1, 2, 3)))
	f.Add(uint32(ABxInstruction(OpLoadK, 0, 42)))
	f.Add(uint32(ABxInstruction(OpJMP, 0, -6)))
	f.Fuzz(func(t *testing.T, word uint32) {
		i := Instruction(word)
		op := i.OpCode()
		if !op.IsValid() {
			t.Skip()
		}
		var got Instruction
		switch op.OpMode() {
		case OpModeABC:
			got = ABCInstruction(op, i.ArgA(), i.ArgB(), i.ArgC())
		case OpModeABx, OpModeAsBx:
			got = ABxInstruction(op, i.ArgA(), i.ArgBx())
		default:
			t.Fatalf("unknown mode for %v", op)
		}
		if got != i {
			t.Errorf("repacked fields of %#08x to %#08x", word, uint32(got))
		}
	})
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		i    Instruction
		want string
	}{
		{ABCInstruction(OpMove, 1, 0, 0), "MOVE      1 0"},
		{ABxInstruction(OpLoadK, 0, 2), "LOADK     0 -3"},
		{ABCInstruction(OpAdd, 0, 0, RKConstant(1)), "ADD       0 0 -2"},
		{ABxInstruction(OpJMP, 0, -6), "JMP       -6"},
		{ABCInstruction(OpReturn, 0, 1, 0), "RETURN    0 1"},
	}
	for _, test := range tests {
		if got := test.i.String(); got != test.want {
			t.Errorf("Instruction(%#08x).String() = %q; want %q", uint32(test.i), got, test.want)
		}
	}
}
