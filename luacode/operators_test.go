// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"errors"
	"math"
	"testing"
)

func TestArithmetic(t *testing.T) {
	tests := []struct {
		op   ArithmeticOperator
		p1   Value
		p2   Value
		want Value
	}{
		{Add, IntegerValue(2), IntegerValue(3), IntegerValue(5)},
		{Subtract, IntegerValue(2), IntegerValue(3), IntegerValue(-1)},
		{Multiply, IntegerValue(-4), IntegerValue(3), IntegerValue(-12)},
		{Add, FloatValue(0.5), IntegerValue(1), FloatValue(1.5)},

		// Division and exponentiation always produce floats.
		{Divide, IntegerValue(1), IntegerValue(2), FloatValue(0.5)},
		{Power, IntegerValue(2), IntegerValue(10), FloatValue(1024)},
		{Power, IntegerValue(2), FloatValue(0.5), FloatValue(math.Sqrt2)},

		// Lua's modulo is floored, not truncated.
		{Modulo, IntegerValue(-5), IntegerValue(3), IntegerValue(1)},
		{Modulo, IntegerValue(5), IntegerValue(-3), IntegerValue(-2)},
		{Modulo, IntegerValue(5), IntegerValue(3), IntegerValue(2)},
		{Modulo, FloatValue(-5.5), FloatValue(3), FloatValue(0.5)},

		{UnaryMinus, IntegerValue(7), Value{}, IntegerValue(-7)},
		{UnaryMinus, FloatValue(2.5), Value{}, FloatValue(-2.5)},
	}
	for _, test := range tests {
		got, err := Arithmetic(test.op, test.p1, test.p2)
		if err != nil {
			t.Errorf("Arithmetic(%v, %v, %v): %v", test.op, test.p1, test.p2, err)
			continue
		}
		if got != test.want {
			t.Errorf("Arithmetic(%v, %v, %v) = %v; want %v", test.op, test.p1, test.p2, got, test.want)
		}
	}
}

func TestArithmeticErrors(t *testing.T) {
	if _, err := Arithmetic(Modulo, IntegerValue(1), IntegerValue(0)); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("integer modulo by zero error = %v; want ErrDivideByZero", err)
	}
	if _, err := Arithmetic(Add, StringValue("x"), IntegerValue(1)); !errors.Is(err, ErrNotNumber) {
		t.Errorf("arithmetic on string error = %v; want ErrNotNumber", err)
	}
	if _, err := Arithmetic(Add, Value{}, IntegerValue(1)); !errors.Is(err, ErrNotNumber) {
		t.Errorf("arithmetic on nil error = %v; want ErrNotNumber", err)
	}
}

func TestFloatDivideByZero(t *testing.T) {
	tests := []struct {
		p1   float64
		p2   float64
		want float64
	}{
		{1, 0, math.Inf(1)},
		{-1, 0, math.Inf(-1)},
		{1, math.Copysign(0, -1), math.Inf(-1)},
	}
	for _, test := range tests {
		got, err := Arithmetic(Divide, FloatValue(test.p1), FloatValue(test.p2))
		if err != nil {
			t.Errorf("Arithmetic(Divide, %v, %v): %v", test.p1, test.p2, err)
			continue
		}
		if f, _ := got.Float64(); f != test.want {
			t.Errorf("%v / %v = %v; want %v", test.p1, test.p2, f, test.want)
		}
	}

	got, err := Arithmetic(Divide, FloatValue(0), FloatValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := got.Float64(); !math.IsNaN(f) {
		t.Errorf("0 / 0 = %v; want NaN", f)
	}
}
