// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"math"
	"strings"
	"testing"
)

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Value{}, "nil"},
		{BoolValue(true), "true"},
		{BoolValue(false), "false"},
		{IntegerValue(42), "42"},
		{FloatValue(0.5), "0.5"},
		{FloatValue(1), "1.0"},
		{StringValue("hi"), `"hi"`},
	}
	for _, test := range tests {
		if got := test.v.String(); got != test.want {
			t.Errorf("%#v.String() = %q; want %q", test.v, got, test.want)
		}
	}
}

func TestValueEqual(t *testing.T) {
	// Integers and floats with the same mathematical value are equal
	// even though they are distinct constants.
	if !IntegerValue(1).Equal(FloatValue(1)) {
		t.Error("IntegerValue(1).Equal(FloatValue(1)) = false; want true")
	}
	if IntegerValue(1) == FloatValue(1) {
		t.Error("IntegerValue(1) == FloatValue(1); want distinct constants")
	}
	if StringValue("1").Equal(IntegerValue(1)) {
		t.Error(`StringValue("1").Equal(IntegerValue(1)) = true; want false`)
	}
}

func TestFloatToInteger(t *testing.T) {
	tests := []struct {
		n      float64
		mode   FloatToIntegerMode
		want   int64
		wantOK bool
	}{
		{2, OnlyIntegral, 2, true},
		{2.5, OnlyIntegral, 0, false},
		{2.5, Floor, 2, true},
		{2.5, Ceil, 3, true},
		{-2.5, Floor, -3, true},
		{-2.5, Ceil, -2, true},
		{math.NaN(), OnlyIntegral, 0, false},
		{math.Inf(1), Floor, 0, false},
		{math.MinInt64, OnlyIntegral, math.MinInt64, true},
		{math.MaxInt64, OnlyIntegral, 0, false},
	}
	for _, test := range tests {
		got, ok := FloatToInteger(test.n, test.mode)
		if got != test.want || ok != test.wantOK {
			t.Errorf("FloatToInteger(%v, %v) = %d, %t; want %d, %t",
				test.n, test.mode, got, ok, test.want, test.wantOK)
		}
	}
}

func TestSource(t *testing.T) {
	if got, ok := FilenameSource("foo.lua").Filename(); got != "foo.lua" || !ok {
		t.Errorf(`FilenameSource("foo.lua").Filename() = %q, %t; want "foo.lua", true`, got, ok)
	}
	if got, ok := AbstractSource("stdin").Abstract(); got != "stdin" || !ok {
		t.Errorf(`AbstractSource("stdin").Abstract() = %q, %t; want "stdin", true`, got, ok)
	}
	if got, ok := LiteralSource("return 1").Literal(); got != "return 1" || !ok {
		t.Errorf(`LiteralSource("return 1").Literal() = %q, %t; want "return 1", true`, got, ok)
	}

	// Literal text that looks like another source type is condensed.
	weird := LiteralSource("@not actually a file")
	if _, ok := weird.Literal(); ok {
		t.Errorf("LiteralSource(%q).Literal() ok = true; want false", "@not actually a file")
	}

	long := strings.Repeat("x", 100)
	if got := LiteralSource(long).String(); len(got) > maxSourceSize+len(`[string ""]`) {
		t.Errorf("LiteralSource(long).String() = %q; too long", got)
	}
}
