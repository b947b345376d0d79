// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var parseDiffOptions = cmp.Options{
	cmp.AllowUnexported(Value{}),
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(
		Prototype{},
		"Source",
		"LineInfo",
		"LocalVariables",
		"LineDefined",
		"LastLineDefined",
	),
}

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   *Prototype
	}{
		{
			name:   "EmptyChunk",
			source: "",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Code: []Instruction{
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "LocalsStartNil",
			// Registers above the active variables are nil at function entry,
			// so no LOADNIL is needed.
			source: "local a\nlocal b",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Code: []Instruction{
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "LoadNilMerge",
			// Consecutive nil-initialized locals share a single LOADNIL.
			source: "local x = 1\nlocal a\nlocal b",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 3,
				Constants:    []Value{IntegerValue(1)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABCInstruction(OpLoadNil, 1, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "PowRightAssociative",
			// 2^3^2 folds as 2^(3^2) = 512, not (2^3)^2 = 64.
			source: "return 2 ^ 3 ^ 2",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{FloatValue(512)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "ConcatRightAssociative",
			// A concatenation chain merges into a single CONCAT.
			source: `return "a" .. "b" .. "c"`,
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 3,
				Constants: []Value{
					StringValue("a"),
					StringValue("b"),
					StringValue("c"),
				},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABxInstruction(OpLoadK, 1, 1),
					ABxInstruction(OpLoadK, 2, 2),
					ABCInstruction(OpConcat, 0, 0, 2),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "RegisterReuseAfterBlock",
			source: "do\n\tlocal a = 1\nend\nlocal b = 2",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{IntegerValue(1), IntegerValue(2)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABxInstruction(OpLoadK, 0, 1),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "Globals",
			source: "x = y",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("x"), StringValue("y")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 1),
					ABxInstruction(OpSetGlobal, 0, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "UpvalueChain",
			// Each nesting level adds exactly one hop:
			// f captures the local directly, g captures f's upvalue.
			source: "local x = 42\n" +
				"local function f()\n" +
				"\tlocal function g()\n" +
				"\t\treturn x\n" +
				"\tend\n" +
				"\treturn g\n" +
				"end",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{IntegerValue(42)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABxInstruction(OpClosure, 1, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
				Functions: []*Prototype{
					{
						MaxStackSize: 2,
						Upvalues: []UpvalueDescriptor{
							{Name: "x", InStack: true, Index: 0},
						},
						Code: []Instruction{
							ABxInstruction(OpClosure, 0, 0),
							ABCInstruction(OpReturn, 0, 2, 0),
							ABCInstruction(OpReturn, 0, 1, 0),
						},
						Functions: []*Prototype{
							{
								MaxStackSize: 2,
								Upvalues: []UpvalueDescriptor{
									{Name: "x", InStack: false, Index: 0},
								},
								Code: []Instruction{
									ABCInstruction(OpGetUpval, 0, 0, 0),
									ABCInstruction(OpReturn, 0, 2, 0),
									ABCInstruction(OpReturn, 0, 1, 0),
								},
							},
						},
					},
				},
			},
		},
		{
			name: "MultipleAssignmentExpansion",
			// A call in final position expands to fill the variable list.
			source: "local a, b, c = f()",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 3,
				Constants:    []Value{StringValue("f")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABCInstruction(OpCall, 0, 1, 4),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "VarargExpansion",
			source: "local a, b = ...",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Code: []Instruction{
					ABCInstruction(OpVararg, 0, 3, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "NestedCallForwardsAllResults",
			// g() in final argument position keeps all of its results,
			// and a call statement discards its own results.
			source: "f(g())",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("f"), StringValue("g")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABxInstruction(OpGetGlobal, 1, 1),
					ABCInstruction(OpCall, 1, 1, 0),
					ABCInstruction(OpCall, 0, 0, 1),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "NumericFor",
			source: "for i = 1, 10 do end",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 4,
				Constants:    []Value{IntegerValue(1), IntegerValue(10)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABxInstruction(OpLoadK, 1, 1),
					ABxInstruction(OpLoadK, 2, 0),
					ABxInstruction(OpForPrep, 0, 0),
					ABxInstruction(OpForLoop, 0, -1),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "GenericFor",
			source: "for k, v in pairs(t) do end",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 6,
				Constants:    []Value{StringValue("pairs"), StringValue("t")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABxInstruction(OpGetGlobal, 1, 1),
					ABCInstruction(OpCall, 0, 2, 4),
					ABxInstruction(OpJMP, 0, 0),
					ABCInstruction(OpTForLoop, 0, 0, 2),
					ABxInstruction(OpJMP, 0, -2),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "While",
			source: "while x do y() end",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("x"), StringValue("y")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABCInstruction(OpTest, 0, 0, 0),
					ABxInstruction(OpJMP, 0, 3),
					ABxInstruction(OpGetGlobal, 0, 1),
					ABCInstruction(OpCall, 0, 1, 1),
					ABxInstruction(OpJMP, 0, -6),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "GotoBackwardOutOfBlock",
			// A label is visible from any block nested inside the block
			// that declares it, so a goto in the if body
			// resolves to the label in the enclosing block.
			source: "local i = 1\n::top::\nif i < 3 then\n\ti = i + 1\n\tgoto top\nend\nreturn i",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{IntegerValue(1), IntegerValue(3)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABCInstruction(OpLT, 0, 0, RKConstant(1)),
					ABxInstruction(OpJMP, 0, 2),
					ABCInstruction(OpAdd, 0, 0, RKConstant(0)),
					ABxInstruction(OpJMP, 0, -4),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "GotoContinue",
			// Forward goto to a label later in the same block.
			source: "local i = 1\nwhile i < 3 do\n\tgoto continue\n\t::continue::\n\ti = i + 1\nend\nreturn i",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{IntegerValue(1), IntegerValue(3)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABCInstruction(OpLT, 0, 0, RKConstant(1)),
					ABxInstruction(OpJMP, 0, 3),
					ABxInstruction(OpJMP, 0, 0),
					ABCInstruction(OpAdd, 0, 0, RKConstant(0)),
					ABxInstruction(OpJMP, 0, -5),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "Equality",
			// Comparisons keep the expected outcome in the A field
			// and materialize booleans with a LOADBOOL pair.
			source: "return a == b",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("a"), StringValue("b")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABxInstruction(OpGetGlobal, 1, 1),
					ABCInstruction(OpEQ, 1, 0, 1),
					ABxInstruction(OpJMP, 0, 1),
					ABCInstruction(OpLoadBool, 0, 0, 1),
					ABCInstruction(OpLoadBool, 0, 1, 0),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "GreaterThanSwapsOperands",
			// "a > b" compiles as "b < a".
			source: "return a > b",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("a"), StringValue("b")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABxInstruction(OpGetGlobal, 1, 1),
					ABCInstruction(OpLT, 1, 1, 0),
					ABxInstruction(OpJMP, 0, 1),
					ABCInstruction(OpLoadBool, 0, 0, 1),
					ABCInstruction(OpLoadBool, 0, 1, 0),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "AndShortCircuit",
			source: "local a = b and c",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("b"), StringValue("c")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABCInstruction(OpTest, 0, 0, 0),
					ABxInstruction(OpJMP, 0, 1),
					ABxInstruction(OpGetGlobal, 0, 1),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "TableConstructorList",
			source: "local t = {1, 2, 3}",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 4,
				Constants: []Value{
					IntegerValue(1),
					IntegerValue(2),
					IntegerValue(3),
				},
				Code: []Instruction{
					ABCInstruction(OpNewTable, 0, 3, 0),
					ABxInstruction(OpLoadK, 1, 0),
					ABxInstruction(OpLoadK, 2, 1),
					ABxInstruction(OpLoadK, 3, 2),
					ABCInstruction(OpSetList, 0, 3, 1),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "TableConstructorRecord",
			source: "local t = {x = 1}",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("x"), IntegerValue(1)},
				Code: []Instruction{
					ABCInstruction(OpNewTable, 0, 0, 1),
					ABCInstruction(OpSetTable, 0, RKConstant(0), RKConstant(1)),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "MethodCall",
			source: "local s = obj:m()",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("obj"), StringValue("m")},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABCInstruction(OpSelf, 0, 0, RKConstant(1)),
					ABCInstruction(OpCall, 0, 2, 2),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "UnaryOperators",
			source: "return -x, #y, not z",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 3,
				Constants: []Value{
					StringValue("x"),
					StringValue("y"),
					StringValue("z"),
				},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABCInstruction(OpUnm, 0, 0, 0),
					ABxInstruction(OpGetGlobal, 1, 1),
					ABCInstruction(OpLen, 1, 1, 0),
					ABxInstruction(OpGetGlobal, 2, 2),
					ABCInstruction(OpNot, 2, 2, 0),
					ABCInstruction(OpReturn, 0, 4, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "ConstAttributeFolds",
			// A <const> local with a constant initializer
			// occupies no register and folds at compile time.
			source: "local x <const> = 5\nreturn x + 1",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{IntegerValue(6)},
				Code: []Instruction{
					ABxInstruction(OpLoadK, 0, 0),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name:   "ArithmeticConstantOperand",
			source: "return x + 1",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 2,
				Constants:    []Value{StringValue("x"), IntegerValue(1)},
				Code: []Instruction{
					ABxInstruction(OpGetGlobal, 0, 0),
					ABCInstruction(OpAdd, 0, 0, RKConstant(1)),
					ABCInstruction(OpReturn, 0, 2, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
			},
		},
		{
			name: "Factorial",
			source: "local function fact(n)\n" +
				"\tif n <= 1 then\n" +
				"\t\treturn 1\n" +
				"\tend\n" +
				"\treturn n * fact(n - 1)\n" +
				"end\n" +
				"return fact(10)",
			want: &Prototype{
				IsVararg:     true,
				MaxStackSize: 3,
				Constants:    []Value{IntegerValue(10)},
				Code: []Instruction{
					ABxInstruction(OpClosure, 0, 0),
					ABCInstruction(OpMove, 1, 0, 0),
					ABxInstruction(OpLoadK, 2, 0),
					ABCInstruction(OpTailCall, 1, 2, 0),
					ABCInstruction(OpReturn, 1, 0, 0),
					ABCInstruction(OpReturn, 0, 1, 0),
				},
				Functions: []*Prototype{
					{
						NumParams:    1,
						MaxStackSize: 3,
						Constants:    []Value{IntegerValue(1)},
						Upvalues: []UpvalueDescriptor{
							{Name: "fact", InStack: true, Index: 0},
						},
						Code: []Instruction{
							ABCInstruction(OpLE, 0, 0, RKConstant(0)),
							ABxInstruction(OpJMP, 0, 2),
							ABxInstruction(OpLoadK, 1, 0),
							ABCInstruction(OpReturn, 1, 2, 0),
							ABCInstruction(OpGetUpval, 1, 0, 0),
							ABCInstruction(OpSub, 2, 0, RKConstant(0)),
							ABCInstruction(OpCall, 1, 2, 2),
							ABCInstruction(OpMul, 1, 0, 1),
							ABCInstruction(OpReturn, 1, 2, 0),
							ABCInstruction(OpReturn, 0, 1, 0),
						},
					},
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse(LiteralSource(test.source), strings.NewReader(test.source))
			if err != nil {
				t.Fatal("Parse:", err)
			}
			if diff := cmp.Diff(test.want, got, parseDiffOptions); diff != "" {
				t.Errorf("Parse(%q) (-want +got):\n%s", test.source, diff)
			}
		})
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	tests := []struct {
		name        string
		source      string
		wantMessage string
	}{
		{
			name:        "MissingName",
			source:      "local = 3",
			wantMessage: "name expected",
		},
		{
			name:        "TrailingStatement",
			source:      "return 2\nx = 1",
			wantMessage: "'<eof>' expected",
		},
		{
			name:        "BreakOutsideLoop",
			source:      "break",
			wantMessage: "break outside loop",
		},
		{
			name:        "UnclosedFunction",
			source:      "function f()\nreturn 1\n",
			wantMessage: "'end' expected",
		},
		{
			name:        "GotoIntoScope",
			source:      "do goto l end\nlocal x\n::l::\nreturn x",
			wantMessage: "jumps into the scope of local 'x'",
		},
		{
			name:        "RepeatedLabelInNestedBlock",
			source:      "::x:: do ::x:: end",
			wantMessage: "label 'x' already defined on line 1",
		},
		{
			name:        "AssignToConst",
			source:      "local x <const> = 5\nx = 1",
			wantMessage: "attempt to assign to const variable 'x'",
		},
		{
			name:        "CloseAttribute",
			source:      "local x <close> = f()",
			wantMessage: "unsupported attribute 'close'",
		},
		{
			name:        "VarargOutsideVarargFunction",
			source:      "function f()\nreturn ...\nend",
			wantMessage: "cannot use '...' outside a vararg function",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(LiteralSource(test.source), strings.NewReader(test.source))
			if err == nil {
				t.Fatalf("Parse(%q) did not return an error", test.source)
			}
			var syntaxError *SyntaxError
			if !errors.As(err, &syntaxError) {
				t.Fatalf("Parse(%q) error = %v; want *SyntaxError", test.source, err)
			}
			if !strings.Contains(syntaxError.Message, test.wantMessage) {
				t.Errorf("Parse(%q) error message = %q; want to contain %q",
					test.source, syntaxError.Message, test.wantMessage)
			}
		})
	}
}

func TestParseLimits(t *testing.T) {
	t.Run("LocalVariables", func(t *testing.T) {
		source := "local " + strings.Repeat("a, ", maxVariables) + "a"
		_, err := Parse(LiteralSource(source), strings.NewReader(source))
		var limitError *LimitError
		if !errors.As(err, &limitError) {
			t.Fatalf("Parse error = %v; want *LimitError", err)
		}
		if limitError.What != "local variables" || limitError.Limit != maxVariables {
			t.Errorf("Parse error = %v; want %d local variables limit", limitError, maxVariables)
		}
	})

	t.Run("SyntaxLevels", func(t *testing.T) {
		source := "return " + strings.Repeat("(", depthLimit+1) +
			"1" + strings.Repeat(")", depthLimit+1)
		_, err := Parse(LiteralSource(source), strings.NewReader(source))
		var limitError *LimitError
		if !errors.As(err, &limitError) {
			t.Fatalf("Parse error = %v; want *LimitError", err)
		}
		if limitError.What != "syntax levels" {
			t.Errorf("Parse error = %v; want syntax levels limit", limitError)
		}
	})
}

func TestMaxVariables(t *testing.T) {
	// Register operands are 8 bits with a 250-register cap,
	// so the variable limit must stay below it.
	if maxVariables >= maxRegisters {
		t.Errorf("maxVariables = %d; want <%d", maxVariables, maxRegisters)
	}
}
