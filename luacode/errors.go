// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"errors"
	"fmt"
)

// ErrFormat is reported (via [errors.Is]) by [*Prototype.UnmarshalBinary]
// and [Load] when the data is not a valid precompiled chunk.
var ErrFormat = errors.New("invalid precompiled chunk")

// SyntaxError is the error type reported by [Parse]
// for malformed source text.
type SyntaxError struct {
	// Source is the chunk the error occurred in.
	Source Source
	// Line is the 1-based line number, or zero if unknown.
	Line int
	// Message describes the error.
	// It includes the offending token, if there is one.
	Message string
}

// Error formats the error as "source:line: message".
func (e *SyntaxError) Error() string {
	source := "?"
	if e.Source != "" {
		source = e.Source.String()
	}
	if e.Line < 1 {
		return fmt.Sprintf("%s: %s", source, e.Message)
	}
	return fmt.Sprintf("%s:%d: %s", source, e.Line, e.Message)
}

// LimitError is the error type reported by [Parse]
// when a chunk exceeds a compiler capacity limit,
// like the number of registers or active local variables in a function.
type LimitError struct {
	// Source is the chunk the error occurred in.
	Source Source
	// LineDefined is the line the enclosing function was defined on,
	// or zero for the main chunk.
	LineDefined int
	// What names the exhausted resource.
	What string
	// Limit is the maximum permitted count.
	Limit int
}

// Error formats the error as "source: too many whats (limit is n) in f".
func (e *LimitError) Error() string {
	source := "?"
	if e.Source != "" {
		source = e.Source.String()
	}
	where := "main function"
	if e.LineDefined > 0 {
		where = fmt.Sprintf("function at line %d", e.LineDefined)
	}
	return fmt.Sprintf("%s: too many %s (limit is %d) in %s", source, e.What, e.Limit, where)
}
