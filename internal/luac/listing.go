// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luac

import (
	"io"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/moonhollow/lunac/luacode"
)

// functionListing is the JSON representation of a compiled function.
type functionListing struct {
	Name            string               `json:"name"`
	Source          string               `json:"source"`
	LineDefined     int                  `json:"lineDefined"`
	LastLineDefined int                  `json:"lastLineDefined"`
	NumParams       uint8                `json:"numParams"`
	IsVararg        bool                 `json:"isVararg"`
	MaxStackSize    uint8                `json:"maxStackSize"`
	Instructions    []instructionListing `json:"instructions"`
	Constants       []constantListing    `json:"constants"`
	Locals          []localListing       `json:"locals,omitempty"`
	Upvalues        []upvalueListing     `json:"upvalues,omitempty"`
	Functions       []*functionListing   `json:"functions,omitempty"`
}

type instructionListing struct {
	PC   int    `json:"pc"`
	Line int32  `json:"line,omitzero"`
	Text string `json:"text"`
}

type constantListing struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type localListing struct {
	Name    string `json:"name"`
	StartPC int    `json:"startPC"`
	EndPC   int    `json:"endPC"`
}

type upvalueListing struct {
	Name    string `json:"name,omitempty"`
	InStack bool   `json:"inStack"`
	Index   uint8  `json:"index"`
}

// printJSON writes the bytecode listing for f and its nested functions
// to w as a JSON document.
func printJSON(w io.Writer, f *luacode.Prototype, functionNames map[*luacode.Prototype]string, pcBase int) error {
	return jsonv2.MarshalWrite(w, newFunctionListing(f, functionNames, pcBase), jsontext.Multiline(true))
}

func newFunctionListing(f *luacode.Prototype, functionNames map[*luacode.Prototype]string, pcBase int) *functionListing {
	listing := &functionListing{
		Name:            functionNames[f],
		Source:          sourceName(f.Source),
		LineDefined:     f.LineDefined,
		LastLineDefined: f.LastLineDefined,
		NumParams:       f.NumParams,
		IsVararg:        f.IsVararg,
		MaxStackSize:    f.MaxStackSize,
		Instructions:    make([]instructionListing, 0, len(f.Code)),
		Constants:       make([]constantListing, 0, len(f.Constants)),
	}
	rawWord := false
	for pc, i := range f.Code {
		entry := instructionListing{PC: pcBase + pc}
		if pc < len(f.LineInfo) {
			entry.Line = f.LineInfo[pc]
		}
		if rawWord {
			// Batch number following a SETLIST with C == 0.
			entry.Text = strconv.FormatUint(uint64(uint32(i)), 10)
			rawWord = false
		} else {
			entry.Text = i.String()
			if i.OpCode() == luacode.OpSetList && i.ArgC() == 0 {
				rawWord = true
			}
		}
		listing.Instructions = append(listing.Instructions, entry)
	}
	for i, k := range f.Constants {
		listing.Constants = append(listing.Constants, constantListing{
			Index: i,
			Type:  constantTag(k),
			Value: k.String(),
		})
	}
	for _, v := range f.LocalVariables {
		listing.Locals = append(listing.Locals, localListing{
			Name:    v.Name,
			StartPC: pcBase + v.StartPC,
			EndPC:   pcBase + v.EndPC,
		})
	}
	for _, uv := range f.Upvalues {
		listing.Upvalues = append(listing.Upvalues, upvalueListing{
			Name:    uv.Name,
			InStack: uv.InStack,
			Index:   uv.Index,
		})
	}
	for _, sub := range f.Functions {
		listing.Functions = append(listing.Functions, newFunctionListing(sub, functionNames, pcBase))
	}
	return listing
}
