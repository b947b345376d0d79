// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luac

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/moonhollow/lunac/luacode"
)

var prototypeDiffOptions = cmp.Options{
	cmp.AllowUnexported(luacode.Value{}),
	cmpopts.EquateEmpty(),
}

func writeSourceFile(tb testing.TB, name, source string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, []byte(source), 0o666); err != nil {
		tb.Fatal(err)
	}
	return path
}

func TestCompileFile(t *testing.T) {
	path := writeSourceFile(t, "answer.lua", "return 2 + 2")
	proto, err := compileFile(path, "")
	if err != nil {
		t.Fatal("compileFile:", err)
	}
	if !proto.IsMainChunk() {
		t.Error("compiled prototype is not a main chunk")
	}
	if got, ok := proto.Source.Filename(); !ok || got != path {
		t.Errorf("Source = %q; want filename %q", proto.Source, path)
	}

	// A file that already holds a binary chunk is loaded, not parsed.
	chunk, err := proto.MarshalBinary()
	if err != nil {
		t.Fatal("MarshalBinary:", err)
	}
	chunkPath := filepath.Join(t.TempDir(), "answer.out")
	if err := os.WriteFile(chunkPath, chunk, 0o666); err != nil {
		t.Fatal(err)
	}
	loaded, err := compileFile(chunkPath, "")
	if err != nil {
		t.Fatal("compileFile(chunk):", err)
	}
	if diff := cmp.Diff(proto, loaded, prototypeDiffOptions); diff != "" {
		t.Errorf("loaded chunk (-want +got):\n%s", diff)
	}
}

func TestCompileFileSourceOverride(t *testing.T) {
	path := writeSourceFile(t, "input.lua", "return")
	proto, err := compileFile(path, "@renamed.lua")
	if err != nil {
		t.Fatal("compileFile:", err)
	}
	if got, ok := proto.Source.Filename(); !ok || got != "renamed.lua" {
		t.Errorf("Source = %q; want filename %q", proto.Source, "renamed.lua")
	}
}

func TestCombine(t *testing.T) {
	parse := func(source string) *luacode.Prototype {
		f, err := luacode.Parse(luacode.LiteralSource(source), strings.NewReader(source))
		if err != nil {
			t.Fatal("Parse:", err)
		}
		return f
	}

	single := parse("return 1")
	if got := combine([]*luacode.Prototype{single}); got != single {
		t.Error("combine of a single chunk did not return it unchanged")
	}

	protos := []*luacode.Prototype{parse("return 1"), parse("return 2")}
	combined := combine(protos)
	if !combined.IsMainChunk() {
		t.Error("combined prototype is not a main chunk")
	}
	if !combined.IsVararg {
		t.Error("combined prototype is not vararg")
	}
	wantCode := []luacode.Instruction{
		luacode.ABxInstruction(luacode.OpClosure, 0, 0),
		luacode.ABCInstruction(luacode.OpCall, 0, 1, 1),
		luacode.ABxInstruction(luacode.OpClosure, 0, 1),
		luacode.ABCInstruction(luacode.OpCall, 0, 1, 1),
		luacode.ABCInstruction(luacode.OpReturn, 0, 1, 0),
	}
	if diff := cmp.Diff(wantCode, combined.Code); diff != "" {
		t.Errorf("combined code (-want +got):\n%s", diff)
	}
	if len(combined.Functions) != 2 {
		t.Fatalf("combined prototype has %d functions; want 2", len(combined.Functions))
	}

	// The combined chunk must survive a dump/load round trip.
	data, err := combined.MarshalBinary()
	if err != nil {
		t.Fatal("MarshalBinary:", err)
	}
	got, err := luacode.Load(data)
	if err != nil {
		t.Fatal("Load:", err)
	}
	if diff := cmp.Diff(combined, got, prototypeDiffOptions); diff != "" {
		t.Errorf("combined chunk after round trip (-want +got):\n%s", diff)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "a.lua"),
		filepath.Join(dir, "b.lua"),
	}
	if err := os.WriteFile(paths[0], []byte("local x = 1\nreturn x"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths[1], []byte("return 2"), 0o666); err != nil {
		t.Fatal(err)
	}
	outputPath := filepath.Join(dir, "luac.out")

	opts := &options{
		inputFilenames: paths,
		outputFilename: outputPath,
	}
	if err := run(context.Background(), opts); err != nil {
		t.Fatal("run:", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	proto, err := luacode.Load(data)
	if err != nil {
		t.Fatal("Load:", err)
	}
	if len(proto.Functions) != 2 {
		t.Errorf("output chunk has %d functions; want 2", len(proto.Functions))
	}
}

func TestRunStripDebug(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.lua")
	if err := os.WriteFile(path, []byte("local x = 1\nreturn x"), 0o666); err != nil {
		t.Fatal(err)
	}
	outputPath := filepath.Join(dir, "luac.out")

	opts := &options{
		inputFilenames: []string{path},
		outputFilename: outputPath,
		stripDebug:     true,
	}
	if err := run(context.Background(), opts); err != nil {
		t.Fatal("run:", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	proto, err := luacode.Load(data)
	if err != nil {
		t.Fatal("Load:", err)
	}
	if proto.Source != luacode.UnknownSource {
		t.Errorf("Source = %q; want %q", proto.Source, luacode.UnknownSource)
	}
	if len(proto.LocalVariables) > 0 {
		t.Errorf("LocalVariables has %d entries; want 0", len(proto.LocalVariables))
	}
}

func TestRunParseOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.lua")
	if err := os.WriteFile(path, []byte("return"), 0o666); err != nil {
		t.Fatal(err)
	}
	outputPath := filepath.Join(dir, "luac.out")

	opts := &options{
		inputFilenames: []string{path},
		outputFilename: outputPath,
		parseOnly:      true,
	}
	if err := run(context.Background(), opts); err != nil {
		t.Fatal("run:", err)
	}
	if _, err := os.Stat(outputPath); !os.IsNotExist(err) {
		t.Errorf("parse-only run wrote %s", outputPath)
	}
}

func TestRunSyntaxError(t *testing.T) {
	path := writeSourceFile(t, "bad.lua", "return return")
	opts := &options{
		inputFilenames: []string{path},
		outputFilename: filepath.Join(t.TempDir(), "luac.out"),
	}
	err := run(context.Background(), opts)
	if err == nil {
		t.Fatal("run did not return an error")
	}
	if !strings.Contains(err.Error(), "bad.lua") {
		t.Errorf("error %q does not name the source file", err)
	}
}

func TestNewCommand(t *testing.T) {
	path := writeSourceFile(t, "main.lua", "return 1")
	c := New()
	c.SetArgs([]string{"-p", path})
	c.SetOut(new(bytes.Buffer))
	c.SetErr(new(bytes.Buffer))
	if err := c.Execute(); err != nil {
		t.Error("Execute:", err)
	}
}

func TestPrintJSON(t *testing.T) {
	const source = "local x = 1\nlocal function f()\n\treturn x\nend\nreturn f()"
	proto, err := luacode.Parse(luacode.FilenameSource("main.lua"), strings.NewReader(source))
	if err != nil {
		t.Fatal("Parse:", err)
	}
	functionNames := make(map[*luacode.Prototype]string)
	nameFunctions(functionNames, proto)

	buf := new(bytes.Buffer)
	if err := printJSON(buf, proto, functionNames, 1); err != nil {
		t.Fatal("printJSON:", err)
	}

	var got functionListing
	if err := jsonv2.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal(%q): %v", buf, err)
	}
	if got.Name != "main" {
		t.Errorf("name = %q; want %q", got.Name, "main")
	}
	if got.Source != "main.lua" {
		t.Errorf("source = %q; want %q", got.Source, "main.lua")
	}
	if len(got.Instructions) != len(proto.Code) {
		t.Errorf("listing has %d instructions; want %d", len(got.Instructions), len(proto.Code))
	}
	if len(got.Instructions) > 0 {
		if first := got.Instructions[0]; first.PC != 1 || !strings.Contains(first.Text, "LOADK") {
			t.Errorf("first instruction = %+v; want PC 1 and a LOADK", first)
		}
	}
	if len(got.Functions) != 1 {
		t.Fatalf("listing has %d functions; want 1", len(got.Functions))
	}
	if sub := got.Functions[0]; sub.Name != "F[0]" {
		t.Errorf("nested function name = %q; want %q", sub.Name, "F[0]")
	} else if len(sub.Upvalues) != 1 || !sub.Upvalues[0].InStack {
		t.Errorf("nested function upvalues = %+v; want one in-stack upvalue", sub.Upvalues)
	}
}

func TestByteOrderFlag(t *testing.T) {
	var f byteOrderFlag
	if got := f.String(); got != "" {
		t.Errorf("zero byteOrderFlag.String() = %q; want \"\"", got)
	}
	if err := f.Set("big"); err != nil {
		t.Error("Set(\"big\"):", err)
	}
	if got := f.String(); got != "big" {
		t.Errorf("String() = %q; want %q", got, "big")
	}
	if err := f.Set("little"); err != nil {
		t.Error("Set(\"little\"):", err)
	}
	if got := f.String(); got != "little" {
		t.Errorf("String() = %q; want %q", got, "little")
	}
	if err := f.Set("middle"); err == nil {
		t.Error("Set(\"middle\") did not return an error")
	}
}
