// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

// Package luac provides a Cobra command for a Lua compiler.
// Its command-line options and behavior are roughly the same as [luac(1)].
//
// [luac(1)]: https://www.lua.org/manual/5.1/luac.html
package luac

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"zombiezen.com/go/log"

	"github.com/moonhollow/lunac/luacode"
)

type options struct {
	inputFilenames []string
	source         string
	outputFilename string
	list           int
	jsonListing    bool
	parseOnly      bool
	stripDebug     bool
	floatNumbers   bool
	byteOrder      byteOrderFlag
	rawPC          bool
}

// New returns a new luac command.
func New() *cobra.Command {
	c := &cobra.Command{
		Use:                   "lunac [flags] FILE [...]",
		Short:                 "compile Lua source to bytecode",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(options)
	c.Flags().CountVarP(&opts.list, "list", "l", "produce a listing of compiled bytecode (give twice for constants, locals, and upvalues)")
	c.Flags().BoolVar(&opts.jsonListing, "json", false, "write the listing as JSON")
	c.Flags().StringVarP(&opts.outputFilename, "output", "o", "luac.out", "output to `filename` (\"-\" for stdout)")
	c.Flags().BoolVarP(&opts.parseOnly, "parse-only", "p", false, "do not write bytecode")
	c.Flags().BoolVarP(&opts.stripDebug, "strip-debug", "s", false, "strip debug information")
	c.Flags().BoolVar(&opts.floatNumbers, "float-numbers", false, "dump all number constants as floats")
	c.Flags().Var(&opts.byteOrder, "byte-order", "byte order of the output chunk (little or big)")
	c.Flags().BoolVarP(&opts.rawPC, "raw-pc", "0", false, "show literal PC values")
	c.Flags().StringVar(&opts.source, "source", "", "source `name` to show in debug information instead of filename")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.inputFilenames = args
		return run(cmd.Context(), opts)
	}
	return c
}

func run(ctx context.Context, opts *options) error {
	protos := make([]*luacode.Prototype, len(opts.inputFilenames))
	grp, grpCtx := errgroup.WithContext(ctx)
	for i, fname := range opts.inputFilenames {
		grp.Go(func() error {
			if err := grpCtx.Err(); err != nil {
				return err
			}
			log.Debugf(grpCtx, "compiling %s", fname)
			proto, err := compileFile(fname, opts.source)
			if err != nil {
				return err
			}
			protos[i] = proto
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	proto := combine(protos)

	if opts.list > 0 || opts.jsonListing {
		functionNames := make(map[*luacode.Prototype]string)
		nameFunctions(functionNames, proto)
		pcBase := 0
		if !opts.rawPC {
			pcBase = 1
		}
		if opts.jsonListing {
			if err := printJSON(os.Stdout, proto, functionNames, pcBase); err != nil {
				return err
			}
		} else if err := printFunction(proto, functionNames, pcBase, opts.list > 1); err != nil {
			return err
		}
	}

	if opts.parseOnly {
		return nil
	}
	d := luacode.Dumper{
		StripDebug: opts.stripDebug,
		FloatsOnly: opts.floatNumbers,
		ByteOrder:  opts.byteOrder.order,
	}
	output, err := d.Dump(nil, proto)
	if err != nil {
		return err
	}
	if opts.outputFilename == "-" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("refusing to write binary chunk to a terminal (use -o to name a file)")
		}
		_, err := os.Stdout.Write(output)
		return err
	}
	return os.WriteFile(opts.outputFilename, output, 0o666)
}

// compileFile parses a single source file,
// or loads it directly if it is already a binary chunk.
// "-" names standard input.
func compileFile(filename, sourceOverride string) (*luacode.Prototype, error) {
	var br *bufio.Reader
	var sourceName luacode.Source
	if filename == "-" {
		br = bufio.NewReader(os.Stdin)
		sourceName = luacode.AbstractSource("stdin")
	} else {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		br = bufio.NewReader(f)
		sourceName = luacode.FilenameSource(filename)
	}
	if sourceOverride != "" {
		sourceName = luacode.Source(sourceOverride)
	}

	if header, _ := br.Peek(len(luacode.Signature)); string(header) == luacode.Signature {
		bytecode, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		proto := new(luacode.Prototype)
		if err := proto.UnmarshalBinary(bytecode); err != nil {
			return nil, err
		}
		return proto, nil
	}
	return luacode.Parse(sourceName, br)
}

// combine wraps multiple main chunks into a single chunk
// whose main function instantiates and calls each one in order.
func combine(protos []*luacode.Prototype) *luacode.Prototype {
	if len(protos) == 1 {
		return protos[0]
	}
	combined := &luacode.Prototype{
		Source:       luacode.AbstractSource("lunac"),
		IsVararg:     true,
		MaxStackSize: 2,
		Functions:    protos,
	}
	for i := range protos {
		combined.Code = append(combined.Code,
			luacode.ABxInstruction(luacode.OpClosure, 0, int32(i)),
			luacode.ABCInstruction(luacode.OpCall, 0, 1, 1),
		)
	}
	combined.Code = append(combined.Code, luacode.ABCInstruction(luacode.OpReturn, 0, 1, 0))
	return combined
}

func printFunction(f *luacode.Prototype, functionNames map[*luacode.Prototype]string, pcBase int, full bool) error {
	ifElse := func(b bool, t, f string) string {
		if b {
			return t
		} else {
			return f
		}
	}
	plural := func(n int, unit string, unitPlural string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %s", n, unitPlural)
	}
	pluralUnit := func(n int, unit string, unitPlural string) string {
		if n == 1 {
			return unit
		}
		return unitPlural
	}
	_, err := fmt.Printf(
		"\n%s <%s:%d,%d> (%s for %s)\n",
		ifElse(f.IsMainChunk(), "main", "function"),
		sourceName(f.Source),
		f.LineDefined,
		f.LastLineDefined,
		plural(len(f.Code), "instruction", "instructions"),
		functionNames[f],
	)
	if err != nil {
		return err
	}

	_, err = fmt.Printf(
		"%d%s %s, %s, %s, %s, %s, %s\n",
		f.NumParams,
		ifElse(f.IsVararg, "+", ""),
		pluralUnit(int(f.NumParams), "param", "params"),
		plural(int(f.MaxStackSize), "slot", "slots"),
		plural(len(f.Upvalues), "upvalue", "upvalues"),
		plural(len(f.LocalVariables), "local", "locals"),
		plural(len(f.Constants), "constant", "constants"),
		plural(len(f.Functions), "function", "functions"),
	)
	if err != nil {
		return err
	}

	lineBuf := new(bytes.Buffer)
	rawWord := false
	for pc, i := range f.Code {
		lineBuf.Reset()
		fmt.Fprintf(lineBuf, "\t%d\t", pcBase+pc)
		if pc < len(f.LineInfo) {
			fmt.Fprintf(lineBuf, "[%d]\t", f.LineInfo[pc])
		} else {
			lineBuf.WriteString("[-]\t")
		}
		if rawWord {
			// The word after a SETLIST with C == 0 is a batch number,
			// not an instruction.
			fmt.Fprintf(lineBuf, "%d", uint32(i))
			rawWord = false
		} else {
			lineBuf.WriteString(i.String())
			writeComment(lineBuf, f, functionNames, pcBase, pc, i)
			if i.OpCode() == luacode.OpSetList && i.ArgC() == 0 {
				rawWord = true
			}
		}

		lineBuf.WriteByte('\n')
		if _, err := os.Stdout.Write(lineBuf.Bytes()); err != nil {
			return err
		}
	}

	if full {
		if _, err := fmt.Printf("constants (%d) for %s\n", len(f.Constants), functionNames[f]); err != nil {
			return err
		}
		for i, k := range f.Constants {
			lineBuf.Reset()
			fmt.Fprintf(lineBuf, "\t%d\t", i)
			lineBuf.WriteString(constantTag(k))
			lineBuf.WriteString("\t")
			lineBuf.WriteString(k.String())
			lineBuf.WriteByte('\n')
			if _, err := os.Stdout.Write(lineBuf.Bytes()); err != nil {
				return err
			}
		}

		if _, err := fmt.Printf("locals (%d) for %s\n", len(f.LocalVariables), functionNames[f]); err != nil {
			return err
		}
		for i, v := range f.LocalVariables {
			_, err := fmt.Printf(
				"\t%d\t%s\t%d\t%d\n",
				i,
				v.Name,
				pcBase+v.StartPC,
				pcBase+v.EndPC,
			)
			if err != nil {
				return err
			}
		}

		if _, err := fmt.Printf("upvalues (%d) for %s\n", len(f.Upvalues), functionNames[f]); err != nil {
			return err
		}
		for i, uv := range f.Upvalues {
			inStack := "0"
			if uv.InStack {
				inStack = "1"
			}
			_, err := fmt.Printf(
				"\t%d\t%s\t%s\t%d\n",
				i,
				uv.Name,
				inStack,
				uv.Index,
			)
			if err != nil {
				return err
			}
		}
	}

	for _, f := range f.Functions {
		if err := printFunction(f, functionNames, pcBase, full); err != nil {
			return err
		}
	}

	return nil
}

func sourceName(source luacode.Source) string {
	if s, ok := source.Abstract(); ok {
		return s
	}
	if s, ok := source.Filename(); ok {
		return s
	}
	if strings.HasPrefix(string(source), luacode.Signature[:1]) {
		return "(bstring)"
	}
	return "(string)"
}

// writeComment appends the "\t; ..." context for instructions
// that reference constants, child functions, or jump targets.
func writeComment(buf *bytes.Buffer, f *luacode.Prototype, functionNames map[*luacode.Prototype]string, pcBase, pc int, i luacode.Instruction) {
	writeConstant := func(prefix string, rk uint16) string {
		if k := int(luacode.ConstantIndex(rk)); k < len(f.Constants) {
			fmt.Fprintf(buf, "%s%v", prefix, f.Constants[k])
		}
		return " "
	}
	switch i.OpCode() {
	case luacode.OpLoadK, luacode.OpGetGlobal, luacode.OpSetGlobal:
		if bx := int(i.ArgBx()); 0 <= bx && bx < len(f.Constants) {
			fmt.Fprintf(buf, "\t; %v", f.Constants[bx])
		}
	case luacode.OpClosure:
		if bx := int(i.ArgBx()); 0 <= bx && bx < len(f.Functions) {
			fmt.Fprintf(buf, "\t; %s", functionNames[f.Functions[bx]])
		}
	case luacode.OpJMP, luacode.OpForPrep, luacode.OpForLoop:
		fmt.Fprintf(buf, "\t; to %d", pcBase+pc+1+int(i.ArgBx()))
	case luacode.OpGetTable, luacode.OpSelf:
		if c := i.ArgC(); luacode.IsConstant(c) {
			writeConstant("\t; ", c)
		}
	case luacode.OpSetTable,
		luacode.OpAdd, luacode.OpSub, luacode.OpMul,
		luacode.OpDiv, luacode.OpMod, luacode.OpPow,
		luacode.OpEQ, luacode.OpLT, luacode.OpLE:
		b, c := i.ArgB(), i.ArgC()
		if !luacode.IsConstant(b) && !luacode.IsConstant(c) {
			break
		}
		prefix := "\t; "
		if luacode.IsConstant(b) {
			prefix = writeConstant(prefix, b)
		}
		if luacode.IsConstant(c) {
			writeConstant(prefix, c)
		}
	}
}

func constantTag(k luacode.Value) string {
	switch {
	case k.IsNil():
		return "N"
	case k.IsBoolean():
		return "B"
	case k.IsInteger():
		return "I"
	case k.IsNumber():
		return "F"
	case k.IsString():
		return "S"
	default:
		return "?"
	}
}

func nameFunctions(names map[*luacode.Prototype]string, f *luacode.Prototype) {
	base := names[f]
	isTop := base == ""
	if isTop {
		if f.IsMainChunk() {
			base = "main"
		} else {
			base = "top"
		}
		names[f] = base
	}

	for i, f := range f.Functions {
		var name string
		if isTop {
			name = fmt.Sprintf("F[%d]", i)
		} else {
			name = fmt.Sprintf("%s[%d]", base, i)
		}
		names[f] = name
		nameFunctions(names, f)
	}
}

// byteOrderFlag is a [pflag.Value] that selects a binary chunk byte order.
// The zero value leaves the choice to [luacode.Dumper].
type byteOrderFlag struct {
	order binary.ByteOrder
}

var _ pflag.Value = (*byteOrderFlag)(nil)

func (f *byteOrderFlag) Type() string { return "order" }

func (f *byteOrderFlag) String() string {
	switch f.order {
	case nil:
		return ""
	case binary.ByteOrder(binary.LittleEndian):
		return "little"
	case binary.ByteOrder(binary.BigEndian):
		return "big"
	default:
		return f.order.String()
	}
}

func (f *byteOrderFlag) Set(s string) error {
	switch s {
	case "little":
		f.order = binary.LittleEndian
	case "big":
		f.order = binary.BigEndian
	default:
		return fmt.Errorf("invalid byte order %q (must be \"little\" or \"big\")", s)
	}
	return nil
}
