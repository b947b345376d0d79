// Copyright (C) 1994-2012 Lua.org, PUC-Rio.
// Copyright 2025 The lunac Authors
// SPDX-License-Identifier: MIT

package luacode

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/moonhollow/lunac/lualex"
)

// minStackSize is the initial register count for any function.
// Registers 0/1 are always valid.
const minStackSize = 2

// depthLimit is the maximum amount of recursion the parser permits
// while parsing nested statements and expressions.
const depthLimit = 200

// Parse converts the Lua source code read from r
// into virtual machine bytecode.
// The name is used in error messages and debug information.
func Parse(name Source, r io.ByteScanner) (*Prototype, error) {
	p := &parser{
		ls:       lualex.NewScanner(r),
		lastLine: 1,
	}
	fs := p.openFunction(nil, &Prototype{
		Source: name,
		// The main chunk is always a vararg function.
		IsVararg: true,
	})

	p.advance() // read first token
	if err := p.statementList(fs); err != nil {
		if scanError := p.scanError(name); scanError != nil {
			return nil, scanError
		}
		return nil, err
	}
	if p.curr.Kind != lualex.ErrorToken {
		return nil, syntaxError(name, p.curr, "'<eof>' expected")
	}
	if scanError := p.scanError(name); scanError != nil {
		return nil, scanError
	}
	if err := p.closeFunction(fs); err != nil {
		return nil, err
	}
	return fs.Prototype, nil
}

// parser holds the state of a [Parse] call.
type parser struct {
	ls   *lualex.Scanner
	curr lualex.Token
	// next is a single token of lookahead filled in by [parser.peek].
	next *lualex.Token
	// err is the error returned by the last call to [lualex.Scanner.Scan].
	err error
	// lastLine is the line number of the previous token.
	lastLine int
	// depth is incremented for every nested statement or expression
	// and compared against [depthLimit].
	depth int

	// activeVariables is the list of all active local variables,
	// ordered by function, then declaration.
	activeVariables []variableDescription
	// pendingGotos is the list of gotos (and breaks)
	// that have not been matched to a label yet.
	pendingGotos []labelDescription
	// labels is the list of labels that are visible to the statement
	// currently being parsed.
	labels []labelDescription
}

// variableDescription is the parser's information about a local variable.
type variableDescription struct {
	name string
	kind VariableKind
	// ridx is the register holding the variable.
	ridx registerIndex
	// pidx is the index of the variable in the Prototype's LocalVariables slice.
	pidx uint16
	// k is the constant value, if kind is [CompileTimeConstant].
	k Value
}

// labelDescription is the parser's information about a label
// or a pending goto.
type labelDescription struct {
	name     string
	position lualex.Position
	// pc is the position of the label in the code
	// or the pc of the pending jump for a goto.
	pc int
	// numActiveVariables is the number of active variables at the label
	// or the goto statement.
	numActiveVariables uint8
	// close is true if a pending goto jumps out of the scope
	// of a variable captured as an upvalue.
	close bool
}

// lhsAssign is a chain of expressions on the left-hand side
// of a multiple assignment statement.
type lhsAssign struct {
	prev *lhsAssign
	v    expDesc
}

// advance reads the next token into p.curr.
func (p *parser) advance() {
	if p.curr.Position.IsValid() {
		p.lastLine = p.curr.Position.Line
	}
	if p.next != nil {
		p.curr = *p.next
		p.next = nil
		return
	}
	if p.err != nil {
		p.curr = lualex.Token{}
		return
	}
	p.curr, p.err = p.ls.Scan()
}

// peek returns the token after p.curr without consuming it.
func (p *parser) peek() lualex.Token {
	if p.next == nil {
		var tok lualex.Token
		if p.err == nil {
			tok, p.err = p.ls.Scan()
			if p.err != nil {
				tok = lualex.Token{}
			}
		}
		p.next = &tok
	}
	return *p.next
}

// testNext consumes the current token if it matches the given kind.
func (p *parser) testNext(kind lualex.TokenKind) bool {
	if p.curr.Kind != kind {
		return false
	}
	p.advance()
	return true
}

// checkNext verifies that the current token matches the given kind
// and consumes it.
func (p *parser) checkNext(fs *funcState, kind lualex.TokenKind) error {
	if p.curr.Kind != kind {
		return syntaxError(fs.Source, p.curr, fmt.Sprintf("'%v' expected", kind))
	}
	p.advance()
	return nil
}

// checkMatch consumes the closing token of a construct
// that was opened by the given token at the given position.
func (p *parser) checkMatch(fs *funcState, start lualex.Position, open, close lualex.TokenKind) error {
	if p.curr.Kind == close {
		p.advance()
		return nil
	}
	msg := fmt.Sprintf("'%v' expected", close)
	if p.curr.Position.Line != start.Line {
		msg = fmt.Sprintf("'%v' expected (to close '%v' at line %d)", close, open, start.Line)
	}
	return syntaxError(fs.Source, p.curr, msg)
}

// name parses a single identifier.
func (p *parser) name(fs *funcState) (string, error) {
	if p.curr.Kind != lualex.IdentifierToken {
		return "", syntaxError(fs.Source, p.curr, "name expected")
	}
	name := p.curr.Value
	p.advance()
	return name, nil
}

// scanError converts a pending scanner error (other than end-of-input)
// into a [SyntaxError].
func (p *parser) scanError(source Source) error {
	if p.err == nil || errors.Is(p.err, io.EOF) {
		return nil
	}
	return &SyntaxError{
		Source:  source,
		Line:    p.lastLine,
		Message: p.err.Error(),
	}
}

// checkLimit returns a [LimitError] if v exceeds the given limit.
func (p *parser) checkLimit(fs *funcState, v, limit int, what string) error {
	if v > limit {
		return fs.limitError(what, limit)
	}
	return nil
}

func syntaxError(source Source, token lualex.Token, msg string) error {
	if token.Kind != lualex.ErrorToken || token.Position.IsValid() {
		msg = fmt.Sprintf("%s near '%v'", msg, token)
	}
	return &SyntaxError{
		Source:  source,
		Line:    token.Position.Line,
		Message: msg,
	}
}

// Function and block bookkeeping.

// openFunction creates a new [funcState] for the given prototype
// and enters its top-level block.
func (p *parser) openFunction(prev *funcState, f *Prototype) *funcState {
	if f.MaxStackSize < minStackSize {
		f.MaxStackSize = minStackSize
	}
	fs := &funcState{
		Prototype:  f,
		prev:       prev,
		firstLocal: len(p.activeVariables),
		firstLabel: len(p.labels),
	}
	p.enterBlock(fs, false)
	return fs
}

// closeFunction finalizes the function being compiled:
// it appends the final return, leaves the top-level block,
// and runs the peephole pass over the generated code.
func (p *parser) closeFunction(fs *funcState) error {
	p.codeReturn(fs, 0, 0) // final return
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	if err := fs.finish(); err != nil {
		return err
	}
	fs.Code = slices.Clip(fs.Code)
	fs.Constants = slices.Clip(fs.Constants)
	fs.Functions = slices.Clip(fs.Functions)
	fs.Upvalues = slices.Clip(fs.Upvalues)
	fs.LineInfo = slices.Clip(fs.LineInfo)
	fs.LocalVariables = slices.Clip(fs.LocalVariables)
	return nil
}

// enterBlock pushes a new block onto the function's block list.
func (p *parser) enterBlock(fs *funcState, isLoop bool) *blockControl {
	bl := &blockControl{
		isLoop:             isLoop,
		numActiveVariables: fs.numActiveVariables,
		firstLabel:         len(p.labels),
		firstGoto:          len(p.pendingGotos),
		prev:               fs.blocks,
	}
	fs.blocks = bl
	return bl
}

// leaveBlock pops the current block from the function's block list,
// removing its variables and labels
// and resolving (or re-homing) any pending gotos.
func (p *parser) leaveBlock(fs *funcState) error {
	bl := fs.blocks
	// Level outside the block.
	stackLevel := p.registerLevel(fs, int(bl.numActiveVariables))
	p.removeVariables(fs, int(bl.numActiveVariables))

	hasClose := false
	if bl.isLoop {
		// A loop block defines the "break" label.
		var err error
		hasClose, err = p.createLabel(fs, "break", lualex.Position{Line: p.lastLine}, false)
		if err != nil {
			return err
		}
	}
	if !hasClose && bl.prev != nil && bl.upval {
		p.code(fs, ABCInstruction(OpClose, uint8(stackLevel), 0, 0))
	}
	fs.firstFreeRegister = stackLevel
	p.labels = p.labels[:bl.firstLabel]
	fs.blocks = bl.prev
	if bl.prev != nil {
		// Nested block: update pending gotos to the enclosing block.
		p.moveGotosOut(fs, bl)
	} else if bl.firstGoto < len(p.pendingGotos) {
		gt := p.pendingGotos[bl.firstGoto]
		msg := fmt.Sprintf("no visible label '%s' for goto", gt.name)
		if gt.name == "break" {
			msg = "break outside loop"
		}
		return &SyntaxError{Source: fs.Source, Line: gt.position.Line, Message: msg}
	}
	p.activeVariables = p.activeVariables[:fs.firstLocal+int(fs.numActiveVariables)]
	return nil
}

// moveGotosOut adjusts pending gotos to refer to the enclosing block
// after the block bl has been left.
func (p *parser) moveGotosOut(fs *funcState, bl *blockControl) {
	blockLevel := p.registerLevel(fs, int(bl.numActiveVariables))
	for i := bl.firstGoto; i < len(p.pendingGotos); i++ {
		gt := &p.pendingGotos[i]
		if p.registerLevel(fs, int(gt.numActiveVariables)) > blockLevel {
			if bl.upval {
				// The goto jumps out of the scope of a captured variable.
				gt.close = true
			}
			gt.numActiveVariables = bl.numActiveVariables
		}
	}
}

// createLabel adds a new label at the current code position
// and resolves any pending gotos to it.
// If last is true, the label is the last no-op statement in its block
// and local variables declared in the block are already out of scope.
// createLabel reports whether it appended an [OpClose] instruction.
func (p *parser) createLabel(fs *funcState, name string, pos lualex.Position, last bool) (addedClose bool, err error) {
	n := fs.numActiveVariables
	if last {
		n = fs.blocks.numActiveVariables
	}
	p.labels = append(p.labels, labelDescription{
		name:               name,
		position:           pos,
		numActiveVariables: n,
		pc:                 fs.label(),
	})
	needsClose, err := p.solveGotos(fs, &p.labels[len(p.labels)-1])
	if err != nil {
		return false, err
	}
	if needsClose {
		// Some goto jumps out of the scope of a captured variable.
		p.code(fs, ABCInstruction(OpClose, uint8(p.numVariablesInStack(fs)), 0, 0))
		return true, nil
	}
	return false, nil
}

// solveGotos resolves all the pending gotos in the current block
// that match the given label.
// solveGotos reports whether any of the resolved gotos
// need to close upvalues.
func (p *parser) solveGotos(fs *funcState, lb *labelDescription) (needsClose bool, err error) {
	i := fs.blocks.firstGoto
	for i < len(p.pendingGotos) {
		if p.pendingGotos[i].name != lb.name {
			i++
			continue
		}
		needsClose = needsClose || p.pendingGotos[i].close
		if err := p.solveGoto(fs, i, lb); err != nil {
			return needsClose, err
		}
	}
	return needsClose, nil
}

// solveGoto patches the pending goto at index g in p.pendingGotos
// to jump to the given label
// and removes it from the pending list.
func (p *parser) solveGoto(fs *funcState, g int, lb *labelDescription) error {
	gt := p.pendingGotos[g]
	if gt.numActiveVariables < lb.numActiveVariables {
		vd := p.localVariableDescription(fs, int(gt.numActiveVariables))
		return &SyntaxError{
			Source:  fs.Source,
			Line:    gt.position.Line,
			Message: fmt.Sprintf("<goto %s> jumps into the scope of local '%s'", gt.name, vd.name),
		}
	}
	if err := fs.patchList(gt.pc, lb.pc, noRegister, lb.pc); err != nil {
		return err
	}
	p.pendingGotos = slices.Delete(p.pendingGotos, g, g+1)
	return nil
}

// findLabel searches for an active label with the given name.
// A label is visible from any block nested inside the block that declares it,
// so the search covers the whole function, not just the current block.
func (p *parser) findLabel(fs *funcState, name string) *labelDescription {
	for i := fs.firstLabel; i < len(p.labels); i++ {
		if p.labels[i].name == name {
			return &p.labels[i]
		}
	}
	return nil
}

// Local variable bookkeeping.

// newLocalVariable registers a new local variable with the given name,
// returning the variable's index in the function.
func (p *parser) newLocalVariable(fs *funcState, name string, kind VariableKind) (int, error) {
	if err := p.checkLimit(fs, len(p.activeVariables)+1-fs.firstLocal, maxVariables, "local variables"); err != nil {
		return 0, err
	}
	p.activeVariables = append(p.activeVariables, variableDescription{
		name: name,
		kind: kind,
	})
	return len(p.activeVariables) - 1 - fs.firstLocal, nil
}

// localVariableDescription returns the description of the vidx'th variable
// of the given function.
func (p *parser) localVariableDescription(fs *funcState, vidx int) *variableDescription {
	return &p.activeVariables[fs.firstLocal+vidx]
}

// adjustLocalVariables starts the scope for the last nVars declared variables,
// assigning them registers and recording debug information.
func (p *parser) adjustLocalVariables(fs *funcState, nVars int) {
	registerLevel := p.numVariablesInStack(fs)
	for i := 0; i < nVars; i++ {
		vidx := int(fs.numActiveVariables)
		fs.numActiveVariables++
		vd := p.localVariableDescription(fs, vidx)
		vd.ridx = registerLevel
		registerLevel++
		vd.pidx = uint16(len(fs.LocalVariables))
		fs.LocalVariables = append(fs.LocalVariables, LocalVariable{
			Name:    vd.name,
			StartPC: len(fs.Code),
		})
	}
}

// removeVariables closes the scope for all variables
// up to the given function-relative level.
// The caller is responsible for truncating p.activeVariables.
func (p *parser) removeVariables(fs *funcState, toLevel int) {
	pc := len(fs.Code)
	for int(fs.numActiveVariables) > toLevel {
		fs.numActiveVariables--
		if v := p.localDebugInfo(fs, int(fs.numActiveVariables)); v != nil {
			v.EndPC = pc
		}
	}
}

// localDebugInfo returns the debug information for the vidx'th variable
// of the given function,
// or nil if the variable has no debug information
// (i.e. it is a compile-time constant).
func (p *parser) localDebugInfo(fs *funcState, vidx int) *LocalVariable {
	vd := p.localVariableDescription(fs, vidx)
	if vd.kind == CompileTimeConstant {
		// Constants don't have debug information.
		return nil
	}
	return &fs.LocalVariables[vd.pidx]
}

// registerLevel converts a variable count to its corresponding register level.
// Variables folded into compile-time constants do not occupy registers.
func (p *parser) registerLevel(fs *funcState, nvar int) registerIndex {
	for nvar > 0 {
		nvar--
		vd := p.localVariableDescription(fs, nvar)
		if vd.kind != CompileTimeConstant {
			return vd.ridx + 1
		}
	}
	return 0
}

// numVariablesInStack returns the number of variables in the register stack
// for the given function.
func (p *parser) numVariablesInStack(fs *funcState) registerIndex {
	return p.registerLevel(fs, int(fs.numActiveVariables))
}

// searchVariable looks for an active variable with the given name
// in the given function.
func (p *parser) searchVariable(fs *funcState, name string) expDesc {
	for i := int(fs.numActiveVariables) - 1; i >= 0; i-- {
		vd := p.localVariableDescription(fs, i)
		if vd.name != name {
			continue
		}
		if vd.kind == CompileTimeConstant {
			return newConstLocalExpDesc(fs.firstLocal + i)
		}
		return newLocalExpDesc(vd.ridx, uint16(i))
	}
	return voidExpDesc()
}

// resolveName finds the variable with the given name,
// walking up the chain of enclosing functions
// and creating upvalues as needed.
// If the name does not resolve to a variable or an upvalue,
// resolveName returns a void expression
// (meaning the name denotes a global).
func (p *parser) resolveName(fs *funcState, name string, base bool) (expDesc, error) {
	if fs == nil {
		// No more levels: name is a global.
		return voidExpDesc(), nil
	}
	if v := p.searchVariable(fs, name); v.kind != expKindVoid {
		if v.kind == expKindLocal && !base {
			// The local will be used as an upvalue.
			fs.markUpvalue(v.localIndex(0))
		}
		return v, nil
	}
	if idx, found := fs.searchUpvalue(name); found {
		return newUpvalExpDesc(idx), nil
	}

	// Not found locally; try the enclosing function.
	v, err := p.resolveName(fs.prev, name, false)
	if err != nil {
		return voidExpDesc(), err
	}
	var ud UpvalueDescriptor
	switch v.kind {
	case expKindLocal:
		ud = UpvalueDescriptor{
			Name:    name,
			InStack: true,
			Index:   uint8(v.register()),
		}
	case expKindUpval:
		ud = UpvalueDescriptor{
			Name:    name,
			InStack: false,
			Index:   uint8(v.upvalueIndex()),
		}
	default:
		// A global or a compile-time constant needs no upvalue.
		return v, nil
	}
	if len(fs.Upvalues) >= maxUpvalues {
		return voidExpDesc(), fs.limitError("upvalues", maxUpvalues)
	}
	fs.Upvalues = append(fs.Upvalues, ud)
	return newUpvalExpDesc(upvalueIndex(len(fs.Upvalues) - 1)), nil
}

// singleVariable parses a name and resolves it to a variable expression.
func (p *parser) singleVariable(fs *funcState) (expDesc, error) {
	name, err := p.name(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	v, err := p.resolveName(fs, name, true)
	if err != nil {
		return voidExpDesc(), err
	}
	if v.kind == expKindVoid {
		// Global name: the access goes through the constant table.
		k, err := fs.constantIndex(StringValue(name))
		if err != nil {
			return voidExpDesc(), err
		}
		return newGlobalExpDesc(k), nil
	}
	return v, nil
}

// Statements.

// isBlockFollow reports whether the given token kind ends a block.
func isBlockFollow(kind lualex.TokenKind, withUntil bool) bool {
	switch kind {
	case lualex.ElseToken, lualex.ElseifToken, lualex.EndToken, lualex.ErrorToken:
		return true
	case lualex.UntilToken:
		return withUntil
	default:
		return false
	}
}

// statementList parses zero or more statements
// until the end of the enclosing block.
func (p *parser) statementList(fs *funcState) error {
	for !isBlockFollow(p.curr.Kind, true) {
		if p.curr.Kind == lualex.ReturnToken {
			// A return must be the last statement.
			return p.statement(fs)
		}
		if err := p.statement(fs); err != nil {
			return err
		}
	}
	return nil
}

// block parses a statement list inside its own scope.
func (p *parser) block(fs *funcState) error {
	p.enterBlock(fs, false)
	if err := p.statementList(fs); err != nil {
		return err
	}
	return p.leaveBlock(fs)
}

func (p *parser) statement(fs *funcState) error {
	p.depth++
	defer func() { p.depth-- }()
	if err := p.checkLimit(fs, p.depth, depthLimit, "syntax levels"); err != nil {
		return err
	}

	switch p.curr.Kind {
	case lualex.SemiToken:
		p.advance()
	case lualex.IfToken:
		if err := p.ifStatement(fs); err != nil {
			return err
		}
	case lualex.WhileToken:
		if err := p.whileStatement(fs); err != nil {
			return err
		}
	case lualex.DoToken:
		start := p.curr.Position
		p.advance()
		if err := p.block(fs); err != nil {
			return err
		}
		if err := p.checkMatch(fs, start, lualex.DoToken, lualex.EndToken); err != nil {
			return err
		}
	case lualex.ForToken:
		if err := p.forStatement(fs); err != nil {
			return err
		}
	case lualex.RepeatToken:
		if err := p.repeatStatement(fs); err != nil {
			return err
		}
	case lualex.FunctionToken:
		if err := p.functionStatement(fs); err != nil {
			return err
		}
	case lualex.LocalToken:
		p.advance()
		if p.curr.Kind == lualex.FunctionToken {
			if err := p.localFunctionStatement(fs); err != nil {
				return err
			}
		} else {
			if err := p.localStatement(fs); err != nil {
				return err
			}
		}
	case lualex.LabelToken:
		if err := p.labelStatement(fs); err != nil {
			return err
		}
	case lualex.ReturnToken:
		p.advance()
		if err := p.returnStatement(fs); err != nil {
			return err
		}
	case lualex.BreakToken:
		if err := p.breakStatement(fs); err != nil {
			return err
		}
	case lualex.GotoToken:
		if err := p.gotoStatement(fs); err != nil {
			return err
		}
	default:
		if err := p.expressionStatement(fs); err != nil {
			return err
		}
	}

	if int(fs.firstFreeRegister) < int(p.numVariablesInStack(fs)) {
		return fmt.Errorf("internal error: free register (%d) below number of active variables (%d)",
			fs.firstFreeRegister, p.numVariablesInStack(fs))
	}
	// Free the registers used by the statement.
	fs.firstFreeRegister = p.numVariablesInStack(fs)
	return nil
}

// condition parses a condition expression
// and returns its "false" jump list.
func (p *parser) condition(fs *funcState) (int, error) {
	e, err := p.expression(fs)
	if err != nil {
		return noJump, err
	}
	if e.kind == expKindNil {
		// nil is false.
		e.kind = expKindFalse
	}
	e, err = p.codeGoIfTrue(fs, e)
	if err != nil {
		return noJump, err
	}
	return e.f, nil
}

// testThenBlock parses the condition and body
// of an "if" or "elseif" clause,
// returning the jump list for a false condition.
func (p *parser) testThenBlock(fs *funcState) (int, error) {
	p.advance() // skip "if" or "elseif"
	condExit, err := p.condition(fs)
	if err != nil {
		return noJump, err
	}
	if err := p.checkNext(fs, lualex.ThenToken); err != nil {
		return noJump, err
	}
	if err := p.block(fs); err != nil {
		return noJump, err
	}
	return condExit, nil
}

func (p *parser) ifStatement(fs *funcState) error {
	start := p.curr.Position
	// escapeList exits finished parts.
	escapeList := noJump

	condExit, err := p.testThenBlock(fs)
	if err != nil {
		return err
	}
	for p.curr.Kind == lualex.ElseifToken {
		escapeList, err = fs.concatJumpList(escapeList, p.codeJump(fs))
		if err != nil {
			return err
		}
		if err := fs.patchToHere(condExit); err != nil {
			return err
		}
		condExit, err = p.testThenBlock(fs)
		if err != nil {
			return err
		}
	}
	if p.curr.Kind == lualex.ElseToken {
		escapeList, err = fs.concatJumpList(escapeList, p.codeJump(fs))
		if err != nil {
			return err
		}
		if err := fs.patchToHere(condExit); err != nil {
			return err
		}
		p.advance() // skip "else"
		if err := p.block(fs); err != nil {
			return err
		}
	} else {
		escapeList, err = fs.concatJumpList(escapeList, condExit)
		if err != nil {
			return err
		}
	}
	if err := p.checkMatch(fs, start, lualex.IfToken, lualex.EndToken); err != nil {
		return err
	}
	return fs.patchToHere(escapeList)
}

func (p *parser) whileStatement(fs *funcState) error {
	start := p.curr.Position
	p.advance() // skip "while"

	top := fs.label()
	condExit, err := p.condition(fs)
	if err != nil {
		return err
	}
	p.enterBlock(fs, true)
	if err := p.checkNext(fs, lualex.DoToken); err != nil {
		return err
	}
	if err := p.block(fs); err != nil {
		return err
	}
	backJump := p.codeJump(fs)
	if err := fs.patchList(backJump, top, noRegister, top); err != nil {
		return err
	}
	if err := p.checkMatch(fs, start, lualex.WhileToken, lualex.EndToken); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	// A false condition finishes the loop.
	return fs.patchToHere(condExit)
}

func (p *parser) repeatStatement(fs *funcState) error {
	start := p.curr.Position
	top := fs.label()
	p.enterBlock(fs, true) // loop block
	scopeBlock := p.enterBlock(fs, false)
	p.advance() // skip "repeat"
	if err := p.statementList(fs); err != nil {
		return err
	}
	if err := p.checkMatch(fs, start, lualex.RepeatToken, lualex.UntilToken); err != nil {
		return err
	}
	// The condition can refer to the loop body's locals.
	condExit, err := p.condition(fs)
	if err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	if scopeBlock.upval {
		// The loop body declared upvalues:
		// close them both when the loop exits and when it repeats.
		exit := p.codeJump(fs)
		if err := fs.patchToHere(condExit); err != nil {
			return err
		}
		p.code(fs, ABCInstruction(OpClose, uint8(p.registerLevel(fs, int(scopeBlock.numActiveVariables))), 0, 0))
		condExit = p.codeJump(fs)
		if err := fs.patchToHere(exit); err != nil {
			return err
		}
	}
	// A false condition repeats the loop.
	if err := fs.patchList(condExit, top, noRegister, top); err != nil {
		return err
	}
	return p.leaveBlock(fs)
}

func (p *parser) forStatement(fs *funcState) error {
	start := p.curr.Position
	p.enterBlock(fs, true) // block to control variable scope
	p.advance()            // skip "for"
	varName, err := p.name(fs)
	if err != nil {
		return err
	}
	switch p.curr.Kind {
	case lualex.AssignToken:
		if err := p.numericForStatement(fs, varName, start); err != nil {
			return err
		}
	case lualex.CommaToken, lualex.InToken:
		if err := p.genericForStatement(fs, varName, start); err != nil {
			return err
		}
	default:
		return syntaxError(fs.Source, p.curr, "'=' or 'in' expected")
	}
	if err := p.checkMatch(fs, start, lualex.ForToken, lualex.EndToken); err != nil {
		return err
	}
	return p.leaveBlock(fs)
}

// expr1 parses an expression and forces it into the next register.
func (p *parser) expr1(fs *funcState) error {
	e, err := p.expression(fs)
	if err != nil {
		return err
	}
	_, _, err = p.exp2nextReg(fs, e)
	return err
}

func (p *parser) numericForStatement(fs *funcState, varName string, start lualex.Position) error {
	base := fs.firstFreeRegister
	for _, name := range [...]string{"(for index)", "(for limit)", "(for step)"} {
		if _, err := p.newLocalVariable(fs, name, RegularVariable); err != nil {
			return err
		}
	}
	if _, err := p.newLocalVariable(fs, varName, RegularVariable); err != nil {
		return err
	}

	if err := p.checkNext(fs, lualex.AssignToken); err != nil {
		return err
	}
	if err := p.expr1(fs); err != nil { // initial value
		return err
	}
	if err := p.checkNext(fs, lualex.CommaToken); err != nil {
		return err
	}
	if err := p.expr1(fs); err != nil { // limit
		return err
	}
	if p.testNext(lualex.CommaToken) {
		if err := p.expr1(fs); err != nil { // step
			return err
		}
	} else {
		// Default step of 1.
		k, err := fs.constantIndex(IntegerValue(1))
		if err != nil {
			return err
		}
		p.codeConstant(fs, fs.firstFreeRegister, k)
		if err := fs.reserveRegisters(1); err != nil {
			return err
		}
	}
	return p.forBody(fs, base, start.Line, 1, true)
}

func (p *parser) genericForStatement(fs *funcState, varName string, start lualex.Position) error {
	base := fs.firstFreeRegister
	for _, name := range [...]string{"(for generator)", "(for state)", "(for control)"} {
		if _, err := p.newLocalVariable(fs, name, RegularVariable); err != nil {
			return err
		}
	}
	if _, err := p.newLocalVariable(fs, varName, RegularVariable); err != nil {
		return err
	}
	nVars := 1
	for p.testNext(lualex.CommaToken) {
		name, err := p.name(fs)
		if err != nil {
			return err
		}
		if _, err := p.newLocalVariable(fs, name, RegularVariable); err != nil {
			return err
		}
		nVars++
	}
	if err := p.checkNext(fs, lualex.InToken); err != nil {
		return err
	}
	line := p.lastLine
	n, e, err := p.expressionList(fs)
	if err != nil {
		return err
	}
	if err := p.adjustAssignment(fs, 3, n, e); err != nil {
		return err
	}
	// Extra space for the iterator call.
	if err := fs.checkStack(3); err != nil {
		return err
	}
	return p.forBody(fs, base, line, nVars, false)
}

// forBody parses the body of a for loop
// and appends the loop control instructions.
func (p *parser) forBody(fs *funcState, base registerIndex, line int, nVars int, isNumeric bool) error {
	// The control variables occupy three registers.
	p.adjustLocalVariables(fs, 3)
	if err := p.checkNext(fs, lualex.DoToken); err != nil {
		return err
	}
	var prep int
	if isNumeric {
		prep = p.code(fs, ABxInstruction(OpForPrep, uint8(base), noJump))
	} else {
		prep = p.codeJump(fs)
	}
	p.enterBlock(fs, false) // scope for declared variables
	p.adjustLocalVariables(fs, nVars)
	if err := fs.reserveRegisters(nVars); err != nil {
		return err
	}
	if err := p.statementList(fs); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}

	if err := fs.patchToHere(prep); err != nil {
		return err
	}
	var endFor int
	if isNumeric {
		endFor = p.code(fs, ABxInstruction(OpForLoop, uint8(base), noJump))
	} else {
		p.code(fs, ABCInstruction(OpTForLoop, uint8(base), 0, uint16(nVars)))
		fs.fixLineInfo(line)
		endFor = p.codeJump(fs)
	}
	if err := fs.patchList(endFor, prep+1, noRegister, prep+1); err != nil {
		return err
	}
	fs.fixLineInfo(line)
	return nil
}

func (p *parser) functionStatement(fs *funcState) error {
	line := p.curr.Position.Line
	p.advance() // skip "function"
	v, isMethod, err := p.functionName(fs)
	if err != nil {
		return err
	}
	b, err := p.functionBody(fs, isMethod, line)
	if err != nil {
		return err
	}
	if err := p.codeStoreVar(fs, v, b); err != nil {
		return err
	}
	// Definition "happens" in the first line.
	fs.fixLineInfo(line)
	return nil
}

// functionName parses the funcname production,
// reporting whether the name denotes a method (uses a colon).
func (p *parser) functionName(fs *funcState) (_ expDesc, isMethod bool, err error) {
	v, err := p.singleVariable(fs)
	if err != nil {
		return voidExpDesc(), false, err
	}
	for p.curr.Kind == lualex.DotToken {
		v, err = p.fieldSelector(fs, v)
		if err != nil {
			return voidExpDesc(), false, err
		}
	}
	if p.curr.Kind == lualex.ColonToken {
		v, err = p.fieldSelector(fs, v)
		if err != nil {
			return voidExpDesc(), false, err
		}
		isMethod = true
	}
	return v, isMethod, nil
}

// fieldSelector parses the ".name" or ":name" suffix of a variable.
func (p *parser) fieldSelector(fs *funcState, v expDesc) (expDesc, error) {
	v, _, err := p.exp2anyreg(fs, v)
	if err != nil {
		return voidExpDesc(), err
	}
	p.advance() // skip the dot or colon
	name, err := p.name(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	return p.codeIndexed(fs, v, codeString(name))
}

// functionBody parses the parameter list and body of a function definition.
// If isMethod is true, the function has an implicit first parameter "self".
func (p *parser) functionBody(fs *funcState, isMethod bool, line int) (expDesc, error) {
	f := &Prototype{
		Source:      fs.Source,
		LineDefined: line,
	}
	fs2 := p.openFunction(fs, f)
	if err := p.checkNext(fs2, lualex.LParenToken); err != nil {
		return voidExpDesc(), err
	}
	if isMethod {
		if _, err := p.newLocalVariable(fs2, "self", RegularVariable); err != nil {
			return voidExpDesc(), err
		}
		p.adjustLocalVariables(fs2, 1)
	}
	if err := p.parameterList(fs2); err != nil {
		return voidExpDesc(), err
	}
	if err := p.checkNext(fs2, lualex.RParenToken); err != nil {
		return voidExpDesc(), err
	}
	if err := p.statementList(fs2); err != nil {
		return voidExpDesc(), err
	}
	f.LastLineDefined = p.curr.Position.Line
	if err := p.checkMatch(fs2, lualex.Position{Line: line}, lualex.FunctionToken, lualex.EndToken); err != nil {
		return voidExpDesc(), err
	}
	if err := p.closeFunction(fs2); err != nil {
		return voidExpDesc(), err
	}
	return p.pushClosure(fs, f)
}

// parameterList parses the function's parameter names.
func (p *parser) parameterList(fs *funcState) error {
	if p.curr.Kind != lualex.RParenToken {
	paramLoop:
		for {
			switch p.curr.Kind {
			case lualex.IdentifierToken:
				if _, err := p.newLocalVariable(fs, p.curr.Value, RegularVariable); err != nil {
					return err
				}
				p.advance()
			case lualex.VarargToken:
				p.advance()
				fs.IsVararg = true
				// '...' must be the last parameter.
				break paramLoop
			default:
				return syntaxError(fs.Source, p.curr, "name or '...' expected")
			}
			if !p.testNext(lualex.CommaToken) {
				break
			}
		}
	}
	numDeclared := len(p.activeVariables) - fs.firstLocal - int(fs.numActiveVariables)
	p.adjustLocalVariables(fs, numDeclared)
	fs.NumParams = uint8(fs.numActiveVariables)
	return fs.reserveRegisters(int(fs.numActiveVariables))
}

// pushClosure appends an [OpClosure] instruction to the enclosing function
// for the newly compiled prototype,
// leaving the closure in the next available register.
func (p *parser) pushClosure(fs *funcState, f *Prototype) (expDesc, error) {
	if err := p.checkLimit(fs, len(fs.Functions)+1, MaxArgBx+1, "functions"); err != nil {
		return voidExpDesc(), err
	}
	fs.Functions = append(fs.Functions, f)
	pc := p.code(fs, ABxInstruction(OpClosure, 0, int32(len(fs.Functions)-1)))
	e, _, err := p.exp2nextReg(fs, newRelocExpDesc(pc))
	return e, err
}

func (p *parser) localFunctionStatement(fs *funcState) error {
	line := p.curr.Position.Line
	p.advance() // skip "function"
	name, err := p.name(fs)
	if err != nil {
		return err
	}
	fvar := int(fs.numActiveVariables)
	if _, err := p.newLocalVariable(fs, name, RegularVariable); err != nil {
		return err
	}
	// The variable enters scope before the body is parsed
	// so the function can refer to itself.
	p.adjustLocalVariables(fs, 1)
	if _, err := p.functionBody(fs, false, line); err != nil {
		return err
	}
	// Debug information only sees the variable after the closure exists.
	if v := p.localDebugInfo(fs, fvar); v != nil {
		v.StartPC = len(fs.Code)
	}
	return nil
}

// getLocalAttribute parses an optional "<name>" variable attribute.
func (p *parser) getLocalAttribute(fs *funcState) (VariableKind, error) {
	if !p.testNext(lualex.LessToken) {
		return RegularVariable, nil
	}
	attribToken := p.curr
	name, err := p.name(fs)
	if err != nil {
		return RegularVariable, err
	}
	if err := p.checkNext(fs, lualex.GreaterToken); err != nil {
		return RegularVariable, err
	}
	switch name {
	case "const":
		return LocalConst, nil
	case "close":
		return RegularVariable, syntaxError(fs.Source, attribToken, "unsupported attribute 'close'")
	default:
		return RegularVariable, syntaxError(fs.Source, attribToken, fmt.Sprintf("unknown attribute '%s'", name))
	}
}

func (p *parser) localStatement(fs *funcState) error {
	// The "local" keyword has already been consumed.
	nVars := 0
	for {
		name, err := p.name(fs)
		if err != nil {
			return err
		}
		kind, err := p.getLocalAttribute(fs)
		if err != nil {
			return err
		}
		if _, err := p.newLocalVariable(fs, name, kind); err != nil {
			return err
		}
		nVars++
		if !p.testNext(lualex.CommaToken) {
			break
		}
	}

	nExps := 0
	e := voidExpDesc()
	if p.testNext(lualex.AssignToken) {
		var err error
		nExps, e, err = p.expressionList(fs)
		if err != nil {
			return err
		}
	}

	lastVar := p.localVariableDescription(fs, int(fs.numActiveVariables)+nVars-1)
	if nVars == nExps && lastVar.kind == LocalConst {
		if k, isConst := p.expToConst(fs, e); isConst {
			// The initializer is a compile-time constant:
			// the variable occupies no register.
			lastVar.kind = CompileTimeConstant
			lastVar.k = k
			p.adjustLocalVariables(fs, nVars-1)
			fs.numActiveVariables++
			return nil
		}
	}
	if err := p.adjustAssignment(fs, nVars, nExps, e); err != nil {
		return err
	}
	p.adjustLocalVariables(fs, nVars)
	return nil
}

// adjustAssignment adjusts the number of results from an expression list
// (whose last expression is e)
// to yield exactly nVars values.
func (p *parser) adjustAssignment(fs *funcState, nVars, nExps int, e expDesc) error {
	needed := nVars - nExps
	if e.kind.hasMultipleReturns() {
		extra := max(needed+1, 0) // discount the expression itself
		if err := p.setReturns(fs, e, extra); err != nil {
			return err
		}
		if extra > 1 {
			if err := fs.reserveRegisters(extra - 1); err != nil {
				return err
			}
		}
	} else {
		if e.kind != expKindVoid {
			if _, _, err := p.exp2nextReg(fs, e); err != nil {
				return err
			}
		}
		if needed > 0 {
			// Missing values fill in with nil.
			reg := fs.firstFreeRegister
			if err := fs.reserveRegisters(needed); err != nil {
				return err
			}
			p.codeNil(fs, reg, needed)
		}
	}
	if needed < 0 {
		// Remove extra values.
		fs.firstFreeRegister += registerIndex(needed)
	}
	return nil
}

func (p *parser) returnStatement(fs *funcState) error {
	// The "return" keyword has already been consumed.
	first := p.numVariablesInStack(fs)
	nRet := 0
	if !isBlockFollow(p.curr.Kind, true) && p.curr.Kind != lualex.SemiToken {
		var lastExpr expDesc
		var err error
		nRet, lastExpr, err = p.expressionList(fs)
		if err != nil {
			return err
		}
		switch {
		case lastExpr.kind.hasMultipleReturns():
			if err := p.setReturns(fs, lastExpr, multiReturn); err != nil {
				return err
			}
			if lastExpr.kind == expKindCall && nRet == 1 {
				// return f(...) becomes a tail call.
				pc := lastExpr.pc()
				i := fs.Code[pc]
				if registerIndex(i.ArgA()) != first {
					return fmt.Errorf("internal error: tail call does not start at first return register")
				}
				fs.Code[pc] = ABCInstruction(OpTailCall, i.ArgA(), i.ArgB(), i.ArgC())
			}
			nRet = multiReturn
		case nRet == 1:
			// A single value can go in any register.
			lastExpr, first, err = p.exp2anyreg(fs, lastExpr)
			if err != nil {
				return err
			}
		default:
			// Values must go to the top of the stack.
			if _, _, err := p.exp2nextReg(fs, lastExpr); err != nil {
				return err
			}
			if got := int(fs.firstFreeRegister) - int(first); got != nRet {
				return fmt.Errorf("internal error: returnStatement: expected %d values on the stack, found %d", nRet, got)
			}
		}
	}
	p.codeReturn(fs, first, nRet)
	p.testNext(lualex.SemiToken) // skip optional semicolon
	return nil
}

func (p *parser) breakStatement(fs *funcState) error {
	pos := p.curr.Position
	p.advance() // skip "break"
	return p.newGotoEntry(fs, "break", pos)
}

func (p *parser) gotoStatement(fs *funcState) error {
	pos := p.curr.Position
	p.advance() // skip "goto"
	name, err := p.name(fs)
	if err != nil {
		return err
	}
	lb := p.findLabel(fs, name)
	if lb == nil {
		// Forward jump: resolved when the label is declared.
		return p.newGotoEntry(fs, name, pos)
	}
	// Backward jump: resolve here.
	labelLevel := p.registerLevel(fs, int(lb.numActiveVariables))
	if p.numVariablesInStack(fs) > labelLevel {
		// Leaving the scope of some variable.
		p.code(fs, ABCInstruction(OpClose, uint8(labelLevel), 0, 0))
	}
	return fs.patchList(p.codeJump(fs), lb.pc, noRegister, lb.pc)
}

// newGotoEntry codes a jump with an unset destination
// and records it in the pending goto list.
func (p *parser) newGotoEntry(fs *funcState, name string, pos lualex.Position) error {
	p.pendingGotos = append(p.pendingGotos, labelDescription{
		name:               name,
		position:           pos,
		pc:                 p.codeJump(fs),
		numActiveVariables: fs.numActiveVariables,
	})
	return nil
}

func (p *parser) labelStatement(fs *funcState) error {
	p.advance() // skip "::"
	pos := p.curr.Position
	name, err := p.name(fs)
	if err != nil {
		return err
	}
	if err := p.checkNext(fs, lualex.LabelToken); err != nil {
		return err
	}
	// A repeated label is an error even when the first one
	// was declared in an enclosing block.
	for i := fs.firstLabel; i < len(p.labels); i++ {
		if p.labels[i].name == name {
			msg := fmt.Sprintf("label '%s' already defined on line %d", name, p.labels[i].position.Line)
			return &SyntaxError{Source: fs.Source, Line: pos.Line, Message: msg}
		}
	}
	// Skip other no-op statements.
	for p.curr.Kind == lualex.SemiToken || p.curr.Kind == lualex.LabelToken {
		if err := p.statement(fs); err != nil {
			return err
		}
	}
	_, err = p.createLabel(fs, name, pos, isBlockFollow(p.curr.Kind, false))
	return err
}

func (p *parser) expressionStatement(fs *funcState) error {
	v, err := p.prefixExpression(fs)
	if err != nil {
		return err
	}
	switch p.curr.Kind {
	case lualex.AssignToken, lualex.CommaToken:
		return p.assignment(fs, &lhsAssign{v: v}, 1)
	default:
		if v.kind != expKindCall {
			return syntaxError(fs.Source, p.curr, "syntax error")
		}
		// A call statement uses no results.
		pc := v.pc()
		fs.Code[pc], _ = fs.Code[pc].WithArgC(1)
		return nil
	}
}

// checkConflict rewrites previous assignment targets
// if they would read a local variable that the multiple assignment overwrites.
// In that case, it saves the original value in a safe place.
func (p *parser) checkConflict(fs *funcState, lh *lhsAssign, v expDesc) error {
	extra := fs.firstFreeRegister // register to save the local variable
	conflict := false
	for ; lh != nil; lh = lh.prev {
		if lh.v.kind != expKindIndexed {
			continue
		}
		if lh.v.tableRegister() == v.register() {
			// The table is the local being assigned.
			conflict = true
			lh.v = newIndexedExpDesc(extra, lh.v.indexRK())
		}
		if rk := lh.v.indexRK(); !IsConstant(rk) && registerIndex(rk) == v.register() {
			// The key is the local being assigned.
			conflict = true
			lh.v = newIndexedExpDesc(lh.v.tableRegister(), uint16(extra))
		}
	}
	if !conflict {
		return nil
	}
	// Copy the local's value into a scratch register.
	p.code(fs, ABCInstruction(OpMove, uint8(extra), uint16(v.register()), 0))
	return fs.reserveRegisters(1)
}

// checkReadonly returns an error if the expression is a read-only variable.
func (p *parser) checkReadonly(fs *funcState, e expDesc) error {
	var varName string
	switch e.kind {
	case expKindConst:
		varName = p.activeVariables[e.constLocalIndex()].name
	case expKindLocal:
		vd := p.activeVariables[e.localIndex(fs.firstLocal)]
		if vd.kind != RegularVariable {
			varName = vd.name
		}
	}
	if varName == "" {
		return nil
	}
	return syntaxError(fs.Source, p.curr, fmt.Sprintf("attempt to assign to const variable '%s'", varName))
}

// assignment parses the rest of a (possibly multiple) assignment statement,
// with lhs holding the targets read so far.
func (p *parser) assignment(fs *funcState, lhs *lhsAssign, numVariables int) error {
	p.depth++
	defer func() { p.depth-- }()
	if err := p.checkLimit(fs, p.depth, depthLimit, "syntax levels"); err != nil {
		return err
	}
	if !lhs.v.kind.isVar() {
		return syntaxError(fs.Source, p.curr, "syntax error")
	}
	if err := p.checkReadonly(fs, lhs.v); err != nil {
		return err
	}

	switch p.curr.Kind {
	case lualex.CommaToken:
		p.advance()
		v, err := p.prefixExpression(fs)
		if err != nil {
			return err
		}
		if v.kind == expKindLocal {
			if err := p.checkConflict(fs, lhs, v); err != nil {
				return err
			}
		}
		if err := p.assignment(fs, &lhsAssign{prev: lhs, v: v}, numVariables+1); err != nil {
			return err
		}
	case lualex.AssignToken:
		p.advance()
		nExps, e, err := p.expressionList(fs)
		if err != nil {
			return err
		}
		if nExps != numVariables {
			if err := p.adjustAssignment(fs, numVariables, nExps, e); err != nil {
				return err
			}
		} else {
			// Close the last expression and assign it directly,
			// avoiding an extra register move.
			e = p.setOneReturn(fs, e)
			return p.codeStoreVar(fs, lhs.v, e)
		}
	default:
		return syntaxError(fs.Source, p.curr, "'=' expected")
	}

	// Default assignment: the value is at the top of the stack.
	return p.codeStoreVar(fs, lhs.v, newNonRelocExpDesc(fs.firstFreeRegister-1))
}

// Expressions.

// expressionList parses one or more comma-separated expressions.
// All expressions but the last are moved to registers;
// the last expression is returned unplaced along with the total count.
func (p *parser) expressionList(fs *funcState) (int, expDesc, error) {
	n := 1
	e, err := p.expression(fs)
	if err != nil {
		return 0, voidExpDesc(), err
	}
	for p.testNext(lualex.CommaToken) {
		if _, _, err := p.exp2nextReg(fs, e); err != nil {
			return 0, voidExpDesc(), err
		}
		e, err = p.expression(fs)
		if err != nil {
			return 0, voidExpDesc(), err
		}
		n++
	}
	return n, e, nil
}

func (p *parser) expression(fs *funcState) (expDesc, error) {
	e, _, err := p.subExpression(fs, 0)
	return e, err
}

// subExpression parses expressions with operators
// of higher precedence than the given limit,
// returning the first operator of lower precedence it stopped at (if any).
func (p *parser) subExpression(fs *funcState, limit int) (expDesc, binaryOperator, error) {
	p.depth++
	defer func() { p.depth-- }()
	if err := p.checkLimit(fs, p.depth, depthLimit, "syntax levels"); err != nil {
		return voidExpDesc(), binaryOperatorNone, err
	}

	var e expDesc
	if uop, ok := toUnaryOperator(p.curr.Kind); ok {
		line := p.curr.Position.Line
		p.advance()
		var err error
		e, _, err = p.subExpression(fs, unaryPrecedence)
		if err != nil {
			return voidExpDesc(), binaryOperatorNone, err
		}
		e, err = p.codePrefix(fs, uop, e, line)
		if err != nil {
			return voidExpDesc(), binaryOperatorNone, err
		}
	} else {
		var err error
		e, err = p.simpleExpression(fs)
		if err != nil {
			return voidExpDesc(), binaryOperatorNone, err
		}
	}

	// Expand while operators have priorities higher than limit.
	op, _ := toBinaryOperator(p.curr.Kind)
	for op != binaryOperatorNone && int(operatorPrecedence[op].left) > limit {
		line := p.curr.Position.Line
		p.advance()
		var err error
		e, err = p.codeInfix(fs, op, e)
		if err != nil {
			return voidExpDesc(), binaryOperatorNone, err
		}
		// Read sub-expression with higher priority.
		var e2 expDesc
		var nextOp binaryOperator
		e2, nextOp, err = p.subExpression(fs, int(operatorPrecedence[op].right))
		if err != nil {
			return voidExpDesc(), binaryOperatorNone, err
		}
		e, err = p.codePostfix(fs, op, e, e2, line)
		if err != nil {
			return voidExpDesc(), binaryOperatorNone, err
		}
		op = nextOp
	}

	return e, op, nil
}

func (p *parser) simpleExpression(fs *funcState) (expDesc, error) {
	var e expDesc
	switch p.curr.Kind {
	case lualex.NumeralToken:
		v, err := parseNumeral(p.curr.Value)
		if err != nil {
			return voidExpDesc(), syntaxError(fs.Source, p.curr, "malformed number")
		}
		e = constToExp(v)
	case lualex.StringToken:
		e = codeString(p.curr.Value)
	case lualex.NilToken:
		e = newExpDesc(expKindNil)
	case lualex.TrueToken:
		e = newExpDesc(expKindTrue)
	case lualex.FalseToken:
		e = newExpDesc(expKindFalse)
	case lualex.VarargToken:
		if !fs.IsVararg {
			return voidExpDesc(), syntaxError(fs.Source, p.curr, "cannot use '...' outside a vararg function")
		}
		pc := p.code(fs, ABCInstruction(OpVararg, 0, 1, 0))
		e = newVarargExpDesc(pc)
	case lualex.LBraceToken:
		return p.constructor(fs)
	case lualex.FunctionToken:
		line := p.curr.Position.Line
		p.advance()
		return p.functionBody(fs, false, line)
	default:
		return p.prefixExpression(fs)
	}
	p.advance()
	return e, nil
}

// parseNumeral converts the text of a [lualex.NumeralToken] to a [Value].
func parseNumeral(s string) (Value, error) {
	if i, err := lualex.ParseInt(s); err == nil {
		return IntegerValue(i), nil
	}
	f, err := lualex.ParseNumber(s)
	if err != nil {
		return Value{}, err
	}
	return FloatValue(f), nil
}

// prefixExpression parses a prefixexp production.
//
//	prefixexp ::= var | functioncall | ‘(’ exp ‘)’
//	functioncall ::=  prefixexp args | prefixexp ‘:’ Name args
//	var ::=  Name | prefixexp ‘[’ exp ‘]’ | prefixexp ‘.’ Name
func (p *parser) prefixExpression(fs *funcState) (expDesc, error) {
	var v expDesc
	switch p.curr.Kind {
	case lualex.LParenToken:
		pos := p.curr.Position
		p.advance()
		var err error
		v, err = p.expression(fs)
		if err != nil {
			return voidExpDesc(), err
		}
		if err := p.checkMatch(fs, pos, lualex.LParenToken, lualex.RParenToken); err != nil {
			return voidExpDesc(), err
		}
		// A parenthesized expression always yields exactly one value.
		v = p.dischargeVars(fs, v)
	case lualex.IdentifierToken:
		var err error
		v, err = p.singleVariable(fs)
		if err != nil {
			return voidExpDesc(), err
		}
	default:
		return voidExpDesc(), syntaxError(fs.Source, p.curr, "unexpected symbol")
	}

	for {
		switch p.curr.Kind {
		case lualex.DotToken:
			var err error
			v, err = p.fieldSelector(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
		case lualex.LBracketToken:
			var err error
			v, _, err = p.exp2anyreg(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
			k, err := p.index(fs)
			if err != nil {
				return voidExpDesc(), err
			}
			v, err = p.codeIndexed(fs, v, k)
			if err != nil {
				return voidExpDesc(), err
			}
		case lualex.ColonToken:
			p.advance()
			name, err := p.name(fs)
			if err != nil {
				return voidExpDesc(), err
			}
			v, err = p.codeSelf(fs, v, codeString(name))
			if err != nil {
				return voidExpDesc(), err
			}
			v, err = p.functionArguments(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
		case lualex.LParenToken, lualex.StringToken, lualex.LBraceToken:
			var err error
			v, _, err = p.exp2nextReg(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
			v, err = p.functionArguments(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
		default:
			return v, nil
		}
	}
}

// index parses the "[exp]" production.
func (p *parser) index(fs *funcState) (expDesc, error) {
	pos := p.curr.Position
	p.advance() // skip '['
	k, err := p.expression(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	k, err = p.expToValue(fs, k)
	if err != nil {
		return voidExpDesc(), err
	}
	if err := p.checkMatch(fs, pos, lualex.LBracketToken, lualex.RBracketToken); err != nil {
		return voidExpDesc(), err
	}
	return k, nil
}

// functionArguments parses the arguments of a function call
// and appends the call instruction.
// The function value f must already be in a register.
func (p *parser) functionArguments(fs *funcState, f expDesc) (expDesc, error) {
	if f.kind != expKindNonReloc {
		return voidExpDesc(), fmt.Errorf("internal error: function to call is not in a register (%v)", f.kind)
	}

	start := p.curr.Position
	args := voidExpDesc()
	switch p.curr.Kind {
	case lualex.LParenToken:
		p.advance()
		if p.curr.Kind != lualex.RParenToken {
			var err error
			_, args, err = p.expressionList(fs)
			if err != nil {
				return voidExpDesc(), err
			}
			if args.kind.hasMultipleReturns() {
				if err := p.setReturns(fs, args, multiReturn); err != nil {
					return voidExpDesc(), err
				}
			}
		}
		if err := p.checkMatch(fs, start, lualex.LParenToken, lualex.RParenToken); err != nil {
			return voidExpDesc(), err
		}
	case lualex.StringToken:
		args = codeString(p.curr.Value)
		p.advance()
	case lualex.LBraceToken:
		var err error
		args, err = p.constructor(fs)
		if err != nil {
			return voidExpDesc(), err
		}
	default:
		return voidExpDesc(), syntaxError(fs.Source, p.curr, "function arguments expected")
	}

	base := f.register()
	nParams := multiReturn
	if !args.kind.hasMultipleReturns() {
		if args.kind != expKindVoid {
			// Close the last argument.
			if _, _, err := p.exp2nextReg(fs, args); err != nil {
				return voidExpDesc(), err
			}
		}
		nParams = int(fs.firstFreeRegister) - (int(base) + 1)
	}
	pc := p.code(fs, ABCInstruction(OpCall, uint8(base), uint16(nParams+1), 2))
	fs.fixLineInfo(start.Line)
	// The call removes the function and arguments
	// and leaves one result (unless changed later).
	fs.firstFreeRegister = base + 1
	return newCallExpDesc(pc), nil
}

// Table constructors.

// constructorControl tracks the state of a table constructor.
type constructorControl struct {
	// lastItem is the last list item read.
	lastItem expDesc
	// table describes the register holding the table.
	table expDesc
	// hashSize is the number of record fields.
	hashSize int
	// arraySize is the total number of array items, including pending ones.
	arraySize int
	// toStore is the number of array items pending to be stored.
	toStore int
}

func (p *parser) constructor(fs *funcState) (expDesc, error) {
	start := p.curr.Position
	if err := p.checkNext(fs, lualex.LBraceToken); err != nil {
		return voidExpDesc(), err
	}
	// Size hints are patched in once the constructor has been read.
	pc := p.code(fs, ABCInstruction(OpNewTable, 0, 0, 0))
	cc := constructorControl{lastItem: voidExpDesc()}
	var err error
	cc.table, _, err = p.exp2nextReg(fs, newRelocExpDesc(pc))
	if err != nil {
		return voidExpDesc(), err
	}

	for p.curr.Kind != lualex.RBraceToken {
		if err := p.closeListField(fs, &cc); err != nil {
			return voidExpDesc(), err
		}
		switch {
		case p.curr.Kind == lualex.IdentifierToken && p.peek().Kind == lualex.AssignToken,
			p.curr.Kind == lualex.LBracketToken:
			if err := p.recordField(fs, &cc); err != nil {
				return voidExpDesc(), err
			}
		default:
			if err := p.listField(fs, &cc); err != nil {
				return voidExpDesc(), err
			}
		}
		if !p.testNext(lualex.CommaToken) && !p.testNext(lualex.SemiToken) {
			break
		}
	}
	if err := p.checkMatch(fs, start, lualex.LBraceToken, lualex.RBraceToken); err != nil {
		return voidExpDesc(), err
	}
	if err := p.lastListField(fs, &cc); err != nil {
		return voidExpDesc(), err
	}

	i := fs.Code[pc]
	i, _ = i.WithArgB(int2fb(uint(cc.arraySize)))
	i, _ = i.WithArgC(int2fb(uint(cc.hashSize)))
	fs.Code[pc] = i
	return cc.table, nil
}

// recordField parses a "name = exp" or "[exp] = exp" field.
func (p *parser) recordField(fs *funcState, cc *constructorControl) error {
	freeRegisters := fs.firstFreeRegister
	var key expDesc
	if p.curr.Kind == lualex.IdentifierToken {
		key = codeString(p.curr.Value)
		p.advance()
	} else {
		var err error
		key, err = p.index(fs)
		if err != nil {
			return err
		}
	}
	cc.hashSize++
	if err := p.checkNext(fs, lualex.AssignToken); err != nil {
		return err
	}
	_, keyRK, err := p.expToRK(fs, key)
	if err != nil {
		return err
	}
	value, err := p.expression(fs)
	if err != nil {
		return err
	}
	_, valueRK, err := p.expToRK(fs, value)
	if err != nil {
		return err
	}
	p.code(fs, ABCInstruction(OpSetTable, uint8(cc.table.register()), keyRK, valueRK))
	// Free the registers the field used.
	fs.firstFreeRegister = freeRegisters
	return nil
}

// listField parses a single expression as the next array item.
func (p *parser) listField(fs *funcState, cc *constructorControl) error {
	var err error
	cc.lastItem, err = p.expression(fs)
	if err != nil {
		return err
	}
	cc.arraySize++
	cc.toStore++
	return nil
}

// closeListField moves the previous list item (if any) into a register
// and flushes pending items to the table
// once a batch of [LFieldsPerFlush] accumulates.
func (p *parser) closeListField(fs *funcState, cc *constructorControl) error {
	if cc.lastItem.kind == expKindVoid {
		// There is no item pending.
		return nil
	}
	if _, _, err := p.exp2nextReg(fs, cc.lastItem); err != nil {
		return err
	}
	cc.lastItem = voidExpDesc()
	if cc.toStore == LFieldsPerFlush {
		if err := p.codeSetList(fs, cc.table.register(), cc.arraySize, cc.toStore); err != nil {
			return err
		}
		cc.toStore = 0
	}
	return nil
}

// lastListField stores the remaining array items into the table.
func (p *parser) lastListField(fs *funcState, cc *constructorControl) error {
	if cc.toStore == 0 {
		return nil
	}
	if cc.lastItem.kind.hasMultipleReturns() {
		if err := p.setReturns(fs, cc.lastItem, multiReturn); err != nil {
			return err
		}
		if err := p.codeSetList(fs, cc.table.register(), cc.arraySize, multiReturn); err != nil {
			return err
		}
		// Do not count the last expression: it has an unknown number of values.
		cc.arraySize--
		return nil
	}
	if cc.lastItem.kind != expKindVoid {
		if _, _, err := p.exp2nextReg(fs, cc.lastItem); err != nil {
			return err
		}
	}
	return p.codeSetList(fs, cc.table.register(), cc.arraySize, cc.toStore)
}
