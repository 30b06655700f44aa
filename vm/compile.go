package vm

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"go.starlark.net/syntax"
)

type loopLabels struct {
	forLoop bool
	start   string
	end     string
}

type compileContext struct {
	name     string
	ops      []Op
	topLevel bool
	params   []FunctionParam
	captures []string
	// locals holds names bound inside this function; closures created here
	// may capture them.
	locals map[string]bool
	loops  []loopLabels
	line   int32

	// Shared across the whole module; owned by the top-level context.
	root       *compileContext
	subContext map[string]*compileContext
	subOrder   []string
	natives    []string
	types      []*TypeDesc
	lambdas    int
}

func newCompileContext(name string, root *compileContext) *compileContext {
	cc := &compileContext{
		name:   name,
		locals: make(map[string]bool),
		root:   root,
	}
	if root == nil {
		cc.root = cc
		cc.subContext = make(map[string]*compileContext)
	}
	return cc
}

func (cc *compileContext) emit(op Opcode, args ...Value) {
	var arg Value
	if len(args) > 0 {
		arg = args[0]
	}
	cc.ops = append(cc.ops, Op{Code: op, Arg: arg, Line: cc.line})
}

func (cc *compileContext) emitName(op Opcode, name string, args ...Value) {
	cc.emit(op, args...)
	cc.ops[len(cc.ops)-1].Name = name
}

func (cc *compileContext) newLabel() string {
	return uuid.NewString()
}

func (cc *compileContext) emitLabel(s string) {
	cc.ops = append(cc.ops, Op{Code: LABEL, Arg: StrValue(s)})
}

func (cc *compileContext) setLine(n syntax.Node) {
	start, _ := n.Span()
	if start.Line > 0 {
		cc.line = start.Line
	}
}

func (cc *compileContext) addSub(name string, sub *compileContext) error {
	r := cc.root
	if _, ok := r.subContext[name]; ok {
		return fmt.Errorf("function %s is defined twice", name)
	}
	r.subContext[name] = sub
	r.subOrder = append(r.subOrder, name)
	return nil
}

// codeID is the CodeID the named sub-context will get in the program.
func (cc *compileContext) codeID(name string) int {
	for i, n := range cc.root.subOrder {
		if n == name {
			return i + 1
		}
	}
	return 0
}

func CompilePath(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFile(path, f)
}

func Compile(file *syntax.File) (*Program, error) {
	cc, err := buildCompileContextTree(file)
	if err != nil {
		return nil, err
	}
	p, err := cc.intoProgram()
	if err != nil {
		return nil, err
	}
	p.Source = file.Path
	return p, nil
}

func (cc *compileContext) intoProgram() (*Program, error) {
	p := &Program{
		Definitions: make(map[string]int),
		Natives:     cc.natives,
		Types:       cc.types,
	}
	if !cc.topLevel {
		return nil, errors.New("Can't make a program out of a non-top-level context")
	}
	f, err := cc.intoFunction()
	if err != nil {
		return nil, err
	}
	p.Main = f
	for _, k := range cc.subOrder {
		f, err := cc.subContext[k].intoFunction()
		if err != nil {
			return nil, err
		}
		p.Code = append(p.Code, f)
		p.Definitions[k] = len(p.Code)
	}
	if err := p.checkNames(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Program) checkNames() error {
	seen := make(map[string]string)
	claim := func(name, kind string) error {
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%s %s collides with %s of the same name", kind, name, prev)
		}
		seen[name] = kind
		return nil
	}
	for _, n := range p.Natives {
		if err := claim(n, "native"); err != nil {
			return err
		}
	}
	for _, t := range p.Types {
		if err := claim(t.Name, "type"); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(p.Definitions))
	for k := range p.Definitions {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := claim(n, "function"); err != nil {
			return err
		}
	}
	return nil
}

func (cc *compileContext) intoFunction() (*Function, error) {
	f := &Function{
		Name:     cc.name,
		Params:   cc.params,
		Captures: cc.captures,
	}
	offsetmap := make(map[string]int)
	for _, b := range cc.ops {
		if b.Code == LABEL {
			offsetmap[string(b.Arg.(StrValue))] = len(f.Bytecode)
			continue
		}
		f.Bytecode = append(f.Bytecode, b)
	}
	for i, b := range f.Bytecode {
		switch b.Code {
		case JMP, JFALSE, ITER_START, ITER_START_2:
			if v, ok := b.Arg.(StrValue); ok {
				off, ok := offsetmap[string(v)]
				if !ok {
					return nil, fmt.Errorf("%s: unresolved label at %d", cc.name, i)
				}
				b.Arg = IntValue(off)
			}
		}
		f.Bytecode[i] = b
	}
	return f, nil
}

func buildCompileContextTree(file *syntax.File) (*compileContext, error) {
	cc := newCompileContext("<main>", nil)
	cc.topLevel = true
	err := cc.buildFromStatements(file.Stmts)
	if err != nil {
		return nil, err
	}
	return cc, nil
}

func (cc *compileContext) buildFromStatements(stmts []syntax.Stmt) error {
	for _, s := range stmts {
		err := cc.statement(s)
		if err != nil {
			return err
		}
	}
	return nil
}

// function compiles a def or lambda body into its own code block. Top-level
// defs become plain functions; anything nested becomes a closure that
// captures the enclosing function's variables by value.
func (cc *compileContext) function(name string, params []syntax.Expr, body []syntax.Stmt, result syntax.Expr) (string, error) {
	qualified := name
	if !cc.topLevel {
		qualified = cc.name + "." + name
	}
	sub := newCompileContext(qualified, cc.root)
	var err error
	sub.params, err = getFunctionParams(params)
	if err != nil {
		return "", err
	}
	if result != nil {
		body = []syntax.Stmt{&syntax.ReturnStmt{Result: result}}
	}
	sub.locals = collectLocals(sub.params, body)
	if !cc.topLevel {
		sub.captures = cc.capturable(sub.locals, body)
		for _, c := range sub.captures {
			sub.locals[c] = true
		}
	}
	// Register before compiling the body so recursive references resolve.
	if err := cc.addSub(qualified, sub); err != nil {
		return "", err
	}
	sub.line = cc.line
	err = sub.buildFromStatements(body)
	if err != nil {
		return "", err
	}
	if len(sub.ops) == 0 || sub.ops[len(sub.ops)-1].Code != RETURN {
		sub.emit(PUSH, Null)
		sub.emit(RETURN)
	}
	return qualified, nil
}

// capturable lists the names referenced in body that are bound in cc and
// not rebound by the inner function itself.
func (cc *compileContext) capturable(inner map[string]bool, body []syntax.Stmt) []string {
	used := make(map[string]bool)
	for _, s := range body {
		syntax.Walk(s, func(n syntax.Node) bool {
			if id, ok := n.(*syntax.Ident); ok {
				used[id.Name] = true
			}
			return true
		})
	}
	var out []string
	for name := range used {
		if cc.locals[name] && !inner[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func collectLocals(params []FunctionParam, body []syntax.Stmt) map[string]bool {
	out := make(map[string]bool)
	for _, p := range params {
		out[p.Name] = true
	}
	for _, s := range body {
		syntax.Walk(s, func(n syntax.Node) bool {
			switch v := n.(type) {
			case *syntax.AssignStmt:
				addTargets(out, v.LHS)
			case *syntax.ForStmt:
				addTargets(out, v.Vars)
			case *syntax.DefStmt:
				out[v.Name.Name] = true
				return false
			case *syntax.LambdaExpr:
				return false
			}
			return true
		})
	}
	return out
}

func addTargets(out map[string]bool, e syntax.Expr) {
	switch v := e.(type) {
	case *syntax.Ident:
		out[v.Name] = true
	case *syntax.ParenExpr:
		addTargets(out, v.X)
	case *syntax.TupleExpr:
		for _, x := range v.List {
			addTargets(out, x)
		}
	}
}
