package vm

import (
	"fmt"
	"slices"

	"go.starlark.net/syntax"
)

type Special string

const (
	// extern("a", "b") declares host-implemented functions.
	Extern Special = "extern"
	// Point = struct(x=0, y=0) declares an exported object type.
	Struct Special = "struct"
)

var allSpecials = []Special{
	Extern,
	Struct,
}

func specialName(e syntax.Expr) (Special, bool) {
	call, ok := e.(*syntax.CallExpr)
	if !ok {
		return "", false
	}
	fn, ok := call.Fn.(*syntax.Ident)
	if !ok {
		return "", false
	}
	if !slices.Contains(allSpecials, Special(fn.Name)) {
		return "", false
	}
	return Special(fn.Name), true
}

// specialStatement compiles the declaration forms, which only exist at the
// top level of a module.
func (cc *compileContext) specialStatement(s syntax.Stmt) (bool, error) {
	switch v := s.(type) {
	case *syntax.ExprStmt:
		sp, ok := specialName(v.X)
		if !ok || sp != Extern {
			return false, nil
		}
		if !cc.topLevel {
			return true, fmt.Errorf("%s() is only allowed at the top level", sp)
		}
		return true, cc.declareExterns(v.X.(*syntax.CallExpr))
	case *syntax.AssignStmt:
		sp, ok := specialName(v.RHS)
		if !ok || sp != Struct || v.Op != syntax.EQ {
			return false, nil
		}
		if !cc.topLevel {
			return true, fmt.Errorf("%s() is only allowed at the top level", sp)
		}
		name, ok := v.LHS.(*syntax.Ident)
		if !ok {
			return true, fmt.Errorf("%s() must be assigned to a plain name", sp)
		}
		return true, cc.declareType(name.Name, v.RHS.(*syntax.CallExpr))
	}
	return false, nil
}

// specialCall rejects declarations used as ordinary expressions.
func (cc *compileContext) specialCall(call *syntax.CallExpr) (bool, error) {
	sp, ok := specialName(call)
	if !ok {
		return false, nil
	}
	switch sp {
	case Extern:
		return true, fmt.Errorf("%s() must be used as a top-level statement", sp)
	case Struct:
		return true, fmt.Errorf("%s() must be assigned to a name at the top level", sp)
	}
	return true, fmt.Errorf("Unhandled special: %s", sp)
}

func (cc *compileContext) declareExterns(call *syntax.CallExpr) error {
	if len(call.Args) == 0 {
		return fmt.Errorf("No arguments to %s, must name at least one function", Extern)
	}
	for _, a := range call.Args {
		lit, ok := a.(*syntax.Literal)
		if !ok || lit.Token != syntax.STRING {
			return fmt.Errorf("Arguments to %s must be literal strings", Extern)
		}
		name := lit.Value.(string)
		if slices.Contains(cc.root.natives, name) {
			return fmt.Errorf("native %s declared twice", name)
		}
		cc.root.natives = append(cc.root.natives, name)
	}
	return nil
}

func (cc *compileContext) declareType(name string, call *syntax.CallExpr) error {
	t := &TypeDesc{Name: name}
	for _, a := range call.Args {
		b, ok := a.(*syntax.BinaryExpr)
		if !ok || b.Op != syntax.EQ {
			return fmt.Errorf("%s fields must be written name=default", name)
		}
		field, ok := b.X.(*syntax.Ident)
		if !ok {
			return fmt.Errorf("%s fields must be written name=default", name)
		}
		for _, f := range t.Fields {
			if f.Name == field.Name {
				return fmt.Errorf("%s declares field %s twice", name, field.Name)
			}
		}
		def, err := literalExpr(b.Y)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", name, field.Name, err)
		}
		t.Fields = append(t.Fields, FieldDef{Name: field.Name, Default: def})
	}
	cc.root.types = append(cc.root.types, t)
	return nil
}
