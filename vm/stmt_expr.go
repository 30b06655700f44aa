package vm

import (
	"errors"
	"fmt"
	"math/big"

	"go.starlark.net/syntax"
)

func (cc *compileContext) statement(s syntax.Stmt) error {
	cc.setLine(s)

	if ok, err := cc.specialStatement(s); ok {
		return err
	}

	switch v := s.(type) {
	case *syntax.AssignStmt:
		return cc.assign(v.Op, v.LHS, v.RHS)
	case *syntax.BranchStmt:
		return cc.branch(v)
	case *syntax.DefStmt:
		name, err := cc.function(v.Name.Name, v.Params, v.Body, nil)
		if err != nil {
			return err
		}
		if !cc.topLevel {
			cc.emitName(MAKE_CLOSURE, v.Name.Name, IntValue(cc.codeID(name)))
			cc.emitName(SETVAL, v.Name.Name)
		}
	case *syntax.ExprStmt:
		if _, ok := v.X.(*syntax.Literal); ok {
			// Opt: don't compile literals only to pop them.
			return nil
		}
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		cc.emit(POP)
	case *syntax.ForStmt:
		var names string
		idents := 0
		switch vars := v.Vars.(type) {
		case *syntax.Ident:
			names = vars.Name
			idents = 1
		case *syntax.TupleExpr:
			if len(vars.List) != 2 {
				return errors.New("for loops take one or two variables")
			}
			idents = 2
			for i, id := range vars.List {
				ident, ok := id.(*syntax.Ident)
				if !ok {
					return errors.New("Non-identifier in for variable")
				}
				if i > 0 {
					names += ","
				}
				names += ident.Name
			}
		default:
			return errors.New("Unsupported for variables")
		}
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		endLabel := cc.newLabel()
		if idents == 1 {
			cc.emitName(ITER_START, names, StrValue(endLabel))
		} else {
			cc.emitName(ITER_START_2, names, StrValue(endLabel))
		}
		cc.loops = append(cc.loops, loopLabels{forLoop: true, end: endLabel})
		err = cc.buildFromStatements(v.Body)
		cc.loops = cc.loops[:len(cc.loops)-1]
		if err != nil {
			return err
		}
		cc.emit(ITER_NEXT)
		cc.emitLabel(endLabel)
	case *syntax.WhileStmt:
		// start:
		//   <condition>
		//   JFALSE end
		//   <body>
		//   JMP start
		// end:
		startLabel := cc.newLabel()
		endLabel := cc.newLabel()
		cc.emitLabel(startLabel)
		err := cc.expr(v.Cond)
		if err != nil {
			return err
		}
		cc.emit(JFALSE, StrValue(endLabel))
		cc.loops = append(cc.loops, loopLabels{start: startLabel, end: endLabel})
		err = cc.buildFromStatements(v.Body)
		cc.loops = cc.loops[:len(cc.loops)-1]
		if err != nil {
			return err
		}
		cc.emit(JMP, StrValue(startLabel))
		cc.emitLabel(endLabel)
	case *syntax.IfStmt:
		err := cc.expr(v.Cond)
		if err != nil {
			return err
		}
		label := cc.newLabel()
		cc.emit(JFALSE, StrValue(label))
		err = cc.buildFromStatements(v.True)
		if err != nil {
			return err
		}
		if len(v.False) == 0 {
			cc.emitLabel(label)
			return nil
		}
		endLabel := cc.newLabel()
		cc.emit(JMP, StrValue(endLabel))
		cc.emitLabel(label)
		err = cc.buildFromStatements(v.False)
		if err != nil {
			return err
		}
		cc.emitLabel(endLabel)
	case *syntax.LoadStmt:
		return errors.New("LoadStmt is unimplemented")
	case *syntax.ReturnStmt:
		if v.Result == nil {
			cc.emit(PUSH, Null)
		} else {
			err := cc.expr(v.Result)
			if err != nil {
				return err
			}
		}
		cc.emit(RETURN)
	default:
		return fmt.Errorf("Unhandled statment type %T", s)
	}
	return nil
}

func (cc *compileContext) branch(b *syntax.BranchStmt) error {
	if b.Token == syntax.PASS {
		return nil
	}
	if len(cc.loops) == 0 {
		return fmt.Errorf("%s outside of a loop", b.Token)
	}
	loop := cc.loops[len(cc.loops)-1]
	switch b.Token {
	case syntax.BREAK:
		if loop.forLoop {
			cc.emit(ITER_END)
		} else {
			cc.emit(JMP, StrValue(loop.end))
		}
	case syntax.CONTINUE:
		if loop.forLoop {
			cc.emit(ITER_NEXT)
		} else {
			cc.emit(JMP, StrValue(loop.start))
		}
	default:
		return fmt.Errorf("Unhandled branch %s", b.Token)
	}
	return nil
}

func (cc *compileContext) expr(e syntax.Expr) error {
	cc.setLine(e)

	switch v := e.(type) {
	case *syntax.BinaryExpr:
		if v.Op == syntax.AND || v.Op == syntax.OR {
			return cc.shortCircuitBinOp(v)
		}
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		err = cc.expr(v.Y)
		if err != nil {
			return err
		}
		return cc.binOp(v.Op)
	case *syntax.CallExpr:
		if ok, err := cc.specialCall(v); ok {
			return err
		}
		for _, a := range v.Args {
			err := cc.callArg(a)
			if err != nil {
				return err
			}
		}
		// Stack layout for methods: arg1, ..., argN, receiver
		if dotExpr, ok := v.Fn.(*syntax.DotExpr); ok {
			err := cc.expr(dotExpr.X)
			if err != nil {
				return err
			}
			cc.emitName(CALL_METHOD, dotExpr.Name.Name, IntValue(len(v.Args)))
			return nil
		}
		err := cc.expr(v.Fn)
		if err != nil {
			return err
		}
		cc.emit(CALL, IntValue(len(v.Args)))
	case *syntax.Comprehension:
		return errors.New("Comprehensions are as yet unsupported")
	case *syntax.CondExpr:
		err := cc.expr(v.Cond)
		if err != nil {
			return err
		}
		label := cc.newLabel()
		cc.emit(JFALSE, StrValue(label))
		err = cc.expr(v.True)
		if err != nil {
			return err
		}
		endLabel := cc.newLabel()
		cc.emit(JMP, StrValue(endLabel))
		cc.emitLabel(label)
		err = cc.expr(v.False)
		if err != nil {
			return err
		}
		cc.emitLabel(endLabel)
	case *syntax.DictExpr, *syntax.DictEntry:
		return errors.New("Dicts are unsupported; declare a type with struct()")
	case *syntax.DotExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		cc.emitName(GETATTR, v.Name.Name)
	case *syntax.Ident:
		switch v.Name {
		case "True":
			cc.emit(PUSH, BoolTrue)
		case "False":
			cc.emit(PUSH, BoolFalse)
		case "None":
			cc.emit(PUSH, Null)
		default:
			cc.emitName(GETVAL, v.Name)
		}
	case *syntax.IndexExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		err = cc.expr(v.Y)
		if err != nil {
			return err
		}
		cc.emit(GETINDEX)
	case *syntax.LambdaExpr:
		cc.root.lambdas++
		name, err := cc.function(fmt.Sprintf("lambda.%d", cc.root.lambdas), v.Params, nil, v.Body)
		if err != nil {
			return err
		}
		cc.emitName(MAKE_CLOSURE, name, IntValue(cc.codeID(name)))
	case *syntax.ListExpr:
		for _, exp := range v.List {
			err := cc.expr(exp)
			if err != nil {
				return err
			}
		}
		cc.emit(BUILD_LIST, IntValue(len(v.List)))
	case *syntax.Literal:
		val, err := litToValue(v.Value)
		if err != nil {
			return err
		}
		cc.emit(PUSH, val)
	case *syntax.ParenExpr:
		return cc.expr(unparen(v))
	case *syntax.SliceExpr:
		if v.Step != nil {
			return errors.New("Slice step is not supported")
		}
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		for _, bound := range []syntax.Expr{v.Lo, v.Hi} {
			if bound == nil {
				cc.emit(PUSH, Null)
				continue
			}
			err = cc.expr(bound)
			if err != nil {
				return err
			}
		}
		cc.emit(SLICE)
	case *syntax.TupleExpr:
		for _, exp := range v.List {
			err := cc.expr(exp)
			if err != nil {
				return err
			}
		}
		cc.emit(BUILD_LIST, IntValue(len(v.List)))
	case *syntax.UnaryExpr:
		return cc.unary(v)
	default:
		return fmt.Errorf("Unhandled expr type %T", e)
	}
	return nil
}

// shortCircuitBinOp leaves the deciding operand on the stack.
func (cc *compileContext) shortCircuitBinOp(e *syntax.BinaryExpr) error {
	err := cc.expr(e.X)
	if err != nil {
		return err
	}
	endLabel := cc.newLabel()
	switch e.Op {
	case syntax.AND:
		//   DUP; JFALSE end; POP; <right>; end:
		cc.emit(DUP)
		cc.emit(JFALSE, StrValue(endLabel))
		cc.emit(POP)
	case syntax.OR:
		//   DUP; JFALSE else; JMP end; else: POP; <right>; end:
		elseLabel := cc.newLabel()
		cc.emit(DUP)
		cc.emit(JFALSE, StrValue(elseLabel))
		cc.emit(JMP, StrValue(endLabel))
		cc.emitLabel(elseLabel)
		cc.emit(POP)
	default:
		return fmt.Errorf("shortCircuitBinOp: unexpected op %v", e.Op)
	}
	err = cc.expr(e.Y)
	if err != nil {
		return err
	}
	cc.emitLabel(endLabel)
	return nil
}

func (cc *compileContext) binOp(op syntax.Token) error {
	switch op {
	case syntax.PLUS:
		cc.emit(ADD)
	case syntax.MINUS:
		cc.emit(SUBTRACT)
	case syntax.STAR:
		cc.emit(MULTIPLY)
	case syntax.SLASH:
		cc.emit(DIVIDE)
	case syntax.SLASHSLASH:
		cc.emit(FLOOR_DIVIDE)
	case syntax.PERCENT:
		cc.emit(MODULO)
	case syntax.LT:
		cc.emit(LT)
	case syntax.GT:
		cc.emit(LTE)
		cc.emit(NOT)
	case syntax.GE:
		cc.emit(LT)
		cc.emit(NOT)
	case syntax.LE:
		cc.emit(LTE)
	case syntax.EQL:
		cc.emit(EQ)
	case syntax.NEQ:
		cc.emit(EQ)
		cc.emit(NOT)
	case syntax.IN:
		cc.emit(IN)
	case syntax.NOT_IN:
		cc.emit(IN)
		cc.emit(NOT)
	default:
		return fmt.Errorf("compileContext: Unhandled binary operation %s", op)
	}
	return nil
}

func (cc *compileContext) unary(e *syntax.UnaryExpr) error {
	err := cc.expr(e.X)
	if err != nil {
		return err
	}
	switch e.Op {
	case syntax.NOT:
		cc.emit(NOT)
	case syntax.MINUS:
		// 0 - x
		cc.emit(PUSH, IntValue(0))
		cc.emit(SWAP)
		cc.emit(SUBTRACT)
	case syntax.PLUS:
	default:
		return fmt.Errorf("compileContext: Unhandled unary operation %s", e.Op)
	}
	return nil
}

func (cc *compileContext) callArg(arg syntax.Expr) error {
	switch v := arg.(type) {
	case *syntax.BinaryExpr:
		if v.Op == syntax.EQ {
			return errors.New("Keyword arguments are unsupported; pass arguments by position")
		}
	case *syntax.UnaryExpr:
		if v.Op == syntax.STAR || v.Op == syntax.STARSTAR {
			return errors.New("Splats are currently unsupported")
		}
	}
	return cc.expr(arg)
}

func (cc *compileContext) assign(op syntax.Token, lhs syntax.Expr, rhs syntax.Expr) error {
	if op != syntax.EQ {
		return cc.augmentedAssign(op, lhs, rhs)
	}
	err := cc.expr(rhs)
	if err != nil {
		return err
	}
	return cc.store(lhs)
}

// store pops the value on top of the stack into lhs.
func (cc *compileContext) store(lhs syntax.Expr) error {
	switch v := unparen(lhs).(type) {
	case *syntax.Ident:
		if v.Name == "True" || v.Name == "False" || v.Name == "None" {
			return fmt.Errorf("Reassigning `%s` is not allowed", v.Name)
		}
		cc.emitName(SETVAL, v.Name)
	case *syntax.IndexExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		err = cc.expr(v.Y)
		if err != nil {
			return err
		}
		cc.emit(SETINDEX)
	case *syntax.DotExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		cc.emitName(SETATTR, v.Name.Name)
	default:
		return fmt.Errorf("assign: Unhandled LHS expr type %T", lhs)
	}
	return nil
}

func (cc *compileContext) augmentedAssign(op syntax.Token, lhs syntax.Expr, rhs syntax.Expr) error {
	var code Opcode
	switch op {
	case syntax.PLUS_EQ:
		code = ADD
	case syntax.MINUS_EQ:
		code = SUBTRACT
	case syntax.STAR_EQ:
		code = MULTIPLY
	case syntax.SLASH_EQ:
		code = DIVIDE
	case syntax.SLASHSLASH_EQ:
		code = FLOOR_DIVIDE
	case syntax.PERCENT_EQ:
		code = MODULO
	default:
		return fmt.Errorf("%s assignments unimplemented", op)
	}
	err := cc.expr(lhs)
	if err != nil {
		return err
	}
	err = cc.expr(rhs)
	if err != nil {
		return err
	}
	cc.emit(code)
	return cc.store(lhs)
}

func getFunctionParams(e []syntax.Expr) ([]FunctionParam, error) {
	var out []FunctionParam
	for _, x := range e {
		switch v := x.(type) {
		case *syntax.Ident:
			out = append(out, FunctionParam{Name: v.Name})
		case *syntax.BinaryExpr:
			if v.Op != syntax.EQ {
				return nil, fmt.Errorf("Only assignments are allowed within a function parameter")
			}
			arg, ok := v.X.(*syntax.Ident)
			if !ok {
				return nil, fmt.Errorf("Default parameters must be named")
			}
			val, err := literalExpr(v.Y)
			if err != nil {
				return nil, fmt.Errorf("default for %s: %w", arg.Name, err)
			}
			out = append(out, FunctionParam{Name: arg.Name, Default: val})
		default:
			return nil, fmt.Errorf("Unhandled function param expr type %T", x)
		}
	}
	return out, nil
}

// literalExpr evaluates the constant expressions allowed as defaults.
func literalExpr(e syntax.Expr) (Value, error) {
	switch y := unparen(e).(type) {
	case *syntax.Literal:
		return litToValue(y.Value)
	case *syntax.Ident:
		switch y.Name {
		case "True":
			return BoolTrue, nil
		case "False":
			return BoolFalse, nil
		case "None":
			return Null, nil
		}
	case *syntax.UnaryExpr:
		if y.Op == syntax.MINUS {
			v, err := literalExpr(y.X)
			if err != nil {
				return nil, err
			}
			switch n := v.(type) {
			case IntValue:
				return -n, nil
			case FloatValue:
				return -n, nil
			}
		}
	}
	return nil, fmt.Errorf("Only literals are supported as defaults")
}

func unparen(e syntax.Expr) syntax.Expr {
	if p, ok := e.(*syntax.ParenExpr); ok {
		return unparen(p.X)
	}
	return e
}

func litToValue(l any) (Value, error) {
	switch t := l.(type) {
	case int64:
		return IntValue(t), nil
	case *big.Int:
		return nil, fmt.Errorf("integer literal %s does not fit in 64 bits", t)
	case string:
		return StrValue(t), nil
	case float64:
		return FloatValue(t), nil
	}
	return nil, fmt.Errorf("litToValue: Unsupported literal value type %T", l)
}
