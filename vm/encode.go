package vm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/shamaton/msgpack/v2"
)

const (
	imageMagic   = "GEAR"
	imageVersion = 1
)

var ErrBadImage = errors.New("not a gear module image")

// The wire forms keep Value out of the encoded structs: the codec cannot
// reconstruct an interface, so values travel as a tagged union.
type wireKind uint8

const (
	wireAbsent wireKind = iota
	wireNull
	wireBool
	wireInt
	wireFloat
	wireStr
)

type wireValue struct {
	Kind  wireKind `msgpack:"k"`
	Int   int64    `msgpack:"i"`
	Float float64  `msgpack:"f"`
	Str   string   `msgpack:"s"`
}

type wireOp struct {
	Code uint32    `msgpack:"c"`
	Arg  wireValue `msgpack:"a"`
	Name string    `msgpack:"n"`
	Line int32     `msgpack:"l"`
}

type wireParam struct {
	Name    string    `msgpack:"n"`
	Default wireValue `msgpack:"d"`
}

type wireFunction struct {
	Name     string      `msgpack:"n"`
	Params   []wireParam `msgpack:"p"`
	Captures []string    `msgpack:"c"`
	Ops      []wireOp    `msgpack:"o"`
}

type wireType struct {
	Name   string      `msgpack:"n"`
	Fields []wireParam `msgpack:"f"`
}

type wireProgram struct {
	Source  string         `msgpack:"src"`
	Main    wireFunction   `msgpack:"main"`
	Code    []wireFunction `msgpack:"code"`
	Natives []string       `msgpack:"natives"`
	Types   []wireType     `msgpack:"types"`
}

func toWire(v Value) (wireValue, error) {
	switch t := v.(type) {
	case nil:
		return wireValue{Kind: wireAbsent}, nil
	case NullValue:
		return wireValue{Kind: wireNull}, nil
	case BoolValue:
		if t {
			return wireValue{Kind: wireBool, Int: 1}, nil
		}
		return wireValue{Kind: wireBool}, nil
	case IntValue:
		return wireValue{Kind: wireInt, Int: int64(t)}, nil
	case FloatValue:
		return wireValue{Kind: wireFloat, Float: float64(t)}, nil
	case StrValue:
		return wireValue{Kind: wireStr, Str: string(t)}, nil
	}
	return wireValue{}, fmt.Errorf("value of type %s cannot appear in a module image", TypeName(v))
}

func fromWire(w wireValue) (Value, error) {
	switch w.Kind {
	case wireAbsent:
		return nil, nil
	case wireNull:
		return Null, nil
	case wireBool:
		return BoolValue(w.Int != 0), nil
	case wireInt:
		return IntValue(w.Int), nil
	case wireFloat:
		return FloatValue(w.Float), nil
	case wireStr:
		return StrValue(w.Str), nil
	}
	return nil, fmt.Errorf("unknown value kind %d", w.Kind)
}

func functionToWire(f *Function) (wireFunction, error) {
	out := wireFunction{Name: f.Name, Captures: f.Captures}
	for _, p := range f.Params {
		d, err := toWire(p.Default)
		if err != nil {
			return out, err
		}
		out.Params = append(out.Params, wireParam{Name: p.Name, Default: d})
	}
	for _, op := range f.Bytecode {
		a, err := toWire(op.Arg)
		if err != nil {
			return out, fmt.Errorf("%s: %w", f.Name, err)
		}
		out.Ops = append(out.Ops, wireOp{Code: uint32(op.Code), Arg: a, Name: op.Name, Line: op.Line})
	}
	return out, nil
}

func functionFromWire(w wireFunction) (*Function, error) {
	f := &Function{Name: w.Name}
	if len(w.Captures) != 0 {
		f.Captures = w.Captures
	}
	for _, p := range w.Params {
		d, err := fromWire(p.Default)
		if err != nil {
			return nil, err
		}
		f.Params = append(f.Params, FunctionParam{Name: p.Name, Default: d})
	}
	for _, op := range w.Ops {
		a, err := fromWire(op.Arg)
		if err != nil {
			return nil, err
		}
		f.Bytecode = append(f.Bytecode, Op{Code: Opcode(op.Code), Arg: a, Name: op.Name, Line: op.Line})
	}
	return f, nil
}

// EncodeProgram writes p as a module image.
func EncodeProgram(w io.Writer, p *Program) error {
	wp := wireProgram{Source: p.Source, Natives: p.Natives}
	var err error
	wp.Main, err = functionToWire(p.Main)
	if err != nil {
		return err
	}
	for _, f := range p.Code {
		wf, err := functionToWire(f)
		if err != nil {
			return err
		}
		wp.Code = append(wp.Code, wf)
	}
	for _, t := range p.Types {
		wt := wireType{Name: t.Name}
		for _, fd := range t.Fields {
			d, err := toWire(fd.Default)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", t.Name, fd.Name, err)
			}
			wt.Fields = append(wt.Fields, wireParam{Name: fd.Name, Default: d})
		}
		wp.Types = append(wp.Types, wt)
	}
	if _, err := io.WriteString(w, imageMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{imageVersion}); err != nil {
		return err
	}
	return msgpack.MarshalWrite(w, wp)
}

func MarshalProgram(p *Program) ([]byte, error) {
	var buf bytes.Buffer
	err := EncodeProgram(&buf, p)
	return buf.Bytes(), err
}

// DecodeProgram reads and validates a module image.
func DecodeProgram(r io.Reader) (*Program, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(imageMagic)+1)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if string(head[:len(imageMagic)]) != imageMagic {
		return nil, ErrBadImage
	}
	if head[len(imageMagic)] != imageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadImage, head[len(imageMagic)])
	}
	var wp wireProgram
	if err := msgpack.UnmarshalRead(br, &wp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	p := &Program{
		Source:      wp.Source,
		Definitions: make(map[string]int),
	}
	if len(wp.Natives) != 0 {
		p.Natives = wp.Natives
	}
	var err error
	p.Main, err = functionFromWire(wp.Main)
	if err != nil {
		return nil, err
	}
	for _, wf := range wp.Code {
		f, err := functionFromWire(wf)
		if err != nil {
			return nil, err
		}
		p.Code = append(p.Code, f)
		p.Definitions[f.Name] = len(p.Code)
	}
	for _, wt := range wp.Types {
		t := &TypeDesc{Name: wt.Name}
		for _, fd := range wt.Fields {
			d, err := fromWire(fd.Default)
			if err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, FieldDef{Name: fd.Name, Default: d})
		}
		p.Types = append(p.Types, t)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return p, nil
}

func UnmarshalProgram(data []byte) (*Program, error) {
	return DecodeProgram(bytes.NewReader(data))
}

// Validate checks that every instruction is well formed, so a running
// program never indexes outside its own code or pops an empty stack.
func (p *Program) Validate() error {
	if p.Main == nil {
		return errors.New("missing main block")
	}
	if len(p.Definitions) != len(p.Code) {
		return errors.New("duplicate function names")
	}
	check := func(f *Function) error {
		for i, op := range f.Bytecode {
			if op.Code >= OpcodeMax || op.Code == LABEL {
				return fmt.Errorf("%s:%d: bad opcode %d", f.Name, i, op.Code)
			}
			switch op.Code {
			case JMP, JFALSE, ITER_START, ITER_START_2:
				n, ok := op.Arg.(IntValue)
				if !ok || n < 0 || int(n) > len(f.Bytecode) {
					return fmt.Errorf("%s:%d: bad jump target", f.Name, i)
				}
			case CALL, CALL_METHOD, BUILD_LIST:
				if n, ok := op.Arg.(IntValue); !ok || n < 0 {
					return fmt.Errorf("%s:%d: bad count", f.Name, i)
				}
			case MAKE_CLOSURE:
				n, ok := op.Arg.(IntValue)
				if !ok || n < 1 || int(n) > len(p.Code) {
					return fmt.Errorf("%s:%d: bad closure target", f.Name, i)
				}
			case PUSH:
				if op.Arg == nil {
					return fmt.Errorf("%s:%d: PUSH without operand", f.Name, i)
				}
			case GETVAL, SETVAL, GETATTR, SETATTR:
				if op.Name == "" {
					return fmt.Errorf("%s:%d: %s without a name", f.Name, i, op.Code)
				}
			}
		}
		return checkStack(f)
	}
	if err := check(p.Main); err != nil {
		return err
	}
	for _, f := range p.Code {
		if err := check(f); err != nil {
			return err
		}
	}
	return p.checkNames()
}

// stackEffect reports how many operands op pops and pushes.
func stackEffect(op Op) (pops, pushes int64) {
	switch op.Code {
	case POP, SETVAL, JFALSE, RETURN, ITER_START, ITER_START_2:
		return 1, 0
	case PUSH, GETVAL, MAKE_CLOSURE:
		return 0, 1
	case GETATTR, NOT:
		return 1, 1
	case SETATTR:
		return 2, 0
	case SETINDEX:
		return 3, 0
	case SWAP:
		return 2, 2
	case DUP:
		return 1, 2
	case GETINDEX, ADD, SUBTRACT, MULTIPLY, DIVIDE, MODULO, FLOOR_DIVIDE, EQ, LT, LTE, IN:
		return 2, 1
	case SLICE:
		return 3, 1
	case BUILD_LIST:
		return int64(op.Arg.(IntValue)), 1
	case CALL, CALL_METHOD:
		return int64(op.Arg.(IntValue)) + 1, 1
	}
	return 0, 0
}

// checkStack walks every path through f tracking the smallest operand
// depth each instruction can start with, and fails if any instruction
// could pop more than that. Loops re-enter at the instruction after their
// ITER_START, so ITER_NEXT and ITER_END add no edges of their own.
func checkStack(f *Function) error {
	depth := make([]int64, len(f.Bytecode))
	for i := range depth {
		depth[i] = -1
	}
	work := []int{0}
	if len(f.Bytecode) > 0 {
		depth[0] = 0
	}
	visit := func(pc int, d int64) {
		if pc >= len(f.Bytecode) {
			return
		}
		if depth[pc] < 0 || d < depth[pc] {
			depth[pc] = d
			work = append(work, pc)
		}
	}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		if pc >= len(f.Bytecode) {
			continue
		}
		op := f.Bytecode[pc]
		pops, pushes := stackEffect(op)
		if pops > depth[pc] {
			return fmt.Errorf("%s:%d: %s needs %d operands, %d available", f.Name, pc, op.Code, pops, depth[pc])
		}
		next := depth[pc] - pops + pushes
		switch op.Code {
		case JMP:
			visit(int(op.Arg.(IntValue)), next)
		case JFALSE, ITER_START, ITER_START_2:
			visit(pc+1, next)
			visit(int(op.Arg.(IntValue)), next)
		case RETURN, ITER_NEXT, ITER_END:
		default:
			visit(pc+1, next)
		}
	}
	return nil
}
