package debug

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/gear-lang/gear/interp"
	"github.com/gear-lang/gear/vm"
)

type stepMode int

const (
	modeRun stepMode = iota
	modePause
	modeStepOver
	modeStepIn
	modeStepOut
)

// stepAnchor identifies where execution stood: the frame, its depth and
// the current source line.
type stepAnchor struct {
	frame *interp.StackFrame
	depth int
	line  int
}

type resumeCmd struct {
	mode stepMode
}

type cmdResult struct {
	val any
	err error
}

// command is work for the paused mutator: either an inspection run against
// the machine, or an order to resume.
type command struct {
	inspect func(m *interp.Machine) (any, error)
	resume  *resumeCmd
	reply   chan cmdResult
}

// OnStep implements interp.StepHook.
func (s *Server) OnStep(m *interp.Machine, frame *interp.StackFrame, op vm.Op) {
	if !s.connected.Load() {
		return
	}
	here := stepAnchor{frame: frame, depth: m.Depth(), line: int(op.Line)}
	s.mu.Lock()
	reason := s.shouldStop(m, frame, here)
	s.lastSeen = here
	s.mu.Unlock()
	if reason != "" {
		s.pause(m, here, reason)
	}
}

// shouldStop is called with mu held.
func (s *Server) shouldStop(m *interp.Machine, frame *interp.StackFrame, here stepAnchor) string {
	newLine := here.line > 0 && (here.frame != s.lastSeen.frame || here.line != s.lastSeen.line)
	moved := here.line > 0 && (here.frame != s.anchor.frame || here.line != s.anchor.line)
	switch s.mode {
	case modePause:
		return ReasonPause
	case modeStepIn:
		if moved {
			return ReasonStep
		}
	case modeStepOver:
		if moved && here.depth <= s.anchor.depth {
			return ReasonStep
		}
	case modeStepOut:
		if here.line > 0 && here.depth < s.anchor.depth {
			return ReasonStep
		}
	}
	if frame.PC.Offset() == 0 && len(s.funcBPs) != 0 {
		if s.funcBPs[m.Program.FunctionName(frame.PC)] {
			return ReasonFunctionBreakpoint
		}
	}
	if newLine && s.lineBPs[here.line] {
		return ReasonBreakpoint
	}
	return ""
}

// pause blocks the mutator, serving inspection commands until told to
// resume or the client goes away.
func (s *Server) pause(m *interp.Machine, here stepAnchor, reason string) {
	s.mu.Lock()
	s.paused = true
	s.mode = modeRun
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
	}()

	fn := m.Program.FunctionName(here.frame.PC)
	log.Debug().Str("reason", reason).Str("function", fn).Int("line", here.line).Msg("debug: paused")
	s.notify(EventStopped, StoppedEvent{Reason: reason, ThreadID: MainThread, Function: fn, Line: here.line})

	for {
		select {
		case cmd := <-s.cmds:
			if cmd.resume != nil {
				s.mu.Lock()
				s.mode = cmd.resume.mode
				s.anchor = here
				s.mu.Unlock()
				if cmd.reply != nil {
					cmd.reply <- cmdResult{}
				}
				s.notify(EventContinued, ContinuedEvent{ThreadID: MainThread})
				return
			}
			v, err := cmd.inspect(m)
			cmd.reply <- cmdResult{val: v, err: err}
		case <-s.ctx.Done():
			return
		}
	}
}

// onMutator hands cmd to the paused mutator and waits for its answer.
func (s *Server) onMutator(ctx context.Context, cmd command) (any, error) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if !paused {
		return nil, ErrNotPaused
	}
	cmd.reply = make(chan cmdResult, 1)
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) inspect(ctx context.Context, fn func(m *interp.Machine) (any, error)) (any, error) {
	return s.onMutator(ctx, command{inspect: fn})
}

func (s *Server) resume(ctx context.Context, mode stepMode) (any, error) {
	if _, err := s.onMutator(ctx, command{resume: &resumeCmd{mode: mode}}); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	log.Trace().Str("method", req.Method).Msg("debug: request")
	switch req.Method {
	case MethodInitialize:
		s.attachOnce.Do(func() { close(s.attached) })
		return Capabilities{
			SessionID:                   s.id.String(),
			Source:                      s.target.Machine().Program.Source,
			SupportsFunctionBreakpoints: true,
			SupportsStepOut:             true,
			SupportsRegisters:           true,
		}, nil

	case MethodConfigurationDone:
		return true, nil

	case MethodSetBreakpoints:
		var p SetBreakpointsParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		prog := s.target.Machine().Program
		bps := make(map[int]bool, len(p.Lines))
		out := make([]Breakpoint, 0, len(p.Lines))
		for _, line := range p.Lines {
			ok := hasLine(prog, line)
			if ok {
				bps[line] = true
			}
			out = append(out, Breakpoint{Line: line, Verified: ok})
		}
		s.mu.Lock()
		s.lineBPs = bps
		s.mu.Unlock()
		return out, nil

	case MethodSetFunctionBreakpoints:
		var p SetFunctionBreakpointsParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		prog := s.target.Machine().Program
		bps := make(map[string]bool, len(p.Names))
		out := make([]Breakpoint, 0, len(p.Names))
		for _, name := range p.Names {
			_, ok := prog.Resolve(name)
			if ok {
				bps[name] = true
			}
			out = append(out, Breakpoint{Function: name, Verified: ok})
		}
		s.mu.Lock()
		s.funcBPs = bps
		s.mu.Unlock()
		return out, nil

	case MethodThreads:
		return []Thread{{ID: MainThread, Name: "main"}}, nil

	case MethodPause:
		s.mu.Lock()
		if !s.paused {
			s.mode = modePause
		}
		s.mu.Unlock()
		return true, nil

	case MethodContinue:
		return s.resume(ctx, modeRun)
	case MethodNext:
		return s.resume(ctx, modeStepOver)
	case MethodStepIn:
		return s.resume(ctx, modeStepIn)
	case MethodStepOut:
		return s.resume(ctx, modeStepOut)

	case MethodStackTrace:
		return s.inspect(ctx, func(m *interp.Machine) (any, error) {
			trace := m.Backtrace()
			out := make([]StackFrame, len(trace))
			for i, f := range trace {
				out[i] = StackFrame{ID: f.Depth, Name: f.Function, Line: f.Line, Native: f.Native}
			}
			return out, nil
		})

	case MethodVariables:
		var p VariablesParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.inspect(ctx, func(m *interp.Machine) (any, error) {
			frame := m.Globals
			if p.Scope != ScopeGlobals {
				f, ok := m.Frame(p.FrameID)
				if !ok {
					return nil, invalidParams("no frame %d", p.FrameID)
				}
				frame = f
			}
			names := frame.SortedNames()
			out := make([]Variable, 0, len(names))
			for _, name := range names {
				v := frame.Variables[name]
				out = append(out, Variable{Name: name, Value: interp.FormatValue(v), Type: vm.TypeName(v)})
			}
			return out, nil
		})

	case MethodRegisters:
		var p RegistersParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.inspect(ctx, func(*interp.Machine) (any, error) {
			out := make([]Register, 0, len(p.Handles))
			for _, h := range p.Handles {
				r := Register{Handle: h}
				if v, ok := s.target.Register(h); ok {
					r.Valid = true
					r.Value = interp.FormatValue(v)
					r.Type = vm.TypeName(v)
				}
				out = append(out, r)
			}
			return out, nil
		})

	case MethodDisconnect:
		go conn.Close()
		return true, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not supported: %s", req.Method)}
}

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return nil
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func invalidParams(format string, args ...any) error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func hasLine(p *vm.Program, line int) bool {
	check := func(f *vm.Function) bool {
		for _, op := range f.Bytecode {
			if int(op.Line) == line {
				return true
			}
		}
		return false
	}
	if check(p.Main) {
		return true
	}
	for _, f := range p.Code {
		if check(f) {
			return true
		}
	}
	return false
}
