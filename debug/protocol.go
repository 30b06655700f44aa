package debug

// Request and notification bodies. Messages are JSON-RPC 2.0 objects
// framed with Content-Length headers.

const (
	MethodInitialize             = "initialize"
	MethodSetBreakpoints         = "setBreakpoints"
	MethodSetFunctionBreakpoints = "setFunctionBreakpoints"
	MethodConfigurationDone      = "configurationDone"
	MethodThreads                = "threads"
	MethodStackTrace             = "stackTrace"
	MethodVariables              = "variables"
	MethodRegisters              = "registers"
	MethodPause                  = "pause"
	MethodContinue               = "continue"
	MethodNext                   = "next"
	MethodStepIn                 = "stepIn"
	MethodStepOut                = "stepOut"
	MethodDisconnect             = "disconnect"

	EventStopped   = "stopped"
	EventContinued = "continued"
)

const MainThread = 1

type InitializeParams struct {
	ClientName string `json:"clientName,omitempty"`
}

type Capabilities struct {
	SessionID                   string `json:"sessionId"`
	Source                      string `json:"source"`
	SupportsFunctionBreakpoints bool   `json:"supportsFunctionBreakpoints"`
	SupportsStepOut             bool   `json:"supportsStepOut"`
	SupportsRegisters           bool   `json:"supportsRegisters"`
}

type SetBreakpointsParams struct {
	Lines []int `json:"lines"`
}

type SetFunctionBreakpointsParams struct {
	Names []string `json:"names"`
}

type Breakpoint struct {
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
	Verified bool   `json:"verified"`
}

type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type StackFrame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Line   int    `json:"line"`
	Native bool   `json:"native,omitempty"`
}

const (
	ScopeLocals  = "locals"
	ScopeGlobals = "globals"
)

type VariablesParams struct {
	FrameID int    `json:"frameId"`
	Scope   string `json:"scope"`
}

type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

type RegistersParams struct {
	Handles []int64 `json:"handles"`
}

type Register struct {
	Handle int64  `json:"handle"`
	Value  string `json:"value"`
	Type   string `json:"type"`
	Valid  bool   `json:"valid"`
}

type StoppedEvent struct {
	Reason   string `json:"reason"`
	ThreadID int    `json:"threadId"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

type ContinuedEvent struct {
	ThreadID int `json:"threadId"`
}

const (
	ReasonBreakpoint         = "breakpoint"
	ReasonFunctionBreakpoint = "function breakpoint"
	ReasonStep               = "step"
	ReasonPause              = "pause"
)
