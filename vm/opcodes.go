package vm

type Opcode uint32

const (
	NOP Opcode = iota
	// PRE-STACK ... TOS+1 TOS | OP |  POST-STACK |
	POP      // A | | NIL
	PUSH     // NIL | x | A
	SETVAL   // A | name = A | NIL
	GETVAL   // NIL | retrieve name | A
	GETATTR  // A | B = A.name | B
	SETATTR  // C A | A.name = C |
	GETINDEX // A B | C = A[B] | C
	SETINDEX // C A B | A[B] = C |
	SWAP     // A B | | B A
	DUP      // A | | A A

	ADD          // A B | C = A + B | C
	SUBTRACT     // A B | C = A - B | C
	MULTIPLY     // A B | C = A * B | C
	DIVIDE       // A B | C = A / B | C
	MODULO       // A B | C = A % B | C
	FLOOR_DIVIDE // A B | C = A // B | C

	EQ  // A B | C = A == B | C
	LT  // A B | C = A < B | C
	LTE // A B | C = A <= B | C
	NOT // A | B = not A | B
	IN  // A B | C = A in B | C

	SLICE // List Start End | Result = List[Start:End] | Result (Null for start/end means beginning/end)

	JMP    // | Jumps Unconditionally to Arg |
	JFALSE // A | Jumps to Arg if A is false |

	RETURN // A | Returns A up a stack frame |

	BUILD_LIST // A B C | 3 | [A B C]

	ITER_START   // IT | name: loop variable, arg: end label |
	ITER_START_2 // IT | name: "index,value", arg: end label |
	ITER_NEXT    // Nexts the iteration
	ITER_END     // Pops the iterator stack prematurely, jumps to end label

	CALL        // A B C Fn | arg: 3, calls Fn with the top three args |
	CALL_METHOD // A B receiver | arg: 2, name: method, calls receiver.method(A, B) |

	MAKE_CLOSURE // | arg: function, captures the function's free names | Closure

	LABEL
	OpcodeMax
)

func (o Opcode) String() string {
	switch o {
	case NOP:
		return "NOP"
	case POP:
		return "POP"
	case PUSH:
		return "PUSH"
	case SETVAL:
		return "SETVAL"
	case GETVAL:
		return "GETVAL"
	case GETATTR:
		return "GETATTR"
	case SETATTR:
		return "SETATTR"
	case GETINDEX:
		return "GETINDEX"
	case SETINDEX:
		return "SETINDEX"
	case SWAP:
		return "SWAP"
	case DUP:
		return "DUP"
	case ADD:
		return "ADD"
	case SUBTRACT:
		return "SUBTRACT"
	case MULTIPLY:
		return "MULTIPLY"
	case DIVIDE:
		return "DIVIDE"
	case MODULO:
		return "MODULO"
	case FLOOR_DIVIDE:
		return "FLOOR_DIVIDE"
	case EQ:
		return "EQ"
	case LT:
		return "LT"
	case LTE:
		return "LTE"
	case NOT:
		return "NOT"
	case IN:
		return "IN"
	case SLICE:
		return "SLICE"
	case JMP:
		return "JMP"
	case JFALSE:
		return "JFALSE"
	case RETURN:
		return "RETURN"
	case BUILD_LIST:
		return "BUILD_LIST"
	case ITER_START:
		return "ITER_START"
	case ITER_START_2:
		return "ITER_START_2"
	case ITER_NEXT:
		return "ITER_NEXT"
	case ITER_END:
		return "ITER_END"
	case CALL:
		return "CALL"
	case CALL_METHOD:
		return "CALL_METHOD"
	case MAKE_CLOSURE:
		return "MAKE_CLOSURE"
	case LABEL:
		return "LABEL"
	}
	panic("Unnamed opcode")
}
