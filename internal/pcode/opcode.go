package pcode

import "fmt"

// OpCode is the kind of a micro-operation. The numeric values are the
// engines' wire contract; 45 is reserved and never produced.
type OpCode uint32

const (
	OpCopy      OpCode = 1 // copy one operand to another
	OpLoad      OpCode = 2 // load through a pointer into a space
	OpStore     OpCode = 3 // store through a pointer into a space
	OpBranch    OpCode = 4
	OpCBranch   OpCode = 5
	OpBranchInd OpCode = 6 // indirect branch (jump table)
	OpCall      OpCode = 7
	OpCallInd   OpCode = 8
	OpCallOther OpCode = 9 // user defined operation
	OpReturn    OpCode = 10

	OpIntEqual      OpCode = 11
	OpIntNotEqual   OpCode = 12
	OpIntSLess      OpCode = 13
	OpIntSLessEqual OpCode = 14
	OpIntLess       OpCode = 15 // also a borrow on unsigned subtraction
	OpIntLessEqual  OpCode = 16
	OpIntZExt       OpCode = 17
	OpIntSExt       OpCode = 18
	OpIntAdd        OpCode = 19
	OpIntSub        OpCode = 20
	OpIntCarry      OpCode = 21
	OpIntSCarry     OpCode = 22
	OpIntSBorrow    OpCode = 23
	OpInt2Comp      OpCode = 24
	OpIntNegate     OpCode = 25
	OpIntXor        OpCode = 26
	OpIntAnd        OpCode = 27
	OpIntOr         OpCode = 28
	OpIntLeft       OpCode = 29
	OpIntRight      OpCode = 30
	OpIntSRight     OpCode = 31
	OpIntMult       OpCode = 32
	OpIntDiv        OpCode = 33
	OpIntSDiv       OpCode = 34
	OpIntRem        OpCode = 35
	OpIntSRem       OpCode = 36

	OpBoolNegate OpCode = 37
	OpBoolXor    OpCode = 38
	OpBoolAnd    OpCode = 39
	OpBoolOr     OpCode = 40

	OpFloatEqual       OpCode = 41
	OpFloatNotEqual    OpCode = 42
	OpFloatLess        OpCode = 43
	OpFloatLessEqual   OpCode = 44
	opReserved45       OpCode = 45
	OpFloatNan         OpCode = 46
	OpFloatAdd         OpCode = 47
	OpFloatDiv         OpCode = 48
	OpFloatMult        OpCode = 49
	OpFloatSub         OpCode = 50
	OpFloatNeg         OpCode = 51
	OpFloatAbs         OpCode = 52
	OpFloatSqrt        OpCode = 53
	OpFloatInt2Float   OpCode = 54
	OpFloatFloat2Float OpCode = 55
	OpFloatTrunc       OpCode = 56
	OpFloatCeil        OpCode = 57
	OpFloatFloor       OpCode = 58
	OpFloatRound       OpCode = 59

	OpMultiEqual OpCode = 60 // phi node
	OpIndirect   OpCode = 61 // copy with an indirect effect
	OpPiece      OpCode = 62 // concatenate
	OpSubPiece   OpCode = 63 // truncate
	OpCast       OpCode = 64
	OpPtrAdd     OpCode = 65 // index into an array
	OpPtrSub     OpCode = 66 // drill down to a sub-field
	OpSegmentOp  OpCode = 67
	OpCPoolRef   OpCode = 68
	OpNew        OpCode = 69
	OpInsert     OpCode = 70
	OpExtract    OpCode = 71
	OpPopCount   OpCode = 72
	OpMax        OpCode = 73
)

var opNames = [...]string{
	OpCopy:             "COPY",
	OpLoad:             "LOAD",
	OpStore:            "STORE",
	OpBranch:           "BRANCH",
	OpCBranch:          "CBRANCH",
	OpBranchInd:        "BRANCHIND",
	OpCall:             "CALL",
	OpCallInd:          "CALLIND",
	OpCallOther:        "CALLOTHER",
	OpReturn:           "RETURN",
	OpIntEqual:         "INT_EQUAL",
	OpIntNotEqual:      "INT_NOTEQUAL",
	OpIntSLess:         "INT_SLESS",
	OpIntSLessEqual:    "INT_SLESSEQUAL",
	OpIntLess:          "INT_LESS",
	OpIntLessEqual:     "INT_LESSEQUAL",
	OpIntZExt:          "INT_ZEXT",
	OpIntSExt:          "INT_SEXT",
	OpIntAdd:           "INT_ADD",
	OpIntSub:           "INT_SUB",
	OpIntCarry:         "INT_CARRY",
	OpIntSCarry:        "INT_SCARRY",
	OpIntSBorrow:       "INT_SBORROW",
	OpInt2Comp:         "INT_2COMP",
	OpIntNegate:        "INT_NEGATE",
	OpIntXor:           "INT_XOR",
	OpIntAnd:           "INT_AND",
	OpIntOr:            "INT_OR",
	OpIntLeft:          "INT_LEFT",
	OpIntRight:         "INT_RIGHT",
	OpIntSRight:        "INT_SRIGHT",
	OpIntMult:          "INT_MULT",
	OpIntDiv:           "INT_DIV",
	OpIntSDiv:          "INT_SDIV",
	OpIntRem:           "INT_REM",
	OpIntSRem:          "INT_SREM",
	OpBoolNegate:       "BOOL_NEGATE",
	OpBoolXor:          "BOOL_XOR",
	OpBoolAnd:          "BOOL_AND",
	OpBoolOr:           "BOOL_OR",
	OpFloatEqual:       "FLOAT_EQUAL",
	OpFloatNotEqual:    "FLOAT_NOTEQUAL",
	OpFloatLess:        "FLOAT_LESS",
	OpFloatLessEqual:   "FLOAT_LESSEQUAL",
	OpFloatNan:         "FLOAT_NAN",
	OpFloatAdd:         "FLOAT_ADD",
	OpFloatDiv:         "FLOAT_DIV",
	OpFloatMult:        "FLOAT_MULT",
	OpFloatSub:         "FLOAT_SUB",
	OpFloatNeg:         "FLOAT_NEG",
	OpFloatAbs:         "FLOAT_ABS",
	OpFloatSqrt:        "FLOAT_SQRT",
	OpFloatInt2Float:   "INT2FLOAT",
	OpFloatFloat2Float: "FLOAT2FLOAT",
	OpFloatTrunc:       "TRUNC",
	OpFloatCeil:        "CEIL",
	OpFloatFloor:       "FLOOR",
	OpFloatRound:       "ROUND",
	OpMultiEqual:       "MULTIEQUAL",
	OpIndirect:         "INDIRECT",
	OpPiece:            "PIECE",
	OpSubPiece:         "SUBPIECE",
	OpCast:             "CAST",
	OpPtrAdd:           "PTRADD",
	OpPtrSub:           "PTRSUB",
	OpSegmentOp:        "SEGMENTOP",
	OpCPoolRef:         "CPOOLREF",
	OpNew:              "NEW",
	OpInsert:           "INSERT",
	OpExtract:          "EXTRACT",
	OpPopCount:         "POPCOUNT",
	OpMax:              "MAX",
}

var opByName = func() map[string]OpCode {
	m := make(map[string]OpCode, len(opNames))
	for i, n := range opNames {
		if n != "" {
			m[n] = OpCode(i)
		}
	}
	return m
}()

// OpCodeFromUint32 decodes a raw opcode value. Zero, the reserved slot 45
// and anything above OpMax are reported as unrecognized.
func OpCodeFromUint32(v uint32) (OpCode, bool) {
	if v >= uint32(len(opNames)) || opNames[v] == "" {
		return 0, false
	}
	return OpCode(v), true
}

// OpCodeByName looks an opcode up by its engine name, e.g. "INT_ADD".
func OpCodeByName(name string) (OpCode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// Uint32 returns the wire value.
func (op OpCode) Uint32() uint32 { return uint32(op) }

// Valid reports whether op is a recognized opcode.
func (op OpCode) Valid() bool {
	_, ok := OpCodeFromUint32(uint32(op))
	return ok
}

func (op OpCode) String() string {
	if op.Valid() {
		return opNames[op]
	}
	return fmt.Sprintf("OpCode(%d)", uint32(op))
}

// IsBranch reports control transfers that are not calls.
func (op OpCode) IsBranch() bool {
	switch op {
	case OpBranch, OpCBranch, OpBranchInd, OpReturn:
		return true
	}
	return false
}

func (op OpCode) IsCall() bool {
	return op == OpCall || op == OpCallInd || op == OpCallOther
}

func (op OpCode) IsBoolean() bool {
	return op >= OpBoolNegate && op <= OpBoolOr
}

func (op OpCode) IsFloat() bool {
	return op >= OpFloatEqual && op <= OpFloatRound && op != opReserved45
}

// OutputRule tells whether an opcode writes a value.
type OutputRule int

const (
	OutputNever OutputRule = iota
	OutputAlways
	OutputOptional
)

// Output returns the output rule of op.
func (op OpCode) Output() OutputRule {
	switch op {
	case OpStore, OpBranch, OpCBranch, OpBranchInd, OpCall, OpCallInd, OpReturn:
		return OutputNever
	case OpCallOther:
		return OutputOptional
	}
	return OutputAlways
}

// HasOutput reports whether op always produces a value.
func (op OpCode) HasOutput() bool { return op.Output() == OutputAlways }
