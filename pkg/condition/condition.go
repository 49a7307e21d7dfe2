// Package condition implements the Evaluator: a pure, side-effect-free
// interpreter over a typed tagged-variant condition AST. It reads attributes
// from a Registry-shaped store and decides whether a single PolicyRule
// matches a request.
package condition

import (
	"math/big"

	"github.com/latticeiot/abacgate/pkg/attrid"
)

// Action enumerates the actions a policy rule can target.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionExecute
)

// OperandSource enumerates where a condition operand's value comes from.
type OperandSource int

const (
	SourceSubject OperandSource = iota
	SourceObject
	SourceEnv
)

// Operator enumerates the comparison kinds a Condition may use.
type Operator int

const (
	OpEQ Operator = iota
	OpNEQ
	OpLE
	OpLT
	OpGE
	OpGT
	OpInSet
	OpEQField
)

// maxSetValues bounds IN_SET membership per condition.
const maxSetValues = 8

// Condition is a single tagged AST node. Only the fields relevant to Op are
// read; the spec's single wide-struct layout is kept as the boundary
// representation, but EvaluateCondition never touches a field Op doesn't own.
type Condition struct {
	Source OperandSource
	Key    attrid.AttributeKey
	Op     Operator

	// Used only by EQ_FIELD.
	RightSource OperandSource
	RightKey    attrid.AttributeKey

	// Used only by EQ and NEQ.
	Value attrid.AttributeValue

	// Used only by LE, LT, GE, GT.
	NumValue *big.Int

	// Used only by IN_SET; capped at maxSetValues entries.
	SetValues []attrid.AttributeValue
}

// Env is the fixed environment record supplied at decision time.
type Env struct {
	TimeWindow    uint8
	EmergencyMode bool
	SystemLoad    *big.Int
}

// AttrSource is the subset of the Registry the Evaluator reads from.
type AttrSource interface {
	SubjectAttr(subject attrid.Identifier, key attrid.AttributeKey) attrid.AttributeValue
	ObjectAttr(object attrid.Identifier, key attrid.AttributeKey) attrid.AttributeValue
}

// operandView is the dual bytes/num representation produced for every
// resolved operand, per spec.md §4.3.
type operandView struct {
	bytes attrid.AttributeValue
	num   *big.Int
}

var envTimeWindowKey = attrid.KeyEnvTimeWindow
var envEmergencyModeKey = attrid.KeyEnvEmergencyMode
var envSystemLoadKey = attrid.KeyEnvSystemLoad

// Evaluator evaluates conditions and policy rules against a Registry-backed
// attribute store. It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	attrs AttrSource
}

// NewEvaluator constructs an Evaluator reading attributes from attrs.
func NewEvaluator(attrs AttrSource) *Evaluator {
	return &Evaluator{attrs: attrs}
}

func (e *Evaluator) resolve(source OperandSource, key attrid.AttributeKey, subject, object attrid.Identifier, env Env) operandView {
	switch source {
	case SourceSubject:
		v := e.attrs.SubjectAttr(subject, key)
		return operandView{bytes: v, num: v.Num()}
	case SourceObject:
		v := e.attrs.ObjectAttr(object, key)
		return operandView{bytes: v, num: v.Num()}
	case SourceEnv:
		switch key {
		case envTimeWindowKey:
			n := new(big.Int).SetUint64(uint64(env.TimeWindow))
			return operandView{bytes: attrid.ValueFromUint(uint64(env.TimeWindow)), num: n}
		case envEmergencyModeKey:
			return operandView{bytes: attrid.ValueFromBool(env.EmergencyMode), num: boolNum(env.EmergencyMode)}
		case envSystemLoadKey:
			n := env.SystemLoad
			if n == nil {
				n = new(big.Int)
			}
			return operandView{bytes: attrid.ValueFromBytes(n.Bytes()), num: n}
		default:
			return operandView{bytes: attrid.ZeroValue, num: new(big.Int)}
		}
	default:
		return operandView{bytes: attrid.ZeroValue, num: new(big.Int)}
	}
}

func boolNum(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return new(big.Int)
}

// EvaluateCondition decides a single condition against a request. It never
// fails; an operator is always one of the Operator constants by construction.
func (e *Evaluator) EvaluateCondition(c Condition, subject, object attrid.Identifier, env Env) bool {
	left := e.resolve(c.Source, c.Key, subject, object, env)

	switch c.Op {
	case OpEQ:
		return left.bytes == c.Value
	case OpNEQ:
		return left.bytes != c.Value
	case OpLE:
		return left.num.Cmp(numOrZero(c.NumValue)) <= 0
	case OpLT:
		return left.num.Cmp(numOrZero(c.NumValue)) < 0
	case OpGE:
		return left.num.Cmp(numOrZero(c.NumValue)) >= 0
	case OpGT:
		return left.num.Cmp(numOrZero(c.NumValue)) > 0
	case OpInSet:
		for _, v := range c.SetValues {
			if left.bytes == v {
				return true
			}
		}
		return false
	case OpEQField:
		right := e.resolve(c.RightSource, c.RightKey, subject, object, env)
		return left.bytes == right.bytes
	default:
		return false
	}
}

func numOrZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

// Rule is the subset of a PolicyRule the Evaluator needs to decide a match.
type Rule struct {
	Enabled    bool
	Conditions []Condition
}

// EvaluatePolicy decides whether rule matches, per spec.md §4.3: disabled
// rules never match; otherwise every condition must hold (conjunction),
// short-circuiting on the first false.
func (e *Evaluator) EvaluatePolicy(rule Rule, subject, object attrid.Identifier, env Env) bool {
	if !rule.Enabled {
		return false
	}
	for _, c := range rule.Conditions {
		if !e.EvaluateCondition(c, subject, object, env) {
			return false
		}
	}
	return true
}

// ValidateShape enforces the condition-count and set-size bounds from
// spec.md §4.2: 1 <= len(conditions) <= 16; each IN_SET's set <= 8 members.
func ValidateShape(conditions []Condition) error {
	if len(conditions) < 1 || len(conditions) > 16 {
		return ErrBadPolicyShape
	}
	for _, c := range conditions {
		if len(c.SetValues) > maxSetValues {
			return ErrBadPolicyShape
		}
	}
	return nil
}
