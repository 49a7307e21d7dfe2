package condition

import (
	"math/big"
	"testing"

	"github.com/latticeiot/abacgate/pkg/attrid"
)

type fakeAttrs struct {
	subject map[attrid.Identifier]map[attrid.AttributeKey]attrid.AttributeValue
	object  map[attrid.Identifier]map[attrid.AttributeKey]attrid.AttributeValue
}

func newFakeAttrs() *fakeAttrs {
	return &fakeAttrs{
		subject: map[attrid.Identifier]map[attrid.AttributeKey]attrid.AttributeValue{},
		object:  map[attrid.Identifier]map[attrid.AttributeKey]attrid.AttributeValue{},
	}
}

func (f *fakeAttrs) setSubject(id attrid.Identifier, key attrid.AttributeKey, v attrid.AttributeValue) {
	if f.subject[id] == nil {
		f.subject[id] = map[attrid.AttributeKey]attrid.AttributeValue{}
	}
	f.subject[id][key] = v
}

func (f *fakeAttrs) setObject(id attrid.Identifier, key attrid.AttributeKey, v attrid.AttributeValue) {
	if f.object[id] == nil {
		f.object[id] = map[attrid.AttributeKey]attrid.AttributeValue{}
	}
	f.object[id][key] = v
}

func (f *fakeAttrs) SubjectAttr(id attrid.Identifier, key attrid.AttributeKey) attrid.AttributeValue {
	return f.subject[id][key]
}

func (f *fakeAttrs) ObjectAttr(id attrid.Identifier, key attrid.AttributeKey) attrid.AttributeValue {
	return f.object[id][key]
}

func mkID(b byte) attrid.Identifier {
	var id attrid.Identifier
	id[len(id)-1] = b
	return id
}

func TestSystemLoadBoundary(t *testing.T) {
	attrs := newFakeAttrs()
	e := NewEvaluator(attrs)
	env := Env{SystemLoad: big.NewInt(80)}

	cases := []struct {
		op   Operator
		want bool
	}{
		{OpLE, true},
		{OpLT, false},
		{OpGE, true},
		{OpGT, false},
	}
	for _, c := range cases {
		cond := Condition{Source: SourceEnv, Key: attrid.KeyEnvSystemLoad, Op: c.op, NumValue: big.NewInt(80)}
		got := e.EvaluateCondition(cond, attrid.Identifier{}, attrid.Identifier{}, env)
		if got != c.want {
			t.Fatalf("op %v: got %v, want %v", c.op, got, c.want)
		}
	}
}

func TestInSetEmptyIsAlwaysFalse(t *testing.T) {
	attrs := newFakeAttrs()
	e := NewEvaluator(attrs)
	subj := mkID(1)
	attrs.setSubject(subj, attrid.KeySubRole, attrid.ValueFromUint(1))

	cond := Condition{Source: SourceSubject, Key: attrid.KeySubRole, Op: OpInSet, SetValues: nil}
	if e.EvaluateCondition(cond, subj, attrid.Identifier{}, Env{}) {
		t.Fatalf("IN_SET against an empty set must be false")
	}
}

func TestUnrecognizedEnvKeyResolvesToZero(t *testing.T) {
	attrs := newFakeAttrs()
	e := NewEvaluator(attrs)
	unknownKey := attrid.KeyFor("NOT_A_REAL_ENV_KEY")

	cond := Condition{Source: SourceEnv, Key: unknownKey, Op: OpEQ, Value: attrid.ZeroValue}
	if !e.EvaluateCondition(cond, attrid.Identifier{}, attrid.Identifier{}, Env{}) {
		t.Fatalf("unrecognized env key must resolve to the zero value on both views")
	}
}

func TestEQFieldAliasesMissingAttributesToZero(t *testing.T) {
	attrs := newFakeAttrs()
	e := NewEvaluator(attrs)
	subj := mkID(1)
	obj := mkID(2)

	cond := Condition{
		Source:      SourceSubject,
		Key:         attrid.KeySubLocation,
		Op:          OpEQField,
		RightSource: SourceObject,
		RightKey:    attrid.KeyObjLocation,
	}
	if !e.EvaluateCondition(cond, subj, obj, Env{}) {
		t.Fatalf("two missing attributes must compare equal under EQ_FIELD")
	}

	attrs.setSubject(subj, attrid.KeySubLocation, attrid.ValueFromUint(1))
	if e.EvaluateCondition(cond, subj, obj, Env{}) {
		t.Fatalf("a present value must not alias to a missing one")
	}
}

func TestValidateShapeBounds(t *testing.T) {
	one := []Condition{{Op: OpEQ}}
	if err := ValidateShape(one); err != nil {
		t.Fatalf("1 condition must be valid: %v", err)
	}

	sixteen := make([]Condition, 16)
	if err := ValidateShape(sixteen); err != nil {
		t.Fatalf("16 conditions must be valid: %v", err)
	}

	seventeen := make([]Condition, 17)
	if err := ValidateShape(seventeen); err != ErrBadPolicyShape {
		t.Fatalf("17 conditions must fail with ErrBadPolicyShape, got %v", err)
	}

	zero := []Condition{}
	if err := ValidateShape(zero); err != ErrBadPolicyShape {
		t.Fatalf("0 conditions must fail with ErrBadPolicyShape, got %v", err)
	}

	tooManySet := []Condition{{Op: OpInSet, SetValues: make([]attrid.AttributeValue, 9)}}
	if err := ValidateShape(tooManySet); err != ErrBadPolicyShape {
		t.Fatalf("9 set values must fail with ErrBadPolicyShape, got %v", err)
	}

	eightSet := []Condition{{Op: OpInSet, SetValues: make([]attrid.AttributeValue, 8)}}
	if err := ValidateShape(eightSet); err != nil {
		t.Fatalf("8 set values must be valid: %v", err)
	}
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	attrs := newFakeAttrs()
	e := NewEvaluator(attrs)
	rule := Rule{Enabled: false, Conditions: []Condition{{Op: OpEQ, Value: attrid.ZeroValue}}}
	if e.EvaluatePolicy(rule, attrid.Identifier{}, attrid.Identifier{}, Env{}) {
		t.Fatalf("a disabled rule must never match")
	}
}

func TestAllMatchScenario(t *testing.T) {
	attrs := newFakeAttrs()
	e := NewEvaluator(attrs)
	subj := mkID(1)
	obj := mkID(2)

	employee := attrid.KeyFor("employee")
	doorLock := attrid.KeyFor("doorLock")
	locationA := attrid.KeyFor("locationA")

	attrs.setSubject(subj, attrid.KeySubRole, attrid.AttributeValue(employee))
	attrs.setSubject(subj, attrid.KeySubLocation, attrid.AttributeValue(locationA))
	attrs.setObject(obj, attrid.KeyObjResourceType, attrid.AttributeValue(doorLock))
	attrs.setObject(obj, attrid.KeyObjLocation, attrid.AttributeValue(locationA))

	rule := Rule{
		Enabled: true,
		Conditions: []Condition{
			{Source: SourceSubject, Key: attrid.KeySubRole, Op: OpEQ, Value: attrid.AttributeValue(employee)},
			{Source: SourceObject, Key: attrid.KeyObjResourceType, Op: OpEQ, Value: attrid.AttributeValue(doorLock)},
			{Source: SourceSubject, Key: attrid.KeySubLocation, Op: OpEQField, RightSource: SourceObject, RightKey: attrid.KeyObjLocation},
			{Source: SourceEnv, Key: attrid.KeyEnvTimeWindow, Op: OpEQ, Value: attrid.ValueFromUint(0)},
		},
	}
	env := Env{TimeWindow: 0, EmergencyMode: false, SystemLoad: big.NewInt(50)}
	if !e.EvaluatePolicy(rule, subj, obj, env) {
		t.Fatalf("all-match scenario must permit")
	}

	attrs.setSubject(subj, attrid.KeySubLocation, attrid.AttributeValue(attrid.KeyFor("locationB")))
	if e.EvaluatePolicy(rule, subj, obj, env) {
		t.Fatalf("mismatched field must deny")
	}
}
