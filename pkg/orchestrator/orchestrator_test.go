package orchestrator

import (
	"context"
	"math/big"
	"testing"

	"github.com/latticeiot/abacgate/pkg/attrid"
	"github.com/latticeiot/abacgate/pkg/catalog"
	"github.com/latticeiot/abacgate/pkg/condition"
	"github.com/latticeiot/abacgate/pkg/registry"
)

func mkID(b byte) attrid.Identifier {
	var id attrid.Identifier
	id[len(id)-1] = b
	return id
}

type recordingAudit struct {
	events []AuditEvent
}

func (r *recordingAudit) Emit(ctx context.Context, event AuditEvent) error {
	r.events = append(r.events, event)
	return nil
}

type fakeVerifier struct {
	whitelisted map[string]bool
}

func (f *fakeVerifier) Verify(ctx context.Context, env condition.Env, proof any) (bool, error) {
	digest, _ := proof.(string)
	return f.whitelisted[digest], nil
}

func setup(t *testing.T) (admin attrid.Identifier, reg *registry.Registry, cat *catalog.Catalog, orc *Orchestrator, audit *recordingAudit) {
	t.Helper()
	admin = mkID(0xAA)
	reg = registry.New(admin, nil)
	cat = catalog.New(admin)
	eval := condition.NewEvaluator(reg)
	audit = &recordingAudit{}
	orc = New(admin, cat, eval, audit)
	return
}

func TestPermitOnAllMatch(t *testing.T) {
	admin, reg, cat, orc, _ := setup(t)
	subj := mkID(0x10)
	obj := mkID(0x20)

	employee := attrid.AttributeValue(attrid.KeyFor("employee"))
	doorLock := attrid.AttributeValue(attrid.KeyFor("doorLock"))
	locationA := attrid.AttributeValue(attrid.KeyFor("locationA"))

	_ = reg.SetSubjectAttribute(admin, subj, attrid.KeySubRole, employee)
	_ = reg.SetSubjectAttribute(admin, subj, attrid.KeySubLocation, locationA)
	_ = reg.SetObjectAttribute(admin, obj, attrid.KeyObjResourceType, doorLock)
	_ = reg.SetObjectAttribute(admin, obj, attrid.KeyObjLocation, locationA)

	pid, err := cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Source: condition.SourceSubject, Key: attrid.KeySubRole, Op: condition.OpEQ, Value: employee},
		{Source: condition.SourceObject, Key: attrid.KeyObjResourceType, Op: condition.OpEQ, Value: doorLock},
		{Source: condition.SourceSubject, Key: attrid.KeySubLocation, Op: condition.OpEQField, RightSource: condition.SourceObject, RightKey: attrid.KeyObjLocation},
		{Source: condition.SourceEnv, Key: attrid.KeyEnvTimeWindow, Op: condition.OpEQ, Value: attrid.ValueFromUint(0)},
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}

	env := condition.Env{TimeWindow: 0, EmergencyMode: false, SystemLoad: big.NewInt(50)}
	dec := orc.CheckAccess(subj, obj, condition.ActionExecute, env)
	if !dec.Permit || dec.Matched != pid {
		t.Fatalf("got %+v, want permit on policy %d", dec, pid)
	}
}

func TestDenyOnFieldMismatch(t *testing.T) {
	admin, reg, cat, orc, _ := setup(t)
	subj := mkID(0x10)
	obj := mkID(0x20)

	_ = reg.SetSubjectAttribute(admin, subj, attrid.KeySubLocation, attrid.AttributeValue(attrid.KeyFor("locationB")))
	_ = reg.SetObjectAttribute(admin, obj, attrid.KeyObjLocation, attrid.AttributeValue(attrid.KeyFor("locationA")))

	_, _ = cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Source: condition.SourceSubject, Key: attrid.KeySubLocation, Op: condition.OpEQField, RightSource: condition.SourceObject, RightKey: attrid.KeyObjLocation},
	})

	dec := orc.CheckAccess(subj, obj, condition.ActionExecute, condition.Env{})
	if dec.Permit {
		t.Fatalf("field mismatch must deny")
	}
}

func TestDenyOnEnv(t *testing.T) {
	admin, _, cat, orc, _ := setup(t)
	obj := mkID(0x20)

	_, _ = cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Source: condition.SourceEnv, Key: attrid.KeyEnvTimeWindow, Op: condition.OpEQ, Value: attrid.ValueFromUint(0)},
	})

	dec := orc.CheckAccess(mkID(0x10), obj, condition.ActionExecute, condition.Env{TimeWindow: 1})
	if dec.Permit {
		t.Fatalf("timeWindow=1 must deny a timeWindow==0 policy")
	}
}

func TestNumericBoundary(t *testing.T) {
	admin, reg, cat, orc, _ := setup(t)
	subj := mkID(0x10)
	obj := mkID(0x20)
	employee := attrid.AttributeValue(attrid.KeyFor("employee"))
	_ = reg.SetSubjectAttribute(admin, subj, attrid.KeySubRole, employee)

	_, _ = cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Source: condition.SourceSubject, Key: attrid.KeySubRole, Op: condition.OpEQ, Value: employee},
		{Source: condition.SourceEnv, Key: attrid.KeyEnvSystemLoad, Op: condition.OpLE, NumValue: big.NewInt(80)},
	})

	loads := []int64{50, 80, 90}
	want := []bool{true, true, false}
	for i, load := range loads {
		dec := orc.CheckAccess(subj, obj, condition.ActionExecute, condition.Env{SystemLoad: big.NewInt(load)})
		if dec.Permit != want[i] {
			t.Fatalf("systemLoad=%d: got permit=%v, want %v", load, dec.Permit, want[i])
		}
	}
}

func TestDenyByDefault(t *testing.T) {
	_, _, _, orc, _ := setup(t)
	dec := orc.CheckAccess(mkID(0x10), mkID(0x20), condition.ActionExecute, condition.Env{})
	if dec.Permit || dec.Matched != 0 {
		t.Fatalf("no policies must deny with matched=0, got %+v", dec)
	}
}

func TestInSetHit(t *testing.T) {
	admin, reg, cat, orc, _ := setup(t)
	subj := mkID(0x10)
	obj := mkID(0x20)
	employee := attrid.AttributeValue(attrid.KeyFor("employee"))
	_ = reg.SetSubjectAttribute(admin, subj, attrid.KeySubRole, employee)

	_, _ = cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Source: condition.SourceSubject, Key: attrid.KeySubRole, Op: condition.OpEQ, Value: employee},
		{Source: condition.SourceEnv, Key: attrid.KeyEnvTimeWindow, Op: condition.OpInSet, SetValues: []attrid.AttributeValue{attrid.ValueFromUint(0), attrid.ValueFromUint(1)}},
	})

	for tw, want := range map[uint8]bool{0: true, 1: true, 2: false} {
		dec := orc.CheckAccess(subj, obj, condition.ActionExecute, condition.Env{TimeWindow: tw})
		if dec.Permit != want {
			t.Fatalf("timeWindow=%d: got permit=%v, want %v", tw, dec.Permit, want)
		}
	}
}

func TestVerifierGate(t *testing.T) {
	admin, _, cat, orc, audit := setup(t)
	obj := mkID(0x20)
	subj := mkID(0x10)

	_, _ = cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Op: condition.OpEQ, Source: condition.SourceEnv, Key: attrid.KeyFor("always"), Value: attrid.ZeroValue},
	})

	verifier := &fakeVerifier{whitelisted: map[string]bool{}}
	if err := orc.SetEnvOracle(admin, verifier); err != nil {
		t.Fatalf("set oracle: %v", err)
	}

	_, err := orc.RequestAccess(context.Background(), subj, obj, condition.ActionExecute, condition.Env{}, "digest-1")
	if err != ErrEnvVerificationFailed {
		t.Fatalf("got %v, want ErrEnvVerificationFailed", err)
	}
	if len(audit.events) != 0 {
		t.Fatalf("a failed verification must emit no audit event, got %d", len(audit.events))
	}

	verifier.whitelisted["digest-1"] = true
	permit, err := orc.RequestAccess(context.Background(), subj, obj, condition.ActionExecute, condition.Env{}, "digest-1")
	if err != nil {
		t.Fatalf("request_access: %v", err)
	}
	if !permit {
		t.Fatalf("expected permit after whitelisting the proof")
	}
	if len(audit.events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(audit.events))
	}
}

func TestDisabledPolicyTogglesDecision(t *testing.T) {
	admin, _, cat, orc, _ := setup(t)
	obj := mkID(0x20)
	subj := mkID(0x10)

	pid, _ := cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Op: condition.OpEQ, Source: condition.SourceEnv, Key: attrid.KeyFor("always"), Value: attrid.ZeroValue},
	})

	dec := orc.CheckAccess(subj, obj, condition.ActionExecute, condition.Env{})
	if !dec.Permit {
		t.Fatalf("expected initial permit")
	}

	if err := cat.SetPolicyEnabled(admin, pid, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	dec = orc.CheckAccess(subj, obj, condition.ActionExecute, condition.Env{})
	if dec.Permit {
		t.Fatalf("disabling the matching policy must flip the decision to deny")
	}
}

func TestCheckAccessAndRequestAccessAgree(t *testing.T) {
	admin, _, cat, orc, audit := setup(t)
	obj := mkID(0x20)
	subj := mkID(0x10)
	_, _ = cat.CreatePolicy(admin, obj, condition.ActionExecute, []condition.Condition{
		{Op: condition.OpEQ, Source: condition.SourceEnv, Key: attrid.KeyFor("always"), Value: attrid.ZeroValue},
	})

	dec := orc.CheckAccess(subj, obj, condition.ActionExecute, condition.Env{})
	permit, err := orc.RequestAccess(context.Background(), subj, obj, condition.ActionExecute, condition.Env{}, nil)
	if err != nil {
		t.Fatalf("request_access: %v", err)
	}
	if dec.Permit != permit {
		t.Fatalf("check_access and request_access disagreed: %v vs %v", dec.Permit, permit)
	}
	if len(audit.events) != 1 {
		t.Fatalf("request_access must emit exactly one audit event")
	}
}

func TestSetEnvOracleRequiresAdmin(t *testing.T) {
	_, _, _, orc, _ := setup(t)
	notAdmin := mkID(0x99)
	if err := orc.SetEnvOracle(notAdmin, nil); err != ErrNotAuthorized {
		t.Fatalf("got %v, want ErrNotAuthorized", err)
	}
}
