package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/latticeiot/abacgate/pkg/condition"
)

type fakeCatalogMirrorDB struct {
	execErr  error
	execArgs [][]any
}

func (f *fakeCatalogMirrorDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func TestPostgresMirrorEmitCreateAndDelete(t *testing.T) {
	db := &fakeCatalogMirrorDB{}
	m := &PostgresMirror{DB: db}
	rule := PolicyRule{ID: 1, Resource: id(0x01), Action: condition.ActionExecute, Conditions: oneCondition(), Enabled: true}

	m.Emit(WriteEvent{Op: "create", Rule: rule})
	if len(db.execArgs) != 2 {
		t.Fatalf("expected policies+policy_index exec calls, got %d", len(db.execArgs))
	}

	m.Emit(WriteEvent{Op: "delete", Rule: rule})
	if len(db.execArgs) != 4 {
		t.Fatalf("expected a policies upsert plus a policy_index delete, got %d", len(db.execArgs))
	}
}

func TestPostgresMirrorEmitReportsError(t *testing.T) {
	db := &fakeCatalogMirrorDB{execErr: fmt.Errorf("write failed")}
	var gotErr error
	m := &PostgresMirror{DB: db, OnError: func(err error) { gotErr = err }}

	m.Emit(WriteEvent{Op: "create", Rule: PolicyRule{ID: 1, Resource: id(0x01), Action: condition.ActionExecute, Conditions: oneCondition(), Enabled: true}})

	if gotErr == nil {
		t.Fatal("expected OnError to be called with the exec failure")
	}
}

func TestCatalogEmitsWriteEventsToSink(t *testing.T) {
	admin := id(0xAA)
	c := New(admin)
	var events []WriteEvent
	c.SetSink(sinkFunc(func(e WriteEvent) { events = append(events, e) }))

	policyID, err := c.CreatePolicy(admin, id(0x01), condition.ActionExecute, oneCondition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.SetPolicyEnabled(admin, policyID, false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	if err := c.DeletePolicy(admin, policyID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 write events, got %d", len(events))
	}
	if events[0].Op != "create" || events[1].Op != "set_enabled" || events[2].Op != "delete" {
		t.Fatalf("unexpected event ops: %+v", events)
	}
}

type sinkFunc func(WriteEvent)

func (f sinkFunc) Emit(e WriteEvent) { f(e) }
