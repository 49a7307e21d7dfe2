// Package orchestrator implements the Decision Orchestrator: it coordinates
// environment verification, catalog lookup, rule evaluation, and audit
// emission into the engine's two public decision calls, check_access and
// request_access.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/latticeiot/abacgate/pkg/attrid"
	"github.com/latticeiot/abacgate/pkg/catalog"
	"github.com/latticeiot/abacgate/pkg/condition"
)

// Errors returned by orchestrator operations.
var (
	ErrNotAuthorized         = errors.New("ABACAccessManager: not authorized")
	ErrEnvVerificationFailed = errors.New("ABACAccessManager: env verification failed")
)

// Decision is the (permit, matched rule) pair check_access and
// request_access agree on.
type Decision struct {
	Permit  bool
	Matched catalog.PolicyID
}

// Verifier is the external Environment Verifier interface the orchestrator
// consumes, per spec.md §6. It must return without yielding and must not
// mutate orchestrator state.
type Verifier interface {
	Verify(ctx context.Context, env condition.Env, proof any) (bool, error)
}

// AuditSink receives exactly one event per request_access call. Emission is
// best-effort: an error here never changes the decision already computed.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent) error
}

// AuditEvent is the audit event shape of spec.md §4.4.
type AuditEvent struct {
	Subject  attrid.Identifier
	Resource attrid.Identifier
	Action   condition.Action
	Permit   bool
	Matched  catalog.PolicyID
	At       time.Time
}

// policyCatalog is the subset of *catalog.Catalog the orchestrator needs.
type policyCatalog interface {
	GetPolicyIDs(resource attrid.Identifier, action condition.Action) []catalog.PolicyID
	GetPolicy(id catalog.PolicyID) (catalog.PolicyRule, error)
}

// evaluator is the subset of *condition.Evaluator the orchestrator needs.
type evaluator interface {
	EvaluatePolicy(rule condition.Rule, subject, object attrid.Identifier, env condition.Env) bool
}

// Orchestrator coordinates a single catalog and evaluator pair into
// deny-by-default, first-match-wins access decisions.
type Orchestrator struct {
	mu sync.RWMutex

	admin attrid.Identifier

	catalog   policyCatalog
	evaluator evaluator
	verifier  Verifier
	audit     AuditSink
}

// New constructs an Orchestrator. catalog and evaluator must be non-nil.
func New(admin attrid.Identifier, cat policyCatalog, eval evaluator, audit AuditSink) *Orchestrator {
	return &Orchestrator{
		admin:     admin,
		catalog:   cat,
		evaluator: eval,
		audit:     audit,
	}
}

// SetEnvOracle installs or clears the environment verifier. Passing nil
// disables verification entirely.
func (o *Orchestrator) SetEnvOracle(caller attrid.Identifier, verifier Verifier) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if caller != o.admin {
		return ErrNotAuthorized
	}
	o.verifier = verifier
	return nil
}

// CheckAccess is the read-only decision path: no environment verification,
// no audit emission.
func (o *Orchestrator) CheckAccess(subject, resource attrid.Identifier, action condition.Action, env condition.Env) Decision {
	o.mu.RLock()
	cat := o.catalog
	eval := o.evaluator
	o.mu.RUnlock()
	return decide(cat, eval, subject, resource, action, env)
}

// RequestAccess is the authoritative decision path: verifies the
// environment proof (if a verifier is installed), then decides and emits
// exactly one audit event. A failed verification emits no event at all.
func (o *Orchestrator) RequestAccess(ctx context.Context, subject, resource attrid.Identifier, action condition.Action, env condition.Env, envProof any) (bool, error) {
	o.mu.RLock()
	verifier := o.verifier
	cat := o.catalog
	eval := o.evaluator
	sink := o.audit
	o.mu.RUnlock()

	if verifier != nil {
		ok, err := verifier.Verify(ctx, env, envProof)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, ErrEnvVerificationFailed
		}
	}

	dec := decide(cat, eval, subject, resource, action, env)

	if sink != nil {
		_ = sink.Emit(ctx, AuditEvent{
			Subject:  subject,
			Resource: resource,
			Action:   action,
			Permit:   dec.Permit,
			Matched:  dec.Matched,
			At:       time.Now().UTC(),
		})
	}
	return dec.Permit, nil
}

// decide implements the shared first-match-wins, deny-by-default algorithm
// of spec.md §4.4 steps 2-5.
func decide(cat policyCatalog, eval evaluator, subject, resource attrid.Identifier, action condition.Action, env condition.Env) Decision {
	ids := cat.GetPolicyIDs(resource, action)
	for _, id := range ids {
		rule, err := cat.GetPolicy(id)
		if err != nil {
			continue
		}
		condRule := condition.Rule{Enabled: rule.Enabled, Conditions: rule.Conditions}
		if eval.EvaluatePolicy(condRule, subject, resource, env) {
			return Decision{Permit: true, Matched: id}
		}
	}
	return Decision{Permit: false, Matched: 0}
}
