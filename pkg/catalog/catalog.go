// Package catalog implements the Policy Catalog: the durable map of policy
// rules plus the (resource, action) -> rule ids index that the Orchestrator
// walks on every decision.
package catalog

import (
	"errors"
	"sync"

	"github.com/latticeiot/abacgate/pkg/attrid"
	"github.com/latticeiot/abacgate/pkg/condition"
)

// Errors returned by catalog operations.
var (
	ErrNotAuthorized  = errors.New("ABACPolicy: not authorized")
	ErrBadPolicyShape = condition.ErrBadPolicyShape
	ErrUnknownPolicy  = errors.New("ABACPolicy: policy not found")
)

// PolicyID identifies a stored rule. 0 means "no rule" and is never issued.
type PolicyID uint64

// PolicyRule is a stored, monotonically-identified rule.
type PolicyRule struct {
	ID         PolicyID
	Resource   attrid.Identifier
	Action     condition.Action
	Conditions []condition.Condition
	Enabled    bool
}

type indexKey struct {
	resource attrid.Identifier
	action   condition.Action
}

// WriteEvent is emitted once per accepted catalog mutation (create, enable
// toggle, or delete) so a Sink can mirror or audit it.
type WriteEvent struct {
	Op   string // "create", "set_enabled", or "delete"
	Rule PolicyRule
}

// Sink receives a WriteEvent for every accepted catalog mutation. Errors are
// swallowed by the caller, matching the registry's best-effort posture.
type Sink interface {
	Emit(WriteEvent)
}

// Catalog holds every rule ever created plus the live (resource, action)
// index. Deleted rules remain in rules for audit replay but drop out of the
// index.
type Catalog struct {
	mu sync.RWMutex

	admin attrid.Identifier

	rules  map[PolicyID]PolicyRule
	index  map[indexKey][]PolicyID
	nextID PolicyID

	sink Sink
}

// New constructs an empty Catalog owned by admin.
func New(admin attrid.Identifier) *Catalog {
	return &Catalog{
		admin:  admin,
		rules:  map[PolicyID]PolicyRule{},
		index:  map[indexKey][]PolicyID{},
		nextID: 1,
	}
}

// SetSink installs sink, which receives a WriteEvent for every catalog
// mutation accepted from this point on. Pass nil to disable.
func (c *Catalog) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// emit must be called with c.mu held.
func (c *Catalog) emit(op string, rule PolicyRule) {
	if c.sink == nil {
		return
	}
	c.sink.Emit(WriteEvent{Op: op, Rule: rule})
}

// SetAdmin transfers catalog administration.
func (c *Catalog) SetAdmin(caller, newAdmin attrid.Identifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.admin {
		return ErrNotAuthorized
	}
	c.admin = newAdmin
	return nil
}

// CreatePolicy validates and stores a new rule, assigning it the next
// monotonic id and inserting it into the (resource, action) index. On
// validation failure no state is written.
func (c *Catalog) CreatePolicy(caller, resource attrid.Identifier, action condition.Action, conditions []condition.Condition) (PolicyID, error) {
	if err := condition.ValidateShape(conditions); err != nil {
		return 0, ErrBadPolicyShape
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.admin {
		return 0, ErrNotAuthorized
	}

	id := c.nextID
	c.nextID++

	stored := make([]condition.Condition, len(conditions))
	copy(stored, conditions)

	rule := PolicyRule{
		ID:         id,
		Resource:   resource,
		Action:     action,
		Conditions: stored,
		Enabled:    true,
	}
	c.rules[id] = rule
	key := indexKey{resource: resource, action: action}
	c.index[key] = append(c.index[key], id)
	c.emit("create", rule)
	return id, nil
}

// SetPolicyEnabled toggles a rule's enabled flag in place. The rule stays in
// the index either way; only EvaluatePolicy respects the flag.
func (c *Catalog) SetPolicyEnabled(caller attrid.Identifier, id PolicyID, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.admin {
		return ErrNotAuthorized
	}
	rule, ok := c.rules[id]
	if !ok {
		return ErrUnknownPolicy
	}
	rule.Enabled = enabled
	c.rules[id] = rule
	c.emit("set_enabled", rule)
	return nil
}

// DeletePolicy removes id from its (resource, action) index via swap-remove
// and clears its enabled flag. The rule record itself is retained. Deleting
// an id already absent from the index is not an error (idempotent delete).
func (c *Catalog) DeletePolicy(caller attrid.Identifier, id PolicyID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.admin {
		return ErrNotAuthorized
	}
	rule, ok := c.rules[id]
	if !ok {
		return ErrUnknownPolicy
	}
	rule.Enabled = false
	c.rules[id] = rule

	key := indexKey{resource: rule.Resource, action: rule.Action}
	ids := c.index[key]
	for i, existing := range ids {
		if existing == id {
			last := len(ids) - 1
			ids[i] = ids[last]
			c.index[key] = ids[:last]
			break
		}
	}
	c.emit("delete", rule)
	return nil
}

// GetPolicy returns the stored rule by id, including deleted-but-retained
// rules.
func (c *Catalog) GetPolicy(id PolicyID) (PolicyRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.rules[id]
	if !ok {
		return PolicyRule{}, ErrUnknownPolicy
	}
	return rule, nil
}

// GetPolicyIDs returns the live index for (resource, action) in its current
// insertion/swap-remove order. The returned slice is a copy.
func (c *Catalog) GetPolicyIDs(resource attrid.Identifier, action condition.Action) []PolicyID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.index[indexKey{resource: resource, action: action}]
	out := make([]PolicyID, len(ids))
	copy(out, ids)
	return out
}
