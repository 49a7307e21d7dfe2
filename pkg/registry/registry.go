// Package registry implements the Attribute Registry: subject and object
// attribute stores, write authorization, and the "registered" bit. State is
// held in memory and guarded by a single mutex, matching the single-threaded
// serialized state machine of spec.md §5 and the teacher's
// pkg/store.MemoryCache lock shape.
package registry

import (
	"errors"
	"sync"

	"github.com/latticeiot/abacgate/pkg/attrid"
)

// Errors returned by registry operations. A failed operation leaves no
// observable state change, per spec.md §7.
var (
	ErrNotAuthorized   = errors.New("ABACRegistry: not authorized")
	ErrLengthMismatch  = errors.New("ABACRegistry: length mismatch")
	ErrInvalidRegistry = errors.New("ABACRegistry: invalid registry")
)

// WriteEvent is emitted once per (identifier, key, value) write that the
// registry accepts. Sink is optional; nil disables emission.
type WriteEvent struct {
	Subject bool // true for a subject write, false for an object write
	ID      attrid.Identifier
	Key     attrid.AttributeKey
	Value   attrid.AttributeValue
}

// Sink receives a WriteEvent for every accepted attribute write. Errors are
// swallowed by the caller to keep writes atomic and side-effect emission
// best-effort, mirroring the teacher's audit-emission posture.
type Sink interface {
	Emit(WriteEvent)
}

type attrMap map[attrid.AttributeKey]attrid.AttributeValue

// Registry holds the subject and object attribute stores plus their
// registered-identifier sets.
type Registry struct {
	mu sync.RWMutex

	admin attrid.Identifier

	subjects           map[attrid.Identifier]attrMap
	objects            map[attrid.Identifier]attrMap
	registeredSubjects map[attrid.Identifier]struct{}
	registeredObjects  map[attrid.Identifier]struct{}

	sink Sink
}

// New constructs a Registry with the given administrator identifier. An
// optional Sink receives per-write audit events; pass nil to disable.
func New(admin attrid.Identifier, sink Sink) *Registry {
	return &Registry{
		admin:              admin,
		subjects:           map[attrid.Identifier]attrMap{},
		objects:            map[attrid.Identifier]attrMap{},
		registeredSubjects: map[attrid.Identifier]struct{}{},
		registeredObjects:  map[attrid.Identifier]struct{}{},
		sink:               sink,
	}
}

// SetAdmin transfers ownership of the registry's administrative surface.
func (r *Registry) SetAdmin(caller, newAdmin attrid.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.admin {
		return ErrNotAuthorized
	}
	r.admin = newAdmin
	return nil
}

// SetSubjectAttribute writes a single subject attribute. Permitted if
// caller == subject or caller == admin.
func (r *Registry) SetSubjectAttribute(caller, subject attrid.Identifier, key attrid.AttributeKey, value attrid.AttributeValue) error {
	return r.SetSubjectAttributes(caller, subject, []attrid.AttributeKey{key}, []attrid.AttributeValue{value})
}

// SetObjectAttribute writes a single object attribute. Permitted only if
// caller == admin.
func (r *Registry) SetObjectAttribute(caller, object attrid.Identifier, key attrid.AttributeKey, value attrid.AttributeValue) error {
	return r.SetObjectAttributes(caller, object, []attrid.AttributeKey{key}, []attrid.AttributeValue{value})
}

// SetSubjectAttributes writes a batch of subject attributes atomically: all
// writes apply, or (on a length mismatch) none do.
func (r *Registry) SetSubjectAttributes(caller, subject attrid.Identifier, keys []attrid.AttributeKey, values []attrid.AttributeValue) error {
	if len(keys) != len(values) {
		return ErrLengthMismatch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != subject && caller != r.admin {
		return ErrNotAuthorized
	}
	bucket, ok := r.subjects[subject]
	if !ok {
		bucket = attrMap{}
		r.subjects[subject] = bucket
	}
	for i, k := range keys {
		bucket[k] = values[i]
	}
	r.registeredSubjects[subject] = struct{}{}
	r.emitWrites(true, subject, keys, values)
	return nil
}

// SetObjectAttributes writes a batch of object attributes atomically.
func (r *Registry) SetObjectAttributes(caller, object attrid.Identifier, keys []attrid.AttributeKey, values []attrid.AttributeValue) error {
	if len(keys) != len(values) {
		return ErrLengthMismatch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.admin {
		return ErrNotAuthorized
	}
	bucket, ok := r.objects[object]
	if !ok {
		bucket = attrMap{}
		r.objects[object] = bucket
	}
	for i, k := range keys {
		bucket[k] = values[i]
	}
	r.registeredObjects[object] = struct{}{}
	r.emitWrites(false, object, keys, values)
	return nil
}

// emitWrites must be called with r.mu held.
func (r *Registry) emitWrites(subject bool, id attrid.Identifier, keys []attrid.AttributeKey, values []attrid.AttributeValue) {
	if r.sink == nil {
		return
	}
	for i, k := range keys {
		r.sink.Emit(WriteEvent{Subject: subject, ID: id, Key: k, Value: values[i]})
	}
}

// SubjectAttr reads a subject attribute. A missing attribute reads as the
// all-zero value; reads are unrestricted and never fail.
func (r *Registry) SubjectAttr(subject attrid.Identifier, key attrid.AttributeKey) attrid.AttributeValue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket, ok := r.subjects[subject]
	if !ok {
		return attrid.ZeroValue
	}
	v, ok := bucket[key]
	if !ok {
		return attrid.ZeroValue
	}
	return v
}

// ObjectAttr reads an object attribute; see SubjectAttr.
func (r *Registry) ObjectAttr(object attrid.Identifier, key attrid.AttributeKey) attrid.AttributeValue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket, ok := r.objects[object]
	if !ok {
		return attrid.ZeroValue
	}
	v, ok := bucket[key]
	if !ok {
		return attrid.ZeroValue
	}
	return v
}

// IsSubjectRegistered reports whether subject has ever had an attribute
// written, including via an empty batch.
func (r *Registry) IsSubjectRegistered(id attrid.Identifier) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registeredSubjects[id]
	return ok
}

// IsObjectRegistered reports whether object has ever had an attribute
// written, including via an empty batch.
func (r *Registry) IsObjectRegistered(id attrid.Identifier) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registeredObjects[id]
	return ok
}
