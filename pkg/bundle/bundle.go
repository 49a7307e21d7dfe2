// Package bundle loads YAML policy bundles into the catalog. A bundle load
// is all-or-nothing: if any rule in the file fails validation, the catalog
// is left untouched.
package bundle

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/latticeiot/abacgate/pkg/attrid"
	"github.com/latticeiot/abacgate/pkg/catalog"
	"github.com/latticeiot/abacgate/pkg/condition"
)

// File is the YAML document shape.
type File struct {
	Policies []PolicyDoc `yaml:"policies"`
}

// PolicyDoc is a single policy rule as authored in a bundle file.
type PolicyDoc struct {
	Resource   string         `yaml:"resource"`
	Action     string         `yaml:"action"`
	Conditions []ConditionDoc `yaml:"conditions"`
}

// ConditionDoc is a single condition as authored in a bundle file. Key and
// RightKey are always hashed through attrid.KeyFor. Value and SetValues
// entries are parsed as hex when they carry a "0x" prefix and hashed
// through attrid.KeyFor otherwise.
type ConditionDoc struct {
	Source      string   `yaml:"source"`
	Key         string   `yaml:"key"`
	Op          string   `yaml:"op"`
	RightSource string   `yaml:"right_source,omitempty"`
	RightKey    string   `yaml:"right_key,omitempty"`
	Value       string   `yaml:"value,omitempty"`
	NumValue    *int64   `yaml:"num_value,omitempty"`
	SetValues   []string `yaml:"set_values,omitempty"`
}

// Catalog is the subset of *catalog.Catalog a bundle load writes through.
type Catalog interface {
	CreatePolicy(caller, resource attrid.Identifier, action condition.Action, conditions []condition.Condition) (catalog.PolicyID, error)
}

// Load parses raw YAML and creates every policy it describes against cat as
// caller. Every policy is decoded and shape-checked before the first
// CreatePolicy call, so a malformed rule anywhere in the file leaves the
// catalog untouched. Policies created before a later CreatePolicy error
// (e.g. the caller losing admin rights mid-load) are not rolled back.
func Load(raw []byte, cat Catalog, caller attrid.Identifier) ([]catalog.PolicyID, error) {
	docs, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	type decoded struct {
		resource attrid.Identifier
		action   condition.Action
		conds    []condition.Condition
	}
	all := make([]decoded, len(docs))
	for i, doc := range docs {
		resource, action, conds, err := Decode(doc)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		if err := condition.ValidateShape(conds); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		all[i] = decoded{resource: resource, action: action, conds: conds}
	}
	ids := make([]catalog.PolicyID, 0, len(all))
	for i, d := range all {
		id, err := cat.CreatePolicy(caller, d.resource, d.action, d.conds)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode resolves a single PolicyDoc into the resource identifier, action,
// and condition slice CreatePolicy expects. Exposed so callers that already
// have a single policy document (e.g. a JSON API request) don't need to
// round-trip it through YAML to reuse this parsing.
func Decode(doc PolicyDoc) (resource attrid.Identifier, action condition.Action, conditions []condition.Condition, err error) {
	resource, err = parseIdentifier(doc.Resource)
	if err != nil {
		return resource, action, nil, fmt.Errorf("resource: %w", err)
	}
	action, err = parseAction(doc.Action)
	if err != nil {
		return resource, action, nil, fmt.Errorf("action: %w", err)
	}
	conds := make([]condition.Condition, len(doc.Conditions))
	for j, cd := range doc.Conditions {
		c, err := parseCondition(cd)
		if err != nil {
			return resource, action, nil, fmt.Errorf("condition %d: %w", j, err)
		}
		conds[j] = c
	}
	return resource, action, conds, nil
}

// Parse decodes raw YAML into PolicyDocs without touching a catalog, so
// callers can validate an entire bundle before committing any of it.
func Parse(raw []byte) ([]PolicyDoc, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	return f.Policies, nil
}

func parseIdentifier(s string) (attrid.Identifier, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return attrid.Identifier{}, fmt.Errorf("empty identifier")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return attrid.Identifier{}, fmt.Errorf("invalid hex identifier %q: %w", s, err)
	}
	return attrid.IdentifierFromBytes(b), nil
}

func parseAction(s string) (condition.Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READ":
		return condition.ActionRead, nil
	case "WRITE":
		return condition.ActionWrite, nil
	case "EXECUTE":
		return condition.ActionExecute, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

func parseSource(s string) (condition.OperandSource, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUBJECT":
		return condition.SourceSubject, nil
	case "OBJECT":
		return condition.SourceObject, nil
	case "ENV":
		return condition.SourceEnv, nil
	default:
		return 0, fmt.Errorf("unknown source %q", s)
	}
}

func parseOperator(s string) (condition.Operator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EQ":
		return condition.OpEQ, nil
	case "NEQ":
		return condition.OpNEQ, nil
	case "LE":
		return condition.OpLE, nil
	case "LT":
		return condition.OpLT, nil
	case "GE":
		return condition.OpGE, nil
	case "GT":
		return condition.OpGT, nil
	case "IN_SET":
		return condition.OpInSet, nil
	case "EQ_FIELD":
		return condition.OpEQField, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", s)
	}
}

// parseOpaqueValue resolves a bundle's string value into an AttributeValue.
// A "0x"-prefixed string is parsed as hex bytes; anything else is hashed as
// a well-known name via attrid.KeyFor, matching the reference key derivation.
func parseOpaqueValue(s string) (attrid.AttributeValue, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return attrid.AttributeValue{}, fmt.Errorf("invalid hex value %q: %w", s, err)
		}
		return attrid.ValueFromBytes(b), nil
	}
	return attrid.AttributeValue(attrid.KeyFor(s)), nil
}

func parseCondition(cd ConditionDoc) (condition.Condition, error) {
	source, err := parseSource(cd.Source)
	if err != nil {
		return condition.Condition{}, err
	}
	op, err := parseOperator(cd.Op)
	if err != nil {
		return condition.Condition{}, err
	}
	c := condition.Condition{
		Source: source,
		Key:    attrid.KeyFor(cd.Key),
		Op:     op,
	}
	switch op {
	case condition.OpEQField:
		rightSource, err := parseSource(cd.RightSource)
		if err != nil {
			return condition.Condition{}, err
		}
		c.RightSource = rightSource
		c.RightKey = attrid.KeyFor(cd.RightKey)
	case condition.OpLE, condition.OpLT, condition.OpGE, condition.OpGT:
		if cd.NumValue == nil {
			return condition.Condition{}, fmt.Errorf("numeric operator requires num_value")
		}
		c.NumValue = big.NewInt(*cd.NumValue)
	case condition.OpInSet:
		values := make([]attrid.AttributeValue, len(cd.SetValues))
		for i, v := range cd.SetValues {
			val, err := parseOpaqueValue(v)
			if err != nil {
				return condition.Condition{}, err
			}
			values[i] = val
		}
		c.SetValues = values
	default: // EQ, NEQ
		val, err := parseOpaqueValue(cd.Value)
		if err != nil {
			return condition.Condition{}, err
		}
		c.Value = val
	}
	return c, nil
}
