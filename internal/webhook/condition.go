package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/hearthflow/hearthflow/internal/pipeline"
)

// Condition is a DNF predicate over events: the condition matches
// when any clause matches, a clause matches when all its predicates
// do. An empty condition matches everything.
type Condition struct {
	Any []Clause `json:"any,omitempty"`
}

// Clause is one conjunction of predicates.
type Clause struct {
	All []Predicate `json:"all,omitempty"`
}

// Predicate is one atomic test. Exactly one of the selector groups is
// used: entity_id / domain / state equality, or a numeric comparison
// on a new_state attribute.
type Predicate struct {
	EntityID string `json:"entity_id,omitempty"`
	Domain   string `json:"domain,omitempty"`
	State    string `json:"state,omitempty"`

	Attribute string   `json:"attribute,omitempty"`
	Op        string   `json:"op,omitempty"` // gt, gte, lt, lte, eq
	Value     *float64 `json:"value,omitempty"`
}

// ParseCondition decodes and validates a condition blob.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	var c Condition
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decode condition: %w", err)
	}
	for i, clause := range c.Any {
		for j, p := range clause.All {
			if err := p.validate(); err != nil {
				return c, fmt.Errorf("condition clause %d predicate %d: %w", i, j, err)
			}
		}
	}
	return c, nil
}

func (p Predicate) validate() error {
	if p.Attribute != "" {
		if p.Value == nil {
			return fmt.Errorf("attribute predicate %q needs a value", p.Attribute)
		}
		switch p.Op {
		case "gt", "gte", "lt", "lte", "eq":
			return nil
		default:
			return fmt.Errorf("unknown op %q", p.Op)
		}
	}
	if p.EntityID == "" && p.Domain == "" && p.State == "" {
		return fmt.Errorf("empty predicate")
	}
	return nil
}

// Match evaluates the condition against one event. Pure, O(1) in the
// event, no side effects.
func (c Condition) Match(e *pipeline.Event) bool {
	if len(c.Any) == 0 {
		return true
	}
	for _, clause := range c.Any {
		if clause.match(e) {
			return true
		}
	}
	return false
}

func (cl Clause) match(e *pipeline.Event) bool {
	for _, p := range cl.All {
		if !p.match(e) {
			return false
		}
	}
	return true
}

func (p Predicate) match(e *pipeline.Event) bool {
	if p.EntityID != "" && e.EntityID != p.EntityID {
		return false
	}
	if p.Domain != "" && e.Domain != p.Domain {
		return false
	}
	if p.State != "" {
		if e.NewState == nil || e.NewState.State != p.State {
			return false
		}
	}
	if p.Attribute != "" {
		v, ok := e.NumericAttribute(p.Attribute)
		if !ok {
			// Absent or ill-typed attribute is not-applicable.
			return false
		}
		switch p.Op {
		case "gt":
			return v > *p.Value
		case "gte":
			return v >= *p.Value
		case "lt":
			return v < *p.Value
		case "lte":
			return v <= *p.Value
		case "eq":
			return v == *p.Value
		default:
			return false
		}
	}
	return true
}
