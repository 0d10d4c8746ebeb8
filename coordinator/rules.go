// Package coordinator invalidates query results across caches. A rule table
// maps (source type, event type) to the caches whose query results must be
// dropped, and a Coordinator applies it to events as they are published.
package coordinator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/event"
)

// RuleBuilder describes what happens when a source type publishes events.
type RuleBuilder struct {
	source  string
	events  []event.Type
	targets []string
	cascade bool
	decided bool
}

// On starts a rule for events published by source.
func On(source string) *RuleBuilder {
	return &RuleBuilder{source: source}
}

// Created selects item_created.
func (r *RuleBuilder) Created() *RuleBuilder { return r.on(event.ItemCreated) }

// Updated selects item_updated.
func (r *RuleBuilder) Updated() *RuleBuilder { return r.on(event.ItemUpdated) }

// Removed selects item_removed.
func (r *RuleBuilder) Removed() *RuleBuilder { return r.on(event.ItemRemoved) }

// AnyEvent selects every event type.
func (r *RuleBuilder) AnyEvent() *RuleBuilder { return r.on(event.Types()...) }

func (r *RuleBuilder) on(types ...event.Type) *RuleBuilder {
	for _, t := range types {
		if !slices.Contains(r.events, t) {
			r.events = append(r.events, t)
		}
	}
	return r
}

// Clear drops the query results of targets when a selected event fires.
func (r *RuleBuilder) Clear(targets ...string) *RuleBuilder {
	r.targets = append(r.targets, targets...)
	r.decided = true
	return r
}

// Cascade additionally drops, from every Clear target, the items located
// under the key the event is about. It is meant for removals, where those
// items would otherwise outlive their parent.
func (r *RuleBuilder) Cascade() *RuleBuilder {
	r.cascade = true
	return r
}

// Nothing records that the selected events deliberately affect no other
// cache.
func (r *RuleBuilder) Nothing() *RuleBuilder {
	r.decided = true
	return r
}

type pair struct {
	source string
	typ    event.Type
}

type action struct {
	targets []string
	cascade bool
}

// Table is an immutable rule table.
type Table struct {
	rules map[pair]action
}

// NewTable builds a table. Every rule must select at least one event and
// end in Clear or Nothing, and no (source, event) pair may be covered twice.
// Cascade needs at least one Clear target.
func NewTable(rules ...*RuleBuilder) (*Table, error) {
	t := &Table{rules: make(map[pair]action)}
	for _, r := range rules {
		if r.source == "" {
			return nil, cacheerr.Invalid("rule", "empty source")
		}
		if len(r.events) == 0 {
			return nil, cacheerr.Invalid("rule", fmt.Sprintf("rule for %s selects no events", r.source))
		}
		if !r.decided {
			return nil, cacheerr.Invalid("rule", fmt.Sprintf("rule for %s has no Clear or Nothing", r.source))
		}
		if r.cascade && len(r.targets) == 0 {
			return nil, cacheerr.Invalid("rule", fmt.Sprintf("rule for %s cascades to no target", r.source))
		}
		for _, ev := range r.events {
			p := pair{r.source, ev}
			if _, dup := t.rules[p]; dup {
				return nil, cacheerr.Invalid("rule", fmt.Sprintf("duplicate rule for %s %s", r.source, ev))
			}
			t.rules[p] = action{targets: slices.Clone(r.targets), cascade: r.cascade}
		}
	}
	return t, nil
}

// MustTable is like NewTable but panics on an invalid table. It is meant
// for tables declared in code.
func MustTable(rules ...*RuleBuilder) *Table {
	t, err := NewTable(rules...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the caches to clear for an event. ok is false when the
// pair has no rule; an explicit no-op returns ok with no targets.
func (t *Table) Lookup(source string, typ event.Type) (targets []string, ok bool) {
	if t == nil {
		return nil, false
	}
	a, ok := t.rules[pair{source, typ}]
	return slices.Clone(a.targets), ok
}

// Cascades reports whether the rule for an event also drops the targets'
// items located under the event's key.
func (t *Table) Cascades(source string, typ event.Type) bool {
	if t == nil {
		return false
	}
	return t.rules[pair{source, typ}].cascade
}

// Validate checks the table against the registered types: every type must
// have a rule, possibly a no-op, for every event type, and every source and
// target must be registered.
func (t *Table) Validate(types []string) error {
	var problems []string
	for p, a := range t.rules {
		if !slices.Contains(types, p.source) {
			problems = append(problems, fmt.Sprintf("rule source %s is not registered", p.source))
		}
		for _, target := range a.targets {
			if !slices.Contains(types, target) {
				problems = append(problems, fmt.Sprintf("%s %s clears unregistered %s", p.source, p.typ, target))
			}
		}
	}
	for _, typ := range types {
		for _, ev := range event.Types() {
			if _, ok := t.rules[pair{typ, ev}]; !ok {
				problems = append(problems, fmt.Sprintf("no rule for %s %s", typ, ev))
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return cacheerr.Invalid("rules", strings.Join(problems, "; "))
}
