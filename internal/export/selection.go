package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/klargehalt/auditchain/internal/audit"
)

// Type identifies how an export's record set is selected.
type Type string

const (
	// TypeFull exports the tenant's entire chain.
	TypeFull Type = "full"
	// TypeDateRange exports records created within [DateFrom, DateTo].
	TypeDateRange Type = "date_range"
	// TypeEntityType exports records matching entity types and/or actions.
	TypeEntityType Type = "entity_type"
)

// Selection describes which records an export contains. EntityNamePatterns
// and ActorEmailPatterns are glob patterns (e.g. "L4 *", "*@acme.example")
// and may narrow any selection type.
type Selection struct {
	Type        Type               `json:"type"`
	DateFrom    *time.Time         `json:"date_from,omitempty"`
	DateTo      *time.Time         `json:"date_to,omitempty"`
	EntityTypes []audit.EntityType `json:"entity_types,omitempty"`
	Actions     []audit.Action     `json:"actions,omitempty"`

	EntityNamePatterns []string `json:"entity_name_patterns,omitempty"`
	ActorEmailPatterns []string `json:"actor_email_patterns,omitempty"`

	compiled *compiledSelection
}

// compiledSelection holds pre-compiled glob matchers and membership sets.
// Compiling once at selection build time keeps the per-record cost of the
// paged range scan low.
type compiledSelection struct {
	entityTypes map[audit.EntityType]bool
	actions     map[audit.Action]bool
	nameGlobs   []glob.Glob
	emailGlobs  []glob.Glob
}

// Compile validates the selection and pre-compiles its matchers. Must be
// called before matches.
func (s *Selection) Compile() error {
	switch s.Type {
	case TypeFull:
	case TypeDateRange:
		if s.DateFrom == nil && s.DateTo == nil {
			return fmt.Errorf("%w: date_range export needs date_from or date_to", audit.ErrValidation)
		}
	case TypeEntityType:
		if len(s.EntityTypes) == 0 && len(s.Actions) == 0 {
			return fmt.Errorf("%w: entity_type export needs entity_types or actions", audit.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown export type %q", audit.ErrValidation, s.Type)
	}

	c := &compiledSelection{
		entityTypes: make(map[audit.EntityType]bool, len(s.EntityTypes)),
		actions:     make(map[audit.Action]bool, len(s.Actions)),
	}
	for _, et := range s.EntityTypes {
		if !audit.ValidEntityType(string(et)) {
			return fmt.Errorf("%w: unknown entity_type %q", audit.ErrValidation, et)
		}
		c.entityTypes[et] = true
	}
	for _, a := range s.Actions {
		if !audit.ValidAction(string(a)) {
			return fmt.Errorf("%w: unknown action %q", audit.ErrValidation, a)
		}
		c.actions[a] = true
	}

	for _, p := range s.EntityNamePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: invalid entity name pattern %q: %v", audit.ErrValidation, p, err)
		}
		c.nameGlobs = append(c.nameGlobs, g)
	}
	for _, p := range s.ActorEmailPatterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return fmt.Errorf("%w: invalid actor email pattern %q: %v", audit.ErrValidation, p, err)
		}
		c.emailGlobs = append(c.emailGlobs, g)
	}

	s.compiled = c
	return nil
}

// matches reports whether a record belongs to the selection. All configured
// conditions must hold; within a pattern list, any match suffices.
func (s *Selection) matches(r audit.Record) bool {
	c := s.compiled

	if s.Type == TypeDateRange || s.DateFrom != nil || s.DateTo != nil {
		if s.DateFrom != nil && r.CreatedAt.Before(*s.DateFrom) {
			return false
		}
		if s.DateTo != nil && r.CreatedAt.After(*s.DateTo) {
			return false
		}
	}

	if len(c.entityTypes) > 0 && !c.entityTypes[r.EntityType] {
		return false
	}
	if len(c.actions) > 0 && !c.actions[r.Action] {
		return false
	}

	if len(c.nameGlobs) > 0 && !anyGlob(c.nameGlobs, r.EntityName) {
		return false
	}
	if len(c.emailGlobs) > 0 && !anyGlob(c.emailGlobs, strings.ToLower(r.ActorEmail)) {
		return false
	}

	return true
}

func anyGlob(globs []glob.Glob, value string) bool {
	for _, g := range globs {
		if g.Match(value) {
			return true
		}
	}
	return false
}
