package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the append/read paths. Callers match with errors.Is
// and translate to transport-level responses in internal/server.
var (
	// ErrValidation means the input was rejected before any store access.
	ErrValidation = errors.New("validation")

	// ErrConflict means a sequence race could not be resolved within the
	// bounded retry budget. The triggering domain action should fail closed.
	ErrConflict = errors.New("sequence conflict")

	// ErrFrozen means the tenant is under an ingest freeze.
	ErrFrozen = errors.New("tenant frozen")

	// ErrNotFound means no record matched the requested identifier.
	ErrNotFound = errors.New("not found")
)

// Action is the closed set of auditable verbs. Every state-changing or
// access event in the application maps to exactly one of these.
type Action string

const (
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionView        Action = "view"
	ActionExport      Action = "export"
	ActionLogin       Action = "login"
	ActionLogout      Action = "logout"
	ActionRequestInfo Action = "request_info"
)

// EntityType is the closed set of domain nouns an audit record can reference.
type EntityType string

const (
	EntityJobProfile      EntityType = "job_profile"
	EntityPayBand         EntityType = "pay_band"
	EntitySalaryComponent EntityType = "salary_component"
	EntityEmployee        EntityType = "employee"
	EntitySalaryInfo      EntityType = "salary_info"
	EntityInfoRequest     EntityType = "info_request"
	EntityUser            EntityType = "user"
	EntityCompany         EntityType = "company"
	EntityReport          EntityType = "report"
)

var validActions = map[Action]bool{
	ActionCreate: true, ActionUpdate: true, ActionDelete: true,
	ActionView: true, ActionExport: true, ActionLogin: true,
	ActionLogout: true, ActionRequestInfo: true,
}

var validEntityTypes = map[EntityType]bool{
	EntityJobProfile: true, EntityPayBand: true, EntitySalaryComponent: true,
	EntityEmployee: true, EntitySalaryInfo: true, EntityInfoRequest: true,
	EntityUser: true, EntityCompany: true, EntityReport: true,
}

// ValidAction reports whether s is a member of the action enum.
func ValidAction(s string) bool { return validActions[Action(s)] }

// ValidEntityType reports whether s is a member of the entity type enum.
func ValidEntityType(s string) bool { return validEntityTypes[EntityType(s)] }

// Record is one immutable audit entry. Records are created exactly once by
// Log.Append and never updated or deleted.
//
// The hash chain links records per tenant: each record's RecordHash covers
// its own canonical fields plus PrevHash, so tampering with any stored field
// breaks the chain from that record forward.
type Record struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Seq        int64      `json:"seq"`
	ActorID    string     `json:"actor_id"`
	ActorEmail string     `json:"actor_email"`
	ActorRole  string     `json:"actor_role"`
	Action     Action     `json:"action"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id,omitempty"`
	EntityName string     `json:"entity_name,omitempty"`

	// OldValues/NewValues/Metadata are opaque structured snapshots. The
	// audited entities are heterogeneous and evolve independently of this
	// subsystem, so the log never interprets their schema.
	OldValues json.RawMessage `json:"old_values,omitempty"`
	NewValues json.RawMessage `json:"new_values,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	PrevHash   string    `json:"prev_hash"`
	RecordHash string    `json:"record_hash"`
}

// Input is a candidate record: everything the caller supplies. Sequence
// number, previous hash, record hash, id, and timestamp are assigned
// server-side by Log.Append — never trusted from the caller.
type Input struct {
	TenantID   string          `json:"tenant_id"`
	ActorID    string          `json:"actor_id"`
	ActorEmail string          `json:"actor_email"`
	ActorRole  string          `json:"actor_role"`
	Action     Action          `json:"action"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	EntityName string          `json:"entity_name,omitempty"`
	OldValues  json.RawMessage `json:"old_values,omitempty"`
	NewValues  json.RawMessage `json:"new_values,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks the candidate against the closed enums and required
// actor fields. Runs before any store access.
func (in Input) Validate() error {
	if in.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if in.ActorID == "" || in.ActorEmail == "" {
		return fmt.Errorf("%w: actor_id and actor_email are required", ErrValidation)
	}
	if !validActions[in.Action] {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, in.Action)
	}
	if !validEntityTypes[in.EntityType] {
		return fmt.Errorf("%w: unknown entity_type %q", ErrValidation, in.EntityType)
	}
	for name, raw := range map[string]json.RawMessage{
		"old_values": in.OldValues,
		"new_values": in.NewValues,
		"metadata":   in.Metadata,
	} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrValidation, name)
		}
	}
	return nil
}
