// Package audit implements the tamper-evident, hash-chained audit log.
//
// Every record is linked to its predecessor in the same tenant's chain:
// RecordHash = SHA-256 over a canonical JSON serialization of the record's
// own fields concatenated with PrevHash. Modifying any stored field of any
// record breaks the chain from that record forward, which the Verifier
// detects and reports with the exact sequence number.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Genesis is the well-known PrevHash of the first record in every
// tenant's chain.
const Genesis = "sha256:genesis"

// computeHash calculates the SHA-256 hash for a record.
//
// The hashed form is a flat map marshaled with encoding/json, which sorts
// object keys at every nesting level. That makes the digest independent of
// incidental field ordering in stored JSON: two byte-different but
// structurally equal old_values blobs hash identically.
//
// RecordHash itself is excluded; everything else — including the id,
// timestamp, and PrevHash — is covered.
//
// Returns a prefixed hash string: "sha256:<hex>".
func computeHash(r *Record) string {
	canonical := map[string]any{
		"id":          r.ID,
		"tenant_id":   r.TenantID,
		"seq":         r.Seq,
		"actor_id":    r.ActorID,
		"actor_email": r.ActorEmail,
		"actor_role":  r.ActorRole,
		"action":      string(r.Action),
		"entity_type": string(r.EntityType),
		"entity_id":   r.EntityID,
		"entity_name": r.EntityName,
		"old_values":  canonicalValue(r.OldValues),
		"new_values":  canonicalValue(r.NewValues),
		"metadata":    canonicalValue(r.Metadata),
		"created_at":  r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"prev_hash":   r.PrevHash,
	}

	// Marshal of map[string]any cannot fail for these value types.
	data, _ := json.Marshal(canonical)

	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// canonicalValue normalizes an opaque JSON blob for hashing. Round-tripping
// through any strips whitespace and lets the outer Marshal sort nested
// object keys. Empty and null blobs both normalize to nil.
func canonicalValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Validate() rejects malformed JSON before a record is built, so
		// this only happens for a corrupted stored blob. Hash the raw bytes
		// so the corruption still shows up as a mismatch.
		return string(raw)
	}
	return v
}

// verifyRecord reports whether a record's stored hash matches its contents.
func verifyRecord(r *Record) bool {
	return r.RecordHash == computeHash(r)
}
