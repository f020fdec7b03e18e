package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strata/strata/pkg/types"
)

// TimestampLayout is the millisecond RFC 3339 form used in hashes and archives.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// CanonicalMetadata re-encodes a metadata object deterministically: keys sorted,
// numbers kept verbatim, no insignificant whitespace. Empty input stays empty.
func CanonicalMetadata(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("metadata is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("metadata has trailing data")
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("metadata must be a JSON object")
	}
	return encode(v)
}

// encode marshals v with sorted map keys and without HTML escaping.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func canonicalPayload(p types.EventPayload) map[string]interface{} {
	var metadata interface{}
	if len(p.Metadata) > 0 {
		metadata = p.Metadata
	}
	var ts string
	if !p.Timestamp.IsZero() {
		ts = p.Timestamp.UTC().Format(TimestampLayout)
	}
	return map[string]interface{}{
		"timestamp": ts,
		"category":  p.Category,
		"action":    p.Action,
		"actor": map[string]string{
			"id":    p.Actor.ID,
			"email": p.Actor.Email,
			"role":  p.Actor.Role,
			"type":  p.Actor.Type,
		},
		"resource": map[string]string{
			"type": p.Resource.Type,
			"id":   p.Resource.ID,
			"name": p.Resource.Name,
		},
		"metadata": metadata,
	}
}

func scopeFields(s types.ScopeKey) map[string]string {
	return map[string]string{
		"tenant_id":    s.TenantID,
		"workspace_id": s.WorkspaceID,
		"project_id":   s.ProjectID,
	}
}

// EventHash computes the chain hash of an event: SHA-256 over the canonical
// encoding of its scope, payload and the previous link's hash.
func EventHash(scope types.ScopeKey, p types.EventPayload, prevHash *string) (string, error) {
	doc := canonicalPayload(p)
	doc["scope"] = scopeFields(scope)
	if prevHash != nil {
		doc["prev_hash"] = *prevHash
	} else {
		doc["prev_hash"] = nil
	}
	return hashDoc(doc)
}

// IdempotencyHash binds an idempotency key to the scope and the exact payload, so
// reusing a key with a different payload is a new event, not a replay.
func IdempotencyHash(scope types.ScopeKey, key string, p types.EventPayload) (string, error) {
	return hashDoc(map[string]interface{}{
		"scope":           scopeFields(scope),
		"idempotency_key": key,
		"payload":         canonicalPayload(p),
	})
}

func hashDoc(doc map[string]interface{}) (string, error) {
	b, err := encode(doc)
	if err != nil {
		return "", fmt.Errorf("ledger: canonical encoding failed: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// truncateMillis normalizes a timestamp to UTC millisecond precision.
func truncateMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
