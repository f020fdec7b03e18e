package types

import "time"

// ArchiveBatch is the metadata row for one compressed archive object holding a
// tenant's events for one UTC day. The payload is immutable once uploaded; only the
// cold, restore and verification fields change afterwards.
type ArchiveBatch struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Day         time.Time `json:"day"`
	Part        int       `json:"part"`
	StorageKey  string    `json:"storage_key"`
	Codec       string    `json:"codec"`

	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	RowCount  int64  `json:"row_count"`

	MinEventTime time.Time `json:"min_event_time"`
	MaxEventTime time.Time `json:"max_event_time"`

	// ActorBloom is a compressed bloom filter over the actor ids in the batch.
	ActorBloom []byte `json:"-"`

	IsCold            bool       `json:"is_cold"`
	RestoredUntil     *time.Time `json:"restored_until,omitempty"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	VerificationError *string    `json:"verification_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Readable reports whether the batch payload can be read right now.
func (b *ArchiveBatch) Readable() bool {
	return !b.IsCold
}

// BatchFilter narrows archive batch listings.
type BatchFilter struct {
	TenantID    string
	WorkspaceID string
	From        *time.Time
	To          *time.Time
}
