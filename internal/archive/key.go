package archive

import (
	"fmt"
	"time"
)

// StorageKey returns the object key of a tenant's batch for day. Part 0 is the
// day's first batch; later parts hold events that arrived after the day was
// archived, so a finalized object is never overwritten.
func StorageKey(tenantID string, day time.Time, part int, codec Codec) string {
	d := day.UTC()
	name := "events" + codec.Ext()
	if part > 0 {
		name = fmt.Sprintf("events.%d%s", part, codec.Ext())
	}
	return fmt.Sprintf("archives/%s/%04d/%02d/%02d/%s", tenantID, d.Year(), int(d.Month()), d.Day(), name)
}

// TenantPrefix returns the key prefix holding all of a tenant's batches.
func TenantPrefix(tenantID string) string {
	return "archives/" + tenantID + "/"
}
