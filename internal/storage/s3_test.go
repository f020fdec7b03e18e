package storage

import (
	"testing"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestParseRestoreHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		class  s3types.StorageClass
		want   RestoreState
	}{
		{"archived without restore", "", s3types.StorageClassGlacier, RestoreAbsent},
		{"deep archive without restore", "", s3types.StorageClassDeepArchive, RestoreAbsent},
		{"standard object", "", s3types.StorageClassStandard, RestoreDone},
		{"ongoing", `ongoing-request="true"`, s3types.StorageClassGlacier, RestorePending},
		{"finished", `ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`, s3types.StorageClassGlacier, RestoreDone},
		{"unparseable", `garbage`, s3types.StorageClassGlacier, RestorePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRestoreHeader(tt.header, tt.class)
			if got.State != tt.want {
				t.Errorf("state: got %s, want %s", got.State, tt.want)
			}
		})
	}

	got := parseRestoreHeader(`ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`, s3types.StorageClassGlacier)
	want := time.Date(2012, 12, 21, 0, 0, 0, 0, time.UTC)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(want) {
		t.Errorf("expiry: got %v, want %v", got.ExpiresAt, want)
	}
}
