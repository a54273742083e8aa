// Package quota enforces per-owner request rates and storage limits.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/filora/filora/internal/metrics"
)

// ErrQuotaExceeded is returned when an upload would take an owner past
// their storage limit.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Usage reports how many bytes an owner's files occupy.
type Usage interface {
	StorageUsed(ctx context.Context, owner string) (int64, error)
}

// StorageQuota checks new uploads against a per-owner byte limit.
type StorageQuota struct {
	usage    Usage
	maxBytes int64
}

// NewStorageQuota creates a StorageQuota. maxBytes=0 means unlimited.
func NewStorageQuota(usage Usage, maxBytes int64) *StorageQuota {
	return &StorageQuota{usage: usage, maxBytes: maxBytes}
}

// CheckStorage fails with ErrQuotaExceeded if additional bytes do not fit.
func (q *StorageQuota) CheckStorage(ctx context.Context, owner string, additional int64) error {
	if q == nil || q.maxBytes <= 0 {
		return nil
	}
	used, err := q.usage.StorageUsed(ctx, owner)
	if err != nil {
		return fmt.Errorf("check storage quota: %w", err)
	}
	if used+additional > q.maxBytes {
		metrics.RecordQuotaExceeded("storage")
		return fmt.Errorf("%w: %s used, %s requested, limit %s", ErrQuotaExceeded,
			humanize.IBytes(uint64(used)),
			humanize.IBytes(uint64(additional)),
			humanize.IBytes(uint64(q.maxBytes)))
	}
	return nil
}
