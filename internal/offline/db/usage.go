package db

import (
	"context"
	"fmt"
	"path/filepath"
)

// Usage describes how much of the storage allowance is in use.
type Usage struct {
	Used       int64   `json:"used"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Usage reports live pages against the quota. Total is the quota clamped to
// what the device can still provide; with no quota it is whatever the device
// can provide.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	release, err := s.acquire()
	if err != nil {
		return Usage{}, err
	}
	defer release()

	var pageCount, freePages, size int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Usage{}, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freePages); err != nil {
		return Usage{}, fmt.Errorf("failed to read freelist count: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&size); err != nil {
		return Usage{}, fmt.Errorf("failed to read page size: %w", err)
	}

	u := Usage{Used: (pageCount - freePages) * size}

	deviceFree := int64(-1)
	if !s.degraded {
		deviceFree = availableBytes(filepath.Dir(s.path))
	}
	quota := s.opts.QuotaBytes
	switch {
	case quota > 0 && deviceFree >= 0:
		u.Total = min(quota, u.Used+deviceFree)
	case quota > 0:
		u.Total = quota
	case deviceFree >= 0:
		u.Total = u.Used + deviceFree
	}
	if u.Total > 0 {
		u.Percentage = float64(u.Used) / float64(u.Total) * 100
	}
	return u, nil
}

// NearlyFull reports whether usage has reached the configured threshold.
func (s *Store) NearlyFull(ctx context.Context) (bool, error) {
	u, err := s.Usage(ctx)
	if err != nil {
		return false, err
	}
	return u.Percentage >= s.opts.NearlyFullPercent, nil
}
