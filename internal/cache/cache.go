package cache

import (
	"context"
	"time"

	"tokopos/backend/internal/domain"
)

// ReportCache holds rendered daily sales reports keyed by branch and
// date range. Reports over closed days never change, so a short TTL is
// only needed for ranges that include today.
type ReportCache interface {
	Get(ctx context.Context, key string) ([]domain.DailySalesRow, bool, error)
	Set(ctx context.Context, key string, value []domain.DailySalesRow, ttl time.Duration) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) ([]domain.DailySalesRow, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ []domain.DailySalesRow, _ time.Duration) error {
	return nil
}
