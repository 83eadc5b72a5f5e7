package cache

import (
	"context"
	"time"

	"klinikvet/backend/internal/domain"
)

// CatalogCache holds short-lived copies of the medicine catalog listing.
// Stock quantities are never cached; each fulfillment re-reads them.
type CatalogCache interface {
	GetMedicines(ctx context.Context, key string) ([]domain.Medicine, bool, error)
	SetMedicines(ctx context.Context, key string, medicines []domain.Medicine, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) GetMedicines(_ context.Context, _ string) ([]domain.Medicine, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) SetMedicines(_ context.Context, _ string, _ []domain.Medicine, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
