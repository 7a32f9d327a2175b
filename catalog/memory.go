package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps products in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	products map[string]Product
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products: make(map[string]Product),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Create(ctx context.Context, params CreateParams) (Product, error) {
	p := Product{
		ID:          uuid.NewString(),
		SellerID:    params.SellerID,
		Name:        params.Name,
		Description: params.Description,
		Price:       params.Price,
		CreatedAt:   r.now(),
	}
	r.mu.Lock()
	r.products[p.ID] = p
	r.mu.Unlock()
	return p, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepository) List(ctx context.Context, filter Filter) ([]Product, error) {
	r.mu.RLock()
	out := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		if filter.SellerID == "" || p.SellerID == filter.SellerID {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
