package catalog

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidProduct signals a product failed validation.
var ErrInvalidProduct = errors.New("catalog: invalid product")

// ProductStore abstracts repository operations for the service.
type ProductStore interface {
	Create(ctx context.Context, params CreateParams) (Product, error)
	GetByID(ctx context.Context, id string) (Product, error)
	List(ctx context.Context, filter Filter) ([]Product, error)
}

// Service exposes business-level catalog operations.
type Service struct {
	repo ProductStore
}

// NewService builds a Service using the provided repository.
func NewService(repo ProductStore) *Service {
	return &Service{repo: repo}
}

// Create validates and stores a product offered by params.SellerID.
func (s *Service) Create(ctx context.Context, params CreateParams) (Product, error) {
	params.Name = strings.TrimSpace(params.Name)
	params.Description = strings.TrimSpace(params.Description)
	if params.SellerID == "" {
		return Product{}, errors.Join(ErrInvalidProduct, errors.New("seller is required"))
	}
	if params.Name == "" {
		return Product{}, errors.Join(ErrInvalidProduct, errors.New("name is required"))
	}
	if !params.Price.IsPositive() {
		return Product{}, errors.Join(ErrInvalidProduct, errors.New("price must be greater than zero"))
	}
	if !params.Price.Equal(params.Price.Round(2)) {
		return Product{}, errors.Join(ErrInvalidProduct, errors.New("price must not have more than two decimal places"))
	}
	return s.repo.Create(ctx, params)
}

// GetByID returns the product for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Product, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns products, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Product, error) {
	return s.repo.List(ctx, filter)
}
