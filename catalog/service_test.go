package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCreateValidatesProduct(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	cases := []CreateParams{
		{SellerID: "", Name: "Lamp", Price: decimal.NewFromInt(10)},
		{SellerID: "s1", Name: "  ", Price: decimal.NewFromInt(10)},
		{SellerID: "s1", Name: "Lamp", Price: decimal.Zero},
		{SellerID: "s1", Name: "Lamp", Price: decimal.RequireFromString("9.999")},
	}
	for i, params := range cases {
		if _, err := svc.Create(ctx, params); !errors.Is(err, ErrInvalidProduct) {
			t.Fatalf("case %d: expected ErrInvalidProduct, got %v", i, err)
		}
	}
}

func TestCreateGetList(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo)
	ctx := context.Background()

	lamp, err := svc.Create(ctx, CreateParams{SellerID: "s1", Name: " Vintage Lamp ", Price: decimal.RequireFromString("89.99")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if lamp.Name != "Vintage Lamp" {
		t.Fatalf("expected trimmed name, got %q", lamp.Name)
	}
	if _, err := svc.Create(ctx, CreateParams{SellerID: "s2", Name: "Camera", Price: decimal.RequireFromString("449.99")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.GetByID(ctx, lamp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("89.99")) {
		t.Fatalf("unexpected price %s", got.Price)
	}
	if _, err := svc.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, _ := svc.List(ctx, Filter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 products, got %d", len(all))
	}
	mine, _ := svc.List(ctx, Filter{SellerID: "s1"})
	if len(mine) != 1 || mine[0].ID != lamp.ID {
		t.Fatalf("expected seller filter to return the lamp, got %+v", mine)
	}
	one, _ := svc.List(ctx, Filter{Limit: 1})
	if len(one) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(one))
	}
}
