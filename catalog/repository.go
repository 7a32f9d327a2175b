package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested product does not exist.
var ErrNotFound = errors.New("catalog: not found")

const maxListLimit = 100

// Repository provides product persistence on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a product and returns it with its generated id.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Product, error) {
	const query = `
		INSERT INTO products (seller_id, name, description, price)
		VALUES ($1, $2, $3, $4)
		RETURNING id, seller_id, name, description, price, created_at
	`

	p, err := scanProduct(r.pool.QueryRow(ctx, query, params.SellerID, params.Name, params.Description, params.Price))
	if err != nil {
		return Product{}, fmt.Errorf("catalog: insert product: %w", err)
	}
	return p, nil
}

// GetByID fetches a product by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Product, error) {
	const query = `
		SELECT id, seller_id, name, description, price, created_at
		FROM products
		WHERE id = $1
	`

	p, err := scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("catalog: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to filter.Limit products, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Product, error) {
	limit := clampLimit(filter.Limit)

	const query = `
		SELECT id, seller_id, name, description, price, created_at
		FROM products
		WHERE ($1 = '' OR seller_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, filter.SellerID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0, limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate products: %w", err)
	}

	return products, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SellerID, &p.Name, &p.Description, &p.Price, &p.CreatedAt)
	return p, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
