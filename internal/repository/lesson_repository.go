package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/entitlement-service/internal/domain"
)

// LessonRepository reads the paid content catalog.
type LessonRepository interface {
	GetLesson(ctx context.Context, id string) (*domain.Lesson, error)
	ListByProduct(ctx context.Context, productID string) ([]domain.Lesson, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListBonusProductIDs(ctx context.Context, parentID string) ([]string, error)
}

type lessonRepository struct {
	pool *pgxpool.Pool
}

// NewLessonRepository returns a Postgres-backed implementation.
func NewLessonRepository(pool *pgxpool.Pool) LessonRepository {
	return &lessonRepository{pool: pool}
}

const lessonColumns = `id, product_id, title, description, content_type, media_url, body, position, created_at`

func (r *lessonRepository) GetLesson(ctx context.Context, id string) (*domain.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE id=$1`

	var lesson domain.Lesson
	if err := r.pool.QueryRow(ctx, query, id).Scan(lessonFields(&lesson)...); err != nil {
		return nil, err
	}
	return &lesson, nil
}

func (r *lessonRepository) ListByProduct(ctx context.Context, productID string) ([]domain.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE product_id=$1 ORDER BY position, created_at`

	rows, err := r.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lessons []domain.Lesson
	for rows.Next() {
		var lesson domain.Lesson
		if err := rows.Scan(lessonFields(&lesson)...); err != nil {
			return nil, err
		}
		lessons = append(lessons, lesson)
	}
	return lessons, rows.Err()
}

func (r *lessonRepository) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	const query = `SELECT id, name, checkout_url, is_active, parent_product_id, created_at FROM products WHERE id=$1`

	var product domain.Product
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.CheckoutURL,
		&product.IsActive,
		&product.ParentProductID,
		&product.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &product, nil
}

// ListBonusProductIDs returns the active products bundled with parentID.
func (r *lessonRepository) ListBonusProductIDs(ctx context.Context, parentID string) ([]string, error) {
	const query = `SELECT id FROM products WHERE parent_product_id=$1 AND is_active ORDER BY id`

	rows, err := r.pool.Query(ctx, query, parentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func lessonFields(l *domain.Lesson) []any {
	return []any{
		&l.ID,
		&l.ProductID,
		&l.Title,
		&l.Description,
		&l.ContentType,
		&l.MediaURL,
		&l.Body,
		&l.Position,
		&l.CreatedAt,
	}
}
