package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/entitlement-service/internal/domain"
)

// ErrProfileNotFound is the distinguished "no such record" result of the profile store.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileRepository is the durable profile store keyed by subject identity.
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Profile, error)
	// Insert creates the profile unless one already exists for the subject.
	// The stored record is returned either way; created reports which happened.
	Insert(ctx context.Context, profile *domain.Profile) (stored *domain.Profile, created bool, err error)
	Update(ctx context.Context, id string, update domain.ProfileUpdate) error
	ApplyBilling(ctx context.Context, id string, update domain.BillingUpdate) error
	ApplyBillingByCustomer(ctx context.Context, customerID string, update domain.BillingUpdate) ([]string, error)
	GrantProduct(ctx context.Context, id, productID string) error
	FindIDByEmail(ctx context.Context, email string) (string, error)
}

type profileRepository struct {
	pool *pgxpool.Pool
}

// NewProfileRepository returns a Postgres-backed implementation.
func NewProfileRepository(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepository{pool: pool}
}

const profileColumns = `id, full_name, email, avatar_url, cpf, plan, plan_status, trial_ends_at,
        owned_product_ids, stripe_customer_id, stripe_subscription_id, created_at, updated_at`

func scanProfile(row pgx.Row) (*domain.Profile, error) {
	var p domain.Profile
	if err := row.Scan(
		&p.ID,
		&p.FullName,
		&p.Email,
		&p.AvatarURL,
		&p.CPF,
		&p.Plan,
		&p.PlanStatus,
		&p.TrialEndsAt,
		&p.OwnedProductIDs,
		&p.StripeCustomerID,
		&p.StripeSubscriptionID,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if p.OwnedProductIDs == nil {
		p.OwnedProductIDs = []string{}
	}
	return &p, nil
}

func (r *profileRepository) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id=$1`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return profile, nil
}

func (r *profileRepository) Insert(ctx context.Context, profile *domain.Profile) (*domain.Profile, bool, error) {
	query := `
        INSERT INTO profiles (id, full_name, email, avatar_url, cpf, plan, plan_status, trial_ends_at, owned_product_ids)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO NOTHING
        RETURNING ` + profileColumns

	owned := profile.OwnedProductIDs
	if owned == nil {
		owned = []string{}
	}

	stored, err := scanProfile(r.pool.QueryRow(ctx, query,
		profile.ID,
		profile.FullName,
		profile.Email,
		profile.AvatarURL,
		profile.CPF,
		profile.Plan,
		profile.PlanStatus,
		profile.TrialEndsAt,
		owned,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	// Lost the race: another writer created the record first.
	existing, err := r.GetByID(ctx, profile.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *profileRepository) Update(ctx context.Context, id string, update domain.ProfileUpdate) error {
	set := newSetBuilder()
	if update.FullName != nil {
		set.add("full_name", *update.FullName)
	}
	if update.AvatarURL != nil {
		set.add("avatar_url", *update.AvatarURL)
	}
	if update.CPF != nil {
		set.add("cpf", *update.CPF)
	}
	if set.empty() {
		return nil
	}
	return r.execUpdate(ctx, set, "id", id)
}

func (r *profileRepository) ApplyBilling(ctx context.Context, id string, update domain.BillingUpdate) error {
	set := billingSet(update)
	if set.empty() {
		return nil
	}
	return r.execUpdate(ctx, set, "id", id)
}

func (r *profileRepository) ApplyBillingByCustomer(ctx context.Context, customerID string, update domain.BillingUpdate) ([]string, error) {
	set := billingSet(update)
	if set.empty() {
		return nil, nil
	}
	query, args := set.build("stripe_customer_id", customerID)
	rows, err := r.pool.Query(ctx, query+" RETURNING id", args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrProfileNotFound
	}
	return ids, nil
}

func (r *profileRepository) GrantProduct(ctx context.Context, id, productID string) error {
	const query = `
        UPDATE profiles
        SET owned_product_ids = array_append(owned_product_ids, $2), updated_at=NOW()
        WHERE id=$1 AND NOT ($2 = ANY(owned_product_ids))`

	cmd, err := r.pool.Exec(ctx, query, id, productID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	// Either already owned or the profile is missing.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return nil
}

func (r *profileRepository) FindIDByEmail(ctx context.Context, email string) (string, error) {
	const query = `SELECT id FROM profiles WHERE LOWER(email)=LOWER($1) ORDER BY created_at LIMIT 1`

	var id string
	if err := r.pool.QueryRow(ctx, query, email).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProfileNotFound
		}
		return "", err
	}
	return id, nil
}

func (r *profileRepository) execUpdate(ctx context.Context, set *setBuilder, keyColumn string, key any) error {
	query, args := set.build(keyColumn, key)
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func billingSet(update domain.BillingUpdate) *setBuilder {
	set := newSetBuilder()
	if update.Plan != nil {
		set.add("plan", *update.Plan)
	}
	if update.PlanStatus != nil {
		set.add("plan_status", *update.PlanStatus)
	}
	if update.SetTrialEndsAt {
		set.add("trial_ends_at", update.TrialEndsAt)
	}
	if update.StripeCustomerID != nil {
		set.add("stripe_customer_id", *update.StripeCustomerID)
	}
	if update.SetSubscriptionID {
		set.add("stripe_subscription_id", update.StripeSubscriptionID)
	}
	return set
}

// setBuilder assembles a partial UPDATE statement over the profiles table.
type setBuilder struct {
	clauses []string
	args    []any
}

func newSetBuilder() *setBuilder {
	return &setBuilder{}
}

func (b *setBuilder) add(column string, value any) {
	b.args = append(b.args, value)
	b.clauses = append(b.clauses, fmt.Sprintf("%s=$%d", column, len(b.args)))
}

func (b *setBuilder) empty() bool {
	return len(b.clauses) == 0
}

func (b *setBuilder) build(keyColumn string, key any) (string, []any) {
	args := append(append([]any{}, b.args...), key)
	query := fmt.Sprintf("UPDATE profiles SET %s, updated_at=NOW() WHERE %s=$%d",
		strings.Join(b.clauses, ", "), keyColumn, len(args))
	return query, args
}
