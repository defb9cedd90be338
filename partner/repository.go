package partner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested partner does not exist.
var ErrNotFound = errors.New("partner: not found")

// Repository provides access to partner profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, user_id, display_name, plan_tier, completed_count, gateway_account_ref, verified, created_at`

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.DisplayName,
		&p.PlanTier,
		&p.CompletedCount,
		&p.GatewayAccountRef,
		&p.Verified,
		&p.CreatedAt,
	)
	return p, err
}

// GetByID fetches a partner profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `SELECT ` + columns + ` FROM partners WHERE id = $1`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("partner: query by id: %w", err)
	}
	return profile, nil
}

// GetByUserID fetches the partner profile owned by a user account.
func (r *Repository) GetByUserID(ctx context.Context, userID string) (Profile, error) {
	const query = `SELECT ` + columns + ` FROM partners WHERE user_id = $1`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("partner: query by user id: %w", err)
	}
	return profile, nil
}

// List fetches up to limit partner profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT ` + columns + `
		FROM partners
		ORDER BY display_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("partner: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.UserID, &p.DisplayName, &p.PlanTier, &p.CompletedCount, &p.GatewayAccountRef, &p.Verified, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("partner: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partner: iterate profiles: %w", err)
	}

	return profiles, nil
}

// IncrementCompleted bumps the loyalty counter after a successful release.
// The count only feeds future commission discounts, so a lost update under
// contention is acceptable; a plain atomic increment avoids it anyway.
func (r *Repository) IncrementCompleted(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE partners SET completed_count = completed_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("partner: increment completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
