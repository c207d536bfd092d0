package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// ProfileRepo stores the profile collaborator's view of users.
type ProfileRepo struct {
	Dialect Dialect
}

// Upsert inserts or replaces a user's profile.
func (r *ProfileRepo) Upsert(ctx context.Context, db *sql.DB, p domain.Profile, nowMs int64) error {
	invite := 0
	if p.InviteOK {
		invite = 1
	}
	tier := p.Tier
	if tier == "" {
		tier = "free"
	}
	const q = `INSERT INTO user_profiles (user_id, stage, tier, age_bucket, gender, commune, invite_ok, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	stage = excluded.stage,
	tier = excluded.tier,
	age_bucket = excluded.age_bucket,
	gender = excluded.gender,
	commune = excluded.commune,
	invite_ok = excluded.invite_ok,
	updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, r.Dialect.Rebind(q), p.UserID, p.Stage, tier, p.Age, p.Gender, p.Commune, invite, nowMs); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Get returns a user's profile. Returns ErrProfileMissing if absent.
func (r *ProfileRepo) Get(ctx context.Context, db *sql.DB, userID string) (*domain.Profile, error) {
	const q = `SELECT user_id, stage, tier, age_bucket, gender, commune, invite_ok
FROM user_profiles WHERE user_id = ?`
	var p domain.Profile
	var invite int
	err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), userID).
		Scan(&p.UserID, &p.Stage, &p.Tier, &p.Age, &p.Gender, &p.Commune, &invite)
	if err == sql.ErrNoRows {
		return nil, domain.ErrProfileMissing
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.InviteOK = invite != 0
	return &p, nil
}
