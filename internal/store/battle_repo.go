package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// BattleRepo handles persistence for battles, their options and instances.
type BattleRepo struct {
	Dialect Dialect
}

// Create inserts a battle, its options and a first instance in one
// transaction.
func (r *BattleRepo) Create(ctx context.Context, db *sql.DB, b domain.Battle, instanceID string, nowMs int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	status := b.Status
	if status == "" {
		status = domain.BattleActive
	}
	const qb = `INSERT INTO battles (id, slug, title, category, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, r.Dialect.Rebind(qb), b.ID, b.Slug, b.Title, b.Category, string(status), nowMs); err != nil {
		return fmt.Errorf("insert battle: %w", err)
	}

	const qo = `INSERT INTO battle_options (id, battle_id, label, image_url, entity_id, category, sort_order)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	for i, o := range b.Options {
		category := o.Category
		if category == "" {
			category = b.Category
		}
		order := o.SortOrder
		if order == 0 {
			order = i + 1
		}
		if _, err := tx.ExecContext(ctx, r.Dialect.Rebind(qo), o.ID, b.ID, o.Label, o.ImageURL, o.EntityID, category, order); err != nil {
			return fmt.Errorf("insert option %s: %w", o.ID, err)
		}
	}

	const qi = `INSERT INTO battle_instances (id, battle_id, version, created_at) VALUES (?, ?, 1, ?)`
	if _, err := tx.ExecContext(ctx, r.Dialect.Rebind(qi), instanceID, b.ID, nowMs); err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	return tx.Commit()
}

// GetByID returns the battle with its options ordered by sort order.
// Returns ErrBattleNotFound if absent.
func (r *BattleRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.Battle, error) {
	const q = `SELECT id, slug, title, category, status FROM battles WHERE id = ?`
	return r.getOne(ctx, db, q, id)
}

// GetBySlug returns the battle with the given slug.
func (r *BattleRepo) GetBySlug(ctx context.Context, db *sql.DB, slug string) (*domain.Battle, error) {
	const q = `SELECT id, slug, title, category, status FROM battles WHERE slug = ?`
	return r.getOne(ctx, db, q, slug)
}

func (r *BattleRepo) getOne(ctx context.Context, db *sql.DB, q, arg string) (*domain.Battle, error) {
	var b domain.Battle
	var status string
	err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), arg).Scan(&b.ID, &b.Slug, &b.Title, &b.Category, &status)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBattleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get battle: %w", err)
	}
	b.Status = domain.BattleStatus(status)

	opts, err := r.ListOptions(ctx, db, b.ID)
	if err != nil {
		return nil, err
	}
	b.Options = opts
	return &b, nil
}

// ListOptions returns a battle's options ordered by sort order.
func (r *BattleRepo) ListOptions(ctx context.Context, db *sql.DB, battleID string) ([]domain.Option, error) {
	const q = `SELECT id, battle_id, label, image_url, entity_id, category, sort_order
FROM battle_options
WHERE battle_id = ?
ORDER BY sort_order ASC, id ASC`

	rows, err := db.QueryContext(ctx, r.Dialect.Rebind(q), battleID)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer rows.Close()

	var opts []domain.Option
	for rows.Next() {
		var o domain.Option
		if err := rows.Scan(&o.ID, &o.BattleID, &o.Label, &o.ImageURL, &o.EntityID, &o.Category, &o.SortOrder); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		opts = append(opts, o)
	}
	return opts, rows.Err()
}

// GetOption returns a single option by id.
func (r *BattleRepo) GetOption(ctx context.Context, db *sql.DB, optionID string) (*domain.Option, error) {
	const q = `SELECT id, battle_id, label, image_url, entity_id, category, sort_order
FROM battle_options WHERE id = ?`
	var o domain.Option
	err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), optionID).
		Scan(&o.ID, &o.BattleID, &o.Label, &o.ImageURL, &o.EntityID, &o.Category, &o.SortOrder)
	if err == sql.ErrNoRows {
		return nil, domain.NewEngineError(domain.ErrBattleNotFound.Code, "option not found: "+optionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get option: %w", err)
	}
	return &o, nil
}

// ListActive returns every active battle with options, oldest first.
func (r *BattleRepo) ListActive(ctx context.Context, db *sql.DB) ([]domain.Battle, error) {
	const q = `SELECT id FROM battles WHERE status = 'active' ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active battles: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan battle id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	battles := make([]domain.Battle, 0, len(ids))
	for _, id := range ids {
		b, err := r.GetByID(ctx, db, id)
		if err != nil {
			return nil, err
		}
		battles = append(battles, *b)
	}
	return battles, nil
}

// CurrentInstance returns the latest instance id for a battle.
func (r *BattleRepo) CurrentInstance(ctx context.Context, db *sql.DB, battleID string) (string, error) {
	const q = `SELECT id FROM battle_instances WHERE battle_id = ? ORDER BY version DESC LIMIT 1`
	var id string
	err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), battleID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", domain.NewEngineError(domain.ErrContextUnavailable.Code, "no instance for battle "+battleID)
	}
	if err != nil {
		return "", fmt.Errorf("current instance: %w", err)
	}
	return id, nil
}

// SetStatus changes a battle's lifecycle state.
func (r *BattleRepo) SetStatus(ctx context.Context, db *sql.DB, battleID string, status domain.BattleStatus) error {
	const q = `UPDATE battles SET status = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, r.Dialect.Rebind(q), string(status), battleID)
	if err != nil {
		return fmt.Errorf("set battle status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrBattleNotFound
	}
	return nil
}
