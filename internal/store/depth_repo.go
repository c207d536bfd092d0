package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// DepthRepo handles question definitions and submitted depth answers.
type DepthRepo struct {
	Dialect Dialect
}

// UpsertDefinitions stores the question set for an entity.
func (r *DepthRepo) UpsertDefinitions(ctx context.Context, db *sql.DB, entityID string, questions []domain.Question, nowMs int64) error {
	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	const q = `INSERT INTO depth_definitions (entity_id, questions_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT (entity_id) DO UPDATE SET questions_json = excluded.questions_json, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, r.Dialect.Rebind(q), entityID, string(data), nowMs); err != nil {
		return fmt.Errorf("upsert definitions: %w", err)
	}
	return nil
}

// GetDefinitions returns the question set for an entity, or nil if none is
// stored.
func (r *DepthRepo) GetDefinitions(ctx context.Context, db *sql.DB, entityID string) ([]domain.Question, error) {
	const q = `SELECT questions_json FROM depth_definitions WHERE entity_id = ?`
	var raw string
	err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), entityID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definitions: %w", err)
	}
	var questions []domain.Question
	if err := json.Unmarshal([]byte(raw), &questions); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	return questions, nil
}

// DepthAnswerRow is a stored answer with its author.
type DepthAnswerRow struct {
	ID          string
	OptionID    string
	QuestionKey string
	AnswerValue string
	UserID      string
	CreatedAt   int64
}

// InsertAnswers stores a survey's answers in one transaction.
func (r *DepthRepo) InsertAnswers(ctx context.Context, db *sql.DB, answers []DepthAnswerRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO depth_answers (id, option_id, question_key, answer_value, user_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	for _, a := range answers {
		if _, err := tx.ExecContext(ctx, r.Dialect.Rebind(q), a.ID, a.OptionID, a.QuestionKey, a.AnswerValue, a.UserID, a.CreatedAt); err != nil {
			return fmt.Errorf("insert answer %s: %w", a.QuestionKey, err)
		}
	}
	return tx.Commit()
}

// ListAnswers returns answers for a question key, optionally restricted to
// one option and a demographic segment. Empty filter fields match anything.
func (r *DepthRepo) ListAnswers(ctx context.Context, db *sql.DB, questionKey, optionID string, seg domain.SegmentFilter) ([]DepthAnswerRow, error) {
	const q = `SELECT a.id, a.option_id, a.question_key, a.answer_value, a.user_id, a.created_at
FROM depth_answers a
LEFT JOIN user_profiles p ON p.user_id = a.user_id
WHERE (? = '' OR a.question_key = ?)
	AND (? = '' OR a.option_id = ?)
	AND (? = '' OR p.gender = ?)
	AND (? = '' OR p.age_bucket = ?)
	AND (? = '' OR p.commune = ?)
ORDER BY a.created_at ASC, a.id ASC`

	rows, err := db.QueryContext(ctx, r.Dialect.Rebind(q),
		questionKey, questionKey,
		optionID, optionID,
		seg.Gender, seg.Gender,
		seg.AgeBucket, seg.AgeBucket,
		seg.Region, seg.Region,
	)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var out []DepthAnswerRow
	for rows.Next() {
		var a DepthAnswerRow
		if err := rows.Scan(&a.ID, &a.OptionID, &a.QuestionKey, &a.AnswerValue, &a.UserID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Analytics averages numeric answers per question for an option within a
// segment. Non-numeric answers are counted but do not affect the average.
func (r *DepthRepo) Analytics(ctx context.Context, db *sql.DB, optionID string, seg domain.SegmentFilter) ([]domain.DepthAnalyticsRow, error) {
	answers, err := r.ListAnswers(ctx, db, "", optionID, seg)
	if err != nil {
		return nil, err
	}

	type acc struct {
		sum     float64
		numeric int
		total   int
	}
	byKey := make(map[string]*acc)
	for _, a := range answers {
		cur, ok := byKey[a.QuestionKey]
		if !ok {
			cur = &acc{}
			byKey[a.QuestionKey] = cur
		}
		cur.total++
		if v, err := strconv.ParseFloat(a.AnswerValue, 64); err == nil {
			cur.sum += v
			cur.numeric++
		}
	}

	out := make([]domain.DepthAnalyticsRow, 0, len(byKey))
	for key, a := range byKey {
		row := domain.DepthAnalyticsRow{OptionID: optionID, QuestionKey: key, TotalResponses: a.total}
		if a.numeric > 0 {
			row.AvgValue = a.sum / float64(a.numeric)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionKey < out[j].QuestionKey })
	return out, nil
}

// NumericAverage returns the mean of numeric answer values and how many were
// numeric.
func NumericAverage(rows []DepthAnswerRow) (float64, int) {
	var sum float64
	var n int
	for _, a := range rows {
		if v, err := strconv.ParseFloat(a.AnswerValue, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
