package content

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/errors"
)

//go:embed schema.sql
var schema string

const codeUniqueViolation = "23505"

type Config struct {
	DB *pgxpool.Pool
}

// Store persists couples, quiz templates and results in Postgres.
// Templates and results are never updated once written.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(c Config) *Store {
	return &Store{db: c.DB}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Couple resolves the participants of a couple.
func (s *Store) Couple(ctx context.Context, coupleID string) (domain.Couple, error) {
	const stmt = `SELECT couple_id, partner_a, partner_b FROM couples WHERE couple_id = $1;`

	var c domain.Couple
	err := s.db.QueryRow(ctx, stmt, coupleID).Scan(&c.CoupleID, &c.PartnerA, &c.PartnerB)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return c, errors.NotFound("couple not found: %s", coupleID)
	}
	if err != nil {
		return c, fmt.Errorf("get couple %s: %w", coupleID, err)
	}

	return c, nil
}

// UpsertCouple registers a couple or replaces its participants.
func (s *Store) UpsertCouple(ctx context.Context, c domain.Couple) error {
	const stmt = `
INSERT INTO couples (couple_id, partner_a, partner_b) VALUES ($1, $2, $3)
ON CONFLICT (couple_id) DO UPDATE SET partner_a = EXCLUDED.partner_a, partner_b = EXCLUDED.partner_b;`

	if _, err := s.db.Exec(ctx, stmt, c.CoupleID, c.PartnerA, c.PartnerB); err != nil {
		return fmt.Errorf("upsert couple %s: %w", c.CoupleID, err)
	}

	return nil
}

// UnsolvedTemplate returns the oldest active template of the category the couple has no result for, nil if none.
func (s *Store) UnsolvedTemplate(ctx context.Context, coupleID, category string) (*domain.Template, error) {
	const stmt = `
SELECT t.quiz_id, t.category, t.questions, t.active, t.create_time
FROM quiz_templates t
WHERE t.category = $1
  AND t.active
  AND NOT EXISTS (SELECT 1 FROM quiz_results r WHERE r.quiz_id = t.quiz_id AND r.couple_id = $2)
ORDER BY t.create_time
LIMIT 1;`

	t, err := scanTemplate(s.db.QueryRow(ctx, stmt, category, coupleID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find unsolved template: %w", err)
	}

	return t, nil
}

func (s *Store) InsertTemplate(ctx context.Context, t *domain.Template) error {
	const stmt = `INSERT INTO quiz_templates (quiz_id, category, questions, active, create_time) VALUES ($1, $2, $3, $4, $5);`

	if _, err := s.db.Exec(ctx, stmt, t.QuizID, t.Category, t.Questions, t.Active, t.CreateTime); err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	return nil
}

func (s *Store) Template(ctx context.Context, quizID string) (*domain.Template, error) {
	const stmt = `SELECT quiz_id, category, questions, active, create_time FROM quiz_templates WHERE quiz_id = $1;`

	t, err := scanTemplate(s.db.QueryRow(ctx, stmt, quizID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("quiz not found: %s", quizID)
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", quizID, err)
	}

	return t, nil
}

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var t domain.Template
	if err := row.Scan(&t.QuizID, &t.Category, &t.Questions, &t.Active, &t.CreateTime); err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertResult stores r unless a result for the same session already exists, in which case the existing one is returned.
func (s *Store) InsertResult(ctx context.Context, r *domain.Result) (*domain.Result, error) {
	const stmt = `
INSERT INTO quiz_results (result_id, quiz_id, session_id, couple_id, category, scores, compatibility, questions_data, finish_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	_, err := s.db.Exec(ctx, stmt,
		r.ResultID, r.QuizID, r.SessionID, r.CoupleID, r.Category, r.Scores, r.Compatibility, r.QuestionsData, r.FinishTime,
	)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return s.ResultBySession(ctx, r.SessionID)
	}

	if err != nil {
		return nil, fmt.Errorf("insert result: %w", err)
	}

	return r, nil
}

const selectResult = `
SELECT result_id, quiz_id, session_id, couple_id, category, scores, compatibility, questions_data, finish_time
FROM quiz_results`

// ResultBySession returns the result of a session, nil if the session has none.
func (s *Store) ResultBySession(ctx context.Context, sessionID string) (*domain.Result, error) {
	r, err := scanResult(s.db.QueryRow(ctx, selectResult+` WHERE session_id = $1;`, sessionID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result of session %s: %w", sessionID, err)
	}

	return r, nil
}

func (s *Store) Result(ctx context.Context, resultID string) (*domain.Result, error) {
	r, err := scanResult(s.db.QueryRow(ctx, selectResult+` WHERE result_id = $1;`, resultID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("result not found: %s", resultID)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", resultID, err)
	}

	return r, nil
}

// ListResults returns the results of a couple, newest first.
func (s *Store) ListResults(ctx context.Context, coupleID string, offset, limit int) ([]domain.Result, error) {
	rows, err := s.db.Query(ctx, selectResult+` WHERE couple_id = $1 ORDER BY finish_time DESC OFFSET $2 LIMIT $3;`, coupleID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Result, error) {
		res, err := scanResult(r)
		if err != nil {
			return domain.Result{}, err
		}
		return *res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect results: %w", err)
	}

	return results, nil
}

func scanResult(row pgx.Row) (*domain.Result, error) {
	var r domain.Result
	err := row.Scan(&r.ResultID, &r.QuizID, &r.SessionID, &r.CoupleID, &r.Category, &r.Scores, &r.Compatibility, &r.QuestionsData, &r.FinishTime)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
