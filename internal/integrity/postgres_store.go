package integrity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/staffmarket/leakguard/internal/pagination"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists signals and scores in PostgreSQL. The schema lives
// in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed integrity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *PostgresStore) InsertSignal(ctx context.Context, sig *Signal) error {
	details, err := json.Marshal(sig.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	id := uuid.NewString()
	var createdAt time.Time
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO integrity_signals (
			id, event_id, related_event_id, related_conversation_id,
			company_id, actor_user_id, signal_type, confidence, weight, details
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
		RETURNING created_at
	`,
		id,
		sig.EventID,
		sig.RelatedEventID,
		sig.RelatedConversationID,
		sig.CompanyID,
		sig.ActorUserID,
		string(sig.Type),
		sig.Confidence,
		sig.Weight,
		details,
	).Scan(&createdAt)
	if err != nil {
		return err
	}

	sig.ID = id
	sig.CreatedAt = createdAt
	return nil
}

func (p *PostgresStore) ListSignals(ctx context.Context, eventID string) ([]*Signal, error) {
	return listSignals(ctx, p.db, eventID)
}

func listSignals(ctx context.Context, q querier, eventID string) ([]*Signal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_id,
			COALESCE(related_event_id, ''), COALESCE(related_conversation_id, ''),
			COALESCE(company_id, ''), COALESCE(actor_user_id, ''),
			signal_type, confidence, weight, details, created_at
		FROM integrity_signals
		WHERE event_id = $1
		ORDER BY created_at DESC, id DESC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Signal
	for rows.Next() {
		var s Signal
		var signalType string
		var details []byte
		if err := rows.Scan(
			&s.ID, &s.EventID,
			&s.RelatedEventID, &s.RelatedConversationID,
			&s.CompanyID, &s.ActorUserID,
			&signalType, &s.Confidence, &s.Weight, &details, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		s.Type = SignalType(signalType)
		s.Details = make(map[string]any)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &s.Details); err != nil {
				return nil, fmt.Errorf("decode details of signal %s: %w", s.ID, err)
			}
		}
		result = append(result, &s)
	}
	return result, rows.Err()
}

// Recompute holds a transaction-scoped advisory lock on the event while it
// reads the signal log and upserts the score, so a concurrent recompute
// for the same event waits and then sees every committed signal.
func (p *PostgresStore) Recompute(ctx context.Context, eventID string, build BuildFunc) (*Score, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to read integrity signals: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, eventID); err != nil {
		return nil, fmt.Errorf("failed to read integrity signals: lock event: %w", err)
	}

	signals, err := listSignals(ctx, tx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to read integrity signals: %w", err)
	}

	score := build(signals)
	top := make([]string, len(score.TopSignalTypes))
	for i, t := range score.TopSignalTypes {
		top[i] = string(t)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO integrity_scores (
			event_id, company_id, score, risk_band, contributing_signal_count,
			top_signal_types, latest_signal_at, computed_at, updated_by
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		ON CONFLICT (event_id) DO UPDATE SET
			company_id                = EXCLUDED.company_id,
			score                     = EXCLUDED.score,
			risk_band                 = EXCLUDED.risk_band,
			contributing_signal_count = EXCLUDED.contributing_signal_count,
			top_signal_types          = EXCLUDED.top_signal_types,
			latest_signal_at          = EXCLUDED.latest_signal_at,
			computed_at               = EXCLUDED.computed_at,
			updated_by                = EXCLUDED.updated_by
	`,
		score.EventID,
		score.CompanyID,
		score.Score,
		string(score.RiskBand),
		score.ContributingSignalCount,
		pq.Array(top),
		score.LatestSignalAt,
		score.ComputedAt,
		score.UpdatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert integrity score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to upsert integrity score: commit: %w", err)
	}
	return score, nil
}

const scoreColumns = `event_id, COALESCE(company_id, ''), score, risk_band,
	contributing_signal_count, top_signal_types, latest_signal_at,
	computed_at, COALESCE(updated_by, '')`

func (p *PostgresStore) GetScore(ctx context.Context, eventID string) (*Score, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM integrity_scores WHERE event_id = $1`, eventID)
	s, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integrity score: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListScores(ctx context.Context, q ScoreQuery) (*ScorePage, error) {
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.Band != "" {
		where = append(where, "risk_band = "+arg(string(q.Band)))
	}
	if q.CompanyID != "" {
		where = append(where, "company_id = "+arg(q.CompanyID))
	}
	if cursor != nil {
		where = append(where, "(computed_at, event_id) < ("+arg(cursor.At)+", "+arg(cursor.Key)+")")
	}

	query := `SELECT ` + scoreColumns + ` FROM integrity_scores`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY computed_at DESC, event_id DESC LIMIT " + arg(q.Limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrity scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scores []*Score
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integrity score: %w", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list integrity scores: %w", err)
	}

	scores, next, more := pagination.ComputePage(scores, q.Limit, scoreKey)
	return &ScorePage{Scores: scores, NextCursor: next, HasMore: more}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (*Score, error) {
	var s Score
	var band string
	var top []string
	var latest sql.NullTime
	if err := row.Scan(
		&s.EventID, &s.CompanyID, &s.Score, &band,
		&s.ContributingSignalCount, pq.Array(&top), &latest,
		&s.ComputedAt, &s.UpdatedBy,
	); err != nil {
		return nil, err
	}
	s.RiskBand = RiskBand(band)
	s.TopSignalTypes = make([]SignalType, len(top))
	for i, t := range top {
		s.TopSignalTypes[i] = SignalType(t)
	}
	if latest.Valid {
		t := latest.Time
		s.LatestSignalAt = &t
	}
	return &s, nil
}
