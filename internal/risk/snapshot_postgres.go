package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alphawhale/guardian/internal/idgen"
)

// PostgresSnapshotStore persists risk snapshots in PostgreSQL.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = idgen.WithPrefix("snap_")
	}

	factorsJSON, err := json.Marshal(snap.ContributingFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal contributing factors: %w", err)
	}
	reasonsJSON, err := json.Marshal(snap.RiskReasons)
	if err != nil {
		return fmt.Errorf("failed to marshal risk reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_snapshots
			(id, chain, wallet, token, spender, risk_score, severity,
			 value_at_risk_usd, contributing_factors, risk_reasons, created_at)
		VALUES ($1, LOWER($2), LOWER($3), LOWER($4), LOWER($5), $6, $7, $8, $9, $10, $11)
	`,
		snap.ID,
		snap.Chain,
		snap.Wallet,
		snap.Token,
		snap.Spender,
		snap.RiskScore,
		string(snap.Severity),
		snap.ValueAtRiskUSD,
		factorsJSON,
		reasonsJSON,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save risk snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) SaveBatch(ctx context.Context, snaps []*Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, snap := range snaps {
		if snap.ID == "" {
			snap.ID = idgen.WithPrefix("snap_")
		}
		factorsJSON, err := json.Marshal(snap.ContributingFactors)
		if err != nil {
			return fmt.Errorf("failed to marshal contributing factors: %w", err)
		}
		reasonsJSON, err := json.Marshal(snap.RiskReasons)
		if err != nil {
			return fmt.Errorf("failed to marshal risk reasons: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO risk_snapshots
				(id, chain, wallet, token, spender, risk_score, severity,
				 value_at_risk_usd, contributing_factors, risk_reasons, created_at)
			VALUES ($1, LOWER($2), LOWER($3), LOWER($4), LOWER($5), $6, $7, $8, $9, $10, $11)
		`,
			snap.ID, snap.Chain, snap.Wallet, snap.Token, snap.Spender,
			snap.RiskScore, string(snap.Severity), snap.ValueAtRiskUSD,
			factorsJSON, reasonsJSON, snap.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to save risk snapshot: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresSnapshotStore) Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, chain, wallet, token, spender, risk_score, severity,
		       value_at_risk_usd, contributing_factors, risk_reasons, created_at
		FROM risk_snapshots
		WHERE wallet = LOWER($1)`
	args := []any{q.Wallet}

	if q.Chain != "" {
		args = append(args, q.Chain)
		query += fmt.Sprintf(" AND chain = LOWER($%d)", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *PostgresSnapshotStore) Latest(ctx context.Context, chain, wallet, token, spender string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chain, wallet, token, spender, risk_score, severity,
		       value_at_risk_usd, contributing_factors, risk_reasons, created_at
		FROM risk_snapshots
		WHERE chain = LOWER($1) AND wallet = LOWER($2) AND token = LOWER($3) AND spender = LOWER($4)
		ORDER BY created_at DESC
		LIMIT 1
	`, chain, wallet, token, spender)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap        Snapshot
		severity    string
		factorsJSON []byte
		reasonsJSON []byte
	)
	if err := row.Scan(
		&snap.ID, &snap.Chain, &snap.Wallet, &snap.Token, &snap.Spender,
		&snap.RiskScore, &severity, &snap.ValueAtRiskUSD,
		&factorsJSON, &reasonsJSON, &snap.CreatedAt,
	); err != nil {
		return nil, err
	}
	snap.Severity = Severity(severity)
	if err := json.Unmarshal(factorsJSON, &snap.ContributingFactors); err != nil {
		return nil, fmt.Errorf("corrupt contributing factors: %w", err)
	}
	if err := json.Unmarshal(reasonsJSON, &snap.RiskReasons); err != nil {
		return nil, fmt.Errorf("corrupt risk reasons: %w", err)
	}
	return &snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
