package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists approval records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed approval record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) (bool, error) {
	factorsJSON, err := json.Marshal(rec.Factors)
	if err != nil {
		return false, fmt.Errorf("failed to marshal factors: %w", err)
	}
	signalsJSON, err := json.Marshal(struct {
		Contract    ContractSignal    `json:"contract"`
		Interaction InteractionSignal `json:"interaction"`
		Permit2     *Permit2Signal    `json:"permit2,omitempty"`
	}{rec.Contract, rec.Interaction, rec.Permit2})
	if err != nil {
		return false, fmt.Errorf("failed to marshal signals: %w", err)
	}

	var inserted bool
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO approval_records
			(id, chain, wallet, token, spender, tx_hash, amount, age_days,
			 value_at_risk_usd, trust, factors, signals, observed_at)
		VALUES ($1, LOWER($2), LOWER($3), LOWER($4), LOWER($5), $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chain, wallet, token, spender) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			amount = EXCLUDED.amount,
			age_days = EXCLUDED.age_days,
			value_at_risk_usd = EXCLUDED.value_at_risk_usd,
			trust = EXCLUDED.trust,
			factors = EXCLUDED.factors,
			signals = EXCLUDED.signals,
			observed_at = EXCLUDED.observed_at
		RETURNING (xmax = 0)
	`,
		rec.ID,
		rec.Chain,
		rec.Wallet,
		rec.Token,
		rec.Spender,
		rec.TxHash,
		rec.Amount.String(),
		rec.AgeDays,
		rec.ValueAtRiskUSD,
		rec.Trust,
		factorsJSON,
		signalsJSON,
		rec.ObservedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert approval record: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) Get(ctx context.Context, chain, wallet, token, spender string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chain, wallet, token, spender, tx_hash, amount, age_days,
		       value_at_risk_usd, trust, factors, signals, observed_at
		FROM approval_records
		WHERE chain = LOWER($1) AND wallet = LOWER($2) AND token = LOWER($3) AND spender = LOWER($4)
	`, chain, wallet, token, spender)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) ListByWallet(ctx context.Context, chain, wallet string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain, wallet, token, spender, tx_hash, amount, age_days,
		       value_at_risk_usd, trust, factors, signals, observed_at
		FROM approval_records
		WHERE chain = LOWER($1) AND wallet = LOWER($2)
		ORDER BY observed_at DESC
	`, chain, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) LatestObservedAt(ctx context.Context, chain string) (time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(observed_at) FROM approval_records WHERE chain = LOWER($1)
	`, chain).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest observation: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		amountStr   string
		trust       sql.NullFloat64
		factorsJSON []byte
		signalsJSON []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.Chain, &rec.Wallet, &rec.Token, &rec.Spender, &rec.TxHash,
		&amountStr, &rec.AgeDays, &rec.ValueAtRiskUSD, &trust,
		&factorsJSON, &signalsJSON, &rec.ObservedAt,
	); err != nil {
		return nil, err
	}

	amount, err := ParseAmount(amountStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amountStr, err)
	}
	rec.Amount = amount

	if trust.Valid {
		v := trust.Float64
		rec.Trust = &v
	}

	if err := json.Unmarshal(factorsJSON, &rec.Factors); err != nil {
		return nil, fmt.Errorf("corrupt factors: %w", err)
	}
	var signals struct {
		Contract    ContractSignal    `json:"contract"`
		Interaction InteractionSignal `json:"interaction"`
		Permit2     *Permit2Signal    `json:"permit2"`
	}
	if err := json.Unmarshal(signalsJSON, &signals); err != nil {
		return nil, fmt.Errorf("corrupt signals: %w", err)
	}
	rec.Contract = signals.Contract
	rec.Interaction = signals.Interaction
	rec.Permit2 = signals.Permit2

	rec.Chain = strings.ToLower(rec.Chain)
	return &rec, nil
}
