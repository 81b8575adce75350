package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alphawhale/guardian/internal/risk"
)

// PostgresStore persists alert subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_subscriptions
			(id, wallet, url, secret, events, min_severity, active,
			 created_at, last_success, last_error)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		sub.ID,
		sub.Wallet,
		sub.URL,
		sub.Secret,
		eventsJSON,
		string(sub.MinSeverity),
		sub.Active,
		sub.CreatedAt,
		sub.LastSuccess,
		sub.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet, url, secret, events, min_severity, active,
		       created_at, last_success, last_error
		FROM alert_subscriptions
		WHERE id = $1
	`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription not found")
	}
	return sub, err
}

func (s *PostgresStore) GetByWallet(ctx context.Context, wallet string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet, url, secret, events, min_severity, active,
		       created_at, last_success, last_error
		FROM alert_subscriptions
		WHERE wallet = LOWER($1)
		ORDER BY created_at DESC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE alert_subscriptions SET
			url = $2,
			secret = $3,
			events = $4,
			min_severity = $5,
			active = $6,
			last_success = $7,
			last_error = $8
		WHERE id = $1
	`,
		sub.ID,
		sub.URL,
		sub.Secret,
		eventsJSON,
		string(sub.MinSeverity),
		sub.Active,
		sub.LastSuccess,
		sub.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

type subscriptionScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row subscriptionScanner) (*Subscription, error) {
	var (
		sub         Subscription
		eventsJSON  []byte
		minSeverity string
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(
		&sub.ID, &sub.Wallet, &sub.URL, &sub.Secret, &eventsJSON,
		&minSeverity, &sub.Active, &sub.CreatedAt, &lastSuccess, &lastError,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, fmt.Errorf("corrupt events: %w", err)
	}
	sub.MinSeverity = risk.Severity(minSeverity)
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	if lastError.Valid {
		sub.LastError = lastError.String
	}
	return &sub, nil
}
