package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/runbox/internal/models"
)

// UpsertSubscription creates or replaces an owner's subscription.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (owner, plan, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner) DO UPDATE SET plan = excluded.plan, status = excluded.status, updated_at = excluded.updated_at`,
		sub.Owner, sub.Plan, sub.Status, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns an owner's subscription, or ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context, owner string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, plan, status, updated_at FROM subscriptions WHERE owner = ?`, owner,
	).Scan(&sub.Owner, &sub.Plan, &sub.Status, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return &sub, nil
}
