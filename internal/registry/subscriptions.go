package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/keygate-io/keygate/internal/licensing"
)

const subscriptionColumns = `
	external_id, customer_id, tier, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	price_id, product_id, billing_cycle, created_at, updated_at`

// UpsertSubscription inserts or updates the subscription keyed on its
// external ID. Billing events are delivered at-least-once, so the upsert is
// the idempotency barrier: a duplicate delivery resolves to the same row.
func (r *Registry) UpsertSubscription(s *Subscription) error {
	if s == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO subscriptions (
			external_id, customer_id, tier, status,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at,
			price_id, product_id, billing_cycle, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			canceled_at = excluded.canceled_at,
			price_id = excluded.price_id,
			product_id = excluded.product_id,
			billing_cycle = excluded.billing_cycle,
			updated_at = excluded.updated_at`,
		s.ExternalID, s.CustomerID, string(s.Tier), string(s.Status),
		nullableTimeUnix(s.CurrentPeriodStart), nullableTimeUnix(s.CurrentPeriodEnd),
		boolToInt(s.CancelAtPeriodEnd), nullableTimeUnix(s.CanceledAt),
		s.PriceID, s.ProductID, s.BillingCycle,
		s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", s.ExternalID, err)
	}
	return nil
}

// GetSubscription retrieves a subscription by external ID. Returns
// (nil, nil) when absent.
func (r *Registry) GetSubscription(externalID string) (*Subscription, error) {
	row := r.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = ?`, externalID)
	return scanSubscription(row)
}

// ListSubscriptions returns all subscriptions, newest first.
func (r *Registry) ListSubscriptions() ([]*Subscription, error) {
	rows, err := r.db.Query(`SELECT ` + subscriptionColumns + ` FROM subscriptions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// TransitionSubscriptionStatus atomically moves a subscription between
// statuses, setting the cancellation time when transitioning to canceled.
func (r *Registry) TransitionSubscriptionStatus(externalID string, from, to licensing.SubscriptionStatus, canceledAt *time.Time) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE subscriptions SET status = ?, canceled_at = COALESCE(?, canceled_at), updated_at = ?
		WHERE external_id = ? AND status = ?`,
		string(to), nullableTimeUnix(canceledAt), time.Now().UTC().Unix(),
		externalID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition subscription %s %s->%s: %w", externalID, from, to, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var tier, status string
	var periodStart, periodEnd, canceledAt sql.NullInt64
	var cancelAtPeriodEnd int
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.ExternalID, &sub.CustomerID, &tier, &status,
		&periodStart, &periodEnd, &cancelAtPeriodEnd, &canceledAt,
		&sub.PriceID, &sub.ProductID, &sub.BillingCycle, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Tier = licensing.Tier(tier)
	sub.Status = licensing.SubscriptionStatus(status)
	sub.CurrentPeriodStart = timeFromNullable(periodStart)
	sub.CurrentPeriodEnd = timeFromNullable(periodEnd)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	sub.CanceledAt = timeFromNullable(canceledAt)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}
