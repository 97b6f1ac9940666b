package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partyline/relaybank/internal/apperr"
)

const maxTxAttempts = 5

// Postgres runs units of work as serializable transactions, retrying on
// serialization failures and deadlocks.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = p.runOnce(ctx, fn)
		if !retryable(err) {
			return err
		}
		slog.Debug("store: retrying transaction", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", maxTxAttempts, err)
}

func (p *Postgres) runOnce(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgTx struct {
	tx pgx.Tx
}

const profileColumns = `user_id, plan_type, monthly_hours, banked_hours, loyalty_active,
	is_stripe_managed, last_renewal_date, bank_expiry_date, created_at, updated_at`

func (t *pgTx) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := t.tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM relay_profiles WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&p.UserID, &p.PlanType, &p.MonthlyHours, &p.BankedHours, &p.LoyaltyActive,
		&p.IsStripeManaged, &p.LastRenewalDate, &p.BankExpiryDate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying relay profile: %w", err)
	}
	return &p, nil
}

func (t *pgTx) InsertProfile(ctx context.Context, p *Profile) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO relay_profiles (`+profileColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.UserID, p.PlanType, p.MonthlyHours, p.BankedHours, p.LoyaltyActive,
		p.IsStripeManaged, p.LastRenewalDate, p.BankExpiryDate, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting relay profile: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateProfile(ctx context.Context, p *Profile) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE relay_profiles
		 SET plan_type = $2, monthly_hours = $3, banked_hours = $4, loyalty_active = $5,
		     is_stripe_managed = $6, last_renewal_date = $7, bank_expiry_date = $8, updated_at = $9
		 WHERE user_id = $1`,
		p.UserID, p.PlanType, p.MonthlyHours, p.BankedHours, p.LoyaltyActive,
		p.IsStripeManaged, p.LastRenewalDate, p.BankExpiryDate, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating relay profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.NotFound, "profile %s not found", p.UserID)
	}
	return nil
}

func (t *pgTx) ListRenewalDue(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id FROM relay_profiles
		 WHERE plan_type <> 'FREE' AND NOT is_stripe_managed
		   AND (last_renewal_date IS NULL OR last_renewal_date <= $1)
		 ORDER BY user_id
		 LIMIT $2`, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("listing renewal-due profiles: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning renewal-due profiles: %w", err)
	}
	return ids, nil
}

func (t *pgTx) ListBuckets(ctx context.Context, userID string) ([]Bucket, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, user_id, source, total_hours, remaining_hours, expires_at, created_at
		 FROM hour_buckets WHERE user_id = $1
		 ORDER BY expires_at ASC, created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing hour buckets: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.ID, &b.UserID, &b.Source, &b.TotalHours, &b.RemainingHours,
			&b.ExpiresAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning hour bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (t *pgTx) InsertBucket(ctx context.Context, b *Bucket) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO hour_buckets (id, user_id, source, total_hours, remaining_hours, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UserID, b.Source, b.TotalHours, b.RemainingHours, b.ExpiresAt, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting hour bucket: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBucketRemaining(ctx context.Context, id uuid.UUID, remaining float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE hour_buckets SET remaining_hours = $2 WHERE id = $1`, id, remaining)
	if err != nil {
		return fmt.Errorf("updating hour bucket: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteBucket(ctx context.Context, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM hour_buckets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting hour bucket: %w", err)
	}
	return nil
}

func (t *pgTx) GetLobby(ctx context.Context, lobbyID string) (*Lobby, error) {
	var l Lobby
	err := t.tx.QueryRow(ctx,
		`SELECT id, mode, status, host_player_id FROM lobbies WHERE id = $1`, lobbyID,
	).Scan(&l.ID, &l.Mode, &l.Status, &l.HostPlayerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying lobby: %w", err)
	}
	return &l, nil
}

func (t *pgTx) GetPlayer(ctx context.Context, lobbyID, playerID string) (*Player, error) {
	var p Player
	err := t.tx.QueryRow(ctx,
		`SELECT id, lobby_id, user_id, display_name, left_at
		 FROM lobby_players WHERE lobby_id = $1 AND id = $2`, lobbyID, playerID,
	).Scan(&p.ID, &p.LobbyID, &p.UserID, &p.DisplayName, &p.LeftAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying lobby player: %w", err)
	}
	return &p, nil
}

const sessionColumns = `id, lobby_id, requester_player_id, requester_user_id, host_player_id,
	host_user_id, status, max_minutes_granted, base_rate, started_at, last_deducted_at,
	expires_at, active_video_participants, note, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.LobbyID, &s.RequesterPlayerID, &s.RequesterUserID, &s.HostPlayerID,
		&s.HostUserID, &s.Status, &s.MaxMinutesGranted, &s.BaseRate, &s.StartedAt, &s.LastDeductedAt,
		&s.ExpiresAt, &s.ActiveVideoParticipants, &s.Note, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(t.tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM relay_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying relay session: %w", err)
	}
	return s, nil
}

func (t *pgTx) ListSessions(ctx context.Context, lobbyID string, statuses ...SessionStatus) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM relay_sessions WHERE lobby_id = $1`
	args := []any{lobbyID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at DESC, id DESC FOR UPDATE`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing relay sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning relay session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (t *pgTx) InsertSession(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO relay_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.LobbyID, s.RequesterPlayerID, s.RequesterUserID, s.HostPlayerID,
		s.HostUserID, s.Status, s.MaxMinutesGranted, s.BaseRate, s.StartedAt, s.LastDeductedAt,
		s.ExpiresAt, s.ActiveVideoParticipants, s.Note, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return apperr.New(apperr.Conflict, "another relay session is already in progress")
		}
		return fmt.Errorf("inserting relay session: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateSession(ctx context.Context, s *Session) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE relay_sessions
		 SET status = $2, max_minutes_granted = $3, started_at = $4, last_deducted_at = $5,
		     expires_at = $6, active_video_participants = $7, note = $8, updated_at = $9
		 WHERE id = $1`,
		s.ID, s.Status, s.MaxMinutesGranted, s.StartedAt, s.LastDeductedAt,
		s.ExpiresAt, s.ActiveVideoParticipants, s.Note, s.UpdatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return apperr.New(apperr.Conflict, "another relay session is already in progress")
		}
		return fmt.Errorf("updating relay session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.NotFound, "relay session %s not found", s.ID)
	}
	return nil
}

func (t *pgTx) GetSelfMeter(ctx context.Context, lobbyID, playerID string) (*SelfMeter, error) {
	var m SelfMeter
	err := t.tx.QueryRow(ctx,
		`SELECT lobby_id, player_id, user_id, last_deducted_at
		 FROM relay_self_meters WHERE lobby_id = $1 AND player_id = $2 FOR UPDATE`, lobbyID, playerID,
	).Scan(&m.LobbyID, &m.PlayerID, &m.UserID, &m.LastDeductedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying self meter: %w", err)
	}
	return &m, nil
}

func (t *pgTx) UpsertSelfMeter(ctx context.Context, m *SelfMeter) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO relay_self_meters (lobby_id, player_id, user_id, last_deducted_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (lobby_id, player_id)
		 DO UPDATE SET user_id = EXCLUDED.user_id, last_deducted_at = EXCLUDED.last_deducted_at`,
		m.LobbyID, m.PlayerID, m.UserID, m.LastDeductedAt)
	if err != nil {
		return fmt.Errorf("upserting self meter: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWebhookEvent(ctx context.Context, e *WebhookEvent) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, status, attempts, processed_at, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.EventType, e.Status, e.Attempts, e.ProcessedAt, e.ErrorMessage, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var e WebhookEvent
	err := t.tx.QueryRow(ctx,
		`SELECT event_id, event_type, status, attempts, processed_at, error_message, created_at, updated_at
		 FROM webhook_events WHERE event_id = $1 FOR UPDATE`, eventID,
	).Scan(&e.EventID, &e.EventType, &e.Status, &e.Attempts, &e.ProcessedAt, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying webhook event: %w", err)
	}
	return &e, nil
}

func (t *pgTx) UpdateWebhookEvent(ctx context.Context, e *WebhookEvent) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE webhook_events
		 SET status = $2, attempts = $3, processed_at = $4, error_message = $5, updated_at = $6
		 WHERE event_id = $1`,
		e.EventID, e.Status, e.Attempts, e.ProcessedAt, e.ErrorMessage, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating webhook event: %w", err)
	}
	return nil
}

func (t *pgTx) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var s Subscription
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, subscription_id, customer_id, plan_type, status, price_tier,
		        current_period_start, current_period_end, canceled_at, event_at, updated_at
		 FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&s.UserID, &s.SubscriptionID, &s.CustomerID, &s.PlanType, &s.Status, &s.PriceTier,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CanceledAt, &s.EventAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &s, nil
}

func (t *pgTx) UpsertSubscription(ctx context.Context, s *Subscription) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions (user_id, subscription_id, customer_id, plan_type, status, price_tier,
		                            current_period_start, current_period_end, canceled_at, event_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id) DO UPDATE
		 SET subscription_id = EXCLUDED.subscription_id, customer_id = EXCLUDED.customer_id,
		     plan_type = EXCLUDED.plan_type, status = EXCLUDED.status, price_tier = EXCLUDED.price_tier,
		     current_period_start = EXCLUDED.current_period_start,
		     current_period_end = EXCLUDED.current_period_end,
		     canceled_at = EXCLUDED.canceled_at, event_at = EXCLUDED.event_at,
		     updated_at = EXCLUDED.updated_at`,
		s.UserID, s.SubscriptionID, s.CustomerID, s.PlanType, s.Status, s.PriceTier,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CanceledAt, s.EventAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}
	return nil
}

func (t *pgTx) LinkCustomer(ctx context.Context, customerID, userID string) error {
	var linked string
	err := t.tx.QueryRow(ctx,
		`INSERT INTO billing_customers (customer_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (customer_id) DO UPDATE SET customer_id = EXCLUDED.customer_id
		 RETURNING user_id`, customerID, userID,
	).Scan(&linked)
	if err != nil {
		return fmt.Errorf("linking billing customer: %w", err)
	}
	if linked != userID {
		return apperr.Newf(apperr.Conflict, "customer %s is linked to another user", customerID)
	}
	return nil
}

func (t *pgTx) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id FROM billing_customers WHERE customer_id = $1`, customerID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("resolving billing customer: %w", err)
	}
	return userID, nil
}

func (t *pgTx) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	var c CheckoutSession
	err := t.tx.QueryRow(ctx,
		`SELECT id, user_id, mode, completed, completed_at
		 FROM checkout_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&c.ID, &c.UserID, &c.Mode, &c.Completed, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying checkout session: %w", err)
	}
	return &c, nil
}

func (t *pgTx) UpsertCheckoutSession(ctx context.Context, c *CheckoutSession) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO checkout_sessions (id, user_id, mode, completed, completed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id, mode = EXCLUDED.mode,
		     completed = EXCLUDED.completed, completed_at = EXCLUDED.completed_at`,
		c.ID, c.UserID, c.Mode, c.Completed, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("upserting checkout session: %w", err)
	}
	return nil
}
