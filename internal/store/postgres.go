// Package store provides storage backends for FlowSend.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/flowsendhq/flowsend/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists all entities in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("Postgres ping failed: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore initialized")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveFlow(f models.FlowDefinition) error {
	definition, err := marshalJSON(flowDocument{Nodes: f.Nodes, Edges: f.Edges})
	if err != nil {
		return err
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, tenant_id, trigger_mode, trigger_text, is_active, activated_at, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, trigger_mode=EXCLUDED.trigger_mode,
		trigger_text=EXCLUDED.trigger_text, is_active=EXCLUDED.is_active, activated_at=EXCLUDED.activated_at,
		definition=EXCLUDED.definition, updated_at=EXCLUDED.updated_at`,
		f.ID, f.TenantID, f.Trigger.Mode, f.Trigger.Text, f.IsActive, zeroTimeArg(f.ActivatedAt), definition, f.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) listFlows(query string, args ...interface{}) ([]models.FlowDefinition, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	var flows []models.FlowDefinition
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *PostgresStore) ListFlows(tenantID string) ([]models.FlowDefinition, error) {
	return s.listFlows(`SELECT `+flowColumns+` FROM flows WHERE tenant_id = $1 ORDER BY id`, tenantID)
}

func (s *PostgresStore) ListActiveFlows(tenantID string) ([]models.FlowDefinition, error) {
	return s.listFlows(`SELECT `+flowColumns+` FROM flows WHERE tenant_id = $1 AND is_active ORDER BY id`, tenantID)
}

func (s *PostgresStore) SetFlowActive(id string, active bool, at time.Time) error {
	var err error
	if active {
		_, err = s.db.Exec(`UPDATE flows SET is_active = TRUE, activated_at = $1, updated_at = $1 WHERE id = $2`, at, id)
	} else {
		_, err = s.db.Exec(`UPDATE flows SET is_active = FALSE, updated_at = $1 WHERE id = $2`, at, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set flow %s active=%v: %w", id, active, err)
	}
	return nil
}

func (s *PostgresStore) SaveCampaign(c models.CampaignDefinition) error {
	variables, err := marshalJSON(c.Variables)
	if err != nil {
		return err
	}
	recipientIDs, err := marshalJSON(c.Recipients.RecipientIDs)
	if err != nil {
		return err
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err = s.db.Exec(`INSERT INTO campaigns (id, tenant_id, device_id, name, template_name, template_body, variables, recipient_ids, label, kind, wish_source, delay_days, window_start, window_end, state, sent, failed, pending, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, template_name=EXCLUDED.template_name,
		template_body=EXCLUDED.template_body, variables=EXCLUDED.variables,
		recipient_ids=EXCLUDED.recipient_ids, label=EXCLUDED.label,
		wish_source=EXCLUDED.wish_source, delay_days=EXCLUDED.delay_days, window_start=EXCLUDED.window_start,
		window_end=EXCLUDED.window_end, state=EXCLUDED.state, updated_at=EXCLUDED.updated_at`,
		c.ID, c.TenantID, c.DeviceID, c.Name, c.TemplateName, c.TemplateBody, variables, recipientIDs,
		c.Recipients.Label, c.Kind, c.WishSource, c.DelayDays, c.SendWindow.Start, c.SendWindow.End,
		c.State, c.Sent, c.Failed, c.Pending, c.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCampaign(id string) (*models.CampaignDefinition, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCampaigns(kind models.CampaignKind, state models.CampaignState) ([]models.CampaignDefinition, error) {
	rows, err := s.db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE kind = $1 AND state = $2 ORDER BY id`, kind, state)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()
	var campaigns []models.CampaignDefinition
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *PostgresStore) SetCampaignState(id string, state models.CampaignState) error {
	res, err := s.db.Exec(`UPDATE campaigns SET state = $1, updated_at = $2 WHERE id = $3`, state, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set campaign %s state: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrCampaignNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteCampaign(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM delivery_records WHERE campaign_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete deliveries for campaign %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM campaigns WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete campaign %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UpsertRecipient(r models.Recipient) error {
	labels, err := marshalJSON(r.Labels)
	if err != nil {
		return err
	}
	fields, err := marshalJSON(r.Fields)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(`INSERT INTO recipients (id, tenant_id, phone, name, labels, fields, birthday, anniversary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET phone=EXCLUDED.phone, name=EXCLUDED.name, labels=EXCLUDED.labels,
		fields=EXCLUDED.fields, birthday=EXCLUDED.birthday, anniversary=EXCLUDED.anniversary`,
		r.ID, r.TenantID, r.Phone, r.Name, labels, fields, timeArg(r.Birthday), timeArg(r.Anniversary), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert recipient %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRecipient(id string) (*models.Recipient, error) {
	row := s.db.QueryRow(`SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id)
	r, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) GetRecipientByPhone(tenantID, phone string) (*models.Recipient, error) {
	row := s.db.QueryRow(`SELECT `+recipientColumns+` FROM recipients WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
	r, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient by phone: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRecipientsByIDs(ids []string) ([]models.Recipient, error) {
	var out []models.Recipient
	for _, id := range ids {
		r, err := s.GetRecipient(id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListRecipientsByLabel(tenantID, label string) ([]models.Recipient, error) {
	rows, err := s.db.Query(`SELECT `+recipientColumns+` FROM recipients WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()
	var out []models.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient row: %w", err)
		}
		if r.HasLabel(label) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyDelivery(rec models.DeliveryRecord, dSent, dFailed, dPending int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delivery transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(`INSERT INTO delivery_records (id, campaign_id, recipient_id, node_id, year, status, attempt, message_id, failure_reason, queued_at, sent_at, delivered_at, read_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, attempt=EXCLUDED.attempt,
		message_id=EXCLUDED.message_id, failure_reason=EXCLUDED.failure_reason, sent_at=EXCLUDED.sent_at,
		delivered_at=EXCLUDED.delivered_at, read_at=EXCLUDED.read_at, failed_at=EXCLUDED.failed_at`,
		rec.ID, rec.CampaignID, rec.RecipientID, rec.NodeID, rec.Year, rec.Status, rec.Attempt,
		rec.MessageID, rec.FailureReason, rec.QueuedAt,
		timeArg(rec.SentAt), timeArg(rec.DeliveredAt), timeArg(rec.ReadAt), timeArg(rec.FailedAt))
	if err != nil {
		return fmt.Errorf("failed to apply delivery %s: %w", rec.ID, err)
	}
	if dSent != 0 || dFailed != 0 || dPending != 0 {
		_, err = tx.Exec(`UPDATE campaigns SET sent = sent + $1, failed = failed + $2, pending = pending + $3, updated_at = $4 WHERE id = $5`,
			dSent, dFailed, dPending, time.Now(), rec.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to apply campaign counters %s: %w", rec.CampaignID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetDelivery(id string) (*models.DeliveryRecord, error) {
	row := s.db.QueryRow(`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id)
	rec, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PostgresStore) FindLatestDelivery(campaignID, recipientID string, year int) (*models.DeliveryRecord, error) {
	row := s.db.QueryRow(`SELECT `+deliveryColumns+` FROM delivery_records
		WHERE campaign_id = $1 AND recipient_id = $2 AND year = $3 ORDER BY attempt DESC LIMIT 1`,
		campaignID, recipientID, year)
	rec, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find delivery: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) listDeliveries(query string, args ...interface{}) ([]models.DeliveryRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()
	var recs []models.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) ListDeliveries(campaignID string) ([]models.DeliveryRecord, error) {
	return s.listDeliveries(`SELECT `+deliveryColumns+` FROM delivery_records WHERE campaign_id = $1 ORDER BY id`, campaignID)
}

func (s *PostgresStore) ListDeliveriesByStatus(campaignID string, status models.DeliveryStatus) ([]models.DeliveryRecord, error) {
	return s.listDeliveries(`SELECT `+deliveryColumns+` FROM delivery_records WHERE campaign_id = $1 AND status = $2 ORDER BY id`, campaignID, status)
}

func (s *PostgresStore) SaveSession(sess models.ReplySession) error {
	options, err := marshalJSON(sess.Options)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO reply_sessions (id, tenant_id, flow_id, recipient_id, node_id, options, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET node_id=EXCLUDED.node_id, options=EXCLUDED.options, created_at=EXCLUDED.created_at`,
		sess.ID, sess.TenantID, sess.FlowID, sess.RecipientID, sess.NodeID, options, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(flowID, recipientID string) (*models.ReplySession, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, flow_id, recipient_id, node_id, options, created_at
		FROM reply_sessions WHERE flow_id = $1 AND recipient_id = $2 ORDER BY created_at DESC LIMIT 1`,
		flowID, recipientID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM reply_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
