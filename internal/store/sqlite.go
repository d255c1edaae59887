// Package store provides storage backends for FlowSend.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/flowsendhq/flowsend/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists all entities in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if missing and migrations are applied.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("SQLite ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore initialized", "path", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveFlow(f models.FlowDefinition) error {
	definition, err := marshalJSON(flowDocument{Nodes: f.Nodes, Edges: f.Edges})
	if err != nil {
		return err
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, tenant_id, trigger_mode, trigger_text, is_active, activated_at, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, trigger_mode=excluded.trigger_mode,
		trigger_text=excluded.trigger_text, is_active=excluded.is_active, activated_at=excluded.activated_at,
		definition=excluded.definition, updated_at=excluded.updated_at`,
		f.ID, f.TenantID, f.Trigger.Mode, f.Trigger.Text, f.IsActive, zeroTimeArg(f.ActivatedAt), definition, f.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

const flowColumns = `id, tenant_id, trigger_mode, trigger_text, is_active, activated_at, definition, created_at, updated_at`

func (s *SQLiteStore) GetFlow(id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *SQLiteStore) listFlows(query string, args ...interface{}) ([]models.FlowDefinition, error) {
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

func (s *SQLiteStore) ListFlows(tenantID string) ([]models.FlowDefinition, error) {
	return s.listFlows(`SELECT `+flowColumns+` FROM flows WHERE tenant_id = ? ORDER BY id`, tenantID)
}

func (s *SQLiteStore) ListActiveFlows(tenantID string) ([]models.FlowDefinition, error) {
	return s.listFlows(`SELECT `+flowColumns+` FROM flows WHERE tenant_id = ? AND is_active ORDER BY id`, tenantID)
}

func (s *SQLiteStore) SetFlowActive(id string, active bool, at time.Time) error {
	var err error
	if active {
		_, err = s.db.Exec(`UPDATE flows SET is_active = 1, activated_at = ?, updated_at = ? WHERE id = ?`, at, at, id)
	} else {
		_, err = s.db.Exec(`UPDATE flows SET is_active = 0, updated_at = ? WHERE id = ?`, at, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set flow %s active=%v: %w", id, active, err)
	}
	return nil
}

func (s *SQLiteStore) SaveCampaign(c models.CampaignDefinition) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, template_name=excluded.template_name,
		template_body=excluded.template_body, variables=excluded.variables,
		recipient_ids=excluded.recipient_ids, label=excluded.label,
		wish_source=excluded.wish_source, delay_days=excluded.delay_days, window_start=excluded.window_start,
		window_end=excluded.window_end, state=excluded.state, updated_at=excluded.updated_at`,
		c.ID, c.TenantID, c.DeviceID, c.Name, c.TemplateName, c.TemplateBody, variables, recipientIDs,
		c.Recipients.Label, c.Kind, c.WishSource, c.DelayDays, c.SendWindow.Start, c.SendWindow.End,
		c.State, c.Sent, c.Failed, c.Pending, c.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

const campaignColumns = `id, tenant_id, device_id, name, template_name, template_body, variables, recipient_ids, label, kind, wish_source, delay_days, window_start, window_end, state, sent, failed, pending, created_at, updated_at`

func (s *SQLiteStore) GetCampaign(id string) (*models.CampaignDefinition, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCampaigns(kind models.CampaignKind, state models.CampaignState) ([]models.CampaignDefinition, error) {
	rows, err := s.db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE kind = ? AND state = ? ORDER BY id`, kind, state)
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

func (s *SQLiteStore) SetCampaignState(id string, state models.CampaignState) error {
	res, err := s.db.Exec(`UPDATE campaigns SET state = ?, updated_at = ? WHERE id = ?`, state, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set campaign %s state: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrCampaignNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteCampaign(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM delivery_records WHERE campaign_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete deliveries for campaign %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM campaigns WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete campaign %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertRecipient(r models.Recipient) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET phone=excluded.phone, name=excluded.name, labels=excluded.labels,
		fields=excluded.fields, birthday=excluded.birthday, anniversary=excluded.anniversary`,
		r.ID, r.TenantID, r.Phone, r.Name, labels, fields, timeArg(r.Birthday), timeArg(r.Anniversary), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert recipient %s: %w", r.ID, err)
	}
	return nil
}

const recipientColumns = `id, tenant_id, phone, name, labels, fields, birthday, anniversary, created_at`

func (s *SQLiteStore) GetRecipient(id string) (*models.Recipient, error) {
	row := s.db.QueryRow(`SELECT `+recipientColumns+` FROM recipients WHERE id = ?`, id)
	r, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) GetRecipientByPhone(tenantID, phone string) (*models.Recipient, error) {
	row := s.db.QueryRow(`SELECT `+recipientColumns+` FROM recipients WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	r, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient by phone: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) listRecipients(query string, args ...interface{}) ([]models.Recipient, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()
	var recipients []models.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient row: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

func (s *SQLiteStore) ListRecipientsByIDs(ids []string) ([]models.Recipient, error) {
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

func (s *SQLiteStore) ListRecipientsByLabel(tenantID, label string) ([]models.Recipient, error) {
	// Labels are stored as a JSON array; filter in memory to stay portable.
	all, err := s.listRecipients(`SELECT `+recipientColumns+` FROM recipients WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	var out []models.Recipient
	for _, r := range all {
		if r.HasLabel(label) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLiteStore) ApplyDelivery(rec models.DeliveryRecord, dSent, dFailed, dPending int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delivery transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(`INSERT INTO delivery_records (id, campaign_id, recipient_id, node_id, year, status, attempt, message_id, failure_reason, queued_at, sent_at, delivered_at, read_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, attempt=excluded.attempt,
		message_id=excluded.message_id, failure_reason=excluded.failure_reason, sent_at=excluded.sent_at,
		delivered_at=excluded.delivered_at, read_at=excluded.read_at, failed_at=excluded.failed_at`,
		rec.ID, rec.CampaignID, rec.RecipientID, rec.NodeID, rec.Year, rec.Status, rec.Attempt,
		rec.MessageID, rec.FailureReason, rec.QueuedAt,
		timeArg(rec.SentAt), timeArg(rec.DeliveredAt), timeArg(rec.ReadAt), timeArg(rec.FailedAt))
	if err != nil {
		return fmt.Errorf("failed to apply delivery %s: %w", rec.ID, err)
	}
	if dSent != 0 || dFailed != 0 || dPending != 0 {
		_, err = tx.Exec(`UPDATE campaigns SET sent = sent + ?, failed = failed + ?, pending = pending + ?, updated_at = ? WHERE id = ?`,
			dSent, dFailed, dPending, time.Now(), rec.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to apply campaign counters %s: %w", rec.CampaignID, err)
		}
	}
	return tx.Commit()
}

const deliveryColumns = `id, campaign_id, recipient_id, node_id, year, status, attempt, message_id, failure_reason, queued_at, sent_at, delivered_at, read_at, failed_at`

func (s *SQLiteStore) GetDelivery(id string) (*models.DeliveryRecord, error) {
	row := s.db.QueryRow(`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = ?`, id)
	rec, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) FindLatestDelivery(campaignID, recipientID string, year int) (*models.DeliveryRecord, error) {
	row := s.db.QueryRow(`SELECT `+deliveryColumns+` FROM delivery_records
		WHERE campaign_id = ? AND recipient_id = ? AND year = ? ORDER BY attempt DESC LIMIT 1`,
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

func (s *SQLiteStore) listDeliveries(query string, args ...interface{}) ([]models.DeliveryRecord, error) {
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

func (s *SQLiteStore) ListDeliveries(campaignID string) ([]models.DeliveryRecord, error) {
	return s.listDeliveries(`SELECT `+deliveryColumns+` FROM delivery_records WHERE campaign_id = ? ORDER BY id`, campaignID)
}

func (s *SQLiteStore) ListDeliveriesByStatus(campaignID string, status models.DeliveryStatus) ([]models.DeliveryRecord, error) {
	return s.listDeliveries(`SELECT `+deliveryColumns+` FROM delivery_records WHERE campaign_id = ? AND status = ? ORDER BY id`, campaignID, status)
}

func (s *SQLiteStore) SaveSession(sess models.ReplySession) error {
	options, err := marshalJSON(sess.Options)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO reply_sessions (id, tenant_id, flow_id, recipient_id, node_id, options, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET node_id=excluded.node_id, options=excluded.options, created_at=excluded.created_at`,
		sess.ID, sess.TenantID, sess.FlowID, sess.RecipientID, sess.NodeID, options, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(flowID, recipientID string) (*models.ReplySession, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, flow_id, recipient_id, node_id, options, created_at
		FROM reply_sessions WHERE flow_id = ? AND recipient_id = ? ORDER BY created_at DESC LIMIT 1`,
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

func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM reply_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
