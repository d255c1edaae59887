package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowsendhq/flowsend/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// flowDocument is the JSON document column holding the graph structure.
type flowDocument struct {
	Nodes []models.Node `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal failed: %w", err)
	}
	return string(b), nil
}

func scanFlow(sc rowScanner) (models.FlowDefinition, error) {
	var f models.FlowDefinition
	var definition string
	var activatedAt sql.NullTime
	err := sc.Scan(
		&f.ID, &f.TenantID, &f.Trigger.Mode, &f.Trigger.Text, &f.IsActive,
		&activatedAt, &definition, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return f, err
	}
	if activatedAt.Valid {
		f.ActivatedAt = activatedAt.Time
	}
	var doc flowDocument
	if err := json.Unmarshal([]byte(definition), &doc); err != nil {
		return f, fmt.Errorf("unmarshal flow definition %s: %w", f.ID, err)
	}
	f.Nodes = doc.Nodes
	f.Edges = doc.Edges
	return f, nil
}

func scanCampaign(sc rowScanner) (models.CampaignDefinition, error) {
	var c models.CampaignDefinition
	var variables, recipientIDs string
	err := sc.Scan(
		&c.ID, &c.TenantID, &c.DeviceID, &c.Name, &c.TemplateName, &c.TemplateBody,
		&variables, &recipientIDs, &c.Recipients.Label, &c.Kind, &c.WishSource,
		&c.DelayDays, &c.SendWindow.Start, &c.SendWindow.End, &c.State,
		&c.Sent, &c.Failed, &c.Pending, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(variables), &c.Variables); err != nil {
		return c, fmt.Errorf("unmarshal campaign variables %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(recipientIDs), &c.Recipients.RecipientIDs); err != nil {
		return c, fmt.Errorf("unmarshal campaign recipients %s: %w", c.ID, err)
	}
	return c, nil
}

func scanRecipient(sc rowScanner) (models.Recipient, error) {
	var r models.Recipient
	var labels, fields string
	var birthday, anniversary sql.NullTime
	err := sc.Scan(
		&r.ID, &r.TenantID, &r.Phone, &r.Name, &labels, &fields,
		&birthday, &anniversary, &r.CreatedAt,
	)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
		return r, fmt.Errorf("unmarshal recipient labels %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return r, fmt.Errorf("unmarshal recipient fields %s: %w", r.ID, err)
	}
	if birthday.Valid {
		r.Birthday = &birthday.Time
	}
	if anniversary.Valid {
		r.Anniversary = &anniversary.Time
	}
	return r, nil
}

func scanDelivery(sc rowScanner) (models.DeliveryRecord, error) {
	var rec models.DeliveryRecord
	var sentAt, deliveredAt, readAt, failedAt sql.NullTime
	err := sc.Scan(
		&rec.ID, &rec.CampaignID, &rec.RecipientID, &rec.NodeID, &rec.Year,
		&rec.Status, &rec.Attempt, &rec.MessageID, &rec.FailureReason,
		&rec.QueuedAt, &sentAt, &deliveredAt, &readAt, &failedAt,
	)
	if err != nil {
		return rec, err
	}
	if sentAt.Valid {
		rec.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		rec.DeliveredAt = &deliveredAt.Time
	}
	if readAt.Valid {
		rec.ReadAt = &readAt.Time
	}
	if failedAt.Valid {
		rec.FailedAt = &failedAt.Time
	}
	return rec, nil
}

func scanSession(sc rowScanner) (models.ReplySession, error) {
	var s models.ReplySession
	var options string
	err := sc.Scan(&s.ID, &s.TenantID, &s.FlowID, &s.RecipientID, &s.NodeID, &options, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(options), &s.Options); err != nil {
		return s, fmt.Errorf("unmarshal session options %s: %w", s.ID, err)
	}
	return s, nil
}

// timeArg converts an optional timestamp into an Exec argument for a
// nullable column.
func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// zeroTimeArg maps the zero time to NULL.
func zeroTimeArg(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
