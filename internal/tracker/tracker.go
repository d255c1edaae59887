// Package tracker maintains per-recipient delivery state and campaign
// aggregate counters.
//
// Each delivery record moves strictly forward through
// queued -> sent -> delivered -> read, with failed reachable from queued or
// sent. Counters are applied in the same store transaction as the record
// transition, so sent + failed + pending always equals the number of
// targeted recipients.
package tracker

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/store"
)

// lockStripes bounds the number of per-record mutexes.
const lockStripes = 64

var statusRank = map[models.DeliveryStatus]int{
	models.DeliveryStatusQueued:    0,
	models.DeliveryStatusSent:      1,
	models.DeliveryStatusDelivered: 2,
	models.DeliveryStatusRead:      3,
}

// Tracker applies delivery record transitions under per-record locks.
type Tracker struct {
	store store.Store
	locks [lockStripes]sync.Mutex
}

// New creates a Tracker over the given store.
func New(st store.Store) *Tracker {
	return &Tracker{store: st}
}

func (t *Tracker) lockFor(recordID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(recordID))
	return &t.locks[h.Sum32()%lockStripes]
}

// Enqueue creates a queued delivery record and increments the campaign's
// pending counter. Attempt defaults to 1 and the id is generated when empty.
func (t *Tracker) Enqueue(rec models.DeliveryRecord) (models.DeliveryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Attempt == 0 {
		rec.Attempt = 1
	}
	rec.Status = models.DeliveryStatusQueued
	if rec.QueuedAt.IsZero() {
		rec.QueuedAt = time.Now()
	}
	if err := t.store.ApplyDelivery(rec, 0, 0, 1); err != nil {
		return rec, fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	slog.Debug("delivery enqueued", "recordID", rec.ID, "campaignID", rec.CampaignID, "recipientID", rec.RecipientID, "attempt", rec.Attempt)
	return rec, nil
}

// MarkSent records transport acceptance and the transport message id.
func (t *Tracker) MarkSent(recordID, messageID string, at time.Time) error {
	return t.transition(recordID, models.DeliveryStatusSent, at, "", messageID)
}

// MarkDelivered records a delivery callback.
func (t *Tracker) MarkDelivered(recordID string, at time.Time) error {
	return t.transition(recordID, models.DeliveryStatusDelivered, at, "", "")
}

// MarkRead records a read callback.
func (t *Tracker) MarkRead(recordID string, at time.Time) error {
	return t.transition(recordID, models.DeliveryStatusRead, at, "", "")
}

// MarkFailed records a transport rejection or delivery failure.
func (t *Tracker) MarkFailed(recordID, reason string, at time.Time) error {
	return t.transition(recordID, models.DeliveryStatusFailed, at, reason, "")
}

// transition applies one state change under the record's lock. Stale or
// backward transitions (a late delivered callback after read, a duplicate
// callback) are dropped: timestamps for a state are only written once and
// counters never move backward.
func (t *Tracker) transition(recordID string, status models.DeliveryStatus, at time.Time, reason, messageID string) error {
	mu := t.lockFor(recordID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := t.store.GetDelivery(recordID)
	if err != nil {
		return fmt.Errorf("failed to load delivery %s: %w", recordID, err)
	}
	if rec == nil {
		return fmt.Errorf("delivery record %s not found", recordID)
	}

	var dSent, dFailed, dPending int
	switch status {
	case models.DeliveryStatusFailed:
		switch rec.Status {
		case models.DeliveryStatusQueued:
			dFailed, dPending = 1, -1
		case models.DeliveryStatusSent:
			// Delivery callback reported failure after acceptance; the send
			// no longer counts as sent.
			dFailed, dSent = 1, -1
		default:
			slog.Debug("dropping failed transition from terminal state", "recordID", recordID, "status", rec.Status)
			return nil
		}
		rec.Status = models.DeliveryStatusFailed
		rec.FailureReason = reason
		rec.FailedAt = &at

	case models.DeliveryStatusSent, models.DeliveryStatusDelivered, models.DeliveryStatusRead:
		if rec.Status == models.DeliveryStatusFailed {
			slog.Debug("dropping transition on failed record", "recordID", recordID, "to", status)
			return nil
		}
		cur, next := statusRank[rec.Status], statusRank[status]
		if next <= cur {
			slog.Debug("dropping stale transition", "recordID", recordID, "from", rec.Status, "to", status)
			return nil
		}
		// First move into the sent family settles the pending counter;
		// later delivered/read transitions only add timestamps.
		if cur == statusRank[models.DeliveryStatusQueued] {
			dSent, dPending = 1, -1
		}
		if rec.SentAt == nil && next >= statusRank[models.DeliveryStatusSent] {
			rec.SentAt = &at
		}
		if rec.DeliveredAt == nil && next >= statusRank[models.DeliveryStatusDelivered] {
			rec.DeliveredAt = &at
		}
		if rec.ReadAt == nil && next >= statusRank[models.DeliveryStatusRead] {
			rec.ReadAt = &at
		}
		if messageID != "" {
			rec.MessageID = messageID
		}
		rec.Status = status

	default:
		return fmt.Errorf("invalid transition target %q for delivery %s", status, recordID)
	}

	if err := t.store.ApplyDelivery(*rec, dSent, dFailed, dPending); err != nil {
		return fmt.Errorf("failed to apply delivery transition: %w", err)
	}
	slog.Debug("delivery transitioned", "recordID", recordID, "status", status)

	if dPending != 0 || dFailed != 0 {
		t.maybeCompleteCampaign(rec.CampaignID)
	}
	return nil
}

// maybeCompleteCampaign flips a one-shot campaign to completed once nothing
// is pending.
func (t *Tracker) maybeCompleteCampaign(campaignID string) {
	c, err := t.store.GetCampaign(campaignID)
	if err != nil || c == nil {
		return
	}
	if c.Kind != models.CampaignKindOneShot || c.State != models.CampaignStateActive {
		return
	}
	if c.Pending == 0 && c.Sent+c.Failed > 0 {
		if err := t.store.SetCampaignState(campaignID, models.CampaignStateCompleted); err != nil {
			slog.Error("failed to complete campaign", "campaignID", campaignID, "error", err)
			return
		}
		slog.Info("campaign completed", "campaignID", campaignID)
	}
}

// ResendFailed re-queues every failed delivery of the campaign as a fresh
// attempt. The failed record is kept for audit; the new record carries a
// strictly greater attempt number. Returns the new queued records so the
// caller can hand them to dispatch.
func (t *Tracker) ResendFailed(campaignID string) ([]models.DeliveryRecord, error) {
	failed, err := t.store.ListDeliveriesByStatus(campaignID, models.DeliveryStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed deliveries: %w", err)
	}

	var requeued []models.DeliveryRecord
	now := time.Now()
	for _, rec := range failed {
		latest, err := t.store.FindLatestDelivery(campaignID, rec.RecipientID, rec.Year)
		if err != nil {
			return nil, err
		}
		if latest == nil || latest.ID != rec.ID {
			// A newer attempt already exists for this recipient.
			continue
		}
		retry := models.DeliveryRecord{
			ID:          uuid.NewString(),
			CampaignID:  rec.CampaignID,
			RecipientID: rec.RecipientID,
			NodeID:      rec.NodeID,
			Year:        rec.Year,
			Status:      models.DeliveryStatusQueued,
			Attempt:     rec.Attempt + 1,
			QueuedAt:    now,
		}
		if err := t.store.ApplyDelivery(retry, 0, -1, 1); err != nil {
			return nil, fmt.Errorf("failed to requeue delivery for %s: %w", rec.RecipientID, err)
		}
		requeued = append(requeued, retry)
	}
	slog.Info("resend-failed requeued deliveries", "campaignID", campaignID, "count", len(requeued))
	return requeued, nil
}
