// Package campaign creates and schedules templated campaign sends.
//
// One-shot campaigns expand their recipient set once at start and queue a
// delivery per recipient immediately. Recurring campaigns are evaluated by a
// periodic tick: a recipient is due when today matches their anniversary date
// (projected into the current cycle) minus the campaign's day offset, and the
// current time falls inside the campaign's send window. A per-(campaign,
// recipient, cycle year) existence check makes ticks idempotent.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowsendhq/flowsend/internal/dispatch"
	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/store"
	"github.com/flowsendhq/flowsend/internal/template"
	"github.com/flowsendhq/flowsend/internal/tracker"
)

// Dispatcher queues outbound send operations.
type Dispatcher interface {
	Enqueue(op dispatch.SendOperation) error
}

// Opts holds configuration options for the campaign service.
type Opts struct {
	Clock func() time.Time
}

// Option defines a configuration option for the campaign service.
type Option func(*Opts)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Service owns campaign lifecycle and scheduling.
type Service struct {
	store      store.Store
	tracker    *tracker.Tracker
	dispatcher Dispatcher
	now        func() time.Time
}

// NewService creates a campaign service.
func NewService(st store.Store, tr *tracker.Tracker, d Dispatcher, opts ...Option) *Service {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{store: st, tracker: tr, dispatcher: d, now: cfg.Clock}
}

// Create validates and saves a campaign. One-shot campaigns start
// immediately: the recipient set is expanded once and every recipient is
// queued for dispatch.
func (s *Service) Create(c models.CampaignDefinition) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.State == "" {
		c.State = models.CampaignStateActive
	}
	if err := s.store.SaveCampaign(c); err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	slog.Info("campaign created", "campaignID", c.ID, "kind", c.Kind)

	if c.Kind == models.CampaignKindOneShot && c.State == models.CampaignStateActive {
		return s.startOneShot(c)
	}
	return nil
}

// startOneShot expands the recipient selection and queues one delivery per
// recipient. Expansion happens exactly once; later recipient changes do not
// affect a started campaign. All records are created before the first
// dispatch so the pending counter covers the full recipient set and the
// campaign cannot complete mid-expansion.
func (s *Service) startOneShot(c models.CampaignDefinition) error {
	recipients, err := s.expandRecipients(c)
	if err != nil {
		return err
	}
	slog.Info("one-shot campaign starting", "campaignID", c.ID, "recipients", len(recipients))

	records := make([]models.DeliveryRecord, len(recipients))
	for i, rcpt := range recipients {
		rec, err := s.tracker.Enqueue(models.DeliveryRecord{
			CampaignID:  c.ID,
			RecipientID: rcpt.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to queue campaign delivery: %w", err)
		}
		records[i] = rec
	}
	for i, rcpt := range recipients {
		s.dispatchRecord(c, rcpt, records[i])
	}
	return nil
}

func (s *Service) expandRecipients(c models.CampaignDefinition) ([]models.Recipient, error) {
	if len(c.Recipients.RecipientIDs) > 0 {
		recipients, err := s.store.ListRecipientsByIDs(c.Recipients.RecipientIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to expand recipient ids: %w", err)
		}
		return recipients, nil
	}
	recipients, err := s.store.ListRecipientsByLabel(c.TenantID, c.Recipients.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to expand recipient label: %w", err)
	}
	return recipients, nil
}

// queueSend creates the queued delivery record and hands the rendered
// message to the dispatcher. year is the recurring cycle key, zero for
// one-shot sends.
func (s *Service) queueSend(c models.CampaignDefinition, rcpt models.Recipient, year int) {
	rec, err := s.tracker.Enqueue(models.DeliveryRecord{
		CampaignID:  c.ID,
		RecipientID: rcpt.ID,
		Year:        year,
	})
	if err != nil {
		slog.Error("failed to queue campaign delivery", "campaignID", c.ID, "recipientID", rcpt.ID, "error", err)
		return
	}
	s.dispatchRecord(c, rcpt, rec)
}

// dispatchRecord renders the template for the recipient and enqueues the send.
func (s *Service) dispatchRecord(c models.CampaignDefinition, rcpt models.Recipient, rec models.DeliveryRecord) {
	resolved := template.Resolve(c.Variables, rcpt)
	body := template.Render(c.TemplateBody, resolved)

	if err := s.dispatcher.Enqueue(dispatch.SendOperation{
		DeviceID: c.DeviceID,
		To:       rcpt.Phone,
		RecordID: rec.ID,
		Payload:  models.OutboundPayload{Kind: models.PayloadKindText, Body: body},
	}); err != nil {
		slog.Error("failed to dispatch campaign send", "campaignID", c.ID, "recordID", rec.ID, "error", err)
	}
}

// Pause stops an active campaign from producing new sends. Operations already
// handed to the dispatcher are not recalled.
func (s *Service) Pause(id string) error {
	return s.setState(id, models.CampaignStateActive, models.CampaignStatePaused)
}

// Resume reactivates a paused campaign.
func (s *Service) Resume(id string) error {
	return s.setState(id, models.CampaignStatePaused, models.CampaignStateActive)
}

func (s *Service) setState(id string, from, to models.CampaignState) error {
	c, err := s.store.GetCampaign(id)
	if err != nil {
		return err
	}
	if c == nil {
		return models.ErrCampaignNotFound
	}
	if c.State != from {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidCampaignState, c.State, to)
	}
	if err := s.store.SetCampaignState(id, to); err != nil {
		return err
	}
	slog.Info("campaign state changed", "campaignID", id, "state", to)
	return nil
}

// Delete removes the campaign and cascades its delivery records.
func (s *Service) Delete(id string) error {
	c, err := s.store.GetCampaign(id)
	if err != nil {
		return err
	}
	if c == nil {
		return models.ErrCampaignNotFound
	}
	if err := s.store.DeleteCampaign(id); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	slog.Info("campaign deleted", "campaignID", id)
	return nil
}

// ResendFailed requeues every failed delivery as a fresh attempt and
// dispatches the new records. A completed campaign with failures moves back
// to active so its counters can settle again. A paused campaign is rejected:
// resume it first so the pause keeps meaning no new delivery records.
func (s *Service) ResendFailed(id string) (int, error) {
	c, err := s.store.GetCampaign(id)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, models.ErrCampaignNotFound
	}
	if c.State == models.CampaignStatePaused {
		return 0, fmt.Errorf("%w: %s -> %s", models.ErrInvalidCampaignState, c.State, models.CampaignStateActive)
	}
	if c.State == models.CampaignStateCompleted {
		if err := s.store.SetCampaignState(id, models.CampaignStateActive); err != nil {
			return 0, err
		}
	}

	requeued, err := s.tracker.ResendFailed(id)
	if err != nil {
		return 0, err
	}
	for _, rec := range requeued {
		rcpt, err := s.store.GetRecipient(rec.RecipientID)
		if err != nil || rcpt == nil {
			slog.Error("requeued delivery has no recipient", "recordID", rec.ID, "recipientID", rec.RecipientID, "error", err)
			continue
		}
		s.dispatchRecord(*c, *rcpt, rec)
	}
	return len(requeued), nil
}

// Recover re-dispatches deliveries still queued from a previous run. A record
// still queued at startup either never reached the transport or lost its
// acknowledgement with the process; re-dispatching favors delivery over
// strict once-only.
func (s *Service) Recover(ctx context.Context) (int, error) {
	restored := 0
	for _, kind := range []models.CampaignKind{models.CampaignKindOneShot, models.CampaignKindRecurring} {
		campaigns, err := s.store.ListCampaigns(kind, models.CampaignStateActive)
		if err != nil {
			return restored, fmt.Errorf("failed to list campaigns for recovery: %w", err)
		}
		for _, c := range campaigns {
			if err := ctx.Err(); err != nil {
				return restored, err
			}
			records, err := s.store.ListDeliveriesByStatus(c.ID, models.DeliveryStatusQueued)
			if err != nil {
				return restored, err
			}
			for _, rec := range records {
				rcpt, err := s.store.GetRecipient(rec.RecipientID)
				if err != nil || rcpt == nil {
					slog.Error("queued delivery has no recipient", "recordID", rec.ID, "recipientID", rec.RecipientID, "error", err)
					continue
				}
				s.dispatchRecord(c, *rcpt, rec)
				restored++
			}
		}
	}
	return restored, nil
}

// RunRecurringTick evaluates every active recurring campaign against the
// current time. Safe to call at any frequency: the per-cycle existence check
// keeps sends exactly-once per (campaign, recipient, cycle year).
func (s *Service) RunRecurringTick() error {
	now := s.now()
	campaigns, err := s.store.ListCampaigns(models.CampaignKindRecurring, models.CampaignStateActive)
	if err != nil {
		return fmt.Errorf("failed to list recurring campaigns: %w", err)
	}

	for _, c := range campaigns {
		if !c.SendWindow.Contains(now) {
			continue
		}
		if err := s.tickCampaign(c, now); err != nil {
			slog.Error("recurring tick failed for campaign", "campaignID", c.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) tickCampaign(c models.CampaignDefinition, now time.Time) error {
	recipients, err := s.store.ListRecipientsByLabel(c.TenantID, c.Recipients.Label)
	if err != nil {
		return fmt.Errorf("failed to list recipients by label: %w", err)
	}

	for _, rcpt := range recipients {
		wish, ok := rcpt.WishDate(c.WishSource)
		if !ok {
			continue
		}
		year, due := dueCycle(wish, c.DelayDays, now)
		if !due {
			continue
		}

		existing, err := s.store.FindLatestDelivery(c.ID, rcpt.ID, year)
		if err != nil {
			return err
		}
		if existing != nil {
			// Already handled this cycle.
			continue
		}

		slog.Info("recurring campaign due", "campaignID", c.ID, "recipientID", rcpt.ID, "year", year)
		s.queueSend(c, rcpt, year)
	}
	return nil
}

// dueCycle reports whether today is the send day for the given anniversary
// date, and for which cycle year. The anniversary is projected into the
// current and next calendar year (the day offset can pull a send across the
// year boundary); Feb 29 projects to Feb 28 in non-leap years.
func dueCycle(wish time.Time, delayDays int, now time.Time) (int, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, year := range []int{now.Year(), now.Year() + 1} {
		projected := projectToYear(wish, year, now.Location())
		sendDay := projected.AddDate(0, 0, -delayDays)
		if sendDay.Equal(today) {
			return year, true
		}
	}
	return 0, false
}

func projectToYear(wish time.Time, year int, loc *time.Location) time.Time {
	month, day := wish.Month(), wish.Day()
	if month == time.February && day == 29 && !isLeapYear(year) {
		day = 28
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
