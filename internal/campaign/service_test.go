package campaign

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flowsendhq/flowsend/internal/dispatch"
	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/store"
	"github.com/flowsendhq/flowsend/internal/tracker"
)

// settlingDispatcher records operations and immediately settles each delivery
// as sent or failed, standing in for the pool plus transport.
type settlingDispatcher struct {
	tracker *tracker.Tracker
	failTo  map[string]string
	ops     []dispatch.SendOperation
}

func (d *settlingDispatcher) Enqueue(op dispatch.SendOperation) error {
	d.ops = append(d.ops, op)
	if reason, ok := d.failTo[op.To]; ok {
		return d.tracker.MarkFailed(op.RecordID, reason, time.Now())
	}
	return d.tracker.MarkSent(op.RecordID, "wamid-"+op.RecordID, time.Now())
}

func setupService(t *testing.T, clock func() time.Time) (*Service, store.Store, *settlingDispatcher) {
	t.Helper()
	s := store.NewInMemoryStore()
	tr := tracker.New(s)
	d := &settlingDispatcher{tracker: tr, failTo: make(map[string]string)}
	var opts []Option
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	return NewService(s, tr, d, opts...), s, d
}

func seedRecipients(t *testing.T, s store.Store, n int, label string, wish *time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		r := models.Recipient{
			ID:       fmt.Sprintf("r%03d", i),
			TenantID: "t1",
			Phone:    fmt.Sprintf("1555000%04d", i),
			Name:     fmt.Sprintf("Person %d", i),
		}
		if label != "" {
			r.Labels = []string{label}
		}
		if wish != nil {
			r.Birthday = wish
		}
		if err := s.UpsertRecipient(r); err != nil {
			t.Fatalf("UpsertRecipient: %v", err)
		}
		ids = append(ids, r.ID)
	}
	return ids
}

func TestOneShotCampaignCounters(t *testing.T) {
	svc, s, d := setupService(t, nil)
	ids := seedRecipients(t, s, 100, "", nil)
	for i := 0; i < 5; i++ {
		d.failTo[fmt.Sprintf("1555000%04d", i)] = "transport rejected"
	}

	c := models.CampaignDefinition{
		ID: "c1", TenantID: "t1", DeviceID: "dev1",
		TemplateName: "promo", TemplateBody: "Hi {{1}}, big sale!",
		Variables: []models.TemplateVariable{
			{Source: models.VariableSourceRecipientField, FieldName: "name", FallbackValue: "there"},
		},
		Recipients: models.RecipientSelection{RecipientIDs: ids},
		Kind:       models.CampaignKindOneShot,
	}
	if err := svc.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := s.GetCampaign("c1")
	if got.Sent != 95 || got.Failed != 5 || got.Pending != 0 {
		t.Errorf("counters = %+v", got.Stats())
	}
	if got.Stats().Total != 100 {
		t.Errorf("total = %d", got.Stats().Total)
	}
	if got.State != models.CampaignStateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if len(d.ops) != 100 {
		t.Errorf("dispatched %d ops", len(d.ops))
	}
}

func TestOneShotRendersTemplate(t *testing.T) {
	svc, s, d := setupService(t, nil)
	r := models.Recipient{
		ID: "r1", TenantID: "t1", Phone: "15550001234",
		Fields: map[string]string{"first_name": "Ada"},
	}
	_ = s.UpsertRecipient(r)

	c := models.CampaignDefinition{
		ID: "c1", TenantID: "t1", DeviceID: "dev1",
		TemplateName: "welcome", TemplateBody: "Hello {{1}}, welcome to {{2}}.",
		Variables: []models.TemplateVariable{
			{Source: models.VariableSourceRecipientField, FieldName: "first_name", FallbackValue: "there"},
			{Source: models.VariableSourceCustomText, Value: "FlowSend"},
		},
		Recipients: models.RecipientSelection{RecipientIDs: []string{"r1"}},
		Kind:       models.CampaignKindOneShot,
	}
	if err := svc.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(d.ops) != 1 {
		t.Fatalf("dispatched %d ops", len(d.ops))
	}
	if d.ops[0].Payload.Body != "Hello Ada, welcome to FlowSend." {
		t.Errorf("rendered body = %q", d.ops[0].Payload.Body)
	}
	if d.ops[0].DeviceID != "dev1" {
		t.Errorf("device = %q", d.ops[0].DeviceID)
	}
}

func recurringCampaign() models.CampaignDefinition {
	return models.CampaignDefinition{
		ID: "bday", TenantID: "t1", DeviceID: "dev1",
		TemplateName: "bday", TemplateBody: "Happy birthday {{1}}!",
		Variables: []models.TemplateVariable{
			{Source: models.VariableSourceRecipientField, FieldName: "name", FallbackValue: "friend"},
		},
		Recipients: models.RecipientSelection{Label: "customers"},
		Kind:       models.CampaignKindRecurring,
		WishSource: models.WishSourceBirthday,
		SendWindow: models.SendWindow{Start: "09:00", End: "18:00"},
	}
}

func TestRecurringTickIsIdempotent(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	svc, s, d := setupService(t, func() time.Time { return now })

	bday := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	seedRecipients(t, s, 1, "customers", &bday)
	if err := svc.Create(recurringCampaign()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	if len(d.ops) != 1 {
		t.Fatalf("expected exactly one send across ticks, got %d", len(d.ops))
	}
	recs, _ := s.ListDeliveries("bday")
	if len(recs) != 1 || recs[0].Year != 2026 {
		t.Errorf("records = %+v", recs)
	}
}

func TestRecurringTickRespectsSendWindow(t *testing.T) {
	early := time.Date(2026, time.March, 14, 7, 30, 0, 0, time.UTC)
	now := early
	svc, s, d := setupService(t, func() time.Time { return now })

	bday := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	seedRecipients(t, s, 1, "customers", &bday)
	_ = svc.Create(recurringCampaign())

	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(d.ops) != 0 {
		t.Errorf("send outside window: %+v", d.ops)
	}

	// Same day, inside the window: the send happens.
	now = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(d.ops) != 1 {
		t.Errorf("expected one send inside window, got %d", len(d.ops))
	}
}

func TestRecurringDelayDaysOffset(t *testing.T) {
	// Birthday March 14, offset 3 days: due on March 11.
	now := time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC)
	svc, s, d := setupService(t, func() time.Time { return now })

	bday := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	seedRecipients(t, s, 1, "customers", &bday)
	c := recurringCampaign()
	c.DelayDays = 3
	_ = svc.Create(c)

	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(d.ops) != 1 {
		t.Fatalf("expected send 3 days ahead of birthday, got %d ops", len(d.ops))
	}
}

func TestRecurringLeapDayProjectsToFeb28(t *testing.T) {
	// 2026 is not a leap year; a Feb 29 birthday fires on Feb 28.
	now := time.Date(2026, time.February, 28, 10, 0, 0, 0, time.UTC)
	svc, s, d := setupService(t, func() time.Time { return now })

	bday := time.Date(1992, time.February, 29, 0, 0, 0, 0, time.UTC)
	seedRecipients(t, s, 1, "customers", &bday)
	_ = svc.Create(recurringCampaign())

	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(d.ops) != 1 {
		t.Errorf("expected leap-day birthday on Feb 28, got %d ops", len(d.ops))
	}
}

func TestRecurringCrossYearOffset(t *testing.T) {
	// Anniversary Jan 1, offset 3 days: due Dec 29 of the prior year,
	// keyed on the anniversary's cycle year.
	now := time.Date(2026, time.December, 29, 10, 0, 0, 0, time.UTC)
	svc, s, d := setupService(t, func() time.Time { return now })

	bday := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	seedRecipients(t, s, 1, "customers", &bday)
	c := recurringCampaign()
	c.DelayDays = 3
	_ = svc.Create(c)

	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(d.ops) != 1 {
		t.Fatalf("expected cross-year send, got %d ops", len(d.ops))
	}
	recs, _ := s.ListDeliveries("bday")
	if len(recs) != 1 || recs[0].Year != 2027 {
		t.Errorf("cycle year = %+v", recs)
	}
}

func TestPauseStopsRecurringSends(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	svc, s, d := setupService(t, func() time.Time { return now })

	bday := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	seedRecipients(t, s, 1, "customers", &bday)
	_ = svc.Create(recurringCampaign())

	if err := svc.Pause("bday"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(d.ops) != 0 {
		t.Errorf("paused campaign sent %d ops", len(d.ops))
	}

	// Pausing a paused campaign is rejected.
	if err := svc.Pause("bday"); err == nil {
		t.Error("expected error pausing a paused campaign")
	}

	if err := svc.Resume("bday"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick after resume: %v", err)
	}
	if len(d.ops) != 1 {
		t.Errorf("expected one send after resume, got %d", len(d.ops))
	}
}

func TestResendFailedCreatesFreshAttempts(t *testing.T) {
	svc, s, d := setupService(t, nil)
	seedRecipients(t, s, 2, "", nil)
	d.failTo["15550000000"] = "transport rejected"

	c := models.CampaignDefinition{
		ID: "c1", TenantID: "t1", DeviceID: "dev1",
		TemplateName: "promo", TemplateBody: "Sale!",
		Recipients:   models.RecipientSelection{RecipientIDs: []string{"r000", "r001"}},
		Kind:         models.CampaignKindOneShot,
	}
	if err := svc.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := s.GetCampaign("c1")
	if got.Failed != 1 || got.Sent != 1 {
		t.Fatalf("counters before resend: %+v", got.Stats())
	}

	// Clear the fault and resend.
	delete(d.failTo, "15550000000")
	n, err := svc.ResendFailed("c1")
	if err != nil {
		t.Fatalf("ResendFailed: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d", n)
	}

	got, _ = s.GetCampaign("c1")
	if got.Sent != 2 || got.Failed != 0 || got.Pending != 0 {
		t.Errorf("counters after resend: %+v", got.Stats())
	}

	latest, _ := s.FindLatestDelivery("c1", "r000", 0)
	if latest.Attempt != 2 || latest.Status != models.DeliveryStatusSent {
		t.Errorf("latest attempt = %+v", latest)
	}
}

func TestResendFailedRejectsPausedCampaign(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	svc, s, d := setupService(t, func() time.Time { return now })

	bday := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	seedRecipients(t, s, 1, "customers", &bday)
	d.failTo["15550000000"] = "transport rejected"
	_ = svc.Create(recurringCampaign())
	if err := svc.RunRecurringTick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := svc.Pause("bday"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	sent := len(d.ops)

	// A paused campaign must not grow new delivery records.
	n, err := svc.ResendFailed("bday")
	if !errors.Is(err, models.ErrInvalidCampaignState) {
		t.Fatalf("ResendFailed on paused = %d, %v", n, err)
	}
	if len(d.ops) != sent {
		t.Errorf("paused resend dispatched %d new ops", len(d.ops)-sent)
	}
	recs, _ := s.ListDeliveries("bday")
	if len(recs) != 1 {
		t.Errorf("records = %+v", recs)
	}

	// After resume the failed delivery can be retried.
	delete(d.failTo, "15550000000")
	if err := svc.Resume("bday"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n, err := svc.ResendFailed("bday"); err != nil || n != 1 {
		t.Fatalf("ResendFailed after resume = %d, %v", n, err)
	}
}

func TestCreateRejectsInvalidCampaign(t *testing.T) {
	svc, _, _ := setupService(t, nil)
	c := models.CampaignDefinition{ID: "bad", Kind: models.CampaignKindOneShot}
	if err := svc.Create(c); err == nil {
		t.Error("expected validation error")
	}
}
