package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/store"
)

func newTrackedCampaign(t *testing.T, s store.Store, id string) {
	t.Helper()
	c := models.CampaignDefinition{
		ID:    id,
		Kind:  models.CampaignKindOneShot,
		State: models.CampaignStateActive,
	}
	if err := s.SaveCampaign(c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}
}

func TestTrackerCountersStayConsistent(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(s)
	newTrackedCampaign(t, s, "c1")

	const total = 100
	const failures = 5

	records := make([]models.DeliveryRecord, 0, total)
	for i := 0; i < total; i++ {
		rec, err := tr.Enqueue(models.DeliveryRecord{CampaignID: "c1", RecipientID: recipientID(i)})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		records = append(records, rec)
	}

	c, _ := s.GetCampaign("c1")
	if c.Pending != total || c.Sent != 0 || c.Failed != 0 {
		t.Fatalf("after enqueue: %+v", c.Stats())
	}

	now := time.Now()
	for i, rec := range records {
		if i < failures {
			if err := tr.MarkFailed(rec.ID, "transport rejected", now); err != nil {
				t.Fatalf("MarkFailed: %v", err)
			}
			continue
		}
		if err := tr.MarkSent(rec.ID, "wamid-"+rec.ID, now); err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
	}

	c, _ = s.GetCampaign("c1")
	if c.Sent != total-failures || c.Failed != failures || c.Pending != 0 {
		t.Errorf("after sends: %+v", c.Stats())
	}
	if c.Sent+c.Failed+c.Pending != total {
		t.Errorf("counter invariant broken: %+v", c.Stats())
	}
	if c.State != models.CampaignStateCompleted {
		t.Errorf("expected one-shot campaign completed, state = %s", c.State)
	}
}

func TestTrackerDuplicateCallbackIsNoOp(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(s)
	newTrackedCampaign(t, s, "c1")

	rec, err := tr.Enqueue(models.DeliveryRecord{CampaignID: "c1", RecipientID: "r1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	now := time.Now()
	if err := tr.MarkSent(rec.ID, "wamid-1", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := tr.MarkDelivered(rec.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := tr.MarkDelivered(rec.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("duplicate MarkDelivered: %v", err)
	}

	got, _ := s.GetDelivery(rec.ID)
	if got.Status != models.DeliveryStatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if !got.DeliveredAt.Equal(now.Add(time.Second)) {
		t.Errorf("duplicate callback overwrote DeliveredAt: %v", got.DeliveredAt)
	}

	c, _ := s.GetCampaign("c1")
	if c.Sent != 1 || c.Pending != 0 || c.Failed != 0 {
		t.Errorf("counters moved on duplicate callback: %+v", c.Stats())
	}
}

func TestTrackerNoBackwardTransition(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(s)
	newTrackedCampaign(t, s, "c1")

	rec, _ := tr.Enqueue(models.DeliveryRecord{CampaignID: "c1", RecipientID: "r1"})
	now := time.Now()
	if err := tr.MarkSent(rec.ID, "wamid-1", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := tr.MarkRead(rec.ID, now.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	// Late delivered callback after read must not regress the record.
	if err := tr.MarkDelivered(rec.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("late MarkDelivered: %v", err)
	}

	got, _ := s.GetDelivery(rec.ID)
	if got.Status != models.DeliveryStatusRead {
		t.Errorf("status regressed to %s", got.Status)
	}
}

func TestTrackerSkippedDeliveredStillSettlesCounters(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(s)
	newTrackedCampaign(t, s, "c1")

	rec, _ := tr.Enqueue(models.DeliveryRecord{CampaignID: "c1", RecipientID: "r1"})
	// Delivered callback can arrive before the sent acknowledgement is
	// processed; the pending counter must still settle exactly once.
	if err := tr.MarkDelivered(rec.ID, time.Now()); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	c, _ := s.GetCampaign("c1")
	if c.Sent != 1 || c.Pending != 0 {
		t.Errorf("counters after out-of-order delivered: %+v", c.Stats())
	}
	got, _ := s.GetDelivery(rec.ID)
	if got.SentAt == nil || got.DeliveredAt == nil {
		t.Errorf("expected sent and delivered timestamps, got %+v", got)
	}
}

func TestTrackerFailedAfterSent(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(s)
	newTrackedCampaign(t, s, "c1")

	rec, _ := tr.Enqueue(models.DeliveryRecord{CampaignID: "c1", RecipientID: "r1"})
	now := time.Now()
	if err := tr.MarkSent(rec.ID, "wamid-1", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := tr.MarkFailed(rec.ID, "recipient unreachable", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	c, _ := s.GetCampaign("c1")
	if c.Sent != 0 || c.Failed != 1 || c.Pending != 0 {
		t.Errorf("counters after sent->failed: %+v", c.Stats())
	}
	got, _ := s.GetDelivery(rec.ID)
	if got.FailureReason != "recipient unreachable" {
		t.Errorf("failure reason = %q", got.FailureReason)
	}
}

func TestTrackerResendFailed(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(s)
	newTrackedCampaign(t, s, "c1")

	rec, _ := tr.Enqueue(models.DeliveryRecord{CampaignID: "c1", RecipientID: "r1", Year: 2026})
	ok, _ := tr.Enqueue(models.DeliveryRecord{CampaignID: "c1", RecipientID: "r2", Year: 2026})

	now := time.Now()
	if err := tr.MarkFailed(rec.ID, "transport rejected", now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := tr.MarkSent(ok.ID, "wamid-ok", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	requeued, err := tr.ResendFailed("c1")
	if err != nil {
		t.Fatalf("ResendFailed: %v", err)
	}
	if len(requeued) != 1 {
		t.Fatalf("expected 1 requeued record, got %d", len(requeued))
	}
	retry := requeued[0]
	if retry.Attempt != 2 || retry.Status != models.DeliveryStatusQueued {
		t.Errorf("retry record = %+v", retry)
	}
	if retry.ID == rec.ID {
		t.Error("retry must be a fresh record, not a reused one")
	}

	// The failed record stays for audit.
	old, _ := s.GetDelivery(rec.ID)
	if old.Status != models.DeliveryStatusFailed {
		t.Errorf("original record mutated: %+v", old)
	}

	c, _ := s.GetCampaign("c1")
	if c.Failed != 0 || c.Pending != 1 || c.Sent != 1 {
		t.Errorf("counters after resend: %+v", c.Stats())
	}

	// A second resend before the retry resolves requeues nothing.
	again, err := tr.ResendFailed("c1")
	if err != nil {
		t.Fatalf("second ResendFailed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no records on repeat resend, got %d", len(again))
	}
}

func recipientID(i int) string {
	return fmt.Sprintf("r%03d", i)
}
