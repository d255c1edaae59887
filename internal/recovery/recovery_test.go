package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/flowsendhq/flowsend/internal/campaign"
	"github.com/flowsendhq/flowsend/internal/dispatch"
	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/store"
	"github.com/flowsendhq/flowsend/internal/tracker"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ops []dispatch.SendOperation
}

func (d *recordingDispatcher) Enqueue(op dispatch.SendOperation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

type staticRecoverable struct {
	n   int
	err error
}

func (r staticRecoverable) Recover(ctx context.Context) (int, error) {
	return r.n, r.err
}

func TestManagerRecoversQueuedCampaignDeliveries(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := tracker.New(st)

	c := models.CampaignDefinition{
		ID:           "c1",
		TenantID:     "t1",
		DeviceID:     "dev1",
		TemplateName: "welcome",
		TemplateBody: "Hello {{1}}!",
		Kind:         models.CampaignKindOneShot,
		Recipients:   models.RecipientSelection{Label: "customers"},
		State:        models.CampaignStateActive,
	}
	if err := st.SaveCampaign(c); err != nil {
		t.Fatalf("failed to save campaign: %v", err)
	}
	for _, r := range []models.Recipient{
		{ID: "r1", TenantID: "t1", Phone: "15550000001", Labels: []string{"customers"}},
		{ID: "r2", TenantID: "t1", Phone: "15550000002", Labels: []string{"customers"}},
	} {
		if err := st.UpsertRecipient(r); err != nil {
			t.Fatalf("failed to seed recipient: %v", err)
		}
		if _, err := tr.Enqueue(models.DeliveryRecord{CampaignID: c.ID, RecipientID: r.ID}); err != nil {
			t.Fatalf("failed to enqueue delivery: %v", err)
		}
	}

	// Fresh dispatcher plays the part of the process after restart: the
	// queued records exist but nothing is in flight.
	d := &recordingDispatcher{}
	svc := campaign.NewService(st, tr, d)

	m := NewManager()
	m.Register(svc)
	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	if d.count() != 2 {
		t.Errorf("expected 2 re-dispatched sends, got %d", d.count())
	}
}

func TestManagerRunsAllComponentsDespiteFailure(t *testing.T) {
	boom := errors.New("boom")

	m := NewManager()
	m.Register(staticRecoverable{err: boom})
	m.Register(staticRecoverable{n: 3})

	err := m.RecoverAll(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("expected first error to surface, got %v", err)
	}
}

func TestManagerEmptyIsNoOp(t *testing.T) {
	if err := NewManager().RecoverAll(context.Background()); err != nil {
		t.Errorf("expected no error for empty manager, got %v", err)
	}
}
