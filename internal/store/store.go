// Package store provides storage backends for FlowSend.
//
// It includes an in-memory store used in tests and persistent SQLite and
// PostgreSQL stores behind a common interface. Persistent backends embed
// their migration files and apply them on startup.
package store

import (
	"time"

	"github.com/flowsendhq/flowsend/internal/models"
)

// Store is the persistence boundary shared by the trigger matcher, flow
// executor, campaign scheduler, and delivery tracker.
//
// Lookup methods return (nil, nil) when the entity does not exist; callers
// translate that into their own not-found errors.
type Store interface {
	// Flows.
	SaveFlow(f models.FlowDefinition) error
	GetFlow(id string) (*models.FlowDefinition, error)
	ListFlows(tenantID string) ([]models.FlowDefinition, error)
	ListActiveFlows(tenantID string) ([]models.FlowDefinition, error)
	SetFlowActive(id string, active bool, at time.Time) error

	// Campaigns.
	SaveCampaign(c models.CampaignDefinition) error
	GetCampaign(id string) (*models.CampaignDefinition, error)
	ListCampaigns(kind models.CampaignKind, state models.CampaignState) ([]models.CampaignDefinition, error)
	SetCampaignState(id string, state models.CampaignState) error
	DeleteCampaign(id string) error

	// Recipients.
	UpsertRecipient(r models.Recipient) error
	GetRecipient(id string) (*models.Recipient, error)
	GetRecipientByPhone(tenantID, phone string) (*models.Recipient, error)
	ListRecipientsByIDs(ids []string) ([]models.Recipient, error)
	ListRecipientsByLabel(tenantID, label string) ([]models.Recipient, error)

	// Delivery records. ApplyDelivery inserts or updates the record by id and
	// applies the campaign counter deltas in the same transaction; deltas
	// against an unknown campaign id (flow-originated sends) are dropped.
	ApplyDelivery(rec models.DeliveryRecord, dSent, dFailed, dPending int) error
	GetDelivery(id string) (*models.DeliveryRecord, error)
	FindLatestDelivery(campaignID, recipientID string, year int) (*models.DeliveryRecord, error)
	ListDeliveries(campaignID string) ([]models.DeliveryRecord, error)
	ListDeliveriesByStatus(campaignID string, status models.DeliveryStatus) ([]models.DeliveryRecord, error)

	// Reply sessions. GetSession returns the latest session for the pair.
	SaveSession(s models.ReplySession) error
	GetSession(flowID, recipientID string) (*models.ReplySession, error)
	DeleteSession(id string) error

	Close() error
}
