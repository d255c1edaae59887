// Package models defines the core data structures for FlowSend.
//
// It includes the flow graph, campaign, template, and delivery types shared
// across modules, together with their validation rules.
package models

import "time"

// DeliveryStatus represents the delivery state of a single send.
type DeliveryStatus string

const (
	// DeliveryStatusQueued indicates the send is scheduled but not yet handed to the transport.
	DeliveryStatusQueued DeliveryStatus = "queued"
	// DeliveryStatusSent indicates the transport accepted the send.
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusDelivered indicates the recipient's device acknowledged delivery.
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	// DeliveryStatusRead indicates the recipient read the message.
	DeliveryStatusRead DeliveryStatus = "read"
	// DeliveryStatusFailed indicates the transport rejected the send or delivery failed.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// IsValidDeliveryStatus checks if the given delivery status is supported.
func IsValidDeliveryStatus(s DeliveryStatus) bool {
	switch s {
	case DeliveryStatusQueued, DeliveryStatusSent, DeliveryStatusDelivered, DeliveryStatusRead, DeliveryStatusFailed:
		return true
	default:
		return false
	}
}

// DeliveryRecord tracks one send to one recipient. CampaignID holds the
// originating campaign id, or the flow id for executor-originated sends (in
// which case NodeID identifies the node that produced the payload). Year is
// the recurring cycle key and zero for everything else.
type DeliveryRecord struct {
	ID            string         `json:"id"`
	CampaignID    string         `json:"campaign_id"`
	RecipientID   string         `json:"recipient_id"`
	NodeID        string         `json:"node_id,omitempty"`
	Year          int            `json:"year,omitempty"`
	Status        DeliveryStatus `json:"status"`
	Attempt       int            `json:"attempt"`
	MessageID     string         `json:"message_id,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	QueuedAt      time.Time      `json:"queued_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	ReadAt        *time.Time     `json:"read_at,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
}

// CampaignStats is the aggregate counter view exposed to report callers.
type CampaignStats struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

// StatusCallback is an asynchronous transport status event for a previously
// sent message.
type StatusCallback struct {
	MessageID string         `json:"message_id"`
	Status    DeliveryStatus `json:"status"`
	Time      int64          `json:"time"`
	Reason    string         `json:"reason,omitempty"`
}

// InboundMessage is a message received from a recipient. ReplyOptionID is set
// when the message is an interactive button or list reply.
type InboundMessage struct {
	DeviceID      string `json:"device_id"`
	From          string `json:"from"`
	Body          string `json:"body"`
	ReplyOptionID string `json:"reply_option_id,omitempty"`
	Time          int64  `json:"time"`
}

// ReplySession records the reply options pending for a recipient after an
// interactive node was dispatched. Options maps a reply option id to the
// target node id of the edge keyed by that option.
type ReplySession struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	FlowID      string            `json:"flow_id"`
	RecipientID string            `json:"recipient_id"`
	NodeID      string            `json:"node_id"`
	Options     map[string]string `json:"options"`
	CreatedAt   time.Time         `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for API handlers.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
