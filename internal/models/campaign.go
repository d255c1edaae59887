package models

import (
	"errors"
	"fmt"
	"time"
)

// CampaignKind distinguishes one-shot broadcasts from recurring nurture sends.
type CampaignKind string

const (
	// CampaignKindOneShot expands the recipient set once and sends immediately.
	CampaignKindOneShot CampaignKind = "one_shot"
	// CampaignKindRecurring evaluates recipients against an anniversary date on every tick.
	CampaignKindRecurring CampaignKind = "recurring"
)

// IsValidCampaignKind checks if the given campaign kind is supported.
func IsValidCampaignKind(k CampaignKind) bool {
	return k == CampaignKindOneShot || k == CampaignKindRecurring
}

// CampaignState is the lifecycle state of a campaign.
type CampaignState string

const (
	CampaignStateActive    CampaignState = "active"
	CampaignStatePaused    CampaignState = "paused"
	CampaignStateCompleted CampaignState = "completed"
)

// IsValidCampaignState checks if the given campaign state is supported.
func IsValidCampaignState(s CampaignState) bool {
	switch s {
	case CampaignStateActive, CampaignStatePaused, CampaignStateCompleted:
		return true
	default:
		return false
	}
}

// WishSource names the recipient date a recurring campaign keys on.
type WishSource string

const (
	WishSourceBirthday    WishSource = "birthday"
	WishSourceAnniversary WishSource = "anniversary"
)

// VariableSource defines where a template variable's value comes from.
type VariableSource string

const (
	// VariableSourceCustomText resolves to a literal value.
	VariableSourceCustomText VariableSource = "custom_text"
	// VariableSourceRecipientField resolves to a named recipient field.
	VariableSourceRecipientField VariableSource = "recipient_field"
)

// Error variables for campaign validation.
var (
	ErrEmptyCampaignID      = errors.New("campaign id cannot be empty")
	ErrEmptyTemplateName    = errors.New("template name cannot be empty")
	ErrEmptyTemplateBody    = errors.New("template body cannot be empty")
	ErrInvalidCampaignKind  = errors.New("invalid campaign kind")
	ErrInvalidWishSource    = errors.New("invalid wish source")
	ErrEmptyRecipientSet    = errors.New("campaign must select recipients by id or label")
	ErrInvalidSendWindow    = errors.New("send window times must be in HH:MM format with start before end")
	ErrInvalidCampaignState = errors.New("invalid campaign state transition")
	ErrCampaignNotFound     = errors.New("campaign not found")
)

// TemplateVariable describes one positional template placeholder. Resolution
// is pure and total: a recipient_field variable degrades to FallbackValue
// when the field is empty, and to the empty string when both are empty.
type TemplateVariable struct {
	Source        VariableSource `json:"source"`
	Value         string         `json:"value,omitempty"`
	FieldName     string         `json:"field_name,omitempty"`
	FallbackValue string         `json:"fallback_value,omitempty"`
}

// RecipientSelection targets recipients either by explicit ids or by label.
type RecipientSelection struct {
	RecipientIDs []string `json:"recipient_ids,omitempty"`
	Label        string   `json:"label,omitempty"`
}

// IsEmpty reports whether the selection targets nobody.
func (s RecipientSelection) IsEmpty() bool {
	return len(s.RecipientIDs) == 0 && s.Label == ""
}

// SendWindow bounds the time of day a recurring campaign may dispatch,
// inclusive of Start and exclusive of End. Times are "HH:MM".
type SendWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether the wall-clock time of t falls inside the window.
func (w SendWindow) Contains(t time.Time) bool {
	start, err1 := minutesOfDay(w.Start)
	end, err2 := minutesOfDay(w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	return now >= start && now < end
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// CampaignDefinition describes a templated outbound send to a recipient set.
// TemplateName references the approved WhatsApp template; TemplateBody is its
// text with positional {{n}} placeholders, kept alongside the reference so
// rendering needs no template sync at send time.
// Sent, Failed, and Pending are materialized aggregates maintained
// transactionally with every delivery record transition; at all times
// Sent + Failed + Pending equals the number of targeted recipients.
type CampaignDefinition struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	DeviceID     string             `json:"device_id"`
	Name         string             `json:"name,omitempty"`
	TemplateName string             `json:"template_name"`
	TemplateBody string             `json:"template_body"`
	Variables    []TemplateVariable `json:"variables,omitempty"`
	Recipients   RecipientSelection `json:"recipients"`
	Kind         CampaignKind       `json:"kind"`
	WishSource   WishSource         `json:"wish_source,omitempty"`
	DelayDays    int                `json:"delay_days,omitempty"`
	SendWindow   SendWindow         `json:"send_window,omitempty"`
	State        CampaignState      `json:"state"`
	Sent         int                `json:"sent"`
	Failed       int                `json:"failed"`
	Pending      int                `json:"pending"`
	CreatedAt    time.Time          `json:"created_at,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at,omitempty"`
}

// Stats returns the aggregate counter view.
func (c *CampaignDefinition) Stats() CampaignStats {
	return CampaignStats{
		Sent:    c.Sent,
		Failed:  c.Failed,
		Pending: c.Pending,
		Total:   c.Sent + c.Failed + c.Pending,
	}
}

// Validate performs save-time validation on a campaign definition.
func (c *CampaignDefinition) Validate() error {
	if c.ID == "" {
		return ErrEmptyCampaignID
	}
	if c.TemplateName == "" {
		return ErrEmptyTemplateName
	}
	if c.TemplateBody == "" {
		return ErrEmptyTemplateBody
	}
	switch c.Kind {
	case CampaignKindOneShot:
		if c.Recipients.IsEmpty() {
			return ErrEmptyRecipientSet
		}
	case CampaignKindRecurring:
		if c.WishSource != WishSourceBirthday && c.WishSource != WishSourceAnniversary {
			return fmt.Errorf("%w: %q", ErrInvalidWishSource, c.WishSource)
		}
		if c.Recipients.Label == "" {
			return ErrEmptyRecipientSet
		}
		if _, err := minutesOfDay(c.SendWindow.Start); err != nil {
			return ErrInvalidSendWindow
		}
		if _, err := minutesOfDay(c.SendWindow.End); err != nil {
			return ErrInvalidSendWindow
		}
		start, _ := minutesOfDay(c.SendWindow.Start)
		end, _ := minutesOfDay(c.SendWindow.End)
		if start >= end {
			return ErrInvalidSendWindow
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCampaignKind, c.Kind)
	}
	return nil
}

// Recipient is a record from the recipient-store collaborator. Fields holds
// arbitrary named values used for template resolution.
type Recipient struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Phone       string            `json:"phone"`
	Name        string            `json:"name,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Birthday    *time.Time        `json:"birthday,omitempty"`
	Anniversary *time.Time        `json:"anniversary,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
}

// HasLabel reports whether the recipient carries the given label.
func (r *Recipient) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// WishDate returns the recipient date for the given wish source.
func (r *Recipient) WishDate(src WishSource) (time.Time, bool) {
	switch src {
	case WishSourceBirthday:
		if r.Birthday != nil {
			return *r.Birthday, true
		}
	case WishSourceAnniversary:
		if r.Anniversary != nil {
			return *r.Anniversary, true
		}
	}
	return time.Time{}, false
}
