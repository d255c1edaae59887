package models

// PayloadKind identifies the wire shape of an outbound send.
type PayloadKind string

const (
	PayloadKindText       PayloadKind = "text"
	PayloadKindMedia      PayloadKind = "media"
	PayloadKindButtons    PayloadKind = "buttons"
	PayloadKindList       PayloadKind = "list"
	PayloadKindFlowLaunch PayloadKind = "flow_launch"
)

// OutboundPayload is the transport-neutral shape of one outbound message.
// Exactly the fields relevant to Kind are populated; each transport maps it
// to its own wire format (or degrades interactive shapes to text menus).
type OutboundPayload struct {
	Kind            PayloadKind   `json:"kind"`
	Body            string        `json:"body,omitempty"`
	MediaType       NodeType      `json:"media_type,omitempty"`
	MediaID         string        `json:"media_id,omitempty"`
	Caption         string        `json:"caption,omitempty"`
	Filename        string        `json:"filename,omitempty"`
	Buttons         []ReplyOption `json:"buttons,omitempty"`
	ListHeader      string        `json:"list_header,omitempty"`
	ListButtonLabel string        `json:"list_button_label,omitempty"`
	Sections        []ListSection `json:"sections,omitempty"`
	FlowRefID       string        `json:"flow_ref_id,omitempty"`
	FlowCTA         string        `json:"flow_cta,omitempty"`
}
