package models

import (
	"errors"
	"fmt"
	"time"
)

// TriggerMode defines how inbound text is compared against a flow's trigger.
type TriggerMode string

const (
	// TriggerIncludesIgnoreCase matches when the inbound text contains the trigger, case folded.
	TriggerIncludesIgnoreCase TriggerMode = "includes_ignore_case"
	// TriggerIncludesMatchCase matches when the inbound text contains the trigger verbatim.
	TriggerIncludesMatchCase TriggerMode = "includes_match_case"
	// TriggerExactIgnoreCase matches when the trimmed inbound text equals the trigger, case folded.
	TriggerExactIgnoreCase TriggerMode = "exact_ignore_case"
	// TriggerExactMatchCase matches when the trimmed inbound text equals the trigger verbatim.
	TriggerExactMatchCase TriggerMode = "exact_match_case"
)

// IsValidTriggerMode checks if the given trigger mode is supported.
func IsValidTriggerMode(m TriggerMode) bool {
	switch m {
	case TriggerIncludesIgnoreCase, TriggerIncludesMatchCase, TriggerExactIgnoreCase, TriggerExactMatchCase:
		return true
	default:
		return false
	}
}

// TriggerCondition decides whether an inbound message activates a flow.
// Empty Text marks the tenant's default flow: it matches any inbound message
// that no other active trigger claimed. At most one active flow per tenant
// may be the default.
type TriggerCondition struct {
	Mode TriggerMode `json:"mode"`
	Text string      `json:"text"`
}

// IsDefault reports whether the condition marks the tenant's fallback flow.
func (c TriggerCondition) IsDefault() bool {
	return c.Text == ""
}

// NodeType identifies the payload variant carried by a flow node.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeText         NodeType = "text"
	NodeTypeImage        NodeType = "image"
	NodeTypeAudio        NodeType = "audio"
	NodeTypeVideo        NodeType = "video"
	NodeTypeDocument     NodeType = "document"
	NodeTypeButton       NodeType = "button"
	NodeTypeList         NodeType = "list"
	NodeTypeWhatsappFlow NodeType = "whatsapp_flow"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeStart, NodeTypeText, NodeTypeImage, NodeTypeAudio, NodeTypeVideo,
		NodeTypeDocument, NodeTypeButton, NodeTypeList, NodeTypeWhatsappFlow:
		return true
	default:
		return false
	}
}

// IsMedia reports whether the type carries a media payload.
func (t NodeType) IsMedia() bool {
	switch t {
	case NodeTypeImage, NodeTypeAudio, NodeTypeVideo, NodeTypeDocument:
		return true
	default:
		return false
	}
}

// IsInteractive reports whether the type always presents reply options.
// Media nodes are interactive only when they carry options; see
// Node.IsInteractive.
func (t NodeType) IsInteractive() bool {
	return t == NodeTypeButton || t == NodeTypeList
}

// Validation constants for flow graphs.
const (
	// MaxReplyButtons is the maximum number of reply options on a button or media node.
	MaxReplyButtons = 3
	// MaxListSections is the maximum number of sections on a list node.
	MaxListSections = 10
	// MaxListSectionRows is the maximum number of rows in a single list section.
	MaxListSectionRows = 3
	// MaxMessageBodyLength is the maximum allowed length for message body content.
	MaxMessageBodyLength = 4096
)

// Error variables for flow graph validation.
var (
	ErrMissingStartNode    = errors.New("flow must have exactly one start node")
	ErrDuplicateStartNode  = errors.New("flow has more than one start node")
	ErrStartHasInboundEdge = errors.New("start node cannot have inbound edges")
	ErrEmptyNodeID         = errors.New("node id cannot be empty")
	ErrDuplicateNodeID     = errors.New("duplicate node id")
	ErrUnknownNodeType     = errors.New("unknown node type")
	ErrMissingNodePayload  = errors.New("node payload missing for its type")
	ErrBodyTooLong         = errors.New("message body exceeds maximum length")
	ErrTooManyButtons      = errors.New("too many reply buttons")
	ErrTooManySections     = errors.New("too many list sections")
	ErrTooManySectionRows  = errors.New("too many rows in list section")
	ErrEmptyOptionID       = errors.New("reply option id cannot be empty")
	ErrAudioNodeOptions    = errors.New("audio nodes cannot carry reply options")
	ErrUnknownEdgeNode     = errors.New("edge references unknown node")
	ErrUnknownEdgeOption   = errors.New("edge references unknown reply option")
	ErrOptionEdgeMissing   = errors.New("interactive node edge must be keyed by a reply option")
	ErrInvalidTriggerMode  = errors.New("invalid trigger mode")
	ErrDefaultFlowExists   = errors.New("tenant already has an active default flow")
)

// ReplyOption is a selectable button or list row. ID is the stable identifier
// echoed back by the transport when the recipient taps it.
type ReplyOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListSection groups list rows under a section title.
type ListSection struct {
	Title string        `json:"title"`
	Rows  []ReplyOption `json:"rows"`
}

// TextPayload is the payload of a text node.
type TextPayload struct {
	Body string `json:"body"`
}

// MediaPayload is the payload of an image, audio, video, or document node.
// MediaID references an asset uploaded through the editor collaborator.
type MediaPayload struct {
	MediaID  string `json:"media_id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ButtonPayload is the payload of a button node; its options live on the node.
type ButtonPayload struct {
	Body string `json:"body"`
}

// ListPayload is the payload of an interactive list node.
type ListPayload struct {
	Header      string        `json:"header,omitempty"`
	Body        string        `json:"body"`
	ButtonLabel string        `json:"button_label"`
	Sections    []ListSection `json:"sections"`
}

// FlowLaunchPayload is the payload of a whatsapp_flow node, launching a
// WhatsApp-native flow by reference.
type FlowLaunchPayload struct {
	FlowRefID string `json:"flow_ref_id"`
	CTA       string `json:"cta,omitempty"`
}

// Node is one step of a flow graph. Exactly one payload field matching Type
// is set; Options carries reply options for button and media nodes (list
// nodes keep theirs inside the list sections).
type Node struct {
	ID           string             `json:"id"`
	Type         NodeType           `json:"type"`
	DelaySeconds int                `json:"delay_seconds,omitempty"`
	Text         *TextPayload       `json:"text,omitempty"`
	Media        *MediaPayload      `json:"media,omitempty"`
	Button       *ButtonPayload     `json:"button,omitempty"`
	List         *ListPayload       `json:"list,omitempty"`
	FlowLaunch   *FlowLaunchPayload `json:"flow_launch,omitempty"`
	Options      []ReplyOption      `json:"options,omitempty"`
}

// Delay returns the node's send delay relative to the run's base time.
func (n *Node) Delay() time.Duration {
	return time.Duration(n.DelaySeconds) * time.Second
}

// IsInteractive reports whether the node presents reply options whose edges
// are keyed by option id. Button and list nodes always do; a media node does
// when reply options are attached to it.
func (n *Node) IsInteractive() bool {
	return n.Type.IsInteractive() || (n.Type.IsMedia() && len(n.Options) > 0)
}

// ReplyOptions returns all reply options the node presents, regardless of
// whether they live on the node or inside list sections.
func (n *Node) ReplyOptions() []ReplyOption {
	if n.Type == NodeTypeList && n.List != nil {
		var opts []ReplyOption
		for _, sec := range n.List.Sections {
			opts = append(opts, sec.Rows...)
		}
		return opts
	}
	return n.Options
}

// Edge connects two nodes. OptionID is set when, and only when, the source is
// an interactive node: each reply option maps to exactly one outbound edge.
type Edge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	OptionID string `json:"option_id,omitempty"`
}

// FlowDefinition is a trigger plus node graph describing an automated reply
// sequence. It is produced by the editor collaborator and mutated only by
// explicit saves; toggling a flow off deactivates it, never deletes it.
type FlowDefinition struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Trigger     TriggerCondition `json:"trigger"`
	IsActive    bool             `json:"is_active"`
	ActivatedAt time.Time        `json:"activated_at,omitempty"`
	Nodes       []Node           `json:"nodes"`
	Edges       []Edge           `json:"edges"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at,omitempty"`
}

// StartNode returns the flow's start node.
func (f *FlowDefinition) StartNode() (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].Type == NodeTypeStart {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// NodeByID returns the node with the given id.
func (f *FlowDefinition) NodeByID(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// OutboundEdges returns the edges leaving the given node, in declaration order.
func (f *FlowDefinition) OutboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.SourceID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks the flow graph structure. It is called at save time so that
// malformed graphs never reach execution.
func (f *FlowDefinition) Validate() error {
	if !IsValidTriggerMode(f.Trigger.Mode) {
		return fmt.Errorf("trigger: %w: %q", ErrInvalidTriggerMode, f.Trigger.Mode)
	}

	ids := make(map[string]*Node, len(f.Nodes))
	startCount := 0
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.ID == "" {
			return ErrEmptyNodeID
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("node %s: %w", n.ID, ErrDuplicateNodeID)
		}
		ids[n.ID] = n
		if n.Type == NodeTypeStart {
			startCount++
		}
		if err := n.validatePayload(); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	if startCount == 0 {
		return ErrMissingStartNode
	}
	if startCount > 1 {
		return ErrDuplicateStartNode
	}

	for _, e := range f.Edges {
		src, ok := ids[e.SourceID]
		if !ok {
			return fmt.Errorf("edge %s->%s: %w", e.SourceID, e.TargetID, ErrUnknownEdgeNode)
		}
		tgt, ok := ids[e.TargetID]
		if !ok {
			return fmt.Errorf("edge %s->%s: %w", e.SourceID, e.TargetID, ErrUnknownEdgeNode)
		}
		if tgt.Type == NodeTypeStart {
			return fmt.Errorf("edge %s->%s: %w", e.SourceID, e.TargetID, ErrStartHasInboundEdge)
		}
		if src.IsInteractive() {
			if e.OptionID == "" {
				return fmt.Errorf("edge %s->%s: %w", e.SourceID, e.TargetID, ErrOptionEdgeMissing)
			}
			if !hasOption(src.ReplyOptions(), e.OptionID) {
				return fmt.Errorf("edge %s->%s: %w: %q", e.SourceID, e.TargetID, ErrUnknownEdgeOption, e.OptionID)
			}
		}
	}

	return nil
}

// validatePayload checks the payload variant matching the node type. The
// switch is exhaustive over the enumerated types: an unrecognized type is an
// error, never a silent no-op.
func (n *Node) validatePayload() error {
	switch n.Type {
	case NodeTypeStart:
		return nil
	case NodeTypeText:
		if n.Text == nil || n.Text.Body == "" {
			return ErrMissingNodePayload
		}
		if len(n.Text.Body) > MaxMessageBodyLength {
			return ErrBodyTooLong
		}
		return nil
	case NodeTypeImage, NodeTypeAudio, NodeTypeVideo, NodeTypeDocument:
		if n.Media == nil || n.Media.MediaID == "" {
			return ErrMissingNodePayload
		}
		// WhatsApp interactive headers carry image, video, and document media
		// but not audio.
		if n.Type == NodeTypeAudio && len(n.Options) > 0 {
			return ErrAudioNodeOptions
		}
		return n.validateOptions(n.Options)
	case NodeTypeButton:
		if n.Button == nil || n.Button.Body == "" {
			return ErrMissingNodePayload
		}
		if len(n.Button.Body) > MaxMessageBodyLength {
			return ErrBodyTooLong
		}
		return n.validateOptions(n.Options)
	case NodeTypeList:
		if n.List == nil || n.List.Body == "" || len(n.List.Sections) == 0 {
			return ErrMissingNodePayload
		}
		if len(n.List.Sections) > MaxListSections {
			return ErrTooManySections
		}
		for _, sec := range n.List.Sections {
			if len(sec.Rows) > MaxListSectionRows {
				return ErrTooManySectionRows
			}
			for _, row := range sec.Rows {
				if row.ID == "" {
					return ErrEmptyOptionID
				}
			}
		}
		return nil
	case NodeTypeWhatsappFlow:
		if n.FlowLaunch == nil || n.FlowLaunch.FlowRefID == "" {
			return ErrMissingNodePayload
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownNodeType, n.Type)
	}
}

func (n *Node) validateOptions(opts []ReplyOption) error {
	if len(opts) > MaxReplyButtons {
		return ErrTooManyButtons
	}
	for _, opt := range opts {
		if opt.ID == "" {
			return ErrEmptyOptionID
		}
	}
	return nil
}

func hasOption(opts []ReplyOption, id string) bool {
	for _, opt := range opts {
		if opt.ID == id {
			return true
		}
	}
	return false
}
