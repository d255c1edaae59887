package flow

import (
	"fmt"

	"github.com/flowsendhq/flowsend/internal/models"
)

// BuildPayload maps a flow node onto the transport-neutral outbound payload.
// The switch is exhaustive over node types; start nodes carry no payload and
// are rejected.
func BuildPayload(n *models.Node) (models.OutboundPayload, error) {
	switch n.Type {
	case models.NodeTypeText:
		return models.OutboundPayload{
			Kind: models.PayloadKindText,
			Body: n.Text.Body,
		}, nil

	case models.NodeTypeImage, models.NodeTypeAudio, models.NodeTypeVideo, models.NodeTypeDocument:
		return models.OutboundPayload{
			Kind:      models.PayloadKindMedia,
			MediaType: n.Type,
			MediaID:   n.Media.MediaID,
			Caption:   n.Media.Caption,
			Filename:  n.Media.Filename,
			Buttons:   n.Options,
		}, nil

	case models.NodeTypeButton:
		return models.OutboundPayload{
			Kind:    models.PayloadKindButtons,
			Body:    n.Button.Body,
			Buttons: n.Options,
		}, nil

	case models.NodeTypeList:
		return models.OutboundPayload{
			Kind:            models.PayloadKindList,
			Body:            n.List.Body,
			ListHeader:      n.List.Header,
			ListButtonLabel: n.List.ButtonLabel,
			Sections:        n.List.Sections,
		}, nil

	case models.NodeTypeWhatsappFlow:
		return models.OutboundPayload{
			Kind:      models.PayloadKindFlowLaunch,
			FlowRefID: n.FlowLaunch.FlowRefID,
			FlowCTA:   n.FlowLaunch.CTA,
		}, nil

	default:
		return models.OutboundPayload{}, fmt.Errorf("node %s has no sendable payload (type %q)", n.ID, n.Type)
	}
}
