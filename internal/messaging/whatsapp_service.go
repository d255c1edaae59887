package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/whatsapp"
)

// WhatsAppTransport implements Transport over the whatsmeow device registry.
type WhatsAppTransport struct {
	registry  *whatsapp.Registry
	callbacks chan models.StatusCallback
	inbound   chan models.InboundMessage
	done      chan struct{}
}

// NewWhatsAppTransport creates a transport over the given device registry.
func NewWhatsAppTransport(registry *whatsapp.Registry) *WhatsAppTransport {
	return &WhatsAppTransport{
		registry:  registry,
		callbacks: make(chan models.StatusCallback, DefaultChannelBufferSize),
		inbound:   make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient strips the recipient down to bare digits.
func (t *WhatsAppTransport) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Send delivers the payload through the device's client.
func (t *WhatsAppTransport) Send(ctx context.Context, deviceID, to string, payload models.OutboundPayload) (string, error) {
	client, ok := t.registry.Get(deviceID)
	if !ok {
		return "", fmt.Errorf("no WhatsApp device registered for id %q", deviceID)
	}
	canonical, err := t.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	return client.SendPayload(ctx, canonical, payload)
}

// Start registers event handlers on every device client.
func (t *WhatsAppTransport) Start(ctx context.Context) error {
	for deviceID, client := range t.registry.Clients() {
		deviceID := deviceID
		client.GetClient().AddEventHandler(func(evt interface{}) {
			switch v := evt.(type) {
			case *events.Message:
				t.handleIncomingMessage(deviceID, v)
			case *events.Receipt:
				t.handleMessageReceipt(v)
			default:
				// Ignore other event types
			}
		})
	}
	slog.Debug("WhatsAppTransport event handlers registered", "devices", len(t.registry.Clients()))
	return nil
}

// Stop disconnects every device and closes the event channels.
func (t *WhatsAppTransport) Stop() error {
	close(t.done)
	t.registry.Disconnect()
	close(t.callbacks)
	close(t.inbound)
	slog.Info("WhatsAppTransport stopped and channels closed")
	return nil
}

// Callbacks returns the channel of status callback events.
func (t *WhatsAppTransport) Callbacks() <-chan models.StatusCallback {
	return t.callbacks
}

// Inbound returns the channel of incoming recipient messages.
func (t *WhatsAppTransport) Inbound() <-chan models.InboundMessage {
	return t.inbound
}

// handleIncomingMessage converts a whatsmeow message event into an
// InboundMessage. Interactive button and list replies carry the selected
// option id; plain text carries only the body.
func (t *WhatsAppTransport) handleIncomingMessage(deviceID string, evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var body, optionID string
	switch {
	case evt.Message.ButtonsResponseMessage != nil:
		optionID = evt.Message.ButtonsResponseMessage.GetSelectedButtonID()
		body = evt.Message.ButtonsResponseMessage.GetSelectedDisplayText()
	case evt.Message.ListResponseMessage != nil:
		if reply := evt.Message.ListResponseMessage.GetSingleSelectReply(); reply != nil {
			optionID = reply.GetSelectedRowID()
		}
		body = evt.Message.ListResponseMessage.GetTitle()
	case evt.Message.Conversation != nil:
		body = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		body = evt.Message.ExtendedTextMessage.GetText()
	default:
		// Skip media and other non-text messages
		slog.Debug("WhatsAppTransport ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.InboundMessage{
		DeviceID:      deviceID,
		From:          strings.TrimPrefix(evt.Info.Sender.User, "+"),
		Body:          body,
		ReplyOptionID: optionID,
		Time:          evt.Info.Timestamp.Unix(),
	}

	select {
	case t.inbound <- msg:
		slog.Debug("WhatsAppTransport inbound message forwarded", "from", msg.From, "optionID", optionID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppTransport inbound channel blocked, dropping message", "from", msg.From)
	}
}

// handleMessageReceipt converts delivery and read receipts into status
// callbacks, one per message id.
func (t *WhatsAppTransport) handleMessageReceipt(evt *events.Receipt) {
	var status models.DeliveryStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.DeliveryStatusDelivered
	case events.ReceiptTypeRead:
		status = models.DeliveryStatusRead
	default:
		return
	}

	for _, id := range evt.MessageIDs {
		cb := models.StatusCallback{
			MessageID: string(id),
			Status:    status,
			Time:      evt.Timestamp.Unix(),
		}
		select {
		case t.callbacks <- cb:
		case <-time.After(DefaultChannelTimeout):
			slog.Warn("WhatsAppTransport callbacks channel blocked, dropping receipt", "messageID", cb.MessageID)
		}
	}
}
