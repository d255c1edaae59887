package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/twiliowhatsapp"
)

// DefaultTwilioDeviceID is the device identity stamped on inbound Twilio
// messages when none is configured.
const DefaultTwilioDeviceID = "twilio"

// TwilioTransport implements Transport using the Twilio API. Twilio's Go SDK
// cannot send native WhatsApp buttons or lists, so interactive payloads
// degrade to numbered text menus; an inbound reply consisting of a menu
// number is mapped back to the reply option id.
type TwilioTransport struct {
	client    twiliowhatsapp.Sender
	mediaBase string // public base URL media ids are served under
	deviceID  string
	callbacks chan models.StatusCallback
	inbound   chan models.InboundMessage
	done      chan struct{}

	mu      sync.RWMutex
	stopped bool
	menus   map[string][]models.ReplyOption // recipient -> last presented menu
}

// TwilioOpts holds configuration options for the Twilio transport.
type TwilioOpts struct {
	DeviceID string
}

// TwilioOption defines a configuration option for the Twilio transport.
type TwilioOption func(*TwilioOpts)

// WithTwilioDeviceID sets the device identity stamped on inbound webhook
// messages. The flow executor resolves it to the owning tenant, so it must
// name the tenant the Twilio number belongs to.
func WithTwilioDeviceID(id string) TwilioOption {
	return func(o *TwilioOpts) { o.DeviceID = id }
}

// NewTwilioTransport creates a transport over the given Twilio client.
// mediaBase is the public URL prefix under which media assets are reachable;
// it may be empty when no media nodes are used.
func NewTwilioTransport(client twiliowhatsapp.Sender, mediaBase string, opts ...TwilioOption) *TwilioTransport {
	cfg := TwilioOpts{DeviceID: DefaultTwilioDeviceID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TwilioTransport{
		client:    client,
		mediaBase: strings.TrimSuffix(mediaBase, "/"),
		deviceID:  cfg.DeviceID,
		callbacks: make(chan models.StatusCallback, DefaultChannelBufferSize),
		inbound:   make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
		menus:     make(map[string][]models.ReplyOption),
	}
}

// ValidateAndCanonicalizeRecipient strips the recipient down to bare digits.
func (t *TwilioTransport) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; Twilio events arrive through the webhook handlers.
func (t *TwilioTransport) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the transport.
func (t *TwilioTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	close(t.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(t.callbacks)
		close(t.inbound)
	}()
	return nil
}

// Send delivers the payload, degrading interactive shapes to text menus.
// The deviceID is ignored: a Twilio account sends from one number.
func (t *TwilioTransport) Send(ctx context.Context, deviceID, to string, payload models.OutboundPayload) (string, error) {
	t.mu.RLock()
	if t.stopped {
		t.mu.RUnlock()
		return "", ErrServiceStopped
	}
	t.mu.RUnlock()

	canonical, err := t.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}

	switch payload.Kind {
	case models.PayloadKindText:
		return t.client.SendText(ctx, canonical, payload.Body)

	case models.PayloadKindMedia:
		if t.mediaBase == "" {
			return "", fmt.Errorf("no media base URL configured for Twilio transport")
		}
		body := payload.Caption
		if len(payload.Buttons) > 0 {
			body = menuBody(body, payload.Buttons)
		}
		sid, err := t.client.SendMedia(ctx, canonical, body, t.mediaBase+"/"+payload.MediaID)
		if err != nil {
			return "", err
		}
		if len(payload.Buttons) > 0 {
			t.rememberMenu(canonical, payload.Buttons)
		}
		return sid, nil

	case models.PayloadKindButtons:
		return t.sendMenu(ctx, canonical, payload.Body, payload.Buttons)

	case models.PayloadKindList:
		var opts []models.ReplyOption
		for _, sec := range payload.Sections {
			opts = append(opts, sec.Rows...)
		}
		body := payload.Body
		if payload.ListHeader != "" {
			body = payload.ListHeader + "\n" + body
		}
		return t.sendMenu(ctx, canonical, body, opts)

	case models.PayloadKindFlowLaunch:
		body := payload.FlowCTA
		if body == "" {
			body = payload.Body
		}
		if body == "" {
			return "", fmt.Errorf("flow launch payload has no call-to-action text")
		}
		return t.client.SendText(ctx, canonical, body)

	default:
		return "", fmt.Errorf("unsupported payload kind %q", payload.Kind)
	}
}

// sendMenu renders reply options as a numbered menu and remembers the mapping
// so a numeric reply can be translated back to an option id.
func (t *TwilioTransport) sendMenu(ctx context.Context, to, body string, opts []models.ReplyOption) (string, error) {
	sid, err := t.client.SendText(ctx, to, menuBody(body, opts))
	if err != nil {
		return "", err
	}
	t.rememberMenu(to, opts)
	return sid, nil
}

func menuBody(body string, opts []models.ReplyOption) string {
	var b strings.Builder
	b.WriteString(body)
	for i, opt := range opts {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Title)
	}
	return b.String()
}

func (t *TwilioTransport) rememberMenu(to string, opts []models.ReplyOption) {
	t.mu.Lock()
	t.menus[to] = opts
	t.mu.Unlock()
}

// Callbacks returns the channel of status callback events.
func (t *TwilioTransport) Callbacks() <-chan models.StatusCallback {
	return t.callbacks
}

// Inbound returns the channel of incoming recipient messages.
func (t *TwilioTransport) Inbound() <-chan models.InboundMessage {
	return t.inbound
}

// InboundWebhookHandler handles Twilio's inbound message webhook. Numeric
// replies to a previously presented menu are mapped to the option id.
func (t *TwilioTransport) InboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonical, err := t.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		DeviceID: t.deviceID,
		From:     canonical,
		Body:     body,
		Time:     time.Now().Unix(),
	}
	if optID, ok := t.resolveMenuReply(canonical, body); ok {
		msg.ReplyOptionID = optID
	}

	t.safeEmitInbound(msg)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// StatusWebhookHandler handles Twilio's message status callback webhook.
func (t *TwilioTransport) StatusWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio status callback form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	sid := r.FormValue("MessageSid")
	twStatus := r.FormValue("MessageStatus")
	if sid == "" || twStatus == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	var status models.DeliveryStatus
	switch twStatus {
	case "sent":
		status = models.DeliveryStatusSent
	case "delivered":
		status = models.DeliveryStatusDelivered
	case "read":
		status = models.DeliveryStatusRead
	case "failed", "undelivered":
		status = models.DeliveryStatusFailed
	default:
		// queued, sending and other intermediate states carry no new information
		w.WriteHeader(http.StatusOK)
		return
	}

	cb := models.StatusCallback{
		MessageID: sid,
		Status:    status,
		Time:      time.Now().Unix(),
		Reason:    r.FormValue("ErrorCode"),
	}

	t.mu.RLock()
	stopped := t.stopped
	t.mu.RUnlock()
	if stopped {
		w.WriteHeader(http.StatusOK)
		return
	}

	select {
	case t.callbacks <- cb:
		slog.Debug("TwilioTransport status callback forwarded", "sid", sid, "status", status)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioTransport callbacks channel blocked, dropping status", "sid", sid)
	}
	w.WriteHeader(http.StatusOK)
}

// resolveMenuReply maps a bare menu number to the option id of the last menu
// presented to the recipient. The menu entry is consumed on a successful match.
func (t *TwilioTransport) resolveMenuReply(from, body string) (string, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	opts, ok := t.menus[from]
	if !ok || n < 1 || n > len(opts) {
		return "", false
	}
	delete(t.menus, from)
	return opts[n-1].ID, true
}

func (t *TwilioTransport) safeEmitInbound(msg models.InboundMessage) {
	t.mu.RLock()
	stopped := t.stopped
	t.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioTransport dropping inbound message (transport stopped)", "from", msg.From)
		return
	}

	select {
	case t.inbound <- msg:
		slog.Debug("TwilioTransport emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioTransport inbound channel blocked, dropping message", "from", msg.From)
	}
}
