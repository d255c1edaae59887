// Package messaging defines the pluggable transport abstraction used by the
// dispatcher, together with WhatsApp and Twilio implementations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/flowsendhq/flowsend/internal/models"
)

// Constants for transport configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for callback and inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by operations on a stopped transport.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Transport defines a pluggable message delivery abstraction.
// It accepts transport-neutral payloads for a given device and provides
// channels for asynchronous status callbacks and inbound messages.
type Transport interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// phone number. This allows each transport to implement its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one payload from the given device to the recipient and
	// returns the transport message id used to correlate status callbacks.
	Send(ctx context.Context, deviceID, to string, payload models.OutboundPayload) (string, error)

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Callbacks returns a channel of status events (sent, delivered, read, failed).
	Callbacks() <-chan models.StatusCallback

	// Inbound returns a channel of incoming recipient messages.
	Inbound() <-chan models.InboundMessage
}

// CanonicalizePhone strips non-digit characters and validates the result.
// Shared by transports whose recipient identifiers are bare phone numbers.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
