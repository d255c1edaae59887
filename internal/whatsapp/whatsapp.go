// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in
// FlowSend.
//
// It manages one client per linked device and provides payload-level send
// methods used by the dispatcher's transport.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/flowsend/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender is the per-device send interface (for production and testing).
type Sender interface {
	SendPayload(ctx context.Context, to string, payload models.OutboundPayload) (string, error)
}

// Opts holds configuration options for the WhatsApp device registry.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	MediaDir    string // directory holding uploaded media assets, keyed by media id
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp device registry.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithMediaDir sets the directory media assets are read from.
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// WithQRCodeOutput instructs the registry to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode instructs the registry to print a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps one whatsmeow device client.
type Client struct {
	waClient *whatsmeow.Client
	deviceID string
	mediaDir string
}

// Registry holds the connected clients of every linked device, keyed by the
// device's phone number (the JID user part).
type Registry struct {
	container *sqlstore.Container
	clients   map[string]*Client
}

// NewRegistry opens the whatsmeow store, connects every linked device, and
// runs the pairing flow when no device is linked yet.
func NewRegistry(opts ...Option) (*Registry, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	// Auto-detect database driver based on DSN
	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys on SQLite
		if !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices from WhatsApp store: %w", err)
	}

	r := &Registry{container: container, clients: make(map[string]*Client)}
	clientLog := waLog.Stdout("Client", "INFO", true)

	if len(devices) == 0 {
		slog.Info("No linked WhatsApp device; starting pairing flow")
		deviceStore := container.NewDevice()
		waClient := whatsmeow.NewClient(deviceStore, clientLog)
		if err := pairDevice(waClient, cfg); err != nil {
			return nil, err
		}
		r.register(waClient, cfg.MediaDir)
		return r, nil
	}

	for _, deviceStore := range devices {
		waClient := whatsmeow.NewClient(deviceStore, clientLog)
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect device %s: %w", deviceStore.ID, err)
		}
		r.register(waClient, cfg.MediaDir)
	}
	slog.Info("WhatsApp registry connected", "devices", len(r.clients))
	return r, nil
}

// pairDevice runs the QR (or numeric code) login flow for a fresh device.
func pairDevice(waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, ferr := os.Create(cfg.QRPath)
		if ferr != nil {
			return fmt.Errorf("failed to create QR file: %w", ferr)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		} else {
			slog.Debug("WhatsApp login event", "event", evt.Event)
		}
	}
	return nil
}

func (r *Registry) register(waClient *whatsmeow.Client, mediaDir string) {
	deviceID := ""
	if waClient.Store.ID != nil {
		deviceID = waClient.Store.ID.User
	}
	r.clients[deviceID] = &Client{waClient: waClient, deviceID: deviceID, mediaDir: mediaDir}
	slog.Debug("WhatsApp device registered", "deviceID", deviceID)
}

// Get returns the client for the given device id. An empty device id selects
// the only device of a single-device deployment.
func (r *Registry) Get(deviceID string) (*Client, bool) {
	if deviceID == "" && len(r.clients) == 1 {
		for _, c := range r.clients {
			return c, true
		}
	}
	c, ok := r.clients[deviceID]
	return c, ok
}

// Clients returns every registered device client.
func (r *Registry) Clients() map[string]*Client {
	return r.clients
}

// Disconnect closes every device connection.
func (r *Registry) Disconnect() {
	for id, c := range r.clients {
		c.waClient.Disconnect()
		slog.Debug("WhatsApp device disconnected", "deviceID", id)
	}
}

// DeviceID returns the phone number of the linked device.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// SendPayload sends one outbound payload to the recipient and returns the
// transport message id.
func (c *Client) SendPayload(ctx context.Context, to string, payload models.OutboundPayload) (string, error) {
	if c.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	msg, err := c.buildMessage(ctx, payload)
	if err != nil {
		return "", err
	}

	jid := types.NewJID(to, JIDSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "kind", payload.Kind, "messageID", resp.ID)
	return string(resp.ID), nil
}

// buildMessage maps the transport-neutral payload onto the wire protobuf. The
// switch is exhaustive over payload kinds.
func (c *Client) buildMessage(ctx context.Context, payload models.OutboundPayload) (*waE2E.Message, error) {
	switch payload.Kind {
	case models.PayloadKindText:
		if payload.Body == "" {
			return nil, fmt.Errorf("message body cannot be empty")
		}
		return &waE2E.Message{Conversation: proto.String(payload.Body)}, nil

	case models.PayloadKindMedia:
		return c.buildMediaMessage(ctx, payload)

	case models.PayloadKindButtons:
		return &waE2E.Message{ButtonsMessage: &waE2E.ButtonsMessage{
			ContentText: proto.String(payload.Body),
			HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
			Buttons:     replyButtons(payload.Buttons),
		}}, nil

	case models.PayloadKindList:
		sections := make([]*waE2E.ListMessage_Section, 0, len(payload.Sections))
		for _, sec := range payload.Sections {
			rows := make([]*waE2E.ListMessage_Row, 0, len(sec.Rows))
			for _, row := range sec.Rows {
				rows = append(rows, &waE2E.ListMessage_Row{
					RowID: proto.String(row.ID),
					Title: proto.String(row.Title),
				})
			}
			sections = append(sections, &waE2E.ListMessage_Section{
				Title: proto.String(sec.Title),
				Rows:  rows,
			})
		}
		return &waE2E.Message{ListMessage: &waE2E.ListMessage{
			Title:       proto.String(payload.ListHeader),
			Description: proto.String(payload.Body),
			ButtonText:  proto.String(payload.ListButtonLabel),
			ListType:    waE2E.ListMessage_SINGLE_SELECT.Enum(),
			Sections:    sections,
		}}, nil

	case models.PayloadKindFlowLaunch:
		// Native flow launch is not available on linked-device transports;
		// degrade to the call-to-action text.
		body := payload.FlowCTA
		if body == "" {
			body = payload.Body
		}
		if body == "" {
			return nil, fmt.Errorf("flow launch payload has no call-to-action text")
		}
		slog.Debug("degrading flow launch to text", "flowRefID", payload.FlowRefID)
		return &waE2E.Message{Conversation: proto.String(body)}, nil

	default:
		return nil, fmt.Errorf("unsupported payload kind %q", payload.Kind)
	}
}

// replyButtons maps reply options onto wire button rows.
func replyButtons(opts []models.ReplyOption) []*waE2E.ButtonsMessage_Button {
	buttons := make([]*waE2E.ButtonsMessage_Button, 0, len(opts))
	for _, opt := range opts {
		buttons = append(buttons, &waE2E.ButtonsMessage_Button{
			ButtonID:   proto.String(opt.ID),
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(opt.Title)},
			Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}
	return buttons
}

// buildMediaMessage reads the referenced asset, uploads it, and wraps the
// upload in the protobuf variant matching the media type. When the payload
// carries reply buttons the media message becomes the header of a buttons
// message.
func (c *Client) buildMediaMessage(ctx context.Context, payload models.OutboundPayload) (*waE2E.Message, error) {
	if c.mediaDir == "" {
		return nil, fmt.Errorf("no media directory configured")
	}
	path := filepath.Join(c.mediaDir, filepath.Base(payload.MediaID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read media asset %s: %w", payload.MediaID, err)
	}
	mimetype := mime.TypeByExtension(filepath.Ext(path))
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}

	var msg *waE2E.Message
	switch payload.MediaType {
	case models.NodeTypeImage:
		up, err := c.waClient.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("failed to upload image: %w", err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(payload.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.NodeTypeAudio:
		up, err := c.waClient.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, fmt.Errorf("failed to upload audio: %w", err)
		}
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.NodeTypeVideo:
		up, err := c.waClient.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, fmt.Errorf("failed to upload video: %w", err)
		}
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(payload.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.NodeTypeDocument:
		up, err := c.waClient.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("failed to upload document: %w", err)
		}
		filename := payload.Filename
		if filename == "" {
			filename = filepath.Base(path)
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(payload.Caption),
			FileName:      proto.String(filename),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return nil, fmt.Errorf("unsupported media type %q", payload.MediaType)
	}

	if len(payload.Buttons) == 0 {
		return msg, nil
	}
	bm := &waE2E.ButtonsMessage{
		ContentText: proto.String(payload.Caption),
		Buttons:     replyButtons(payload.Buttons),
	}
	switch {
	case msg.ImageMessage != nil:
		bm.HeaderType = waE2E.ButtonsMessage_IMAGE.Enum()
		bm.Header = &waE2E.ButtonsMessage_ImageMessage{ImageMessage: msg.ImageMessage}
	case msg.VideoMessage != nil:
		bm.HeaderType = waE2E.ButtonsMessage_VIDEO.Enum()
		bm.Header = &waE2E.ButtonsMessage_VideoMessage{VideoMessage: msg.VideoMessage}
	case msg.DocumentMessage != nil:
		bm.HeaderType = waE2E.ButtonsMessage_DOCUMENT.Enum()
		bm.Header = &waE2E.ButtonsMessage_DocumentMessage{DocumentMessage: msg.DocumentMessage}
	default:
		return nil, fmt.Errorf("media type %q cannot carry reply buttons", payload.MediaType)
	}
	return &waE2E.Message{ButtonsMessage: bm}, nil
}

// MockSender implements Sender for tests without a real WhatsApp connection.
type MockSender struct {
	Sent   []MockSend
	FailAt map[string]string // recipient -> error message
	nextID int
}

// MockSend records one SendPayload call.
type MockSend struct {
	To      string
	Payload models.OutboundPayload
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendPayload(ctx context.Context, to string, payload models.OutboundPayload) (string, error) {
	if reason, ok := m.FailAt[to]; ok {
		return "", fmt.Errorf("%s", reason)
	}
	m.Sent = append(m.Sent, MockSend{To: to, Payload: payload})
	m.nextID++
	return fmt.Sprintf("mock-msg-%d", m.nextID), nil
}
