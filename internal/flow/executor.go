// Package flow executes trigger-matched flow graphs against recipients.
//
// Execution walks the graph forward from the start node, scheduling every
// reachable node at its own delay relative to the moment the run began.
// Interactive nodes pause the walk: their option edges are recorded as a
// reply session and resumed when the recipient taps a button or list row.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/flowsendhq/flowsend/internal/dispatch"
	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/store"
	"github.com/flowsendhq/flowsend/internal/tracker"
	"github.com/flowsendhq/flowsend/internal/trigger"
)

// Dispatcher queues outbound send operations.
type Dispatcher interface {
	Enqueue(op dispatch.SendOperation) error
}

// Opts holds configuration options for the executor.
type Opts struct {
	TenantResolver func(deviceID string) string
	MediaDir       string
}

// Option defines a configuration option for the executor.
type Option func(*Opts)

// WithTenantResolver sets the device-to-tenant mapping. The default treats
// the device id as the tenant id (single-tenant-per-device deployments).
func WithTenantResolver(fn func(deviceID string) string) Option {
	return func(o *Opts) { o.TenantResolver = fn }
}

// WithMediaDir enables media asset existence checks against the given
// directory before a media node is dispatched.
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// Executor runs flow graphs for inbound messages.
type Executor struct {
	store      store.Store
	tracker    *tracker.Tracker
	timer      Timer
	dispatcher Dispatcher
	tenantOf   func(deviceID string) string
	mediaDir   string
}

// NewExecutor creates a flow executor.
func NewExecutor(st store.Store, tr *tracker.Tracker, timer Timer, d Dispatcher, opts ...Option) *Executor {
	cfg := Opts{
		TenantResolver: func(deviceID string) string { return deviceID },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor{
		store:      st,
		tracker:    tr,
		timer:      timer,
		dispatcher: d,
		tenantOf:   cfg.TenantResolver,
		mediaDir:   cfg.MediaDir,
	}
}

// Listen consumes inbound messages until the context is cancelled or the
// channel closes.
func (e *Executor) Listen(ctx context.Context, inbound <-chan models.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if err := e.HandleInbound(msg); err != nil {
				slog.Error("failed to handle inbound message", "from", msg.From, "error", err)
			}
		}
	}
}

// HandleInbound routes one inbound message: an interactive reply resumes its
// pending session; anything else is matched against the tenant's active
// triggers. A message matching nothing is dropped.
func (e *Executor) HandleInbound(msg models.InboundMessage) error {
	tenantID := e.tenantOf(msg.DeviceID)
	rcpt, err := e.ensureRecipient(tenantID, msg.From)
	if err != nil {
		return err
	}

	if msg.ReplyOptionID != "" {
		resumed, err := e.resumeFromReply(tenantID, rcpt, msg.DeviceID, msg.ReplyOptionID)
		if err != nil {
			return err
		}
		if resumed {
			return nil
		}
		// No pending session knows this option; fall through to triggers so
		// a stale tap still gets the tenant's default flow treatment.
	}

	flows, err := e.store.ListActiveFlows(tenantID)
	if err != nil {
		return fmt.Errorf("failed to list active flows: %w", err)
	}
	f, ok := trigger.Match(flows, msg.Body)
	if !ok {
		slog.Debug("inbound message matched no trigger", "tenantID", tenantID, "from", msg.From)
		return nil
	}

	slog.Info("trigger matched", "flowID", f.ID, "tenantID", tenantID, "recipientID", rcpt.ID)
	return e.Run(f, rcpt, msg.DeviceID)
}

// Run executes the flow for the recipient, scheduling every node reachable
// from the start at its delay relative to now.
func (e *Executor) Run(f *models.FlowDefinition, rcpt models.Recipient, deviceID string) error {
	start, ok := f.StartNode()
	if !ok {
		return models.ErrMissingStartNode
	}
	var targets []string
	for _, edge := range f.OutboundEdges(start.ID) {
		targets = append(targets, edge.TargetID)
	}
	e.scheduleFrom(f, rcpt, deviceID, targets)
	return nil
}

// resumeFromReply continues a paused flow from the edge keyed by the tapped
// option. The session is consumed: a second tap on the same message does
// nothing.
func (e *Executor) resumeFromReply(tenantID string, rcpt models.Recipient, deviceID, optionID string) (bool, error) {
	flows, err := e.store.ListActiveFlows(tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to list active flows: %w", err)
	}

	var (
		session *models.ReplySession
		flow    *models.FlowDefinition
	)
	for i := range flows {
		s, err := e.store.GetSession(flows[i].ID, rcpt.ID)
		if err != nil {
			return false, err
		}
		if s == nil {
			continue
		}
		if _, knows := s.Options[optionID]; !knows {
			continue
		}
		if session == nil || s.CreatedAt.After(session.CreatedAt) {
			session = s
			flow = &flows[i]
		}
	}
	if session == nil {
		return false, nil
	}

	if err := e.store.DeleteSession(session.ID); err != nil {
		return false, fmt.Errorf("failed to consume reply session: %w", err)
	}

	target := session.Options[optionID]
	slog.Info("resuming flow from reply", "flowID", flow.ID, "recipientID", rcpt.ID, "optionID", optionID, "target", target)
	e.scheduleFrom(flow, rcpt, deviceID, []string{target})
	return true, nil
}

// scheduleFrom walks the graph from the given node ids, scheduling each node
// once. The visited set makes cycles harmless; interactive nodes stop the
// walk, leaving their option edges to the reply session.
func (e *Executor) scheduleFrom(f *models.FlowDefinition, rcpt models.Recipient, deviceID string, ids []string) {
	visited := make(map[string]bool)
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		n, ok := f.NodeByID(id)
		if !ok || n.Type == models.NodeTypeStart {
			continue
		}

		node := n
		if _, err := e.timer.ScheduleAfter(node.Delay(), func() {
			e.fire(f, rcpt, deviceID, node)
		}); err != nil {
			slog.Error("failed to schedule node", "flowID", f.ID, "nodeID", node.ID, "error", err)
		}

		if n.IsInteractive() {
			continue
		}
		for _, edge := range f.OutboundEdges(id) {
			queue = append(queue, edge.TargetID)
		}
	}
}

// fire builds and dispatches one node's message. Failures are recorded on the
// node's delivery record and never abort the rest of the run.
func (e *Executor) fire(f *models.FlowDefinition, rcpt models.Recipient, deviceID string, n *models.Node) {
	rec, err := e.tracker.Enqueue(models.DeliveryRecord{
		CampaignID:  f.ID,
		RecipientID: rcpt.ID,
		NodeID:      n.ID,
	})
	if err != nil {
		slog.Error("failed to create delivery record for node", "flowID", f.ID, "nodeID", n.ID, "error", err)
		return
	}

	if n.Type.IsMedia() {
		if err := e.checkMedia(n.Media.MediaID); err != nil {
			slog.Warn("media asset unavailable", "flowID", f.ID, "nodeID", n.ID, "mediaID", n.Media.MediaID, "error", err)
			e.markFailed(rec.ID, err.Error())
			return
		}
	}

	payload, err := BuildPayload(n)
	if err != nil {
		e.markFailed(rec.ID, err.Error())
		return
	}

	if n.IsInteractive() {
		if err := e.registerSession(f, rcpt, n); err != nil {
			e.markFailed(rec.ID, err.Error())
			return
		}
	}

	if err := e.dispatcher.Enqueue(dispatch.SendOperation{
		DeviceID: deviceID,
		To:       rcpt.Phone,
		RecordID: rec.ID,
		Payload:  payload,
	}); err != nil {
		slog.Error("failed to dispatch node send", "flowID", f.ID, "nodeID", n.ID, "error", err)
	}
}

// registerSession stores the mapping from the node's reply options to their
// edge targets so the next interactive reply can resume the flow.
func (e *Executor) registerSession(f *models.FlowDefinition, rcpt models.Recipient, n *models.Node) error {
	options := make(map[string]string)
	for _, edge := range f.OutboundEdges(n.ID) {
		if edge.OptionID != "" {
			options[edge.OptionID] = edge.TargetID
		}
	}

	session := models.ReplySession{
		ID:          uuid.NewString(),
		TenantID:    f.TenantID,
		FlowID:      f.ID,
		RecipientID: rcpt.ID,
		NodeID:      n.ID,
		Options:     options,
		CreatedAt:   time.Now(),
	}
	if err := e.store.SaveSession(session); err != nil {
		return fmt.Errorf("failed to save reply session: %w", err)
	}
	return nil
}

// ensureRecipient returns the recipient for the phone number, creating a
// minimal one the first time an unknown number writes in.
func (e *Executor) ensureRecipient(tenantID, phone string) (models.Recipient, error) {
	rcpt, err := e.store.GetRecipientByPhone(tenantID, phone)
	if err != nil {
		return models.Recipient{}, fmt.Errorf("failed to look up recipient: %w", err)
	}
	if rcpt != nil {
		return *rcpt, nil
	}

	fresh := models.Recipient{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Phone:     phone,
		CreatedAt: time.Now(),
	}
	if err := e.store.UpsertRecipient(fresh); err != nil {
		return models.Recipient{}, fmt.Errorf("failed to create recipient: %w", err)
	}
	slog.Debug("created recipient for unknown number", "tenantID", tenantID, "recipientID", fresh.ID)
	return fresh, nil
}

func (e *Executor) checkMedia(mediaID string) error {
	if e.mediaDir == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(e.mediaDir, filepath.Base(mediaID))); err != nil {
		return fmt.Errorf("media asset %s not found", mediaID)
	}
	return nil
}

func (e *Executor) markFailed(recordID, reason string) {
	if err := e.tracker.MarkFailed(recordID, reason, time.Now()); err != nil {
		slog.Error("failed to mark delivery failed", "recordID", recordID, "error", err)
	}
}
