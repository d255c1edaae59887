// Package api exposes the FlowSend HTTP surface.
//
// It serves flow and campaign management endpoints, recipient upserts, the
// generic inbound webhook feeding the flow executor, and the Twilio webhook
// pair when that transport is configured.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowsendhq/flowsend/internal/campaign"
	"github.com/flowsendhq/flowsend/internal/flow"
	"github.com/flowsendhq/flowsend/internal/messaging"
	"github.com/flowsendhq/flowsend/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string
	Twilio *messaging.TwilioTransport
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the default listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhooks mounts the Twilio inbound and status webhook handlers.
func WithTwilioWebhooks(t *messaging.TwilioTransport) Option {
	return func(o *Opts) { o.Twilio = t }
}

// Server is the FlowSend API server.
type Server struct {
	store     store.Store
	campaigns *campaign.Service
	executor  *flow.Executor
	httpSrv   *http.Server
}

// NewServer creates an API server and builds its route table.
func NewServer(st store.Store, cs *campaign.Service, ex *flow.Executor, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{store: st, campaigns: cs, executor: ex}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(cfg.Twilio),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes(twilio *messaging.TwilioTransport) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/flows", func(r chi.Router) {
		r.Post("/", s.saveFlowHandler)
		r.Get("/", s.listFlowsHandler)
		r.Get("/{id}", s.getFlowHandler)
		r.Post("/{id}/activate", s.activateFlowHandler)
		r.Post("/{id}/deactivate", s.deactivateFlowHandler)
	})

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.createCampaignHandler)
		r.Get("/", s.listCampaignsHandler)
		r.Get("/{id}", s.getCampaignHandler)
		r.Delete("/{id}", s.deleteCampaignHandler)
		r.Post("/{id}/pause", s.pauseCampaignHandler)
		r.Post("/{id}/resume", s.resumeCampaignHandler)
		r.Post("/{id}/resend-failed", s.resendFailedHandler)
		r.Get("/{id}/stats", s.campaignStatsHandler)
		r.Get("/{id}/deliveries", s.campaignDeliveriesHandler)
	})

	r.Route("/recipients", func(r chi.Router) {
		r.Put("/", s.upsertRecipientHandler)
		r.Get("/{id}", s.getRecipientHandler)
	})

	r.Post("/inbound", s.inboundHandler)

	if twilio != nil {
		r.Post("/webhooks/twilio/inbound", twilio.InboundWebhookHandler)
		r.Post("/webhooks/twilio/status", twilio.StatusWebhookHandler)
	}

	return r
}

// Handler returns the route table, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts the HTTP server and blocks until it shuts down.
func (s *Server) Run() error {
	slog.Info("API server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
