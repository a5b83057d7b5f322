// Package api provides the HTTP surface of CareBridge.
//
// It exposes the webhook endpoints that channel vendors call with inbound
// messages, a health check, and a media endpoint that serves stashed audio
// for channels that require a public URL. Webhook handlers only validate
// and enqueue; all processing happens in the dispatcher's queue poller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CareBridge/CareBridge/internal/channel"
	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/dispatch"
	"github.com/CareBridge/CareBridge/internal/store"
)

// maxWebhookBody caps the accepted webhook payload size.
const maxWebhookBody = 1 << 20

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the HTTP server plus the queue poller it supervises.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	adapters   map[string]channel.Adapter
	cfg        *config.Config
	httpSrv    *http.Server
}

// NewServer creates the API server. The WhatsApp adapter's event bridge is
// wired here so its inbound messages land in the same queue as webhooks.
func NewServer(st store.Store, d *dispatch.Dispatcher, adapters map[string]channel.Adapter, cfg *config.Config, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = ":8080"
	}

	s := &Server{
		store:      st,
		dispatcher: d,
		adapters:   adapters,
		cfg:        cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{channel}", s.webhookHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /media/{channel}/{id}", s.mediaHandler)
	s.httpSrv = &http.Server{
		Addr:              o.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	for name, adapter := range adapters {
		wa, ok := adapter.(*channel.WhatsAppAdapter)
		if !ok {
			continue
		}
		ch := name
		wa.OnInbound(func(raw []byte) {
			if _, err := st.EnqueueInbound(ch, raw, cfg.QueueTTL); err != nil {
				slog.Error("Server failed to enqueue WhatsApp event", "error", err)
			}
		})
	}
	return s
}

// Run starts the queue poller and serves HTTP until the context is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.dispatcher.Poll(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("CareBridge API running", "addr", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// webhookHandler validates an inbound vendor payload and enqueues it. The
// response is committed once the entry is durably queued; processing
// happens asynchronously.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	channelName := r.PathValue("channel")
	adapter, ok := s.adapters[channelName]
	if !ok {
		slog.Warn("Server.webhookHandler: unknown channel", "channel", channelName)
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Unknown channel"))
		return
	}

	payload, err := readPayload(r)
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read payload", "channel", channelName, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid payload"))
		return
	}
	valid, kind := adapter.Validate(payload)
	if !valid {
		slog.Warn("Server.webhookHandler: payload failed validation", "channel", channelName)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Unrecognized payload"))
		return
	}

	id, err := s.store.EnqueueInbound(channelName, payload, s.cfg.QueueTTL)
	if err != nil {
		slog.Error("Server.webhookHandler: enqueue failed", "channel", channelName, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to accept message"))
		return
	}
	slog.Debug("Server.webhookHandler: payload enqueued", "channel", channelName, "entryID", id, "kind", kind)
	writeJSONResponse(w, http.StatusOK, successResponse("Accepted"))
}

// readPayload returns the webhook body as JSON. Form-encoded webhooks
// (Twilio) are re-encoded as a JSON object of their first values so the
// queue carries one payload format.
func readPayload(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		r.Body = http.MaxBytesReader(nil, r.Body, maxWebhookBody)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("failed to parse form: %w", err)
		}
		fields := make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
		return json.Marshal(fields)
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return payload, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, successResponse("ok"))
}

// mediaHandler serves adapter-stashed media. Channels whose vendors require
// a public media URL for outbound audio point them here.
func (s *Server) mediaHandler(w http.ResponseWriter, r *http.Request) {
	channelName := r.PathValue("channel")
	adapter, ok := s.adapters[channelName]
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Unknown channel"))
		return
	}
	data, err := adapter.DownloadMedia(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Warn("Server.mediaHandler: media not found", "channel", channelName, "id", r.PathValue("id"), "error", err)
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Media not found"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.mediaHandler: failed to write media", "error", err)
	}
}
