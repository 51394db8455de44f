// Package broker implements the development signed-URL broker: a small HTTP
// server that holds the service API key and mints signed websocket URLs for
// clients, so the key never ships to the browser or device.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// SignedURLPath is the route clients fetch. It matches what
	// signedurl.Client requests.
	SignedURLPath = "/api/get-signed-url"

	defaultAddr             = ":8787"
	defaultUpstreamBase     = "https://api.elevenlabs.io"
	upstreamSignedURLPath   = "/v1/convai/conversation/get_signed_url"
	defaultUpstreamTimeout  = 10 * time.Second
	maxUpstreamBodyBytes    = 1 << 16
	defaultReadHeaderBudget = 5 * time.Second
)

// Config holds broker settings, loaded from PARLO_BROKER_* variables plus
// the upstream credentials.
type Config struct {
	Addr              string
	UpstreamBaseURL   string
	APIKey            string
	AgentID           string
	UpstreamTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

// LoadFromEnv reads broker configuration from the environment. The API key
// and agent ID are required; everything else has defaults.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:              envOr("PARLO_BROKER_ADDR", defaultAddr),
		UpstreamBaseURL:   envOr("PARLO_UPSTREAM_BASE_URL", defaultUpstreamBase),
		APIKey:            strings.TrimSpace(os.Getenv("PARLO_API_KEY")),
		AgentID:           strings.TrimSpace(os.Getenv("PARLO_AGENT_ID")),
		UpstreamTimeout:   defaultUpstreamTimeout,
		ReadHeaderTimeout: defaultReadHeaderBudget,
	}
	if cfg.APIKey == "" {
		return Config{}, errors.New("PARLO_API_KEY is required")
	}
	if cfg.AgentID == "" {
		return Config{}, errors.New("PARLO_AGENT_ID is required")
	}
	if _, err := url.Parse(cfg.UpstreamBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid PARLO_UPSTREAM_BASE_URL: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Server proxies signed-URL requests to the conversation service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	client *http.Client
}

// New builds a Server. Logger and tracer may be nil; a nil tracer disables
// per-request spans.
func New(cfg Config, logger *slog.Logger, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		client: &http.Client{Timeout: cfg.UpstreamTimeout},
	}
}

// Handler returns the broker's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(SignedURLPath, s.handleSignedURL)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// upstreamResponse is the service's signed URL payload.
type upstreamResponse struct {
	SignedURL string `json:"signed_url"`
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	// Dev broker: the web client runs on a different origin locally.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.get_signed_url")
		defer span.End()
	}

	upstream := strings.TrimSuffix(s.cfg.UpstreamBaseURL, "/") + upstreamSignedURLPath +
		"?agent_id=" + url.QueryEscape(s.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		s.logger.Error("build upstream request", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("upstream request failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unavailable")
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("upstream.status", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		s.logger.Error("read upstream response", "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream read failed")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn("upstream rejected signed URL request",
			"status", resp.StatusCode, "body", string(body))
		status := http.StatusBadGateway
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			status = resp.StatusCode
		}
		writeJSONError(w, status, "signed URL request rejected")
		return
	}

	var ur upstreamResponse
	if err := json.Unmarshal(body, &ur); err != nil || ur.SignedURL == "" {
		s.logger.Error("malformed upstream response", "error", err)
		writeJSONError(w, http.StatusBadGateway, "malformed upstream response")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]string{"signedUrl": ur.SignedURL})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
