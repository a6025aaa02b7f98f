// Package httpapi is the webhook ingress described in spec §6: an
// HTTP front door that lets an external caller enqueue a prompt onto
// a named session and wait for the turn to finish.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/orchestrator"
	"github.com/nextlevelbuilder/gorp/internal/ratelimit"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

// maxPromptBytes is the 64 KiB body cap spec §6 requires rejecting
// with 400.
const maxPromptBytes = 64 * 1024

// Config shapes the webhook listener.
type Config struct {
	Host            string
	Port            int
	APIKey          string // empty disables the api_key check
	ShutdownTimeout time.Duration
}

// Server is the webhook HTTP listener.
type Server struct {
	cfg     Config
	orch    *orchestrator.Orchestrator
	stores  *store.Stores
	limiter *ratelimit.Limiter

	httpServer *http.Server
}

// New builds a webhook Server. orch's Run loop need not be running:
// DeliverPrompt is called directly, bypassing the bus, so the webhook path works even before any
// gateway adapter is connected.
func New(cfg Config, orch *orchestrator.Orchestrator, stores *store.Stores) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		orch:    orch,
		stores:  stores,
		limiter: ratelimit.New(),
	}
}

type webhookRequest struct {
	Prompt string `json:"prompt"`
	APIKey string `json:"api_key"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Start runs the listener until ctx is cancelled, then shuts down
// gracefully within cfg.ShutdownTimeout (grounded on the teacher
// gateway's Start/Shutdown idiom).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/session/{session_id}", s.handleWebhook)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("httpapi: webhook listener starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: webhook listener: %w", err)
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sessionID := store.NormalizeSessionName(r.PathValue("session_id"))

	if !s.limiter.Allow(sessionID) {
		writeJSON(w, http.StatusTooManyRequests, webhookResponse{Message: "rate limit exceeded"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPromptBytes+4096) // headroom for JSON envelope/api_key
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Message: "request body too large or unreadable"})
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Message: "malformed JSON body"})
		return
	}

	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Message: "prompt must not be empty"})
		return
	}
	if len(req.Prompt) > maxPromptBytes {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Message: "prompt exceeds 64KiB"})
		return
	}

	if s.cfg.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.cfg.APIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, webhookResponse{Message: "invalid api_key"})
			return
		}
	}

	if _, err := s.stores.Sessions.GetSession(r.Context(), sessionID); err != nil {
		writeJSON(w, http.StatusNotFound, webhookResponse{Message: fmt.Sprintf("no such session %q", sessionID)})
		return
	}

	msg := bus.BusMessage{
		ID:        fmt.Sprintf("webhook-%d", time.Now().UnixNano()),
		Source:    bus.APISource(apiKeyHint(req.APIKey)),
		Target:    bus.SessionTargetNamed(sessionID),
		Sender:    "webhook",
		Body:      req.Prompt,
		Timestamp: time.Now().UTC(),
	}

	// The response text itself is never inlined: it is delivered via
	// the outbound bus to whatever adapter is bound to this session
	// (spec §6). DeliverPrompt blocks until the turn completes.
	if err := s.orch.DeliverPrompt(r.Context(), sessionID, msg); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, webhookResponse{Message: fmt.Sprintf("no such session %q", sessionID)})
			return
		}
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Success: true})
}

func apiKeyHint(key string) string {
	if key == "" {
		return "anonymous"
	}
	if len(key) <= 8 {
		return key
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func writeJSON(w http.ResponseWriter, status int, resp webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
