package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Handler verifies and accepts webhook deliveries.
type Handler struct {
	config  Config
	trigger Trigger
	logger  *slog.Logger
}

// NewHandler creates a Handler. Zero-valued limits take the defaults.
func NewHandler(config Config, trigger Trigger, logger *slog.Logger) *Handler {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{config: config, trigger: trigger, logger: logger}
}

// Path is where the handler should be mounted.
func (h *Handler) Path() string {
	if h.config.Path == "" {
		return DefaultPath
	}
	return h.config.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodySize+1))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > h.config.MaxBodySize {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(h.config.SignatureHeader)
	if signature == "" {
		h.logger.Warn("webhook signature missing", "path", r.URL.Path, "header", h.config.SignatureHeader)
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, h.config.Secret); err != nil {
		h.logger.Warn("webhook signature verification failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	runID, err := h.trigger(r.Context(), "webhook:"+r.URL.Path)
	switch {
	case errors.Is(err, ErrBusy):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to start webhook run", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	h.logger.Info("webhook run started", "path", r.URL.Path, "run_id", runID)
	respondJSON(w, http.StatusAccepted, TriggerResponse{RunID: runID})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
