package webhook

import (
	"context"
	"errors"
)

// Defaults applied by FromConfig.
const (
	DefaultPath            = "/webhook"
	DefaultSignatureHeader = "X-Hub-Signature-256"
	DefaultMaxBodySize     = 1 << 20
)

// ErrBusy is returned by a Trigger when a run is already in progress.
var ErrBusy = errors.New("a run is already in progress")

// Trigger starts a run on behalf of source and returns its id without
// waiting for it to finish.
type Trigger func(ctx context.Context, source string) (string, error)

// Config describes the single webhook endpoint.
type Config struct {
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// TriggerResponse is the JSON response for an accepted webhook.
type TriggerResponse struct {
	RunID string `json:"run_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
