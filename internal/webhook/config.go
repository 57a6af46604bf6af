package webhook

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/scriptbatch/internal/config"
)

// FromConfig converts the api.webhook section into a Config. It returns
// ok=false when no secret is configured, which leaves the endpoint off.
func FromConfig(wc config.WebhookConfig) (Config, bool, error) {
	if wc.Secret == "" {
		return Config{}, false, nil
	}

	cfg := Config{
		Path:            wc.Path,
		Secret:          wc.Secret,
		SignatureHeader: wc.SignatureHeader,
		MaxBodySize:     DefaultMaxBodySize,
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if wc.MaxBodySize != "" {
		n, err := humanize.ParseBytes(wc.MaxBodySize)
		if err != nil {
			return Config{}, false, fmt.Errorf("api.webhook.max_body_size %q: %w", wc.MaxBodySize, err)
		}
		if n == 0 || n > 1<<30 {
			return Config{}, false, fmt.Errorf("api.webhook.max_body_size %q: must be between 1B and 1GiB", wc.MaxBodySize)
		}
		cfg.MaxBodySize = int64(n)
	}
	return cfg, true, nil
}
