// Package bridge connects the orchestrator to an external RAG/LLM command
// service.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

// ErrUnavailable reports that the bridge could not produce an answer and the
// caller should fall back to local routing.
var ErrUnavailable = errors.New("command bridge unavailable")

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// HTTPConfig holds configuration for the HTTP bridge.
type HTTPConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPBridge posts command envelopes as JSON and decodes the JSON payload
// the service answers with.
type HTTPBridge struct {
	config HTTPConfig
}

// NewHTTPBridge creates a bridge targeting cfg.URL.
func NewHTTPBridge(cfg HTTPConfig) *HTTPBridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPBridge{config: cfg}
}

// Name identifies the bridge in logs and breaker state.
func (b *HTTPBridge) Name() string { return "http:" + b.config.URL }

// HandleCommand implements orchestrator.Bridge.
func (b *HTTPBridge) HandleCommand(ctx context.Context, env orchestrator.Envelope) (comms.Payload, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bridge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.Token)
	}

	resp, err := b.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: send request: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("bridge: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("bridge: %w (status %d): %s", ErrUnavailable, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge: rejected command (status %d): %s", resp.StatusCode, string(body))
	}

	var payload comms.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("bridge: unmarshal response: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("bridge: empty response")
	}
	return payload, nil
}

var _ orchestrator.Bridge = (*HTTPBridge)(nil)
