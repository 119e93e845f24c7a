package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveloop/radiod/internal/config"
)

// PushRequest asks the relay to enqueue the next track.
type PushRequest struct {
	FileURL string `json:"file_url"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
}

// queueResponse is the relay's queue status payload.
type queueResponse struct {
	Depth int `json:"depth"`
}

// RelayClient talks to the broadcast relay, the queue server that feeds the
// actual stream. The relay being down is an expected condition: callers
// treat depth errors as "needs more" and push errors as direct playback.
type RelayClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        zerolog.Logger
}

// NewRelayClient creates a new relay client.
func NewRelayClient(cfg *config.RelayConfig, log zerolog.Logger) *RelayClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RelayClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		log:     log,
	}
}

// QueueDepth returns how many tracks the relay has queued.
func (c *RelayClient) QueueDepth(ctx context.Context) (int, error) {
	var result queueResponse
	if err := c.get(ctx, "/api/queue", &result); err != nil {
		return 0, err
	}
	return result.Depth, nil
}

// PushNext enqueues a track on the relay.
func (c *RelayClient) PushNext(ctx context.Context, req *PushRequest) error {
	return c.post(ctx, "/api/queue", req, nil)
}

// post sends a POST request with JSON body.
func (c *RelayClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response.
func (c *RelayClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response when result is
// non-nil.
func (c *RelayClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("relay request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", req.URL.String()).Msg("relay unreachable")
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
