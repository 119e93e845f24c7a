// Package client holds the HTTP clients for the external services the
// schedulers talk to: the music generation API, the prompt enhancer, the
// broadcast relay and the artifact archive.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveloop/radiod/internal/config"
)

// JobState is the normalized state of a generation job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// GenerationRequest is what the scheduler submits for one entry.
type GenerationRequest struct {
	Prompt           string `json:"prompt"`
	Style            string `json:"style,omitempty"`
	Title            string `json:"title,omitempty"`
	MakeInstrumental bool   `json:"make_instrumental,omitempty"`
}

// GenerationStatus is the normalized poll result for a job handle.
type GenerationStatus struct {
	State    JobState
	AudioURL string
	Duration float64
	Title    string
	Message  string // provider error text, when failed
}

// submitResponse is the provider's answer to a generation request.
type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// pollResponse is the provider's job status payload.
type pollResponse struct {
	ID       string  `json:"id"`
	AudioURL string  `json:"audio_url"`
	Duration float64 `json:"duration"`
	Status   string  `json:"status"`
	Title    string  `json:"title,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// SunoClient talks to a Suno-style music generation API.
type SunoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        zerolog.Logger
}

// NewSunoClient creates a new generation API client.
func NewSunoClient(cfg *config.SunoConfig, log zerolog.Logger) *SunoClient {
	return &SunoClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		log:     log,
	}
}

// Submit starts a generation job and returns its handle.
func (c *SunoClient) Submit(ctx context.Context, req *GenerationRequest) (string, error) {
	var result submitResponse
	if err := c.post(ctx, "/v1/music/generate", req, &result); err != nil {
		return "", err
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("generation API returned no task id")
	}
	return result.TaskID, nil
}

// PollStatus fetches and normalizes the state of a generation job.
func (c *SunoClient) PollStatus(ctx context.Context, handle string) (*GenerationStatus, error) {
	endpoint := fmt.Sprintf("/v1/music/status/%s", handle)
	var result pollResponse
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	status := &GenerationStatus{
		AudioURL: result.AudioURL,
		Duration: result.Duration,
		Title:    result.Title,
		Message:  result.Error,
	}
	switch result.Status {
	case "completed", "success":
		status.State = JobSucceeded
	case "failed", "error":
		status.State = JobFailed
		if status.Message == "" {
			status.Message = result.Status
		}
	default:
		status.State = JobRunning
	}
	return status, nil
}

// DownloadArtifact streams the generated audio to dest, creating parent
// directories as needed. A partial file is removed on failure.
func (c *SunoClient) DownloadArtifact(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.log.Debug().Str("url", url).Str("dest", dest).Msg("downloading artifact")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact download failed (status %d)", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to write artifact file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to close artifact file: %w", err)
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *SunoClient) IsConfigured() bool {
	return c.apiKey != ""
}

// post sends a POST request with JSON body.
func (c *SunoClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
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
func (c *SunoClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response.
func (c *SunoClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("generation API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", req.URL.String()).Msg("generation API request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().Int("status", resp.StatusCode).Str("url", req.URL.String()).Msg("generation API response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("generation API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		c.log.Warn().Err(err).Str("body", string(respBody)).Msg("generation API unmarshal error")
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
