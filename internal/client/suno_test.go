package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/waveloop/radiod/internal/config"
)

func newTestSunoClient(t *testing.T, handler http.HandlerFunc) *SunoClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSunoClient(&config.SunoConfig{BaseURL: srv.URL, APIKey: "test-key"}, zerolog.Nop())
}

func TestSunoSubmit(t *testing.T) {
	c := newTestSunoClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/music/generate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req GenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Prompt != "midnight jazz" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		json.NewEncoder(w).Encode(submitResponse{TaskID: "task-42", Status: "queued"})
	})

	handle, err := c.Submit(context.Background(), &GenerationRequest{Prompt: "midnight jazz"})
	if err != nil {
		t.Fatalf("Submit(): %v", err)
	}
	if handle != "task-42" {
		t.Errorf("handle = %q, want task-42", handle)
	}
}

func TestSunoSubmitNoTaskID(t *testing.T) {
	c := newTestSunoClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{Status: "queued"})
	})

	if _, err := c.Submit(context.Background(), &GenerationRequest{Prompt: "x"}); err == nil {
		t.Error("expected error for response without task id")
	}
}

func TestSunoPollStatusMapping(t *testing.T) {
	tests := []struct {
		provider string
		want     JobState
	}{
		{"completed", JobSucceeded},
		{"success", JobSucceeded},
		{"failed", JobFailed},
		{"error", JobFailed},
		{"pending", JobRunning},
		{"processing", JobRunning},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			c := newTestSunoClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/music/status/task-1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(pollResponse{
					ID: "task-1", Status: tt.provider,
					AudioURL: "https://cdn/a.mp3", Duration: 182.5, Title: "Nocturne",
				})
			})

			status, err := c.PollStatus(context.Background(), "task-1")
			if err != nil {
				t.Fatalf("PollStatus(): %v", err)
			}
			if status.State != tt.want {
				t.Errorf("state = %q, want %q", status.State, tt.want)
			}
			if status.Duration != 182.5 || status.Title != "Nocturne" {
				t.Errorf("status fields not carried through: %+v", status)
			}
		})
	}
}

func TestSunoPollStatusFailureMessage(t *testing.T) {
	c := newTestSunoClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pollResponse{ID: "task-1", Status: "failed"})
	})

	status, err := c.PollStatus(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("PollStatus(): %v", err)
	}
	if status.State != JobFailed || status.Message == "" {
		t.Errorf("failed poll must carry a message, got %+v", status)
	}
}

func TestSunoServerError(t *testing.T) {
	c := newTestSunoClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if _, err := c.PollStatus(context.Background(), "task-1"); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestDownloadArtifact(t *testing.T) {
	payload := []byte("ID3fake-mp3-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := NewSunoClient(&config.SunoConfig{BaseURL: srv.URL, APIKey: "k"}, zerolog.Nop())
	dest := filepath.Join(t.TempDir(), "tracks", "a.mp3")

	if err := c.DownloadArtifact(context.Background(), srv.URL+"/a.mp3", dest); err != nil {
		t.Fatalf("DownloadArtifact(): %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("downloaded %q, want %q", got, payload)
	}
}

func TestDownloadArtifactHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewSunoClient(&config.SunoConfig{BaseURL: srv.URL, APIKey: "k"}, zerolog.Nop())
	dest := filepath.Join(t.TempDir(), "a.mp3")

	if err := c.DownloadArtifact(context.Background(), srv.URL+"/missing.mp3", dest); err == nil {
		t.Error("expected error for 404 download")
	}
}
