package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	lipSyncPollInterval    = 5 * time.Second
	lipSyncMaxPollDuration = 10 * time.Minute
)

// LipSyncer aligns a clip's mouth movement to an audio segment and returns
// the new clip.
type LipSyncer interface {
	LipSync(ctx context.Context, videoURL, audioURL string) ([]byte, error)
}

// LipSyncClient talks to an HTTP lip-sync service using the same deferred
// request pattern as the video providers.
type LipSyncClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
}

var _ LipSyncer = (*LipSyncClient)(nil)

func NewLipSyncClient(baseURL, apiKey string) *LipSyncClient {
	return &LipSyncClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: lipSyncPollInterval,
	}
}

type lipSyncRequest struct {
	VideoURL string `json:"video_url"`
	AudioURL string `json:"audio_url"`
}

type lipSyncJob struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // pending, processing, completed, failed
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LipSync submits the job, waits for completion and downloads the result.
func (c *LipSyncClient) LipSync(ctx context.Context, videoURL, audioURL string) ([]byte, error) {
	job, err := c.do(ctx, http.MethodPost, "/lipsync", lipSyncRequest{VideoURL: videoURL, AudioURL: audioURL})
	if err != nil {
		return nil, fmt.Errorf("failed to submit lip-sync: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("lip-sync service returned no job id")
	}
	log.Debug().Str("lipsync_job", job.ID).Msg("Lip-sync submitted")

	deadline := time.Now().Add(lipSyncMaxPollDuration)
	for job.Status != "completed" {
		if job.Status == "failed" {
			return nil, fmt.Errorf("lip-sync job %s failed: %s", job.ID, job.Error)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lip-sync job %s timed out after %v", job.ID, lipSyncMaxPollDuration)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lip-sync cancelled: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}

		id := job.ID
		job, err = c.do(ctx, http.MethodGet, "/lipsync/"+id, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll lip-sync job %s: %w", id, err)
		}
	}

	if job.OutputURL == "" {
		return nil, fmt.Errorf("lip-sync job %s completed without output", job.ID)
	}
	data, err := download(ctx, &http.Client{Timeout: 120 * time.Second}, job.OutputURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download lip-sync output: %w", err)
	}
	log.Info().Str("lipsync_job", job.ID).Int("bytes", len(data)).Msg("Lip-sync clip ready")
	return data, nil
}

func (c *LipSyncClient) do(ctx context.Context, method, path string, body any) (*lipSyncJob, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lip-sync service returned status %d: %s", resp.StatusCode, truncateString(string(respBody), 300))
	}

	var job lipSyncJob
	if err := json.Unmarshal(respBody, &job); err != nil {
		return nil, fmt.Errorf("failed to parse lip-sync response: %w", err)
	}
	return &job, nil
}
