package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video Generation
// Deferred request pattern: submit generation -> poll by request_id -> download.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiInitialDelay      = 15 * time.Second // Videos typically take 30-40s
	xaiPollMinInterval   = 5 * time.Second
	xaiPollMaxInterval   = 20 * time.Second
	xaiPollBackoffFactor = 1.5
	xaiMaxPollDuration   = 5 * time.Minute
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultAspect     = "16:9"
	xaiDefaultResolution = "720p"
)

// XAIGenerator implements Generator with xAI's video API.
type XAIGenerator struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	initialDelay time.Duration
	minInterval  time.Duration
}

var _ Generator = (*XAIGenerator)(nil)

func NewXAIGenerator(apiKey string) *XAIGenerator {
	return &XAIGenerator{
		apiKey:  apiKey,
		baseURL: xaiBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Per HTTP call, not the full poll cycle
		},
		initialDelay: xaiInitialDelay,
		minInterval:  xaiPollMinInterval,
	}
}

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response from GET /v1/videos/{request_id}.
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8}} with no status field
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func xaiDuration(d time.Duration) int {
	secs := int(math.Round(d.Seconds()))
	if secs < xaiMinDuration {
		return xaiMinDuration
	}
	if secs > xaiMaxDuration {
		return xaiMaxDuration
	}
	return secs
}

// GenerateScene submits the scene, polls until the video is ready and
// downloads it. The first reference URL, if any, becomes the source image.
func (g *XAIGenerator) GenerateScene(ctx context.Context, req GenerationRequest) ([]byte, error) {
	body := xaiGenerationRequest{
		Prompt:      scenePrompt(req),
		Model:       xaiVideoModel,
		Duration:    xaiDuration(req.Duration),
		AspectRatio: xaiDefaultAspect,
		Resolution:  xaiDefaultResolution,
	}
	if len(req.ReferenceURLs) > 0 {
		body.Image = &xaiImageInput{URL: req.ReferenceURLs[0]}
	}

	requestID, err := g.submitGeneration(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to submit video generation: %w", err)
	}
	log.Debug().Str("request_id", requestID).Int("duration", body.Duration).Bool("image", body.Image != nil).Msg("xAI generation submitted")

	result, err := g.pollForResult(ctx, requestID)
	if err != nil {
		return nil, err
	}

	videoBytes, err := g.downloadVideo(ctx, result.Video.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	log.Info().Str("request_id", requestID).Int("bytes", len(videoBytes)).Msg("xAI clip ready")
	return videoBytes, nil
}

func (g *XAIGenerator) submitGeneration(ctx context.Context, reqBody xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(body))
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(body))
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", string(body))
	}
	return genResp.RequestID, nil
}

// pollForResult polls with exponential backoff (1.5x, capped at 20s) after an
// initial wait.
func (g *XAIGenerator) pollForResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	deadline := time.Now().Add(xaiMaxPollDuration)
	pollCount := 0
	currentInterval := g.minInterval

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("video generation cancelled during initial wait: %w", ctx.Err())
	case <-time.After(g.initialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times, request_id=%s)", xaiMaxPollDuration, pollCount, requestID)
		}
		pollCount++

		result, err := g.getVideoResult(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll video result (attempt %d): %w", pollCount, err)
		}

		if result.Video != nil && result.Video.URL != "" {
			return result, nil
		}

		if result.Status == "failed" {
			errMsg := result.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			if strings.Contains(strings.ToLower(errMsg), "moderation") {
				return nil, fmt.Errorf("%w: %s (request_id=%s)", ErrContentRejected, errMsg, requestID)
			}
			return nil, fmt.Errorf("video generation failed: %s (request_id=%s)", errMsg, requestID)
		}

		log.Debug().Str("request_id", requestID).Int("poll", pollCount).Str("status", result.Status).Msg("xAI poll")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(currentInterval):
		}

		next := time.Duration(float64(currentInterval) * xaiPollBackoffFactor)
		if next > xaiPollMaxInterval {
			next = xaiPollMaxInterval
		}
		currentInterval = next
	}
}

func (g *XAIGenerator) getVideoResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", g.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// 202 with {"status":"pending"} while the video is being generated
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(body))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w (body: %s)", err, string(body))
	}
	return &result, nil
}

func (g *XAIGenerator) downloadVideo(ctx context.Context, videoURL string) ([]byte, error) {
	return download(ctx, &http.Client{Timeout: 120 * time.Second}, videoURL)
}

// download fetches a generated asset from a provider URL.
func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	return data, nil
}
