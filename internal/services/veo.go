package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo Video Generation
// Uses the Google Gen AI SDK. A reference image, when present, is passed as
// the first frame and the scene prompt describes the motion.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 6 * time.Minute
	veoMinSeconds      = 4
	veoMaxSeconds      = 8
)

// VeoGenerator implements Generator with Google's Veo model.
type VeoGenerator struct {
	apiKey       string
	model        string
	pollInterval time.Duration
}

var _ Generator = (*VeoGenerator)(nil)

// NewVeoGenerator creates a Veo generator. An empty model selects the default.
func NewVeoGenerator(apiKey, model string) *VeoGenerator {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoGenerator{
		apiKey:       apiKey,
		model:        model,
		pollInterval: veoPollInterval,
	}
}

// veoDurationSeconds rounds the declared scene length into the range Veo
// accepts.
func veoDurationSeconds(d time.Duration) int32 {
	secs := int32(math.Round(d.Seconds()))
	if secs < veoMinSeconds {
		return veoMinSeconds
	}
	if secs > veoMaxSeconds {
		return veoMaxSeconds
	}
	return secs
}

// GenerateScene starts a Veo operation and polls it until the clip is ready.
// It blocks the calling goroutine; each scene runs in its own worker.
func (g *VeoGenerator) GenerateScene(ctx context.Context, req GenerationRequest) ([]byte, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	// Veo takes the negative prompt as a config field
	negative := req.NegativePrompt
	req.NegativePrompt = ""
	prompt := scenePrompt(req)

	duration := veoDurationSeconds(req.Duration)
	config := &genai.GenerateVideosConfig{
		AspectRatio:      "16:9",
		NumberOfVideos:   1,
		NegativePrompt:   negative,
		DurationSeconds:  &duration,
		PersonGeneration: "allow_adult",
	}

	var firstFrame *genai.Image
	if req.FirstFrame != nil && len(req.FirstFrame.Data) > 0 {
		firstFrame = &genai.Image{
			ImageBytes: req.FirstFrame.Data,
			MIMEType:   req.FirstFrame.MIMEType,
		}
	}

	log.Debug().
		Str("model", g.model).
		Int("prompt_len", len(prompt)).
		Int32("seconds", duration).
		Bool("first_frame", firstFrame != nil).
		Msg("Starting Veo generation")

	operation, err := client.Models.GenerateVideos(ctx, g.model, prompt, firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(g.pollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}
		log.Debug().Str("operation", operation.Name).Int("poll", pollCount).Bool("done", operation.Done).Msg("Veo poll")
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("video generation operation failed: %s", string(errJSON))
	}
	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation after %d polls (operation: %s)", pollCount, operation.Name)
	}

	// Responsible AI filters are a permanent refusal for this prompt
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("%w: %d video(s) filtered, reasons: %s", ErrContentRejected, operation.Response.RAIMediaFilteredCount, reasons)
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("no videos in completed operation %s", operation.Name)
	}

	downloadURI := genai.NewDownloadURIFromVideo(operation.Response.GeneratedVideos[0].Video)
	videoBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	log.Info().Int("bytes", len(videoBytes)).Int("polls", pollCount).Msg("Veo clip ready")
	return videoBytes, nil
}
