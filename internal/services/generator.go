package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/scenecast/internal/models"
)

// ErrContentRejected marks a permanent refusal by a generator (safety
// filters, moderation). Retrying the same prompt will not help.
var ErrContentRejected = errors.New("content rejected by generator")

// Providers accepted by NewGenerator.
const (
	ProviderVeo = "veo"
	ProviderXAI = "xai"
)

// ReferenceImage is an inline image passed to generators that accept one as
// the first frame.
type ReferenceImage struct {
	Data     []byte
	MIMEType string
}

// GenerationRequest is everything a generator needs for one scene clip.
type GenerationRequest struct {
	Prompt         string
	NegativePrompt string
	Duration       time.Duration
	Mode           models.Mode
	Character      string
	// ReferenceURLs are short-lived URLs computed for this request only.
	ReferenceURLs []string
	FirstFrame    *ReferenceImage
}

// Generator produces one video clip per call. Implementations block until
// the clip is ready and return its bytes.
type Generator interface {
	GenerateScene(ctx context.Context, req GenerationRequest) ([]byte, error)
}

// GeneratorConfig selects and configures a video provider.
type GeneratorConfig struct {
	Provider     string
	GeminiAPIKey string
	VeoModel     string
	XAIAPIKey    string
}

// NewGenerator returns the configured video provider.
func NewGenerator(cfg GeneratorConfig) (Generator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderVeo:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the veo provider")
		}
		return NewVeoGenerator(cfg.GeminiAPIKey, cfg.VeoModel), nil
	case ProviderXAI:
		if cfg.XAIAPIKey == "" {
			return nil, fmt.Errorf("XAI_API_KEY is required for the xai provider")
		}
		return NewXAIGenerator(cfg.XAIAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown video provider %q", cfg.Provider)
	}
}

// scenePrompt folds the character description and mode into the prompt so
// every scene of a project describes the same subject.
func scenePrompt(req GenerationRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))
	if c := strings.TrimSpace(req.Character); c != "" {
		fmt.Fprintf(&b, "\n\nMain character (keep consistent across scenes): %s", c)
	}
	if req.Mode == models.ModeAd {
		b.WriteString("\n\nThis is a product advertisement shot. Keep the product clearly visible and well lit.")
	}
	if req.NegativePrompt != "" {
		fmt.Fprintf(&b, "\n\nAvoid: %s", req.NegativePrompt)
	}
	return b.String()
}
