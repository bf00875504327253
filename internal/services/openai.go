package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobarin/scenecast/internal/models"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultPlanModel  = "gpt-5-mini"
	defaultSceneCount = 4
	maxSceneCount     = 24
	minSceneSeconds   = 2
	maxSceneSeconds   = 15
)

// PlanRequest describes the project a scene plan is written for.
type PlanRequest struct {
	Mode       models.Mode
	Concept    string
	Character  string
	SceneCount int // zero lets the planner choose
}

// Planner turns a concept into an ordered list of scene specs.
type Planner interface {
	PlanScenes(ctx context.Context, req PlanRequest) ([]models.SceneSpec, error)
}

// OpenAIPlanner implements Planner with chat completions in JSON mode.
type OpenAIPlanner struct {
	client *openai.Client
	model  string
}

var _ Planner = (*OpenAIPlanner)(nil)

func NewOpenAIPlanner(apiKey string) *OpenAIPlanner {
	return NewOpenAIPlannerWithConfig(openai.DefaultConfig(apiKey))
}

// NewOpenAIPlannerWithConfig allows a custom base URL or HTTP client.
func NewOpenAIPlannerWithConfig(cfg openai.ClientConfig) *OpenAIPlanner {
	return &OpenAIPlanner{
		client: openai.NewClientWithConfig(cfg),
		model:  defaultPlanModel,
	}
}

// scenePlan is the JSON shape requested from the model.
type scenePlan struct {
	Scenes []struct {
		Prompt          string  `json:"prompt"`
		NegativePrompt  string  `json:"negative_prompt"`
		DurationSeconds float64 `json:"duration_seconds"`
	} `json:"scenes"`
	NarrativeStructure string `json:"narrative_structure"`
}

// PlanScenes asks the model for a scene plan and validates every scene.
func (p *OpenAIPlanner) PlanScenes(ctx context.Context, req PlanRequest) ([]models.SceneSpec, error) {
	if strings.TrimSpace(req.Concept) == "" {
		return nil, fmt.Errorf("%w: concept is required for planning", models.ErrValidation)
	}
	count := req.SceneCount
	if count <= 0 {
		count = defaultSceneCount
	}
	if count > maxSceneCount {
		return nil, fmt.Errorf("%w: scene count %d exceeds %d", models.ErrValidation, count, maxSceneCount)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildPlanSystemPrompt(req.Mode, count),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPlanUserPrompt(req),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	specs, err := parsePlan(raw)
	if err != nil {
		log.Warn().Err(err).Str("raw", truncateString(raw, 2000)).Msg("Rejected scene plan")
		return nil, err
	}

	log.Info().Int("scenes", len(specs)).Str("mode", string(req.Mode)).Msg("Scene plan generated")
	return specs, nil
}

// parsePlan decodes and validates the model output. Durations are clamped to
// what the video providers accept.
func parsePlan(raw string) ([]models.SceneSpec, error) {
	var plan scenePlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plan.Scenes) == 0 {
		return nil, fmt.Errorf("plan has no scenes")
	}

	specs := make([]models.SceneSpec, 0, len(plan.Scenes))
	for i, s := range plan.Scenes {
		prompt := strings.TrimSpace(s.Prompt)
		if prompt == "" {
			return nil, fmt.Errorf("scene %d has an empty prompt", i+1)
		}
		secs := s.DurationSeconds
		if secs < minSceneSeconds {
			secs = minSceneSeconds
		}
		if secs > maxSceneSeconds {
			secs = maxSceneSeconds
		}
		spec := models.SceneSpec{Prompt: prompt, DurationSeconds: secs}
		if neg := strings.TrimSpace(s.NegativePrompt); neg != "" {
			spec.NegativePrompt = &neg
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func buildPlanSystemPrompt(mode models.Mode, count int) string {
	format := "a music video"
	if mode == models.ModeAd {
		format = "a short product advertisement"
	}

	return fmt.Sprintf(`You are a film director planning %s as a sequence of AI-generated video shots.

Write exactly %d scenes. Think about the whole piece first: the opening image, the build and the payoff. Then break it into shots that cut together cleanly with no transitions.

Every scene needs:
- prompt: a complete shot description in present tense. Subject, setting, lighting, subject motion and camera movement. No dialogue or sound cues; the audio is added separately.
- negative_prompt: things the shot must avoid (may be empty).
- duration_seconds: between %d and %d. Most shots should be 6 to 8 seconds.

Keep the main character's appearance identical in every scene.

Respond with JSON: {"scenes":[{"prompt":"...","negative_prompt":"...","duration_seconds":8}],"narrative_structure":"..."}`,
		format, count, minSceneSeconds, maxSceneSeconds)
}

func buildPlanUserPrompt(req PlanRequest) string {
	prompt := fmt.Sprintf("Concept: %q", req.Concept)
	if c := strings.TrimSpace(req.Character); c != "" {
		prompt += fmt.Sprintf("\n\nMain character: %s", c)
	}
	return prompt
}
