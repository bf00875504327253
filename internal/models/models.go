package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrValidation marks malformed input. Validation errors are surfaced to the
// caller and never retried.
var ErrValidation = errors.New("validation error")

// Enums
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComposing  Status = "composing" // Project only, during final assembly
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComposing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a raw status string (e.g. from a query parameter).
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// Kind distinguishes the two entity kinds sharing the project collection.
type Kind string

const (
	KindProject Kind = "project"
	KindScene   Kind = "scene"
)

// transitions is the lifecycle graph. Every state may fall back to pending
// (forced regeneration) and every non-terminal state may fail.
var transitions = map[Kind]map[Status][]Status{
	KindProject: {
		StatusPending:    {StatusProcessing, StatusComposing, StatusFailed},
		StatusProcessing: {StatusComposing, StatusCompleted, StatusFailed},
		StatusComposing:  {StatusCompleted, StatusFailed},
		StatusCompleted:  {StatusProcessing, StatusComposing},
		StatusFailed:     {StatusProcessing, StatusComposing},
	},
	KindScene: {
		StatusPending:    {StatusProcessing, StatusFailed},
		StatusProcessing: {StatusCompleted, StatusFailed},
		StatusCompleted:  {StatusProcessing},
		StatusFailed:     {StatusProcessing},
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph
// for the given entity kind. Status is display metadata, so callers use this
// to flag drift rather than to block writes.
func CanTransition(kind Kind, from, to Status) bool {
	if from == to || to == StatusPending {
		return true
	}
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

type Mode string

const (
	ModeNarrative Mode = "narrative"
	ModeAd        Mode = "ad"
)

func (m Mode) Valid() bool {
	return m == ModeNarrative || m == ModeAd
}

// CompositionOutcome distinguishes a full success, a video-only success and a
// failed composition.
type CompositionOutcome string

const (
	OutcomeSucceeded             CompositionOutcome = "succeeded"
	OutcomeSucceededWithoutAudio CompositionOutcome = "succeeded_without_audio"
	OutcomeFailed                CompositionOutcome = "failed"
)

// Models

type Project struct {
	ID                   uuid.UUID           `json:"id"`
	Mode                 Mode                `json:"mode"`
	Concept              string              `json:"concept"`
	CharacterDescription *string             `json:"character_description,omitempty"`
	AudioKey             *string             `json:"audio_key,omitempty"`   // Backing track
	ProductKey           *string             `json:"product_key,omitempty"` // Ad mode product reference
	SceneCount           int                 `json:"scene_count"`
	CompletedScenes      int                 `json:"completed_scenes"`
	FailedScenes         int                 `json:"failed_scenes"`
	FinalKey             *string             `json:"final_key,omitempty"`
	CompositionOutcome   *CompositionOutcome `json:"composition_outcome,omitempty"`
	AudioOverlayWarning  *string             `json:"audio_overlay_warning,omitempty"`
	ErrorMessage         *string             `json:"error_message,omitempty"`
	Status               Status              `json:"status"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// Scene is identified by (ProjectID, Sequence). Sequence never changes after
// creation; DisplayOrder carries user reordering.
type Scene struct {
	ProjectID      uuid.UUID `json:"project_id"`
	Sequence       int       `json:"sequence"`
	DisplayOrder   int       `json:"display_order"`
	Prompt         string    `json:"prompt"`
	NegativePrompt *string   `json:"negative_prompt,omitempty"`
	DurationMs     int       `json:"duration_ms"`
	ReferenceKeys  []string  `json:"reference_keys,omitempty"`
	OriginalKey    *string   `json:"original_key,omitempty"` // First generator output, write-once
	WorkingKey     *string   `json:"working_key,omitempty"`  // Current edited version
	LipSyncKey     *string   `json:"lip_sync_key,omitempty"`
	RetryCount     int       `json:"retry_count"`
	LastError      *string   `json:"last_error,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Duration returns the declared scene length.
func (s Scene) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// NeedsGeneration is the regeneration gate: a scene is (re)generated exactly
// when it has no working clip, whatever its status says.
func (s Scene) NeedsGeneration() bool {
	return s.WorkingKey == nil
}

// ScenesNeedingGeneration filters scenes through NeedsGeneration.
func ScenesNeedingGeneration(scenes []Scene) []Scene {
	var out []Scene
	for _, s := range scenes {
		if s.NeedsGeneration() {
			out = append(out, s)
		}
	}
	return out
}

// SortForComposition returns a copy ordered by display order, then sequence.
func SortForComposition(scenes []Scene) []Scene {
	out := make([]Scene, len(scenes))
	copy(out, scenes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// Counters are the derived scene tallies stored on a Project.
type Counters struct {
	SceneCount int `json:"scene_count"`
	Completed  int `json:"completed_scenes"`
	Failed     int `json:"failed_scenes"`
}

// Tally recomputes counters from the authoritative scene records.
func Tally(scenes []Scene) Counters {
	c := Counters{SceneCount: len(scenes)}
	for _, s := range scenes {
		switch s.Status {
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// CounterDelta is the incremental counter adjustment for one scene moving
// from old to new.
func CounterDelta(old, new Status) (completed, failed int) {
	if old == new {
		return 0, 0
	}
	if old == StatusCompleted {
		completed--
	}
	if old == StatusFailed {
		failed--
	}
	if new == StatusCompleted {
		completed++
	}
	if new == StatusFailed {
		failed++
	}
	return completed, failed
}

// Counters extracts the stored counters of a project.
func (p Project) Counters() Counters {
	return Counters{SceneCount: p.SceneCount, Completed: p.CompletedScenes, Failed: p.FailedScenes}
}

// SetCounters overwrites the stored counters.
func (p *Project) SetCounters(c Counters) {
	p.SceneCount = c.SceneCount
	p.CompletedScenes = c.Completed
	p.FailedScenes = c.Failed
}

// DTOs for API requests and responses

type SceneSpec struct {
	Prompt          string   `json:"prompt"`
	NegativePrompt  *string  `json:"negative_prompt,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
	ReferenceKeys   []string `json:"reference_keys,omitempty"`
}

type CreateProjectRequest struct {
	Mode                 Mode        `json:"mode"`                            // Default: narrative
	Concept              string      `json:"concept"`
	CharacterDescription *string     `json:"character_description,omitempty"`
	AudioKey             *string     `json:"audio_key,omitempty"`
	ProductKey           *string     `json:"product_key,omitempty"`
	SceneCount           *int        `json:"scene_count,omitempty"` // Planner hint when Scenes is empty
	Scenes               []SceneSpec `json:"scenes,omitempty"`
}

type CreateProjectResponse struct {
	ProjectID uuid.UUID `json:"project_id"`
	Status    Status    `json:"status"`
}

type AcceptedResponse struct {
	ProjectID uuid.UUID `json:"project_id"`
	Accepted  int       `json:"accepted"`
	Status    string    `json:"status"`
}

type ProjectResponse struct {
	Project
	Scenes   []SceneResponse `json:"scenes,omitempty"`
	FinalURL *string         `json:"final_url,omitempty"`
}

type SceneResponse struct {
	Scene
	WorkingURL *string `json:"working_url,omitempty"`
}

type ListProjectsResponse struct {
	Projects []Project `json:"projects"`
	Status   Status    `json:"status"`
	Limit    int       `json:"limit"`
}

type ComposeRequest struct {
	SuppressClipAudio *bool `json:"suppress_clip_audio,omitempty"` // Default: true
}

type TrimRequest struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

type SceneEditRequest struct {
	DisplayOrder    *int     `json:"display_order,omitempty"`
	Prompt          *string  `json:"prompt,omitempty"`
	NegativePrompt  *string  `json:"negative_prompt,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}
