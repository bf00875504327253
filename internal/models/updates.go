package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ValidateAssetKey accepts only bare storage keys. Anything that looks like a
// URL (scheme, query string, fragment or presign parameters) is rejected so a
// time-limited credential is never persisted as permanent state.
func ValidateAssetKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: asset key is empty", ErrValidation)
	}
	if strings.Contains(key, "://") || strings.HasPrefix(strings.ToLower(key), "http:") || strings.HasPrefix(strings.ToLower(key), "https:") {
		return fmt.Errorf("%w: asset key %q is a URL, expected a bare storage key", ErrValidation, key)
	}
	if strings.ContainsAny(key, "?#") {
		return fmt.Errorf("%w: asset key %q carries a query or fragment", ErrValidation, key)
	}
	if strings.Contains(key, "X-Amz-") {
		return fmt.Errorf("%w: asset key %q carries signing parameters", ErrValidation, key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: asset key %q must be relative", ErrValidation, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: asset key %q has an empty or relative segment", ErrValidation, key)
		}
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: asset key %q contains whitespace or control characters", ErrValidation, key)
		}
	}
	return nil
}

func validateOptionalKey(field string, key *string) error {
	if key == nil {
		return nil
	}
	if err := ValidateAssetKey(*key); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// Validate checks a freshly built project before it is persisted.
func (p *Project) Validate() error {
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, p.Mode)
	}
	if strings.TrimSpace(p.Concept) == "" {
		return fmt.Errorf("%w: concept is required", ErrValidation)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, p.Status)
	}
	for field, key := range map[string]*string{"audio_key": p.AudioKey, "product_key": p.ProductKey, "final_key": p.FinalKey} {
		if err := validateOptionalKey(field, key); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a freshly built scene before it is persisted.
func (s *Scene) Validate() error {
	if s.Sequence < 1 {
		return fmt.Errorf("%w: scene sequence must be >= 1, got %d", ErrValidation, s.Sequence)
	}
	if s.DurationMs <= 0 {
		return fmt.Errorf("%w: scene %d duration must be positive", ErrValidation, s.Sequence)
	}
	if strings.TrimSpace(s.Prompt) == "" {
		return fmt.Errorf("%w: scene %d prompt is required", ErrValidation, s.Sequence)
	}
	if !s.Status.Valid() || s.Status == StatusComposing {
		return fmt.Errorf("%w: invalid scene status %q", ErrValidation, s.Status)
	}
	for _, key := range s.ReferenceKeys {
		if err := ValidateAssetKey(key); err != nil {
			return fmt.Errorf("reference_keys: %w", err)
		}
	}
	for field, key := range map[string]*string{"original_key": s.OriginalKey, "working_key": s.WorkingKey, "lip_sync_key": s.LipSyncKey} {
		if err := validateOptionalKey(field, key); err != nil {
			return err
		}
	}
	return nil
}

// ProjectUpdate is a last-writer-wins partial update. Nil fields are left
// untouched.
type ProjectUpdate struct {
	Status                   *Status
	Concept                  *string
	CharacterDescription     *string
	AudioKey                 *string
	ProductKey               *string
	FinalKey                 *string
	CompositionOutcome       *CompositionOutcome
	AudioOverlayWarning      *string
	ClearAudioOverlayWarning bool
	ErrorMessage             *string
	ClearError               bool
}

func (u ProjectUpdate) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, *u.Status)
	}
	for field, key := range map[string]*string{"audio_key": u.AudioKey, "product_key": u.ProductKey, "final_key": u.FinalKey} {
		if err := validateOptionalKey(field, key); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes the update onto p and stamps UpdatedAt.
func (u ProjectUpdate) Apply(p *Project, now time.Time) {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Concept != nil {
		p.Concept = *u.Concept
	}
	if u.CharacterDescription != nil {
		p.CharacterDescription = u.CharacterDescription
	}
	if u.AudioKey != nil {
		p.AudioKey = u.AudioKey
	}
	if u.ProductKey != nil {
		p.ProductKey = u.ProductKey
	}
	if u.FinalKey != nil {
		p.FinalKey = u.FinalKey
	}
	if u.CompositionOutcome != nil {
		p.CompositionOutcome = u.CompositionOutcome
	}
	if u.ClearAudioOverlayWarning {
		p.AudioOverlayWarning = nil
	}
	if u.AudioOverlayWarning != nil {
		p.AudioOverlayWarning = u.AudioOverlayWarning
	}
	if u.ClearError {
		p.ErrorMessage = nil
	}
	if u.ErrorMessage != nil {
		p.ErrorMessage = u.ErrorMessage
	}
	p.UpdatedAt = now
}

// SceneUpdate is a last-writer-wins partial update of one scene.
type SceneUpdate struct {
	Status          *Status
	DisplayOrder    *int
	Prompt          *string
	NegativePrompt  *string
	DurationMs      *int
	ReferenceKeys   []string // nil leaves the list untouched
	OriginalKey     *string  // ignored once an original exists
	WorkingKey      *string
	ClearWorkingKey bool // forced regeneration; resets status to pending
	LipSyncKey      *string
	ClearLipSyncKey bool
	RetryCount      *int
	IncrementRetry  bool
	LastError       *string
	ClearLastError  bool
}

func (u SceneUpdate) Validate() error {
	if u.Status != nil && (!u.Status.Valid() || *u.Status == StatusComposing) {
		return fmt.Errorf("%w: invalid scene status %q", ErrValidation, *u.Status)
	}
	if u.ClearWorkingKey && u.WorkingKey != nil {
		return fmt.Errorf("%w: working key cannot be set and cleared in one update", ErrValidation)
	}
	if u.ClearLipSyncKey && u.LipSyncKey != nil {
		return fmt.Errorf("%w: lip-sync key cannot be set and cleared in one update", ErrValidation)
	}
	if u.DurationMs != nil && *u.DurationMs <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	if u.DisplayOrder != nil && *u.DisplayOrder < 0 {
		return fmt.Errorf("%w: display order must not be negative", ErrValidation)
	}
	if u.Prompt != nil && strings.TrimSpace(*u.Prompt) == "" {
		return fmt.Errorf("%w: prompt must not be blank", ErrValidation)
	}
	for _, key := range u.ReferenceKeys {
		if err := ValidateAssetKey(key); err != nil {
			return fmt.Errorf("reference_keys: %w", err)
		}
	}
	for field, key := range map[string]*string{"original_key": u.OriginalKey, "working_key": u.WorkingKey, "lip_sync_key": u.LipSyncKey} {
		if err := validateOptionalKey(field, key); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes the update onto s. The original key is write-once; a freshly
// produced clip becomes the working key when none is set. Clearing the
// working key puts the scene back to pending unless the same update sets a
// status explicitly.
func (u SceneUpdate) Apply(s *Scene, now time.Time) {
	if u.DisplayOrder != nil {
		s.DisplayOrder = *u.DisplayOrder
	}
	if u.Prompt != nil {
		s.Prompt = *u.Prompt
	}
	if u.NegativePrompt != nil {
		s.NegativePrompt = u.NegativePrompt
	}
	if u.DurationMs != nil {
		s.DurationMs = *u.DurationMs
	}
	if u.ReferenceKeys != nil {
		s.ReferenceKeys = append([]string(nil), u.ReferenceKeys...)
	}
	if u.OriginalKey != nil && s.OriginalKey == nil {
		key := *u.OriginalKey
		s.OriginalKey = &key
	}
	if u.ClearWorkingKey {
		s.WorkingKey = nil
		s.Status = StatusPending
	}
	if u.WorkingKey != nil {
		key := *u.WorkingKey
		s.WorkingKey = &key
	}
	if u.OriginalKey != nil && s.WorkingKey == nil && !u.ClearWorkingKey {
		key := *u.OriginalKey
		s.WorkingKey = &key
	}
	if u.ClearLipSyncKey {
		s.LipSyncKey = nil
	}
	if u.LipSyncKey != nil {
		key := *u.LipSyncKey
		s.LipSyncKey = &key
	}
	if u.RetryCount != nil {
		s.RetryCount = *u.RetryCount
	}
	if u.IncrementRetry {
		s.RetryCount++
	}
	if u.ClearLastError {
		s.LastError = nil
	}
	if u.LastError != nil {
		s.LastError = u.LastError
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	s.UpdatedAt = now
}
