// Package voice defines the voice record that generate jobs synthesize with.
package voice

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Source is how a voice was created.
type Source string

const (
	SourceUploaded Source = "uploaded"
	SourceDesigned Source = "designed"
)

// MaxNameLength bounds voice names.
const MaxNameLength = 100

// Voice is a synthesizable voice owned by an actor.
type Voice struct {
	ID                  string
	Actor               string
	Name                string
	Source              Source
	Provider            string
	Language            string
	Description         string
	ReferenceKey        string
	ReferenceTranscript string
	Instruct            string
	ProviderVoiceID     string
	ProviderTargetModel string
	CreatedAt           time.Time
}

// View is the client-facing voice shape.
type View struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Source      Source    `json:"source"`
	Provider    string    `json:"provider"`
	Language    string    `json:"language"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	PreviewURL  string    `json:"preview_url,omitempty"`
}

// ToView projects a voice onto its client shape.
func (v Voice) ToView() View {
	return View{
		ID:          v.ID,
		Name:        v.Name,
		Source:      v.Source,
		Provider:    v.Provider,
		Language:    v.Language,
		Description: v.Description,
		CreatedAt:   v.CreatedAt,
	}
}

// UsableBy reports whether provider can synthesize with this voice.
// Modal needs reference audio; Qwen needs a provider-side voice.
func (v Voice) UsableBy(provider string) bool {
	switch provider {
	case "qwen":
		return v.ProviderVoiceID != ""
	case "modal":
		return v.ReferenceKey != ""
	}
	return false
}

// ReferenceKey is the blob key of an uploaded clone sample.
func ReferenceKey(actor, voiceID string) string {
	return actor + "/" + voiceID + "/reference.wav"
}

var (
	ErrNameRequired       = errors.New("name must be 1-100 characters")
	ErrLanguageRequired   = errors.New("language is required")
	ErrTranscriptRequired = errors.New("transcript is required")
)

// ValidateClone checks the fields of a clone request.
func ValidateClone(name, language, transcript string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if strings.TrimSpace(language) == "" {
		return ErrLanguageRequired
	}
	if strings.TrimSpace(transcript) == "" {
		return ErrTranscriptRequired
	}
	return nil
}

// ValidateName checks a voice name.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 || n > MaxNameLength {
		return ErrNameRequired
	}
	return nil
}
