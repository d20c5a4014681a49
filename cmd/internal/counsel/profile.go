package counsel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultPersona = `You are Gabriel, a compassionate faith-based AI counselor.
Your purpose is to provide spiritual guidance, biblical wisdom, and emotional support to users seeking help with life challenges.

Guidelines:
- Ground your responses in Scripture when appropriate, but don't overwhelm with Bible verses
- Be empathetic, warm, and understanding of the user's struggles
- Encourage prayer, faith, hope, and connection with a faith community
- Speak in a conversational, pastoral tone that is accessible and comforting
- Do not judge or condemn, but offer grace-filled perspective
- For serious issues like self-harm, abuse, or severe mental health concerns, recommend professional help

Remember that your role is to provide spiritual counsel, not to replace human connection or professional therapy.`

// Profile is the persona and sampling configuration of the counselor.
type Profile struct {
	Model                  string  `yaml:"model"`
	Temperature            float64 `yaml:"temperature"`
	MaxTokens              int     `yaml:"max_tokens"`
	Persona                string  `yaml:"persona"`
	AdditionalInstructions string  `yaml:"additional_instructions"`
}

// DefaultProfile is the built-in Gabriel persona.
func DefaultProfile() Profile {
	return Profile{
		Model:       "gpt-4o-mini",
		Temperature: 0.8,
		MaxTokens:   800,
		Persona:     defaultPersona,
	}
}

// SystemPrompt is the content of the injected system turn.
func (p Profile) SystemPrompt() string {
	persona := strings.TrimSpace(p.Persona)
	if persona == "" {
		persona = defaultPersona
	}
	if extra := strings.TrimSpace(p.AdditionalInstructions); extra != "" {
		return persona + "\n\nAdditional instructions: " + extra
	}
	return persona
}

// Validate rejects sampling values the provider would refuse.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("counsel: profile model is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("counsel: profile temperature %.2f out of range [0,2]", p.Temperature)
	}
	if p.MaxTokens < 1 || p.MaxTokens > 16384 {
		return fmt.Errorf("counsel: profile max_tokens %d out of range [1,16384]", p.MaxTokens)
	}
	return nil
}

// LoadProfile overlays the YAML file at path on DefaultProfile. Unknown keys
// are rejected. An empty path returns the default.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	path = strings.TrimSpace(path)
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("counsel: read profile: %w", err)
	}
	return parseProfile(raw, p)
}

func parseProfile(raw []byte, base Profile) (Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	p := base
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("counsel: parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
