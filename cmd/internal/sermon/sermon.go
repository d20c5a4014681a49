// Package sermon drafts structured sermon outlines with the completion
// provider in JSON mode.
package sermon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gabriel/cmd/internal/llm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("gabriel/sermon")

const (
	model       = "gpt-4o"
	temperature = 0.7
	maxTokens   = 3000

	defaultAudience = "general congregation"
	defaultMinutes  = 20
)

var (
	// ErrInvalidRequest is returned when the passage or theme is missing.
	ErrInvalidRequest = errors.New("sermon: bible passage and theme are required")
	// ErrInvalidSermon is returned when the provider's JSON does not have
	// the expected shape.
	ErrInvalidSermon = errors.New("sermon: invalid sermon structure")
)

// Request describes the sermon to draft.
type Request struct {
	Title           string `json:"title,omitempty"`
	BiblePassage    string `json:"biblePassage"`
	Theme           string `json:"theme"`
	AudienceType    string `json:"audienceType,omitempty"`
	LengthMinutes   int    `json:"lengthMinutes,omitempty"`
	AdditionalNotes string `json:"additionalNotes,omitempty"`
}

// Point is one main point of a sermon.
type Point struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Sermon is the generated outline.
type Sermon struct {
	Title               string   `json:"title"`
	Introduction        string   `json:"introduction"`
	MainPoints          []Point  `json:"mainPoints"`
	Conclusion          string   `json:"conclusion"`
	ScriptureReferences []string `json:"scriptureReferences"`
	Illustrations       []string `json:"illustrations"`
}

// Generator drafts sermons. A nil provider makes every call fail with
// llm.ErrNotConfigured.
type Generator struct {
	log      *slog.Logger
	provider llm.Provider
}

// NewGenerator constructs a Generator.
func NewGenerator(log *slog.Logger, provider llm.Provider) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{log: log, provider: provider}
}

func (r Request) normalized() (Request, error) {
	r.Title = strings.TrimSpace(r.Title)
	r.BiblePassage = strings.TrimSpace(r.BiblePassage)
	r.Theme = strings.TrimSpace(r.Theme)
	r.AudienceType = strings.TrimSpace(r.AudienceType)
	r.AdditionalNotes = strings.TrimSpace(r.AdditionalNotes)
	if r.BiblePassage == "" || r.Theme == "" {
		return Request{}, ErrInvalidRequest
	}
	if r.AudienceType == "" {
		r.AudienceType = defaultAudience
	}
	switch {
	case r.LengthMinutes <= 0:
		r.LengthMinutes = defaultMinutes
	case r.LengthMinutes < 5:
		r.LengthMinutes = 5
	case r.LengthMinutes > 90:
		r.LengthMinutes = 90
	}
	return r, nil
}

// Generate drafts one sermon.
func (g *Generator) Generate(ctx context.Context, req Request) (Sermon, error) {
	req, err := req.normalized()
	if err != nil {
		return Sermon{}, err
	}
	if g.provider == nil {
		return Sermon{}, llm.ErrNotConfigured
	}

	ctx, span := tracer.Start(ctx, "sermon.generate")
	defer span.End()
	span.SetAttributes(attribute.Int("sermon.length_minutes", req.LengthMinutes))

	raw, err := g.provider.Complete(ctx, llm.Request{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		JSON:        true,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: userPrompt(req)},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete")
		return Sermon{}, err
	}

	s, err := parseSermon(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse")
		g.log.Warn("sermon.parse.fail", "err", err, "bytes", len(raw))
		return Sermon{}, err
	}
	span.SetAttributes(attribute.Int("sermon.main_points", len(s.MainPoints)))
	return s, nil
}

func parseSermon(raw string) (Sermon, error) {
	var s Sermon
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Sermon{}, fmt.Errorf("%w: %v", ErrInvalidSermon, err)
	}
	if strings.TrimSpace(s.Title) == "" ||
		strings.TrimSpace(s.Introduction) == "" ||
		strings.TrimSpace(s.Conclusion) == "" ||
		len(s.MainPoints) == 0 ||
		s.ScriptureReferences == nil {
		return Sermon{}, ErrInvalidSermon
	}
	for _, p := range s.MainPoints {
		if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Content) == "" {
			return Sermon{}, ErrInvalidSermon
		}
	}
	if s.Illustrations == nil {
		s.Illustrations = []string{}
	}
	return s, nil
}

const systemPrompt = `You are an expert sermon writer with deep knowledge of Biblical teachings. Create a well-structured, inspiring sermon based on the provided details.
Respond with a JSON object structured as follows:
{
  "title": "Sermon title",
  "introduction": "Opening paragraph introducing the topic",
  "mainPoints": [
    {
      "title": "Point 1 Title",
      "content": "Detailed explanation of point 1"
    }
  ],
  "conclusion": "Concluding thoughts",
  "scriptureReferences": ["Scripture references used"],
  "illustrations": ["Optional illustrative stories or examples"]
}
The sermon should be biblically sound, theologically accurate, and spiritually uplifting.`

func userPrompt(r Request) string {
	var b strings.Builder
	b.WriteString("Please create a sermon with the following specifications:\n")
	if r.Title != "" {
		b.WriteString("Title: " + r.Title + " (or suggest a better one if appropriate)\n")
	} else {
		b.WriteString("Please suggest an appropriate title.\n")
	}
	b.WriteString("Bible Passage: " + r.BiblePassage + "\n")
	b.WriteString("Theme: " + r.Theme + "\n")
	b.WriteString("Target Audience: " + r.AudienceType + "\n")
	b.WriteString("Approximate Length: " + strconv.Itoa(r.LengthMinutes) + " minutes\n")
	if r.AdditionalNotes != "" {
		b.WriteString("Additional Notes: " + r.AdditionalNotes + "\n")
	}
	b.WriteString(`
The sermon should include:
1. A compelling introduction that explains the context of the scripture
2. 3-4 main points with Biblical support and explanation
3. Practical applications for daily life
4. A powerful conclusion with a call to action
5. Additional scripture references that support the message

Make the sermon relatable, inspirational, and grounded in Biblical truth.`)
	return b.String()
}
