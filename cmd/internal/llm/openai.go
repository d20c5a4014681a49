package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("gabriel/llm")

// Client talks to an OpenAI-compatible /chat/completions endpoint. Build it
// once per process and share it.
type Client struct {
	apiKey   string
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the transport, mostly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient returns ErrNotConfigured when cfg has no API key.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		apiKey:   cfg.APIKey,
		endpoint: base + "/chat/completions",
		timeout:  timeout,
		http: &http.Client{
			// No client-wide Timeout: it would cut long streams. Header wait
			// is bounded by the transport, bodies by the caller's context.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

func (c *Client) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("llm: no messages")
	}
	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		hr.Header.Set("Accept", "text/event-stream")
	} else {
		hr.Header.Set("Accept", "application/json")
	}
	return hr, nil
}

func readHTTPError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// Complete runs a non-streaming completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.json", req.JSON),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
	}
	return out, err
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	hr, err := c.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(hr)
	if err != nil {
		return "", fmt.Errorf("llm: complete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", readHTTPError(resp)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm: decode completion: %w", err)
	}
	if parsed.Error != nil {
		return "", parsed.Error
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion. Errors before the first byte of the
// body (transport, non-2xx) are returned here; later errors come from Recv.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, span := tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))

	hr, err := c.newRequest(ctx, req, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		span.End()
		return nil, err
	}
	resp, err := c.http.Do(hr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		span.End()
		return nil, fmt.Errorf("llm: stream: %w", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := readHTTPError(resp)
		_ = resp.Body.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream status")
		span.End()
		return nil, err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseStream{ctx: ctx, body: resp.Body, sc: sc, span: span}, nil
}

type sseStream struct {
	ctx  context.Context
	body io.ReadCloser
	sc   *bufio.Scanner
	span trace.Span

	fragments int
	done      bool
	err       error
	closeOnce sync.Once
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *APIError `json:"error"`
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	if s.err != nil {
		return "", s.err
	}
	for s.sc.Scan() {
		data, ok := sseData(s.sc.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", s.fail(fmt.Errorf("llm: decode chunk: %w", err))
		}
		if chunk.Error != nil {
			return "", s.fail(chunk.Error)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		s.fragments++
		return chunk.Choices[0].Delta.Content, nil
	}
	if err := s.ctx.Err(); err != nil {
		return "", s.fail(err)
	}
	if err := s.sc.Err(); err != nil {
		return "", s.fail(fmt.Errorf("llm: read stream: %w", err))
	}
	return "", s.fail(ErrTruncated)
}

func (s *sseStream) fail(err error) error {
	s.err = err
	return err
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.span.SetAttributes(attribute.Int("llm.fragments", s.fragments))
		if s.err != nil {
			s.span.RecordError(s.err)
			s.span.SetStatus(codes.Error, "stream failed")
		}
		s.span.End()
	})
	return err
}

// sseData extracts the payload of a `data:` line. Comments, event names and
// blank separators report ok=false.
func sseData(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	data := strings.TrimPrefix(line, "data:")
	data = strings.TrimPrefix(data, " ")
	if data == "" {
		return "", false
	}
	return data, true
}
