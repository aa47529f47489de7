// Package advisory produces narrative clinical reasoning from an
// OpenAI-compatible chat-completions endpoint. Its output is advisory only:
// it is stored on the decision and never changes drug choice or verdicts.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/patient"
)

// MaxBullets caps the narrative kept from one response.
const MaxBullets = 6

// ErrEmptyAdvice is returned when the model answers with no usable bullets.
var ErrEmptyAdvice = errors.New("advisor returned no bullets")

// Config configures the chat-completions client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// DefaultConfig returns a low-temperature configuration for baseURL.
func DefaultConfig(baseURL, apiKey, model string) Config {
	return Config{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.2,
		Timeout:     30 * time.Second,
	}
}

// Client implements collab.Advisor.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an advisory client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("advisor base url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("advisor model is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		tracer: otel.Tracer("advisory-client"),
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const systemPrompt = `You assist a clinician reviewing a deterministic antibiotic recommendation.
Reply with at most six short bullet points of clinical considerations.
Do not name a different drug, change doses or override safety findings.`

// Enrich asks the model for considerations about indication for pc.
func (c *Client) Enrich(ctx context.Context, pc *patient.Context, indication, intentText string) (collab.Advice, error) {
	ctx, span := c.tracer.Start(ctx, "advisory_enrich",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("indication", indication), attribute.String("model", c.cfg.Model)))
	defer span.End()

	body, err := json.Marshal(completionRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(pc, indication, intentText)},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return collab.Advice{}, fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return collab.Advice{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return collab.Advice{}, fmt.Errorf("advisor request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return collab.Advice{}, fmt.Errorf("read advisor response: %w", err)
	}
	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return collab.Advice{}, fmt.Errorf("decode advisor response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return collab.Advice{}, fmt.Errorf("advisor status %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return collab.Advice{}, ErrEmptyAdvice
	}

	bullets := Bullets(out.Choices[0].Message.Content)
	if len(bullets) == 0 {
		return collab.Advice{}, ErrEmptyAdvice
	}
	span.SetAttributes(attribute.Int("bullets", len(bullets)))
	c.logger.Debug("advisory narrative received",
		zap.String("indication", indication),
		zap.Int("bullets", len(bullets)))
	return collab.Advice{Bullets: bullets}, nil
}

// Prompt renders the de-identified clinical picture sent to the model. The
// patient id is never included.
func Prompt(pc *patient.Context, indication, intentText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Indication: %s\n", indication)
	fmt.Fprintf(&b, "Clinician intent: %s\n", strings.TrimSpace(intentText))
	if pc == nil {
		return b.String()
	}
	age := "unknown"
	if years, ok := pc.AgeYears(); ok {
		age = strconv.Itoa(years)
	}
	fmt.Fprintf(&b, "Age: %s, sex: %s\n", age, pc.Demographics().Sex)
	if egfr, ok := pc.EGFR(); ok {
		fmt.Fprintf(&b, "eGFR: %.0f\n", egfr)
	}
	if flags := pc.Flags().Sorted(); len(flags) > 0 {
		names := make([]string, len(flags))
		for i, f := range flags {
			names[i] = string(f)
		}
		fmt.Fprintf(&b, "Risk flags: %s\n", strings.Join(names, ", "))
	}
	if meds := pc.Medications(); len(meds) > 0 {
		names := make([]string, len(meds))
		for i, m := range meds {
			names[i] = m.Drug
		}
		fmt.Fprintf(&b, "Current medications: %s\n", strings.Join(names, ", "))
	}
	if allergies := pc.Allergies(); len(allergies) > 0 {
		names := make([]string, len(allergies))
		for i, a := range allergies {
			names[i] = a.Substance
		}
		fmt.Fprintf(&b, "Allergies: %s\n", strings.Join(names, ", "))
	}
	return b.String()
}

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*\x{2022}]|\d+[.)])\s+`)

// Bullets extracts list items from model output. When the text has no list
// markers every non-empty line counts as one bullet.
func Bullets(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var marked, plain []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if loc := bulletPrefix.FindStringIndex(line); loc != nil {
			if item := strings.TrimSpace(line[loc[1]:]); item != "" {
				marked = append(marked, item)
			}
			continue
		}
		plain = append(plain, strings.TrimSpace(line))
	}
	out := marked
	if len(out) == 0 {
		out = plain
	}
	if len(out) > MaxBullets {
		out = out[:MaxBullets]
	}
	return out
}
