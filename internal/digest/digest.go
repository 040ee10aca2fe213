// Package digest produces an AI-generated project activity summary
// that rides along as an extra agent memory block. It is optional:
// without an API key the engine runs identically, minus the block.
package digest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hulylabs/vibesync/internal/letta"
	"github.com/hulylabs/vibesync/internal/telemetry"
	"github.com/hulylabs/vibesync/internal/types"
)

// BlockLabel is the memory block the digest lands in.
const BlockLabel = "activity_digest"

const (
	defaultModel   = "claude-haiku-4-5"
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxDigestInput = 40 // newest issues fed to the prompt
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Generator summarizes recent project activity via the Anthropic API.
type Generator struct {
	client         anthropic.Client
	model          anthropic.Model
	promptTemplate *template.Template
	maxRetries     int
	initialBackoff time.Duration
}

// New creates a generator. Env var ANTHROPIC_API_KEY takes precedence
// over the explicit apiKey; with neither, New returns an error and the
// caller runs without digests.
func New(apiKey string) (*Generator, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY to enable activity digests", errAPIKeyRequired)
	}

	tmpl, err := template.New("digest").Parse(digestPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse digest template: %w", err)
	}

	model := os.Getenv("VIBE_DIGEST_MODEL")
	if model == "" {
		model = defaultModel
	}

	return &Generator{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		promptTemplate: tmpl,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Generate returns the digest memory block for the project's current
// issue snapshot.
func (g *Generator) Generate(ctx context.Context, project *types.Project, issues []*types.Issue) (letta.Block, error) {
	prompt, err := g.renderPrompt(project, issues)
	if err != nil {
		return letta.Block{}, fmt.Errorf("failed to render digest prompt: %w", err)
	}
	text, err := g.callWithRetry(ctx, prompt)
	if err != nil {
		return letta.Block{}, err
	}
	return letta.Block{Label: BlockLabel, Value: strings.TrimSpace(text)}, nil
}

func (g *Generator) callWithRetry(ctx context.Context, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/hulylabs/vibesync/ai")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("vibesync.ai.model", string(g.model)),
		attribute.String("vibesync.ai.operation", "digest"),
	)

	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := g.client.Messages.New(ctx, params)
		if err == nil {
			span.SetAttributes(
				attribute.Int64("vibesync.ai.input_tokens", message.Usage.InputTokens),
				attribute.Int64("vibesync.ai.output_tokens", message.Usage.OutputTokens),
				attribute.Int("vibesync.ai.attempts", attempt+1),
			)
			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("failed after %d retries: %w", g.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}

const digestPromptTemplate = `You are summarizing project tracker activity for an AI project assistant's memory.

Project: {{.Name}} ({{.Identifier}})

Issues (newest first):
{{range .Issues}}- {{.Identifier}} [{{.Status}}/{{.Priority}}] {{.Title}}
{{end}}
Write a 3-5 sentence digest of the project's current state: what is in
flight, what finished recently, and anything that looks stuck. Plain
prose, no preamble, no headings.`

type promptData struct {
	Name       string
	Identifier string
	Issues     []*types.Issue
}

func (g *Generator) renderPrompt(project *types.Project, issues []*types.Issue) (string, error) {
	if len(issues) > maxDigestInput {
		issues = issues[:maxDigestInput]
	}
	var sb strings.Builder
	err := g.promptTemplate.Execute(&sb, promptData{
		Name:       project.Name,
		Identifier: project.Identifier,
		Issues:     issues,
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
