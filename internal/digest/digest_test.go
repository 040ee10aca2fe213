package digest

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hulylabs/vibesync/internal/types"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New(""); !errors.Is(err, errAPIKeyRequired) {
		t.Fatalf("expected errAPIKeyRequired, got %v", err)
	}
}

func TestNewUsesEnvKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	g, err := New("")
	if err != nil {
		t.Fatalf("New with env key: %v", err)
	}
	if g.model != defaultModel {
		t.Errorf("unexpected model %s", g.model)
	}
}

func TestRenderPromptBoundsInput(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	g, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	var issues []*types.Issue
	for i := 0; i < maxDigestInput+20; i++ {
		issues = append(issues, &types.Issue{
			Identifier: "HVSYN-1", Title: "Something", Status: types.StatusTodo, Priority: types.PriorityLow,
		})
	}
	prompt, err := g.renderPrompt(&types.Project{Identifier: "HVSYN", Name: "Vibe Sync"}, issues)
	if err != nil {
		t.Fatalf("renderPrompt: %v", err)
	}
	if got := strings.Count(prompt, "HVSYN-1"); got != maxDigestInput {
		t.Errorf("expected %d issue lines, got %d", maxDigestInput, got)
	}
	if !strings.Contains(prompt, "Vibe Sync (HVSYN)") {
		t.Error("prompt missing project header")
	}
}

func TestPromptTemplateParses(t *testing.T) {
	if _, err := template.New("digest").Parse(digestPromptTemplate); err != nil {
		t.Fatalf("template must parse: %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"net timeout", net.Error(timeoutErr{}), true},
		{"api 429", &anthropic.Error{StatusCode: 429}, true},
		{"api 529", &anthropic.Error{StatusCode: 529}, true},
		{"api 400", &anthropic.Error{StatusCode: 400}, false},
		{"plain", errors.New("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryBackoffRespectsContext(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	g, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	g.initialBackoff = time.Hour // would hang without ctx handling

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// An already-cancelled context must fall out of the backoff sleep
	// immediately on the first retry, not wait an hour.
	start := time.Now()
	_, err = g.callWithRetry(ctx, "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancelled context did not short-circuit the backoff")
	}
}
