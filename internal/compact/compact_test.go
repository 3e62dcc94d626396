package compact

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/llm"
	"github.com/untoldecay/engram/internal/memory"
)

type fakeProvider struct {
	text string
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f.text, f.err
}

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	if err := config.Initialize(); err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	return NewGenerator(zap.NewNop())
}

const multiSentence = "The deploy pipeline has three stages and runs on every merge. " +
	"Build compiles the binaries and runs the unit tests. " +
	"Stage validates the build against a copy of production data. " +
	"Release ships the build behind a feature flag."

func TestGenerateExtractiveBullets(t *testing.T) {
	g := newTestGenerator(t)

	gist, degradeReasons := g.Generate(context.Background(), multiSentence)
	if gist.Method != memory.GistMethodExtractive {
		t.Fatalf("Expected extractive method, got %q", gist.Method)
	}
	if len(degradeReasons) != 0 {
		t.Errorf("Expected no degrade reasons, got %v", degradeReasons)
	}
	if !strings.HasPrefix(gist.Text, "- ") {
		t.Errorf("Expected bullet output, got %q", gist.Text)
	}
	bullets := strings.Split(gist.Text, "\n")
	if len(bullets) > maxBulletCount {
		t.Errorf("Expected at most %d bullets, got %d", maxBulletCount, len(bullets))
	}
	if gist.QualityScore != qualityExtractive {
		t.Errorf("Expected quality %v, got %v", qualityExtractive, gist.QualityScore)
	}
}

func TestGenerateSingleSentenceFallsBack(t *testing.T) {
	g := newTestGenerator(t)

	gist, _ := g.Generate(context.Background(), "One short note without a second sentence.")
	if gist.Method != memory.GistMethodSentence {
		t.Errorf("Expected sentence fallback, got %q", gist.Method)
	}
	if gist.Text == "" {
		t.Error("Expected non-empty gist text")
	}
}

func TestGenerateTruncateFallback(t *testing.T) {
	g := newTestGenerator(t)

	gist, _ := g.Generate(context.Background(), "fragment with no sentence terminator")
	if gist.Method != memory.GistMethodSentence && gist.Method != memory.GistMethodTruncate {
		t.Errorf("Unexpected method %q", gist.Method)
	}
	if gist.Text == "" {
		t.Error("Expected non-empty gist text")
	}
}

func TestGenerateUsesLLMWhenAvailable(t *testing.T) {
	g := newTestGenerator(t)
	g.provider = &fakeProvider{text: "A three stage deploy pipeline gated by a feature flag."}

	gist, degradeReasons := g.Generate(context.Background(), multiSentence)
	if gist.Method != memory.GistMethodLLM {
		t.Fatalf("Expected llm method, got %q", gist.Method)
	}
	if len(degradeReasons) != 0 {
		t.Errorf("Expected no degrade reasons, got %v", degradeReasons)
	}
	if gist.QualityScore != qualityLLM {
		t.Errorf("Expected quality %v, got %v", qualityLLM, gist.QualityScore)
	}
}

func TestGenerateLLMFailureDegrades(t *testing.T) {
	g := newTestGenerator(t)
	g.provider = &fakeProvider{err: context.DeadlineExceeded}

	gist, degradeReasons := g.Generate(context.Background(), multiSentence)
	if gist.Method != memory.GistMethodExtractive {
		t.Fatalf("Expected extractive fallback after llm failure, got %q", gist.Method)
	}
	if len(degradeReasons) != 1 || degradeReasons[0] != DegradeGistLLMExceptionBase+":timeout" {
		t.Errorf("Unexpected degrade reasons %v", degradeReasons)
	}

	g.provider = &fakeProvider{err: errors.New("boom")}
	_, degradeReasons = g.Generate(context.Background(), multiSentence)
	if len(degradeReasons) != 1 || degradeReasons[0] != DegradeGistLLMExceptionBase+":error" {
		t.Errorf("Unexpected degrade reasons %v", degradeReasons)
	}
}

func TestGenerateLLMEmptyDegrades(t *testing.T) {
	g := newTestGenerator(t)
	g.provider = &fakeProvider{text: "   "}

	_, degradeReasons := g.Generate(context.Background(), multiSentence)
	if len(degradeReasons) != 1 || degradeReasons[0] != DegradeGistLLMEmpty {
		t.Errorf("Unexpected degrade reasons %v", degradeReasons)
	}
}

func TestGenerateEmptyContent(t *testing.T) {
	g := newTestGenerator(t)

	gist, degradeReasons := g.Generate(context.Background(), "   ")
	if gist.Text != "" || gist.Method != memory.GistMethodTruncate {
		t.Errorf("Unexpected gist for empty content: %+v", gist)
	}
	if len(degradeReasons) != 0 {
		t.Errorf("Expected no degrade reasons, got %v", degradeReasons)
	}
}
