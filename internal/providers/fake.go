package providers

import (
	"context"
	"crypto/sha256"
	"math"
)

// FakeEmbedder is a deterministic in-process EmbeddingProvider for tests
// and offline runs: each text hashes to a unit vector, so identical texts
// are identical vectors and similarity is reproducible.
type FakeEmbedder struct {
	Dim   int
	Calls int
}

func NewFakeEmbedder(dim int) *FakeEmbedder {
	if dim <= 0 {
		dim = 32
	}
	return &FakeEmbedder{Dim: dim}
}

func (f *FakeEmbedder) Name() string { return "fake-embedder" }

func (f *FakeEmbedder) Embed(_ context.Context, texts []string) (*EmbeddingResult, error) {
	f.Calls++
	out := make([][]float32, len(texts))
	tokens := 0
	for i, text := range texts {
		out[i] = hashVector(text, f.Dim)
		tokens += len(text) / 4
	}
	return &EmbeddingResult{
		Embeddings: out,
		Model:      f.Name(),
		Dimensions: f.Dim,
		Usage:      Usage{PromptTokens: tokens, TotalTokens: tokens},
	}, nil
}

// hashVector expands a SHA-256 digest into a normalized float vector.
func hashVector(text string, dim int) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		b := digest[i%len(digest)]
		v := float64(int(b)-128) / 128.0
		// mix in position so short digests don't repeat verbatim
		v += float64(i%7) * 0.01
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// FakeCompleter is a canned-response CompletionProvider for tests.
type FakeCompleter struct {
	Response string
	Caps     []Capability
}

func (f *FakeCompleter) Name() string { return "fake-completer" }

func (f *FakeCompleter) Capabilities() []Capability {
	if len(f.Caps) == 0 {
		return []Capability{CapTextCompletion}
	}
	return f.Caps
}

func (f *FakeCompleter) Complete(_ context.Context, prompt string, _ CompletionOptions) (*CompletionResponse, error) {
	text := f.Response
	if text == "" {
		text = "ok: " + prompt
	}
	return &CompletionResponse{Text: text, Model: f.Name()}, nil
}

func (f *FakeCompleter) CompleteWithTools(ctx context.Context, prompt string, _ []ToolSpec, opts CompletionOptions) (*CompletionResponse, error) {
	return f.Complete(ctx, prompt, opts)
}

func (f *FakeCompleter) Stream(ctx context.Context, prompt string, opts CompletionOptions) (<-chan string, error) {
	resp, err := f.Complete(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 1)
	ch <- resp.Text
	close(ch)
	return ch, nil
}
