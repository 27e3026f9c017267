// Package providers declares the capability contracts for external AI
// collaborators. The core depends only on these interfaces and never
// imports a concrete provider SDK.
package providers

import "context"

// Capability names one thing a completion provider can do.
type Capability string

const (
	CapTextCompletion  Capability = "text_completion"
	CapVision          Capability = "vision"
	CapStreaming       Capability = "streaming"
	CapFunctionCalling Capability = "function_calling"
	CapEmbeddings      Capability = "embeddings"
)

// CompletionOptions are the knobs common to completion calls. Provider
// specific options ride in Extra.
type CompletionOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Extra        map[string]any
}

// ToolSpec describes one callable tool offered to the provider.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a provider's request to invoke a tool.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is one completed generation.
type CompletionResponse struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Model     string     `json:"model"`
	Usage     Usage      `json:"usage"`
}

// CompletionProvider generates text. Implementations live outside the
// core.
type CompletionProvider interface {
	Name() string
	Capabilities() []Capability
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (*CompletionResponse, error)
	CompleteWithTools(ctx context.Context, prompt string, tools []ToolSpec, opts CompletionOptions) (*CompletionResponse, error)
	// Stream returns a channel producing a finite sequence of text
	// chunks. The channel closes when generation ends or ctx is done.
	Stream(ctx context.Context, prompt string, opts CompletionOptions) (<-chan string, error)
}

// EmbeddingResult carries the vectors for one Embed call, index-aligned
// with the input texts.
type EmbeddingResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Usage      Usage       `json:"usage"`
}

// EmbeddingProvider turns texts into vectors.
type EmbeddingProvider interface {
	Name() string
	Embed(ctx context.Context, texts []string) (*EmbeddingResult, error)
}

// HasCapability reports whether the provider declares the capability.
func HasCapability(p CompletionProvider, c Capability) bool {
	for _, have := range p.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}
