package provider

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/chattree/pkg/conversation"
)

// Model is an entry of the provider's model list.
type Model struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Created     int64  `json:"created,omitempty" yaml:"created,omitempty"`
}

// Options are the per-request sampling settings. Zero values are left to
// the server's defaults.
type Options struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
	// TimingsPerToken asks llama.cpp style servers to attach timings to
	// every chunk instead of only the last one.
	TimingsPerToken bool
}

// Provider is the model server seen by the generation coordinator.
type Provider interface {
	GetModels(ctx context.Context) ([]Model, error)
	// PostChatCompletions starts a streamed completion. Cancelling ctx aborts
	// the stream; the next Recv then returns the context error.
	PostChatCompletions(ctx context.Context, model string, messages []*conversation.Message, opts Options) (ChunkStream, error)
}

// ChunkStream yields chunks until Recv returns io.EOF.
type ChunkStream interface {
	Recv() (Chunk, error)
	Close() error
}

// Chunk is one streamed completion event.
type Chunk struct {
	Error   *ChunkError           `json:"error,omitempty"`
	Model   string                `json:"model,omitempty"`
	Choices []Choice              `json:"choices,omitempty"`
	Timings *conversation.Timings `json:"timings,omitempty"`
}

type Choice struct {
	Delta Delta `json:"delta"`
}

type Delta struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
}

// ReasoningDelta returns reasoning_content, or reasoning when the former is
// empty. Servers disagree on the field name.
func (d Delta) ReasoningDelta() string {
	if d.ReasoningContent != "" {
		return d.ReasoningContent
	}
	return d.Reasoning
}

// ChunkError is the error carried by a chunk. Servers send either an object
// with a message or a bare string.
type ChunkError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *ChunkError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain ChunkError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = ChunkError(p)
	return nil
}

func (e *ChunkError) Error() string {
	if e.Message == "" {
		return "unknown provider error"
	}
	return e.Message
}
