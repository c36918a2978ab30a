package provider

import (
	"context"
	"io"
	"time"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/pkg/errors"
)

const EchoModel = "echo"

// EchoProvider streams the last user message back, a few runes per chunk.
// It works offline and is used by tests and the CLI's echo mode.
type EchoProvider struct {
	TimePerChunk  time.Duration
	RunesPerChunk int
	// Reasoning, when set, is streamed as reasoning before the content.
	Reasoning string
}

var _ Provider = (*EchoProvider)(nil)

func NewEchoProvider() *EchoProvider {
	return &EchoProvider{
		TimePerChunk:  20 * time.Millisecond,
		RunesPerChunk: 4,
	}
}

func (e *EchoProvider) GetModels(context.Context) ([]Model, error) {
	return []Model{{ID: EchoModel, Name: EchoModel, Description: "repeats the last user message"}}, nil
}

func (e *EchoProvider) PostChatCompletions(
	ctx context.Context,
	model string,
	messages []*conversation.Message,
	_ Options,
) (ChunkStream, error) {
	var last *conversation.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleUser {
			last = messages[i]
			break
		}
	}
	if last == nil {
		return nil, &conversation.ProviderError{Message: "no user message to echo"}
	}
	if model == "" {
		model = EchoModel
	}

	size := e.RunesPerChunk
	if size < 1 {
		size = 1
	}
	var chunks []Chunk
	for _, piece := range splitRunes(e.Reasoning, size) {
		chunks = append(chunks, Chunk{Model: model, Choices: []Choice{{Delta: Delta{ReasoningContent: piece}}}})
	}
	for _, piece := range splitRunes(last.Content.String(), size) {
		chunks = append(chunks, Chunk{Model: model, Choices: []Choice{{Delta: Delta{Content: piece}}}})
	}
	n := len(chunks)
	ms := float64(e.TimePerChunk.Milliseconds() * int64(n))
	chunks = append(chunks, Chunk{
		Model:   model,
		Choices: []Choice{{}},
		Timings: &conversation.Timings{PredictedN: &n, PredictedMS: &ms},
	})

	return &sliceStream{ctx: ctx, chunks: chunks, delay: e.TimePerChunk}, nil
}

func splitRunes(s string, size int) []string {
	runes := []rune(s)
	var ret []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		ret = append(ret, string(runes[i:end]))
	}
	return ret
}

// sliceStream replays chunks with a delay, observing ctx between chunks.
type sliceStream struct {
	ctx    context.Context
	chunks []Chunk
	delay  time.Duration
	closed bool
}

func (s *sliceStream) Recv() (Chunk, error) {
	if s.closed {
		return Chunk{}, errors.New("stream closed")
	}
	if len(s.chunks) == 0 {
		return Chunk{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		case <-time.After(s.delay):
		}
	} else if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	ret := s.chunks[0]
	s.chunks = s.chunks[1:]
	return ret, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
