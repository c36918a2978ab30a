package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to an OpenAI compatible chat completions server, such
// as llama.cpp's server. The model list goes through go-openai. Completions
// are streamed over a plain HTTP request, because the go-openai stream type
// drops the server extensions (reasoning_content, timings) the coordinator
// needs.
type OpenAIProvider struct {
	client     *go_openai.Client
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*OpenAIProvider)(nil)

type OpenAIOption func(*OpenAIProvider)

func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.httpClient = c
	}
}

// NewOpenAIProvider creates a provider. baseURL includes the API version
// path, for example http://localhost:8080/v1.
func NewOpenAIProvider(baseURL string, apiKey string, options ...OpenAIOption) *OpenAIProvider {
	ret := &OpenAIProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, o := range options {
		o(ret)
	}

	config := go_openai.DefaultConfig(apiKey)
	config.BaseURL = ret.baseURL
	config.HTTPClient = ret.httpClient
	ret.client = go_openai.NewClientWithConfig(config)
	return ret
}

func (p *OpenAIProvider) GetModels(ctx context.Context) ([]Model, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, &conversation.ProviderError{Message: "list models", Err: err}
	}
	ret := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		ret = append(ret, Model{
			ID:          m.ID,
			Name:        m.ID,
			Description: m.OwnedBy,
			Created:     m.CreatedAt,
		})
	}
	return ret, nil
}

// chatCompletionRequest adds llama.cpp request extensions to go-openai's
// request type.
type chatCompletionRequest struct {
	go_openai.ChatCompletionRequest
	TimingsPerToken bool `json:"timings_per_token,omitempty"`
}

func (p *OpenAIProvider) PostChatCompletions(
	ctx context.Context,
	model string,
	messages []*conversation.Message,
	opts Options,
) (ChunkStream, error) {
	req := chatCompletionRequest{
		ChatCompletionRequest: go_openai.ChatCompletionRequest{
			Model:       model,
			Messages:    MessagesToOpenAI(messages),
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			Stream:      true,
		},
		TimingsPerToken: opts.TimingsPerToken,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	log.Debug().Str("url", url).Str("model", model).Int("messages", len(messages)).Int("body_len", len(b)).Msg("sending chat completion request")
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &conversation.ProviderError{Message: "request failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, errorFromResponse(resp)
	}
	return newSSEStream(resp.Body), nil
}

func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var chunk Chunk
	if err := json.Unmarshal(body, &chunk); err == nil && chunk.Error != nil {
		return &conversation.ProviderError{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, chunk.Error.Message)}
	}
	log.Debug().Int("status", resp.StatusCode).Str("body", string(body)).Msg("chat completion http error")
	return &conversation.ProviderError{
		Message: fmt.Sprintf("status %d", resp.StatusCode),
		Err:     errors.New(strings.TrimSpace(string(body))),
	}
}

// MessagesToOpenAI renders a thread into chat completion messages. Messages
// with attachments become multi-part messages: text-like attachments are
// added as text parts, images as image_url parts. Audio attachments are not
// supported by the request type and are dropped.
func MessagesToOpenAI(messages []*conversation.Message) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		text := m.Content.String()
		if len(m.Extra) == 0 {
			ret = append(ret, go_openai.ChatCompletionMessage{Role: string(m.Role), Content: text})
			continue
		}

		parts := []go_openai.ChatMessagePart{}
		for _, extra := range m.Extra {
			switch extra.Type {
			case conversation.ExtraTypeContext:
				parts = append(parts, go_openai.ChatMessagePart{
					Type: go_openai.ChatMessagePartTypeText,
					Text: extra.Content,
				})
			case conversation.ExtraTypeTextFile:
				parts = append(parts, go_openai.ChatMessagePart{
					Type: go_openai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("File: %s\nContent:\n\n%s", extra.Name, extra.Content),
				})
			case conversation.ExtraTypeImageFile:
				parts = append(parts, go_openai.ChatMessagePart{
					Type: go_openai.ChatMessagePartTypeImageURL,
					ImageURL: &go_openai.ChatMessageImageURL{
						URL:    extra.Base64URL,
						Detail: go_openai.ImageURLDetailAuto,
					},
				})
			default:
				log.Warn().Str("type", string(extra.Type)).Str("name", extra.Name).Msg("dropping unsupported attachment")
			}
		}
		parts = append(parts, go_openai.ChatMessagePart{Type: go_openai.ChatMessagePartTypeText, Text: text})
		ret = append(ret, go_openai.ChatCompletionMessage{Role: string(m.Role), MultiContent: parts})
	}
	return ret
}
