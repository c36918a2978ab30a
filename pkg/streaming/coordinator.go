package streaming

import (
	"context"
	"io"
	"time"

	"github.com/go-go-golems/chattree/pkg/chatstore"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/events"
	"github.com/go-go-golems/chattree/pkg/provider"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outcome is how a generation ended.
type Outcome string

const (
	// OutcomeCommitted means the stream completed and the message was stored.
	OutcomeCommitted Outcome = "committed"
	// OutcomeCancelled means the generation was aborted. Partial content, if
	// any, was stored.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeDropped means the stream ended without content. Nothing was stored.
	OutcomeDropped Outcome = "dropped"
	OutcomeFailed  Outcome = "failed"
	// OutcomeRejected means another generation was active for the conversation.
	OutcomeRejected Outcome = "rejected"
)

type Result struct {
	Outcome     Outcome
	InferenceID string
	// Message is the committed message, nil when nothing was stored.
	Message *conversation.Message
	Err     error
}

// Stored reports whether the generation left a message in the conversation,
// which a cancelled generation does when some content had arrived.
func (r *Result) Stored() bool {
	return r != nil && r.Message != nil
}

// MessageID returns the id of the stored message, 0 when nothing was stored.
func (r *Result) MessageID() int64 {
	if !r.Stored() {
		return 0
	}
	return r.Message.ID
}

// Coordinator drives chat completions into conversations.
type Coordinator struct {
	manager      chatstore.Manager
	provider     provider.Provider
	registry     *Registry
	allocator    *conversation.IDAllocator
	systemPrompt string
	model        string
	options      provider.Options
	sinks        []events.EventSink
	metrics      *Metrics
	now          func() time.Time
}

type CoordinatorOption func(*Coordinator)

func WithSystemPrompt(prompt string) CoordinatorOption {
	return func(c *Coordinator) {
		c.systemPrompt = prompt
	}
}

func WithModel(model string) CoordinatorOption {
	return func(c *Coordinator) {
		c.model = model
	}
}

func WithProviderOptions(options provider.Options) CoordinatorOption {
	return func(c *Coordinator) {
		c.options = options
	}
}

func WithSink(sinks ...events.EventSink) CoordinatorOption {
	return func(c *Coordinator) {
		c.sinks = append(c.sinks, sinks...)
	}
}

func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithAllocator(a *conversation.IDAllocator) CoordinatorOption {
	return func(c *Coordinator) {
		c.allocator = a
	}
}

func WithRegistry(r *Registry) CoordinatorOption {
	return func(c *Coordinator) {
		c.registry = r
	}
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(manager chatstore.Manager, p provider.Provider, options ...CoordinatorOption) *Coordinator {
	ret := &Coordinator{
		manager:   manager,
		provider:  p,
		registry:  NewRegistry(),
		allocator: conversation.DefaultAllocator,
		now:       time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Generate answers the branch ending at leafID. It does nothing and returns
// an OutcomeRejected result if the conversation is already generating.
func (c *Coordinator) Generate(ctx context.Context, convID string, leafID int64) (*Result, error) {
	gen, ok := c.registry.Begin(ctx, convID)
	if !ok {
		log.Debug().Str("component", "coordinator").Str("conv_id", convID).Msg("generation already active, ignoring")
		c.metrics.observe(OutcomeRejected, 0)
		return &Result{Outcome: OutcomeRejected}, nil
	}
	return c.Run(gen, leafID)
}

// Run consumes one completion for a generation obtained from the registry
// and releases the generation's slot when done. Cancelling the generation
// stops the stream and stores the content received so far.
func (c *Coordinator) Run(gen *Generation, leafID int64) (*Result, error) {
	defer c.registry.End(gen)

	ctx := gen.Context()
	start := c.now()
	logger := log.With().
		Str("component", "coordinator").
		Str("conv_id", gen.ConvID).
		Str("inference_id", gen.InferenceID).
		Int64("leaf_id", leafID).
		Logger()

	msgs, err := c.manager.GetMessages(ctx, gen.ConvID)
	if err != nil {
		return c.finish(start, &Result{Outcome: OutcomeFailed, InferenceID: gen.InferenceID, Err: err})
	}
	ct := conversation.NewConversationTree(msgs)
	if _, ok := ct.GetMessageByID(leafID); !ok {
		err := conversation.NewMessageNotFound(leafID)
		return c.finish(start, &Result{Outcome: OutcomeFailed, InferenceID: gen.InferenceID, Err: err})
	}

	thread := conversation.FilterToLeafPath(msgs, leafID, false).WithoutRole(conversation.RoleSystem)
	prompt := make([]*conversation.Message, 0, len(thread)+1)
	if c.systemPrompt != "" {
		prompt = append(prompt, &conversation.Message{
			ConvID:   gen.ConvID,
			Kind:     conversation.KindText,
			Role:     conversation.RoleSystem,
			Content:  conversation.Committed(c.systemPrompt),
			Parent:   conversation.NoParent,
			Children: []int64{},
		})
	}
	prompt = append(prompt, thread...)

	id := c.allocator.Next()
	pending := &conversation.Message{
		ID:        id,
		ConvID:    gen.ConvID,
		Kind:      conversation.KindText,
		Timestamp: id,
		Role:      conversation.RoleAssistant,
		Content:   conversation.Pending(),
		Parent:    leafID,
		Children:  []int64{},
	}
	gen.setPending(pending)
	c.publish(events.NewStartEvent(events.MetadataFor(gen.InferenceID, pending)))
	logger.Debug().Int64("message_id", id).Int("prompt_messages", len(prompt)).Msg("starting generation")

	aborted, streamErr := c.consume(ctx, logger, gen, pending, prompt)

	meta := events.MetadataFor(gen.InferenceID, pending)
	durationMs := c.now().Sub(start).Milliseconds()
	meta.DurationMs = &durationMs

	if streamErr != nil {
		logger.Warn().Err(streamErr).Msg("generation failed, discarding pending message")
		c.publish(events.NewErrorEvent(meta, streamErr))
		return c.finish(start, &Result{Outcome: OutcomeFailed, InferenceID: gen.InferenceID, Err: streamErr})
	}

	outcome := OutcomeCommitted
	if aborted {
		outcome = OutcomeCancelled
	}
	if pending.Content.IsPending() {
		logger.Debug().Bool("aborted", aborted).Msg("no content generated, dropping pending message")
		c.publish(events.NewDroppedEvent(meta))
		if !aborted {
			outcome = OutcomeDropped
		}
		return c.finish(start, &Result{Outcome: outcome, InferenceID: gen.InferenceID})
	}

	// the abort signal must not cancel the commit of the partial content
	commitCtx := context.WithoutCancel(ctx)
	if err := c.manager.AppendMessage(commitCtx, pending, leafID); err != nil {
		logger.Error().Err(err).Msg("could not commit generated message")
		c.publish(events.NewErrorEvent(meta, err))
		return c.finish(start, &Result{Outcome: OutcomeFailed, InferenceID: gen.InferenceID, Err: err})
	}

	text := pending.Content.String()
	if aborted {
		c.publish(events.NewInterruptEvent(meta, text))
	} else {
		c.publish(events.NewFinalEvent(meta, text))
	}
	logger.Debug().Int64("message_id", pending.ID).Str("outcome", string(outcome)).Int("length", len(text)).Msg("generation committed")
	return c.finish(start, &Result{Outcome: outcome, InferenceID: gen.InferenceID, Message: pending.Clone()})
}

// consume reads the stream into pending until it ends, fails or is aborted.
func (c *Coordinator) consume(
	ctx context.Context,
	logger zerolog.Logger,
	gen *Generation,
	pending *conversation.Message,
	prompt []*conversation.Message,
) (aborted bool, err error) {
	stream, err := c.provider.PostChatCompletions(ctx, c.model, prompt, c.options)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, asProviderError(err)
	}
	defer func() {
		_ = stream.Close()
	}()

	reasoning := ""
	for {
		if ctx.Err() != nil {
			return true, nil
		}
		chunk, err := stream.Recv()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return false, asProviderError(err)
		}
		c.metrics.chunk()

		if chunk.Error != nil {
			return false, &conversation.ProviderError{Message: chunk.Error.Error()}
		}
		if len(chunk.Choices) == 0 {
			logger.Warn().Str("model", chunk.Model).Msg("skipping chunk without choices")
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			pending.Content = pending.Content.Append(delta.Content)
			c.publish(events.NewPartialCompletionEvent(events.MetadataFor(gen.InferenceID, pending), delta.Content, pending.Content.String()))
		}
		if r := delta.ReasoningDelta(); r != "" {
			reasoning += r
			rc := reasoning
			pending.ReasoningContent = &rc
			c.publish(events.NewThinkingPartialEvent(events.MetadataFor(gen.InferenceID, pending), r, reasoning))
		}
		if chunk.Model != "" {
			pending.Model = chunk.Model
		}
		if chunk.Timings != nil {
			if pending.Timings == nil {
				pending.Timings = &conversation.Timings{}
			}
			pending.Timings.Merge(chunk.Timings)
		}
		gen.setPending(pending)
	}
}

func (c *Coordinator) finish(start time.Time, result *Result) (*Result, error) {
	c.metrics.observe(result.Outcome, c.now().Sub(start).Seconds())
	return result, result.Err
}

func (c *Coordinator) publish(e events.Event) {
	events.PublishAll(c.sinks, e)
}

func asProviderError(err error) error {
	if errors.Is(err, conversation.ErrProvider) {
		return err
	}
	return &conversation.ProviderError{Message: "stream failed", Err: err}
}
