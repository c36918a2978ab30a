package streaming

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/chattree/pkg/chatstore"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/events"
	"github.com/go-go-golems/chattree/pkg/persistence"
	"github.com/go-go-golems/chattree/pkg/provider"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays chunks. When block is set, the stream waits for
// cancellation after the last chunk instead of ending.
type scriptedProvider struct {
	chunks  []provider.Chunk
	postErr error
	recvErr error
	block   bool

	mu       sync.Mutex
	prompt   []*conversation.Message
	model    string
	drained  chan struct{}
	drainOne sync.Once
}

func newScripted(chunks ...provider.Chunk) *scriptedProvider {
	return &scriptedProvider{chunks: chunks, drained: make(chan struct{})}
}

func (p *scriptedProvider) GetModels(context.Context) ([]provider.Model, error) {
	return []provider.Model{{ID: "scripted"}}, nil
}

func (p *scriptedProvider) PostChatCompletions(
	ctx context.Context,
	model string,
	messages []*conversation.Message,
	_ provider.Options,
) (provider.ChunkStream, error) {
	p.mu.Lock()
	p.prompt = messages
	p.model = model
	p.mu.Unlock()
	if p.postErr != nil {
		return nil, p.postErr
	}
	return &scriptedStream{ctx: ctx, p: p, chunks: append([]provider.Chunk{}, p.chunks...)}, nil
}

type scriptedStream struct {
	ctx    context.Context
	p      *scriptedProvider
	chunks []provider.Chunk
}

func (s *scriptedStream) Recv() (provider.Chunk, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	s.p.drainOne.Do(func() { close(s.p.drained) })
	if s.p.recvErr != nil {
		return provider.Chunk{}, s.p.recvErr
	}
	if s.p.block {
		<-s.ctx.Done()
		return provider.Chunk{}, s.ctx.Err()
	}
	return provider.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) PublishEvent(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := []events.EventType{}
	for _, e := range r.events {
		ret = append(ret, e.Type())
	}
	return ret
}

type fixture struct {
	ctx       context.Context
	allocator *conversation.IDAllocator
	manager   *chatstore.ManagerImpl
	recorder  *eventRecorder
	metrics   *Metrics
	conv      *conversation.Conversation
	userMsg   *conversation.Message
}

func newFixture(t *testing.T) *fixture {
	allocator := conversation.NewIDAllocator()
	store := persistence.NewInMemoryStore(persistence.WithAllocator(allocator))
	t.Cleanup(func() {
		_ = store.Close()
	})
	f := &fixture{
		ctx:       context.Background(),
		allocator: allocator,
		manager:   chatstore.NewManager(store, chatstore.WithAllocator(allocator)),
		recorder:  &eventRecorder{},
		metrics:   NewMetrics(),
	}
	require.NoError(t, f.metrics.Register(prometheus.NewRegistry()))

	conv, err := f.manager.CreateConversation(f.ctx, "test")
	require.NoError(t, err)
	sys := f.msg(conv.ID, conversation.RoleSystem, "stored system message")
	require.NoError(t, f.manager.AppendMessage(f.ctx, sys, conv.CurrentNode))
	f.userMsg = f.msg(conv.ID, conversation.RoleUser, "hello")
	require.NoError(t, f.manager.AppendMessage(f.ctx, f.userMsg, sys.ID))
	f.conv, err = f.manager.GetConversation(f.ctx, conv.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) msg(convID string, role conversation.Role, text string) *conversation.Message {
	id := f.allocator.Next()
	return conversation.NewChatMessage(convID, role, text, conversation.WithID(id), conversation.WithTimestamp(id))
}

func (f *fixture) coordinator(p provider.Provider, options ...CoordinatorOption) *Coordinator {
	options = append([]CoordinatorOption{
		WithAllocator(f.allocator),
		WithSink(f.recorder),
		WithMetrics(f.metrics),
	}, options...)
	return NewCoordinator(f.manager, p, options...)
}

func (f *fixture) messages(t *testing.T) []*conversation.Message {
	msgs, err := f.manager.GetMessages(f.ctx, f.conv.ID)
	require.NoError(t, err)
	return msgs
}

func intPtr(i int) *int { return &i }

func TestGenerateCommitsStreamedMessage(t *testing.T) {
	f := newFixture(t)
	p := newScripted(
		provider.Chunk{Model: "m1", Choices: []provider.Choice{{Delta: provider.Delta{Content: "Hel"}}}},
		provider.Chunk{Choices: []provider.Choice{{Delta: provider.Delta{Content: "lo", ReasoningContent: "r1"}}}},
		provider.Chunk{Choices: []provider.Choice{{Delta: provider.Delta{Reasoning: "r2"}}}},
		provider.Chunk{Model: "ignored", Timings: &conversation.Timings{PromptN: intPtr(5)}},
		provider.Chunk{Choices: []provider.Choice{{}}, Timings: &conversation.Timings{PredictedN: intPtr(2)}},
	)
	c := f.coordinator(p, WithSystemPrompt("be brief"), WithModel("requested"))

	res, err := c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, res.Outcome)
	require.NotNil(t, res.Message)
	assert.NotEmpty(t, res.InferenceID)

	stored, err := f.manager.GetMessage(f.ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", stored.Content.String())
	require.NotNil(t, stored.ReasoningContent)
	assert.Equal(t, "r1r2", *stored.ReasoningContent)
	assert.Equal(t, "m1", stored.Model)
	assert.Equal(t, f.userMsg.ID, stored.Parent)
	assert.Equal(t, conversation.RoleAssistant, stored.Role)
	require.NotNil(t, stored.Timings)
	assert.Nil(t, stored.Timings.PromptN)
	assert.Equal(t, 2, *stored.Timings.PredictedN)

	conv, err := f.manager.GetConversation(f.ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, conv.CurrentNode)
	require.NoError(t, conversation.ValidateTree(conv, f.messages(t)))

	require.Len(t, p.prompt, 2)
	assert.Equal(t, conversation.RoleSystem, p.prompt[0].Role)
	assert.Equal(t, "be brief", p.prompt[0].Content.String())
	assert.Equal(t, "hello", p.prompt[1].Content.String())
	assert.Equal(t, "requested", p.model)

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypePartialThinking,
		events.EventTypePartialThinking,
		events.EventTypeFinal,
	}, f.recorder.types())

	assert.False(t, c.Registry().IsGenerating(f.conv.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Generations.WithLabelValues(string(OutcomeCommitted))))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.Chunks))
}

func TestAbortCommitsPartialContent(t *testing.T) {
	f := newFixture(t)
	p := newScripted(provider.Chunk{Choices: []provider.Choice{{Delta: provider.Delta{Content: "partial"}}}})
	p.block = true
	c := f.coordinator(p)

	done := make(chan *Result, 1)
	go func() {
		res, _ := c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
		done <- res
	}()
	select {
	case <-p.drained:
	case <-time.After(time.Second):
		t.Fatal("stream never drained")
	}
	pending := c.Registry().Pending(f.conv.ID)
	require.NotNil(t, pending)
	assert.Equal(t, "partial", pending.Content.String())

	require.True(t, c.Registry().Cancel(f.conv.ID))
	res := <-done
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Message)

	stored, err := f.manager.GetMessage(f.ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", stored.Content.String())
	assert.Contains(t, f.recorder.types(), events.EventTypeInterrupt)
	assert.False(t, c.Registry().IsGenerating(f.conv.ID))
}

func TestAbortWithoutContentCommitsNothing(t *testing.T) {
	f := newFixture(t)
	p := newScripted()
	p.block = true
	c := f.coordinator(p)
	before := len(f.messages(t))

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan *Result, 1)
	go func() {
		res, _ := c.Generate(ctx, f.conv.ID, f.userMsg.ID)
		done <- res
	}()
	<-p.drained
	cancel()
	res := <-done
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Nil(t, res.Message)
	assert.Len(t, f.messages(t), before)
}

func TestErrorChunkDiscardsPendingMessage(t *testing.T) {
	f := newFixture(t)
	p := newScripted(
		provider.Chunk{Choices: []provider.Choice{{Delta: provider.Delta{Content: "x"}}}},
		provider.Chunk{Error: &provider.ChunkError{Message: "boom"}},
		provider.Chunk{Choices: []provider.Choice{{Delta: provider.Delta{Content: "never"}}}},
	)
	c := f.coordinator(p)
	before := len(f.messages(t))

	res, err := c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
	require.ErrorIs(t, err, conversation.ErrProvider)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Nil(t, res.Message)
	assert.Len(t, f.messages(t), before)
	types := f.recorder.types()
	assert.Equal(t, events.EventTypeError, types[len(types)-1])
	assert.False(t, c.Registry().IsGenerating(f.conv.ID))
}

func TestTransportErrors(t *testing.T) {
	f := newFixture(t)

	p := newScripted()
	p.postErr = errors.New("connection refused")
	c := f.coordinator(p)
	res, err := c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
	require.ErrorIs(t, err, conversation.ErrProvider)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, c.Registry().IsGenerating(f.conv.ID))

	p = newScripted(provider.Chunk{Choices: []provider.Choice{{Delta: provider.Delta{Content: "x"}}}})
	p.recvErr = io.ErrUnexpectedEOF
	c = f.coordinator(p)
	res, err = c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestEmptyStreamIsDropped(t *testing.T) {
	f := newFixture(t)
	p := newScripted(provider.Chunk{Model: "m", Choices: []provider.Choice{{Delta: provider.Delta{Reasoning: "only thinking"}}}})
	c := f.coordinator(p)
	before := len(f.messages(t))

	res, err := c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Len(t, f.messages(t), before)
	types := f.recorder.types()
	assert.Equal(t, events.EventTypeDropped, types[len(types)-1])
}

func TestSecondGenerationIsRejected(t *testing.T) {
	f := newFixture(t)
	p := newScripted()
	p.block = true
	c := f.coordinator(p)

	done := make(chan *Result, 1)
	go func() {
		res, _ := c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
		done <- res
	}()
	<-p.drained
	before := len(f.messages(t))

	res, err := c.Generate(f.ctx, f.conv.ID, f.userMsg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Len(t, f.messages(t), before)
	assert.True(t, c.Registry().IsGenerating(f.conv.ID))
	assert.Equal(t, []string{f.conv.ID}, c.Registry().Active())

	c.Registry().Cancel(f.conv.ID)
	<-done
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Generations.WithLabelValues(string(OutcomeRejected))))
}

func TestGenerateUnknownLeaf(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(newScripted())
	res, err := c.Generate(f.ctx, f.conv.ID, 12345)
	require.ErrorIs(t, err, conversation.ErrNotFound)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, f.recorder.types())
}

func TestRegistryEndIsIdempotent(t *testing.T) {
	r := NewRegistry()
	g, ok := r.Begin(context.Background(), "conv-1")
	require.True(t, ok)
	_, ok = r.Begin(context.Background(), "conv-1")
	require.False(t, ok)

	r.End(g)
	r.End(g)
	select {
	case <-g.Done():
	default:
		t.Fatal("done not closed")
	}
	require.Error(t, g.Context().Err())
	assert.False(t, r.IsGenerating("conv-1"))
	assert.False(t, r.Cancel("conv-1"))

	g2, ok := r.Begin(context.Background(), "conv-1")
	require.True(t, ok)
	r.End(g)
	assert.True(t, r.IsGenerating("conv-1"))
	assert.NotEqual(t, g.InferenceID, g2.InferenceID)
	r.End(g2)
}
