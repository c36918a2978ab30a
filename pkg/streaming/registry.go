package streaming

import (
	"context"
	"sort"
	"sync"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/google/uuid"
)

// Generation is the in-flight state of one conversation's completion: the
// abort handle shared with the provider stream and the pending message.
type Generation struct {
	ConvID      string
	InferenceID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending *conversation.Message
}

func (g *Generation) Context() context.Context {
	return g.ctx
}

// Cancel aborts the generation. The coordinator keeps what was streamed so far.
func (g *Generation) Cancel() {
	g.cancel()
}

// Done is closed once the generation has left the registry.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Pending returns a copy of the pending message, nil before the stream starts.
func (g *Generation) Pending() *conversation.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending.Clone()
}

func (g *Generation) setPending(m *conversation.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = m.Clone()
}

// Registry holds at most one Generation per conversation.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Generation
}

func NewRegistry() *Registry {
	return &Registry{
		active: map[string]*Generation{},
	}
}

// Begin claims the conversation's slot. It returns false, and no generation,
// if a generation is already active for convID. The generation's context is
// derived from ctx.
func (r *Registry) Begin(ctx context.Context, convID string) (*Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[convID]; ok {
		return nil, false
	}
	genCtx, cancel := context.WithCancel(ctx)
	g := &Generation{
		ConvID:      convID,
		InferenceID: uuid.NewString(),
		ctx:         genCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	r.active[convID] = g
	return g, true
}

// End releases g's slot. Calling End more than once is harmless.
func (r *Registry) End(g *Generation) {
	if g == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.active[g.ConvID]; !ok || cur != g {
		return
	}
	delete(r.active, g.ConvID)
	g.cancel()
	close(g.done)
}

// Cancel aborts the active generation of convID, if any.
func (r *Registry) Cancel(convID string) bool {
	r.mu.Lock()
	g, ok := r.active[convID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	g.Cancel()
	return true
}

func (r *Registry) IsGenerating(convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[convID]
	return ok
}

func (r *Registry) Get(convID string) (*Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.active[convID]
	return g, ok
}

// Pending returns a snapshot of the pending message of convID.
func (r *Registry) Pending(convID string) *conversation.Message {
	g, ok := r.Get(convID)
	if !ok {
		return nil
	}
	return g.Pending()
}

// Active lists the conversations with a generation in flight, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]string, 0, len(r.active))
	for id := range r.active {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}
