package session

import (
	"context"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/streaming"
)

// Reply is an assistant answer being generated in the background for one
// conversation. Stopping it keeps what was streamed so far.
type Reply struct {
	ConvID      string
	InferenceID string
	// ParentID is the message being answered.
	ParentID int64

	gen      *streaming.Generation
	finished chan struct{}
	// written once, before finished is closed
	result *streaming.Result
	err    error
}

func newReply(gen *streaming.Generation, parentID int64) *Reply {
	return &Reply{
		ConvID:      gen.ConvID,
		InferenceID: gen.InferenceID,
		ParentID:    parentID,
		gen:         gen,
		finished:    make(chan struct{}),
	}
}

func (r *Reply) finish(result *streaming.Result, err error) {
	r.result, r.err = result, err
	close(r.finished)
}

// Stop aborts the stream. Safe to call more than once, and after the reply finished.
func (r *Reply) Stop() {
	r.gen.Cancel()
}

func (r *Reply) Finished() <-chan struct{} {
	return r.finished
}

func (r *Reply) Streaming() bool {
	select {
	case <-r.finished:
		return false
	default:
		return true
	}
}

// Partial returns a copy of the answer as streamed so far. It is nil before
// the first chunk arrives and once the reply has finished; use the result's
// message then.
func (r *Reply) Partial() *conversation.Message {
	if !r.Streaming() {
		return nil
	}
	return r.gen.Pending()
}

// Await blocks until the reply finished or ctx is done. Giving up on ctx
// does not stop the reply.
func (r *Reply) Await(ctx context.Context) (*streaming.Result, error) {
	select {
	case <-r.finished:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
