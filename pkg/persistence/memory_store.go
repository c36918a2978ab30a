package persistence

import "context"

// InMemoryStore keeps everything in process memory. It is used by tests and
// by ephemeral sessions.
type InMemoryStore struct {
	*engine
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore(options ...Option) *InMemoryStore {
	e, err := newEngine("in-memory store", memoryBackend{}, options...)
	if err != nil {
		// memoryBackend.load never fails
		panic(err)
	}
	return &InMemoryStore{engine: e}
}

type memoryBackend struct{}

func (memoryBackend) load(*tables) error { return nil }
func (memoryBackend) commit(context.Context, *changeset) error { return nil }
func (memoryBackend) close() error { return nil }
