package persistence

import (
	"context"
	"sync"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// backend mirrors committed state to durable storage.
type backend interface {
	load(t *tables) error
	commit(ctx context.Context, cs *changeset) error
	close() error
}

// engine implements Store over an in-memory copy of the committed tables.
// Updates are serialized under the write lock; views share the read lock.
type engine struct {
	mu        sync.RWMutex
	name      string
	state     *tables
	backend   backend
	bus       *Bus
	ownsBus   bool
	allocator *conversation.IDAllocator
	closed    bool
}

func newEngine(name string, b backend, options ...Option) (*engine, error) {
	e := &engine{
		name:    name,
		state:   newTables(),
		backend: b,
	}
	for _, o := range options {
		o(e)
	}
	if e.bus == nil {
		e.bus = NewBus(nil)
		e.ownsBus = true
	}
	if e.allocator == nil {
		e.allocator = conversation.DefaultAllocator
	}
	if err := b.load(e.state); err != nil {
		return nil, errors.Wrapf(err, "%s: load", name)
	}
	e.allocator.Observe(e.state.maxMessageID())
	log.Debug().
		Str("component", "persistence").
		Str("engine", name).
		Int("conversations", len(e.state.conversations)).
		Int("messages", len(e.state.messages)).
		Msg("store opened")
	return e, nil
}

func (e *engine) ensureOpen() error {
	if e.closed {
		return errors.Errorf("%s closed", e.name)
	}
	return nil
}

func (e *engine) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return fn(newOverlayTx(e.state, true))
}

func (e *engine) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return &conversation.TransactionError{Op: "begin", Err: err}
	}
	touched, err := e.update(ctx, fn)
	if err != nil {
		return err
	}
	for _, convID := range touched {
		e.bus.Dispatch(convID)
	}
	return nil
}

func (e *engine) update(ctx context.Context, fn func(tx Tx) error) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureOpen(); err != nil {
		return nil, &conversation.TransactionError{Op: "begin", Err: err}
	}

	tx := newOverlayTx(e.state, false)
	if err := fn(tx); err != nil {
		if conversation.IsDomainError(err) {
			return nil, err
		}
		return nil, &conversation.TransactionError{Op: "update", Err: err}
	}
	if !tx.changes.hasWrites() {
		return nil, nil
	}
	if err := e.backend.commit(ctx, tx.changes); err != nil {
		log.Warn().Err(err).Str("component", "persistence").Str("engine", e.name).Msg("commit failed")
		return nil, &conversation.TransactionError{Op: "commit", Err: err}
	}
	e.state.apply(tx.changes)
	return tx.changes.touched, nil
}

func (e *engine) OnConversationChanged(cb ChangeCallback) func() {
	return e.bus.Subscribe(cb)
}

func (e *engine) Dispatch(convID string) {
	e.bus.Dispatch(convID)
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.backend.close()
	if e.ownsBus {
		if busErr := e.bus.Close(); busErr != nil && err == nil {
			err = busErr
		}
	}
	return err
}
