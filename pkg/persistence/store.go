package persistence

import (
	"context"

	"github.com/go-go-golems/chattree/pkg/conversation"
)

// Table names, as used by snapshots.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
	TablePresets       = "userConfigurationPresets"
)

// ChangeCallback receives the id of a conversation touched by a committed
// transaction.
type ChangeCallback func(convID string)

// Store is an atomic multi-table store with change notification.
//
// Update runs fn inside a read-write transaction. Either every write made
// through the Tx is committed, or none is. On success, each distinct
// conversation id touched by the transaction is dispatched exactly once,
// after the store lock has been released. Callbacks must not run Update
// synchronously on the same store, since dispatch waits for them.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	OnConversationChanged(cb ChangeCallback) (unsubscribe func())
	Dispatch(convID string)
	Close() error
}

// Tx is the per-table read/write surface available inside a transaction.
//
// All returned values are copies; mutating them has no effect until they
// are written back with a Put call. Writes are visible to later reads of the
// same Tx. Getters return a *conversation.NotFoundError for missing rows.
type Tx interface {
	GetConversation(id string) (*conversation.Conversation, error)
	ListConversations() ([]*conversation.Conversation, error)
	PutConversation(c *conversation.Conversation) error
	DeleteConversation(id string) error

	GetMessage(id int64) (*conversation.Message, error)
	// ListMessages returns the messages of one conversation, or of every
	// conversation when convID is empty, ordered by id.
	ListMessages(convID string) ([]*conversation.Message, error)
	// PutMessage rejects messages with pending content.
	PutMessage(m *conversation.Message) error
	DeleteMessage(id int64) error

	GetPreset(id string) (*conversation.Preset, error)
	ListPresets() ([]*conversation.Preset, error)
	PutPreset(p *conversation.Preset) error
	DeletePreset(id string) error

	GetMeta(key string) (string, bool, error)
	SetMeta(key, value string) error
}

type Option func(*engine)

// WithBus shares a change bus between stores. By default every store owns
// its own bus.
func WithBus(bus *Bus) Option {
	return func(e *engine) {
		e.bus = bus
	}
}

// WithAllocator makes the store report the ids it loads to the allocator,
// so that fresh ids never collide with persisted ones.
func WithAllocator(a *conversation.IDAllocator) Option {
	return func(e *engine) {
		e.allocator = a
	}
}
