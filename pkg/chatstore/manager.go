package chatstore

// Package chatstore manages branching chat histories on top of a
// persistence.Store.
//
// Every conversation is a tree of messages hanging off a hidden root node.
// Editing history never rewrites a message: it adds a sibling, which forks a
// new branch. The conversation's current node marks the tip of the branch
// being displayed.
//
// The Manager interface is the entry point:
// - creating, renaming and deleting conversations
// - appending committed messages under a parent
// - branching a conversation at a message into a new conversation
// - deleting a message together with its subtree
// - reading conversations, messages, leaf paths and sibling leaves
//
// All writes go through one store transaction each and notify subscribers
// of OnConversationChanged after they commit.

import (
	"context"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/persistence"
)

// Manager defines the message tree operations.
type Manager interface {
	CreateConversation(ctx context.Context, name string) (*conversation.Conversation, error)
	// AppendMessage stores msg as the newest child of parentID and moves the
	// conversation's current node to it. Pending messages are ignored.
	AppendMessage(ctx context.Context, msg *conversation.Message, parentID int64) error
	// BranchConversation copies the path from the root to forkMsgID into a
	// new conversation.
	BranchConversation(ctx context.Context, convID string, forkMsgID int64) (*conversation.Conversation, error)
	UpdateConversationName(ctx context.Context, convID string, name string) error
	SetCurrentNode(ctx context.Context, convID string, msgID int64) error
	DeleteMessage(ctx context.Context, convID string, msgID int64) error
	DeleteConversation(ctx context.Context, convID string) error

	GetConversation(ctx context.Context, convID string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context) ([]*conversation.Conversation, error)
	GetMessages(ctx context.Context, convID string) ([]*conversation.Message, error)
	GetMessage(ctx context.Context, msgID int64) (*conversation.Message, error)
	// GetThread returns the root-excluded path ending at leafID.
	GetThread(ctx context.Context, convID string, leafID int64) (conversation.Thread, error)
	SiblingLeafIDs(ctx context.Context, convID string, msgID int64) ([]int64, error)

	ListPresets(ctx context.Context) ([]*conversation.Preset, error)
	SavePreset(ctx context.Context, preset *conversation.Preset) (*conversation.Preset, error)
	DeletePreset(ctx context.Context, presetID string) error

	OnConversationChanged(cb persistence.ChangeCallback) (unsubscribe func())
}
