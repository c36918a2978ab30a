package chatstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/persistence"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BranchSuffix is appended to the name of a branched conversation.
const BranchSuffix = " - Branched"

type ManagerImpl struct {
	store     persistence.Store
	allocator *conversation.IDAllocator
	now       func() time.Time
}

var _ Manager = (*ManagerImpl)(nil)

type ManagerOption func(*ManagerImpl)

func WithAllocator(a *conversation.IDAllocator) ManagerOption {
	return func(m *ManagerImpl) {
		m.allocator = a
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *ManagerImpl) {
		m.now = now
	}
}

func NewManager(store persistence.Store, options ...ManagerOption) *ManagerImpl {
	ret := &ManagerImpl{
		store:     store,
		allocator: conversation.DefaultAllocator,
		now:       time.Now,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (m *ManagerImpl) Store() persistence.Store {
	return m.store
}

func (m *ManagerImpl) Allocator() *conversation.IDAllocator {
	return m.allocator
}

func (m *ManagerImpl) nowMillis() int64 {
	return m.now().UnixMilli()
}

func (m *ManagerImpl) CreateConversation(ctx context.Context, name string) (*conversation.Conversation, error) {
	id := m.allocator.Next()
	conv := &conversation.Conversation{
		ID:           conversation.ConversationIDFor(id),
		LastModified: m.nowMillis(),
		CurrentNode:  id,
		Name:         name,
	}
	root := &conversation.Message{
		ID:        id,
		ConvID:    conv.ID,
		Kind:      conversation.KindRoot,
		Timestamp: id,
		Role:      conversation.RoleSystem,
		Content:   conversation.Committed(""),
		Parent:    conversation.NoParent,
		Children:  []int64{},
	}

	err := m.store.Update(ctx, func(tx persistence.Tx) error {
		if _, err := tx.GetConversation(conv.ID); err == nil {
			return &conversation.TransactionError{Op: "create conversation", Err: fmt.Errorf("conversation %q already exists", conv.ID)}
		}
		if _, err := tx.GetMessage(root.ID); err == nil {
			return &conversation.TransactionError{Op: "create conversation", Err: fmt.Errorf("message %d already exists", root.ID)}
		}
		if err := tx.PutConversation(conv); err != nil {
			return err
		}
		return tx.PutMessage(root)
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("conv_id", conv.ID).Str("name", conv.Name).Msg("conversation created")
	return conv.Clone(), nil
}

func (m *ManagerImpl) AppendMessage(ctx context.Context, msg *conversation.Message, parentID int64) error {
	if msg == nil {
		return &conversation.ValidationError{Field: "message", Reason: "must not be nil"}
	}
	if msg.Content.IsPending() {
		log.Trace().Int64("msg_id", msg.ID).Msg("skipping append of pending message")
		return nil
	}
	if msg.Kind == conversation.KindRoot {
		return &conversation.ValidationError{Field: "message.type", Reason: "cannot append a root node"}
	}

	return m.store.Update(ctx, func(tx persistence.Tx) error {
		conv, err := tx.GetConversation(msg.ConvID)
		if err != nil {
			return err
		}
		parent, err := tx.GetMessage(parentID)
		if err != nil {
			return err
		}
		if parent.ConvID != conv.ID {
			return conversation.NewMessageNotFound(parentID)
		}
		if _, err := tx.GetMessage(msg.ID); err == nil {
			return &conversation.TransactionError{Op: "append message", Err: fmt.Errorf("message %d already exists", msg.ID)}
		}

		parent.Children = append(parent.Children, msg.ID)
		if err := tx.PutMessage(parent); err != nil {
			return err
		}

		row := msg.Clone()
		row.Parent = parentID
		row.Children = []int64{}
		if row.Kind == "" {
			row.Kind = conversation.KindText
		}
		if err := tx.PutMessage(row); err != nil {
			return err
		}

		conv.LastModified = m.nowMillis()
		conv.CurrentNode = row.ID
		return tx.PutConversation(conv)
	})
}

func (m *ManagerImpl) BranchConversation(ctx context.Context, convID string, forkMsgID int64) (*conversation.Conversation, error) {
	var branched *conversation.Conversation

	err := m.store.Update(ctx, func(tx persistence.Tx) error {
		conv, err := tx.GetConversation(convID)
		if err != nil {
			return err
		}
		msgs, err := tx.ListMessages(convID)
		if err != nil {
			return err
		}
		ct := conversation.NewConversationTree(msgs)
		if _, ok := ct.GetMessageByID(forkMsgID); !ok {
			return conversation.NewMessageNotFound(forkMsgID)
		}

		path := conversation.FilterToLeafPath(msgs, forkMsgID, true)
		firstID := m.allocator.NextBlock(len(path))
		copies, remap := conversation.CopyPath(path, conversation.ConversationIDFor(firstID), firstID)

		branched = &conversation.Conversation{
			ID:           conversation.ConversationIDFor(firstID),
			LastModified: m.nowMillis(),
			CurrentNode:  remap[forkMsgID],
			Name:         conv.Name + BranchSuffix,
		}
		if _, err := tx.GetConversation(branched.ID); err == nil {
			return &conversation.TransactionError{Op: "branch conversation", Err: fmt.Errorf("conversation %q already exists", branched.ID)}
		}
		if err := tx.PutConversation(branched); err != nil {
			return err
		}
		for _, c := range copies {
			if _, err := tx.GetMessage(c.ID); err == nil {
				return &conversation.TransactionError{Op: "branch conversation", Err: fmt.Errorf("message %d already exists", c.ID)}
			}
			if err := tx.PutMessage(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("conv_id", convID).
		Str("branch_id", branched.ID).
		Int64("fork_msg_id", forkMsgID).
		Msg("conversation branched")
	return branched.Clone(), nil
}

func (m *ManagerImpl) UpdateConversationName(ctx context.Context, convID string, name string) error {
	return m.store.Update(ctx, func(tx persistence.Tx) error {
		conv, err := tx.GetConversation(convID)
		if err != nil {
			return err
		}
		conv.Name = name
		conv.LastModified = m.nowMillis()
		return tx.PutConversation(conv)
	})
}

// SetCurrentNode moves the displayed tip, as when cycling between siblings.
func (m *ManagerImpl) SetCurrentNode(ctx context.Context, convID string, msgID int64) error {
	return m.store.Update(ctx, func(tx persistence.Tx) error {
		conv, err := tx.GetConversation(convID)
		if err != nil {
			return err
		}
		msg, err := tx.GetMessage(msgID)
		if err != nil {
			return err
		}
		if msg.ConvID != convID {
			return conversation.NewMessageNotFound(msgID)
		}
		conv.CurrentNode = msgID
		return tx.PutConversation(conv)
	})
}

// DeleteMessage removes msgID and every descendant. Children lists of the
// remaining nodes are pruned of any deleted id, which also repairs lists
// that referenced rows missing from an earlier crash or import. When the
// current node was deleted, it moves to the deleted node's parent.
func (m *ManagerImpl) DeleteMessage(ctx context.Context, convID string, msgID int64) error {
	deleted := 0
	err := m.store.Update(ctx, func(tx persistence.Tx) error {
		conv, err := tx.GetConversation(convID)
		if err != nil {
			return err
		}
		msgs, err := tx.ListMessages(convID)
		if err != nil {
			return err
		}
		ct := conversation.NewConversationTree(msgs)
		target, ok := ct.GetMessageByID(msgID)
		if !ok {
			return conversation.NewMessageNotFound(msgID)
		}
		if target.IsRoot() {
			return &conversation.ValidationError{Field: "message", Reason: "the root node cannot be deleted"}
		}

		doomed := map[int64]struct{}{}
		for _, id := range ct.Subtree(msgID) {
			doomed[id] = struct{}{}
		}
		for id := range doomed {
			if err := tx.DeleteMessage(id); err != nil {
				return err
			}
		}
		deleted = len(doomed)

		for _, node := range msgs {
			if _, gone := doomed[node.ID]; gone {
				continue
			}
			kept := make([]int64, 0, len(node.Children))
			for _, childID := range node.Children {
				if _, gone := doomed[childID]; gone {
					continue
				}
				if _, exists := ct.Nodes[childID]; !exists {
					continue
				}
				kept = append(kept, childID)
			}
			if len(kept) == len(node.Children) {
				continue
			}
			node.Children = kept
			if err := tx.PutMessage(node); err != nil {
				return err
			}
		}

		if _, gone := doomed[conv.CurrentNode]; gone {
			conv.CurrentNode = target.Parent
		}
		conv.LastModified = m.nowMillis()
		return tx.PutConversation(conv)
	})
	if err != nil {
		return err
	}

	log.Debug().Str("conv_id", convID).Int64("msg_id", msgID).Int("deleted", deleted).Msg("message subtree deleted")
	return nil
}

func (m *ManagerImpl) DeleteConversation(ctx context.Context, convID string) error {
	return m.store.Update(ctx, func(tx persistence.Tx) error {
		if _, err := tx.GetConversation(convID); err != nil {
			return err
		}
		msgs, err := tx.ListMessages(convID)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := tx.DeleteMessage(msg.ID); err != nil {
				return err
			}
		}
		return tx.DeleteConversation(convID)
	})
}

func (m *ManagerImpl) GetConversation(ctx context.Context, convID string) (*conversation.Conversation, error) {
	var ret *conversation.Conversation
	err := m.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		ret, err = tx.GetConversation(convID)
		return err
	})
	return ret, err
}

// ListConversations returns the most recently modified conversation first.
func (m *ManagerImpl) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	var ret []*conversation.Conversation
	err := m.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		ret, err = tx.ListConversations()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].LastModified != ret[j].LastModified {
			return ret[i].LastModified > ret[j].LastModified
		}
		return ret[i].ID > ret[j].ID
	})
	return ret, nil
}

func (m *ManagerImpl) GetMessages(ctx context.Context, convID string) ([]*conversation.Message, error) {
	var ret []*conversation.Message
	err := m.store.View(ctx, func(tx persistence.Tx) error {
		if _, err := tx.GetConversation(convID); err != nil {
			return err
		}
		var err error
		ret, err = tx.ListMessages(convID)
		return err
	})
	return ret, err
}

func (m *ManagerImpl) GetMessage(ctx context.Context, msgID int64) (*conversation.Message, error) {
	var ret *conversation.Message
	err := m.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		ret, err = tx.GetMessage(msgID)
		return err
	})
	return ret, err
}

func (m *ManagerImpl) GetThread(ctx context.Context, convID string, leafID int64) (conversation.Thread, error) {
	msgs, err := m.GetMessages(ctx, convID)
	if err != nil {
		return nil, err
	}
	return conversation.FilterToLeafPath(msgs, leafID, false), nil
}

func (m *ManagerImpl) SiblingLeafIDs(ctx context.Context, convID string, msgID int64) ([]int64, error) {
	msgs, err := m.GetMessages(ctx, convID)
	if err != nil {
		return nil, err
	}
	ct := conversation.NewConversationTree(msgs)
	if _, ok := ct.GetMessageByID(msgID); !ok {
		return nil, conversation.NewMessageNotFound(msgID)
	}
	return ct.SiblingLeafIDs(msgID), nil
}

func (m *ManagerImpl) ListPresets(ctx context.Context) ([]*conversation.Preset, error) {
	var ret []*conversation.Preset
	err := m.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		ret, err = tx.ListPresets()
		return err
	})
	return ret, err
}

// SavePreset inserts or updates a preset. A preset without id gets a fresh one.
func (m *ManagerImpl) SavePreset(ctx context.Context, preset *conversation.Preset) (*conversation.Preset, error) {
	if preset == nil {
		return nil, &conversation.ValidationError{Field: "preset", Reason: "must not be nil"}
	}
	if preset.Name == "" {
		return nil, &conversation.ValidationError{Field: "preset.name", Reason: "must not be empty"}
	}
	row := preset.Clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := m.nowMillis()

	err := m.store.Update(ctx, func(tx persistence.Tx) error {
		if prev, err := tx.GetPreset(row.ID); err == nil {
			row.CreatedAt = prev.CreatedAt
		} else if row.CreatedAt == 0 {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		return tx.PutPreset(row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (m *ManagerImpl) DeletePreset(ctx context.Context, presetID string) error {
	return m.store.Update(ctx, func(tx persistence.Tx) error {
		return tx.DeletePreset(presetID)
	})
}

func (m *ManagerImpl) OnConversationChanged(cb persistence.ChangeCallback) func() {
	return m.store.OnConversationChanged(cb)
}
