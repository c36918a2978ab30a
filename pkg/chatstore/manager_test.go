package chatstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx       context.Context
	store     *persistence.InMemoryStore
	allocator *conversation.IDAllocator
	m         *ManagerImpl
}

func newFixture(t *testing.T) *fixture {
	clock := time.UnixMilli(1_000_000)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	allocator := conversation.NewIDAllocatorWithClock(now)
	store := persistence.NewInMemoryStore(persistence.WithAllocator(allocator))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return &fixture{
		ctx:       context.Background(),
		store:     store,
		allocator: allocator,
		m:         NewManager(store, WithAllocator(allocator), WithClock(now)),
	}
}

func (f *fixture) msg(convID string, role conversation.Role, text string) *conversation.Message {
	id := f.allocator.Next()
	return conversation.NewChatMessage(convID, role, text, conversation.WithID(id), conversation.WithTimestamp(id))
}

func (f *fixture) requireValid(t *testing.T, convID string) {
	conv, err := f.m.GetConversation(f.ctx, convID)
	require.NoError(t, err)
	msgs, err := f.m.GetMessages(f.ctx, convID)
	require.NoError(t, err)
	require.NoError(t, conversation.ValidateTree(conv, msgs))
}

func TestCreateConversation(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.Name)

	msgs, err := f.m.GetMessages(f.ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	root := msgs[0]
	assert.True(t, root.IsRoot())
	assert.Equal(t, conversation.RoleSystem, root.Role)
	assert.Equal(t, conversation.NoParent, root.Parent)
	assert.Equal(t, root.ID, conv.CurrentNode)
	f.requireValid(t, conv.ID)
}

func TestAppendMessage(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)

	u := f.msg(conv.ID, conversation.RoleUser, "hi")
	require.NoError(t, f.m.AppendMessage(f.ctx, u, conv.CurrentNode))

	got, err := f.m.GetConversation(f.ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.CurrentNode)
	assert.Greater(t, got.LastModified, conv.LastModified)

	root, err := f.m.GetMessage(f.ctx, conv.CurrentNode)
	require.NoError(t, err)
	assert.Equal(t, []int64{u.ID}, root.Children)
	f.requireValid(t, conv.ID)
}

func TestAppendPendingThenCommitted(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)

	pending := f.msg(conv.ID, conversation.RoleAssistant, "")
	pending.Content = conversation.Pending()
	require.NoError(t, f.m.AppendMessage(f.ctx, pending, conv.CurrentNode))

	msgs, err := f.m.GetMessages(f.ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	pending.Content = pending.Content.Append("done")
	require.NoError(t, f.m.AppendMessage(f.ctx, pending, conv.CurrentNode))
	msgs, err = f.m.GetMessages(f.ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	f.requireValid(t, conv.ID)
}

func TestAppendMessageNotFound(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)
	other, err := f.m.CreateConversation(f.ctx, "other")
	require.NoError(t, err)

	err = f.m.AppendMessage(f.ctx, f.msg("conv-missing", conversation.RoleUser, "x"), conv.CurrentNode)
	require.ErrorIs(t, err, conversation.ErrNotFound)

	err = f.m.AppendMessage(f.ctx, f.msg(conv.ID, conversation.RoleUser, "x"), 424242)
	require.ErrorIs(t, err, conversation.ErrNotFound)

	// parent of another conversation
	err = f.m.AppendMessage(f.ctx, f.msg(conv.ID, conversation.RoleUser, "x"), other.CurrentNode)
	require.ErrorIs(t, err, conversation.ErrNotFound)

	f.requireValid(t, conv.ID)
	f.requireValid(t, other.ID)
}

func TestSiblingEditScenario(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "C")
	require.NoError(t, err)
	rootID := conv.CurrentNode

	u1 := f.msg(conv.ID, conversation.RoleUser, "U1")
	require.NoError(t, f.m.AppendMessage(f.ctx, u1, rootID))
	a1 := f.msg(conv.ID, conversation.RoleAssistant, "A1")
	require.NoError(t, f.m.AppendMessage(f.ctx, a1, u1.ID))
	u2 := f.msg(conv.ID, conversation.RoleUser, "U2")
	require.NoError(t, f.m.AppendMessage(f.ctx, u2, rootID))

	msgs, err := f.m.GetMessages(f.ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{u2.ID}, conversation.FilterToLeafPath(msgs, u2.ID, false).IDs())

	root, err := f.m.GetMessage(f.ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, []int64{u1.ID, u2.ID}, root.Children)

	leaves, err := f.m.SiblingLeafIDs(f.ctx, conv.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1.ID, u2.ID}, leaves)
	f.requireValid(t, conv.ID)
}

func TestBranchConversation(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "source")
	require.NoError(t, err)
	u1 := f.msg(conv.ID, conversation.RoleUser, "q1")
	require.NoError(t, f.m.AppendMessage(f.ctx, u1, conv.CurrentNode))
	a1 := f.msg(conv.ID, conversation.RoleAssistant, "r1")
	require.NoError(t, f.m.AppendMessage(f.ctx, a1, u1.ID))
	a1b := f.msg(conv.ID, conversation.RoleAssistant, "r1 bis")
	require.NoError(t, f.m.AppendMessage(f.ctx, a1b, u1.ID))
	u2 := f.msg(conv.ID, conversation.RoleUser, "q2")
	require.NoError(t, f.m.AppendMessage(f.ctx, u2, a1.ID))

	branched, err := f.m.BranchConversation(f.ctx, conv.ID, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, "source - Branched", branched.Name)
	f.requireValid(t, branched.ID)

	srcMsgs, err := f.m.GetMessages(f.ctx, conv.ID)
	require.NoError(t, err)
	dstMsgs, err := f.m.GetMessages(f.ctx, branched.ID)
	require.NoError(t, err)

	srcPath := conversation.FilterToLeafPath(srcMsgs, a1.ID, true)
	dstPath := conversation.FilterToLeafPath(dstMsgs, branched.CurrentNode, true)
	require.Len(t, dstPath, len(srcPath))
	require.Len(t, dstMsgs, len(srcPath))

	srcIDs := map[int64]bool{}
	for _, m := range srcMsgs {
		srcIDs[m.ID] = true
	}
	for i := range srcPath {
		assert.Equal(t, srcPath[i].Role, dstPath[i].Role)
		assert.Equal(t, srcPath[i].Content, dstPath[i].Content)
		assert.False(t, srcIDs[dstPath[i].ID])
		if i > 0 {
			assert.Equal(t, dstPath[i-1].ID, dstPath[i].Parent)
		}
	}
	assert.Equal(t, dstPath[len(dstPath)-1].ID, branched.CurrentNode)
	// ids are contiguous
	for i := 1; i < len(dstPath); i++ {
		assert.Equal(t, dstPath[i-1].ID+1, dstPath[i].ID)
	}

	// source untouched
	f.requireValid(t, conv.ID)
	assert.Len(t, srcMsgs, 5)

	_, err = f.m.BranchConversation(f.ctx, conv.ID, 31337)
	require.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestDeleteMessageCascade(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)
	rootID := conv.CurrentNode

	u1 := f.msg(conv.ID, conversation.RoleUser, "u1")
	require.NoError(t, f.m.AppendMessage(f.ctx, u1, rootID))
	a1 := f.msg(conv.ID, conversation.RoleAssistant, "a1")
	require.NoError(t, f.m.AppendMessage(f.ctx, a1, u1.ID))
	u2 := f.msg(conv.ID, conversation.RoleUser, "u2")
	require.NoError(t, f.m.AppendMessage(f.ctx, u2, a1.ID))
	a2 := f.msg(conv.ID, conversation.RoleAssistant, "a2")
	require.NoError(t, f.m.AppendMessage(f.ctx, a2, u2.ID))
	other := f.msg(conv.ID, conversation.RoleUser, "sibling")
	require.NoError(t, f.m.AppendMessage(f.ctx, other, rootID))
	require.NoError(t, f.m.SetCurrentNode(f.ctx, conv.ID, a2.ID))

	require.NoError(t, f.m.DeleteMessage(f.ctx, conv.ID, a1.ID))

	msgs, err := f.m.GetMessages(f.ctx, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{rootID, u1.ID, other.ID}, conversation.Thread(msgs).IDs())

	got, err := f.m.GetConversation(f.ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, got.CurrentNode)

	parent, err := f.m.GetMessage(f.ctx, u1.ID)
	require.NoError(t, err)
	assert.Empty(t, parent.Children)
	f.requireValid(t, conv.ID)
}

func TestDeleteMessageKeepsTipOutsideSubtree(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)
	rootID := conv.CurrentNode

	u1 := f.msg(conv.ID, conversation.RoleUser, "u1")
	require.NoError(t, f.m.AppendMessage(f.ctx, u1, rootID))
	u2 := f.msg(conv.ID, conversation.RoleUser, "u2")
	require.NoError(t, f.m.AppendMessage(f.ctx, u2, rootID))

	require.NoError(t, f.m.DeleteMessage(f.ctx, conv.ID, u1.ID))
	got, err := f.m.GetConversation(f.ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, u2.ID, got.CurrentNode)
	f.requireValid(t, conv.ID)
}

func TestDeleteMessagePrunesDanglingChildren(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)
	rootID := conv.CurrentNode
	u1 := f.msg(conv.ID, conversation.RoleUser, "u1")
	require.NoError(t, f.m.AppendMessage(f.ctx, u1, rootID))
	u2 := f.msg(conv.ID, conversation.RoleUser, "u2")
	require.NoError(t, f.m.AppendMessage(f.ctx, u2, rootID))

	// simulate a children entry left behind by an interrupted import
	err = f.store.Update(f.ctx, func(tx persistence.Tx) error {
		root, err := tx.GetMessage(rootID)
		if err != nil {
			return err
		}
		root.Children = append(root.Children, 987654)
		return tx.PutMessage(root)
	})
	require.NoError(t, err)

	require.NoError(t, f.m.DeleteMessage(f.ctx, conv.ID, u1.ID))
	root, err := f.m.GetMessage(f.ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, []int64{u2.ID}, root.Children)
	f.requireValid(t, conv.ID)
}

func TestDeleteRootIsRejected(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)
	err = f.m.DeleteMessage(f.ctx, conv.ID, conv.CurrentNode)
	require.ErrorIs(t, err, conversation.ErrValidation)
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)
	keep, err := f.m.CreateConversation(f.ctx, "keep")
	require.NoError(t, err)
	require.NoError(t, f.m.AppendMessage(f.ctx, f.msg(conv.ID, conversation.RoleUser, "x"), conv.CurrentNode))

	require.NoError(t, f.m.DeleteConversation(f.ctx, conv.ID))
	_, err = f.m.GetConversation(f.ctx, conv.ID)
	require.ErrorIs(t, err, conversation.ErrNotFound)

	err = f.store.View(f.ctx, func(tx persistence.Tx) error {
		msgs, err := tx.ListMessages(conv.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		return nil
	})
	require.NoError(t, err)
	f.requireValid(t, keep.ID)

	require.ErrorIs(t, f.m.DeleteConversation(f.ctx, conv.ID), conversation.ErrNotFound)
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	a, err := f.m.CreateConversation(f.ctx, "a")
	require.NoError(t, err)
	b, err := f.m.CreateConversation(f.ctx, "b")
	require.NoError(t, err)
	require.NoError(t, f.m.UpdateConversationName(f.ctx, a.ID, "a2"))

	convs, err := f.m.ListConversations(f.ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, a.ID, convs[0].ID)
	assert.Equal(t, "a2", convs[0].Name)
	assert.Equal(t, b.ID, convs[1].ID)
}

func TestNotificationsFollowCommits(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var seen []string
	unsubscribe := f.m.OnConversationChanged(func(convID string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, convID)
	})
	defer unsubscribe()

	conv, err := f.m.CreateConversation(f.ctx, "c")
	require.NoError(t, err)
	err = f.m.AppendMessage(f.ctx, f.msg(conv.ID, conversation.RoleUser, "x"), 1)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{conv.ID}, seen)
}

func TestPresets(t *testing.T) {
	f := newFixture(t)
	p, err := f.m.SavePreset(f.ctx, &conversation.Preset{Name: "creative", Config: map[string]interface{}{"temperature": 1.1}})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	created := p.CreatedAt

	p.Name = "creative+"
	p2, err := f.m.SavePreset(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, created, p2.CreatedAt)
	assert.GreaterOrEqual(t, p2.UpdatedAt, created)

	presets, err := f.m.ListPresets(f.ctx)
	require.NoError(t, err)
	require.Len(t, presets, 1)
	assert.Equal(t, "creative+", presets[0].Name)

	require.NoError(t, f.m.DeletePreset(f.ctx, p.ID))
	require.ErrorIs(t, f.m.DeletePreset(f.ctx, p.ID), conversation.ErrNotFound)

	_, err = f.m.SavePreset(f.ctx, &conversation.Preset{})
	require.ErrorIs(t, err, conversation.ErrValidation)
}

func TestPresetNestedConfigIsNotShared(t *testing.T) {
	f := newFixture(t)
	samplers := map[string]interface{}{"temperature": 0.5}
	_, err := f.m.SavePreset(f.ctx, &conversation.Preset{
		Name:   "nested",
		Config: map[string]interface{}{"samplers": samplers},
	})
	require.NoError(t, err)
	samplers["temperature"] = 7.0

	got, err := f.m.ListPresets(f.ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].Config["samplers"].(map[string]interface{})["temperature"] = 9.9

	again, err := f.m.ListPresets(f.ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 0.5, again[0].Config["samplers"].(map[string]interface{})["temperature"])
}
