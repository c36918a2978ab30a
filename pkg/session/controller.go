package session

import (
	"context"

	"github.com/go-go-golems/chattree/pkg/chatstore"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/streaming"
	"github.com/rs/zerolog/log"
)

// MaxNameLength bounds the name derived from a conversation's first message.
const MaxNameLength = 256

// Controller is the entry point used by user interfaces.
//
// It owns:
// - the generation registry shared with the coordinator
// - the invariant that only one generation per conversation is active at a time
//
// Every entry point except StopGenerating returns false, without side
// effects, when the target conversation is generating.
type Controller struct {
	manager     chatstore.Manager
	coordinator *streaming.Coordinator
	registry    *streaming.Registry
	allocator   *conversation.IDAllocator
}

type ControllerOption func(*Controller)

func WithAllocator(a *conversation.IDAllocator) ControllerOption {
	return func(c *Controller) {
		c.allocator = a
	}
}

func NewController(manager chatstore.Manager, coordinator *streaming.Coordinator, options ...ControllerOption) *Controller {
	ret := &Controller{
		manager:     manager,
		coordinator: coordinator,
		registry:    coordinator.Registry(),
		allocator:   conversation.DefaultAllocator,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (c *Controller) Manager() chatstore.Manager {
	return c.manager
}

func (c *Controller) IsGenerating(convID string) bool {
	return c.registry.IsGenerating(convID)
}

// Pending returns a snapshot of the message being generated for convID.
func (c *Controller) Pending(convID string) *conversation.Message {
	return c.registry.Pending(convID)
}

// SendMessage commits a user message under the conversation's current node
// and starts answering it. An empty convID creates a new conversation named
// after the content.
func (c *Controller) SendMessage(
	ctx context.Context,
	convID string,
	content string,
	extra []conversation.Extra,
) (*Reply, bool, error) {
	if convID == "" {
		conv, err := c.manager.CreateConversation(ctx, nameFromContent(content))
		if err != nil {
			return nil, false, err
		}
		convID = conv.ID
	}

	gen, ok := c.registry.Begin(ctx, convID)
	if !ok {
		log.Debug().Str("conv_id", convID).Msg("send ignored, conversation is generating")
		return nil, false, nil
	}

	conv, err := c.manager.GetConversation(ctx, convID)
	if err != nil {
		c.registry.End(gen)
		return nil, false, err
	}
	msg := c.newMessage(convID, conversation.RoleUser, content, extra)
	if err := c.manager.AppendMessage(ctx, msg, conv.CurrentNode); err != nil {
		c.registry.End(gen)
		return nil, false, err
	}

	return c.start(gen, msg.ID), true, nil
}

// StopGenerating aborts the conversation's generation. The content streamed
// so far is kept.
func (c *Controller) StopGenerating(convID string) bool {
	return c.registry.Cancel(convID)
}

// ReplaceMessage commits an edited copy of msgID as a new sibling. Editing a
// user message starts a generation answering the copy; for other roles the
// returned reply is nil.
func (c *Controller) ReplaceMessage(
	ctx context.Context,
	convID string,
	msgID int64,
	content string,
	extra []conversation.Extra,
) (*Reply, bool, error) {
	gen, ok := c.registry.Begin(ctx, convID)
	if !ok {
		return nil, false, nil
	}

	orig, err := c.messageIn(ctx, convID, msgID)
	if err != nil {
		c.registry.End(gen)
		return nil, false, err
	}
	if orig.IsRoot() {
		c.registry.End(gen)
		return nil, false, &conversation.ValidationError{Field: "message", Reason: "the root node cannot be edited"}
	}
	if extra == nil {
		extra = orig.Extra
	}

	msg := c.newMessage(convID, orig.Role, content, extra)
	msg.Model = orig.Model
	if err := c.manager.AppendMessage(ctx, msg, orig.Parent); err != nil {
		c.registry.End(gen)
		return nil, false, err
	}

	if orig.Role != conversation.RoleUser {
		c.registry.End(gen)
		return nil, true, nil
	}
	return c.start(gen, msg.ID), true, nil
}

// RegenerateMessage generates a new sibling for an assistant message.
func (c *Controller) RegenerateMessage(ctx context.Context, convID string, msgID int64) (*Reply, bool, error) {
	gen, ok := c.registry.Begin(ctx, convID)
	if !ok {
		return nil, false, nil
	}

	orig, err := c.messageIn(ctx, convID, msgID)
	if err != nil {
		c.registry.End(gen)
		return nil, false, err
	}
	if orig.Role != conversation.RoleAssistant {
		c.registry.End(gen)
		return nil, false, &conversation.ValidationError{Field: "message", Reason: "only assistant messages can be regenerated"}
	}
	return c.start(gen, orig.Parent), true, nil
}

// BranchMessage copies the path ending at msgID into a new conversation and
// returns its id.
func (c *Controller) BranchMessage(ctx context.Context, convID string, msgID int64) (string, bool, error) {
	gen, ok := c.registry.Begin(ctx, convID)
	if !ok {
		return "", false, nil
	}
	defer c.registry.End(gen)

	conv, err := c.manager.BranchConversation(ctx, convID, msgID)
	if err != nil {
		return "", false, err
	}
	return conv.ID, true, nil
}

// DeleteMessage removes msgID and its subtree.
func (c *Controller) DeleteMessage(ctx context.Context, convID string, msgID int64) (bool, error) {
	gen, ok := c.registry.Begin(ctx, convID)
	if !ok {
		return false, nil
	}
	defer c.registry.End(gen)

	if err := c.manager.DeleteMessage(ctx, convID, msgID); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) start(gen *streaming.Generation, parentID int64) *Reply {
	reply := newReply(gen, parentID)
	go func() {
		reply.finish(c.coordinator.Run(gen, parentID))
	}()
	return reply
}

func (c *Controller) messageIn(ctx context.Context, convID string, msgID int64) (*conversation.Message, error) {
	msg, err := c.manager.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if msg.ConvID != convID {
		return nil, conversation.NewMessageNotFound(msgID)
	}
	return msg, nil
}

func (c *Controller) newMessage(convID string, role conversation.Role, content string, extra []conversation.Extra) *conversation.Message {
	id := c.allocator.Next()
	return conversation.NewChatMessage(convID, role, content,
		conversation.WithID(id),
		conversation.WithTimestamp(id),
		conversation.WithExtra(extra...),
	)
}

func nameFromContent(content string) string {
	runes := []rune(content)
	if len(runes) > MaxNameLength {
		runes = runes[:MaxNameLength]
	}
	return string(runes)
}
