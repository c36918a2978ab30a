package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/huandu/go-clone"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	}
	return false
}

// Kind distinguishes the hidden root sentinel from displayable text nodes.
type Kind string

const (
	KindRoot Kind = "root"
	KindText Kind = "text"
)

// NoParent is the parent id of a conversation's root node.
const NoParent int64 = -1

// Content is the tagged content state of a message.
//
// A pending content has not been generated yet (or was removed) and must
// never reach durable storage. A committed content carries text, possibly empty.
// The zero value is pending.
type Content struct {
	text      string
	committed bool
}

// Pending returns the content of a message that is still being produced.
func Pending() Content {
	return Content{}
}

// Committed returns content holding the given text.
func Committed(text string) Content {
	return Content{text: text, committed: true}
}

func (c Content) IsPending() bool {
	return !c.committed
}

// Text returns the committed text, or "" and false for pending content.
func (c Content) Text() (string, bool) {
	return c.text, c.committed
}

// String returns the text, empty for pending content.
func (c Content) String() string {
	return c.text
}

// Append returns a committed content with delta appended. Appending to a
// pending content commits it.
func (c Content) Append(delta string) Content {
	return Committed(c.text + delta)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if !c.committed {
		return []byte("null"), nil
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Pending()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Committed(s)
	return nil
}

// Timings are the generation performance counters reported by the model server.
// Every field is optional; servers report any subset.
type Timings struct {
	PromptN     *int     `json:"prompt_n,omitempty" yaml:"prompt_n,omitempty"`
	PromptMS    *float64 `json:"prompt_ms,omitempty" yaml:"prompt_ms,omitempty"`
	PredictedN  *int     `json:"predicted_n,omitempty" yaml:"predicted_n,omitempty"`
	PredictedMS *float64 `json:"predicted_ms,omitempty" yaml:"predicted_ms,omitempty"`
}

// Merge copies every counter present in other onto t.
func (t *Timings) Merge(other *Timings) {
	if t == nil || other == nil {
		return
	}
	if other.PromptN != nil {
		v := *other.PromptN
		t.PromptN = &v
	}
	if other.PromptMS != nil {
		v := *other.PromptMS
		t.PromptMS = &v
	}
	if other.PredictedN != nil {
		v := *other.PredictedN
		t.PredictedN = &v
	}
	if other.PredictedMS != nil {
		v := *other.PredictedMS
		t.PredictedMS = &v
	}
}

func (t *Timings) IsZero() bool {
	return t == nil || (t.PromptN == nil && t.PromptMS == nil && t.PredictedN == nil && t.PredictedMS == nil)
}

func (t *Timings) Clone() *Timings {
	if t == nil {
		return nil
	}
	ret := &Timings{}
	ret.Merge(t)
	return ret
}

type ExtraType string

const (
	ExtraTypeContext   ExtraType = "context"
	ExtraTypeTextFile  ExtraType = "textFile"
	ExtraTypeImageFile ExtraType = "imageFile"
	ExtraTypeAudioFile ExtraType = "audioFile"
)

// Extra is an attachment carried by a message. The store never looks inside;
// providers decide how to render it into a request.
type Extra struct {
	Type      ExtraType `json:"type" yaml:"type"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Content   string    `json:"content,omitempty" yaml:"content,omitempty"`
	Base64URL string    `json:"base64Url,omitempty" yaml:"base64Url,omitempty"`
	MimeType  string    `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
}

// Message is a node of a conversation tree. Parent and children are ids into
// the conversation's message set, never pointers.
type Message struct {
	ID               int64    `json:"id"`
	ConvID           string   `json:"convId"`
	Kind             Kind     `json:"type"`
	Timestamp        int64    `json:"timestamp"`
	Role             Role     `json:"role"`
	Content          Content  `json:"content"`
	ReasoningContent *string  `json:"reasoningContent,omitempty"`
	Model            string   `json:"model,omitempty"`
	Timings          *Timings `json:"timings,omitempty"`
	Extra            []Extra  `json:"extra,omitempty"`
	Parent           int64    `json:"parent"`
	Children         []int64  `json:"children"`
}

type MessageOption func(*Message)

func WithID(id int64) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithTimestamp(ts int64) MessageOption {
	return func(m *Message) {
		m.Timestamp = ts
	}
}

func WithParent(parent int64) MessageOption {
	return func(m *Message) {
		m.Parent = parent
	}
}

func WithExtra(extra ...Extra) MessageOption {
	return func(m *Message) {
		m.Extra = append(m.Extra, extra...)
	}
}

func WithModel(model string) MessageOption {
	return func(m *Message) {
		m.Model = model
	}
}

// NewMessage creates a text message. The id and timestamp come from the
// default allocator unless overridden by options.
func NewMessage(convID string, role Role, content Content, options ...MessageOption) *Message {
	id := DefaultAllocator.Next()
	ret := &Message{
		ID:        id,
		ConvID:    convID,
		Kind:      KindText,
		Timestamp: id,
		Role:      role,
		Content:   content,
		Parent:    NoParent,
		Children:  []int64{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewChatMessage creates a committed text message.
func NewChatMessage(convID string, role Role, text string, options ...MessageOption) *Message {
	return NewMessage(convID, role, Committed(text), options...)
}

func (m *Message) IsRoot() bool {
	return m.Kind == KindRoot
}

// Clone returns a deep copy. Children is never nil on the copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	ret := clone.Clone(m).(*Message)
	if ret.Children == nil {
		ret.Children = []int64{}
	}
	return ret
}

func (m *Message) String() string {
	content := m.Content.String()
	if m.Content.IsPending() {
		content = "<pending>"
	}
	return fmt.Sprintf("[%s #%d]: %s", m.Role, m.ID, strings.TrimRight(content, "\n"))
}

// Conversation is the header row of one message tree.
type Conversation struct {
	ID           string `json:"id"`
	LastModified int64  `json:"lastModified"`
	CurrentNode  int64  `json:"currNode"`
	Name         string `json:"name"`
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	ret := *c
	return &ret
}

// ConversationIDFor derives a conversation id from an allocated id.
func ConversationIDFor(id int64) string {
	return fmt.Sprintf("conv-%d", id)
}

// Preset is a named set of user configuration values.
type Preset struct {
	ID        string                 `json:"id" yaml:"id"`
	Name      string                 `json:"name" yaml:"name"`
	Config    map[string]interface{} `json:"config" yaml:"config"`
	CreatedAt int64                  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt int64                  `json:"updatedAt" yaml:"updatedAt"`
}

func (p *Preset) Clone() *Preset {
	if p == nil {
		return nil
	}
	return clone.Clone(p).(*Preset)
}

// Thread is an ordered root-to-leaf slice of messages.
type Thread []*Message

// IDs returns the message ids in thread order.
func (t Thread) IDs() []int64 {
	ret := make([]int64, 0, len(t))
	for _, m := range t {
		ret = append(ret, m.ID)
	}
	return ret
}

// WithoutRole returns the thread without messages of the given role.
func (t Thread) WithoutRole(role Role) Thread {
	ret := make(Thread, 0, len(t))
	for _, m := range t {
		if m.Role == role {
			continue
		}
		ret = append(ret, m)
	}
	return ret
}
