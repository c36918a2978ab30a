package persistence

import (
	"sort"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/pkg/errors"
)

var errReadOnly = errors.New("write in read-only transaction")

// tables is the committed state shared by all engines. Engines keep it in
// memory and mirror every committed changeset to their durable backend.
type tables struct {
	conversations map[string]*conversation.Conversation
	messages      map[int64]*conversation.Message
	byConv        map[string]map[int64]struct{}
	presets       map[string]*conversation.Preset
	meta          map[string]string
}

func newTables() *tables {
	return &tables{
		conversations: map[string]*conversation.Conversation{},
		messages:      map[int64]*conversation.Message{},
		byConv:        map[string]map[int64]struct{}{},
		presets:       map[string]*conversation.Preset{},
		meta:          map[string]string{},
	}
}

func (t *tables) putMessage(m *conversation.Message) {
	if prev, ok := t.messages[m.ID]; ok && prev.ConvID != m.ConvID {
		delete(t.byConv[prev.ConvID], m.ID)
	}
	t.messages[m.ID] = m
	ids, ok := t.byConv[m.ConvID]
	if !ok {
		ids = map[int64]struct{}{}
		t.byConv[m.ConvID] = ids
	}
	ids[m.ID] = struct{}{}
}

func (t *tables) deleteMessage(id int64) {
	prev, ok := t.messages[id]
	if !ok {
		return
	}
	delete(t.messages, id)
	if ids, ok := t.byConv[prev.ConvID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.byConv, prev.ConvID)
		}
	}
}

func (t *tables) maxMessageID() int64 {
	var ret int64
	for id := range t.messages {
		if id > ret {
			ret = id
		}
	}
	return ret
}

// apply installs a committed changeset.
func (t *tables) apply(cs *changeset) {
	for id := range cs.deletedConversations {
		delete(t.conversations, id)
	}
	for id, c := range cs.conversations {
		t.conversations[id] = c
	}
	for id := range cs.deletedMessages {
		t.deleteMessage(id)
	}
	for _, m := range cs.messages {
		t.putMessage(m)
	}
	for id := range cs.deletedPresets {
		delete(t.presets, id)
	}
	for id, p := range cs.presets {
		t.presets[id] = p
	}
	for k, v := range cs.meta {
		t.meta[k] = v
	}
}

// changeset collects the writes of one transaction. A key is never present
// in both the put and the delete map of the same table.
type changeset struct {
	conversations        map[string]*conversation.Conversation
	deletedConversations map[string]struct{}
	messages             map[int64]*conversation.Message
	// deleted message id -> conversation id of the committed row
	deletedMessages map[int64]string
	// message id -> conversation id the committed row is stored under, for
	// rows that are rewritten into another conversation
	movedMessages map[int64]string
	presets         map[string]*conversation.Preset
	deletedPresets  map[string]struct{}
	meta            map[string]string

	touched     []string
	touchedSeen map[string]struct{}
}

func newChangeset() *changeset {
	return &changeset{
		conversations:        map[string]*conversation.Conversation{},
		deletedConversations: map[string]struct{}{},
		messages:             map[int64]*conversation.Message{},
		deletedMessages:      map[int64]string{},
		movedMessages:        map[int64]string{},
		presets:              map[string]*conversation.Preset{},
		deletedPresets:       map[string]struct{}{},
		meta:                 map[string]string{},
		touchedSeen:          map[string]struct{}{},
	}
}

func (cs *changeset) hasWrites() bool {
	return len(cs.conversations)+len(cs.deletedConversations)+
		len(cs.messages)+len(cs.deletedMessages)+
		len(cs.presets)+len(cs.deletedPresets)+len(cs.meta) > 0
}

func (cs *changeset) touch(convID string) {
	if convID == "" {
		return
	}
	if _, ok := cs.touchedSeen[convID]; ok {
		return
	}
	cs.touchedSeen[convID] = struct{}{}
	cs.touched = append(cs.touched, convID)
}

// overlayTx reads through its own changeset onto the committed tables.
type overlayTx struct {
	base     *tables
	changes  *changeset
	readOnly bool
}

var _ Tx = (*overlayTx)(nil)

func newOverlayTx(base *tables, readOnly bool) *overlayTx {
	return &overlayTx{base: base, changes: newChangeset(), readOnly: readOnly}
}

func (tx *overlayTx) GetConversation(id string) (*conversation.Conversation, error) {
	if _, deleted := tx.changes.deletedConversations[id]; deleted {
		return nil, conversation.NewConversationNotFound(id)
	}
	if c, ok := tx.changes.conversations[id]; ok {
		return c.Clone(), nil
	}
	if c, ok := tx.base.conversations[id]; ok {
		return c.Clone(), nil
	}
	return nil, conversation.NewConversationNotFound(id)
}

func (tx *overlayTx) ListConversations() ([]*conversation.Conversation, error) {
	ret := []*conversation.Conversation{}
	for id, c := range tx.base.conversations {
		if _, deleted := tx.changes.deletedConversations[id]; deleted {
			continue
		}
		if _, changed := tx.changes.conversations[id]; changed {
			continue
		}
		ret = append(ret, c.Clone())
	}
	for _, c := range tx.changes.conversations {
		ret = append(ret, c.Clone())
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

func (tx *overlayTx) PutConversation(c *conversation.Conversation) error {
	if tx.readOnly {
		return errReadOnly
	}
	if c == nil || c.ID == "" {
		return &conversation.ValidationError{Field: "conversation.id", Reason: "must not be empty"}
	}
	delete(tx.changes.deletedConversations, c.ID)
	tx.changes.conversations[c.ID] = c.Clone()
	tx.changes.touch(c.ID)
	return nil
}

func (tx *overlayTx) DeleteConversation(id string) error {
	if tx.readOnly {
		return errReadOnly
	}
	if _, err := tx.GetConversation(id); err != nil {
		return err
	}
	delete(tx.changes.conversations, id)
	tx.changes.deletedConversations[id] = struct{}{}
	tx.changes.touch(id)
	return nil
}

func (tx *overlayTx) GetMessage(id int64) (*conversation.Message, error) {
	if _, deleted := tx.changes.deletedMessages[id]; deleted {
		return nil, conversation.NewMessageNotFound(id)
	}
	if m, ok := tx.changes.messages[id]; ok {
		return m.Clone(), nil
	}
	if m, ok := tx.base.messages[id]; ok {
		return m.Clone(), nil
	}
	return nil, conversation.NewMessageNotFound(id)
}

func (tx *overlayTx) ListMessages(convID string) ([]*conversation.Message, error) {
	ret := []*conversation.Message{}
	visit := func(id int64, m *conversation.Message) {
		if _, deleted := tx.changes.deletedMessages[id]; deleted {
			return
		}
		if _, changed := tx.changes.messages[id]; changed {
			return
		}
		ret = append(ret, m.Clone())
	}
	if convID == "" {
		for id, m := range tx.base.messages {
			visit(id, m)
		}
	} else {
		for id := range tx.base.byConv[convID] {
			visit(id, tx.base.messages[id])
		}
	}
	for _, m := range tx.changes.messages {
		if convID == "" || m.ConvID == convID {
			ret = append(ret, m.Clone())
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

func (tx *overlayTx) PutMessage(m *conversation.Message) error {
	if tx.readOnly {
		return errReadOnly
	}
	if m == nil {
		return &conversation.ValidationError{Field: "message", Reason: "must not be nil"}
	}
	if m.Content.IsPending() {
		return errors.Wrapf(conversation.ErrPendingContent, "message %d", m.ID)
	}
	if m.ConvID == "" {
		return &conversation.ValidationError{Field: "message.convId", Reason: "must not be empty"}
	}
	if prev, err := tx.GetMessage(m.ID); err == nil && prev.ConvID != m.ConvID {
		tx.changes.touch(prev.ConvID)
	}
	if committed, ok := tx.base.messages[m.ID]; ok && committed.ConvID != m.ConvID {
		tx.changes.movedMessages[m.ID] = committed.ConvID
	} else {
		delete(tx.changes.movedMessages, m.ID)
	}
	delete(tx.changes.deletedMessages, m.ID)
	cp := m.Clone()
	if cp.Children == nil {
		cp.Children = []int64{}
	}
	tx.changes.messages[m.ID] = cp
	tx.changes.touch(m.ConvID)
	return nil
}

func (tx *overlayTx) DeleteMessage(id int64) error {
	if tx.readOnly {
		return errReadOnly
	}
	m, err := tx.GetMessage(id)
	if err != nil {
		return err
	}
	convID := m.ConvID
	if committed, ok := tx.base.messages[id]; ok {
		convID = committed.ConvID
		tx.changes.touch(committed.ConvID)
	}
	delete(tx.changes.messages, id)
	delete(tx.changes.movedMessages, id)
	tx.changes.deletedMessages[id] = convID
	tx.changes.touch(m.ConvID)
	return nil
}

func (tx *overlayTx) GetPreset(id string) (*conversation.Preset, error) {
	if _, deleted := tx.changes.deletedPresets[id]; deleted {
		return nil, &conversation.NotFoundError{Resource: "preset", ID: id}
	}
	if p, ok := tx.changes.presets[id]; ok {
		return p.Clone(), nil
	}
	if p, ok := tx.base.presets[id]; ok {
		return p.Clone(), nil
	}
	return nil, &conversation.NotFoundError{Resource: "preset", ID: id}
}

func (tx *overlayTx) ListPresets() ([]*conversation.Preset, error) {
	ret := []*conversation.Preset{}
	for id, p := range tx.base.presets {
		if _, deleted := tx.changes.deletedPresets[id]; deleted {
			continue
		}
		if _, changed := tx.changes.presets[id]; changed {
			continue
		}
		ret = append(ret, p.Clone())
	}
	for _, p := range tx.changes.presets {
		ret = append(ret, p.Clone())
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

func (tx *overlayTx) PutPreset(p *conversation.Preset) error {
	if tx.readOnly {
		return errReadOnly
	}
	if p == nil || p.ID == "" {
		return &conversation.ValidationError{Field: "preset.id", Reason: "must not be empty"}
	}
	delete(tx.changes.deletedPresets, p.ID)
	tx.changes.presets[p.ID] = p.Clone()
	return nil
}

func (tx *overlayTx) DeletePreset(id string) error {
	if tx.readOnly {
		return errReadOnly
	}
	if _, err := tx.GetPreset(id); err != nil {
		return err
	}
	delete(tx.changes.presets, id)
	tx.changes.deletedPresets[id] = struct{}{}
	return nil
}

func (tx *overlayTx) GetMeta(key string) (string, bool, error) {
	if v, ok := tx.changes.meta[key]; ok {
		return v, true, nil
	}
	v, ok := tx.base.meta[key]
	return v, ok, nil
}

func (tx *overlayTx) SetMeta(key, value string) error {
	if tx.readOnly {
		return errReadOnly
	}
	tx.changes.meta[key] = value
	return nil
}
