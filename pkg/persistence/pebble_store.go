package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/pkg/errors"
)

// Key layout:
//
//	c/<convID>          conversation row
//	m/<convID>/<id>     message row, id zero padded so a conversation scans in id order
//	p/<presetID>        preset row
//	x/<key>             meta value
const (
	pebbleConversationPrefix = "c/"
	pebbleMessagePrefix      = "m/"
	pebblePresetPrefix       = "p/"
	pebbleMetaPrefix         = "x/"
)

// PebbleStore persists the tables in a Pebble key/value database. Every
// Update is written as one batch committed with pebble.Sync.
type PebbleStore struct {
	*engine
	path string
}

var _ Store = (*PebbleStore)(nil)

func NewPebbleStore(path string, options ...Option) (*PebbleStore, error) {
	if path == "" {
		return nil, errors.New("pebble store: empty path")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "pebble store: open %s", path)
	}
	e, err := newEngine("pebble store", &pebbleBackend{db: db}, options...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PebbleStore{engine: e, path: path}, nil
}

func (s *PebbleStore) Path() string {
	return s.path
}

func conversationKey(id string) []byte {
	return []byte(pebbleConversationPrefix + id)
}

func messageKey(convID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", pebbleMessagePrefix, convID, id))
}

func presetKey(id string) []byte {
	return []byte(pebblePresetPrefix + id)
}

func metaKey(key string) []byte {
	return []byte(pebbleMetaPrefix + key)
}

type pebbleBackend struct {
	db *pebble.DB
}

func (b *pebbleBackend) load(t *tables) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = iter.Close()
	}()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := append([]byte(nil), iter.Value()...)
		switch {
		case strings.HasPrefix(key, pebbleConversationPrefix):
			c := &conversation.Conversation{}
			if err := json.Unmarshal(value, c); err != nil {
				return errors.Wrapf(err, "key %s", key)
			}
			t.conversations[c.ID] = c
		case strings.HasPrefix(key, pebbleMessagePrefix):
			m := &conversation.Message{}
			if err := json.Unmarshal(value, m); err != nil {
				return errors.Wrapf(err, "key %s", key)
			}
			if m.Children == nil {
				m.Children = []int64{}
			}
			t.putMessage(m)
		case strings.HasPrefix(key, pebblePresetPrefix):
			p := &conversation.Preset{}
			if err := json.Unmarshal(value, p); err != nil {
				return errors.Wrapf(err, "key %s", key)
			}
			t.presets[p.ID] = p
		case strings.HasPrefix(key, pebbleMetaPrefix):
			t.meta[strings.TrimPrefix(key, pebbleMetaPrefix)] = string(value)
		}
	}
	return iter.Error()
}

func (b *pebbleBackend) commit(_ context.Context, cs *changeset) error {
	batch := b.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()

	for id := range cs.deletedConversations {
		if err := batch.Delete(conversationKey(id), nil); err != nil {
			return err
		}
	}
	for id, c := range cs.conversations {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := batch.Set(conversationKey(id), data, nil); err != nil {
			return err
		}
	}
	for id, convID := range cs.deletedMessages {
		if err := batch.Delete(messageKey(convID, id), nil); err != nil {
			return err
		}
	}
	for id, convID := range cs.movedMessages {
		if err := batch.Delete(messageKey(convID, id), nil); err != nil {
			return err
		}
	}
	for _, m := range cs.messages {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := batch.Set(messageKey(m.ConvID, m.ID), data, nil); err != nil {
			return err
		}
	}
	for id := range cs.deletedPresets {
		if err := batch.Delete(presetKey(id), nil); err != nil {
			return err
		}
	}
	for id, p := range cs.presets {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := batch.Set(presetKey(id), data, nil); err != nil {
			return err
		}
	}
	for k, v := range cs.meta {
		if err := batch.Set(metaKey(k), []byte(v), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (b *pebbleBackend) close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
