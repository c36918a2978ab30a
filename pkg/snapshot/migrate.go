package snapshot

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/persistence"
	"github.com/rs/zerolog/log"
)

// MigratedFlag is the meta key set once the legacy migration ran.
const MigratedFlag = "migratedToV2"

// LegacyConversation is one record of the flat pre-tree format.
type LegacyConversation struct {
	ID           string          `json:"id"`
	LastModified int64           `json:"lastModified"`
	Messages     []LegacyMessage `json:"messages"`
}

type LegacyMessage struct {
	ID      int64                 `json:"id"`
	Role    conversation.Role     `json:"role"`
	Content conversation.Content  `json:"content"`
	Timings *conversation.Timings `json:"timings,omitempty"`
	Extra   []conversation.Extra  `json:"extra,omitempty"`
}

type MigrationReport struct {
	AlreadyMigrated bool     `json:"alreadyMigrated"`
	Migrated        []string `json:"migrated"`
	Skipped         int      `json:"skipped"`
}

// MigrateLegacy converts legacy records into trees. Each record becomes a
// conversation with a synthesized root (id = first message id - 2) and its
// messages chained parent to child in array order. The migration runs at
// most once per store; records that cannot be parsed or would collide with
// existing rows are logged and skipped.
func MigrateLegacy(ctx context.Context, store persistence.Store, records []json.RawMessage, opts ...Option) (*MigrationReport, error) {
	o := newOptions(opts)
	var report *MigrationReport
	var maxID int64

	err := store.Update(ctx, func(tx persistence.Tx) error {
		report = &MigrationReport{}
		maxID = 0
		if v, ok, err := tx.GetMeta(MigratedFlag); err != nil {
			return err
		} else if ok && v != "" {
			report.AlreadyMigrated = true
			return nil
		}

		for i, raw := range records {
			legacy := &LegacyConversation{}
			if err := json.Unmarshal(raw, legacy); err != nil {
				log.Warn().Err(err).Str("component", "migration").Int("record", i).Msg("skipping unparseable legacy conversation")
				report.Skipped++
				continue
			}
			conv, msgs, ok := convertLegacy(tx, legacy, i)
			if !ok {
				report.Skipped++
				continue
			}
			if err := tx.PutConversation(conv); err != nil {
				return err
			}
			for _, m := range msgs {
				if err := tx.PutMessage(m); err != nil {
					return err
				}
				if m.ID > maxID {
					maxID = m.ID
				}
			}
			report.Migrated = append(report.Migrated, conv.ID)
		}
		return tx.SetMeta(MigratedFlag, "1")
	})
	if err != nil {
		return nil, err
	}

	o.allocator.Observe(maxID)
	if !report.AlreadyMigrated {
		log.Info().
			Str("component", "migration").
			Int("migrated", len(report.Migrated)).
			Int("skipped", report.Skipped).
			Msg("legacy conversations migrated")
	}
	return report, nil
}

func convertLegacy(tx persistence.Tx, legacy *LegacyConversation, index int) (*conversation.Conversation, []*conversation.Message, bool) {
	logger := log.With().Str("component", "migration").Int("record", index).Str("conv_id", legacy.ID).Logger()
	if len(legacy.Messages) == 0 {
		logger.Warn().Msg("skipping legacy conversation without messages")
		return nil, nil, false
	}

	first := legacy.Messages[0]
	rootID := first.ID - 2
	convID := legacy.ID
	if convID == "" {
		convID = conversation.ConversationIDFor(first.ID)
	}
	if _, err := tx.GetConversation(convID); err == nil {
		logger.Warn().Msg("skipping legacy conversation, id already exists")
		return nil, nil, false
	}

	seen := map[int64]bool{rootID: true}
	for _, lm := range legacy.Messages {
		if seen[lm.ID] {
			logger.Warn().Int64("msg_id", lm.ID).Msg("skipping legacy conversation, duplicate message id")
			return nil, nil, false
		}
		seen[lm.ID] = true
	}
	for id := range seen {
		if _, err := tx.GetMessage(id); err == nil {
			logger.Warn().Int64("msg_id", id).Msg("skipping legacy conversation, message id already exists")
			return nil, nil, false
		}
	}

	name, _ := first.Content.Text()
	conv := &conversation.Conversation{
		ID:           convID,
		LastModified: legacy.LastModified,
		CurrentNode:  legacy.Messages[len(legacy.Messages)-1].ID,
		Name:         name,
	}
	root := &conversation.Message{
		ID:        rootID,
		ConvID:    convID,
		Kind:      conversation.KindRoot,
		Timestamp: rootID,
		Role:      conversation.RoleSystem,
		Content:   conversation.Committed(""),
		Parent:    conversation.NoParent,
		Children:  []int64{},
	}

	msgs := []*conversation.Message{root}
	parent := root
	for _, lm := range legacy.Messages {
		text, _ := lm.Content.Text()
		m := &conversation.Message{
			ID:        lm.ID,
			ConvID:    convID,
			Kind:      conversation.KindText,
			Timestamp: lm.ID,
			Role:      lm.Role,
			Content:   conversation.Committed(text),
			Timings:   lm.Timings.Clone(),
			Extra:     lm.Extra,
			Parent:    parent.ID,
			Children:  []int64{},
		}
		parent.Children = append(parent.Children, m.ID)
		msgs = append(msgs, m)
		parent = m
	}
	return conv, msgs, true
}
