package snapshot

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/persistence"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Table is one entry of a snapshot: a table name and its rows. Rows are kept
// as generic maps so that snapshots can be written as JSON or YAML and so
// that rows of unknown tables survive decoding.
type Table struct {
	Table string                   `json:"table" yaml:"table"`
	Rows  []map[string]interface{} `json:"rows" yaml:"rows"`
}

// Report summarizes an import.
type Report struct {
	Conversations int      `json:"conversations"`
	Messages      int      `json:"messages"`
	Presets       int      `json:"presets"`
	SkippedRows   int      `json:"skippedRows"`
	SkippedTables []string `json:"skippedTables,omitempty"`
}

type options struct {
	allocator *conversation.IDAllocator
}

type Option func(*options)

// WithAllocator reports imported ids to the allocator, so fresh ids never
// collide with imported ones.
func WithAllocator(a *conversation.IDAllocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

func newOptions(opts []Option) *options {
	ret := &options{allocator: conversation.DefaultAllocator}
	for _, o := range opts {
		o(ret)
	}
	return ret
}

// Export dumps every table, or only the conversation convID and its messages
// when convID is not empty.
func Export(ctx context.Context, store persistence.Store, convID string) ([]Table, error) {
	var convs []*conversation.Conversation
	var msgs []*conversation.Message
	var presets []*conversation.Preset

	err := store.View(ctx, func(tx persistence.Tx) error {
		var err error
		if convID != "" {
			conv, err := tx.GetConversation(convID)
			if err != nil {
				return err
			}
			convs = []*conversation.Conversation{conv}
			msgs, err = tx.ListMessages(convID)
			return err
		}
		if convs, err = tx.ListConversations(); err != nil {
			return err
		}
		if msgs, err = tx.ListMessages(""); err != nil {
			return err
		}
		presets, err = tx.ListPresets()
		return err
	})
	if err != nil {
		return nil, err
	}

	convRows, err := toRows(convs)
	if err != nil {
		return nil, err
	}
	msgRows, err := toRows(msgs)
	if err != nil {
		return nil, err
	}
	ret := []Table{
		{Table: persistence.TableConversations, Rows: convRows},
		{Table: persistence.TableMessages, Rows: msgRows},
	}
	if convID == "" {
		presetRows, err := toRows(presets)
		if err != nil {
			return nil, err
		}
		ret = append(ret, Table{Table: persistence.TablePresets, Rows: presetRows})
	}
	return ret, nil
}

// Import upserts every row of the known tables in one transaction. Unknown
// tables and undecodable rows are logged and skipped. Message rows with
// pending (null) content are skipped as well, since they must never be
// stored.
func Import(ctx context.Context, store persistence.Store, tables []Table, opts ...Option) (*Report, error) {
	o := newOptions(opts)
	var report *Report
	var maxID int64

	err := store.Update(ctx, func(tx persistence.Tx) error {
		report = &Report{}
		maxID = 0
		for _, t := range tables {
			switch t.Table {
			case persistence.TableConversations:
				for i, row := range t.Rows {
					c := &conversation.Conversation{}
					if err := fromRow(row, c); err != nil || c.ID == "" {
						warnRow(t.Table, i, err, "invalid conversation row")
						report.SkippedRows++
						continue
					}
					if err := tx.PutConversation(c); err != nil {
						return err
					}
					report.Conversations++
				}

			case persistence.TableMessages:
				for i, row := range t.Rows {
					m := &conversation.Message{}
					if err := fromRow(row, m); err != nil || m.ConvID == "" {
						warnRow(t.Table, i, err, "invalid message row")
						report.SkippedRows++
						continue
					}
					if m.Content.IsPending() {
						warnRow(t.Table, i, nil, "message row has null content")
						report.SkippedRows++
						continue
					}
					if err := tx.PutMessage(m); err != nil {
						return err
					}
					if m.ID > maxID {
						maxID = m.ID
					}
					report.Messages++
				}

			case persistence.TablePresets:
				for i, row := range t.Rows {
					p := &conversation.Preset{}
					if err := fromRow(row, p); err != nil || p.ID == "" {
						warnRow(t.Table, i, err, "invalid preset row")
						report.SkippedRows++
						continue
					}
					if err := tx.PutPreset(p); err != nil {
						return err
					}
					report.Presets++
				}

			default:
				log.Warn().Str("component", "snapshot").Str("table", t.Table).Msg("skipping unknown table")
				report.SkippedTables = append(report.SkippedTables, t.Table)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.allocator.Observe(maxID)
	return report, nil
}

func warnRow(table string, index int, err error, msg string) {
	log.Warn().
		Err(err).
		Str("component", "snapshot").
		Str("table", table).
		Int("row", index).
		Msg(msg)
}

func toRows[T any](items []T) ([]map[string]interface{}, error) {
	ret := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		row := map[string]interface{}{}
		if err := json.Unmarshal(b, &row); err != nil {
			return nil, err
		}
		ret = append(ret, row)
	}
	return ret, nil
}

func fromRow(row map[string]interface{}, v interface{}) error {
	if row == nil {
		return errors.New("empty row")
	}
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
