package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-go-golems/chattree/pkg/chatstore"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populated(t *testing.T) (*persistence.InMemoryStore, *chatstore.ManagerImpl, *conversation.Conversation) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	t.Cleanup(func() {
		_ = store.Close()
	})
	m := chatstore.NewManager(store)

	conv, err := m.CreateConversation(ctx, "first")
	require.NoError(t, err)
	u := conversation.NewChatMessage(conv.ID, conversation.RoleUser, "hello")
	require.NoError(t, m.AppendMessage(ctx, u, conv.CurrentNode))
	n := 4
	a := conversation.NewChatMessage(conv.ID, conversation.RoleAssistant, "hi there")
	a.Timings = &conversation.Timings{PredictedN: &n}
	require.NoError(t, m.AppendMessage(ctx, a, u.ID))

	other, err := m.CreateConversation(ctx, "second")
	require.NoError(t, err)
	require.NoError(t, m.AppendMessage(ctx, conversation.NewChatMessage(other.ID, conversation.RoleUser, "x"), other.CurrentNode))

	_, err = m.SavePreset(ctx, &conversation.Preset{Name: "p", Config: map[string]interface{}{"temperature": 0.5}})
	require.NoError(t, err)

	conv, err = m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	return store, m, conv
}

func TestExportScopedToConversation(t *testing.T) {
	store, _, conv := populated(t)
	tables, err := Export(context.Background(), store, conv.ID)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, persistence.TableConversations, tables[0].Table)
	require.Len(t, tables[0].Rows, 1)
	assert.Equal(t, conv.ID, tables[0].Rows[0]["id"])
	assert.Len(t, tables[1].Rows, 3)
	for _, row := range tables[1].Rows {
		assert.Equal(t, conv.ID, row["convId"])
	}

	_, err = Export(context.Background(), store, "conv-missing")
	require.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestRoundTripIsIdempotent(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		format := format
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			store, _, _ := populated(t)

			before, err := Export(ctx, store, "")
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, before, format))
			decoded, err := Decode(&buf, format)
			require.NoError(t, err)

			report, err := Import(ctx, store, decoded)
			require.NoError(t, err)
			assert.Equal(t, 2, report.Conversations)
			assert.Equal(t, 5, report.Messages)
			assert.Equal(t, 1, report.Presets)

			after, err := Export(ctx, store, "")
			require.NoError(t, err)
			assertSameTables(t, before, after)
		})
	}
}

func TestImportIntoEmptyStore(t *testing.T) {
	ctx := context.Background()
	src, _, conv := populated(t)
	tables, err := Export(ctx, src, "")
	require.NoError(t, err)

	dst := persistence.NewInMemoryStore()
	defer func() {
		_ = dst.Close()
	}()
	var mu sync.Mutex
	notified := map[string]int{}
	unsubscribe := dst.OnConversationChanged(func(convID string) {
		mu.Lock()
		defer mu.Unlock()
		notified[convID]++
	})
	defer unsubscribe()

	tables = append(tables, Table{Table: "settings", Rows: []map[string]interface{}{{"k": "v"}}})
	report, err := Import(ctx, dst, tables)
	require.NoError(t, err)
	assert.Equal(t, []string{"settings"}, report.SkippedTables)

	mu.Lock()
	assert.Len(t, notified, 2)
	for _, n := range notified {
		assert.Equal(t, 1, n)
	}
	mu.Unlock()

	m := chatstore.NewManager(dst)
	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	msgs, err := m.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, conversation.ValidateTree(got, msgs))
}

func TestImportSkipsPendingRows(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	defer func() {
		_ = store.Close()
	}()
	tables := []Table{{
		Table: persistence.TableMessages,
		Rows: []map[string]interface{}{
			{"id": 10, "convId": "conv-1", "type": "text", "role": "assistant", "content": nil, "parent": 1, "children": []interface{}{}},
			{"id": 11, "convId": "conv-1", "type": "text", "role": "user", "content": "ok", "parent": 1, "children": []interface{}{}},
		},
	}}
	report, err := Import(ctx, store, tables)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Messages)
	assert.Equal(t, 1, report.SkippedRows)
}

func assertSameTables(t *testing.T, expected, actual []Table) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		assert.Equal(t, expected[i].Table, actual[i].Table)
		e, err := json.Marshal(expected[i].Rows)
		require.NoError(t, err)
		a, err := json.Marshal(actual[i].Rows)
		require.NoError(t, err)
		assert.JSONEq(t, string(e), string(a))
	}
}

func TestMigrateLegacy(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	defer func() {
		_ = store.Close()
	}()

	records := []json.RawMessage{
		json.RawMessage(`{"id":"conv-100","lastModified":500,"messages":[
			{"id":100,"role":"user","content":"what is go"},
			{"id":101,"role":"assistant","content":"a language","timings":{"predicted_n":3}},
			{"id":102,"role":"user","content":"thanks"}
		]}`),
		json.RawMessage(`{not json`),
		json.RawMessage(`{"id":"conv-empty","lastModified":1,"messages":[]}`),
	}

	report, err := MigrateLegacy(ctx, store, records)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-100"}, report.Migrated)
	assert.Equal(t, 2, report.Skipped)

	m := chatstore.NewManager(store)
	conv, err := m.GetConversation(ctx, "conv-100")
	require.NoError(t, err)
	assert.Equal(t, "what is go", conv.Name)
	assert.Equal(t, int64(102), conv.CurrentNode)
	assert.Equal(t, int64(500), conv.LastModified)

	msgs, err := m.GetMessages(ctx, "conv-100")
	require.NoError(t, err)
	require.NoError(t, conversation.ValidateTree(conv, msgs))

	root, err := m.GetMessage(ctx, 98)
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, int64(98), root.Timestamp)
	assert.Equal(t, []int64{100}, root.Children)

	path := conversation.FilterToLeafPath(msgs, conv.CurrentNode, false)
	assert.Equal(t, []int64{100, 101, 102}, path.IDs())
	require.NotNil(t, path[1].Timings)
	assert.Equal(t, 3, *path[1].Timings.PredictedN)

	again, err := MigrateLegacy(ctx, store, records)
	require.NoError(t, err)
	assert.True(t, again.AlreadyMigrated)
	assert.Empty(t, again.Migrated)
}
