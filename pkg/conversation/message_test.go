package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentJSON(t *testing.T) {
	b, err := json.Marshal(Pending())
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	b, err = json.Marshal(Committed(""))
	require.NoError(t, err)
	assert.Equal(t, `""`, string(b))

	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &c))
	text, ok := c.Text()
	assert.True(t, ok)
	assert.Equal(t, "abc", text)

	require.NoError(t, json.Unmarshal([]byte(`null`), &c))
	assert.True(t, c.IsPending())
}

func TestContentAppendCommits(t *testing.T) {
	c := Pending().Append("he").Append("llo")
	assert.False(t, c.IsPending())
	assert.Equal(t, "hello", c.String())
}

func TestMessageJSONUsesExportFieldNames(t *testing.T) {
	n := 12
	m := &Message{
		ID: 5, ConvID: "conv-5", Kind: KindText, Timestamp: 5, Role: RoleAssistant,
		Content: Committed("hi"), Parent: 4, Children: []int64{},
		Timings: &Timings{PredictedN: &n},
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "text", raw["type"])
	assert.Equal(t, "conv-5", raw["convId"])
	assert.Equal(t, float64(12), raw["timings"].(map[string]interface{})["predicted_n"])

	var back Message
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m.Content, back.Content)
	assert.Equal(t, 12, *back.Timings.PredictedN)
}

func TestTimingsMerge(t *testing.T) {
	pn, ms := 3, 1.5
	base := &Timings{PromptN: &pn}
	base.Merge(&Timings{PredictedMS: &ms})
	require.NotNil(t, base.PromptN)
	require.NotNil(t, base.PredictedMS)
	assert.Equal(t, 1.5, *base.PredictedMS)
	assert.True(t, (*Timings)(nil).IsZero())
}

func TestCloneIsDeep(t *testing.T) {
	r := "why"
	m := NewChatMessage("c", RoleUser, "x")
	m.Children = []int64{1}
	m.ReasoningContent = &r
	cp := m.Clone()
	cp.Children[0] = 2
	*cp.ReasoningContent = "changed"
	assert.Equal(t, int64(1), m.Children[0])
	assert.Equal(t, "why", *m.ReasoningContent)
}

func TestIDAllocatorMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1000)
	a := NewIDAllocatorWithClock(func() time.Time { return fixed })

	assert.Equal(t, int64(1000), a.Next())
	assert.Equal(t, int64(1001), a.Next())
	start := a.NextBlock(3)
	assert.Equal(t, int64(1002), start)
	assert.Equal(t, int64(1005), a.Next())

	a.Observe(5000)
	assert.Equal(t, int64(5001), a.Next())
}

func TestPresetCloneCopiesNestedConfig(t *testing.T) {
	p := &Preset{ID: "p", Config: map[string]interface{}{
		"samplers": map[string]interface{}{"temperature": 0.5},
		"stop":     []interface{}{"###"},
	}}
	cp := p.Clone()
	cp.Config["samplers"].(map[string]interface{})["temperature"] = 9.9
	cp.Config["stop"].([]interface{})[0] = "changed"

	assert.Equal(t, 0.5, p.Config["samplers"].(map[string]interface{})["temperature"])
	assert.Equal(t, "###", p.Config["stop"].([]interface{})[0])
	assert.Nil(t, (*Preset)(nil).Clone())
}
