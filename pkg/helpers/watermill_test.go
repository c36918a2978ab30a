package helpers

import (
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	published []*message.Message
}

func (c *capturePublisher) Publish(_ string, messages ...*message.Message) error {
	c.published = append(c.published, messages...)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestStampingPublisher(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	inner := &capturePublisher{}
	p := StampingPublisher{Publisher: inner, Now: func() time.Time { return at }}

	keep := message.NewMessage("1", nil)
	keep.Metadata.Set(CorrelationIDMetadataKey, "inference-1")
	fresh := message.NewMessage("2", nil)

	require.NoError(t, p.Publish("topic", keep, fresh))
	require.Len(t, inner.published, 2)

	assert.Equal(t, "inference-1", inner.published[0].Metadata.Get(CorrelationIDMetadataKey))
	assert.True(t, strings.HasPrefix(inner.published[1].Metadata.Get(CorrelationIDMetadataKey), "gen_"))
	for _, msg := range inner.published {
		assert.Equal(t, "2024-05-01T12:00:00Z", msg.Metadata.Get(PublishedAtMetadataKey))
	}
}
