package helpers

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
)

// ZerologAdapter routes watermill's logging into zerolog. watermill logs
// every subscription at info, so info is demoted to debug.
type ZerologAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*ZerologAdapter)(nil)

func NewWatermill(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

func (z *ZerologAdapter) emit(e *zerolog.Event, msg string, fields watermill.LogFields) {
	e.Fields(map[string]interface{}(fields)).Caller(2).Msg(msg)
}

func (z *ZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.emit(z.logger.Error().Err(err), msg, fields)
}

func (z *ZerologAdapter) Info(msg string, fields watermill.LogFields) {
	z.emit(z.logger.Debug(), msg, fields)
}

func (z *ZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	z.emit(z.logger.Debug(), msg, fields)
}

func (z *ZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	z.emit(z.logger.Trace(), msg, fields)
}

func (z *ZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &ZerologAdapter{logger: z.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

const (
	// CorrelationIDMetadataKey ties together all messages of one generation.
	CorrelationIDMetadataKey = "correlation_id"
	PublishedAtMetadataKey   = "published_at"
)

// StampingPublisher fills in the correlation id and publish time of outgoing
// messages. Values already present are kept. Messages without a correlation
// id get a generated one with a "gen_" prefix.
type StampingPublisher struct {
	message.Publisher
	Now func() time.Time
}

func (s StampingPublisher) Publish(topic string, messages ...*message.Message) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	for _, msg := range messages {
		if msg.Metadata.Get(CorrelationIDMetadataKey) == "" {
			msg.Metadata.Set(CorrelationIDMetadataKey, "gen_"+shortuuid.New())
		}
		if msg.Metadata.Get(PublishedAtMetadataKey) == "" {
			msg.Metadata.Set(PublishedAtMetadataKey, now().UTC().Format(time.RFC3339Nano))
		}
	}
	return s.Publisher.Publish(topic, messages...)
}
