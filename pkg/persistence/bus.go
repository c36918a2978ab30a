package persistence

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

const ConversationChangedTopic = "conversation-changed"

// Bus carries conversation change notifications. Publishing blocks until
// every subscriber acked the message, so Dispatch returns only after all
// callbacks ran.
type Bus struct {
	pubSub *gochannel.GoChannel
	mu     sync.Mutex
	closed bool
}

// NewBus creates a bus; a nil logger discards watermill's own logging.
func NewBus(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, logger),
	}
}

// Subscribe registers cb and returns a function that removes it.
func (b *Bus) Subscribe(cb ChangeCallback) func() {
	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.pubSub.Subscribe(ctx, ConversationChangedTopic)
	if err != nil {
		cancel()
		log.Warn().Err(err).Str("component", "bus").Msg("could not subscribe to conversation changes")
		return func() {}
	}

	var active atomic.Bool
	active.Store(true)
	go func() {
		for msg := range messages {
			if !active.Load() {
				msg.Ack()
				continue
			}
			func() {
				defer msg.Ack()
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("conv_id", string(msg.Payload)).Msg("conversation change callback panicked")
					}
				}()
				cb(string(msg.Payload))
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			active.Store(false)
			cancel()
		})
	}
}

// Dispatch notifies every subscriber that convID changed.
func (b *Bus) Dispatch(convID string) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), []byte(convID))
	if err := b.pubSub.Publish(ConversationChangedTopic, msg); err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Msg("could not dispatch conversation change")
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubSub.Close()
}
