package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chattree/pkg/helpers"
)

// DefaultTopic is the topic generations publish their events on.
const DefaultTopic = "chat"

// EventRouter fans generation events out to handlers over an in-process
// watermill channel. Publishing blocks until every handler acked, which
// keeps handlers in publish order.
type EventRouter struct {
	logger    watermill.LoggerAdapter
	pubSub    *gochannel.GoChannel
	publisher message.Publisher
	router    *message.Router
	verbose   bool
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

// WithVerbose makes DumpRawEvents print partial events and full metadata.
func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{logger: watermill.NopLogger{}}
	for _, o := range options {
		o(ret)
	}

	ret.pubSub = gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, ret.logger)
	ret.publisher = helpers.StampingPublisher{Publisher: ret.pubSub}

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, errors.Wrap(err, "create event router")
	}
	ret.router = router
	return ret, nil
}

// Sink returns an EventSink publishing on topic.
func (e *EventRouter) Sink(topic string) *WatermillSink {
	return NewWatermillSink(e.publisher, topic)
}

// AddHandler registers f for topic. Handlers must be added before Run.
func (e *EventRouter) AddHandler(name string, topic string, f message.NoPublishHandlerFunc) {
	e.router.AddNoPublisherHandler(name, topic, e.pubSub, f)
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

// Running is closed once all handlers are subscribed.
func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

// Close shuts down the channel first so that in-flight publishes return,
// then the router.
func (e *EventRouter) Close() error {
	var first error
	if err := e.pubSub.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close event channel")
		first = err
	}
	if err := e.router.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close event router")
		if first == nil {
			first = err
		}
	}
	return first
}

// DumpRawEvents returns a handler printing every event as indented JSON.
// Unless verbose, partial events are skipped and metadata is reduced to the
// message id.
func (e *EventRouter) DumpRawEvents(w io.Writer) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer msg.Ack()

		var fields map[string]interface{}
		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			return err
		}
		if !e.verbose {
			switch EventType(fmt.Sprint(fields["type"])) {
			case EventTypePartialCompletion, EventTypePartialThinking:
				return nil
			}
			if meta, ok := fields["meta"].(map[string]interface{}); ok {
				fields["id"] = meta["message_id"]
			}
			delete(fields, "meta")
		}
		b, err := json.MarshalIndent(fields, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
}
