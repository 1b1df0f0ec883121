//go:generate go run go.uber.org/mock/mockgen -source=publisher.go -destination=../mocks/mock_sink.go -package=mocks
package event

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Message is an event encoded for delivery.
type Message struct {
	Topic     string
	Body      []byte
	Recipient int64
}

// Sink delivers an encoded event to one transport.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

type Publisher struct {
	sinks []Sink
	log   zerolog.Logger
}

func NewPublisher(log zerolog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{
		sinks: sinks,
		log:   log.With().Str("component", "publisher").Logger(),
	}
}

// Publish routes evt to its topic on every sink. Delivery is best-effort:
// failures are logged and never returned.
func (p *Publisher) Publish(ctx context.Context, evt Event) {
	topic, ok := TopicFor(evt)
	if !ok {
		p.log.Warn().Str("event", fmt.Sprintf("%T", evt)).Msg("dropping event with no topic")
		return
	}

	msg := Message{Topic: topic, Body: []byte(evt.Body()), Recipient: evt.Recipient()}
	for _, sink := range p.sinks {
		if err := sink.Send(ctx, msg); err != nil {
			p.log.Error().
				Err(err).
				Str("event", evt.Name()).
				Str("topic", topic).
				Str("sink", fmt.Sprintf("%T", sink)).
				Msg("failed to publish event")
			continue
		}
		p.log.Debug().Str("event", evt.Name()).Str("topic", topic).Msg("event published")
	}
}
