package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

const (
	eventStreamName   = "AGENT_EVENTS"
	eventSubjectRoot  = "agent.event"
	eventStreamMaxAge = 24 * time.Hour
)

// EventSubject returns the subject a plan event is published on
func EventSubject(kind model.EventKind, planID string) string {
	return fmt.Sprintf("%s.%s.%s", eventSubjectRoot, kind, planID)
}

// EventPublisher publishes plan events to JetStream
type EventPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewEventPublisher creates the publisher and makes sure the event stream exists
func NewEventPublisher(js nats.JetStreamContext, logger *zap.Logger) (*EventPublisher, error) {
	p := &EventPublisher{
		js:     js,
		logger: logger.Named("events"),
	}
	if err := p.setupStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EventPublisher) setupStream() error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{eventSubjectRoot + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   eventStreamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			p.logger.Info("Stream already exists", zap.String("stream", eventStreamName))
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", eventStreamName, err)
	}

	p.logger.Info("Stream created successfully", zap.String("stream", eventStreamName))
	return nil
}

// Publish implements EventSink
func (p *EventPublisher) Publish(ctx context.Context, event *model.PlanEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(EventSubject(event.Kind, event.PlanID), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published",
		zap.String("plan_id", event.PlanID),
		zap.String("kind", string(event.Kind)))
	return nil
}

// SubscribeEvents delivers every plan event to handler until ctx is done
func SubscribeEvents(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger, handler func(*model.PlanEvent)) error {
	sub, err := js.Subscribe(eventSubjectRoot+".>", func(msg *nats.Msg) {
		var event model.PlanEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}

		handler(&event)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
