// Package events turns catalog change events from Kafka into index tasks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/config"
	"catalogsearch/indexer/internal/metrics"
	"catalogsearch/indexer/internal/tasks"
)

// Event types published by the catalog.
const (
	ProjectUpdated = "project.updated"
	ProjectDeleted = "project.deleted"
	CatalogRebuild = "catalog.rebuild"
)

// Event is the JSON body of a catalog change message.
type Event struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	Project    string    `json:"project,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// Task maps the event onto index work. ok is false for event types the indexer ignores.
func (e Event) Task() (t *tasks.Task, ok bool) {
	switch e.Type {
	case ProjectUpdated:
		return &tasks.Task{Kind: tasks.KindReindexProject, Project: e.Project, Source: tasks.SourceEvent}, true
	case ProjectDeleted:
		return &tasks.Task{Kind: tasks.KindUnindexProject, Project: e.Project, Source: tasks.SourceEvent}, true
	case CatalogRebuild:
		return &tasks.Task{Kind: tasks.KindReindex, Source: tasks.SourceEvent}, true
	default:
		return nil, false
	}
}

// Handler consumes a claimed partition. A message is marked once its task is queued
// or once it is known to be unusable; a queue failure ends the session so the message
// is redelivered.
type Handler struct {
	queue   tasks.Enqueuer
	metrics *metrics.Metrics
	log     *zap.Logger
}

var _ sarama.ConsumerGroupHandler = (*Handler)(nil)

func NewHandler(queue tasks.Enqueuer, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{queue: queue, metrics: m, log: log.With(zap.String("component", "events"))}
}

func (h *Handler) Setup(session sarama.ConsumerGroupSession) error {
	h.log.Info("consumer session started", zap.String("member_id", session.MemberID()), zap.Int32("generation", session.GenerationID()))
	return nil
}

func (h *Handler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.log.Info("consumer session ended", zap.String("member_id", session.MemberID()))
	return nil
}

func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(session.Context(), msg); err != nil {
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *Handler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	log := h.log.With(zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Warn("malformed event skipped", zap.Error(err))
		h.metrics.EventsConsumed.WithLabelValues("unknown", "malformed").Inc()
		return nil
	}
	if ev.Project == "" && len(msg.Key) > 0 {
		ev.Project = string(msg.Key)
	}
	t, ok := ev.Task()
	if !ok {
		log.Debug("event ignored", zap.String("type", ev.Type))
		h.metrics.EventsConsumed.WithLabelValues(ev.Type, "ignored").Inc()
		return nil
	}
	if err := t.Validate(); err != nil {
		log.Warn("invalid event skipped", zap.String("type", ev.Type), zap.Error(err))
		h.metrics.EventsConsumed.WithLabelValues(ev.Type, "malformed").Inc()
		return nil
	}
	if err := h.queue.Enqueue(ctx, t); err != nil {
		h.metrics.EventsConsumed.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("enqueue task for %s event: %w", ev.Type, err)
	}
	h.metrics.EventsConsumed.WithLabelValues(ev.Type, "enqueued").Inc()
	log.Debug("event enqueued", zap.String("type", ev.Type), zap.String("project", ev.Project), zap.String("task_id", t.ID))
	return nil
}

// Consumer joins the consumer group and feeds the handler until its context ends.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *Handler
	log     *zap.Logger
}

func NewConsumer(cfg config.KafkaConfig, handler *Handler, log *zap.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_3_1_0
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return &Consumer{
		group:   group,
		topic:   cfg.Topic,
		handler: handler,
		log:     log.With(zap.String("component", "consumer")),
	}, nil
}

// Run consumes until ctx is done. Consume returns on every rebalance, so it is called
// in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Error("consumer group error", zap.Error(err))
		}
	}()
	c.log.Info("consuming catalog events", zap.String("topic", c.topic))
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close consumer group: %w", err)
	}
	return nil
}
