package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"qwallet/internal/config"

	"github.com/IBM/sarama"
)

// PayoutResult is the confirmation the external payout collaborator publishes
// once a cash-out either settled or bounced.
type PayoutResult struct {
	TransactionNo string `json:"transaction_no"`
	Status        string `json:"status"` // completed | failed
	Reason        string `json:"reason,omitempty"`
}

const (
	PayoutStatusCompleted = "completed"
	PayoutStatusFailed    = "failed"
)

// PayoutHandler settles or compensates a cash-out. Must be idempotent: the
// consumer group delivers at least once.
type PayoutHandler interface {
	HandlePayoutResult(ctx context.Context, result PayoutResult) error
}

// PayoutResultConsumer reads the payout-results topic and drives the handler.
type PayoutResultConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler PayoutHandler
}

func NewPayoutResultConsumer(cfg *config.KafkaConfig, handler PayoutHandler) (*PayoutResultConsumer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &PayoutResultConsumer{
		group:   group,
		topic:   cfg.Topic.PayoutResults,
		handler: handler,
	}, nil
}

// Start consumes until ctx is cancelled. Consume returns on rebalance, so it
// runs in a loop.
func (c *PayoutResultConsumer) Start(ctx context.Context) {
	log.Println("[PayoutResultConsumer] started")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, &payoutGroupHandler{handler: c.handler}); err != nil {
			log.Printf("[PayoutResultConsumer] consume error: %v", err)
		}
		if ctx.Err() != nil {
			log.Println("[PayoutResultConsumer] stopped")
			return
		}
	}
}

func (c *PayoutResultConsumer) Close() error {
	return c.group.Close()
}

type payoutGroupHandler struct {
	handler PayoutHandler
}

func (h *payoutGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *payoutGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *payoutGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var result PayoutResult
		if err := json.Unmarshal(msg.Value, &result); err != nil {
			log.Printf("[PayoutResultConsumer] bad payload at %s/%d/%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			session.MarkMessage(msg, "")
			continue
		}

		if err := h.handler.HandlePayoutResult(session.Context(), result); err != nil {
			// Leave the offset unmarked so the message is redelivered.
			log.Printf("[PayoutResultConsumer] handle %s failed: %v", result.TransactionNo, err)
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
