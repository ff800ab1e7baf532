package job

import (
	"context"
	"log"
	"time"

	"qwallet/internal/config"
	"qwallet/internal/model"
	"qwallet/internal/repository"

	"gorm.io/gorm"
)

// MessageSender is what the outbox needs from the broker; satisfied by
// mq.Producer.
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender delivers committed outbox rows to Kafka. Rows stay pending
// across send failures and are retried until MaxRetryCount, giving every
// event at-least-once delivery without coupling the ledger commit to the
// broker being up.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     MessageSender
	maxRetries int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, sender MessageSender, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sender:     sender,
		maxRetries: cfg.Business.MaxRetryCount,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] context cancelled, exiting")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] fetch pending: %v", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			log.Printf("[OutboxSender] mark sent id=%d: %v", msg.ID, updateErr)
		}
		return
	}

	log.Printf("[OutboxSender] send id=%d topic=%s: %v", msg.ID, msg.Topic, err)

	if msg.RetryCount+1 >= s.maxRetries {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] mark failed id=%d: %v", msg.ID, err)
		} else {
			log.Printf("[OutboxSender] id=%d exceeded %d retries, marked failed", msg.ID, s.maxRetries)
		}
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] bump retry id=%d: %v", msg.ID, err)
	}
}
