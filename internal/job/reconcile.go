package job

import (
	"context"
	"log"
	"time"

	"qwallet/internal/config"
	"qwallet/internal/repository"
	"qwallet/internal/service"

	"gorm.io/gorm"
)

// ReconcileJob is the crash-recovery path. A transaction can only sit in
// processing while its holder is alive inside the lock TTL; anything older
// belongs to a crashed or stalled worker and is resolved to failed, with a
// cash-out's reserved funds unlocked. Dangling processing records are never
// left behind.
type ReconcileJob struct {
	txnRepo   *repository.TransactionRepository
	processor *service.TransactionProcessor
	staleAge  time.Duration
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewReconcileJob(db *gorm.DB, processor *service.TransactionProcessor, cfg *config.Config) *ReconcileJob {
	return &ReconcileJob{
		txnRepo:   repository.NewTransactionRepository(db),
		processor: processor,
		staleAge:  time.Duration(cfg.Business.StaleProcessingMinutes) * time.Minute,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 50,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[ReconcileJob] started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] context cancelled, exiting")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] stopped")
			return
		case <-ticker.C:
			j.reconcileStale(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) reconcileStale(ctx context.Context) {
	before := time.Now().Add(-j.staleAge)
	txns, err := j.txnRepo.GetStaleProcessing(ctx, before, j.batchSize)
	if err != nil {
		log.Printf("[ReconcileJob] scan stale processing: %v", err)
		return
	}

	if len(txns) == 0 {
		return
	}

	log.Printf("[ReconcileJob] found %d stale processing transactions", len(txns))

	for _, txn := range txns {
		if err := j.processor.ReconcileStale(ctx, txn); err != nil {
			log.Printf("[ReconcileJob] reconcile %s: %v", txn.TransactionNo, err)
			continue
		}
		log.Printf("[ReconcileJob] reconciled %s (%s) to failed", txn.TransactionNo, txn.Type)
	}
}
