package persistence

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/pkg/metrics"
)

type record struct {
	order *OrderRecord
	exec  *ExecutionRecord
	cmd   *CommandRecord
}

// Writer batches audit rows into postgres off the engine hot path. Enqueue
// never blocks: a full queue drops the record with a warning, trading audit
// completeness for engine latency.
type Writer struct {
	db            *gorm.DB
	queue         chan record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	logger        *zap.Logger
}

// Open connects, migrates the audit tables, and starts the flush worker.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Writer, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderRecord{}, &ExecutionRecord{}, &CommandRecord{}); err != nil {
		return nil, err
	}

	w := &Writer{
		db:            db,
		queue:         make(chan record, cfg.QueueSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		logger:        logger,
	}
	go w.worker()
	return w, nil
}

// Close flushes outstanding records and stops the worker.
func (w *Writer) Close() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Writer) enqueue(r record) {
	select {
	case w.queue <- r:
		metrics.AuditQueueDepth.Set(float64(len(w.queue)))
	default:
		w.logger.Warn("audit queue full, dropping record")
	}
}

// RecordOrder queues an order state for audit.
func (w *Writer) RecordOrder(o model.Order) {
	w.enqueue(record{order: &OrderRecord{
		ID:             o.ID,
		SessionID:      o.SessionID,
		UserID:         o.UserID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Price:          o.Price,
		StopPrice:      o.StopPrice,
		TimeInForce:    o.TimeInForce,
		Status:         o.Status,
		Sequence:       o.Sequence,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}})
}

// RecordExecution queues an execution for audit.
func (w *Writer) RecordExecution(x model.Execution) {
	w.enqueue(record{exec: &ExecutionRecord{
		ID:           x.ID,
		SessionID:    x.SessionID,
		OrderID:      x.OrderID,
		CounterOrder: x.CounterOrder,
		UserID:       x.UserID,
		Symbol:       x.Symbol,
		Side:         x.Side,
		Quantity:     x.Quantity,
		Price:        x.Price,
		Commission:   x.Commission,
		Maker:        x.Maker,
		CreatedAt:    x.CreatedAt,
	}})
}

// RecordCommand queues an executed lesson command for audit.
func (w *Writer) RecordCommand(sessionID uuid.UUID, cmd model.LessonCommand) {
	w.enqueue(record{cmd: &CommandRecord{
		SessionID:  sessionID,
		CommandID:  cmd.ID,
		Type:       cmd.Type,
		ExecutedAt: time.Now(),
	}})
}

func (w *Writer) worker() {
	defer close(w.doneCh)
	batch := make([]record, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-w.queue:
			batch = append(batch, r)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.stopCh:
			for {
				select {
				case r := <-w.queue:
					batch = append(batch, r)
				default:
					if len(batch) > 0 {
						w.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush writes one batch, grouped per table. Order rows upsert so the row
// tracks the order's latest status.
func (w *Writer) flush(batch []record) {
	var orders []*OrderRecord
	var execs []*ExecutionRecord
	var cmds []*CommandRecord
	for _, r := range batch {
		switch {
		case r.order != nil:
			orders = append(orders, r.order)
		case r.exec != nil:
			execs = append(execs, r.exec)
		case r.cmd != nil:
			cmds = append(cmds, r.cmd)
		}
	}
	if len(orders) > 0 {
		if err := w.db.Save(orders).Error; err != nil {
			w.logger.Error("order audit flush failed", zap.Int("count", len(orders)), zap.Error(err))
		}
	}
	if len(execs) > 0 {
		if err := w.db.CreateInBatches(execs, w.batchSize).Error; err != nil {
			w.logger.Error("execution audit flush failed", zap.Int("count", len(execs)), zap.Error(err))
		}
	}
	if len(cmds) > 0 {
		if err := w.db.CreateInBatches(cmds, w.batchSize).Error; err != nil {
			w.logger.Error("command audit flush failed", zap.Int("count", len(cmds)), zap.Error(err))
		}
	}
	metrics.AuditQueueDepth.Set(float64(len(w.queue)))
}
