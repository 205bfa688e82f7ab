package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/model"
	"go.uber.org/zap"
)

// Recorder is the usage sink the gateway writes to, once per request.
type Recorder interface {
	Record(log *model.RequestLog)
}

// Ingestor handles the asynchronous persistence of request logs.
type Ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	logChan   chan *model.RequestLog
	batchSize int
	flushTime time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

func NewIngestor(logger *zap.Logger, repo store.Repository, cfg config.UsageConfig) *Ingestor {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	flushTime := cfg.FlushInterval
	if flushTime <= 0 {
		flushTime = 5 * time.Second
	}
	return &Ingestor{
		logger:    logger,
		repo:      repo,
		logChan:   make(chan *model.RequestLog, bufferSize),
		batchSize: batchSize,
		flushTime: flushTime,
		done:      make(chan struct{}),
	}
}

// Record enqueues a log without blocking. A full buffer drops the log.
func (i *Ingestor) Record(log *model.RequestLog) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		i.logger.Warn("Usage ingestor stopped, dropping log", zap.String("request_id", log.ID))
		return
	}

	select {
	case i.logChan <- log:
	default:
		i.logger.Warn("Usage buffer full, dropping log", zap.String("request_id", log.ID))
	}
}

// Start runs the background writer.
func (i *Ingestor) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return
	}
	i.started = true
	go i.worker()
}

// Shutdown stops accepting logs and waits for the buffer to drain or ctx to end.
func (i *Ingestor) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.logChan)
	}
	started := i.started
	i.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Ingestor) worker() {
	defer close(i.done)

	batch := make([]*model.RequestLog, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// persistence outlives the request that produced the log
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := i.repo.Requests().LogBatch(ctx, batch); err != nil {
			i.logger.Error("Failed to persist usage batch, retrying individually",
				zap.Int("size", len(batch)), zap.Error(err))
			for _, log := range batch {
				if err := i.repo.Requests().Log(ctx, log); err != nil {
					i.logger.Error("Failed to persist request log", zap.String("id", log.ID), zap.Error(err))
				}
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case log, ok := <-i.logChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, log)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
