// internal/requestlog/processor.go
package requestlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
)

const persistTimeout = 30 * time.Second

// Reasons a record is dropped, reported to metrics.
const (
	dropBufferFull = "buffer_full"
	dropStopped    = "stopped"
	dropNoDatabase = "no_database"
	dropPersist    = "persist_error"
)

// Sink persists a batch of request records.
type Sink interface {
	InsertBatch(ctx context.Context, records []schemas.RequestRecord) error
}

// Processor manages the ingestion, batching, and persistence of request
// records. Logging never blocks the request that produced the record.
type Processor struct {
	input   chan schemas.RequestRecord
	sink    Sink
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     config.RequestLogConfig

	buffer []schemas.RequestRecord
	mu     sync.Mutex
	wg     sync.WaitGroup

	stopped     atomic.Bool
	started     atomic.Bool
	flushSignal chan struct{}
	stopSignal  chan struct{}
	stopOnce    sync.Once
}

// NewProcessor initializes a processor. A nil sink accepts records and drops
// them at flush time.
func NewProcessor(sink Sink, cfg config.RequestLogConfig, metrics *observability.Metrics, logger *zap.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		input:       make(chan schemas.RequestRecord, cfg.BufferSize),
		sink:        sink,
		logger:      logger.Named("request_log"),
		metrics:     metrics,
		cfg:         cfg,
		buffer:      make([]schemas.RequestRecord, 0, cfg.BatchSize),
		flushSignal: make(chan struct{}, 1),
		stopSignal:  make(chan struct{}),
	}
}

// Start runs the processing loop in the background.
func (p *Processor) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	p.logger.Info("Request log processor started.",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("flush_interval", p.cfg.FlushInterval))

	for {
		select {
		case rec := <-p.input:
			p.process(rec)

		case <-ticker.C:
			p.flush()

		case <-p.flushSignal:
			p.flush()

		case <-ctx.Done():
			p.logger.Warn("Context cancelled. Stopping processor and attempting final flush.")
			p.drainChannel()
			p.flush()
			return

		case <-p.stopSignal:
			p.logger.Debug("Stop signal received. Draining channel and flushing remaining buffer.")
			p.drainChannel()
			p.flush()
			return
		}
	}
}

// Log enqueues one record. It never blocks: when the buffer is full or the
// processor has stopped, the record is dropped and counted.
func (p *Processor) Log(rec schemas.RequestRecord) {
	if p.stopped.Load() {
		p.drop(dropStopped, 1)
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case p.input <- rec:
	default:
		p.logger.Warn("Request log buffer full, dropping record.", zap.String("url", rec.URL))
		p.drop(dropBufferFull, 1)
	}
}

func (p *Processor) drainChannel() {
	count := 0
	for {
		select {
		case rec := <-p.input:
			p.process(rec)
			count++
		default:
			p.logger.Debug("Channel drained.", zap.Int("count", count))
			return
		}
	}
}

func (p *Processor) process(rec schemas.RequestRecord) {
	p.mu.Lock()
	p.buffer = append(p.buffer, rec)
	bufferLen := len(p.buffer)
	p.mu.Unlock()

	if bufferLen >= p.cfg.BatchSize {
		select {
		case p.flushSignal <- struct{}{}:
		default:
		}
	}
}

// flush hands the current buffer to a persistence goroutine.
func (p *Processor) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	toPersist := make([]schemas.RequestRecord, len(p.buffer))
	copy(toPersist, p.buffer)
	p.buffer = p.buffer[:0]
	p.mu.Unlock()

	p.wg.Add(1)
	go func(batch []schemas.RequestRecord) {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		p.persistBatch(ctx, batch)
	}(toPersist)
}

func (p *Processor) persistBatch(ctx context.Context, batch []schemas.RequestRecord) {
	if p.sink == nil {
		p.logger.Debug("No database configured. Request records not persisted.", zap.Int("count", len(batch)))
		p.drop(dropNoDatabase, len(batch))
		return
	}
	if err := p.sink.InsertBatch(ctx, batch); err != nil {
		p.logger.Error("Failed to persist request log batch.", zap.Error(err), zap.Int("batch_size", len(batch)))
		p.drop(dropPersist, len(batch))
		return
	}
	if p.metrics != nil {
		p.metrics.LogRecordsPersisted.Add(float64(len(batch)))
	}
	p.logger.Debug("Persisted request log batch.", zap.Int("count", len(batch)))
}

func (p *Processor) drop(reason string, n int) {
	if p.metrics != nil {
		p.metrics.LogRecordsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// Stop flushes everything buffered and waits for in-flight writes. It is
// safe to call more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopSignal)
		if !p.started.Load() {
			// Never started: persist whatever was queued directly.
			p.drainChannel()
			p.flush()
		}
		p.wg.Wait()
		p.logger.Info("Request log processor stopped.")
	})
}
