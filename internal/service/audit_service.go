package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/audit"
)

// DefaultAuditChannelSize is used when WithChannelSize is not passed.
const DefaultAuditChannelSize = 1000

// AuditService decouples the forward/reverse proxy's hot path from audit
// persistence: Record hands a record to a buffered channel and returns
// immediately, while a background worker drains the channel into the
// configured audit.Store. Under sustained backpressure records are dropped
// rather than blocking the proxy, and the drop count is exposed so
// health checks can surface the condition.
type AuditService struct {
	store       audit.Store
	logger      *slog.Logger
	records     chan audit.AuditRecord
	sendTimeout time.Duration
	dropped     int64

	startOnce sync.Once
	wg        sync.WaitGroup
	stopChan  chan struct{}
}

// AuditServiceOption configures an AuditService at construction time.
type AuditServiceOption func(*AuditService)

// WithChannelSize sets the buffered channel's capacity. Defaults to
// DefaultAuditChannelSize.
func WithChannelSize(n int) AuditServiceOption {
	return func(s *AuditService) {
		if n > 0 {
			s.records = make(chan audit.AuditRecord, n)
		}
	}
}

// WithSendTimeout bounds how long Record blocks trying to enqueue a record
// once the channel is full. A timeout of 0 drops immediately instead of
// waiting at all.
func WithSendTimeout(d time.Duration) AuditServiceOption {
	return func(s *AuditService) {
		s.sendTimeout = d
	}
}

// NewAuditService creates an AuditService backed by store. The background
// worker is not started until Start is called; Record works regardless,
// buffering into the channel.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditServiceOption) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuditService{
		store:    store,
		logger:   logger,
		records:  make(chan audit.AuditRecord, DefaultAuditChannelSize),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record enqueues rec for persistence. If the channel is full, Record waits
// up to the configured send timeout before dropping the record and
// incrementing the drop counter; a zero timeout drops immediately.
func (s *AuditService) Record(rec audit.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	select {
	case s.records <- rec:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		atomic.AddInt64(&s.dropped, 1)
		s.logger.Warn("audit record dropped, channel full")
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.records <- rec:
	case <-timer.C:
		atomic.AddInt64(&s.dropped, 1)
		s.logger.Warn("audit record dropped after send timeout", "timeout", s.sendTimeout)
	}
}

// Start launches the background worker that drains records into the
// configured store. Safe to call multiple times; only the first call starts
// the worker. Stop (or ctx cancellation) halts it.
func (s *AuditService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

func (s *AuditService) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.records:
			if err := s.store.Append(rec); err != nil {
				s.logger.Error("audit append failed", "error", err)
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the background worker and waits for it to exit.
func (s *AuditService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// ChannelDepth returns the number of records currently buffered.
func (s *AuditService) ChannelDepth() int {
	return len(s.records)
}

// ChannelCapacity returns the buffered channel's capacity.
func (s *AuditService) ChannelCapacity() int {
	return cap(s.records)
}

// DroppedRecords returns the number of records dropped due to backpressure.
func (s *AuditService) DroppedRecords() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Recent proxies to the underlying store, for admin/debug endpoints.
func (s *AuditService) Recent(limit int) []audit.AuditRecord {
	return s.store.Recent(limit)
}
